package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/evm"
	"github.com/roach88/strategyharness/internal/fixture"
	"github.com/roach88/strategyharness/internal/protocol"
)

// ErrSimOnly is returned by operations the live backend cannot perform.
var ErrSimOnly = errors.New("only supported on the sim backend")

// Attach connects to the node at f.Chain.RPCURL and binds the configured
// vault and strategies. Every named account is impersonated up front and the
// whale must hold twice the deposit amount. With chain.prepare the strategy
// is then wired into the vault as the sim backend deploys it.
func Attach(ctx context.Context, f *fixture.Fixture, logger *slog.Logger) (*Environment, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := evm.Dial(ctx, f.Chain.RPCURL, f.Chain.Node, evm.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	env, err := attach(ctx, client, f, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return env, nil
}

func attach(ctx context.Context, client *evm.Client, f *fixture.Fixture, logger *slog.Logger) (*Environment, error) {
	if f.VaultAddress == "" || f.StrategyAddress == "" {
		return nil, errors.New("rpc backend needs vault_address and strategy_address")
	}
	v := evm.NewVault(client, fixture.Address(f.VaultAddress, common.Address{}))

	want := fixture.Address(f.TokenAddress, common.Address{})
	if f.TokenAddress == "" {
		var err error
		if want, err = v.Token(ctx); err != nil {
			return nil, fmt.Errorf("read vault token: %w", err)
		}
	}
	tokens := map[string]protocol.Token{TokenWant: evm.NewToken(client, want)}
	if f.CRVAddress != "" {
		tokens[TokenCRV] = evm.NewToken(client, fixture.Address(f.CRVAddress, common.Address{}))
	}
	if f.CVXAddress != "" {
		tokens[TokenCVX] = evm.NewToken(client, fixture.Address(f.CVXAddress, common.Address{}))
	}

	strategies := map[string]protocol.Strategy{
		MainStrategy: evm.NewStrategy(client, fixture.Address(f.StrategyAddress, common.Address{})),
	}
	if f.OtherVaultStrategy != "" {
		strategies[OtherVaultStrategy] = evm.NewStrategy(client, fixture.Address(f.OtherVaultStrategy, common.Address{}))
	}

	accounts := accountsFor(f)
	for _, name := range accountNames {
		if err := client.Impersonate(ctx, accounts[name]); err != nil {
			return nil, err
		}
	}

	balance, err := tokens[TokenWant].BalanceOf(ctx, accounts["whale"])
	if err != nil {
		return nil, fmt.Errorf("read whale balance: %w", err)
	}
	if err := checkWhale(balance, f.AmountValue()); err != nil {
		return nil, err
	}

	bn, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("read block number: %w", err)
	}
	logger.Info("attached to node",
		"fixture", f.Name,
		"rpc", f.Chain.RPCURL,
		"vault", v.Address().Hex(),
		"strategy", strategies[MainStrategy].Address().Hex(),
		"block", bn)

	env := &Environment{
		Fixture:    f,
		Backend:    fixture.BackendRPC,
		Chain:      client,
		Accounts:   accounts,
		Tokens:     tokens,
		Vault:      v,
		Strategies: strategies,
		logger:     logger,
		closer:     client.Close,
		deployer: func(ctx context.Context, alias string) (protocol.Strategy, error) {
			if f.MigrationTarget == "" {
				return nil, errors.New("no migration_target configured for the rpc backend")
			}
			return evm.NewStrategy(client, fixture.Address(f.MigrationTarget, common.Address{})), nil
		},
		injector: func(ctx context.Context, alias string, amount *uint256.Int) error {
			return fmt.Errorf("inject loss: %w", ErrSimOnly)
		},
	}
	if f.Chain.Prepare {
		bind := func(a common.Address) protocol.Strategy { return evm.NewStrategy(client, a) }
		if err := prepare(ctx, env, bind); err != nil {
			return nil, fmt.Errorf("prepare vault: %w", err)
		}
	}
	return env, nil
}
