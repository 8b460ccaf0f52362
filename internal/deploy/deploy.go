// Package deploy builds the environment a harness run drives: the chain,
// the named accounts, the tokens, the vault and the strategies, either
// simulated in process or attached to live contracts on a forked node.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/chain"
	"github.com/roach88/strategyharness/internal/fixture"
	"github.com/roach88/strategyharness/internal/protocol"
)

// Strategy aliases every environment starts with.
const (
	MainStrategy       = "strategy"
	OtherVaultStrategy = "other_vault_strategy"
)

// Token names every environment starts with. Some are absent on rpc.
const (
	TokenWant       = "token"
	TokenCRV        = "crv"
	TokenCVX        = "cvx"
	TokenRewards    = "rewards"
	TokenCVXDeposit = "cvx_deposit"
)

// Account names, in the order they are listed.
var accountNames = []string{
	"gov", "strategist_ms", "keeper", "rewards", "guardian",
	"management", "strategist", "rewards_whale", "whale", "voter",
}

// Environment is everything one run can reach by name.
type Environment struct {
	Fixture *fixture.Fixture
	Backend string
	Chain   protocol.Chain

	Accounts   map[string]common.Address
	Tokens     map[string]protocol.Token
	Vault      protocol.Vault
	Strategies map[string]protocol.Strategy

	logger   *slog.Logger
	deployer func(ctx context.Context, alias string) (protocol.Strategy, error)
	injector func(ctx context.Context, alias string, amount *uint256.Int) error
	closer   func()
}

// New resolves f and builds its environment on the configured backend.
func New(ctx context.Context, f *fixture.Fixture, logger *slog.Logger) (*Environment, error) {
	switch f.Chain.Backend {
	case fixture.BackendSim:
		return Simulated(ctx, f, logger)
	case fixture.BackendRPC:
		return Attach(ctx, f, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", f.Chain.Backend)
	}
}

func accountsFor(f *fixture.Fixture) map[string]common.Address {
	a := f.Accounts
	raw := map[string]string{
		"gov":           a.Gov,
		"strategist_ms": a.StrategistMS,
		"keeper":        a.Keeper,
		"rewards":       a.Rewards,
		"guardian":      a.Guardian,
		"management":    a.Management,
		"strategist":    a.Strategist,
		"rewards_whale": a.RewardsWhale,
		"whale":         f.Whale,
		"voter":         f.Voter,
	}
	out := make(map[string]common.Address, len(raw))
	for name, v := range raw {
		out[name] = fixture.Address(v, chain.AddressFor("account:"+name))
	}
	return out
}

// AccountNames lists the named accounts.
func AccountNames() []string { return slices.Clone(accountNames) }

// Account returns a named account.
func (e *Environment) Account(name string) (common.Address, bool) {
	a, ok := e.Accounts[name]
	return a, ok
}

// Strategy returns a strategy by alias.
func (e *Environment) Strategy(alias string) (protocol.Strategy, error) {
	s, ok := e.Strategies[alias]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (have %v)", alias, sortedKeys(e.Strategies))
	}
	return s, nil
}

// Token returns a token by name.
func (e *Environment) Token(name string) (protocol.Token, error) {
	t, ok := e.Tokens[name]
	if !ok {
		return nil, fmt.Errorf("unknown token %q (have %v)", name, sortedKeys(e.Tokens))
	}
	return t, nil
}

// Resolve turns a name into an address: an account, "vault", a strategy
// alias, a token name or a hex address.
func (e *Environment) Resolve(name string) (common.Address, error) {
	if a, ok := e.Accounts[name]; ok {
		return a, nil
	}
	if name == "vault" {
		return e.Vault.Address(), nil
	}
	if s, ok := e.Strategies[name]; ok {
		return s.Address(), nil
	}
	if t, ok := e.Tokens[name]; ok {
		return t.Address(), nil
	}
	if common.IsHexAddress(name) {
		return common.HexToAddress(name), nil
	}
	return common.Address{}, fmt.Errorf("unknown name %q", name)
}

// DeployStrategy deploys a fresh strategy of the fixture's flavour against
// the vault and registers it under alias.
func (e *Environment) DeployStrategy(ctx context.Context, alias string) (protocol.Strategy, error) {
	if _, ok := e.Strategies[alias]; ok {
		return nil, fmt.Errorf("strategy alias %q already in use", alias)
	}
	s, err := e.deployer(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("deploy %s: %w", alias, err)
	}
	e.Strategies[alias] = s
	e.logger.Debug("strategy deployed", "alias", alias, "address", s.Address().Hex())
	return s, nil
}

// ForgetStrategy drops an alias added by DeployStrategy. Scenarios call it
// when their snapshot is reverted.
func (e *Environment) ForgetStrategy(alias string) {
	if alias == MainStrategy || alias == OtherVaultStrategy {
		return
	}
	delete(e.Strategies, alias)
}

// InjectLoss destroys amount of a strategy's staked position.
func (e *Environment) InjectLoss(ctx context.Context, alias string, amount *uint256.Int) error {
	if _, err := e.Strategy(alias); err != nil {
		return err
	}
	return e.injector(ctx, alias, amount)
}

// Close releases the backend connection.
func (e *Environment) Close() {
	if e.closer != nil {
		e.closer()
	}
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
