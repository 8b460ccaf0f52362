// Package fixture holds the per-run configuration of the harness: which
// chain to use, which vault, strategy and token to drive, which accounts play
// which role, and the knobs of the simulated backend.
//
// A fixture is loaded from a YAML, TOML or CUE file or taken from a built-in
// profile, then patched from HARNESS_* environment variables. Defaults are
// applied last and the result is validated. Nothing in a fixture changes
// during a run.
package fixture

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/protocol"
)

// Backends.
const (
	BackendSim = "sim"
	BackendRPC = "rpc"
)

// Fixture is the full configuration of one harness run.
type Fixture struct {
	Name  string `yaml:"name" toml:"name" json:"name"`
	Chain Chain  `yaml:"chain" toml:"chain" json:"chain"`

	PID          uint64 `yaml:"pid" toml:"pid" json:"pid"`
	Amount       string `yaml:"amount" toml:"amount" json:"amount"`
	StrategyName string `yaml:"strategy_name" toml:"strategy_name" json:"strategy_name"`
	Whale        string `yaml:"whale" toml:"whale" json:"whale"`

	VaultAddress       string `yaml:"vault_address" toml:"vault_address" json:"vault_address"`
	TokenAddress       string `yaml:"token_address" toml:"token_address" json:"token_address"`
	StrategyAddress    string `yaml:"strategy_address" toml:"strategy_address" json:"strategy_address"`
	MigrationTarget    string `yaml:"migration_target" toml:"migration_target" json:"migration_target"`
	OtherVaultStrategy string `yaml:"other_vault_strategy" toml:"other_vault_strategy" json:"other_vault_strategy"`
	HealthCheck        string `yaml:"health_check" toml:"health_check" json:"health_check"`
	CRVAddress         string `yaml:"crv_address" toml:"crv_address" json:"crv_address"`
	CVXAddress         string `yaml:"cvx_address" toml:"cvx_address" json:"cvx_address"`
	Voter              string `yaml:"voter" toml:"voter" json:"voter"`

	Accounts      Accounts `yaml:"accounts" toml:"accounts" json:"accounts"`
	RewardsAmount string   `yaml:"rewards_amount" toml:"rewards_amount" json:"rewards_amount"`
	Toggles       Toggles  `yaml:"toggles" toml:"toggles" json:"toggles"`
	SleepHours    uint64   `yaml:"sleep_hours" toml:"sleep_hours" json:"sleep_hours"`
	Sim           Sim      `yaml:"sim" toml:"sim" json:"sim"`
}

// Chain selects the backend.
type Chain struct {
	ID      uint64 `yaml:"id" toml:"id" json:"id"`
	Backend string `yaml:"backend" toml:"backend" json:"backend"`
	RPCURL  string `yaml:"rpc_url" toml:"rpc_url" json:"rpc_url"`
	// Node is anvil or hardhat; it picks the impersonation RPC method.
	Node string `yaml:"node" toml:"node" json:"node"`
	// Prepare makes an rpc attach wire the strategy into the vault the way
	// the sim backend deploys it. Ignored by the sim backend.
	Prepare bool `yaml:"prepare" toml:"prepare" json:"prepare"`
}

// Accounts are the named actors. Empty entries get a deterministic address.
type Accounts struct {
	Gov          string `yaml:"gov" toml:"gov" json:"gov"`
	StrategistMS string `yaml:"strategist_ms" toml:"strategist_ms" json:"strategist_ms"`
	Keeper       string `yaml:"keeper" toml:"keeper" json:"keeper"`
	Rewards      string `yaml:"rewards" toml:"rewards" json:"rewards"`
	Guardian     string `yaml:"guardian" toml:"guardian" json:"guardian"`
	Management   string `yaml:"management" toml:"management" json:"management"`
	Strategist   string `yaml:"strategist" toml:"strategist" json:"strategist"`
	RewardsWhale string `yaml:"rewards_whale" toml:"rewards_whale" json:"rewards_whale"`
}

// Toggles are the boolean switches scenarios can require.
type Toggles struct {
	IsConvex            bool `yaml:"is_convex" toml:"is_convex" json:"is_convex"`
	HasRewards          bool `yaml:"has_rewards" toml:"has_rewards" json:"has_rewards"`
	RewardsTemplate     bool `yaml:"rewards_template" toml:"rewards_template" json:"rewards_template"`
	TryBlocks           bool `yaml:"try_blocks" toml:"try_blocks" json:"try_blocks"`
	TestDonation        bool `yaml:"test_donation" toml:"test_donation" json:"test_donation"`
	IsClonable          bool `yaml:"is_clonable" toml:"is_clonable" json:"is_clonable"`
	GaugeIsNotTokenized bool `yaml:"gauge_is_not_tokenized" toml:"gauge_is_not_tokenized" json:"gauge_is_not_tokenized"`
	NoProfit            bool `yaml:"no_profit" toml:"no_profit" json:"no_profit"`
	IsSlippery          bool `yaml:"is_slippery" toml:"is_slippery" json:"is_slippery"`
}

// Sim holds the economics of the simulated backend. Amounts use the
// protocol.ParseAmount notation.
type Sim struct {
	CRVPerSecond      string `yaml:"crv_per_second" toml:"crv_per_second" json:"crv_per_second"`
	CVXPerSecond      string `yaml:"cvx_per_second" toml:"cvx_per_second" json:"cvx_per_second"`
	RewardsPerSecond  string `yaml:"rewards_per_second" toml:"rewards_per_second" json:"rewards_per_second"`
	CRVPrice          string `yaml:"crv_price" toml:"crv_price" json:"crv_price"`
	CVXPrice          string `yaml:"cvx_price" toml:"cvx_price" json:"cvx_price"`
	RewardsPrice      string `yaml:"rewards_price" toml:"rewards_price" json:"rewards_price"`
	WantPerETH        string `yaml:"want_per_eth" toml:"want_per_eth" json:"want_per_eth"`
	WhaleBalance      string `yaml:"whale_balance" toml:"whale_balance" json:"whale_balance"`
	KeepCRVBps        uint64 `yaml:"keep_crv_bps" toml:"keep_crv_bps" json:"keep_crv_bps"`
	PerformanceFeeBps uint64 `yaml:"performance_fee_bps" toml:"performance_fee_bps" json:"performance_fee_bps"`
	ProfitLimitBps    uint64 `yaml:"profit_limit_bps" toml:"profit_limit_bps" json:"profit_limit_bps"`
	LossLimitBps      uint64 `yaml:"loss_limit_bps" toml:"loss_limit_bps" json:"loss_limit_bps"`
	SlippageBps       uint64 `yaml:"slippage_bps" toml:"slippage_bps" json:"slippage_bps"`
}

// Defaults.
const (
	DefaultAmount       = "35_000e18"
	DefaultSleepHours   = 6
	DefaultStrategyName = "StrategyCurve2CRV"
)

// ApplyDefaults fills every unset field. is_slippery is forced on when
// no_profit is set.
func (f *Fixture) ApplyDefaults() {
	if f.Name == "" {
		f.Name = "custom"
	}
	if f.Chain.Backend == "" {
		f.Chain.Backend = BackendSim
	}
	if f.Chain.Node == "" {
		f.Chain.Node = "anvil"
	}
	if f.Amount == "" {
		f.Amount = DefaultAmount
	}
	if f.StrategyName == "" {
		f.StrategyName = DefaultStrategyName
	}
	if f.SleepHours == 0 {
		f.SleepHours = DefaultSleepHours
	}
	if f.RewardsAmount == "" {
		f.RewardsAmount = "1_000_000e18"
	}
	if f.Toggles.NoProfit {
		f.Toggles.IsSlippery = true
	}

	s := &f.Sim
	setDefault(&s.CRVPerSecond, "1e10")
	setDefault(&s.CVXPerSecond, "5e9")
	setDefault(&s.RewardsPerSecond, "2e10")
	setDefault(&s.CRVPrice, "1e18")
	setDefault(&s.CVXPrice, "1e18")
	setDefault(&s.RewardsPrice, "1e17")
	setDefault(&s.WantPerETH, "3_000e18")
	setDefault(&s.WhaleBalance, "100_000e18")
	if s.KeepCRVBps == 0 {
		s.KeepCRVBps = 1_000
	}
	if s.PerformanceFeeBps == 0 {
		s.PerformanceFeeBps = 1_000
	}
	if s.ProfitLimitBps == 0 {
		s.ProfitLimitBps = 100
	}
	if s.LossLimitBps == 0 {
		s.LossLimitBps = 1
	}
}

func setDefault(field *string, v string) {
	if *field == "" {
		*field = v
	}
}

// Validate checks a defaulted fixture.
func (f *Fixture) Validate() error {
	var errs []error
	switch f.Chain.Backend {
	case BackendSim:
	case BackendRPC:
		if f.Chain.RPCURL == "" {
			errs = append(errs, errors.New("chain.rpc_url is required for the rpc backend"))
		}
		for field, v := range map[string]string{
			"vault_address":    f.VaultAddress,
			"strategy_address": f.StrategyAddress,
			"whale":            f.Whale,
		} {
			if v == "" {
				errs = append(errs, fmt.Errorf("%s is required for the rpc backend", field))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("chain.backend must be %q or %q, got %q", BackendSim, BackendRPC, f.Chain.Backend))
	}
	if f.Chain.Node != "anvil" && f.Chain.Node != "hardhat" {
		errs = append(errs, fmt.Errorf("chain.node must be anvil or hardhat, got %q", f.Chain.Node))
	}

	for field, v := range f.addressFields() {
		if v != "" && !common.IsHexAddress(v) {
			errs = append(errs, fmt.Errorf("%s: invalid address %q", field, v))
		}
	}
	for field, v := range map[string]string{
		"amount":                 f.Amount,
		"rewards_amount":         f.RewardsAmount,
		"sim.crv_per_second":     f.Sim.CRVPerSecond,
		"sim.cvx_per_second":     f.Sim.CVXPerSecond,
		"sim.rewards_per_second": f.Sim.RewardsPerSecond,
		"sim.crv_price":          f.Sim.CRVPrice,
		"sim.cvx_price":          f.Sim.CVXPrice,
		"sim.rewards_price":      f.Sim.RewardsPrice,
		"sim.want_per_eth":       f.Sim.WantPerETH,
		"sim.whale_balance":      f.Sim.WhaleBalance,
	} {
		if _, err := protocol.ParseAmount(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}
	for field, v := range map[string]uint64{
		"sim.keep_crv_bps":        f.Sim.KeepCRVBps,
		"sim.performance_fee_bps": f.Sim.PerformanceFeeBps,
		"sim.profit_limit_bps":    f.Sim.ProfitLimitBps,
		"sim.loss_limit_bps":      f.Sim.LossLimitBps,
		"sim.slippage_bps":        f.Sim.SlippageBps,
	} {
		if v > protocol.MaxBPS {
			errs = append(errs, fmt.Errorf("%s: %d exceeds %d", field, v, protocol.MaxBPS))
		}
	}
	sortErrors(errs)
	return errors.Join(errs...)
}

// sortErrors keeps map-driven validation output stable.
func sortErrors(errs []error) {
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
}

func (f *Fixture) addressFields() map[string]string {
	return map[string]string{
		"whale":                  f.Whale,
		"vault_address":          f.VaultAddress,
		"token_address":          f.TokenAddress,
		"strategy_address":       f.StrategyAddress,
		"migration_target":       f.MigrationTarget,
		"other_vault_strategy":   f.OtherVaultStrategy,
		"health_check":           f.HealthCheck,
		"crv_address":            f.CRVAddress,
		"cvx_address":            f.CVXAddress,
		"voter":                  f.Voter,
		"accounts.gov":           f.Accounts.Gov,
		"accounts.strategist_ms": f.Accounts.StrategistMS,
		"accounts.keeper":        f.Accounts.Keeper,
		"accounts.rewards":       f.Accounts.Rewards,
		"accounts.guardian":      f.Accounts.Guardian,
		"accounts.management":    f.Accounts.Management,
		"accounts.strategist":    f.Accounts.Strategist,
		"accounts.rewards_whale": f.Accounts.RewardsWhale,
	}
}

// AmountValue is the parsed deposit amount.
func (f *Fixture) AmountValue() *uint256.Int { return protocol.MustParseAmount(f.Amount) }

// SleepTime is sleep_hours in seconds.
func (f *Fixture) SleepTime() uint64 { return f.SleepHours * 3600 }

// Toggle looks up a toggle by its file name.
func (f *Fixture) Toggle(name string) (bool, bool) {
	switch name {
	case "is_convex":
		return f.Toggles.IsConvex, true
	case "has_rewards":
		return f.Toggles.HasRewards, true
	case "rewards_template":
		return f.Toggles.RewardsTemplate, true
	case "try_blocks":
		return f.Toggles.TryBlocks, true
	case "test_donation":
		return f.Toggles.TestDonation, true
	case "is_clonable":
		return f.Toggles.IsClonable, true
	case "gauge_is_not_tokenized":
		return f.Toggles.GaugeIsNotTokenized, true
	case "no_profit":
		return f.Toggles.NoProfit, true
	case "is_slippery":
		return f.Toggles.IsSlippery, true
	case "is_sim":
		return f.Chain.Backend == BackendSim, true
	}
	return false, false
}

// Address parses an optional address field, falling back to def.
func Address(v string, def common.Address) common.Address {
	if v == "" {
		return def
	}
	return common.HexToAddress(v)
}
