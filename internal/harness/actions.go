package harness

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/deploy"
	"github.com/roach88/strategyharness/internal/protocol"
)

// outcome is what an action produced: a receipt for transactions, a value
// for views.
type outcome struct {
	receipt *protocol.Receipt
	result  any
}

type actionFunc func(ctx context.Context, x *run, st *stepState) (outcome, error)

type actionDef struct {
	tx       bool
	args     []string
	required []string
	fn       actionFunc
}

// actions is the step vocabulary.
var actions = map[string]actionDef{
	"chain.sleep": {args: []string{"seconds"}, required: []string{"seconds"}, fn: chainSleep},
	"chain.mine":  {args: []string{"blocks"}, fn: chainMine},

	"token.approve":  {tx: true, args: []string{"spender", "amount"}, required: []string{"spender"}, fn: tokenApprove},
	"token.transfer": {tx: true, args: []string{"to", "amount"}, required: []string{"to", "amount"}, fn: tokenTransfer},

	"vault.deposit":                 {tx: true, args: []string{"amount"}, fn: vaultDeposit},
	"vault.withdraw":                {tx: true, args: []string{"shares", "recipient", "max_loss"}, fn: vaultWithdraw},
	"vault.updateStrategyDebtRatio": {tx: true, args: []string{"strategy", "debt_ratio"}, required: []string{"debt_ratio"}, fn: vaultUpdateDebtRatio},
	"vault.migrateStrategy":         {tx: true, args: []string{"old", "new"}, required: []string{"new"}, fn: vaultMigrateStrategy},
	"vault.setManagementFee":        {tx: true, args: []string{"fee"}, required: []string{"fee"}, fn: vaultSetManagementFee},
	"vault.setDepositLimit":         {tx: true, args: []string{"limit"}, required: []string{"limit"}, fn: vaultSetDepositLimit},
	"vault.revokeStrategy":          {tx: true, args: []string{"strategy"}, fn: vaultRevokeStrategy},

	"strategy.harvest":                       {tx: true, fn: strategyTx(protocol.Strategy.Harvest)},
	"strategy.tend":                          {tx: true, fn: strategyTx(protocol.Strategy.Tend)},
	"strategy.setEmergencyExit":              {tx: true, fn: strategyTx(protocol.Strategy.SetEmergencyExit)},
	"strategy.withdrawToConvexDepositTokens": {tx: true, fn: strategyTx(protocol.Strategy.WithdrawToConvexDepositTokens)},
	"strategy.setDoHealthCheck":              {tx: true, args: []string{"enabled"}, required: []string{"enabled"}, fn: strategySetDoHealthCheck},
	"strategy.setClaimRewards":               {tx: true, args: []string{"claim"}, required: []string{"claim"}, fn: strategySetClaimRewards},
	"strategy.sweep":                         {tx: true, args: []string{"token"}, required: []string{"token"}, fn: strategySweep},
	"strategy.migrate":                       {tx: true, args: []string{"new"}, required: []string{"new"}, fn: strategyMigrate},
	"strategy.withdraw":                      {tx: true, args: []string{"amount"}, required: []string{"amount"}, fn: strategyWithdraw},

	"strategy.harvestTrigger": {args: []string{"call_cost"}, fn: strategyHarvestTrigger},
	"strategy.tendTrigger":    {args: []string{"call_cost"}, fn: strategyTendTrigger},
	"strategy.ethToWant":      {args: []string{"amount"}, required: []string{"amount"}, fn: strategyEthToWant},
	"strategy.apiVersion":     {fn: strategyAPIVersion},
	"strategy.isActive":       {fn: strategyIsActive},

	"deploy.strategy": {args: []string{"alias"}, required: []string{"alias"}, fn: deployStrategy},
	"inject.loss":     {args: []string{"amount"}, required: []string{"amount"}, fn: injectLoss},
	"record":          {fn: func(context.Context, *run, *stepState) (outcome, error) { return outcome{}, nil }},
}

// stepError marks a failure caused by the scenario itself, such as an
// argument that does not evaluate.
type stepError struct{ err error }

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func stepErrorf(format string, args ...any) error {
	return &stepError{err: fmt.Errorf(format, args...)}
}

// stepState carries one step's resolved inputs. Every resolved argument is
// recorded for the trace.
type stepState struct {
	step   Step
	index  int
	from   common.Address
	target string
	args   map[string]string
	scope  *scope
}

func (st *stepState) raw(key, def string) (string, bool) {
	v, ok := st.step.Args[key]
	if !ok {
		return def, def != ""
	}
	s, err := argString(v)
	if err != nil {
		return "", false
	}
	return s, true
}

func (st *stepState) amount(key, def string) (*uint256.Int, error) {
	src, ok := st.raw(key, def)
	if !ok {
		return nil, stepErrorf("arg %s is required", key)
	}
	v, err := st.scope.amount(src)
	if err != nil {
		return nil, &stepError{err: fmt.Errorf("arg %s: %w", key, err)}
	}
	st.args[key] = protocol.FormatAmount(v)
	return v, nil
}

func (st *stepState) address(key, def string) (common.Address, error) {
	name, ok := st.raw(key, def)
	if !ok {
		return common.Address{}, stepErrorf("arg %s is required", key)
	}
	addr, err := st.scope.env.Resolve(name)
	if err != nil {
		return common.Address{}, &stepError{err: fmt.Errorf("arg %s: %w", key, err)}
	}
	st.args[key] = name
	return addr, nil
}

func (st *stepState) boolean(key string) (bool, error) {
	src, ok := st.raw(key, "")
	if !ok {
		return false, stepErrorf("arg %s is required", key)
	}
	b, err := strconv.ParseBool(src)
	if err != nil {
		return false, stepErrorf("arg %s: want true or false, got %q", key, src)
	}
	st.args[key] = strconv.FormatBool(b)
	return b, nil
}

func (st *stepState) strategy() (protocol.Strategy, error) {
	if st.target == "" {
		st.target = deploy.MainStrategy
	}
	s, err := st.scope.env.Strategy(st.target)
	if err != nil {
		return nil, &stepError{err: err}
	}
	return s, nil
}

func (st *stepState) token() (protocol.Token, error) {
	if st.target == "" {
		st.target = deploy.TokenWant
	}
	t, err := st.scope.env.Token(st.target)
	if err != nil {
		return nil, &stepError{err: err}
	}
	return t, nil
}

// defaultStrategy is the target alias, or the main strategy.
func (st *stepState) defaultStrategy() string {
	if st.target != "" {
		return st.target
	}
	return deploy.MainStrategy
}

func chainSleep(ctx context.Context, x *run, st *stepState) (outcome, error) {
	secs, err := st.amount("seconds", "")
	if err != nil {
		return outcome{}, err
	}
	if !secs.IsUint64() {
		return outcome{}, stepErrorf("arg seconds: %s is out of range", secs.Dec())
	}
	return outcome{}, x.env.Chain.Sleep(ctx, secs.Uint64())
}

func chainMine(ctx context.Context, x *run, st *stepState) (outcome, error) {
	blocks, err := st.amount("blocks", "1")
	if err != nil {
		return outcome{}, err
	}
	if !blocks.IsUint64() {
		return outcome{}, stepErrorf("arg blocks: %s is out of range", blocks.Dec())
	}
	return outcome{}, x.env.Chain.Mine(ctx, blocks.Uint64())
}

func tokenApprove(ctx context.Context, x *run, st *stepState) (outcome, error) {
	t, err := st.token()
	if err != nil {
		return outcome{}, err
	}
	spender, err := st.address("spender", "")
	if err != nil {
		return outcome{}, err
	}
	amount, err := st.amount("amount", "max")
	if err != nil {
		return outcome{}, err
	}
	r, err := t.Approve(ctx, st.from, spender, amount)
	return outcome{receipt: r}, err
}

func tokenTransfer(ctx context.Context, x *run, st *stepState) (outcome, error) {
	t, err := st.token()
	if err != nil {
		return outcome{}, err
	}
	to, err := st.address("to", "")
	if err != nil {
		return outcome{}, err
	}
	amount, err := st.amount("amount", "")
	if err != nil {
		return outcome{}, err
	}
	r, err := t.Transfer(ctx, st.from, to, amount)
	return outcome{receipt: r}, err
}

func vaultDeposit(ctx context.Context, x *run, st *stepState) (outcome, error) {
	amount, err := st.amount("amount", "max")
	if err != nil {
		return outcome{}, err
	}
	r, err := x.env.Vault.Deposit(ctx, st.from, amount)
	return outcome{receipt: r}, err
}

func vaultWithdraw(ctx context.Context, x *run, st *stepState) (outcome, error) {
	shares, err := st.amount("shares", "max")
	if err != nil {
		return outcome{}, err
	}
	recipient, err := st.address("recipient", st.step.From)
	if err != nil {
		return outcome{}, err
	}
	maxLoss, err := st.amount("max_loss", strconv.Itoa(protocol.DefaultMaxLossBps))
	if err != nil {
		return outcome{}, err
	}
	r, err := x.env.Vault.Withdraw(ctx, st.from, protocol.WithdrawRequest{
		MaxShares:  shares,
		Recipient:  &recipient,
		MaxLossBps: maxLoss,
	})
	return outcome{receipt: r}, err
}

func vaultUpdateDebtRatio(ctx context.Context, x *run, st *stepState) (outcome, error) {
	strategy, err := st.address("strategy", st.defaultStrategy())
	if err != nil {
		return outcome{}, err
	}
	ratio, err := st.amount("debt_ratio", "")
	if err != nil {
		return outcome{}, err
	}
	r, err := x.env.Vault.UpdateStrategyDebtRatio(ctx, st.from, strategy, ratio)
	return outcome{receipt: r}, err
}

func vaultMigrateStrategy(ctx context.Context, x *run, st *stepState) (outcome, error) {
	oldStrategy, err := st.address("old", st.defaultStrategy())
	if err != nil {
		return outcome{}, err
	}
	newStrategy, err := st.address("new", "")
	if err != nil {
		return outcome{}, err
	}
	r, err := x.env.Vault.MigrateStrategy(ctx, st.from, oldStrategy, newStrategy)
	return outcome{receipt: r}, err
}

func vaultSetManagementFee(ctx context.Context, x *run, st *stepState) (outcome, error) {
	fee, err := st.amount("fee", "")
	if err != nil {
		return outcome{}, err
	}
	r, err := x.env.Vault.SetManagementFee(ctx, st.from, fee)
	return outcome{receipt: r}, err
}

func vaultSetDepositLimit(ctx context.Context, x *run, st *stepState) (outcome, error) {
	limit, err := st.amount("limit", "")
	if err != nil {
		return outcome{}, err
	}
	r, err := x.env.Vault.SetDepositLimit(ctx, st.from, limit)
	return outcome{receipt: r}, err
}

func vaultRevokeStrategy(ctx context.Context, x *run, st *stepState) (outcome, error) {
	strategy, err := st.address("strategy", st.defaultStrategy())
	if err != nil {
		return outcome{}, err
	}
	r, err := x.env.Vault.RevokeStrategy(ctx, st.from, strategy)
	return outcome{receipt: r}, err
}

// strategyTx adapts an argument-less strategy transaction.
func strategyTx(call func(protocol.Strategy, context.Context, common.Address) (*protocol.Receipt, error)) actionFunc {
	return func(ctx context.Context, x *run, st *stepState) (outcome, error) {
		s, err := st.strategy()
		if err != nil {
			return outcome{}, err
		}
		r, err := call(s, ctx, st.from)
		return outcome{receipt: r}, err
	}
}

func strategySetDoHealthCheck(ctx context.Context, x *run, st *stepState) (outcome, error) {
	s, err := st.strategy()
	if err != nil {
		return outcome{}, err
	}
	enabled, err := st.boolean("enabled")
	if err != nil {
		return outcome{}, err
	}
	r, err := s.SetDoHealthCheck(ctx, st.from, enabled)
	return outcome{receipt: r}, err
}

func strategySetClaimRewards(ctx context.Context, x *run, st *stepState) (outcome, error) {
	s, err := st.strategy()
	if err != nil {
		return outcome{}, err
	}
	claim, err := st.boolean("claim")
	if err != nil {
		return outcome{}, err
	}
	r, err := s.SetClaimRewards(ctx, st.from, claim)
	return outcome{receipt: r}, err
}

func strategySweep(ctx context.Context, x *run, st *stepState) (outcome, error) {
	s, err := st.strategy()
	if err != nil {
		return outcome{}, err
	}
	tok, err := st.address("token", "")
	if err != nil {
		return outcome{}, err
	}
	r, err := s.Sweep(ctx, st.from, tok)
	return outcome{receipt: r}, err
}

func strategyMigrate(ctx context.Context, x *run, st *stepState) (outcome, error) {
	s, err := st.strategy()
	if err != nil {
		return outcome{}, err
	}
	next, err := st.address("new", "")
	if err != nil {
		return outcome{}, err
	}
	r, err := s.Migrate(ctx, st.from, next)
	return outcome{receipt: r}, err
}

func strategyWithdraw(ctx context.Context, x *run, st *stepState) (outcome, error) {
	s, err := st.strategy()
	if err != nil {
		return outcome{}, err
	}
	amount, err := st.amount("amount", "")
	if err != nil {
		return outcome{}, err
	}
	r, err := s.Withdraw(ctx, st.from, amount)
	return outcome{receipt: r}, err
}

func strategyHarvestTrigger(ctx context.Context, x *run, st *stepState) (outcome, error) {
	s, err := st.strategy()
	if err != nil {
		return outcome{}, err
	}
	cost, err := st.amount("call_cost", "0")
	if err != nil {
		return outcome{}, err
	}
	ok, err := s.HarvestTrigger(ctx, cost)
	return outcome{result: ok}, err
}

func strategyTendTrigger(ctx context.Context, x *run, st *stepState) (outcome, error) {
	s, err := st.strategy()
	if err != nil {
		return outcome{}, err
	}
	cost, err := st.amount("call_cost", "0")
	if err != nil {
		return outcome{}, err
	}
	ok, err := s.TendTrigger(ctx, cost)
	return outcome{result: ok}, err
}

func strategyEthToWant(ctx context.Context, x *run, st *stepState) (outcome, error) {
	s, err := st.strategy()
	if err != nil {
		return outcome{}, err
	}
	amount, err := st.amount("amount", "")
	if err != nil {
		return outcome{}, err
	}
	v, err := s.EthToWant(ctx, amount)
	return outcome{result: v}, err
}

func strategyAPIVersion(ctx context.Context, x *run, st *stepState) (outcome, error) {
	s, err := st.strategy()
	if err != nil {
		return outcome{}, err
	}
	v, err := s.APIVersion(ctx)
	return outcome{result: v}, err
}

func strategyIsActive(ctx context.Context, x *run, st *stepState) (outcome, error) {
	s, err := st.strategy()
	if err != nil {
		return outcome{}, err
	}
	v, err := s.IsActive(ctx)
	return outcome{result: v}, err
}

func deployStrategy(ctx context.Context, x *run, st *stepState) (outcome, error) {
	alias, _ := st.raw("alias", "")
	if !identifier.MatchString(alias) {
		return outcome{}, stepErrorf("arg alias: invalid alias %q", alias)
	}
	st.args["alias"] = alias
	s, err := x.env.DeployStrategy(ctx, alias)
	if err != nil {
		return outcome{}, &stepError{err: err}
	}
	x.deployed = append(x.deployed, alias)
	return outcome{result: s.Address().Hex()}, nil
}

func injectLoss(ctx context.Context, x *run, st *stepState) (outcome, error) {
	if _, err := st.strategy(); err != nil {
		return outcome{}, err
	}
	amount, err := st.amount("amount", "")
	if err != nil {
		return outcome{}, err
	}
	err = x.env.InjectLoss(ctx, st.target, amount)
	if err != nil && !protocol.IsRevert(err) {
		err = &stepError{err: err}
	}
	return outcome{}, err
}
