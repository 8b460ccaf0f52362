package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/chain"
	"github.com/roach88/strategyharness/internal/protocol"
)

func (v *Vault) totalAssets() *uint256.Int {
	return new(uint256.Int).Add(v.token.Balance(v.addr), &v.st.totalDebt)
}

func (v *Vault) lockedProfitAt(now uint64) *uint256.Int {
	elapsed := uint64(0)
	if now > v.st.lastReport {
		elapsed = now - v.st.lastReport
	}
	ratio := new(uint256.Int).Mul(uint256.NewInt(elapsed), &v.st.lockedDegradation)
	if !ratio.Lt(degradationCoefficient) {
		return protocol.Zero()
	}
	released := protocol.MulDiv(ratio, &v.st.lockedProfit, degradationCoefficient)
	return new(uint256.Int).Sub(&v.st.lockedProfit, released)
}

func (v *Vault) freeFunds() *uint256.Int {
	return protocol.SubFloor(v.totalAssets(), v.lockedProfitAt(v.chain.Time()))
}

func (v *Vault) shareValue(shares *uint256.Int) *uint256.Int {
	supply := v.st.shares.TotalSupply()
	if supply.IsZero() {
		return new(uint256.Int).Set(shares)
	}
	return protocol.MulDiv(shares, v.freeFunds(), supply)
}

func (v *Vault) sharesForAmount(amount *uint256.Int) *uint256.Int {
	free := v.freeFunds()
	if free.IsZero() {
		return protocol.Zero()
	}
	return protocol.MulDiv(amount, v.st.shares.TotalSupply(), free)
}

func (v *Vault) issueSharesForAmount(tx *chain.Tx, to common.Address, amount *uint256.Int) (*uint256.Int, error) {
	supply := v.st.shares.TotalSupply()
	shares := new(uint256.Int).Set(amount)
	if !supply.IsZero() {
		free := v.freeFunds()
		if free.IsZero() {
			return nil, protocol.Revert("no free funds")
		}
		shares = protocol.MulDiv(amount, supply, free)
	}
	if shares.IsZero() {
		return nil, protocol.Revert(ReasonZeroAmount)
	}
	v.st.shares.Mint(tx, v.addr, to, shares)
	return shares, nil
}

// CreditAvailable returns how much more the vault would lend strategy.
func (v *Vault) CreditAvailable(strategy common.Address) *uint256.Int {
	if v.st.shutdown {
		return protocol.Zero()
	}
	total := v.totalAssets()
	p := v.st.strategies[strategy]

	vaultLimit := protocol.MulDiv(uint256.NewInt(v.st.debtRatio), total, maxBPS)
	stratLimit := protocol.MulDiv(uint256.NewInt(p.debtRatio), total, maxBPS)
	if !stratLimit.Gt(&p.totalDebt) || !vaultLimit.Gt(&v.st.totalDebt) {
		return protocol.Zero()
	}

	available := new(uint256.Int).Sub(stratLimit, &p.totalDebt)
	available = protocol.Min(available, new(uint256.Int).Sub(vaultLimit, &v.st.totalDebt))
	available = protocol.Min(available, v.token.Balance(v.addr))
	if available.Lt(&p.minDebtPerHarvest) {
		return protocol.Zero()
	}
	return protocol.Min(available, &p.maxDebtPerHarvest)
}

// DebtOutstanding returns how much strategy owes back to the vault.
func (v *Vault) DebtOutstanding(strategy common.Address) *uint256.Int {
	p := v.st.strategies[strategy]
	if v.st.debtRatio == 0 || v.st.shutdown {
		return new(uint256.Int).Set(&p.totalDebt)
	}
	limit := protocol.MulDiv(uint256.NewInt(p.debtRatio), v.totalAssets(), maxBPS)
	return protocol.SubFloor(&p.totalDebt, limit)
}

// Report books a strategy's harvest: gain, loss and debt repayment. It moves
// want between vault and strategy to settle credit and debt, and returns what
// the strategy should still pay back.
func (v *Vault) Report(tx *chain.Tx, strategy common.Address, gain, loss, debtPayment *uint256.Int) (*uint256.Int, error) {
	p, ok := v.st.strategies[strategy]
	if !ok || p.activation == 0 {
		return nil, protocol.Revert(ReasonNotApproved)
	}
	if v.token.Balance(strategy).Lt(new(uint256.Int).Add(gain, debtPayment)) {
		return nil, protocol.Revert(protocol.ReasonBalance)
	}
	now := tx.Timestamp

	if !loss.IsZero() {
		if err := v.reportLoss(strategy, loss); err != nil {
			return nil, err
		}
	}

	fees, err := v.assessFees(tx, strategy, gain, now)
	if err != nil {
		return nil, err
	}

	p = v.st.strategies[strategy]
	p.totalGain.Add(&p.totalGain, gain)
	v.st.strategies[strategy] = p

	debt := v.DebtOutstanding(strategy)
	paid := protocol.Min(debtPayment, debt)
	if !paid.IsZero() {
		p = v.st.strategies[strategy]
		p.totalDebt.Sub(&p.totalDebt, paid)
		v.st.strategies[strategy] = p
		v.st.totalDebt.Sub(&v.st.totalDebt, paid)
		debt.Sub(debt, paid)
	}

	credit := v.CreditAvailable(strategy)
	if !credit.IsZero() {
		p = v.st.strategies[strategy]
		p.totalDebt.Add(&p.totalDebt, credit)
		v.st.strategies[strategy] = p
		v.st.totalDebt.Add(&v.st.totalDebt, credit)
	}

	available := new(uint256.Int).Add(gain, paid)
	switch {
	case available.Lt(credit):
		if err := v.token.Move(tx, v.addr, strategy, new(uint256.Int).Sub(credit, available)); err != nil {
			return nil, err
		}
	case available.Gt(credit):
		if err := v.token.Pull(tx, v.addr, strategy, v.addr, new(uint256.Int).Sub(available, credit)); err != nil {
			return nil, err
		}
	}

	locked := v.lockedProfitAt(now)
	locked.Add(locked, gain)
	locked = protocol.SubFloor(locked, fees)
	v.st.lockedProfit = *protocol.SubFloor(locked, loss)

	p = v.st.strategies[strategy]
	p.lastReport = now
	v.st.strategies[strategy] = p
	v.st.lastReport = now

	tx.Emit(v.addr, protocol.EventStrategyReported, map[string]any{
		"strategy":  strategy,
		"gain":      new(uint256.Int).Set(gain),
		"loss":      new(uint256.Int).Set(loss),
		"debtPaid":  paid,
		"totalGain": new(uint256.Int).Set(&p.totalGain),
		"totalLoss": new(uint256.Int).Set(&p.totalLoss),
		"totalDebt": new(uint256.Int).Set(&p.totalDebt),
		"debtAdded": credit,
		"debtRatio": uint256.NewInt(p.debtRatio),
	})
	v.logger.Debug("strategy reported",
		"strategy", strategy.Hex(), "gain", gain.Dec(), "loss", loss.Dec(),
		"debt_paid", paid.Dec(), "credit", credit.Dec(), "fees", fees.Dec())

	if p.debtRatio == 0 || v.st.shutdown {
		s, err := v.strategy(strategy)
		if err != nil {
			return nil, err
		}
		return s.TotalAssets(), nil
	}
	return debt, nil
}

func (v *Vault) reportLoss(strategy common.Address, loss *uint256.Int) error {
	p := v.st.strategies[strategy]
	if p.totalDebt.Lt(loss) {
		return protocol.Revert("loss exceeds debt")
	}
	if v.st.debtRatio != 0 && !v.st.totalDebt.IsZero() {
		change := protocol.MulDiv(loss, uint256.NewInt(v.st.debtRatio), &v.st.totalDebt)
		ratio := p.debtRatio
		if change.IsUint64() && change.Uint64() < ratio {
			ratio = change.Uint64()
		}
		p.debtRatio -= ratio
		v.st.debtRatio -= ratio
	}
	p.totalLoss.Add(&p.totalLoss, loss)
	p.totalDebt.Sub(&p.totalDebt, loss)
	v.st.totalDebt.Sub(&v.st.totalDebt, loss)
	v.st.strategies[strategy] = p
	return nil
}

// assessFees mints fee shares to the strategy (strategist fee) and to the
// rewards address, and returns the total fee in want.
func (v *Vault) assessFees(tx *chain.Tx, strategy common.Address, gain *uint256.Int, now uint64) (*uint256.Int, error) {
	p := v.st.strategies[strategy]
	if p.activation == now {
		return protocol.Zero(), nil
	}
	if now <= p.lastReport {
		return nil, protocol.Revert("report within the same block")
	}
	if gain.IsZero() {
		return protocol.Zero(), nil
	}
	duration := uint256.NewInt(now - p.lastReport)

	management := new(uint256.Int).Mul(&p.totalDebt, duration)
	management = protocol.MulDiv(management, uint256.NewInt(v.st.managementFee), maxBPS)
	management.Div(management, uint256.NewInt(SecsPerYear))
	strategist := protocol.MulDiv(gain, uint256.NewInt(p.performanceFee), maxBPS)
	performance := protocol.MulDiv(gain, uint256.NewInt(v.st.performanceFee), maxBPS)

	total := new(uint256.Int).Add(management, strategist)
	total.Add(total, performance)
	if total.Gt(gain) {
		total.Set(gain)
	}
	if total.IsZero() {
		return total, nil
	}

	reward, err := v.issueSharesForAmount(tx, v.addr, total)
	if err != nil {
		return nil, err
	}
	if !strategist.IsZero() {
		cut := protocol.MulDiv(strategist, reward, total)
		if err := v.st.shares.Transfer(tx, v.addr, v.addr, strategy, cut); err != nil {
			return nil, err
		}
	}
	if rest := v.st.shares.BalanceOf(v.addr); !rest.IsZero() {
		if err := v.st.shares.Transfer(tx, v.addr, v.addr, v.st.rewards, rest); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// Params returns the strategy's bookkeeping as seen by strategy code.
func (v *Vault) Params(strategy common.Address) protocol.StrategyParams {
	p := v.st.strategies[strategy]
	return protocol.StrategyParams{
		PerformanceFee:    uint256.NewInt(p.performanceFee),
		Activation:        p.activation,
		DebtRatio:         uint256.NewInt(p.debtRatio),
		MinDebtPerHarvest: new(uint256.Int).Set(&p.minDebtPerHarvest),
		MaxDebtPerHarvest: new(uint256.Int).Set(&p.maxDebtPerHarvest),
		LastReport:        p.lastReport,
		TotalDebt:         new(uint256.Int).Set(&p.totalDebt),
		TotalGain:         new(uint256.Int).Set(&p.totalGain),
		TotalLoss:         new(uint256.Int).Set(&p.totalLoss),
	}
}

// ShareBalance is BalanceOf for contracts inside a transaction.
func (v *Vault) ShareBalance(account common.Address) *uint256.Int {
	return v.st.shares.BalanceOf(account)
}

// MoveShares transfers vault shares inside a transaction.
func (v *Vault) MoveShares(tx *chain.Tx, from, to common.Address, amount *uint256.Int) error {
	return v.st.shares.Transfer(tx, v.addr, from, to, amount)
}

// Token implements protocol.Vault.
func (v *Vault) Token(ctx context.Context) (common.Address, error) {
	return v.token.Address(), ctx.Err()
}

// TotalAssets is idle funds plus the total debt owed by strategies.
func (v *Vault) TotalAssets(ctx context.Context) (*uint256.Int, error) {
	return v.totalAssets(), ctx.Err()
}

// PricePerShare is the value of 10**decimals shares.
func (v *Vault) PricePerShare(ctx context.Context) (*uint256.Int, error) {
	one := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(v.decimals)))
	return v.shareValue(one), ctx.Err()
}

// TotalSupply implements protocol.Vault.
func (v *Vault) TotalSupply(ctx context.Context) (*uint256.Int, error) {
	return v.st.shares.TotalSupply(), ctx.Err()
}

// BalanceOf returns the share balance of account.
func (v *Vault) BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error) {
	return v.st.shares.BalanceOf(account), ctx.Err()
}

// Strategies returns the recorded params of strategy.
func (v *Vault) Strategies(ctx context.Context, strategy common.Address) (protocol.StrategyParams, error) {
	return v.Params(strategy), ctx.Err()
}

// WithdrawalQueue implements protocol.Vault.
func (v *Vault) WithdrawalQueue(ctx context.Context) ([]common.Address, error) {
	return append([]common.Address(nil), v.st.queue...), ctx.Err()
}

// DebtRatio is the sum of the strategies' debt ratios in basis points.
func (v *Vault) DebtRatio(ctx context.Context) (*uint256.Int, error) {
	return uint256.NewInt(v.st.debtRatio), ctx.Err()
}

// TotalDebt implements protocol.Vault.
func (v *Vault) TotalDebt(ctx context.Context) (*uint256.Int, error) {
	return new(uint256.Int).Set(&v.st.totalDebt), ctx.Err()
}

// DepositLimit implements protocol.Vault.
func (v *Vault) DepositLimit(ctx context.Context) (*uint256.Int, error) {
	return new(uint256.Int).Set(&v.st.depositLimit), ctx.Err()
}

// LockedProfit returns the profit still locked at the current time.
func (v *Vault) LockedProfit(ctx context.Context) (*uint256.Int, error) {
	return v.lockedProfitAt(v.chain.Time()), ctx.Err()
}

// ManagementFee returns the management fee in basis points.
func (v *Vault) ManagementFee() uint64 { return v.st.managementFee }

// PerformanceFee returns the performance fee in basis points.
func (v *Vault) PerformanceFee() uint64 { return v.st.performanceFee }
