package protocol

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Event names decoded by both backends.
const (
	EventTransfer             = "Transfer"
	EventApproval             = "Approval"
	EventHarvested            = "Harvested"
	EventStrategyReported     = "StrategyReported"
	EventStrategyAdded        = "StrategyAdded"
	EventStrategyMigrated     = "StrategyMigrated"
	EventStrategyRevoked      = "StrategyRevoked"
	EventDebtRatioUpdated     = "StrategyUpdateDebtRatio"
	EventEmergencyExitEnabled = "EmergencyExitEnabled"
	EventSetDoHealthCheck     = "SetDoHealthCheck"
	EventUpdatedKeeper        = "UpdatedKeeper"
	EventSwept                = "Swept"
)

// Event is one decoded log entry.
// Field values are *uint256.Int, common.Address, bool or string.
type Event struct {
	Name    string         `json:"name"`
	Emitter common.Address `json:"emitter"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Amount returns a numeric field, or zero when absent.
func (e Event) Amount(field string) *uint256.Int {
	if v, ok := e.Fields[field].(*uint256.Int); ok && v != nil {
		return new(uint256.Int).Set(v)
	}
	return Zero()
}

// Receipt is the outcome of a mined transaction.
type Receipt struct {
	Block     uint64      `json:"block"`
	Timestamp uint64      `json:"timestamp"`
	TxHash    common.Hash `json:"tx_hash"`
	Events    []Event     `json:"events,omitempty"`
}

// Find returns the first event with the given name.
func (r *Receipt) Find(name string) (Event, bool) {
	if r == nil {
		return Event{}, false
	}
	for _, ev := range r.Events {
		if ev.Name == name {
			return ev, true
		}
	}
	return Event{}, false
}

// HarvestReport is the payload of a Harvested event.
type HarvestReport struct {
	Profit          *uint256.Int `json:"profit"`
	Loss            *uint256.Int `json:"loss"`
	DebtPayment     *uint256.Int `json:"debt_payment"`
	DebtOutstanding *uint256.Int `json:"debt_outstanding"`
}

// HarvestReportFrom extracts the Harvested event from a receipt.
func HarvestReportFrom(r *Receipt) (*HarvestReport, error) {
	ev, ok := r.Find(EventHarvested)
	if !ok {
		return nil, fmt.Errorf("receipt has no %s event", EventHarvested)
	}
	return &HarvestReport{
		Profit:          ev.Amount("profit"),
		Loss:            ev.Amount("loss"),
		DebtPayment:     ev.Amount("debtPayment"),
		DebtOutstanding: ev.Amount("debtOutstanding"),
	}, nil
}

// StrategyParams mirrors vault.strategies(addr).
type StrategyParams struct {
	PerformanceFee    *uint256.Int `json:"performance_fee"`
	Activation        uint64       `json:"activation"`
	DebtRatio         *uint256.Int `json:"debt_ratio"`
	MinDebtPerHarvest *uint256.Int `json:"min_debt_per_harvest"`
	MaxDebtPerHarvest *uint256.Int `json:"max_debt_per_harvest"`
	LastReport        uint64       `json:"last_report"`
	TotalDebt         *uint256.Int `json:"total_debt"`
	TotalGain         *uint256.Int `json:"total_gain"`
	TotalLoss         *uint256.Int `json:"total_loss"`
}

// AddStrategyParams are the arguments of vault.addStrategy.
type AddStrategyParams struct {
	DebtRatio         *uint256.Int
	MinDebtPerHarvest *uint256.Int
	MaxDebtPerHarvest *uint256.Int
	PerformanceFee    *uint256.Int
}

// WithdrawRequest carries the optional arguments of vault.withdraw.
// Nil fields fall back to the vault defaults: all shares, the caller,
// and a 1 bps loss tolerance.
type WithdrawRequest struct {
	MaxShares  *uint256.Int
	Recipient  *common.Address
	MaxLossBps *uint256.Int
}

// DefaultMaxLossBps is the vault's default withdraw loss tolerance.
const DefaultMaxLossBps = 1
