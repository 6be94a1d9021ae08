package risk

import (
	"fmt"

	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/pkg/money"

	"github.com/shopspring/decimal"
)

// DataQualityError 表示账户快照不可用于回撤计算（例如余额非正）。
type DataQualityError struct {
	AccountID string
	Balance   float64
	Equity    float64
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("account %s: non-positive balance %.2f (equity %.2f), drawdown skipped", e.AccountID, e.Balance, e.Equity)
}

// DrawdownPct = (balance - equity) / balance × 100。
func DrawdownPct(balance, equity float64) (decimal.Decimal, bool) {
	b := money.FromFloat(balance)
	if !b.IsPositive() {
		return decimal.Zero, false
	}
	return money.Percent(b.Sub(money.FromFloat(equity)), b)
}

type AccountDrawdown struct {
	AccountID string  `json:"account_id"`
	Pct       float64 `json:"drawdown_pct"`
	Valid     bool    `json:"valid"`
	Breached  bool    `json:"breached"`
}

// Evaluation 是一次回撤判定的结果；Breached 为各账户的逻辑或。
type Evaluation struct {
	Enabled   bool              `json:"enabled"`
	Threshold float64           `json:"threshold"`
	Breached  bool              `json:"breached"`
	Accounts  []AccountDrawdown `json:"accounts"`
	Warnings  []error           `json:"-"`
}

func Evaluate(cfg Config, snapshots []terminal.AccountSnapshot) Evaluation {
	eval := Evaluation{
		Enabled:   cfg.DrawdownEnabled,
		Threshold: cfg.DrawdownStop,
		Accounts:  make([]AccountDrawdown, 0, len(snapshots)),
	}
	stop := money.FromFloat(cfg.DrawdownStop)
	for _, snap := range snapshots {
		row := AccountDrawdown{AccountID: snap.AccountID}
		pct, ok := DrawdownPct(snap.Balance, snap.Equity)
		if !ok {
			eval.Warnings = append(eval.Warnings, &DataQualityError{
				AccountID: snap.AccountID,
				Balance:   snap.Balance,
				Equity:    snap.Equity,
			})
			eval.Accounts = append(eval.Accounts, row)
			continue
		}
		row.Valid = true
		row.Pct = money.ToFloat(pct)
		row.Breached = cfg.DrawdownEnabled && pct.GreaterThanOrEqual(stop)
		if row.Breached {
			eval.Breached = true
		}
		eval.Accounts = append(eval.Accounts, row)
	}
	return eval
}

// Breached 在启用且任一账户回撤 >= 阈值时返回 true。
func Breached(cfg Config, snapshots []terminal.AccountSnapshot) bool {
	return Evaluate(cfg, snapshots).Breached
}
