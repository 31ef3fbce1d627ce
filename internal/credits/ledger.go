package credits

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentForge/internal/errors"
)

// ErrInsufficientCredits 表示余额不足以支付本次费用。
var ErrInsufficientCredits = xerrors.New(xerrors.CodeInsufficientCredits, "积分余额不足")

// UsageRecord 是一条按操作拆分的用量记录。
type UsageRecord struct {
	Operation string         `json:"operation"`
	Component string         `json:"component,omitempty"`
	Model     string         `json:"model,omitempty"`
	Credits   int64          `json:"credits"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Charge 是一次扣费请求，扣减、流水与用量记录必须在同一事务中完成。
type Charge struct {
	UserID    string
	Amount    int64
	Reason    string
	SessionID string
	Usage     []UsageRecord
}

// Transaction 是一条已落账的流水。
type Transaction struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Reason       string    `json:"reason"`
	SessionID    string    `json:"session_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Ledger 是积分账本。Deduct 必须是原子的"比较并扣减"，余额不足时返回
// ErrInsufficientCredits 且不写入任何记录。
type Ledger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Deduct(ctx context.Context, charge Charge) (*Transaction, error)
}

// Crediter 由支持充值的账本实现，启动时用于写入初始余额。
type Crediter interface {
	Credit(ctx context.Context, userID string, amount int64) error
}

// MemoryLedger 是进程内账本，用于开发与测试。
type MemoryLedger struct {
	mu           sync.Mutex
	balances     map[string]int64
	transactions []Transaction
	usage        map[string][]UsageRecord
	now          func() time.Time
}

// NewMemoryLedger 创建内存账本，initial 为初始余额。
func NewMemoryLedger(initial map[string]int64) *MemoryLedger {
	balances := make(map[string]int64, len(initial))
	for user, amount := range initial {
		balances[user] = amount
	}
	return &MemoryLedger{balances: balances, usage: make(map[string][]UsageRecord), now: time.Now}
}

// Balance 实现 Ledger。未知用户余额为 0。
func (l *MemoryLedger) Balance(ctx context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}

// Deduct 实现 Ledger。
func (l *MemoryLedger) Deduct(ctx context.Context, charge Charge) (*Transaction, error) {
	if charge.Amount < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "扣费金额不能为负")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[charge.UserID] < charge.Amount {
		return nil, ErrInsufficientCredits
	}
	l.balances[charge.UserID] -= charge.Amount
	tx := Transaction{
		ID:           uuid.NewString(),
		UserID:       charge.UserID,
		Amount:       -charge.Amount,
		BalanceAfter: l.balances[charge.UserID],
		Reason:       charge.Reason,
		SessionID:    charge.SessionID,
		CreatedAt:    l.now().UTC(),
	}
	l.transactions = append(l.transactions, tx)
	l.usage[tx.ID] = append([]UsageRecord(nil), charge.Usage...)
	return &tx, nil
}

// Credit 为用户充值。
func (l *MemoryLedger) Credit(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "充值金额必须为正")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += amount
	return nil
}

// Transactions 返回全部流水的副本。
func (l *MemoryLedger) Transactions() []Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transaction(nil), l.transactions...)
}

// UsageFor 返回某条流水关联的用量记录。
func (l *MemoryLedger) UsageFor(transactionID string) []UsageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]UsageRecord(nil), l.usage[transactionID]...)
}
