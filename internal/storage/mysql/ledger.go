package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"AgentForge/internal/credits"
	xerrors "AgentForge/internal/errors"
)

const (
	kindDeduct = "deduct"
	kindCredit = "credit"

	errLockWaitTimeout = 1205
	errLockDeadlock    = 1213
)

// CreditLedger 是 credits.Ledger 的 MySQL 实现。
type CreditLedger struct {
	db  *sql.DB
	now func() time.Time
}

// NewCreditLedger 建立连接池并执行迁移。
func NewCreditLedger(ctx context.Context, cfg Config) (*CreditLedger, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化积分账本失败")
	}
	return &CreditLedger{db: db, now: time.Now}, nil
}

// newCreditLedgerWithDB 使用已有连接创建账本，不执行迁移。
func newCreditLedgerWithDB(db *sql.DB, now func() time.Time) *CreditLedger {
	if now == nil {
		now = time.Now
	}
	return &CreditLedger{db: db, now: now}
}

// Balance 实现 credits.Ledger。账户不存在时余额为 0。
func (l *CreditLedger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx, `SELECT balance FROM credit_accounts WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询积分余额失败", xerrors.WithMetadata("user_id", userID))
	}
	return balance, nil
}

// Deduct 实现 credits.Ledger：条件扣减、写流水、写用量明细在同一事务内完成。
// 条件扣减影响 0 行即视为余额不足，事务回滚且不留下任何记录。
func (l *CreditLedger) Deduct(ctx context.Context, charge credits.Charge) (*credits.Transaction, error) {
	if strings.TrimSpace(charge.UserID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户 ID 不能为空")
	}
	if charge.Amount < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "扣费金额不能为负")
	}

	now := l.now().UTC()
	txRecord := &credits.Transaction{
		ID:        uuid.NewString(),
		UserID:    charge.UserID,
		Amount:    -charge.Amount,
		Reason:    charge.Reason,
		SessionID: charge.SessionID,
		CreatedAt: now,
	}

	err := inTx(ctx, l.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE credit_accounts SET balance = balance - ?, updated_at = ?
    WHERE user_id = ? AND balance >= ?`, charge.Amount, now.Unix(), charge.UserID, charge.Amount)
		if err != nil {
			return fmt.Errorf("扣减余额失败: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("读取影响行数失败: %w", err)
		}
		if affected == 0 {
			return credits.ErrInsufficientCredits
		}

		if err := tx.QueryRowContext(ctx, `SELECT balance FROM credit_accounts WHERE user_id = ?`, charge.UserID).Scan(&txRecord.BalanceAfter); err != nil {
			return fmt.Errorf("读取扣减后余额失败: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO credit_transactions
    (id, user_id, amount, balance_after, kind, reason, session_id, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			txRecord.ID, txRecord.UserID, txRecord.Amount, txRecord.BalanceAfter, kindDeduct, txRecord.Reason, txRecord.SessionID, now.Unix()); err != nil {
			return fmt.Errorf("写入积分流水失败: %w", err)
		}

		for _, usage := range charge.Usage {
			detail, err := encodeDetail(usage.Detail)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO credit_usage_logs
    (transaction_id, user_id, session_id, operation, component, model, credits, detail, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				txRecord.ID, charge.UserID, charge.SessionID, usage.Operation, usage.Component, usage.Model, usage.Credits, detail, now.Unix()); err != nil {
				return fmt.Errorf("写入用量明细失败: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, credits.ErrInsufficientCredits) {
			return nil, credits.ErrInsufficientCredits
		}
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "积分扣减事务失败",
			xerrors.WithMetadata("user_id", charge.UserID),
			xerrors.WithMetadata("session_id", charge.SessionID),
			xerrors.WithRetryable(transient(err)))
	}
	return txRecord, nil
}

// Credit 为用户充值，账户不存在时创建。
func (l *CreditLedger) Credit(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "充值金额必须为正")
	}
	now := l.now().UTC().Unix()
	err := inTx(ctx, l.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO credit_accounts (user_id, balance, updated_at) VALUES (?, ?, ?)
    ON DUPLICATE KEY UPDATE balance = balance + VALUES(balance), updated_at = VALUES(updated_at)`, userID, amount, now); err != nil {
			return fmt.Errorf("更新账户余额失败: %w", err)
		}
		var balance int64
		if err := tx.QueryRowContext(ctx, `SELECT balance FROM credit_accounts WHERE user_id = ?`, userID).Scan(&balance); err != nil {
			return fmt.Errorf("读取充值后余额失败: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO credit_transactions
    (id, user_id, amount, balance_after, kind, reason, session_id, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, uuid.NewString(), userID, amount, balance, kindCredit, "top up", "", now); err != nil {
			return fmt.Errorf("写入积分流水失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "积分充值失败", xerrors.WithMetadata("user_id", userID))
	}
	return nil
}

// Close 关闭连接池。
func (l *CreditLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// transient 判断是否为死锁或锁等待超时，这两类错误发生时整个事务已回滚。
func transient(err error) bool {
	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == errLockDeadlock || myErr.Number == errLockWaitTimeout
	}
	return false
}

func encodeDetail(detail map[string]any) (any, error) {
	if len(detail) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("序列化用量明细失败: %w", err)
	}
	return string(data), nil
}
