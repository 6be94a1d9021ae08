// Package history 保存已完全平仓的持仓对，供审计与导出。
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"hedgepair/internal/logger"
	"hedgepair/internal/pair"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store 管理 closed_pairs 表，每个已平仓持仓对一行。
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	ownsDB bool
	nowFn  func() time.Time
}

// Record 是一条平仓历史。NetProfit 为平仓前最后一次刷新的组合净盈亏。
type Record struct {
	AuditID     string    `json:"audit_id"`
	PairID      int64     `json:"pair_id"`
	DisplayID   string    `json:"display_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Volume      float64   `json:"volume"`
	AccountA    string    `json:"account_a"`
	TicketA     int64     `json:"ticket_a"`
	AccountB    string    `json:"account_b"`
	TicketB     int64     `json:"ticket_b"`
	CloseReason string    `json:"close_reason"`
	NetProfit   *float64  `json:"net_profit"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at"`
	RecordedAt  time.Time `json:"recorded_at"`
	Payload     string    `json:"-"`
}

func NewStore(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("history path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path, ownsDB: true, nowFn: time.Now}, nil
}

// NewStoreFromDB 复用外部连接，Close 时不关闭该连接。
func NewStoreFromDB(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("history db 不能为空")
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db, nowFn: time.Now}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil || !s.ownsDB {
		s.db = nil
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS closed_pairs (
			audit_id TEXT PRIMARY KEY,
			pair_id INTEGER NOT NULL,
			display_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			volume REAL NOT NULL DEFAULT 0,
			account_a TEXT NOT NULL,
			ticket_a INTEGER NOT NULL DEFAULT 0,
			account_b TEXT NOT NULL,
			ticket_b INTEGER NOT NULL DEFAULT 0,
			close_reason TEXT,
			net_profit REAL,
			opened_at INTEGER,
			closed_at INTEGER,
			recorded_at INTEGER NOT NULL,
			payload TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_closed_pairs_closed_at ON closed_pairs(closed_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_closed_pairs_pair_id ON closed_pairs(pair_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("history schema: %w", err)
		}
	}
	return nil
}

func (s *Store) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("history store 未初始化")
	}
	return s.db, nil
}

// RecordClosed 写入一条平仓历史。
func (s *Store) RecordClosed(ctx context.Context, p pair.Pair) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	closedAt := p.ClosedAt
	if closedAt.IsZero() {
		closedAt = s.nowFn()
	}
	var net sql.NullFloat64
	if p.CombinedNetProfit != nil {
		net = sql.NullFloat64{Float64: *p.CombinedNetProfit, Valid: true}
	}
	auditID := uuid.NewString()
	_, err = db.ExecContext(ctx, `INSERT INTO closed_pairs (
			audit_id, pair_id, display_id, symbol, side, volume,
			account_a, ticket_a, account_b, ticket_b,
			close_reason, net_profit, opened_at, closed_at, recorded_at, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		auditID, p.ID, p.DisplayID(), p.Symbol, string(p.Side), p.Volume,
		p.LegA.AccountID, int64(p.LegA.Ticket), p.LegB.AccountID, int64(p.LegB.Ticket),
		p.CloseReason, net, unixMilli(p.OpenedAt), unixMilli(closedAt), s.nowFn().UnixMilli(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("record closed %s: %w", p.DisplayID(), err)
	}
	logger.Debugf("[history] %s 已记录 reason=%s audit=%s", p.DisplayID(), p.CloseReason, auditID)
	return nil
}

// Query 过滤条件，零值表示不过滤。
type Query struct {
	Reason string
	Symbol string
	Limit  int
}

// List 按平仓时间倒序返回历史记录。
func (s *Store) List(ctx context.Context, q Query) ([]Record, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var (
		clauses []string
		args    []any
	)
	if r := strings.TrimSpace(q.Reason); r != "" {
		clauses = append(clauses, "close_reason = ?")
		args = append(args, r)
	}
	if sym := strings.ToUpper(strings.TrimSpace(q.Symbol)); sym != "" {
		clauses = append(clauses, "symbol = ?")
		args = append(args, sym)
	}
	query := `SELECT audit_id, pair_id, display_id, symbol, side, volume,
		account_a, ticket_a, account_b, ticket_b,
		close_reason, net_profit, opened_at, closed_at, recorded_at, payload
		FROM closed_pairs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY closed_at DESC, recorded_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec                       Record
			reason, payload           sql.NullString
			net                       sql.NullFloat64
			openedAt, closedAt, recAt sql.NullInt64
		)
		if err := rows.Scan(&rec.AuditID, &rec.PairID, &rec.DisplayID, &rec.Symbol, &rec.Side, &rec.Volume,
			&rec.AccountA, &rec.TicketA, &rec.AccountB, &rec.TicketB,
			&reason, &net, &openedAt, &closedAt, &recAt, &payload); err != nil {
			return nil, err
		}
		rec.CloseReason = reason.String
		rec.Payload = payload.String
		if net.Valid {
			v := net.Float64
			rec.NetProfit = &v
		}
		rec.OpenedAt = fromMilli(openedAt)
		rec.ClosedAt = fromMilli(closedAt)
		rec.RecordedAt = fromMilli(recAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func unixMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMilli(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
