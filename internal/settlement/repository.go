package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"liquidity-router/internal/apperr"
	"liquidity-router/internal/store"
)

// Repository 为结算持久化接口。
type Repository interface {
	Create(ctx context.Context, s *Settlement) error
	Get(ctx context.Context, id string) (*Settlement, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Settlement, error)
	ListPending(ctx context.Context, limit int) ([]*Settlement, error)
	// SaveLegs 仅在 EXECUTING 状态下保存腿进度。
	SaveLegs(ctx context.Context, id string, legs []Leg) error
	// Transition 仅当当前状态等于 t.From 时生效，返回是否生效。
	Transition(ctx context.Context, id string, t Transition) (bool, error)
	// EnqueueCompensations 按 (settlement_id, leg_index) 去重写入。
	EnqueueCompensations(ctx context.Context, comps []Compensation) error
	ListCompensations(ctx context.Context, settlementID string) ([]Compensation, error)
}

// 固定宽度时间格式，保证按字符串排序与时间顺序一致。
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteRepository 基于 SQLite 的结算存储。
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository 创建 SQLite 存储，表结构由迁移创建。
func NewSQLiteRepository(st *store.Store) (*SQLiteRepository, error) {
	if st == nil || st.DB() == nil {
		return nil, errors.New("settlement: store 不能为空")
	}
	return &SQLiteRepository{db: st.DB()}, nil
}

const selectColumns = `settlement_id, user_id, agent_id, strategy_id, settlement_type, chains, legs,
	total_amount, total_fee, status, rollback_reason, created_at, executed_at, completed_at, updated_at`

// Create 写入新结算。
func (r *SQLiteRepository) Create(ctx context.Context, s *Settlement) error {
	chains, err := json.Marshal(s.Chains)
	if err != nil {
		return fmt.Errorf("settlement: 序列化链列表失败: %w", err)
	}
	legs, err := json.Marshal(s.Legs)
	if err != nil {
		return fmt.Errorf("settlement: 序列化腿失败: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO settlements (settlement_id, user_id, agent_id, strategy_id, settlement_type, chains, legs,
			total_amount, total_fee, status, rollback_reason, created_at, executed_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.AgentID, s.StrategyID, string(s.Type), string(chains), string(legs),
		s.TotalAmount.String(), nullDecimal(s.TotalFee), string(s.Status), s.RollbackReason,
		formatTime(s.CreatedAt), nullTime(s.ExecutedAt), nullTime(s.CompletedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("settlement: 写入结算失败: %w", err)
	}
	return nil
}

// Get 按 ID 读取结算，不存在时返回 NotFound。
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Settlement, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM settlements WHERE settlement_id = ?`, id)
	s, err := scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, "结算 %s 不存在", id)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListByUser 按创建时间倒序分页。
func (r *SQLiteRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Settlement, error) {
	return r.query(ctx,
		`SELECT `+selectColumns+` FROM settlements WHERE user_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
}

// ListPending 按创建时间正序返回待执行结算。
func (r *SQLiteRepository) ListPending(ctx context.Context, limit int) ([]*Settlement, error) {
	return r.query(ctx,
		`SELECT `+selectColumns+` FROM settlements WHERE status = ?
		 ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		string(StatusPending), limit,
	)
}

// SaveLegs 保存执行中的腿进度。
func (r *SQLiteRepository) SaveLegs(ctx context.Context, id string, legs []Leg) error {
	payload, err := json.Marshal(legs)
	if err != nil {
		return fmt.Errorf("settlement: 序列化腿失败: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE settlements SET legs = ?, updated_at = ? WHERE settlement_id = ? AND status = ?`,
		string(payload), formatTime(time.Now()), id, string(StatusExecuting),
	)
	if err != nil {
		return fmt.Errorf("settlement: 保存腿进度失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("settlement: 读取影响行数失败: %w", err)
	}
	if affected == 0 {
		return apperr.New(apperr.CodeInvalidState, "结算 %s 不在执行中，无法保存腿进度", id)
	}
	return nil
}

// Transition 以 status 作为比较条件执行状态变更。
func (r *SQLiteRepository) Transition(ctx context.Context, id string, t Transition) (bool, error) {
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}

	var legs sql.NullString
	if t.Legs != nil {
		payload, err := json.Marshal(t.Legs)
		if err != nil {
			return false, fmt.Errorf("settlement: 序列化腿失败: %w", err)
		}
		legs = sql.NullString{String: string(payload), Valid: true}
	}

	var executedAt, completedAt sql.NullString
	switch t.To {
	case StatusExecuting:
		executedAt = sql.NullString{String: formatTime(at), Valid: true}
	case StatusCompleted:
		completedAt = sql.NullString{String: formatTime(at), Valid: true}
	}

	var reason sql.NullString
	if t.RollbackReason != "" {
		reason = sql.NullString{String: t.RollbackReason, Valid: true}
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE settlements SET
			status = ?,
			updated_at = ?,
			executed_at = COALESCE(?, executed_at),
			completed_at = COALESCE(?, completed_at),
			total_fee = COALESCE(?, total_fee),
			rollback_reason = COALESCE(?, rollback_reason),
			legs = COALESCE(?, legs)
		 WHERE settlement_id = ? AND status = ?`,
		string(t.To), formatTime(at), executedAt, completedAt, nullDecimal(t.TotalFee), reason, legs,
		id, string(t.From),
	)
	if err != nil {
		return false, fmt.Errorf("settlement: 更新结算状态失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("settlement: 读取影响行数失败: %w", err)
	}
	if affected == 1 {
		return true, nil
	}

	var exists int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM settlements WHERE settlement_id = ?`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("settlement: 查询结算失败: %w", err)
	}
	if exists == 0 {
		return false, apperr.New(apperr.CodeNotFound, "结算 %s 不存在", id)
	}
	return false, nil
}

// EnqueueCompensations 在同一事务内写入补偿记录。
func (r *SQLiteRepository) EnqueueCompensations(ctx context.Context, comps []Compensation) (err error) {
	if len(comps) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settlement: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, c := range comps {
		if _, execErr := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO settlement_compensations
				(settlement_id, leg_index, chain, from_token, to_token, amount, original_tx_ref, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.SettlementID, c.LegIndex, c.Chain, c.FromToken, c.ToToken, c.Amount.String(),
			c.OriginalTxRef, string(c.Status), formatTime(c.CreatedAt),
		); execErr != nil {
			err = fmt.Errorf("settlement: 写入补偿记录失败: %w", execErr)
			return err
		}
	}

	if commitErr := tx.Commit(); commitErr != nil {
		err = fmt.Errorf("settlement: 提交事务失败: %w", commitErr)
		return err
	}
	return nil
}

// ListCompensations 返回结算的补偿记录。
func (r *SQLiteRepository) ListCompensations(ctx context.Context, settlementID string) ([]Compensation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, settlement_id, leg_index, chain, from_token, to_token, amount, original_tx_ref, status, created_at
		 FROM settlement_compensations WHERE settlement_id = ? ORDER BY leg_index ASC`,
		settlementID,
	)
	if err != nil {
		return nil, fmt.Errorf("settlement: 查询补偿记录失败: %w", err)
	}
	defer rows.Close()

	out := make([]Compensation, 0)
	for rows.Next() {
		var (
			c       Compensation
			amount  string
			status  string
			created string
		)
		if err := rows.Scan(&c.ID, &c.SettlementID, &c.LegIndex, &c.Chain, &c.FromToken, &c.ToToken,
			&amount, &c.OriginalTxRef, &status, &created); err != nil {
			return nil, fmt.Errorf("settlement: 解析补偿记录失败: %w", err)
		}
		if c.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("settlement: 解析补偿数量失败: %w", err)
		}
		c.Status = CompensationStatus(status)
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: 读取补偿记录失败: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...interface{}) ([]*Settlement, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("settlement: 查询结算失败: %w", err)
	}
	defer rows.Close()

	out := make([]*Settlement, 0)
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: 读取结算失败: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSettlement(row rowScanner) (*Settlement, error) {
	var (
		s                       Settlement
		typ, status             string
		chains, legs            string
		totalAmount             string
		totalFee                sql.NullString
		created, updated        string
		executedAt, completedAt sql.NullString
	)
	err := row.Scan(&s.ID, &s.UserID, &s.AgentID, &s.StrategyID, &typ, &chains, &legs,
		&totalAmount, &totalFee, &status, &s.RollbackReason, &created, &executedAt, &completedAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("settlement: 解析结算失败: %w", err)
	}

	s.Type = Type(typ)
	s.Status = Status(status)
	if err := json.Unmarshal([]byte(chains), &s.Chains); err != nil {
		return nil, fmt.Errorf("settlement: 解析链列表失败: %w", err)
	}
	if err := json.Unmarshal([]byte(legs), &s.Legs); err != nil {
		return nil, fmt.Errorf("settlement: 解析腿失败: %w", err)
	}
	if s.TotalAmount, err = decimal.NewFromString(totalAmount); err != nil {
		return nil, fmt.Errorf("settlement: 解析总数量失败: %w", err)
	}
	if totalFee.Valid {
		fee, err := decimal.NewFromString(totalFee.String)
		if err != nil {
			return nil, fmt.Errorf("settlement: 解析总费用失败: %w", err)
		}
		s.TotalFee = &fee
	}
	s.CreatedAt = parseTime(created)
	s.UpdatedAt = parseTime(updated)
	if executedAt.Valid {
		ts := parseTime(executedAt.String)
		s.ExecutedAt = &ts
	}
	if completedAt.Valid {
		ts := parseTime(completedAt.String)
		s.CompletedAt = &ts
	}
	return &s, nil
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	ts, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func nullTime(ts *time.Time) sql.NullString {
	if ts == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*ts), Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}
