package usage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	xerrors "OpenMCP-Chat/internal/errors"
	"OpenMCP-Chat/internal/storage/mysql"
)

const createTable = `CREATE TABLE IF NOT EXISTS usage_records (
        id VARCHAR(64) NOT NULL PRIMARY KEY,
        session_id VARCHAR(128) NOT NULL DEFAULT '',
        user_id VARCHAR(128) NOT NULL DEFAULT '',
        provider VARCHAR(32) NOT NULL DEFAULT '',
        status VARCHAR(16) NOT NULL,
        rounds INT NOT NULL DEFAULT 0,
        tool_calls INT NOT NULL DEFAULT 0,
        input_units BIGINT NOT NULL DEFAULT 0,
        output_units BIGINT NOT NULL DEFAULT 0,
        cost DOUBLE NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL
)`

// 后续版本追加的列，旧表上重复执行时忽略“列已存在”。
var addedColumns = []struct {
	name string
	ddl  string
}{
	{"error_code", `ALTER TABLE usage_records ADD COLUMN error_code VARCHAR(64) NOT NULL DEFAULT ''`},
	{"duration_ms", `ALTER TABLE usage_records ADD COLUMN duration_ms BIGINT NOT NULL DEFAULT 0`},
}

// SQLRecorder 把用量记录写入 MySQL 或 sqlite。
type SQLRecorder struct {
	db     *sql.DB
	driver string
}

// NewSQLRecorder 打开数据库并初始化表结构。
func NewSQLRecorder(ctx context.Context, cfg mysql.Config) (*SQLRecorder, error) {
	db, err := mysql.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开用量数据库失败")
	}
	rec, err := NewSQLRecorderFromDB(ctx, db, cfg.Driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return rec, nil
}

// NewSQLRecorderFromDB 基于已有连接创建账本。
func NewSQLRecorderFromDB(ctx context.Context, db *sql.DB, driver string) (*SQLRecorder, error) {
	if driver == "" {
		driver = mysql.DriverMySQL
	}
	r := &SQLRecorder{db: db, driver: driver}
	if err := r.initSchema(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLRecorder) initSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTable); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 usage_records 表失败")
	}
	for _, col := range addedColumns {
		if _, err := r.db.ExecContext(ctx, col.ddl); err != nil && !mysql.IsDuplicateColumn(err) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("扩展 usage_records.%s 失败", col.name))
		}
	}
	if r.driver == mysql.DriverSQLite {
		if _, err := r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_usage_user ON usage_records (user_id, created_at)`); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 usage_records 索引失败")
		}
	}
	return nil
}

// Record 写入一条记录。
func (r *SQLRecorder) Record(ctx context.Context, rec Record) error {
	normalize(&rec)
	const stmt = `INSERT INTO usage_records
        (id, session_id, user_id, provider, status, error_code, rounds, tool_calls, input_units, output_units, cost, duration_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, stmt,
		rec.ID,
		rec.SessionID,
		rec.UserID,
		rec.Provider,
		rec.Status,
		rec.ErrorCode,
		rec.Rounds,
		rec.ToolCalls,
		rec.InputUnits,
		rec.OutputUnits,
		rec.Cost,
		rec.DurationMS,
		rec.CreatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入用量记录失败")
	}
	return nil
}

// Summary 汇总符合条件的记录。
func (r *SQLRecorder) Summary(ctx context.Context, filter Filter) (Summary, error) {
	query := `SELECT COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(rounds), 0),
        COALESCE(SUM(tool_calls), 0),
        COALESCE(SUM(input_units), 0),
        COALESCE(SUM(output_units), 0),
        COALESCE(SUM(cost), 0)
        FROM usage_records`
	clause, args := filterClause(filter)
	if clause != "" {
		query += " WHERE " + clause
	}
	args = append([]any{StatusFailed}, args...)

	var s Summary
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&s.Conversations,
		&s.Failed,
		&s.Rounds,
		&s.ToolCalls,
		&s.InputUnits,
		&s.OutputUnits,
		&s.Cost,
	); err != nil {
		return Summary{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用量汇总失败")
	}
	s.TotalUnits = s.InputUnits + s.OutputUnits
	return s, nil
}

// SummaryByProvider 按模型供应商分组汇总。
func (r *SQLRecorder) SummaryByProvider(ctx context.Context, filter Filter) (map[string]Summary, error) {
	query := `SELECT provider, COUNT(*),
        COALESCE(SUM(input_units), 0),
        COALESCE(SUM(output_units), 0),
        COALESCE(SUM(cost), 0)
        FROM usage_records`
	clause, args := filterClause(filter)
	if clause != "" {
		query += " WHERE " + clause
	}
	query += " GROUP BY provider"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "按供应商汇总用量失败")
	}
	defer rows.Close()

	out := make(map[string]Summary)
	for rows.Next() {
		var (
			provider string
			s        Summary
		)
		if err := rows.Scan(&provider, &s.Conversations, &s.InputUnits, &s.OutputUnits, &s.Cost); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析用量汇总失败")
		}
		s.TotalUnits = s.InputUnits + s.OutputUnits
		out[provider] = s
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历用量汇总失败")
	}
	return out, nil
}

// Close 关闭数据库连接。
func (r *SQLRecorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func filterClause(f Filter) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if f.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Since > 0 {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, f.Until)
	}
	return strings.Join(conditions, " AND "), args
}

var _ Recorder = (*SQLRecorder)(nil)
