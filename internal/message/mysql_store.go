package message

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "OpenLend-Chain/internal/errors"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录消息状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS message_states (
        id VARCHAR(64) PRIMARY KEY,
        user_id VARCHAR(64) NOT NULL DEFAULT '',
        address VARCHAR(64) NOT NULL DEFAULT '',
        text TEXT NOT NULL,
        metadata TEXT,
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        result_reply TEXT,
        result_action_id VARCHAR(64) DEFAULT '',
        result_tx_hash VARCHAR(66) DEFAULT '',
        result_asset VARCHAR(32) DEFAULT '',
        result_amount VARCHAR(128) DEFAULT '',
        result_health_factor VARCHAR(64) DEFAULT '',
        result_suggestions TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_message_status (status),
        INDEX idx_message_user (user_id),
        INDEX idx_message_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 message_states 表失败")
	}
	return nil
}

// Create 插入新的消息记录。
func (s *MySQLStore) Create(ctx context.Context, msg *Message) error {
	if msg == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "message 不能为空")
	}
	if strings.TrimSpace(msg.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息 ID 不能为空")
	}

	now := time.Now().Unix()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	metadataValue, err := marshalJSONColumn(msg.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码消息 metadata 失败")
	}

	const stmt = `INSERT INTO message_states
        (id, user_id, address, text, metadata, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		msg.ID,
		msg.UserID,
		msg.Address,
		msg.Text,
		metadataValue,
		msg.Status,
		msg.Attempts,
		msg.MaxRetries,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrMessageConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入消息失败")
	}
	return nil
}

const selectColumns = `id, user_id, address, text, metadata, status, attempts, max_retries, last_error, error_code,
        result_reply, result_action_id, result_tx_hash, result_asset, result_amount, result_health_factor, result_suggestions,
        created_at, updated_at`

// Get 查询指定消息。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM message_states WHERE id = ?`, id)
	msg, err := scanMessage(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消息失败")
	}
	return msg, nil
}

// Claim 将消息标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Message, error) {
	const updateStmt = `UPDATE message_states SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusRunning,
		now,
		id,
		StatusPending,
		StatusFailed,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新消息状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		msg, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch msg.Status {
		case StatusSucceeded:
			return msg, ErrMessageCompleted
		case StatusRunning:
			return msg, ErrMessageConflict
		default:
			if msg.Attempts >= msg.MaxRetries {
				return msg, ErrMessageExhausted
			}
			return msg, ErrMessageConflict
		}
	}
	return s.Get(ctx, id)
}

// MarkSucceeded 将消息标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result Outcome) error {
	suggestions, err := marshalJSONColumn(result.Suggestions)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码建议列表失败")
	}

	const stmt = `UPDATE message_states SET status = ?, result_reply = ?, result_action_id = ?, result_tx_hash = ?,
        result_asset = ?, result_amount = ?, result_health_factor = ?, result_suggestions = ?,
        updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusSucceeded,
		result.Reply,
		result.ActionID,
		result.TxHash,
		result.Asset,
		result.Amount,
		result.HealthFactor,
		suggestions,
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记消息成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// MarkFailed 将消息标记为失败，并在必要时终止重试。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	const stmt = `UPDATE message_states SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusFailed,
		lastError,
		string(code),
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记消息失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// List 返回符合过滤条件的消息。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Message, error) {
	opts.applyDefaults()

	query := `SELECT ` + selectColumns + ` FROM message_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消息列表失败")
	}
	defer rows.Close()

	messages := make([]*Message, 0, opts.Limit)
	for rows.Next() {
		msg, scanErr := scanMessage(rows.Scan)
		if scanErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, scanErr, "解析消息记录失败")
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历消息失败")
	}
	return messages, nil
}

// Stats 返回符合过滤条件的消息聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (MessageStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS running,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS succeeded,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM message_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats MessageStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return MessageStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消息统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanMessage(scan func(dest ...any) error) (*Message, error) {
	var msg Message
	var result Outcome
	var metadata, suggestions sql.NullString

	if err := scan(
		&msg.ID,
		&msg.UserID,
		&msg.Address,
		&msg.Text,
		&metadata,
		&msg.Status,
		&msg.Attempts,
		&msg.MaxRetries,
		&msg.LastError,
		&msg.ErrorCode,
		&result.Reply,
		&result.ActionID,
		&result.TxHash,
		&result.Asset,
		&result.Amount,
		&result.HealthFactor,
		&suggestions,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if metadata.Valid && strings.TrimSpace(metadata.String) != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("解析消息 metadata 失败: %w", err)
		}
	}
	if suggestions.Valid && strings.TrimSpace(suggestions.String) != "" {
		if err := json.Unmarshal([]byte(suggestions.String), &result.Suggestions); err != nil {
			return nil, fmt.Errorf("解析建议列表失败: %w", err)
		}
	}
	if result.hasContent() {
		msg.Result = &result
	}
	return &msg, nil
}

func marshalJSONColumn(value any) (sql.NullString, error) {
	switch v := value.(type) {
	case map[string]any:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	case []string:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	case nil:
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if opts.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(result_reply <> '' OR result_action_id <> '' OR result_tx_hash <> '')")
		} else {
			conditions = append(conditions, "(result_reply = '' AND result_action_id = '' AND result_tx_hash = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR user_id LIKE ? OR address LIKE ? OR text LIKE ? OR last_error LIKE ? OR result_reply LIKE ? OR result_tx_hash LIKE ? OR result_asset LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
