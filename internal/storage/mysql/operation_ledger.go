package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// OperationRecord 表示一次借贷操作的落库结构。
type OperationRecord struct {
	MessageID    string
	UserID       string
	Address      string
	Operation    string
	Asset        string
	Amount       string
	RateMode     string
	TxHash       string
	HealthFactor string
	Reply        string
	CreatedAt    int64
}

// OperationRepository 抽象操作流水的持久化接口。
type OperationRepository interface {
	Save(ctx context.Context, record OperationRecord) error
	ListLatest(ctx context.Context, address string, limit int) ([]OperationRecord, error)
}

// MemoryOperationRepository 使用本地 JSON 文件模拟 MySQL 的效果，方便迭代开发。
type MemoryOperationRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []OperationRecord
}

// NewMemoryOperationRepository 创建一个内存操作仓库。
func NewMemoryOperationRepository(dataDir string) (*MemoryOperationRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "operations.log")
	repo := &MemoryOperationRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录操作结果。
func (m *MemoryOperationRepository) Save(_ context.Context, record OperationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开操作流水失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化操作记录失败: %w", err)
	}

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入操作流水失败: %w", err)
	}

	m.records = append([]OperationRecord{record}, m.records...)
	if len(m.records) > 512 {
		m.records = m.records[:512]
	}
	return nil
}

// ErrUnsupportedDriver 在对接其他存储驱动时使用。
var ErrUnsupportedDriver = errors.New("暂不支持的存储驱动")

// ListLatest 返回指定地址最近的操作记录，按时间倒序排列。
// address 为空时返回全部地址的记录。
func (m *MemoryOperationRepository) ListLatest(_ context.Context, address string, limit int) ([]OperationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = len(m.records)
	}

	results := make([]OperationRecord, 0, limit)
	for _, record := range m.records {
		if address != "" && !strings.EqualFold(record.Address, address) {
			continue
		}
		results = append(results, record)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (m *MemoryOperationRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取操作流水失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []OperationRecord
	for scanner.Scan() {
		var record OperationRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]OperationRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析操作流水失败: %w", err)
	}

	if len(restored) > 512 {
		restored = restored[:512]
	}
	if len(restored) > 0 {
		m.records = restored
	}
	return nil
}

// SQLOperationRepository 使用真实的 MySQL 数据库存储操作流水。
type SQLOperationRepository struct {
	db *sql.DB
}

// NewSQLOperationRepository 创建连接池并初始化数据表。
func NewSQLOperationRepository(dsn string) (*SQLOperationRepository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	repo := &SQLOperationRepository{db: db}
	if err := repo.initSchema(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (s *SQLOperationRepository) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS operations (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        message_id VARCHAR(64) DEFAULT '',
        user_id VARCHAR(64) DEFAULT '',
        address VARCHAR(64) DEFAULT '',
        operation VARCHAR(32) NOT NULL,
        asset VARCHAR(32) DEFAULT '',
        amount VARCHAR(128) DEFAULT '',
        rate_mode VARCHAR(16) DEFAULT '',
        tx_hash VARCHAR(66) DEFAULT '',
        health_factor VARCHAR(64) DEFAULT '',
        reply TEXT,
        created_at BIGINT NOT NULL,
        INDEX idx_operations_address (address),
        INDEX idx_operations_created_at (created_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("初始化 operations 表失败: %w", err)
	}
	return nil
}

// Save 将操作记录写入 MySQL。
func (s *SQLOperationRepository) Save(ctx context.Context, record OperationRecord) error {
	const stmt = `INSERT INTO operations
        (message_id, user_id, address, operation, asset, amount, rate_mode, tx_hash, health_factor, reply, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.MessageID,
		record.UserID,
		record.Address,
		record.Operation,
		record.Asset,
		record.Amount,
		record.RateMode,
		record.TxHash,
		record.HealthFactor,
		record.Reply,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// ListLatest 查询指定地址最近的若干条操作记录。
func (s *SQLOperationRepository) ListLatest(ctx context.Context, address string, limit int) ([]OperationRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT message_id, user_id, address, operation, asset, amount, rate_mode, tx_hash, health_factor, reply, created_at
        FROM operations`
	args := make([]any, 0, 2)
	if address != "" {
		query += ` WHERE address = ?`
		args = append(args, address)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询操作记录失败: %w", err)
	}
	defer rows.Close()

	var records []OperationRecord
	for rows.Next() {
		var record OperationRecord
		if err := rows.Scan(
			&record.MessageID,
			&record.UserID,
			&record.Address,
			&record.Operation,
			&record.Asset,
			&record.Amount,
			&record.RateMode,
			&record.TxHash,
			&record.HealthFactor,
			&record.Reply,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("解析操作记录失败: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历操作记录失败: %w", err)
	}

	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLOperationRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
