package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryOperationRepositorySaveAndList(t *testing.T) {
	t.Parallel()

	repo, err := NewMemoryOperationRepository(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create memory repo: %v", err)
	}

	ctx := context.Background()
	now := time.Now().Unix()
	records := []OperationRecord{
		{MessageID: "m1", Address: "0xabc", Operation: "supply", Asset: "WETH", Amount: "1.5", TxHash: "0x01", CreatedAt: now},
		{MessageID: "m2", Address: "0xdef", Operation: "borrow", Asset: "USDC", Amount: "500", RateMode: "variable", TxHash: "0x02", CreatedAt: now + 1},
		{MessageID: "m3", Address: "0xabc", Operation: "repay", Asset: "USDC", Amount: "-1", RateMode: "variable", TxHash: "0x03", CreatedAt: now + 2},
	}
	for _, record := range records {
		if err := repo.Save(ctx, record); err != nil {
			t.Fatalf("save %s: %v", record.MessageID, err)
		}
	}

	all, err := repo.ListLatest(ctx, "", 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].MessageID != "m3" {
		t.Fatalf("unexpected list: %+v", all)
	}

	filtered, err := repo.ListLatest(ctx, "0xABC", 10)
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(filtered) != 2 {
		t.Fatalf("expected 2 records for 0xabc, got %d", len(filtered))
	}
	if filtered[0].Amount != "-1" {
		t.Fatalf("expected the max-repay sentinel to survive persistence, got %q", filtered[0].Amount)
	}

	// 重新打开仓库验证 JSON 日志恢复。
	reopened, err := NewMemoryOperationRepository(repo.dataFileDir())
	if err != nil {
		t.Fatalf("reopen repo: %v", err)
	}
	restored, err := reopened.ListLatest(ctx, "", 10)
	if err != nil {
		t.Fatalf("list restored: %v", err)
	}
	if len(restored) != 3 {
		t.Fatalf("expected 3 restored records, got %d", len(restored))
	}
}

func TestSQLOperationRepositorySave(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(`INSERT INTO operations
        (message_id, user_id, address, operation, asset, amount, rate_mode, tx_hash, health_factor, reply, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, mockResult{rowsAffected: 1}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SQLOperationRepository{db: db}
	record := OperationRecord{MessageID: "m1", Operation: "supply", Asset: "WETH", Amount: "1", CreatedAt: 1}
	if err := repo.Save(context.Background(), record); err != nil {
		t.Fatalf("save failed: %v", err)
	}
}

func TestSQLOperationRepositoryListLatest(t *testing.T) {
	t.Parallel()

	columns := []string{"message_id", "user_id", "address", "operation", "asset", "amount", "rate_mode", "tx_hash", "health_factor", "reply", "created_at"}
	rows := mockRowsData{
		columns: columns,
		values: [][]driver.Value{
			{"m2", "", "0xabc", "borrow", "USDC", "500", "variable", "0x02", "1.80", "", int64(20)},
			{"m1", "", "0xabc", "supply", "WETH", "1.5", "", "0x01", "2.10", "", int64(10)},
		},
	}

	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT message_id, user_id, address, operation, asset, amount, rate_mode, tx_hash, health_factor, reply, created_at
        FROM operations WHERE address = ? ORDER BY id DESC LIMIT ?`, rows),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SQLOperationRepository{db: db}
	list, err := repo.ListLatest(context.Background(), "0xabc", 2)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(list) != 2 || list[0].MessageID != "m2" || list[0].HealthFactor != "1.80" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

// dataFileDir 返回内存仓库数据文件所在目录，仅测试使用。
func (m *MemoryOperationRepository) dataFileDir() string {
	idx := strings.LastIndexByte(m.dataFile, '/')
	if idx < 0 {
		return "."
	}
	return m.dataFile[:idx]
}

type operationType int

const (
	opExec operationType = iota
	opQuery
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return nil, fmt.Errorf("transactions not supported by mock")
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
