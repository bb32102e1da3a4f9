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
	"testing/fstest"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentMarket/internal/errors"
)

func TestMemoryRunRepositoryPersists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := NewMemoryRunRepository(dir)
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		rec := RunRecord{RunID: fmt.Sprintf("run-%d", i), Goal: "剑", Outcome: "completed", FinishedAt: int64(i)}
		if err := repo.Save(ctx, rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := repo.Save(ctx, RunRecord{}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("empty run id should be rejected, got %v", err)
	}

	latest, err := repo.ListLatest(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(latest) != 2 || latest[0].RunID != "run-3" {
		t.Fatalf("unexpected order: %+v", latest)
	}

	reopened, err := NewMemoryRunRepository(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	all, _ := reopened.ListLatest(ctx, 0)
	if len(all) != 3 || all[0].RunID != "run-3" || all[2].RunID != "run-1" {
		t.Fatalf("records not restored in order: %+v", all)
	}
}

func TestMemoryRunRepositoryWithoutDir(t *testing.T) {
	t.Parallel()

	repo, err := NewMemoryRunRepository("")
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	if err := repo.Save(context.Background(), RunRecord{RunID: "r"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	list, _ := repo.ListLatest(context.Background(), 10)
	if len(list) != 1 {
		t.Fatalf("expected one record, got %d", len(list))
	}
}

func TestSQLRunRepositorySave(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertRunSQL, nil),
		{typ: opExec, query: insertRunSQL, err: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}},
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SQLRunRepository{db: db}
	rec := RunRecord{RunID: "run-1", Goal: "goal", Mode: "simulate", Checkout: "auto", Outcome: "completed", Rounds: 2}
	if err := repo.Save(context.Background(), rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repo.Save(context.Background(), rec); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("duplicate should conflict, got %v", err)
	}
}

func TestSQLRunRepositoryListLatest(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"run_id", "goal", "mode", "checkout", "outcome", "store_id", "product_id", "deal_id", "price", "rounds", "pending_order_id", "error_code", "error_message", "started_at", "finished_at"},
		values: [][]driver.Value{
			{"run-2", "g2", "simulate", "auto", "failed", "s", "p", "0xabc", "85.00", int64(2), "0xabc", "SETTLEMENT_FAILED", "boom", int64(1), int64(20)},
			{"run-1", "g1", "simulate", "confirm", "completed", "s", "p", "0xdef", "80.00", int64(1), "", "", nil, int64(1), int64(10)},
		},
	}
	db, drv := newMockDB(t, []mockOperation{queryOp(selectRunsSQL, rows)})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SQLRunRepository{db: db}
	list, err := repo.ListLatest(context.Background(), 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].RunID != "run-2" || list[0].ErrorMessage != "boom" || list[1].ErrorMessage != "" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestSQLRunRepositoryRunMigrations(t *testing.T) {
	files := fstest.MapFS{
		"0001_create.sql": {Data: []byte("CREATE TABLE a (id INT);\nCREATE TABLE b (id INT);")},
		"0002_index.sql":  {Data: []byte("CREATE INDEX idx ON a (id);")},
		"README.md":       {Data: []byte("ignored")},
	}
	previous := embeddedMigrations
	embeddedMigrations = files
	defer func() { embeddedMigrations = previous }()

	ops := []mockOperation{
		execOp(createMigrationsTable, nil),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}, values: [][]driver.Value{{"0001"}}}),
		beginOp(),
		{typ: opExec, query: "CREATE INDEX idx ON a (id)", err: &mysql.MySQLError{Number: 1061, Message: "Duplicate key name"}},
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, nil),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SQLRunRepository{db: db}
	if err := repo.runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
}

func TestEmbeddedMigrationsParse(t *testing.T) {
	list, err := loadMigrations(embeddedMigrations)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(list) == 0 || list[0].version != "0001" {
		t.Fatalf("unexpected migrations %+v", list)
	}
	for i := 1; i < len(list); i++ {
		if list[i].version < list[i-1].version {
			t.Fatalf("migrations not ordered")
		}
	}
}

func TestOpenDatabaseRequiresDSN(t *testing.T) {
	if _, err := NewSQLRunRepository(context.Background(), Config{}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ   operationType
	query string
	rows  mockRowsData
	err   error
}

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
		t.Fatalf("open mock db: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, err error) mockOperation {
	return mockOperation{typ: opExec, query: query, err: err}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation  { return mockOperation{typ: opBegin} }
func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()
	if got := int(atomic.LoadInt32(&d.idx)); got != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", got, len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

func (d *queueDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" && normalizeSQL(op.query) != normalizeSQL(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", normalizeSQL(op.query), normalizeSQL(query))
	}
	return op, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return driver.RowsAffected(1), nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
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

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
