package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentMarket/internal/errors"
)

const memoryCapacity = 512

// RunRecord 是一次编排运行结束后的摘要。
type RunRecord struct {
	RunID          string `json:"runId"`
	Goal           string `json:"goal"`
	Mode           string `json:"mode"`
	Checkout       string `json:"checkout"`
	Outcome        string `json:"outcome"`
	StoreID        string `json:"storeId,omitempty"`
	ProductID      string `json:"productId,omitempty"`
	DealID         string `json:"dealId,omitempty"`
	Price          string `json:"price,omitempty"`
	Rounds         int    `json:"rounds"`
	PendingOrderID string `json:"pendingOrderId,omitempty"`
	ErrorCode      string `json:"errorCode,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	StartedAt      int64  `json:"startedAt"`
	FinishedAt     int64  `json:"finishedAt"`
}

// RunRepository 保存运行历史，仅供观察者查询，不用于恢复引擎状态。
type RunRepository interface {
	Save(ctx context.Context, record RunRecord) error
	ListLatest(ctx context.Context, limit int) ([]RunRecord, error)
}

// MemoryRunRepository 在内存中保留最近的运行记录，并以 JSON 行追加到本地文件。
type MemoryRunRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []RunRecord
}

// NewMemoryRunRepository 创建运行历史仓库。dataDir 为空时只保存在内存中。
func NewMemoryRunRepository(dataDir string) (*MemoryRunRepository, error) {
	repo := &MemoryRunRepository{}
	if dataDir == "" {
		return repo, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	repo.dataFile = filepath.Join(dataDir, "runs.log")
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 追加一条运行记录。
func (m *MemoryRunRepository) Save(_ context.Context, record RunRecord) error {
	if record.RunID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "runId 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dataFile != "" {
		encoded, err := json.Marshal(record)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化运行记录失败")
		}
		file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开运行日志失败")
		}
		defer file.Close()
		if _, err := file.Write(append(encoded, '\n')); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行日志失败")
		}
	}

	m.records = append([]RunRecord{record}, m.records...)
	if len(m.records) > memoryCapacity {
		m.records = m.records[:memoryCapacity]
	}
	return nil
}

// ListLatest 按结束时间倒序返回最近的记录。
func (m *MemoryRunRepository) ListLatest(_ context.Context, limit int) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]RunRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

func (m *MemoryRunRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取运行日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var restored []RunRecord
	for scanner.Scan() {
		var record RunRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]RunRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行日志失败")
	}
	if len(restored) > memoryCapacity {
		restored = restored[:memoryCapacity]
	}
	m.records = restored
	return nil
}

// SQLRunRepository 使用 MySQL 保存运行历史。
type SQLRunRepository struct {
	db *sql.DB
}

// NewSQLRunRepository 建立连接池并执行迁移。
func NewSQLRunRepository(ctx context.Context, cfg Config) (*SQLRunRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &SQLRunRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

const insertRunSQL = `INSERT INTO market_runs
    (run_id, goal, mode, checkout, outcome, store_id, product_id, deal_id, price, rounds, pending_order_id, error_code, error_message, started_at, finished_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectRunsSQL = `SELECT run_id, goal, mode, checkout, outcome, store_id, product_id, deal_id, price, rounds, pending_order_id, error_code, error_message, started_at, finished_at
    FROM market_runs ORDER BY finished_at DESC, run_id DESC LIMIT ?`

// Save 写入一条运行记录，重复的 runId 返回 CONFLICT。
func (s *SQLRunRepository) Save(ctx context.Context, record RunRecord) error {
	if record.RunID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "runId 不能为空")
	}
	_, err := s.db.ExecContext(ctx, insertRunSQL,
		record.RunID,
		record.Goal,
		record.Mode,
		record.Checkout,
		record.Outcome,
		record.StoreID,
		record.ProductID,
		record.DealID,
		record.Price,
		record.Rounds,
		record.PendingOrderID,
		record.ErrorCode,
		record.ErrorMessage,
		record.StartedAt,
		record.FinishedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.Wrap(xerrors.CodeConflict, err, fmt.Sprintf("运行记录 %s 已存在", record.RunID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行记录失败")
	}
	return nil
}

// ListLatest 查询最近的运行记录。
func (s *SQLRunRepository) ListLatest(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectRunsSQL, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行记录失败")
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var (
			record  RunRecord
			message sql.NullString
		)
		if err := rows.Scan(
			&record.RunID,
			&record.Goal,
			&record.Mode,
			&record.Checkout,
			&record.Outcome,
			&record.StoreID,
			&record.ProductID,
			&record.DealID,
			&record.Price,
			&record.Rounds,
			&record.PendingOrderID,
			&record.ErrorCode,
			&message,
			&record.StartedAt,
			&record.FinishedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
		}
		record.ErrorMessage = message.String
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行记录失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLRunRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ RunRepository = (*MemoryRunRepository)(nil)
	_ RunRepository = (*SQLRunRepository)(nil)
)
