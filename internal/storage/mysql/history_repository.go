package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// AgentTaskRecord 表示一次智能体任务的落库结构。
type AgentTaskRecord struct {
	ID          int64
	AgentID     string
	Goal        string
	FinalAnswer string
	Outcome     string
	StepCount   int
	CreatedAt   int64
	UpdatedAt   int64
}

// HistoryRepository 抽象任务历史的持久化接口。
type HistoryRepository interface {
	Create(ctx context.Context, record *AgentTaskRecord) error
	ListLatest(ctx context.Context, agentID string, limit int) ([]*AgentTaskRecord, error)
	Close() error
}

// MemoryHistoryRepository 使用本地 JSON 文件模拟 MySQL 的效果，方便迭代开发。
type MemoryHistoryRepository struct {
	mu       sync.RWMutex
	dataFile string
	nextID   int64
	records  []AgentTaskRecord
}

// NewMemoryHistoryRepository 创建一个内存任务历史仓库。
func NewMemoryHistoryRepository(dataDir string) (*MemoryHistoryRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "agent_tasks.log")
	repo := &MemoryHistoryRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Create 以追加写的方式记录任务结果。
func (m *MemoryHistoryRepository) Create(_ context.Context, record *AgentTaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	record.ID = m.nextID

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开任务日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化任务记录失败: %w", err)
	}

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入任务日志失败: %w", err)
	}

	m.records = append([]AgentTaskRecord{*record}, m.records...)
	if len(m.records) > 512 {
		m.records = m.records[:512]
	}
	return nil
}

// ListLatest 返回指定智能体最近的任务记录，按时间倒序排列。
func (m *MemoryHistoryRepository) ListLatest(_ context.Context, agentID string, limit int) ([]*AgentTaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	results := make([]*AgentTaskRecord, 0, limit)
	for i := range m.records {
		if m.records[i].AgentID != agentID {
			continue
		}
		record := m.records[i]
		results = append(results, &record)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// Close 实现 HistoryRepository 接口，内存仓库无需释放资源。
func (m *MemoryHistoryRepository) Close() error { return nil }

func (m *MemoryHistoryRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取任务日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []AgentTaskRecord
	for scanner.Scan() {
		var record AgentTaskRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.ID > m.nextID {
			m.nextID = record.ID
		}
		restored = append([]AgentTaskRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析任务日志失败: %w", err)
	}

	if len(restored) > 512 {
		restored = restored[:512]
	}
	if len(restored) > 0 {
		m.records = restored
	}
	return nil
}

// SQLHistoryRepository 使用真实的 MySQL 数据库存储任务历史。
type SQLHistoryRepository struct {
	db *sql.DB
}

// NewSQLHistoryRepository 创建连接池并执行待应用的数据库迁移。
func NewSQLHistoryRepository(ctx context.Context, cfg Config) (*SQLHistoryRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLHistoryRepository{db: db}, nil
}

// Create 将任务记录写入 MySQL 并回填自增主键。
func (s *SQLHistoryRepository) Create(ctx context.Context, record *AgentTaskRecord) error {
	const stmt = `INSERT INTO agent_tasks
        (agent_id, goal, final_answer, outcome, step_count, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, stmt,
		record.AgentID,
		record.Goal,
		record.FinalAnswer,
		record.Outcome,
		record.StepCount,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("写入任务历史失败: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("获取任务历史主键失败: %w", err)
	}
	record.ID = id
	return nil
}

// ListLatest 查询指定智能体最近的若干条任务记录。
func (s *SQLHistoryRepository) ListLatest(ctx context.Context, agentID string, limit int) ([]*AgentTaskRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, agent_id, goal, final_answer, outcome, step_count, created_at, updated_at
        FROM agent_tasks WHERE agent_id = ? ORDER BY id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询任务历史失败: %w", err)
	}
	defer rows.Close()

	var records []*AgentTaskRecord
	for rows.Next() {
		var record AgentTaskRecord
		if err := rows.Scan(
			&record.ID,
			&record.AgentID,
			&record.Goal,
			&record.FinalAnswer,
			&record.Outcome,
			&record.StepCount,
			&record.CreatedAt,
			&record.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("解析任务历史失败: %w", err)
		}
		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历任务历史失败: %w", err)
	}

	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLHistoryRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ HistoryRepository = (*MemoryHistoryRepository)(nil)
	_ HistoryRepository = (*SQLHistoryRepository)(nil)
)
