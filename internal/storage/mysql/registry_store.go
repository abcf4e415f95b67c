package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"AgentFlow/internal/governance"
)

// SQLAgentRegistry persists agent governance profiles in MySQL.
type SQLAgentRegistry struct {
	db *sql.DB
}

// NewSQLAgentRegistry creates the registry using the provided connection settings.
func NewSQLAgentRegistry(ctx context.Context, cfg Config) (*SQLAgentRegistry, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLAgentRegistry{db: db}, nil
}

// Close releases the underlying database connection pool.
func (s *SQLAgentRegistry) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const agentColumns = `id, name, tier, confidence_score, system_prompt, allowed_tools, max_steps, created_at, updated_at`

// CreateAgent implements governance.Registry.
func (s *SQLAgentRegistry) CreateAgent(ctx context.Context, record *governance.Record) error {
	if record == nil || strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("智能体 ID 不能为空")
	}
	if strings.TrimSpace(record.Name) == "" {
		return fmt.Errorf("智能体名称不能为空")
	}

	now := time.Now().Unix()
	record.CreatedAt = now
	record.UpdatedAt = now
	record.Tier = governance.TierForScore(record.ConfidenceScore)

	tools, err := marshalTools(record.Configuration.AllowedTools)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO agents
        (id, name, tier, confidence_score, system_prompt, allowed_tools, max_steps, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		record.Name,
		string(record.Tier),
		record.ConfidenceScore,
		record.Configuration.SystemPrompt,
		tools,
		record.Configuration.MaxSteps,
		record.CreatedAt,
		record.UpdatedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return governance.ErrAgentExists
		}
		return fmt.Errorf("写入智能体档案失败: %w", err)
	}
	return nil
}

// GetAgent implements governance.Registry.
func (s *SQLAgentRegistry) GetAgent(ctx context.Context, id string) (*governance.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, strings.TrimSpace(id))
	return scanAgent(row.Scan)
}

// FindAgentByName implements governance.Registry.
func (s *SQLAgentRegistry) FindAgentByName(ctx context.Context, name string) (*governance.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = ?`, strings.TrimSpace(name))
	return scanAgent(row.Scan)
}

// ListAgents implements governance.Registry.
func (s *SQLAgentRegistry) ListAgents(ctx context.Context) ([]*governance.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("查询智能体列表失败: %w", err)
	}
	defer rows.Close()

	var records []*governance.Record
	for rows.Next() {
		record, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历智能体列表失败: %w", err)
	}
	return records, nil
}

// UpdateProgress implements governance.Registry. The row is locked for the
// duration of the transaction so concurrent task completions never lose an
// increment.
func (s *SQLAgentRegistry) UpdateProgress(ctx context.Context, id string, delta float64) (*governance.Record, error) {
	if delta < 0 {
		delta = 0
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开启进度事务失败: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ? FOR UPDATE`, strings.TrimSpace(id))
	record, err := scanAgent(row.Scan)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	record.ConfidenceScore += delta
	if record.ConfidenceScore > 1 {
		record.ConfidenceScore = 1
	}
	record.Tier = governance.TierForScore(record.ConfidenceScore)
	record.UpdatedAt = time.Now().Unix()

	if _, err := tx.ExecContext(ctx, `UPDATE agents SET tier = ?, confidence_score = ?, updated_at = ? WHERE id = ?`,
		string(record.Tier),
		record.ConfidenceScore,
		record.UpdatedAt,
		record.ID,
	); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("更新智能体进度失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交进度事务失败: %w", err)
	}
	return record, nil
}

func scanAgent(scan func(dest ...any) error) (*governance.Record, error) {
	var record governance.Record
	var tier string
	var systemPrompt sql.NullString
	var tools sql.NullString
	if err := scan(
		&record.ID,
		&record.Name,
		&tier,
		&record.ConfidenceScore,
		&systemPrompt,
		&tools,
		&record.Configuration.MaxSteps,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, governance.ErrAgentNotFound
		}
		return nil, fmt.Errorf("解析智能体档案失败: %w", err)
	}

	record.Tier = governance.Tier(tier)
	record.Configuration.SystemPrompt = systemPrompt.String
	if tools.Valid && tools.String != "" {
		if err := json.Unmarshal([]byte(tools.String), &record.Configuration.AllowedTools); err != nil {
			return nil, fmt.Errorf("解析智能体工具列表失败: %w", err)
		}
	}
	return &record, nil
}

func marshalTools(tools []string) (any, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(tools)
	if err != nil {
		return nil, fmt.Errorf("序列化智能体工具列表失败: %w", err)
	}
	return string(encoded), nil
}

var _ governance.Registry = (*SQLAgentRegistry)(nil)
