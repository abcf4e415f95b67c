package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "AgentFlow/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录执行状态与快照日志。
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
	const executions = `CREATE TABLE IF NOT EXISTS workflow_executions (
        id VARCHAR(64) PRIMARY KEY,
        workflow_id VARCHAR(128) NOT NULL,
        variables TEXT,
        results MEDIUMTEXT,
        history TEXT,
        current_step VARCHAR(128) DEFAULT '',
        status VARCHAR(32) NOT NULL,
        version INT NOT NULL DEFAULT 1,
        pending_step VARCHAR(128) DEFAULT '',
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        fork_of_execution VARCHAR(64) DEFAULT '',
        fork_of_step VARCHAR(128) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_execution_status (status),
        INDEX idx_execution_workflow (workflow_id),
        INDEX idx_execution_updated (updated_at)
)`

	const snapshots = `CREATE TABLE IF NOT EXISTS execution_snapshots (
        execution_id VARCHAR(64) NOT NULL,
        sequence INT NOT NULL,
        step_id VARCHAR(128) NOT NULL,
        context MEDIUMTEXT NOT NULL,
        created_at BIGINT NOT NULL,
        PRIMARY KEY (execution_id, sequence),
        INDEX idx_snapshot_step (execution_id, step_id)
)`

	if _, err := s.db.Exec(executions); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 workflow_executions 表失败")
	}
	if _, err := s.db.Exec(snapshots); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 execution_snapshots 表失败")
	}
	return nil
}

// CreateExecution 插入新的执行记录。
func (s *MySQLStore) CreateExecution(ctx context.Context, wctx *Context) error {
	if wctx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行上下文不能为空")
	}
	if strings.TrimSpace(wctx.ExecutionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行 ID 不能为空")
	}

	now := time.Now().Unix()
	if wctx.CreatedAt == 0 {
		wctx.CreatedAt = now
	}
	wctx.UpdatedAt = now
	if wctx.Version <= 0 {
		wctx.Version = 1
	}

	variables, err := marshalJSONColumn(wctx.Variables)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行变量失败")
	}
	results, err := marshalJSONColumn(wctx.Results)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行结果失败")
	}
	history, err := marshalJSONColumn(wctx.History)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行历史失败")
	}
	forkExecution, forkStep := forkColumns(wctx.ForkOf)

	const stmt = `INSERT INTO workflow_executions
        (id, workflow_id, variables, results, history, current_step, status, version, pending_step,
         last_error, error_code, fork_of_execution, fork_of_step, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		wctx.ExecutionID,
		wctx.WorkflowID,
		variables,
		results,
		history,
		wctx.CurrentStep,
		wctx.Status,
		wctx.Version,
		wctx.PendingStep,
		wctx.LastError,
		wctx.ErrorCode,
		forkExecution,
		forkStep,
		wctx.CreatedAt,
		wctx.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrExecutionConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入执行记录失败")
	}
	return nil
}

const executionColumns = `id, workflow_id, variables, results, history, current_step, status, version,
        pending_step, last_error, error_code, fork_of_execution, fork_of_step, created_at, updated_at`

// GetExecution 查询指定执行。
func (s *MySQLStore) GetExecution(ctx context.Context, executionID string) (*Context, error) {
	stmt := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE id = ?`
	row := s.db.QueryRowContext(ctx, stmt, executionID)
	wctx, err := scanExecution(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return wctx, nil
}

// UpdateExecution 覆盖写入执行状态并递增版本号。
func (s *MySQLStore) UpdateExecution(ctx context.Context, wctx *Context) error {
	if wctx == nil || strings.TrimSpace(wctx.ExecutionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行上下文不能为空")
	}

	variables, err := marshalJSONColumn(wctx.Variables)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行变量失败")
	}
	results, err := marshalJSONColumn(wctx.Results)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行结果失败")
	}
	history, err := marshalJSONColumn(wctx.History)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行历史失败")
	}
	forkExecution, forkStep := forkColumns(wctx.ForkOf)

	const stmt = `UPDATE workflow_executions SET workflow_id = ?, variables = ?, results = ?, history = ?,
        current_step = ?, status = ?, version = version + 1, pending_step = ?, last_error = ?, error_code = ?,
        fork_of_execution = ?, fork_of_step = ?, updated_at = ? WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		wctx.WorkflowID,
		variables,
		results,
		history,
		wctx.CurrentStep,
		wctx.Status,
		wctx.PendingStep,
		wctx.LastError,
		wctx.ErrorCode,
		forkExecution,
		forkStep,
		now,
		wctx.ExecutionID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新执行记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrExecutionNotFound
	}
	wctx.UpdatedAt = now

	const versionStmt = `SELECT version FROM workflow_executions WHERE id = ?`
	if err := s.db.QueryRowContext(ctx, versionStmt, wctx.ExecutionID).Scan(&wctx.Version); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取执行版本失败")
	}
	return nil
}

// ListExecutions 返回符合过滤条件的执行列表。
func (s *MySQLStore) ListExecutions(ctx context.Context, opts ListOptions) ([]*Context, error) {
	opts.applyDefaults()

	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	clause, filterArgs := buildExecutionFilter(opts)
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
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行列表失败")
	}
	defer rows.Close()

	executions := make([]*Context, 0, opts.Limit)
	for rows.Next() {
		wctx, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		executions = append(executions, wctx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	return executions, nil
}

// Stats 返回符合过滤条件的执行聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (ExecutionStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS running,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS waiting_approval,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS cancelled,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM workflow_executions`

	clause, filterArgs := buildExecutionFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(StatusPending),
		string(StatusRunning),
		string(StatusWaitingApproval),
		string(StatusCompleted),
		string(StatusFailed),
		string(StatusCancelled),
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats ExecutionStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.WaitingApproval,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return ExecutionStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// SaveSnapshot 追加一条快照，序号按执行维度递增。
func (s *MySQLStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if snapshot == nil || strings.TrimSpace(snapshot.ExecutionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "快照不能为空")
	}
	if snapshot.Context == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "快照缺少执行上下文")
	}

	encoded, err := json.Marshal(snapshot.Context)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码快照上下文失败")
	}

	const nextStmt = `SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_snapshots WHERE execution_id = ?`
	var sequence int
	if err := s.db.QueryRowContext(ctx, nextStmt, snapshot.ExecutionID).Scan(&sequence); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "分配快照序号失败")
	}

	now := snapshot.CreatedAt
	if now == 0 {
		now = time.Now().Unix()
	}

	const stmt = `INSERT INTO execution_snapshots (execution_id, sequence, step_id, context, created_at)
        VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, snapshot.ExecutionID, sequence, snapshot.StepID, string(encoded), now); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrExecutionConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入快照失败")
	}
	snapshot.Sequence = sequence
	snapshot.CreatedAt = now
	return nil
}

// LatestSnapshot 返回执行最近一条快照。
func (s *MySQLStore) LatestSnapshot(ctx context.Context, executionID string) (*Snapshot, error) {
	const stmt = `SELECT execution_id, sequence, step_id, context, created_at FROM execution_snapshots
        WHERE execution_id = ? ORDER BY sequence DESC LIMIT 1`
	return s.querySnapshot(ctx, stmt, executionID)
}

// SnapshotAt 返回执行在指定步骤处的最近一条快照。
func (s *MySQLStore) SnapshotAt(ctx context.Context, executionID, stepID string) (*Snapshot, error) {
	const stmt = `SELECT execution_id, sequence, step_id, context, created_at FROM execution_snapshots
        WHERE execution_id = ? AND step_id = ? ORDER BY sequence DESC LIMIT 1`
	return s.querySnapshot(ctx, stmt, executionID, stepID)
}

// ListSnapshots 按序号升序返回执行的全部快照。
func (s *MySQLStore) ListSnapshots(ctx context.Context, executionID string) ([]*Snapshot, error) {
	const stmt = `SELECT execution_id, sequence, step_id, context, created_at FROM execution_snapshots
        WHERE execution_id = ? ORDER BY sequence ASC`

	rows, err := s.db.QueryContext(ctx, stmt, executionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询快照列表失败")
	}
	defer rows.Close()

	snapshots := make([]*Snapshot, 0, 4)
	for rows.Next() {
		snapshot, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历快照失败")
	}
	return snapshots, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MySQLStore) querySnapshot(ctx context.Context, stmt string, args ...any) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, stmt, args...)
	snapshot, err := scanSnapshot(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return snapshot, nil
}

func scanExecution(scan func(dest ...any) error) (*Context, error) {
	var wctx Context
	var variables, results, history sql.NullString
	var forkExecution, forkStep string

	if err := scan(
		&wctx.ExecutionID,
		&wctx.WorkflowID,
		&variables,
		&results,
		&history,
		&wctx.CurrentStep,
		&wctx.Status,
		&wctx.Version,
		&wctx.PendingStep,
		&wctx.LastError,
		&wctx.ErrorCode,
		&forkExecution,
		&forkStep,
		&wctx.CreatedAt,
		&wctx.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
	}

	if err := unmarshalJSONColumn(variables, &wctx.Variables); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行变量失败")
	}
	if err := unmarshalJSONColumn(results, &wctx.Results); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行结果失败")
	}
	if err := unmarshalJSONColumn(history, &wctx.History); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行历史失败")
	}
	if forkExecution != "" {
		wctx.ForkOf = &ForkOrigin{ExecutionID: forkExecution, StepID: forkStep}
	}
	return &wctx, nil
}

func scanSnapshot(scan func(dest ...any) error) (*Snapshot, error) {
	var snapshot Snapshot
	var encoded string
	if err := scan(
		&snapshot.ExecutionID,
		&snapshot.Sequence,
		&snapshot.StepID,
		&encoded,
		&snapshot.CreatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析快照记录失败")
	}
	var wctx Context
	if err := json.Unmarshal([]byte(encoded), &wctx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析快照上下文失败")
	}
	snapshot.Context = &wctx
	return &snapshot, nil
}

func marshalJSONColumn(value any) (sql.NullString, error) {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]map[string]any:
		if len(typed) == 0 {
			return sql.NullString{}, nil
		}
	case []string:
		if len(typed) == 0 {
			return sql.NullString{}, nil
		}
	case nil:
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func unmarshalJSONColumn(raw sql.NullString, target any) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), target)
}

func forkColumns(origin *ForkOrigin) (string, string) {
	if origin == nil {
		return "", ""
	}
	return origin.ExecutionID, origin.StepID
}

func buildExecutionFilter(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

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
	if opts.WorkflowID != "" {
		conditions = append(conditions, "workflow_id = ?")
		args = append(args, opts.WorkflowID)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR workflow_id LIKE ? OR current_step LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
