package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "TaskWarden/internal/errors"
)

// MySQLStore 使用 MySQL 持久化任务状态。
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
	const schema = `CREATE TABLE IF NOT EXISTS task_states (
        id VARCHAR(64) PRIMARY KEY,
        action_refs TEXT,
        payload TEXT,
        status VARCHAR(32) NOT NULL,
        approval_required TINYINT(1) NOT NULL DEFAULT 0,
        approved TINYINT(1) NOT NULL DEFAULT 0,
        rejected TINYINT(1) NOT NULL DEFAULT 0,
        decision_note TEXT,
        retry_count INT NOT NULL DEFAULT 0,
        result TEXT,
        created_at BIGINT NOT NULL,
        decided_at BIGINT NOT NULL DEFAULT 0,
        completed_at BIGINT NOT NULL DEFAULT 0,
        updated_at BIGINT NOT NULL,
        INDEX idx_task_status (status),
        INDEX idx_task_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 task_states 表失败")
	}
	return nil
}

const taskColumns = `id, action_refs, payload, status, approval_required, approved, rejected,
        decision_note, retry_count, result, created_at, decided_at, completed_at, updated_at`

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	if task.Status == "" {
		task.Status = StatusCreated
	}
	task.UpdatedAt = now

	refsValue, err := marshalJSONColumn(task.ActionRefs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 action_refs 失败")
	}
	payloadValue, err := marshalJSONColumn(task.Payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 payload 失败")
	}
	resultValue, err := marshalJSONColumn(task.Result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行结果失败")
	}

	const stmt = `INSERT INTO task_states
        (id, action_refs, payload, status, approval_required, approved, rejected,
         decision_note, retry_count, result, created_at, decided_at, completed_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		refsValue,
		payloadValue,
		task.Status,
		task.ApprovalRequired,
		task.Approved,
		task.Rejected,
		task.DecisionNote,
		task.RetryCount,
		resultValue,
		task.CreatedAt,
		task.DecidedAt,
		task.CompletedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task_states WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Transition 在单个事务中完成带前置校验的状态迁移。
// SELECT ... FOR UPDATE 保证并发迁移中只有一方通过前置检查，
// 失败方得到 ErrStaleState 且不产生任何修改。
func (s *MySQLStore) Transition(ctx context.Context, id string, expected, next Status, mutate Mutation) (*Task, error) {
	if !CanTransition(expected, next) {
		return nil, xerrors.New(CodeTaskConflict,
			"状态机不允许迁移 "+string(expected)+" -> "+string(next))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task_states WHERE id = ? FOR UPDATE`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定任务失败")
	}
	if task.Status != expected {
		return nil, ErrStaleState
	}

	task.Status = next
	if mutate != nil {
		mutate(task)
	}
	task.UpdatedAt = time.Now().Unix()

	refsValue, err := marshalJSONColumn(task.ActionRefs)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 action_refs 失败")
	}
	payloadValue, err := marshalJSONColumn(task.Payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 payload 失败")
	}
	resultValue, err := marshalJSONColumn(task.Result)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行结果失败")
	}

	const stmt = `UPDATE task_states SET action_refs = ?, payload = ?, status = ?,
        approval_required = ?, approved = ?, rejected = ?, decision_note = ?,
        retry_count = ?, result = ?, decided_at = ?, completed_at = ?, updated_at = ?
        WHERE id = ?`
	if _, err := tx.ExecContext(ctx, stmt,
		refsValue,
		payloadValue,
		task.Status,
		task.ApprovalRequired,
		task.Approved,
		task.Rejected,
		task.DecisionNote,
		task.RetryCount,
		resultValue,
		task.DecidedAt,
		task.CompletedAt,
		task.UpdatedAt,
		task.ID,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交状态迁移失败")
	}
	return task, nil
}

// RecordDecision 写入人工决策字段，仅对等待审批的任务生效。
func (s *MySQLStore) RecordDecision(ctx context.Context, id string, approved bool, note string) (*Task, error) {
	column := "rejected"
	if approved {
		column = "approved"
	}
	stmt := fmt.Sprintf(`UPDATE task_states SET %s = 1, decision_note = ?, updated_at = ?
        WHERE id = ? AND status = ?`, column)

	res, err := s.db.ExecContext(ctx, stmt, note, time.Now().Unix(), id, StatusPendingApproval)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录人工决策失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		task, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if task.Status != StatusPendingApproval {
			return nil, ErrStaleState
		}
		// 幂等：同一决策重复写入时行内容未变化。
		return task, nil
	}
	return s.Get(ctx, id)
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM task_states`
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
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS created,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending_approval,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS executing,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS rejected,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM task_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(StatusCreated), string(StatusPendingApproval), string(StatusApprovedExecuting),
		string(StatusCompleted), string(StatusRejected), string(StatusExecutionFailed),
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats TaskStats
	if err := row.Scan(
		&stats.Total,
		&stats.Created,
		&stats.PendingApproval,
		&stats.Executing,
		&stats.Completed,
		&stats.Rejected,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var refs, payload, result, note sql.NullString

	if err := row.Scan(
		&task.ID,
		&refs,
		&payload,
		&task.Status,
		&task.ApprovalRequired,
		&task.Approved,
		&task.Rejected,
		&note,
		&task.RetryCount,
		&result,
		&task.CreatedAt,
		&task.DecidedAt,
		&task.CompletedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}

	task.DecisionNote = note.String
	if refs.Valid && strings.TrimSpace(refs.String) != "" {
		if err := json.Unmarshal([]byte(refs.String), &task.ActionRefs); err != nil {
			return nil, fmt.Errorf("解析 action_refs 失败: %w", err)
		}
	}
	if payload.Valid && strings.TrimSpace(payload.String) != "" {
		if err := json.Unmarshal([]byte(payload.String), &task.Payload); err != nil {
			return nil, fmt.Errorf("解析任务 payload 失败: %w", err)
		}
	}
	if result.Valid && strings.TrimSpace(result.String) != "" {
		var decoded ExecutionResult
		if err := json.Unmarshal([]byte(result.String), &decoded); err != nil {
			return nil, fmt.Errorf("解析执行结果失败: %w", err)
		}
		task.Result = &decoded
	}
	return &task, nil
}

func marshalJSONColumn(value any) (sql.NullString, error) {
	switch v := value.(type) {
	case nil:
		return sql.NullString{}, nil
	case []string:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	case *ExecutionResult:
		if v == nil {
			return sql.NullString{}, nil
		}
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 3)
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
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
