package task

// TaskStats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type TaskStats struct {
	Total           int   `json:"total"`
	Created         int   `json:"created"`
	PendingApproval int   `json:"pending_approval"`
	Executing       int   `json:"executing"`
	Completed       int   `json:"completed"`
	Rejected        int   `json:"rejected"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *TaskStats) count(status Status) {
	s.Total++
	switch status {
	case StatusCreated:
		s.Created++
	case StatusPendingApproval:
		s.PendingApproval++
	case StatusApprovedExecuting:
		s.Executing++
	case StatusCompleted:
		s.Completed++
	case StatusRejected:
		s.Rejected++
	case StatusExecutionFailed:
		s.Failed++
	}
}
