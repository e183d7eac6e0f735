package replay

import "time"

const (
	JobStatusPending  = "pending"
	JobStatusRunning  = "running"
	JobStatusDone     = "done"
	JobStatusFailed   = "failed"
	JobStatusCanceled = "canceled"
)

// Params 描述一次回放任务的请求参数。
type Params struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	// Speed 为每秒回放的 K 线数；0 表示不限速，一口气跑完。
	Speed float64 `json:"speed,omitempty"`
	// SnapshotEvery 每处理 N 根 K 线保存一次快照；0 表示只在结束时保存。
	SnapshotEvery int64 `json:"snapshot_every,omitempty"`
	// ResumeFrom 非空时从该运行的最新快照继续处理。
	ResumeFrom string `json:"resume_from,omitempty"`
}

// Job 用于在内存中跟踪回放进度，对外始终返回拷贝。
type Job struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	Params    Params    `json:"params"`
	Total     int64     `json:"total"`
	Completed int64     `json:"completed"`
	Events    int64     `json:"events"`
	Legs      int       `json:"legs"`
	Swings    int       `json:"swings"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Message   string    `json:"message"`
	Warnings  []string  `json:"warnings"`
}

func (j *Job) copy() Job {
	if j == nil {
		return Job{}
	}
	out := *j
	out.Warnings = append([]string{}, j.Warnings...)
	return out
}
