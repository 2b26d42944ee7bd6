package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"catalog-sync/pkg/models"
)

// JobStatus represents the current state of a sync job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusStopping  JobStatus = "stopping"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Active reports whether the job has not ended yet
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusRunning || s == JobStatusStopping
}

// Job represents a background sync job. Progress fields follow the event stream of the run.
type Job struct {
	ID          string    `json:"id"`
	SourceKey   string    `json:"source_key"`
	Status      JobStatus `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	FullSync    bool      `json:"full_sync"`
	ForceUpdate bool      `json:"force_update"`

	ContentType  models.ContentType `json:"content_type,omitempty"`
	Page         int                `json:"page"`
	CurrentTitle string             `json:"current_title,omitempty"`
	PageProgress float64            `json:"page_progress"`
	Remaining    time.Duration      `json:"remaining"`
	Processed    int                `json:"processed"`
	Written      int                `json:"written"`
	Failed       int                `json:"failed"`
	LastNotice   string             `json:"last_notice,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`

	Report *models.RunReport `json:"report,omitempty"`

	ctx    context.Context
	cancel context.CancelFunc
}

// JobManager manages background sync jobs
type JobManager struct {
	jobs     map[string]*Job
	mu       sync.RWMutex
	bysource map[string]string // sourceKey -> jobID for active jobs
}

// NewJobManager creates a new job manager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:     make(map[string]*Job),
		bysource: make(map[string]string),
	}
}

// CreateJob creates a new job for a source. If a job is already active for the source it is
// returned instead and created is false.
func (m *JobManager) CreateJob(sourceKey string, fullSync, forceUpdate bool) (job *Job, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existingID, exists := m.bysource[sourceKey]; exists {
		if existing := m.jobs[existingID]; existing != nil && existing.Status.Active() {
			return existing.snapshot(), false
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &Job{
		ID:          uuid.New().String(),
		SourceKey:   sourceKey,
		Status:      JobStatusPending,
		StartedAt:   time.Now(),
		FullSync:    fullSync,
		ForceUpdate: forceUpdate,
		ctx:         ctx,
		cancel:      cancel,
	}
	m.jobs[j.ID] = j
	m.bysource[sourceKey] = j.ID
	return j.snapshot(), true
}

func (j *Job) snapshot() *Job {
	c := *j
	return &c
}

// GetJob returns a copy of a job, or nil
func (m *JobManager) GetJob(jobID string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, ok := m.jobs[jobID]; ok {
		return job.snapshot()
	}
	return nil
}

// GetJobBySource returns a copy of the active job of a source, or nil
func (m *JobManager) GetJobBySource(sourceKey string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if jobID, exists := m.bysource[sourceKey]; exists {
		if job := m.jobs[jobID]; job != nil {
			return job.snapshot()
		}
	}
	return nil
}

// IsRunning checks if a job is active for a source
func (m *JobManager) IsRunning(sourceKey string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if jobID, exists := m.bysource[sourceKey]; exists {
		job := m.jobs[jobID]
		return job != nil && job.Status.Active()
	}
	return false
}

// UpdateStatus updates the status of a job. Terminal statuses release the source.
func (m *JobManager) UpdateStatus(jobID string, status JobStatus, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists || !job.Status.Active() {
		return
	}
	job.Status = status
	if !status.Active() {
		job.CompletedAt = time.Now()
		delete(m.bysource, job.SourceKey)
		job.cancel()
	}
	if errorMsg != "" {
		job.ErrorMessage = errorMsg
	}
}

// ApplyEvent folds one progress event into the job
func (m *JobManager) ApplyEvent(jobID string, ev models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return
	}
	if ev.ContentType != models.ContentTypeUnknown {
		job.ContentType = ev.ContentType
	}
	switch ev.Kind {
	case models.EventPageStarted:
		job.Page = ev.Page
		job.PageProgress = 0
	case models.EventTitle:
		job.CurrentTitle = ev.Text
	case models.EventNotice:
		job.LastNotice = ev.Text
	case models.EventProgress:
		job.PageProgress = ev.Fraction
	case models.EventTimeEstimate:
		job.Remaining = ev.Remaining
	case models.EventItemCompleted:
		job.Processed++
		if ev.Success {
			job.Written++
		}
	case models.EventError:
		job.Processed++
		job.Failed++
		if ev.Err != nil {
			job.LastError = ev.Err.Error()
		}
	}
}

// SetReport attaches the final run report of a job
func (m *JobManager) SetReport(jobID string, report *models.RunReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, exists := m.jobs[jobID]; exists {
		job.Report = report
	}
}

// CancelJob aborts an active job through its context
func (m *JobManager) CancelJob(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, exists := m.jobs[jobID]; exists && job.Status.Active() {
		job.cancel()
		job.Status = JobStatusCancelled
		job.CompletedAt = time.Now()
		delete(m.bysource, job.SourceKey)
		return true
	}
	return false
}

// CancelAll cancels all active jobs
func (m *JobManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range m.jobs {
		if job.Status.Active() {
			job.cancel()
			job.Status = JobStatusCancelled
			job.CompletedAt = time.Now()
		}
	}
	m.bysource = make(map[string]string)
}

// ListJobs returns copies of all jobs
func (m *JobManager) ListJobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job.snapshot())
	}
	return jobs
}

// GetContext returns the context a job's run must use
func (m *JobManager) GetContext(jobID string) context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if job, exists := m.jobs[jobID]; exists {
		return job.ctx
	}
	return context.Background()
}
