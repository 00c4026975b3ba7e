package jobs

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/vrsandeep/streamdl/internal/config"
	"github.com/vrsandeep/streamdl/internal/downloader"
	"github.com/vrsandeep/streamdl/internal/models"
	"github.com/vrsandeep/streamdl/internal/websocket"
)

// JobContext is an interface that provides the necessary dependencies for a job to run.
// The core.App struct will implement this interface.
type JobContext interface {
	Config() *config.Config
	Downloads() *downloader.Manager
	WsHub() *websocket.Hub
	JobManager() *JobManager
}

// The task function signature uses the interface.
type jobTask func(ctx JobContext)

type JobStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"` // "idle", "running", "success", "failed"
	Message   string    `json:"message"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

type JobManager struct {
	mu      sync.Mutex
	jobs    map[string]jobTask
	status  map[string]*JobStatus
	running bool
	appCtx  JobContext // Store the app context for scheduled jobs
}

func NewManager(appCtx JobContext) *JobManager {
	return &JobManager{
		jobs:   make(map[string]jobTask),
		status: make(map[string]*JobStatus),
		appCtx: appCtx,
	}
}

func (jm *JobManager) Register(id, name string, task jobTask) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.jobs[id] = task
	jm.status[id] = &JobStatus{ID: id, Name: name, Status: "idle"}
}

// RunJob starts a registered job in the background. Only one job runs at a time.
func (jm *JobManager) RunJob(id string, ctx JobContext) error {
	jm.mu.Lock()
	if jm.running {
		jm.mu.Unlock()
		return fmt.Errorf("a job is already running")
	}

	task, ok := jm.jobs[id]
	if !ok {
		jm.mu.Unlock()
		return fmt.Errorf("job '%s' not found", id)
	}

	jm.running = true
	status := jm.status[id]
	status.Status = "running"
	status.StartTime = time.Now()
	status.EndTime = time.Time{}
	status.Message = "Job started..."
	jm.mu.Unlock()

	log.Printf("Starting job: %s", id)
	// Run the actual task in a new goroutine so it doesn't block.
	go func() {
		defer func() {
			jm.mu.Lock()
			// Ensure we always update the status and unlock the manager
			if r := recover(); r != nil {
				log.Printf("Job '%s' panicked: %v", id, r)
				status.Status = "failed"
				status.Message = fmt.Sprintf("Job panicked: %v", r)
			}
			status.EndTime = time.Now()
			if status.Status == "running" { // If not already set to "failed"
				status.Status = "success"
				if status.Message == "Job started..." {
					status.Message = "Job completed successfully."
				}
			}
			jm.running = false
			jm.mu.Unlock()
			log.Printf("Finished job: %s", id)
		}()

		task(ctx)
	}()
	return nil
}

// Report records a job's progress message and broadcasts it to websocket clients.
func (jm *JobManager) Report(ctx JobContext, id, message string, progress float64, done bool) {
	update := models.ProgressUpdate{JobID: id, Message: message, Progress: progress, Done: done}
	jm.mu.Lock()
	if s, ok := jm.status[id]; ok {
		s.Message = message
		update.Status = s.Status
	}
	jm.mu.Unlock()
	if hub := ctx.WsHub(); hub != nil {
		hub.BroadcastJSON("job_progress", update)
	}
}

// Fail marks the running job as failed with message.
func (jm *JobManager) Fail(ctx JobContext, id, message string) {
	jm.mu.Lock()
	if s, ok := jm.status[id]; ok && s.Status == "running" {
		s.Status = "failed"
	}
	jm.mu.Unlock()
	jm.Report(ctx, id, message, 100, true)
}

// GetStatus returns a copy of every job's status, ordered by ID.
func (jm *JobManager) GetStatus() []JobStatus {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	statuses := make([]JobStatus, 0, len(jm.status))
	for _, s := range jm.status {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}
