package jobs

import (
	"log"
	"time"

	"github.com/go-co-op/gocron"
)

// StartJobs starts the background job scheduler.
func StartJobs(app JobContext) *gocron.Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	cfg := app.Config().Jobs
	scheduleJob(s, app, StorageReconcileJob, cfg.ReconcileInterval)
	scheduleJob(s, app, StorageCleanupJob, cfg.CleanupInterval)
	scheduleJob(s, app, PurgeExpiredJob, time.Hour)

	log.Println("Starting background job scheduler...")
	s.StartAsync()
	return s
}

func scheduleJob(s *gocron.Scheduler, app JobContext, jobID string, interval time.Duration) {
	if interval <= 0 {
		log.Printf("Interval for '%s' is 0, scheduled runs are disabled.", jobID)
		return
	}

	log.Printf("Scheduling job: '%s' to run every %s.", jobID, interval)
	_, err := s.Every(interval).WaitForSchedule().Do(func() {
		log.Println("Scheduler is triggering job:", jobID)
		// Submit the job to the manager instead of running it directly.
		// This prevents conflicts with manually triggered jobs.
		if err := app.JobManager().RunJob(jobID, app); err != nil {
			log.Printf("Scheduled job '%s' could not start: %v", jobID, err)
		}
	})
	if err != nil {
		log.Printf("Error scheduling '%s' job: %v", jobID, err)
	}
}
