package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	StorageReconcileJob = "storage-reconcile"
	StorageCleanupJob   = "storage-cleanup"
	PurgeExpiredJob     = "purge-expired"

	taskTimeout = 5 * time.Minute
)

// RegisterAll registers every download maintenance job.
func RegisterAll(jm *JobManager) {
	jm.Register(StorageReconcileJob, "Reconcile Storage", RunStorageReconcile)
	jm.Register(StorageCleanupJob, "Clean Up Storage", RunStorageCleanup)
	jm.Register(PurgeExpiredJob, "Remove Expired Downloads", RunPurgeExpired)
}

// RunStorageReconcile recomputes storage usage from the downloads directory.
func RunStorageReconcile(app JobContext) {
	jm := app.JobManager()
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	jm.Report(app, StorageReconcileJob, "Scanning downloads directory...", 0, false)
	if err := app.Downloads().Reconcile(ctx); err != nil {
		jm.Fail(app, StorageReconcileJob, fmt.Sprintf("Reconcile failed: %v", err))
		return
	}
	info := app.Downloads().GetStorageInfo()
	jm.Report(app, StorageReconcileJob, fmt.Sprintf("Storage reconciled: %s of %s used, %s by downloads.",
		humanize.IBytes(uint64(info.UsedSpace)), humanize.IBytes(uint64(info.TotalSpace)),
		humanize.IBytes(uint64(info.DownloadsSpace))), 100, true)
}

// RunStorageCleanup applies the cleanup policy.
func RunStorageCleanup(app JobContext) {
	jm := app.JobManager()
	evicted := app.Downloads().RunCleanup(context.Background())
	var freed int64
	for _, it := range evicted {
		freed += it.FileSize
	}
	jm.Report(app, StorageCleanupJob, fmt.Sprintf("Removed %d downloads, freed %s.",
		len(evicted), humanize.IBytes(uint64(freed))), 100, true)
}

// RunPurgeExpired removes completed downloads whose license has expired.
func RunPurgeExpired(app JobContext) {
	jm := app.JobManager()
	purged := app.Downloads().PurgeExpired(context.Background())
	jm.Report(app, PurgeExpiredJob, fmt.Sprintf("Removed %d expired downloads.", len(purged)), 100, true)
}
