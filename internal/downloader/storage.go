package downloader

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/vrsandeep/streamdl/internal/models"
)

// partialSuffix marks files of transfers that have not completed.
const partialSuffix = ".part"

// DiskStatter reports capacity and free bytes of the device holding path.
type DiskStatter interface {
	Stat(path string) (total, free int64, err error)
}

// DiskStatterFunc adapts a function to DiskStatter.
type DiskStatterFunc func(path string) (int64, int64, error)

func (f DiskStatterFunc) Stat(path string) (int64, int64, error) { return f(path) }

// StorageAccountant is the single source of truth for space bookkeeping.
// It is safe for concurrent use.
type StorageAccountant struct {
	mu      sync.Mutex
	dir     string
	statter DiskStatter
	margin  int64
	policy  models.CleanupPolicy

	total     int64
	used      int64
	downloads int64
	// reserved covers only bytes not yet on disk. Bytes a transfer writes
	// move from reserved into used through Commit or Track.
	reserved int64
}

// NewStorageAccountant creates an accountant for the downloads directory.
// Call Reconcile before relying on the numbers.
func NewStorageAccountant(dir string, statter DiskStatter, margin int64, policy models.CleanupPolicy) *StorageAccountant {
	if statter == nil {
		statter = OSDiskStatter()
	}
	return &StorageAccountant{dir: dir, statter: statter, margin: margin, policy: policy}
}

// Dir returns the downloads directory.
func (s *StorageAccountant) Dir() string { return s.dir }

// Reserve claims bytes ahead of a transfer. A false return is the normal
// backpressure signal, not an error.
func (s *StorageAccountant) Reserve(bytes int64) bool {
	if bytes <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes > s.projectedAvailableLocked() {
		return false
	}
	s.reserved += bytes
	return true
}

// Release returns reserved-but-unused bytes.
func (s *StorageAccountant) Release(bytes int64) {
	if bytes <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved -= bytes
	if s.reserved < 0 {
		s.reserved = 0
	}
}

// Commit converts part of a reservation into on-disk usage.
func (s *StorageAccountant) Commit(bytes int64) {
	if bytes <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved -= bytes
	if s.reserved < 0 {
		s.reserved = 0
	}
	s.used += bytes
	s.downloads += bytes
	if s.used > s.total {
		s.used = s.total
	}
}

// Track adds bytes written without a reservation, e.g. a stream of unknown size.
func (s *StorageAccountant) Track(bytes int64) {
	if bytes <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used += bytes
	s.downloads += bytes
	if s.used > s.total {
		s.used = s.total
	}
}

// Forget removes the bytes of a deleted download from the books.
func (s *StorageAccountant) Forget(bytes int64) {
	if bytes <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used -= bytes
	s.downloads -= bytes
	if s.used < 0 {
		s.used = 0
	}
	if s.downloads < 0 {
		s.downloads = 0
	}
}

// Reconcile recomputes usage from the live filesystem to correct drift.
func (s *StorageAccountant) Reconcile(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create downloads directory: %w", err)
	}
	total, free, err := s.statter.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("stat downloads device: %w", err)
	}
	var downloads int64
	err = filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// The file vanished between listing and stat.
			return nil
		}
		downloads += info.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk downloads directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = total
	s.used = total - free
	if s.used < 0 {
		s.used = 0
	}
	s.downloads = downloads
	if s.downloads > s.used {
		s.downloads = s.used
	}
	return nil
}

// SetPolicy replaces the cleanup policy.
func (s *StorageAccountant) SetPolicy(p models.CleanupPolicy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

// Policy returns the current cleanup policy.
func (s *StorageAccountant) Policy() models.CleanupPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// Info returns a snapshot. UsedSpace + AvailableSpace always equals TotalSpace.
func (s *StorageAccountant) Info() models.StorageInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.StorageInfo{
		TotalSpace:         s.total,
		UsedSpace:          s.used,
		AvailableSpace:     s.total - s.used,
		DownloadsSpace:     s.downloads,
		ReservedSpace:      s.reserved,
		AutoCleanupEnabled: s.policy.Enabled,
		CleanupThreshold:   s.policy.ThresholdPercent,
		OldestFirstCleanup: s.policy.OldestFirst,
	}
}

// ProjectedAvailable is what Reserve may still hand out.
func (s *StorageAccountant) ProjectedAvailable() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectedAvailableLocked()
}

func (s *StorageAccountant) projectedAvailableLocked() int64 {
	return s.total - s.used - s.reserved - s.margin
}

// NeedsCleanup reports whether auto cleanup is enabled and the threshold is reached.
func (s *StorageAccountant) NeedsCleanup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy.Enabled && s.total > 0 && s.usedPercentLocked(s.used) >= s.policy.ThresholdPercent
}

func (s *StorageAccountant) usedPercentLocked(used int64) float64 {
	return float64(used) / float64(s.total) * 100
}

// PlanEviction picks completed downloads to delete until usage would fall
// below the threshold, or returns every candidate if that is unreachable.
func (s *StorageAccountant) PlanEviction(candidates []models.DownloadItem) []models.DownloadItem {
	s.mu.Lock()
	policy, used, total := s.policy, s.used, s.total
	s.mu.Unlock()
	if total <= 0 {
		return nil
	}

	ordered := make([]models.DownloadItem, 0, len(candidates))
	for _, c := range candidates {
		if c.Status == models.StatusCompleted {
			ordered = append(ordered, c)
		}
	}
	if policy.OldestFirst {
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].UpdatedAt.Before(ordered[j].UpdatedAt)
		})
	} else {
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].FileSize > ordered[j].FileSize
		})
	}

	var plan []models.DownloadItem
	for _, c := range ordered {
		if float64(used)/float64(total)*100 < policy.ThresholdPercent {
			break
		}
		plan = append(plan, c)
		used -= c.FileSize
	}
	return plan
}
