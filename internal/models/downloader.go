package models

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Status is the lifecycle state of a download item.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusDownloading,
	StatusPaused,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(value)))
	return s, s.Valid()
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no transfer will run for the status without a user action.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ContentType is the kind of catalogue entry being downloaded.
type ContentType string

const (
	ContentMovie      ContentType = "movie"
	ContentEpisode    ContentType = "episode"
	ContentClip       ContentType = "clip"
	ContentLiveStream ContentType = "live_stream"
)

func (c ContentType) Valid() bool {
	switch c {
	case ContentMovie, ContentEpisode, ContentClip, ContentLiveStream:
		return true
	}
	return false
}

// Quality is the rendition requested for a download.
type Quality string

const (
	QualityAudioOnly Quality = "Audio Only"
	QualitySD        Quality = "SD"
	QualityHD        Quality = "HD"
	Quality4K        Quality = "4K"
)

var qualityRank = map[Quality]int{
	QualityAudioOnly: 0,
	QualitySD:        1,
	QualityHD:        2,
	Quality4K:        3,
}

// ParseQuality accepts the canonical names case-insensitively, plus "audio".
func ParseQuality(value string) (Quality, bool) {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "4k", "uhd":
		return Quality4K, true
	case "hd":
		return QualityHD, true
	case "sd":
		return QualitySD, true
	case "audio only", "audio_only", "audio":
		return QualityAudioOnly, true
	}
	return "", false
}

func (q Quality) Valid() bool {
	_, ok := qualityRank[q]
	return ok
}

// Rank orders qualities from Audio Only (0) to 4K (3). Unknown qualities rank -1.
func (q Quality) Rank() int {
	r, ok := qualityRank[q]
	if !ok {
		return -1
	}
	return r
}

// Slug is a filesystem friendly form of the quality.
func (q Quality) Slug() string {
	return strings.ReplaceAll(strings.ToLower(string(q)), " ", "-")
}

// DownloadItem is one requested asset download.
type DownloadItem struct {
	ID                   string      `json:"id"`
	ContentID            string      `json:"content_id"`
	SourceID             string      `json:"source_id"`
	Title                string      `json:"title"`
	Thumbnail            string      `json:"thumbnail,omitempty"`
	ContentType          ContentType `json:"content_type"`
	Quality              Quality     `json:"quality"`
	FileSize             int64       `json:"file_size"`
	DownloadedSize       int64       `json:"downloaded_size"`
	Status               Status      `json:"status"`
	DownloadSpeed        float64     `json:"download_speed"` // bytes per second
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
	ExpiresAt            *time.Time  `json:"expires_at,omitempty"`
	RetryCount           int         `json:"retry_count"`
	MaxRetries           int         `json:"max_retries"`
	ErrorMessage         string      `json:"error_message,omitempty"`
	FilePath             string      `json:"file_path,omitempty"`
	IsBackgroundDownload bool        `json:"is_background_download"`
	ParentalRating       string      `json:"parental_rating,omitempty"`
	Priority             int         `json:"priority"`
	Checksum             string      `json:"checksum,omitempty"`
	WaitingForStorage    bool        `json:"waiting_for_storage"`
	NextAttemptAt        *time.Time  `json:"next_attempt_at,omitempty"`
}

// Progress is DownloadedSize/FileSize as a percentage clamped to [0,100].
func (i DownloadItem) Progress() float64 {
	if i.FileSize <= 0 {
		if i.Status == StatusCompleted {
			return 100
		}
		return 0
	}
	p := float64(i.DownloadedSize) / float64(i.FileSize) * 100
	return math.Max(0, math.Min(100, p))
}

// EstimatedTimeRemaining returns false when the speed is unknown.
func (i DownloadItem) EstimatedTimeRemaining() (time.Duration, bool) {
	if i.Status == StatusCompleted {
		return 0, true
	}
	if i.DownloadSpeed <= 0 || i.FileSize <= 0 {
		return 0, false
	}
	remaining := i.FileSize - i.DownloadedSize
	if remaining <= 0 {
		return 0, true
	}
	secs := float64(remaining) / i.DownloadSpeed
	return time.Duration(secs * float64(time.Second)), true
}

// MarshalJSON adds the derived progress and ETA fields.
func (i DownloadItem) MarshalJSON() ([]byte, error) {
	type plain DownloadItem
	out := struct {
		plain
		Progress               float64  `json:"progress"`
		EstimatedTimeRemaining *float64 `json:"estimated_time_remaining,omitempty"` // seconds
	}{plain: plain(i), Progress: i.Progress()}
	if eta, ok := i.EstimatedTimeRemaining(); ok {
		secs := eta.Seconds()
		out.EstimatedTimeRemaining = &secs
	}
	return json.Marshal(out)
}

// DownloadQueue partitions every known item into four disjoint sequences.
// Paused items live in Pending, cancelled items in Failed.
type DownloadQueue struct {
	Active    []DownloadItem `json:"active"`
	Pending   []DownloadItem `json:"pending"`
	Completed []DownloadItem `json:"completed"`
	Failed    []DownloadItem `json:"failed"`
}

// Len returns the number of items across all sequences.
func (q DownloadQueue) Len() int {
	return len(q.Active) + len(q.Pending) + len(q.Completed) + len(q.Failed)
}

// StorageInfo is a snapshot of device storage as seen by the downloader.
type StorageInfo struct {
	TotalSpace         int64   `json:"total_space"`
	UsedSpace          int64   `json:"used_space"`
	AvailableSpace     int64   `json:"available_space"`
	DownloadsSpace     int64   `json:"downloads_space"`
	ReservedSpace      int64   `json:"reserved_space"`
	AutoCleanupEnabled bool    `json:"auto_cleanup_enabled"`
	CleanupThreshold   float64 `json:"cleanup_threshold"`
	OldestFirstCleanup bool    `json:"oldest_first_cleanup"`
}

// UsedPercent returns UsedSpace as a percentage of TotalSpace.
func (s StorageInfo) UsedPercent() float64 {
	if s.TotalSpace <= 0 {
		return 0
	}
	return float64(s.UsedSpace) / float64(s.TotalSpace) * 100
}
