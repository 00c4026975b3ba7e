package models

import (
	"fmt"
	"strings"
	"time"
)

// ResumeMode decides what happens to partial data when a transfer stops.
type ResumeMode string

const (
	// ResumeFromOffset keeps partial data and asks the source for the remaining range.
	ResumeFromOffset ResumeMode = "offset"
	// ResumeRestart discards partial data; every attempt starts at byte 0.
	ResumeRestart ResumeMode = "restart"
)

// CleanupPolicy controls automatic eviction of completed downloads.
type CleanupPolicy struct {
	Enabled          bool    `json:"enabled"`
	ThresholdPercent float64 `json:"threshold_percent"`
	OldestFirst      bool    `json:"oldest_first"`
}

func (p CleanupPolicy) Validate() error {
	if p.ThresholdPercent <= 0 || p.ThresholdPercent > 100 {
		return fmt.Errorf("cleanup threshold must be in (0,100], got %v", p.ThresholdPercent)
	}
	return nil
}

// ScheduleWindow is a daily local-time window in which background downloads may start.
// A zero window means always open. Windows may wrap midnight (22:00-06:00).
type ScheduleWindow struct {
	Start time.Duration // offset from midnight
	End   time.Duration
}

// ParseScheduleWindow parses "HH:MM" bounds. Two empty strings give the zero window.
func ParseScheduleWindow(start, end string) (ScheduleWindow, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" && end == "" {
		return ScheduleWindow{}, nil
	}
	s, err := parseClock(start)
	if err != nil {
		return ScheduleWindow{}, fmt.Errorf("schedule start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return ScheduleWindow{}, fmt.Errorf("schedule end: %w", err)
	}
	return ScheduleWindow{Start: s, End: e}, nil
}

func parseClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("invalid clock value %q (want HH:MM)", v)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// IsZero reports whether the window is unrestricted.
func (w ScheduleWindow) IsZero() bool { return w.Start == w.End }

// Contains reports whether t falls in the window.
func (w ScheduleWindow) Contains(t time.Time) bool {
	if w.IsZero() {
		return true
	}
	y, m, d := t.Date()
	offset := t.Sub(time.Date(y, m, d, 0, 0, 0, 0, t.Location()))
	if w.Start < w.End {
		return offset >= w.Start && offset < w.End
	}
	return offset >= w.Start || offset < w.End
}

// RetrySettings parameterises the exponential backoff.
type RetrySettings struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64 // fraction in [0,1)
}

// DownloadSettings is the read-only configuration consumed by the scheduler
// and the storage accountant.
type DownloadSettings struct {
	MaxConcurrent     int
	DefaultQuality    Quality
	MaxQuality        Quality
	WiFiOnly          bool
	Schedule          ScheduleWindow
	MaxParentalRating string
	Cleanup           CleanupPolicy
	ResumeMode        ResumeMode
	StallTimeout      time.Duration
	ProgressInterval  time.Duration
	StorageMargin     int64
	MaxRetries        int
	Retry             RetrySettings
	DefaultSourceID   string
}

// DefaultDownloadSettings mirrors the defaults in config.Load.
func DefaultDownloadSettings() DownloadSettings {
	return DownloadSettings{
		MaxConcurrent:    2,
		DefaultQuality:   QualityHD,
		MaxQuality:       Quality4K,
		Cleanup:          CleanupPolicy{Enabled: true, ThresholdPercent: 90, OldestFirst: true},
		ResumeMode:       ResumeFromOffset,
		StallTimeout:     30 * time.Second,
		ProgressInterval: 250 * time.Millisecond,
		StorageMargin:    64 << 20,
		MaxRetries:       3,
		Retry: RetrySettings{
			BaseDelay: 2 * time.Second,
			MaxDelay:  2 * time.Minute,
			Jitter:    0.2,
		},
	}
}

// Validate checks internal consistency.
func (s DownloadSettings) Validate() error {
	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent downloads must be at least 1, got %d", s.MaxConcurrent)
	}
	if !s.DefaultQuality.Valid() {
		return fmt.Errorf("invalid default quality %q", s.DefaultQuality)
	}
	if !s.MaxQuality.Valid() {
		return fmt.Errorf("invalid max quality %q", s.MaxQuality)
	}
	if s.DefaultQuality.Rank() > s.MaxQuality.Rank() {
		return fmt.Errorf("default quality %s is above max quality %s", s.DefaultQuality, s.MaxQuality)
	}
	if s.MaxParentalRating != "" {
		if _, ok := RatingLevel(s.MaxParentalRating); !ok {
			return fmt.Errorf("unknown parental rating %q", s.MaxParentalRating)
		}
	}
	if err := s.Cleanup.Validate(); err != nil {
		return err
	}
	switch s.ResumeMode {
	case ResumeFromOffset, ResumeRestart:
	default:
		return fmt.Errorf("invalid resume mode %q", s.ResumeMode)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if s.Retry.Jitter < 0 || s.Retry.Jitter >= 1 {
		return fmt.Errorf("retry jitter must be in [0,1), got %v", s.Retry.Jitter)
	}
	if s.Retry.BaseDelay <= 0 || s.Retry.MaxDelay < s.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base <= max")
	}
	return nil
}

// Ratings are mapped onto a single ladder so film and TV systems compare.
var ratingLevels = map[string]int{
	"G":     0,
	"TV-Y":  0,
	"TV-Y7": 1,
	"TV-G":  1,
	"PG":    2,
	"TV-PG": 2,
	"PG-13": 3,
	"TV-14": 3,
	"R":     4,
	"TV-MA": 4,
	"NC-17": 5,
}

// RatingLevel returns the position of a parental rating on the shared ladder.
func RatingLevel(rating string) (int, bool) {
	lvl, ok := ratingLevels[strings.ToUpper(strings.TrimSpace(rating))]
	return lvl, ok
}

// RatingAllowed reports whether content rated `rating` passes a `max` filter.
// Unrated content and an empty filter always pass.
func RatingAllowed(rating, max string) bool {
	if strings.TrimSpace(max) == "" || strings.TrimSpace(rating) == "" {
		return true
	}
	limit, ok := RatingLevel(max)
	if !ok {
		return true
	}
	lvl, ok := RatingLevel(rating)
	if !ok {
		return false
	}
	return lvl <= limit
}
