package downloader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vrsandeep/streamdl/internal/metrics"
	"github.com/vrsandeep/streamdl/internal/models"
)

var errShutdown = errors.New("download manager shutting down")

// admissionTick re-runs admission so schedule windows and expired backoffs
// are noticed without an external event.
const admissionTick = 30 * time.Second

// Repository persists the item registry.
type Repository interface {
	SaveDownload(ctx context.Context, item *models.DownloadItem) error
	DeleteDownload(ctx context.Context, id string) error
	ListDownloads(ctx context.Context) ([]*models.DownloadItem, error)
}

// SourceLookup resolves a source id to a Source.
type SourceLookup interface {
	Get(id string) (models.Source, bool)
}

// Options configures a Manager.
type Options struct {
	Settings models.DownloadSettings
	// Dir holds partial and completed downloads.
	Dir        string
	Sources    SourceLookup
	Repository Repository
	Statter    DiskStatter
	Network    NetworkMonitor
	Retry      *RetryPolicy
	Now        func() time.Time
}

// Request describes an enqueue call.
type Request struct {
	ContentID      string             `json:"content_id"`
	Quality        models.Quality     `json:"quality"`
	ContentType    models.ContentType `json:"content_type"`
	Background     bool               `json:"background"`
	SourceID       string             `json:"source_id,omitempty"`
	Title          string             `json:"title,omitempty"`
	Thumbnail      string             `json:"thumbnail,omitempty"`
	FileSize       int64              `json:"file_size,omitempty"` // estimate, 0 if unknown
	ParentalRating string             `json:"parental_rating,omitempty"`
	ExpiresAt      *time.Time         `json:"expires_at,omitempty"`
	Priority       int                `json:"priority,omitempty"`
	MaxRetries     *int               `json:"max_retries,omitempty"`
}

// Manager is the download facade consumed by the UI. Every mutation of the
// item registry and of the active/pending partition happens under mu.
type Manager struct {
	mu       sync.Mutex
	settings models.DownloadSettings
	dir      string
	sources  SourceLookup
	repo     Repository
	storage  *StorageAccountant
	retry    *RetryPolicy
	network  NetworkMonitor
	now      func() time.Time

	entries map[string]*entry
	sched   *scheduler
	events  *broadcaster
	seq     uint64

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
	closed bool
}

// NewManager validates the options and builds an idle manager. Call Start to
// restore persisted items and begin admitting transfers.
func NewManager(opts Options) (*Manager, error) {
	if err := opts.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid download settings: %w", err)
	}
	if opts.Dir == "" {
		return nil, errors.New("downloads directory is required")
	}
	if opts.Sources == nil {
		return nil, errors.New("a source lookup is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	retry := opts.Retry
	if retry == nil {
		retry = NewRetryPolicy(opts.Settings.Retry)
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Manager{
		settings: opts.Settings,
		dir:      opts.Dir,
		sources:  opts.Sources,
		repo:     opts.Repository,
		storage:  NewStorageAccountant(opts.Dir, opts.Statter, opts.Settings.StorageMargin, opts.Settings.Cleanup),
		retry:    retry,
		network:  opts.Network,
		now:      now,
		entries:  make(map[string]*entry),
		sched:    newScheduler(opts.Settings.MaxConcurrent),
		events:   newBroadcaster(),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start reconciles storage, restores persisted items and starts admission.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.storage.Reconcile(ctx); err != nil {
		return fmt.Errorf("initial storage reconcile: %w", err)
	}
	if err := m.restore(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.runCleanupLocked()
	m.scheduleLocked()
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(admissionTick)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.mu.Lock()
				m.scheduleLocked()
				m.mu.Unlock()
			}
		}
	}()
	return nil
}

func (m *Manager) restore(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	items, err := m.repo.ListDownloads(ctx)
	if err != nil {
		return fmt.Errorf("load persisted downloads: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })

	m.mu.Lock()
	defer m.mu.Unlock()
	requeued := 0
	for _, it := range items {
		e := &entry{item: *it, seq: m.nextSeq()}
		e.item.DownloadSpeed = 0
		e.item.NextAttemptAt = nil
		e.item.WaitingForStorage = false
		if e.item.Status == models.StatusDownloading {
			e.item.Status = models.StatusPending
			requeued++
		}
		if m.settings.ResumeMode == models.ResumeRestart && e.item.Status != models.StatusCompleted {
			m.forgetPartialLocked(e)
			e.item.DownloadedSize = 0
		}
		m.entries[e.item.ID] = e
		if e.item.Status == models.StatusPending {
			m.sched.push(e)
		}
		m.persistLocked(e)
	}
	if len(items) > 0 {
		log.Printf("Restored %d downloads (%d re-queued after restart)", len(items), requeued)
	}
	return nil
}

// Close aborts running transfers and releases subscribers. Items that were
// downloading stay persisted as such and are re-queued by the next Start.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, e := range m.entries {
		if e.retryTimer != nil {
			e.retryTimer.Stop()
		}
	}
	m.cancel(errShutdown)
	m.mu.Unlock()

	m.wg.Wait()
	m.events.closeAll()
}

// Subscribe returns an ordered stream of events and a function that ends the
// subscription. Events are never dropped; a subscriber that stops reading
// must unsubscribe.
func (m *Manager) Subscribe() (<-chan models.Event, func()) {
	return m.events.subscribe()
}

// Enqueue validates and admits a new request into the pending sequence.
func (m *Manager) Enqueue(ctx context.Context, req Request) (models.DownloadItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return models.DownloadItem{}, errShutdown
	}

	item, err := m.newItemLocked(req)
	if err != nil {
		return models.DownloadItem{}, err
	}
	e := &entry{item: item, seq: m.nextSeq()}
	m.entries[item.ID] = e
	m.sched.push(e)
	m.persistLocked(e)
	m.emitStatusLocked(e, "")
	log.Printf("Queued %s %q (%s, %s)", item.ContentType, item.Title, item.Quality, item.ID)

	m.scheduleLocked()
	return e.item, nil
}

func (m *Manager) newItemLocked(req Request) (models.DownloadItem, error) {
	if req.ContentID == "" {
		return models.DownloadItem{}, fmt.Errorf("%w: content id is required", ErrInvalidRequest)
	}
	if !req.ContentType.Valid() {
		return models.DownloadItem{}, fmt.Errorf("%w: unknown content type %q", ErrInvalidRequest, req.ContentType)
	}
	quality := req.Quality
	if quality == "" {
		quality = m.settings.DefaultQuality
	}
	if !quality.Valid() {
		return models.DownloadItem{}, fmt.Errorf("%w: unknown quality %q", ErrInvalidRequest, req.Quality)
	}
	if quality.Rank() > m.settings.MaxQuality.Rank() {
		return models.DownloadItem{}, fmt.Errorf("%w: quality %s exceeds the allowed maximum %s", ErrInvalidRequest, quality, m.settings.MaxQuality)
	}
	if !models.RatingAllowed(req.ParentalRating, m.settings.MaxParentalRating) {
		return models.DownloadItem{}, fmt.Errorf("%w: rating %s is blocked by parental controls", ErrInvalidRequest, req.ParentalRating)
	}
	if req.FileSize < 0 {
		return models.DownloadItem{}, fmt.Errorf("%w: negative file size", ErrInvalidRequest)
	}
	now := m.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return models.DownloadItem{}, fmt.Errorf("%w: license already expired", ErrInvalidRequest)
	}
	sourceID := req.SourceID
	if sourceID == "" {
		sourceID = m.settings.DefaultSourceID
	}
	if _, ok := m.sources.Get(sourceID); !ok {
		return models.DownloadItem{}, fmt.Errorf("%w: source %q not found", ErrInvalidRequest, sourceID)
	}
	for _, e := range m.entries {
		if e.item.ContentID == req.ContentID && e.item.Quality == quality &&
			e.item.Status != models.StatusFailed && e.item.Status != models.StatusCancelled {
			return models.DownloadItem{}, fmt.Errorf("%w: %s at %s is already %s as %s", ErrInvalidState, req.ContentID, quality, e.item.Status, e.item.ID)
		}
	}
	maxRetries := m.settings.MaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return models.DownloadItem{}, fmt.Errorf("%w: negative max retries", ErrInvalidRequest)
		}
		maxRetries = *req.MaxRetries
	}
	title := req.Title
	if title == "" {
		title = req.ContentID
	}
	return models.DownloadItem{
		ID:                   uuid.NewString(),
		ContentID:            req.ContentID,
		SourceID:             sourceID,
		Title:                title,
		Thumbnail:            req.Thumbnail,
		ContentType:          req.ContentType,
		Quality:              quality,
		FileSize:             req.FileSize,
		Status:               models.StatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
		ExpiresAt:            req.ExpiresAt,
		MaxRetries:           maxRetries,
		IsBackgroundDownload: req.Background,
		ParentalRating:       req.ParentalRating,
		Priority:             req.Priority,
	}, nil
}

// Pause stops a pending or downloading item. Pausing a paused item is a no-op.
func (m *Manager) Pause(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	prev := e.item.Status
	switch prev {
	case models.StatusPaused:
		return nil
	case models.StatusPending:
		m.sched.removePending(id)
		m.stopRetryLocked(e)
	case models.StatusDownloading:
		m.abortLocked(e, ErrDownloadPaused)
		if m.settings.ResumeMode == models.ResumeRestart {
			m.forgetPartialLocked(e)
			e.item.DownloadedSize = 0
		}
	default:
		return fmt.Errorf("%w: cannot pause a %s download", ErrInvalidState, prev)
	}
	e.item.WaitingForStorage = false
	e.item.NextAttemptAt = nil
	m.transitionLocked(e, models.StatusPaused)
	m.scheduleLocked()
	return nil
}

// Resume moves a paused item back into the pending sequence. Resuming an
// item that is already pending or downloading is a no-op.
func (m *Manager) Resume(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	switch e.item.Status {
	case models.StatusPending, models.StatusDownloading:
		return nil
	case models.StatusPaused:
	default:
		return fmt.Errorf("%w: cannot resume a %s download, use retry", ErrInvalidState, e.item.Status)
	}
	m.sched.push(e)
	m.transitionLocked(e, models.StatusPending)
	m.scheduleLocked()
	return nil
}

// Cancel stops an item for good. The record is kept until deleted.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	switch e.item.Status {
	case models.StatusCancelled:
		return nil
	case models.StatusCompleted:
		return fmt.Errorf("%w: cannot cancel a completed download, delete it instead", ErrInvalidState)
	case models.StatusDownloading:
		// The partial file is removed when the aborted attempt reports back.
		m.abortLocked(e, ErrDownloadCancelled)
		m.forgetPartialLocked(e)
	case models.StatusPending:
		m.sched.removePending(id)
		m.stopRetryLocked(e)
		m.removePartialLocked(e)
	default:
		m.removePartialLocked(e)
	}
	e.item.DownloadedSize = 0
	e.item.WaitingForStorage = false
	e.item.NextAttemptAt = nil
	m.transitionLocked(e, models.StatusCancelled)
	m.scheduleLocked()
	return nil
}

// Retry re-queues a failed or cancelled item with a fresh retry budget.
func (m *Manager) Retry(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	switch e.item.Status {
	case models.StatusFailed, models.StatusCancelled:
	default:
		return fmt.Errorf("%w: cannot retry a %s download", ErrInvalidState, e.item.Status)
	}
	if e.item.Status == models.StatusCancelled || m.settings.ResumeMode == models.ResumeRestart {
		e.item.DownloadedSize = 0
	}
	e.item.RetryCount = 0
	e.item.ErrorMessage = ""
	e.item.NextAttemptAt = nil
	m.sched.push(e)
	m.transitionLocked(e, models.StatusPending)
	m.scheduleLocked()
	return nil
}

// Delete removes a completed, cancelled or failed item and its file.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	if !e.item.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot delete a %s download, cancel it first", ErrInvalidState, e.item.Status)
	}
	if e.item.Status == models.StatusCompleted {
		if err := removeIfExists(e.item.FilePath); err != nil {
			return fmt.Errorf("delete download file: %w", err)
		}
		m.storage.Forget(e.item.FileSize)
	} else {
		m.removePartialLocked(e)
	}
	m.dropLocked(e, models.EventDeleted)
	m.scheduleLocked()
	return nil
}

// PauseAll pauses every pending and downloading item.
func (m *Manager) PauseAll(ctx context.Context) int {
	return m.bulk(ctx, func(s models.Status) bool {
		return s == models.StatusPending || s == models.StatusDownloading
	}, m.Pause)
}

// ResumeAll resumes every paused item.
func (m *Manager) ResumeAll(ctx context.Context) int {
	return m.bulk(ctx, func(s models.Status) bool { return s == models.StatusPaused }, m.Resume)
}

// RetryFailed retries every failed item.
func (m *Manager) RetryFailed(ctx context.Context) int {
	return m.bulk(ctx, func(s models.Status) bool { return s == models.StatusFailed }, m.Retry)
}

// DeleteCompleted deletes every completed item and its file.
func (m *Manager) DeleteCompleted(ctx context.Context) int {
	return m.bulk(ctx, func(s models.Status) bool { return s == models.StatusCompleted }, m.Delete)
}

func (m *Manager) bulk(ctx context.Context, match func(models.Status) bool, op func(context.Context, string) error) int {
	m.mu.Lock()
	var ids []string
	for id, e := range m.entries {
		if match(e.item.Status) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, id := range ids {
		if err := op(ctx, id); err != nil {
			log.Printf("Bulk action skipped %s: %v", id, err)
			continue
		}
		n++
	}
	return n
}

// Get returns a snapshot of one item.
func (m *Manager) Get(id string) (models.DownloadItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookupLocked(id)
	if err != nil {
		return models.DownloadItem{}, err
	}
	return e.item, nil
}

// GetQueue returns a read-only snapshot of the four-way partition.
func (m *Manager) GetQueue() models.DownloadQueue {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := models.DownloadQueue{
		Active:    []models.DownloadItem{},
		Pending:   []models.DownloadItem{},
		Completed: []models.DownloadItem{},
		Failed:    []models.DownloadItem{},
	}
	for _, e := range m.sched.pending {
		q.Pending = append(q.Pending, e.item)
	}
	var paused []models.DownloadItem
	for _, e := range m.entries {
		switch e.item.Status {
		case models.StatusDownloading:
			q.Active = append(q.Active, e.item)
		case models.StatusPaused:
			paused = append(paused, e.item)
		case models.StatusCompleted:
			q.Completed = append(q.Completed, e.item)
		case models.StatusFailed, models.StatusCancelled:
			q.Failed = append(q.Failed, e.item)
		}
	}
	byCreated := func(s []models.DownloadItem) {
		sort.SliceStable(s, func(i, j int) bool { return s[i].CreatedAt.Before(s[j].CreatedAt) })
	}
	byUpdated := func(s []models.DownloadItem) {
		sort.SliceStable(s, func(i, j int) bool { return s[i].UpdatedAt.Before(s[j].UpdatedAt) })
	}
	byCreated(q.Active)
	byCreated(paused)
	byUpdated(q.Completed)
	byUpdated(q.Failed)
	q.Pending = append(q.Pending, paused...)
	return q
}

// GetStorageInfo returns the storage accountant's snapshot.
func (m *Manager) GetStorageInfo() models.StorageInfo {
	return m.storage.Info()
}

// Settings returns the current settings.
func (m *Manager) Settings() models.DownloadSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// SetConcurrency changes K. Running transfers above a lowered K finish
// normally; no new admissions happen until the active count drops below K.
func (m *Manager) SetConcurrency(k int) error {
	if k < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", ErrInvalidRequest, k)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings.MaxConcurrent = k
	m.sched.limit = k
	log.Printf("Download concurrency set to %d", k)
	m.scheduleLocked()
	return nil
}

// SetCleanupPolicy replaces the cleanup policy and applies it immediately.
func (m *Manager) SetCleanupPolicy(p models.CleanupPolicy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings.Cleanup = p
	m.storage.SetPolicy(p)
	m.runCleanupLocked()
	m.scheduleLocked()
	return nil
}

// NetworkChanged re-runs admission after the connection type changed.
func (m *Manager) NetworkChanged() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleLocked()
}

// Reconcile refreshes storage numbers from the filesystem, then applies the
// cleanup policy and re-runs admission with the corrected numbers.
func (m *Manager) Reconcile(ctx context.Context) error {
	if err := m.storage.Reconcile(ctx); err != nil {
		return err
	}
	info := m.storage.Info()
	metrics.SetStorage(info.UsedSpace, info.DownloadsSpace)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropMissingFilesLocked()
	m.runCleanupLocked()
	m.scheduleLocked()
	return nil
}

// RunCleanup evicts completed downloads if the cleanup threshold is reached.
func (m *Manager) RunCleanup(ctx context.Context) []models.DownloadItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := m.runCleanupLocked()
	m.scheduleLocked()
	return evicted
}

// PurgeExpired removes completed downloads whose offline license has
// expired. Their files are deleted and an evicted event is emitted.
func (m *Manager) PurgeExpired(ctx context.Context) []models.DownloadItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var purged []models.DownloadItem
	for _, e := range m.entries {
		if e.item.Status != models.StatusCompleted || e.item.ExpiresAt == nil || e.item.ExpiresAt.After(now) {
			continue
		}
		if err := removeIfExists(e.item.FilePath); err != nil {
			log.Printf("Could not remove expired download %s: %v", e.item.FilePath, err)
			continue
		}
		m.storage.Forget(e.item.FileSize)
		m.dropLocked(e, models.EventEvicted)
		purged = append(purged, e.item)
		log.Printf("Removed %q, its license expired at %s", e.item.Title, e.item.ExpiresAt.Format(time.RFC3339))
	}
	if len(purged) > 0 {
		m.scheduleLocked()
	}
	return purged
}

// dropMissingFilesLocked marks completed items whose file vanished from disk
// as failed so the UI can offer a re-download.
func (m *Manager) dropMissingFilesLocked() {
	for _, e := range m.entries {
		if e.item.Status != models.StatusCompleted || e.item.FilePath == "" {
			continue
		}
		if _, err := os.Stat(e.item.FilePath); os.IsNotExist(err) {
			log.Printf("Completed download %s is missing its file %s", e.item.ID, e.item.FilePath)
			e.item.FilePath = ""
			e.item.DownloadedSize = 0
			e.item.ErrorMessage = "downloaded file was removed from the device"
			m.transitionLocked(e, models.StatusFailed)
		}
	}
}

func (m *Manager) runCleanupLocked() []models.DownloadItem {
	if !m.storage.NeedsCleanup() {
		return nil
	}
	var completed []models.DownloadItem
	for _, e := range m.entries {
		if e.item.Status == models.StatusCompleted {
			completed = append(completed, e.item)
		}
	}
	plan := m.storage.PlanEviction(completed)
	var evicted []models.DownloadItem
	for _, it := range plan {
		e := m.entries[it.ID]
		if err := removeIfExists(e.item.FilePath); err != nil {
			log.Printf("Cleanup could not remove %s: %v", e.item.FilePath, err)
			continue
		}
		m.storage.Forget(e.item.FileSize)
		m.dropLocked(e, models.EventEvicted)
		metrics.IncEviction()
		evicted = append(evicted, e.item)
		log.Printf("Evicted %q (%d bytes) to free space", e.item.Title, e.item.FileSize)
	}
	if len(evicted) > 0 {
		info := m.storage.Info()
		log.Printf("Cleanup removed %d downloads, storage now %.1f%% used", len(evicted), info.UsedPercent())
	}
	return evicted
}

func (m *Manager) lookupLocked(id string) (*entry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (m *Manager) nextSeq() uint64 {
	m.seq++
	return m.seq
}

// scheduleLocked fills the active set up to K from the pending sequence.
func (m *Manager) scheduleLocked() {
	if m.closed {
		return
	}
	m.sched.admit(m.gateLocked, m.startLocked, m.heldLocked)
	metrics.SetQueueDepth(len(m.sched.active), len(m.sched.pending))
}

func (m *Manager) gateLocked(e *entry) holdReason {
	now := m.now()
	if e.item.NextAttemptAt != nil && now.Before(*e.item.NextAttemptAt) {
		return holdBackoff
	}
	if m.settings.WiFiOnly && m.network != nil && !m.network.OnWiFi() {
		return holdNetwork
	}
	if e.item.IsBackgroundDownload && !m.settings.Schedule.Contains(now) {
		return holdSchedule
	}
	need := int64(0)
	if e.item.FileSize > 0 {
		need = e.item.FileSize - e.item.DownloadedSize
	}
	if !m.storage.Reserve(need) {
		return holdStorage
	}
	e.reserved = need
	return holdNone
}

func (m *Manager) heldLocked(e *entry, reason holdReason) {
	if reason != holdStorage || e.item.WaitingForStorage {
		return
	}
	e.item.WaitingForStorage = true
	e.item.UpdatedAt = m.now()
	m.persistLocked(e)
	need := e.item.FileSize - e.item.DownloadedSize
	msg := fmt.Sprintf("%v: need %d bytes, %d available", ErrInsufficientStorage, need, m.storage.ProjectedAvailable())
	m.emitLocked(models.Event{Kind: models.EventStorageHold, ItemID: e.item.ID, NewStatus: e.item.Status, Message: msg}, e)
	metrics.IncStorageHold()
	log.Printf("Holding %s until space frees up: %s", e.item.ID, msg)
}

func (m *Manager) startLocked(e *entry) {
	src, _ := m.sources.Get(e.item.SourceID)

	e.attempt++
	attempt := e.attempt
	ctx, cancel := context.WithCancelCause(m.ctx)
	e.cancel = cancel
	prevDone := e.done
	done := make(chan struct{})
	e.done = done

	e.item.WaitingForStorage = false
	e.item.NextAttemptAt = nil
	e.item.ErrorMessage = ""
	m.transitionLocked(e, models.StatusDownloading)

	id, sourceID := e.item.ID, e.item.SourceID
	job := transferJob{
		ItemID:           id,
		ContentID:        e.item.ContentID,
		ContentType:      e.item.ContentType,
		Quality:          e.item.Quality,
		Offset:           e.item.DownloadedSize,
		PartPath:         m.partPath(id),
		FinalPath:        m.finalPathFunc(e.item),
		ResumeMode:       m.settings.ResumeMode,
		StallTimeout:     m.settings.StallTimeout,
		ProgressInterval: m.settings.ProgressInterval,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		if prevDone != nil {
			<-prevDone
		}
		var (
			res *transferResult
			err error
		)
		if src == nil {
			err = Permanent(fmt.Errorf("source %q is not registered", sourceID))
		} else {
			res, err = runTransfer(ctx, src, job, transferHooks{
				OnStart: func(offset, total int64) error {
					return m.onTransferStart(id, attempt, offset, total)
				},
				OnProgress: func(downloaded int64, speed float64) {
					m.onTransferProgress(id, attempt, downloaded, speed)
				},
			})
		}
		m.onTransferFinish(id, attempt, res, err)
	}()
}

func (m *Manager) partPath(id string) string {
	return filepath.Join(m.dir, id+partialSuffix)
}

func (m *Manager) finalPathFunc(item models.DownloadItem) func(string) string {
	short := item.ID
	if len(short) > 8 {
		short = short[:8]
	}
	base := SanitizeFilename(fmt.Sprintf("%s - %s - %s", item.Title, item.Quality, short))
	return func(ext string) string { return filepath.Join(m.dir, base+ext) }
}

func (m *Manager) activeEntryLocked(id string, attempt uint64) *entry {
	e, ok := m.entries[id]
	if !ok || m.closed || e.attempt != attempt || e.item.Status != models.StatusDownloading {
		return nil
	}
	return e
}

func (m *Manager) onTransferStart(id string, attempt uint64, offset, total int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.activeEntryLocked(id, attempt)
	if e == nil {
		return context.Canceled
	}
	e.item.DownloadedSize = offset
	if total > 0 {
		need := total - offset
		if delta := need - e.reserved; delta > 0 {
			if !m.storage.Reserve(delta) {
				e.item.FileSize = total
				return fmt.Errorf("%w: asset is %d bytes", ErrInsufficientStorage, total)
			}
		} else if delta < 0 {
			m.storage.Release(-delta)
		}
		e.reserved = need
		e.item.FileSize = total
	} else if e.item.FileSize > 0 {
		// The stream does not confirm the estimate, so the size is unknown
		// and bytes are tracked as they land.
		m.storage.Release(e.reserved)
		e.reserved = 0
		e.item.FileSize = 0
	}
	e.item.UpdatedAt = m.now()
	m.persistLocked(e)
	return nil
}

func (m *Manager) onTransferProgress(id string, attempt uint64, downloaded int64, speed float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.activeEntryLocked(id, attempt)
	if e == nil {
		return
	}
	m.accountWrittenLocked(e, downloaded)
	e.item.DownloadedSize = downloaded
	e.item.DownloadSpeed = speed
	e.item.UpdatedAt = m.now()
	m.persistLocked(e)
	m.emitLocked(models.Event{Kind: models.EventProgress, ItemID: id, PreviousStatus: e.item.Status, NewStatus: e.item.Status}, e)
}

func (m *Manager) onTransferFinish(id string, attempt uint64, res *transferResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.activeEntryLocked(id, attempt)
	if e == nil {
		m.cleanupAbandonedLocked(id, res)
		return
	}
	m.sched.deactivate(id)
	e.cancel = nil
	e.item.DownloadSpeed = 0

	switch {
	case err == nil:
		m.completeLocked(e, res)
	case errors.Is(err, ErrInsufficientStorage):
		m.storage.Release(e.reserved)
		e.reserved = 0
		e.item.WaitingForStorage = true
		m.sched.push(e)
		m.transitionLocked(e, models.StatusPending)
		msg := err.Error()
		m.emitLocked(models.Event{Kind: models.EventStorageHold, ItemID: id, NewStatus: e.item.Status, Message: msg}, e)
		metrics.IncStorageHold()
		log.Printf("Holding %s until space frees up: %s", id, msg)
	default:
		m.failLocked(e, err)
	}
	m.scheduleLocked()
}

// cleanupAbandonedLocked removes files left by an attempt that was paused,
// cancelled or deleted while it was still running.
func (m *Manager) cleanupAbandonedLocked(id string, res *transferResult) {
	if res != nil {
		if err := removeIfExists(res.Path); err != nil {
			log.Printf("Could not remove abandoned file %s: %v", res.Path, err)
		}
	}
	e, ok := m.entries[id]
	if m.closed {
		return
	}
	if !ok || e.item.Status == models.StatusCancelled ||
		(e.item.Status == models.StatusPaused && m.settings.ResumeMode == models.ResumeRestart) {
		if err := removeIfExists(m.partPath(id)); err != nil {
			log.Printf("Could not remove partial file for %s: %v", id, err)
		}
	}
}

func (m *Manager) completeLocked(e *entry, res *transferResult) {
	size := res.Size
	m.accountWrittenLocked(e, size)
	m.storage.Release(e.reserved)
	e.reserved = 0
	e.item.FileSize = size
	e.item.DownloadedSize = size
	e.item.FilePath = res.Path
	e.item.Checksum = res.Checksum
	e.item.ErrorMessage = ""
	m.transitionLocked(e, models.StatusCompleted)
	metrics.AddBytes(size)
	log.Printf("Download finished: %q -> %s", e.item.Title, res.Path)
	m.runCleanupLocked()
}

func (m *Manager) failLocked(e *entry, err error) {
	m.storage.Release(e.reserved)
	e.reserved = 0
	if m.settings.ResumeMode == models.ResumeRestart {
		m.forgetPartialLocked(e)
		e.item.DownloadedSize = 0
	}

	if m.retry.ShouldRetry(e.item, err) {
		delay := m.retry.NextDelay(e.item.RetryCount)
		e.item.RetryCount++
		next := m.now().Add(delay)
		e.item.NextAttemptAt = &next
		m.sched.push(e)
		m.transitionLocked(e, models.StatusPending)
		m.emitLocked(models.Event{
			Kind:       models.EventRetry,
			ItemID:     e.item.ID,
			NewStatus:  e.item.Status,
			RetryDelay: delay,
			Message:    err.Error(),
		}, e)
		metrics.IncRetry()
		log.Printf("Transfer of %s failed (%v), retry %d/%d in %s", e.item.ID, err, e.item.RetryCount, e.item.MaxRetries, delay)

		attempt := e.attempt
		e.retryTimer = time.AfterFunc(delay, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if cur, ok := m.entries[e.item.ID]; !ok || cur.attempt != attempt || cur.item.Status != models.StatusPending {
				return
			}
			e.retryTimer = nil
			e.item.NextAttemptAt = nil
			m.scheduleLocked()
		})
		return
	}

	e.item.ErrorMessage = err.Error()
	m.transitionLocked(e, models.StatusFailed)
	log.Printf("Download failed: %q: %v", e.item.Title, err)
}

// abortLocked cancels the running attempt of e and frees its capacity and reservation.
func (m *Manager) abortLocked(e *entry, cause error) {
	if e.cancel != nil {
		e.cancel(cause)
		e.cancel = nil
	}
	e.attempt++
	m.sched.deactivate(e.item.ID)
	m.storage.Release(e.reserved)
	e.reserved = 0
	e.item.DownloadSpeed = 0
}

func (m *Manager) stopRetryLocked(e *entry) {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

// accountWrittenLocked moves bytes that reached the disk since the last
// report out of the reservation and into used space. Bytes beyond the
// reservation are tracked as they land.
func (m *Manager) accountWrittenLocked(e *entry, downloaded int64) {
	delta := downloaded - e.item.DownloadedSize
	if delta <= 0 {
		return
	}
	covered := min(delta, e.reserved)
	m.storage.Commit(covered)
	m.storage.Track(delta - covered)
	e.reserved -= covered
}

// forgetPartialLocked drops the accounted bytes of e's partial file. Bytes
// written after the last progress report were never counted, so the
// smaller of the file size and DownloadedSize is what leaves used space.
func (m *Manager) forgetPartialLocked(e *entry) {
	info, err := os.Stat(m.partPath(e.item.ID))
	if err != nil {
		return
	}
	m.storage.Forget(min(info.Size(), e.item.DownloadedSize))
}

func (m *Manager) removePartialLocked(e *entry) {
	m.forgetPartialLocked(e)
	if err := removeIfExists(m.partPath(e.item.ID)); err != nil {
		log.Printf("Could not remove partial file for %s: %v", e.item.ID, err)
	}
}

func (m *Manager) transitionLocked(e *entry, to models.Status) {
	prev := e.item.Status
	e.item.Status = to
	e.item.UpdatedAt = m.now()
	m.persistLocked(e)
	m.emitStatusLocked(e, prev)
	metrics.IncTransition(string(to))
}

func (m *Manager) dropLocked(e *entry, kind models.EventKind) {
	m.stopRetryLocked(e)
	m.sched.removePending(e.item.ID)
	delete(m.entries, e.item.ID)
	if m.repo != nil {
		if err := m.repo.DeleteDownload(context.Background(), e.item.ID); err != nil {
			log.Printf("Failed to delete download %s from store: %v", e.item.ID, err)
		}
	}
	m.emitLocked(models.Event{Kind: kind, ItemID: e.item.ID, PreviousStatus: e.item.Status, NewStatus: e.item.Status}, e)
}

func (m *Manager) emitStatusLocked(e *entry, prev models.Status) {
	m.emitLocked(models.Event{Kind: models.EventStatus, ItemID: e.item.ID, PreviousStatus: prev, NewStatus: e.item.Status}, e)
}

func (m *Manager) emitLocked(ev models.Event, e *entry) {
	ev.Item = e.item
	ev.Time = m.now()
	m.events.publish(ev)
}

func (m *Manager) persistLocked(e *entry) {
	if m.repo == nil {
		return
	}
	item := e.item
	if err := m.repo.SaveDownload(context.Background(), &item); err != nil {
		log.Printf("Failed to persist download %s: %v", e.item.ID, err)
	}
}

func removeIfExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
