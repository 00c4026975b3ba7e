package downloader

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/vrsandeep/streamdl/internal/models"
)

const (
	copyBufferSize   = 32 << 10
	speedWindowSize  = 5
	defaultExtension = ".mp4"
)

// transferJob is everything a Transfer Unit needs to know about one attempt.
type transferJob struct {
	ItemID      string
	ContentID   string
	ContentType models.ContentType
	Quality     models.Quality
	// Offset is the number of bytes the item already has on disk.
	Offset           int64
	PartPath         string
	FinalPath        func(ext string) string
	ResumeMode       models.ResumeMode
	StallTimeout     time.Duration
	ProgressInterval time.Duration
}

// transferHooks are the only way a transfer talks back to the manager.
type transferHooks struct {
	// OnStart reports the effective starting offset and the total size once
	// the stream is open. Returning an error aborts the attempt.
	OnStart func(offset, total int64) error
	// OnProgress reports cumulative bytes and the smoothed speed. Calls are
	// throttled to one per ProgressInterval.
	OnProgress func(downloaded int64, speed float64)
}

type transferResult struct {
	Path string
	Size int64
	// Checksum is set when the source advertised one and it matched.
	Checksum string
}

// runTransfer drives the byte transfer of one attempt. It returns when the
// stream is exhausted, an error occurs, or ctx is cancelled. The cause of a
// cancellation is available through context.Cause.
func runTransfer(ctx context.Context, src models.Source, job transferJob, hooks transferHooks) (*transferResult, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	offset, err := preparePartial(job)
	if err != nil {
		return nil, Permanent(err)
	}

	stream, err := src.Open(ctx, models.StreamRequest{
		ContentID:   job.ContentID,
		ContentType: job.ContentType,
		Quality:     job.Quality,
		Offset:      offset,
	})
	if err != nil {
		return nil, abortReason(ctx, err)
	}
	defer stream.Body.Close()

	if stream.Offset != offset {
		if offset > 0 {
			log.Printf("Source ignored range request for %s, restarting from byte 0", job.ItemID)
		}
		offset = 0
	}

	file, err := openPartial(job.PartPath, offset)
	if err != nil {
		return nil, Permanent(err)
	}
	defer file.Close()

	total := stream.TotalSize
	if hooks.OnStart != nil {
		if err := hooks.OnStart(offset, total); err != nil {
			return nil, err
		}
	}

	var hasher hash.Hash
	if stream.Checksum != "" {
		hasher, err = blake2b.New256(nil)
		if err != nil {
			return nil, Permanent(err)
		}
		if offset > 0 {
			if err := hashPrefix(hasher, job.PartPath, offset); err != nil {
				return nil, Permanent(err)
			}
		}
	}

	kick := make(chan struct{}, 1)
	if job.StallTimeout > 0 {
		go watchStall(ctx, cancel, kick, job.StallTimeout)
	}

	meter := newSpeedMeter(speedWindowSize)
	downloaded := offset
	meter.add(time.Now(), downloaded)
	lastReport := time.Time{}
	report := func(force bool) {
		now := time.Now()
		if !force && now.Sub(lastReport) < job.ProgressInterval {
			return
		}
		lastReport = now
		if hooks.OnProgress != nil {
			hooks.OnProgress(downloaded, meter.rate())
		}
	}
	report(true)

	buf := make([]byte, copyBufferSize)
	for {
		n, readErr := stream.Body.Read(buf)
		if n > 0 {
			if total > 0 && downloaded+int64(n) > total {
				return nil, Permanent(fmt.Errorf("source sent more than the advertised %d bytes", total))
			}
			if _, err := file.Write(buf[:n]); err != nil {
				if isDiskFull(err) {
					return nil, Permanent(fmt.Errorf("%w: %v", ErrQuotaExceeded, err))
				}
				return nil, Permanent(fmt.Errorf("write partial file: %w", err))
			}
			if hasher != nil {
				hasher.Write(buf[:n])
			}
			downloaded += int64(n)
			meter.add(time.Now(), downloaded)
			select {
			case kick <- struct{}{}:
			default:
			}
			report(false)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, abortReason(ctx, readErr)
		}
		if err := ctx.Err(); err != nil {
			return nil, abortReason(ctx, err)
		}
	}
	report(true)

	if total > 0 && downloaded < total {
		return nil, Transient(fmt.Errorf("stream ended at %d of %d bytes: %w", downloaded, total, io.ErrUnexpectedEOF))
	}
	var sum string
	if hasher != nil {
		sum = hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(sum, stream.Checksum) {
			return nil, Permanent(fmt.Errorf("corrupt asset: checksum %s does not match %s", sum, stream.Checksum))
		}
	}
	if err := file.Sync(); err != nil {
		return nil, Permanent(fmt.Errorf("sync partial file: %w", err))
	}
	if err := file.Close(); err != nil {
		return nil, Permanent(fmt.Errorf("close partial file: %w", err))
	}

	ext := stream.Extension
	if ext == "" {
		ext = defaultExtension
	}
	finalPath := job.FinalPath(ext)
	if err := os.Rename(job.PartPath, finalPath); err != nil {
		return nil, Permanent(fmt.Errorf("move completed file: %w", err))
	}
	return &transferResult{Path: finalPath, Size: downloaded, Checksum: sum}, nil
}

// abortReason prefers the context cancellation cause over the raw I/O error
// it produced, and classifies stalls as transient.
func abortReason(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		if errors.Is(cause, ErrStalled) {
			return Transient(cause)
		}
		return cause
	}
	return err
}

// preparePartial returns the offset to resume from, truncating or removing
// partial data that cannot be trusted.
func preparePartial(job transferJob) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(job.PartPath), 0o755); err != nil {
		return 0, fmt.Errorf("create downloads directory: %w", err)
	}
	if job.ResumeMode != models.ResumeFromOffset || job.Offset <= 0 {
		if err := os.Remove(job.PartPath); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("remove stale partial file: %w", err)
		}
		return 0, nil
	}
	info, err := os.Stat(job.PartPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat partial file: %w", err)
	}
	offset := job.Offset
	if info.Size() < offset {
		offset = info.Size()
	}
	return offset, nil
}

func openPartial(path string, offset int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open partial file: %w", err)
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate partial file: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek partial file: %w", err)
	}
	return f, nil
}

func hashPrefix(h hash.Hash, path string, n int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open partial file for checksum: %w", err)
	}
	defer f.Close()
	if _, err := io.CopyN(h, f, n); err != nil {
		return fmt.Errorf("hash partial file: %w", err)
	}
	return nil
}

// watchStall cancels the transfer when no kick arrives within timeout.
func watchStall(ctx context.Context, cancel context.CancelCauseFunc, kick <-chan struct{}, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
			timer.Reset(timeout)
		case <-timer.C:
			cancel(fmt.Errorf("%w: no data for %s", ErrStalled, timeout))
			return
		}
	}
}

type speedSample struct {
	at    time.Time
	bytes int64
}

// speedMeter computes bytes/sec over the last few samples to smooth jitter.
type speedMeter struct {
	samples []speedSample
	size    int
}

func newSpeedMeter(size int) *speedMeter {
	return &speedMeter{size: size}
}

func (m *speedMeter) add(at time.Time, bytes int64) {
	m.samples = append(m.samples, speedSample{at: at, bytes: bytes})
	if len(m.samples) > m.size {
		m.samples = m.samples[len(m.samples)-m.size:]
	}
}

func (m *speedMeter) rate() float64 {
	if len(m.samples) < 2 {
		return 0
	}
	first, last := m.samples[0], m.samples[len(m.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.bytes-first.bytes) / elapsed
}

var unsafeFilenameChars = regexp.MustCompile(`[\x00\\/:*?"<>|]`)

// SanitizeFilename makes s safe to use as a single path element.
func SanitizeFilename(s string) string {
	safe := unsafeFilenameChars.ReplaceAllString(s, "-")
	for strings.HasPrefix(safe, ".") || strings.HasPrefix(safe, "-") {
		safe = safe[1:]
	}
	safe = strings.TrimSpace(safe)
	if safe == "" {
		safe = "untitled"
	}
	return safe
}
