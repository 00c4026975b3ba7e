// A mock stream source for development and testing purposes. It serves
// deterministic bytes for any content id without making network calls, and
// can be told to fail, block or misbehave per asset.
package mockstream

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/vrsandeep/streamdl/internal/downloader"
	"github.com/vrsandeep/streamdl/internal/models"
)

const (
	ID = "mockstream"
	// DefaultSize is the SD asset size for content without an explicit asset.
	DefaultSize int64 = 256 << 10
	chunkSize         = 8 << 10
)

// Asset overrides how one content id is served.
type Asset struct {
	Size int64
	// UnknownSize hides the total size from the stream.
	UnknownSize bool
	// WithChecksum advertises the BLAKE2b-256 of the content.
	WithChecksum bool
	// CorruptChecksum advertises a checksum that never matches.
	CorruptChecksum bool
	// IgnoreRange makes every open start from byte 0.
	IgnoreRange bool
	// Failures is how many opens still fail with a transient error after
	// FailAfter bytes of the response.
	Failures  int
	FailAfter int64
	// OpenErr is returned by every Open.
	OpenErr error
	// Gate, when set, blocks reads at GateAt until it is closed.
	Gate   chan struct{}
	GateAt int64
	// ChunkDelay slows every read.
	ChunkDelay time.Duration
	Extension  string
}

// Source serves generated content.
type Source struct {
	mu     sync.Mutex
	assets map[string]*Asset
	opens  map[string][]int64
}

func New() *Source {
	return &Source{assets: make(map[string]*Asset), opens: make(map[string][]int64)}
}

func (s *Source) GetInfo() models.SourceInfo {
	return models.SourceInfo{ID: ID, Name: "Mock Stream"}
}

// SetAsset configures how contentID is served.
func (s *Source) SetAsset(contentID string, a Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[contentID] = &a
}

// Opens returns the requested offsets of every Open of contentID so far.
func (s *Source) Opens(contentID string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.opens[contentID]...)
}

// SizeFor is the generated size of content at a quality when no asset overrides it.
func SizeFor(q models.Quality) int64 {
	switch q {
	case models.QualityAudioOnly:
		return DefaultSize / 4
	case models.QualityHD:
		return DefaultSize * 2
	case models.Quality4K:
		return DefaultSize * 4
	default:
		return DefaultSize
	}
}

// Content returns the bytes served for contentID, for comparisons in tests.
func Content(contentID string, size int64) []byte {
	out := make([]byte, size)
	fill(out, seed(contentID), 0)
	return out
}

// Checksum returns the hex BLAKE2b-256 of Content(contentID, size).
func Checksum(contentID string, size int64) string {
	sum := blake2b.Sum256(Content(contentID, size))
	return hex.EncodeToString(sum[:])
}

func (s *Source) Open(ctx context.Context, req models.StreamRequest) (*models.Stream, error) {
	s.mu.Lock()
	s.opens[req.ContentID] = append(s.opens[req.ContentID], req.Offset)
	a := Asset{Size: SizeFor(req.Quality)}
	if cfg, ok := s.assets[req.ContentID]; ok {
		a = *cfg
		if a.Size == 0 {
			a.Size = SizeFor(req.Quality)
		}
	}
	failing := false
	if cfg, ok := s.assets[req.ContentID]; ok && cfg.Failures > 0 {
		cfg.Failures--
		failing = true
	}
	s.mu.Unlock()

	if a.OpenErr != nil {
		return nil, a.OpenErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	offset := req.Offset
	if offset < 0 || a.IgnoreRange {
		offset = 0
	}
	if offset > a.Size {
		return nil, downloader.Permanent(fmt.Errorf("range start %d beyond %d bytes", offset, a.Size))
	}

	stream := &models.Stream{
		Body: &reader{
			ctx:     ctx,
			seed:    seed(req.ContentID),
			pos:     offset,
			end:     a.Size,
			asset:   a,
			failing: failing,
		},
		Offset:    offset,
		Extension: a.Extension,
	}
	if !a.UnknownSize {
		stream.TotalSize = a.Size
	}
	switch {
	case a.CorruptChecksum:
		stream.Checksum = Checksum(req.ContentID+"#corrupt", a.Size)
	case a.WithChecksum:
		stream.Checksum = Checksum(req.ContentID, a.Size)
	}
	return stream, nil
}

type reader struct {
	ctx     context.Context
	seed    byte
	pos     int64
	end     int64
	asset   Asset
	failing bool
	closed  bool
}

func (r *reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if r.pos >= r.end {
		return 0, io.EOF
	}
	if r.failing && r.pos >= r.asset.FailAfter {
		return 0, downloader.Transient(fmt.Errorf("mock connection reset at byte %d: %w", r.pos, io.ErrUnexpectedEOF))
	}
	if r.asset.Gate != nil && r.pos >= r.asset.GateAt {
		select {
		case <-r.asset.Gate:
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}
	if r.asset.ChunkDelay > 0 {
		select {
		case <-time.After(r.asset.ChunkDelay):
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}

	n := int64(len(p))
	if n > chunkSize {
		n = chunkSize
	}
	if remaining := r.end - r.pos; n > remaining {
		n = remaining
	}
	if r.failing && r.pos < r.asset.FailAfter && r.pos+n > r.asset.FailAfter {
		n = r.asset.FailAfter - r.pos
	}
	if r.asset.Gate != nil && r.pos < r.asset.GateAt && r.pos+n > r.asset.GateAt {
		n = r.asset.GateAt - r.pos
	}
	fill(p[:n], r.seed, r.pos)
	r.pos += n
	return int(n), nil
}

func (r *reader) Close() error {
	r.closed = true
	return nil
}

func seed(contentID string) byte {
	h := fnv.New32a()
	h.Write([]byte(contentID))
	return byte(h.Sum32())
}

func fill(p []byte, seed byte, offset int64) {
	for i := range p {
		pos := offset + int64(i)
		p[i] = seed + byte(pos*31) + byte(pos>>8)
	}
}
