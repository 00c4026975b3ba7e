// Package httpsource fetches assets from an HTTP CDN. Assets live at
// <base>/<content type>/<content id>?quality=<slug> and resumption uses
// Range requests.
package httpsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vrsandeep/streamdl/internal/downloader"
	"github.com/vrsandeep/streamdl/internal/models"
)

// ChecksumHeader carries the hex BLAKE2b-256 of the complete asset.
const ChecksumHeader = "X-Content-Blake2b"

// Options configures a Source.
type Options struct {
	ID      string
	Name    string
	BaseURL string
	Client  *http.Client
	// BytesPerSecond caps the download bandwidth of all transfers from this
	// source together. Zero means unlimited.
	BytesPerSecond int
	UserAgent      string
}

// Source is a models.Source backed by an HTTP server.
type Source struct {
	info      models.SourceInfo
	base      *url.URL
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

func New(opts Options) (*Source, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if opts.ID == "" {
		opts.ID = "http"
	}
	if opts.Name == "" {
		opts.Name = base.Host
	}
	client := opts.Client
	if client == nil {
		// No overall timeout: bodies are long lived and stalls are detected
		// by the transfer itself.
		client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}}
	}
	s := &Source{
		info:      models.SourceInfo{ID: opts.ID, Name: opts.Name},
		base:      base,
		client:    client,
		userAgent: opts.UserAgent,
	}
	if opts.BytesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.BytesPerSecond), opts.BytesPerSecond)
	}
	return s, nil
}

func (s *Source) GetInfo() models.SourceInfo { return s.info }

func (s *Source) assetURL(req models.StreamRequest) string {
	u := *s.base
	u.Path = u.Path + "/" + url.PathEscape(string(req.ContentType)) + "/" + url.PathEscape(req.ContentID)
	u.RawQuery = url.Values{"quality": {req.Quality.Slug()}}.Encode()
	return u.String()
}

func (s *Source) Open(ctx context.Context, req models.StreamRequest) (*models.Stream, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.assetURL(req), nil)
	if err != nil {
		return nil, downloader.Permanent(err)
	}
	if req.Offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.Offset))
	}
	if s.userAgent != "" {
		httpReq.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, downloader.Transient(fmt.Errorf("request %s: %w", req.ContentID, err))
	}

	stream := &models.Stream{
		Checksum:  strings.ToLower(resp.Header.Get(ChecksumHeader)),
		Extension: extensionFor(resp.Header.Get("Content-Type")),
	}
	switch resp.StatusCode {
	case http.StatusOK:
		stream.TotalSize = resp.ContentLength
	case http.StatusPartialContent:
		start, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()
			return nil, downloader.Permanent(err)
		}
		stream.Offset = start
		stream.TotalSize = total
	default:
		resp.Body.Close()
		return nil, statusError(req.ContentID, resp.StatusCode)
	}
	if stream.TotalSize < 0 {
		stream.TotalSize = 0
	}

	stream.Body = resp.Body
	if s.limiter != nil {
		stream.Body = &limitedBody{ctx: ctx, body: resp.Body, limiter: s.limiter}
	}
	return stream, nil
}

func statusError(contentID string, code int) error {
	err := fmt.Errorf("fetch %s: server returned %d %s", contentID, code, http.StatusText(code))
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return downloader.Transient(err)
	default:
		return downloader.Permanent(err)
	}
}

// parseContentRange parses "bytes start-end/total". An unknown total ("*") is 0.
func parseContentRange(v string) (start, total int64, err error) {
	spec, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	rng, size, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	first, _, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed Content-Range %q: %w", v, err)
	}
	if size != "*" {
		total, err = strconv.ParseInt(size, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("malformed Content-Range %q: %w", v, err)
		}
	}
	return start, total, nil
}

var extensions = map[string]string{
	"video/mp4":        ".mp4",
	"audio/mp4":        ".m4a",
	"audio/mpeg":       ".mp3",
	"video/mp2t":       ".ts",
	"video/webm":       ".webm",
	"video/x-matroska": ".mkv",
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return extensions[mediaType]
}

// limitedBody throttles reads through a shared token bucket.
type limitedBody struct {
	ctx     context.Context
	body    io.ReadCloser
	limiter *rate.Limiter
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if burst := b.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := b.body.Read(p)
	if n > 0 {
		if werr := b.limiter.WaitN(b.ctx, n); werr != nil {
			if errors.Is(werr, context.Canceled) || errors.Is(werr, context.DeadlineExceeded) {
				return n, werr
			}
			return n, downloader.Transient(werr)
		}
	}
	return n, err
}

func (b *limitedBody) Close() error { return b.body.Close() }
