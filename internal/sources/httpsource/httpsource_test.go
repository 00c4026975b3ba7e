package httpsource

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/streamdl/internal/downloader"
	"github.com/vrsandeep/streamdl/internal/models"
)

func newTestServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/assets/movie/film-1", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("quality") != "hd" {
			http.Error(w, "unknown quality", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set(ChecksumHeader, "ABCDEF")
		http.ServeContent(w, r, "film-1.mp4", time.Time{}, bytes.NewReader(content))
	})
	mux.HandleFunc("/assets/movie/busy", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "try later", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/assets/movie/forbidden", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "geo blocked", http.StatusForbidden)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func request(contentID string, offset int64) models.StreamRequest {
	return models.StreamRequest{
		ContentID:   contentID,
		ContentType: models.ContentMovie,
		Quality:     models.QualityHD,
		Offset:      offset,
	}
}

func TestOpenFullAndRange(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 1000)
	server := newTestServer(t, content)
	src, err := New(Options{BaseURL: server.URL + "/assets/"})
	require.NoError(t, err)
	assert.Equal(t, "http", src.GetInfo().ID)

	t.Run("Full body", func(t *testing.T) {
		stream, err := src.Open(context.Background(), request("film-1", 0))
		require.NoError(t, err)
		defer stream.Body.Close()
		data, err := io.ReadAll(stream.Body)
		require.NoError(t, err)
		assert.Equal(t, content, data)
		assert.Equal(t, int64(len(content)), stream.TotalSize)
		assert.Equal(t, int64(0), stream.Offset)
		assert.Equal(t, ".mp4", stream.Extension)
		assert.Equal(t, "abcdef", stream.Checksum)
	})

	t.Run("Resumes with Range", func(t *testing.T) {
		stream, err := src.Open(context.Background(), request("film-1", 4000))
		require.NoError(t, err)
		defer stream.Body.Close()
		data, err := io.ReadAll(stream.Body)
		require.NoError(t, err)
		assert.Equal(t, int64(4000), stream.Offset)
		assert.Equal(t, int64(len(content)), stream.TotalSize)
		assert.Equal(t, content[4000:], data)
	})
}

func TestOpenClassifiesFailures(t *testing.T) {
	server := newTestServer(t, []byte("x"))
	src, err := New(Options{BaseURL: server.URL + "/assets"})
	require.NoError(t, err)

	_, err = src.Open(context.Background(), request("busy", 0))
	require.Error(t, err)
	assert.True(t, downloader.IsTransient(err), "5xx should be retried")

	_, err = src.Open(context.Background(), request("forbidden", 0))
	require.Error(t, err)
	assert.False(t, downloader.IsTransient(err), "4xx should not be retried")

	_, err = src.Open(context.Background(), models.StreamRequest{ContentID: "film-1", ContentType: models.ContentMovie, Quality: models.QualitySD})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestOpenUnreachableIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	src, err := New(Options{BaseURL: url})
	require.NoError(t, err)
	_, err = src.Open(context.Background(), request("film-1", 0))
	require.Error(t, err)
	assert.True(t, downloader.IsTransient(err))
}

func TestBandwidthLimit(t *testing.T) {
	content := bytes.Repeat([]byte("a"), 3000)
	server := newTestServer(t, content)
	src, err := New(Options{BaseURL: server.URL + "/assets", BytesPerSecond: 1000})
	require.NoError(t, err)

	stream, err := src.Open(context.Background(), request("film-1", 0))
	require.NoError(t, err)
	defer stream.Body.Close()

	start := time.Now()
	data, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	assert.Len(t, data, len(content))
	// The first second is covered by the initial burst.
	assert.GreaterOrEqual(t, time.Since(start), 1500*time.Millisecond)
}

func TestParseContentRange(t *testing.T) {
	start, total, err := parseContentRange("bytes 100-199/1000")
	require.NoError(t, err)
	assert.Equal(t, int64(100), start)
	assert.Equal(t, int64(1000), total)

	_, total, err = parseContentRange("bytes 0-9/*")
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)

	for _, bad := range []string{"", "items 0-1/2", "bytes 0-1", "bytes x-1/2"} {
		_, _, err := parseContentRange(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(Options{BaseURL: "not a url"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "invalid base url"))
}
