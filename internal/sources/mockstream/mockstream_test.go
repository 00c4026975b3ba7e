package mockstream

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/streamdl/internal/downloader"
	"github.com/vrsandeep/streamdl/internal/models"
)

func open(t *testing.T, s *Source, contentID string, offset int64) *models.Stream {
	t.Helper()
	stream, err := s.Open(context.Background(), models.StreamRequest{
		ContentID:   contentID,
		ContentType: models.ContentMovie,
		Quality:     models.QualitySD,
		Offset:      offset,
	})
	require.NoError(t, err)
	return stream
}

func TestMockStream(t *testing.T) {
	s := New()

	t.Run("GetInfo", func(t *testing.T) {
		info := s.GetInfo()
		if info.ID != ID || info.Name != "Mock Stream" {
			t.Errorf("GetInfo() returned incorrect data: got %+v", info)
		}
	})

	t.Run("Serves deterministic content", func(t *testing.T) {
		stream := open(t, s, "movie-1", 0)
		data, err := io.ReadAll(stream.Body)
		require.NoError(t, err)
		assert.Equal(t, DefaultSize, stream.TotalSize)
		assert.Equal(t, Content("movie-1", DefaultSize), data)
	})

	t.Run("Honors range offsets", func(t *testing.T) {
		stream := open(t, s, "movie-1", 1000)
		data, err := io.ReadAll(stream.Body)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), stream.Offset)
		assert.Equal(t, Content("movie-1", DefaultSize)[1000:], data)
		assert.Equal(t, []int64{0, 1000}, s.Opens("movie-1"))
	})

	t.Run("Size depends on quality", func(t *testing.T) {
		assert.Less(t, SizeFor(models.QualityAudioOnly), SizeFor(models.QualitySD))
		assert.Less(t, SizeFor(models.QualityHD), SizeFor(models.Quality4K))
	})
}

func TestMockStreamFailures(t *testing.T) {
	s := New()
	s.SetAsset("flaky", Asset{Size: 100 << 10, Failures: 1, FailAfter: 10 << 10, WithChecksum: true})

	stream := open(t, s, "flaky", 0)
	data, err := io.ReadAll(stream.Body)
	require.Error(t, err)
	assert.True(t, downloader.IsTransient(err))
	assert.Len(t, data, 10<<10)
	assert.Equal(t, Checksum("flaky", 100<<10), stream.Checksum)

	stream = open(t, s, "flaky", int64(len(data)))
	rest, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	assert.Equal(t, Content("flaky", 100<<10), append(data, rest...))
}

func TestMockStreamIgnoreRangeAndOpenError(t *testing.T) {
	s := New()
	s.SetAsset("no-range", Asset{Size: 4096, IgnoreRange: true})
	stream := open(t, s, "no-range", 2048)
	assert.Equal(t, int64(0), stream.Offset)

	boom := downloader.Permanent(errors.New("gone"))
	s.SetAsset("missing", Asset{OpenErr: boom})
	_, err := s.Open(context.Background(), models.StreamRequest{ContentID: "missing", Quality: models.QualitySD})
	assert.ErrorIs(t, err, boom)
}

func TestMockStreamGateRespectsContext(t *testing.T) {
	s := New()
	s.SetAsset("gated", Asset{Size: 4096, Gate: make(chan struct{}), GateAt: 1024})
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := s.Open(ctx, models.StreamRequest{ContentID: "gated", Quality: models.QualitySD})
	require.NoError(t, err)

	buf := make([]byte, 4096)
	n, err := stream.Body.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)

	cancel()
	_, err = stream.Body.Read(buf)
	assert.ErrorIs(t, err, context.Canceled)
}
