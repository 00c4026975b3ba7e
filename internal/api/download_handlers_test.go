package api_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/streamdl/internal/api"
	"github.com/vrsandeep/streamdl/internal/config"
	"github.com/vrsandeep/streamdl/internal/core"
	"github.com/vrsandeep/streamdl/internal/models"
	"github.com/vrsandeep/streamdl/internal/sources/mockstream"
	"github.com/vrsandeep/streamdl/internal/testutil"
)

func setupServer(t *testing.T, mutate ...func(*config.Config)) (http.Handler, *core.App, *mockstream.Source) {
	t.Helper()
	app, src := testutil.SetupTestApp(t, mutate...)
	return api.NewServer(app).Router(), app, src
}

func doRequest(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func waitForStatus(t *testing.T, app *core.App, id string, status models.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		item, err := app.Downloads().Get(id)
		return err == nil && item.Status == status
	}, 5*time.Second, 10*time.Millisecond, "item %s never became %s", id, status)
}

func TestHealthAndVersion(t *testing.T) {
	router, _, _ := setupServer(t)

	rr := doRequest(t, router, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, router, http.MethodGet, "/api/version", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "test", decode[map[string]string](t, rr)["version"])

	rr = doRequest(t, router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "streamdl_")
}

func TestListSources(t *testing.T) {
	router, _, _ := setupServer(t)

	rr := doRequest(t, router, http.MethodGet, "/api/sources", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	sources := decode[[]models.SourceInfo](t, rr)
	require.Len(t, sources, 1)
	assert.Equal(t, mockstream.ID, sources[0].ID)
	assert.Equal(t, "Mock Stream", sources[0].Name)
}

func TestEnqueueAndGet(t *testing.T) {
	router, app, _ := setupServer(t)

	t.Run("Enqueue", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodPost, "/api/downloads", map[string]interface{}{
			"content_id":   "film-1",
			"content_type": "movie",
			"quality":      "sd",
			"title":        "Film One",
		})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		item := decode[models.DownloadItem](t, rr)
		assert.Equal(t, "film-1", item.ContentID)
		assert.Equal(t, models.QualitySD, item.Quality)
		assert.Equal(t, mockstream.ID, item.SourceID)
		waitForStatus(t, app, item.ID, models.StatusCompleted)

		rr = doRequest(t, router, http.MethodGet, "/api/downloads/"+item.ID, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		got := decode[map[string]interface{}](t, rr)
		assert.Equal(t, "completed", got["status"])
		assert.Equal(t, 100.0, got["progress"])

		rr = doRequest(t, router, http.MethodGet, "/api/downloads", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		queue := decode[models.DownloadQueue](t, rr)
		require.Len(t, queue.Completed, 1)
		assert.Equal(t, item.ID, queue.Completed[0].ID)
	})

	t.Run("Duplicate is rejected", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodPost, "/api/downloads", map[string]interface{}{
			"content_id": "film-1", "content_type": "movie", "quality": "SD",
		})
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("Unknown quality", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodPost, "/api/downloads", map[string]interface{}{
			"content_id": "film-2", "content_type": "movie", "quality": "8k",
		})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Unknown content type", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodPost, "/api/downloads", map[string]interface{}{
			"content_id": "film-2", "content_type": "podcast",
		})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/downloads", bytes.NewBufferString("{"))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Unknown item", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodGet, "/api/downloads/missing", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestItemActions(t *testing.T) {
	router, app, src := setupServer(t)
	gate := make(chan struct{})
	src.SetAsset("slow", mockstream.Asset{Size: 64 << 10, Gate: gate, GateAt: 16 << 10})

	rr := doRequest(t, router, http.MethodPost, "/api/downloads", map[string]interface{}{
		"content_id": "slow", "content_type": "episode",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	id := decode[models.DownloadItem](t, rr).ID
	waitForStatus(t, app, id, models.StatusDownloading)

	action := func(name string) *httptest.ResponseRecorder {
		return doRequest(t, router, http.MethodPost, "/api/downloads/"+id+"/action", map[string]string{"action": name})
	}

	rr = doRequest(t, router, http.MethodDelete, "/api/downloads/"+id, nil)
	assert.Equal(t, http.StatusConflict, rr.Code, "active downloads cannot be deleted")

	rr = action("pause")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.StatusPaused, decode[models.DownloadItem](t, rr).Status)

	rr = action("retry")
	assert.Equal(t, http.StatusConflict, rr.Code, "only failed or cancelled items can be retried")

	rr = action("cancel")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.StatusCancelled, decode[models.DownloadItem](t, rr).Status)

	close(gate)
	rr = action("retry")
	require.Equal(t, http.StatusOK, rr.Code)
	waitForStatus(t, app, id, models.StatusCompleted)

	rr = action("explode")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(t, router, http.MethodDelete, "/api/downloads/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = doRequest(t, router, http.MethodGet, "/api/downloads/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(t, router, http.MethodPost, "/api/downloads/missing/action", map[string]string{"action": "pause"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestQueueActions(t *testing.T) {
	router, app, src := setupServer(t, func(c *config.Config) { c.Downloads.MaxConcurrent = 1 })
	gate := make(chan struct{})
	var ids []string
	for _, contentID := range []string{"a", "b", "c"} {
		src.SetAsset(contentID, mockstream.Asset{Size: 8 << 10, Gate: gate})
		rr := doRequest(t, router, http.MethodPost, "/api/downloads", map[string]interface{}{
			"content_id": contentID, "content_type": "clip",
		})
		require.Equal(t, http.StatusCreated, rr.Code)
		ids = append(ids, decode[models.DownloadItem](t, rr).ID)
	}

	rr := doRequest(t, router, http.MethodPost, "/api/downloads/action", map[string]string{"action": "pause_all"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 3.0, decode[map[string]interface{}](t, rr)["affected"])

	close(gate)
	rr = doRequest(t, router, http.MethodPost, "/api/downloads/action", map[string]string{"action": "resume_all"})
	require.Equal(t, http.StatusOK, rr.Code)
	for _, id := range ids {
		waitForStatus(t, app, id, models.StatusCompleted)
	}

	rr = doRequest(t, router, http.MethodPost, "/api/downloads/action", map[string]string{"action": "delete_completed"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 3.0, decode[map[string]interface{}](t, rr)["affected"])
	assert.Zero(t, app.Downloads().GetQueue().Len())

	rr = doRequest(t, router, http.MethodPost, "/api/downloads/action", map[string]string{"action": "nope"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestArtworkEndpoint(t *testing.T) {
	router, app, _ := setupServer(t)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 32, 32))))
	thumb := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())

	rr := doRequest(t, router, http.MethodPost, "/api/downloads", map[string]interface{}{
		"content_id": "poster", "content_type": "movie", "thumbnail": thumb,
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	id := decode[models.DownloadItem](t, rr).ID
	waitForStatus(t, app, id, models.StatusCompleted)
	require.Eventually(t, func() bool {
		_, err := os.Stat(app.Artwork().Path(id))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	rr = doRequest(t, router, http.MethodGet, "/api/downloads/"+id+"/artwork", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/jpeg", rr.Header().Get("Content-Type"))

	// Unknown items and items without artwork both 404.
	rr = doRequest(t, router, http.MethodGet, "/api/downloads/missing/artwork", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	other, err := app.Downloads().Enqueue(context.Background(), downloaderRequest("plain"))
	require.NoError(t, err)
	rr = doRequest(t, router, http.MethodGet, "/api/downloads/"+other.ID+"/artwork", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
