// This test file covers the download data access functions.
// It uses an in-memory SQLite database to ensure tests are fast and isolated.

package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vrsandeep/streamdl/internal/models"
	"github.com/vrsandeep/streamdl/internal/store"
	"github.com/vrsandeep/streamdl/internal/testutil"
)

func newTestItem(id string, status models.Status, created time.Time) *models.DownloadItem {
	return &models.DownloadItem{
		ID:          id,
		ContentID:   "content-" + id,
		SourceID:    "mockstream",
		Title:       "Title " + id,
		ContentType: models.ContentMovie,
		Quality:     models.QualityHD,
		FileSize:    1000,
		Status:      status,
		CreatedAt:   created,
		UpdatedAt:   created,
		MaxRetries:  3,
	}
}

func TestSaveAndGetDownload(t *testing.T) {
	db := testutil.SetupTestDB(t)
	s := store.New(db)
	ctx := context.Background()

	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	expires := created.Add(48 * time.Hour)
	item := newTestItem("a", models.StatusPending, created)
	item.ExpiresAt = &expires
	item.IsBackgroundDownload = true
	item.ParentalRating = "PG-13"
	item.Priority = 5

	if err := s.SaveDownload(ctx, item); err != nil {
		t.Fatalf("SaveDownload (insert) failed: %v", err)
	}

	got, err := s.GetDownload(ctx, "a")
	if err != nil {
		t.Fatalf("GetDownload failed: %v", err)
	}
	if got.ContentID != "content-a" || got.Quality != models.QualityHD || got.Priority != 5 {
		t.Errorf("Unexpected item: %+v", got)
	}
	if !got.IsBackgroundDownload || got.ParentalRating != "PG-13" {
		t.Errorf("Background flag or rating not stored: %+v", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Errorf("Expected expires_at %v, got %v", expires, got.ExpiresAt)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("Expected created_at %v, got %v", created, got.CreatedAt)
	}

	// Second save updates in place.
	item.Status = models.StatusCompleted
	item.DownloadedSize = 1000
	item.FilePath = "/downloads/a.mp4"
	item.Checksum = "abc"
	item.ExpiresAt = nil
	item.UpdatedAt = created.Add(time.Minute)
	if err := s.SaveDownload(ctx, item); err != nil {
		t.Fatalf("SaveDownload (update) failed: %v", err)
	}

	got, err = s.GetDownload(ctx, "a")
	if err != nil {
		t.Fatalf("GetDownload after update failed: %v", err)
	}
	if got.Status != models.StatusCompleted || got.DownloadedSize != 1000 {
		t.Errorf("Item was not updated: %+v", got)
	}
	if got.FilePath != "/downloads/a.mp4" || got.Checksum != "abc" {
		t.Errorf("File path or checksum not updated: %+v", got)
	}
	if got.ExpiresAt != nil {
		t.Errorf("Expected expires_at to be cleared, got %v", got.ExpiresAt)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM download_items").Scan(&count); err != nil {
		t.Fatalf("Failed to count rows: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 row after upsert, got %d", count)
	}
}

func TestGetDownloadNotFound(t *testing.T) {
	s := store.New(testutil.SetupTestDB(t))
	_, err := s.GetDownload(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListDownloads(t *testing.T) {
	s := store.New(testutil.SetupTestDB(t))
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Inserted out of order to check the ordering.
	for i, id := range []string{"c", "a", "b"} {
		created := base.Add(time.Duration(2-i) * time.Hour)
		if err := s.SaveDownload(ctx, newTestItem(id, models.StatusPending, created)); err != nil {
			t.Fatalf("SaveDownload %s failed: %v", id, err)
		}
	}

	items, err := s.ListDownloads(ctx)
	if err != nil {
		t.Fatalf("ListDownloads failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("Expected 3 items, got %d", len(items))
	}
	want := []string{"b", "a", "c"}
	for i, id := range want {
		if items[i].ID != id {
			t.Errorf("Expected item %d to be %s, got %s", i, id, items[i].ID)
		}
	}
}

func TestDeleteDownload(t *testing.T) {
	s := store.New(testutil.SetupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.SaveDownload(ctx, newTestItem("a", models.StatusFailed, now)); err != nil {
		t.Fatalf("SaveDownload failed: %v", err)
	}
	if err := s.DeleteDownload(ctx, "a"); err != nil {
		t.Fatalf("DeleteDownload failed: %v", err)
	}
	if _, err := s.GetDownload(ctx, "a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected deleted item to be gone, got %v", err)
	}
	if err := s.DeleteDownload(ctx, "a"); err != nil {
		t.Errorf("Deleting a missing item should not fail: %v", err)
	}
}

func TestStatusQueries(t *testing.T) {
	s := store.New(testutil.SetupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	statuses := map[string]models.Status{
		"p1": models.StatusPending,
		"p2": models.StatusPending,
		"d1": models.StatusDownloading,
		"c1": models.StatusCompleted,
		"f1": models.StatusFailed,
		"x1": models.StatusCancelled,
	}
	for id, status := range statuses {
		if err := s.SaveDownload(ctx, newTestItem(id, status, now)); err != nil {
			t.Fatalf("SaveDownload %s failed: %v", id, err)
		}
	}

	t.Run("CountDownloadsByStatus", func(t *testing.T) {
		counts, err := s.CountDownloadsByStatus(ctx)
		if err != nil {
			t.Fatalf("CountDownloadsByStatus failed: %v", err)
		}
		if counts[models.StatusPending] != 2 || counts[models.StatusDownloading] != 1 {
			t.Errorf("Unexpected counts: %v", counts)
		}
		if _, ok := counts[models.StatusPaused]; ok {
			t.Errorf("Expected no paused entry, got %v", counts)
		}
	})

	t.Run("ListDownloadsByStatus", func(t *testing.T) {
		items, err := s.ListDownloadsByStatus(ctx, models.StatusCompleted)
		if err != nil {
			t.Fatalf("ListDownloadsByStatus failed: %v", err)
		}
		if len(items) != 1 || items[0].ID != "c1" {
			t.Errorf("Expected only c1, got %v", items)
		}
	})

	t.Run("ResetInProgressDownloads", func(t *testing.T) {
		n, err := s.ResetInProgressDownloads(ctx)
		if err != nil {
			t.Fatalf("ResetInProgressDownloads failed: %v", err)
		}
		if n != 1 {
			t.Errorf("Expected 1 row reset, got %d", n)
		}
		item, _ := s.GetDownload(ctx, "d1")
		if item.Status != models.StatusPending {
			t.Errorf("Expected d1 to be pending, got %s", item.Status)
		}
	})

	t.Run("DeleteDownloadsByStatus", func(t *testing.T) {
		deleted, err := s.DeleteDownloadsByStatus(ctx, models.StatusFailed, models.StatusCancelled)
		if err != nil {
			t.Fatalf("DeleteDownloadsByStatus failed: %v", err)
		}
		if len(deleted) != 2 {
			t.Errorf("Expected 2 deleted items, got %d", len(deleted))
		}
		items, _ := s.ListDownloads(ctx)
		if len(items) != 4 {
			t.Errorf("Expected 4 remaining items, got %d", len(items))
		}
	})
}

func TestInvalidStatusRejected(t *testing.T) {
	s := store.New(testutil.SetupTestDB(t))
	item := newTestItem("bad", models.Status("exploded"), time.Now())
	if err := s.SaveDownload(context.Background(), item); err == nil {
		t.Error("Expected an error for an unknown status, got nil")
	}
}
