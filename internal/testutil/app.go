// A shared test app setup utility, which simplifies API and integration tests.

package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vrsandeep/streamdl/internal/config"
	"github.com/vrsandeep/streamdl/internal/core"
	"github.com/vrsandeep/streamdl/internal/downloader"
	"github.com/vrsandeep/streamdl/internal/models"
	"github.com/vrsandeep/streamdl/internal/sources/mockstream"
)

// TestDiskTotal is the size of the fake device used by SetupTestApp.
const TestDiskTotal int64 = 1 << 30

// TestConfig returns defaults with every path inside a temp dir and the mock
// source as the default.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Failed to load default config: %v", err)
	}
	dir := t.TempDir()
	cfg.Database.Path = filepath.Join(dir, "test.db")
	cfg.Downloads.Path = filepath.Join(dir, "downloads")
	cfg.Artwork.Path = filepath.Join(dir, "artwork")
	cfg.Downloads.DefaultSource = mockstream.ID
	cfg.Downloads.ProgressInterval = 0
	cfg.Downloads.StorageMargin = "0"
	cfg.Downloads.Retry.BaseDelay = 10 * time.Millisecond
	cfg.Sources.HTTP.BaseURL = ""
	cfg.Sources.Mock.Enabled = false
	return cfg
}

// SetupTestApp builds and starts a core.App backed by a temp database, a
// mockstream source and a fake 1 GiB device with 100 MiB used.
func SetupTestApp(t *testing.T, mutate ...func(*config.Config)) (*core.App, *mockstream.Source) {
	t.Helper()
	cfg := TestConfig(t)
	for _, f := range mutate {
		f(cfg)
	}
	src := mockstream.New()
	app, err := core.NewWithConfig(cfg, core.Options{
		Statter: downloader.DiskStatterFunc(func(string) (int64, int64, error) {
			return TestDiskTotal, TestDiskTotal - 100<<20, nil
		}),
		Sources:     []models.Source{src},
		NoWatcher:   true,
		NoScheduler: true,
	})
	if err != nil {
		t.Fatalf("Failed to build test app: %v", err)
	}
	t.Cleanup(app.Close)
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start test app: %v", err)
	}
	app.Version = "test"
	return app, src
}
