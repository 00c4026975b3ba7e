package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/streamdl/internal/config"
	"github.com/vrsandeep/streamdl/internal/core"
	"github.com/vrsandeep/streamdl/internal/downloader"
	"github.com/vrsandeep/streamdl/internal/models"
	"github.com/vrsandeep/streamdl/internal/sources/mockstream"
	"github.com/vrsandeep/streamdl/internal/testutil"
)

func fakeDisk() downloader.DiskStatter {
	return downloader.DiskStatterFunc(func(string) (int64, int64, error) {
		return 1 << 30, 1 << 29, nil
	})
}

func TestSettingsSurviveRestart(t *testing.T) {
	cfg := testutil.TestConfig(t)
	ctx := context.Background()
	opts := core.Options{
		Statter:     fakeDisk(),
		Sources:     []models.Source{mockstream.New()},
		NoWatcher:   true,
		NoScheduler: true,
	}

	app, err := core.NewWithConfig(cfg, opts)
	require.NoError(t, err)
	require.NoError(t, app.Start(ctx))

	require.NoError(t, app.SetConcurrency(ctx, 5))
	policy := models.CleanupPolicy{Enabled: true, ThresholdPercent: 70, OldestFirst: false}
	require.NoError(t, app.SetCleanupPolicy(ctx, policy))
	assert.Error(t, app.SetConcurrency(ctx, 0))

	item, err := app.Downloads().Enqueue(ctx, downloader.Request{ContentID: "film", ContentType: models.ContentMovie})
	require.NoError(t, err)
	app.Close()

	opts.Sources = []models.Source{mockstream.New()}
	app, err = core.NewWithConfig(cfg, opts)
	require.NoError(t, err)
	defer app.Close()
	require.NoError(t, app.Start(ctx))

	s := app.Downloads().Settings()
	assert.Equal(t, 5, s.MaxConcurrent)
	assert.Equal(t, policy, s.Cleanup)
	_, err = app.Downloads().Get(item.ID)
	assert.NoError(t, err, "queued items are restored from the database")
}

func TestSetNetworkResumesWiFiOnlyDownloads(t *testing.T) {
	app, _ := testutil.SetupTestApp(t, func(c *config.Config) {
		c.Downloads.WiFiOnly = true
		c.Network.WiFi = false
	})
	ctx := context.Background()
	events, unsubscribe := app.Downloads().Subscribe()
	defer unsubscribe()

	item, err := app.Downloads().Enqueue(ctx, downloader.Request{ContentID: "film", ContentType: models.ContentMovie})
	require.NoError(t, err)
	assert.Empty(t, app.Downloads().GetQueue().Active)

	app.SetNetwork(true)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.ItemID == item.ID && ev.NewStatus == models.StatusCompleted {
				return
			}
		case <-deadline:
			t.Fatal("download did not complete after switching to wifi")
		}
	}
}

func TestInvalidConfigIsRejected(t *testing.T) {
	cfg := testutil.TestConfig(t)
	cfg.Downloads.MaxConcurrent = 0
	_, err := core.NewWithConfig(cfg, core.Options{NoWatcher: true, NoScheduler: true})
	assert.Error(t, err)
}
