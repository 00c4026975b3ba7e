package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vrsandeep/streamdl/internal/config"
	"github.com/vrsandeep/streamdl/internal/downloader"
	"github.com/vrsandeep/streamdl/internal/models"
	"github.com/vrsandeep/streamdl/internal/store"
)

func newStorageCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "storage",
		Short: "Show device and downloads usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.config()
			if err != nil {
				return err
			}
			info, err := measure(cmd.Context(), cfg, ctx.statter)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Metric", "Value"}, buildStorageRows(info), []columnAlignment{alignLeft, alignRight}))
			return nil
		},
	}
}

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Compare the books with the downloads directory and requeue interrupted transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				completed, err := st.ListDownloadsByStatus(cmd.Context(), models.StatusCompleted)
				if err != nil {
					return err
				}
				var recorded int64
				for _, item := range completed {
					recorded += item.FileSize
				}
				info, err := measure(cmd.Context(), cfg, ctx.statter)
				if err != nil {
					return err
				}
				requeued, err := st.ResetInProgressDownloads(cmd.Context())
				if err != nil {
					return err
				}

				rows := [][]string{
					{"Completed downloads", fmt.Sprintf("%d", len(completed))},
					{"Recorded size", humanize.IBytes(uint64(recorded))},
					{"Size on disk", humanize.IBytes(uint64(info.DownloadsSpace))},
					{"Drift", driftLabel(info.DownloadsSpace - recorded)},
					{"Requeued transfers", fmt.Sprintf("%d", requeued)},
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Check", "Result"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
}

// measure runs a storage reconcile over the configured downloads directory.
func measure(ctx context.Context, cfg *config.Config, statter downloader.DiskStatter) (models.StorageInfo, error) {
	settings, err := cfg.DownloadSettings()
	if err != nil {
		return models.StorageInfo{}, err
	}
	acct := downloader.NewStorageAccountant(cfg.Downloads.Path, statter, settings.StorageMargin, settings.Cleanup)
	if err := acct.Reconcile(ctx); err != nil {
		return models.StorageInfo{}, err
	}
	return acct.Info(), nil
}

func buildStorageRows(info models.StorageInfo) [][]string {
	cleanup := "disabled"
	if info.AutoCleanupEnabled {
		order := "largest first"
		if info.OldestFirstCleanup {
			order = "oldest first"
		}
		cleanup = fmt.Sprintf("at %.0f%%, %s", info.CleanupThreshold, order)
	}
	return [][]string{
		{"Total", humanize.IBytes(uint64(info.TotalSpace))},
		{"Used", fmt.Sprintf("%s (%.1f%%)", humanize.IBytes(uint64(info.UsedSpace)), info.UsedPercent())},
		{"Available", humanize.IBytes(uint64(info.AvailableSpace))},
		{"Downloads", humanize.IBytes(uint64(info.DownloadsSpace))},
		{"Auto cleanup", cleanup},
	}
}

func driftLabel(drift int64) string {
	switch {
	case drift == 0:
		return "none"
	case drift > 0:
		return "+" + humanize.IBytes(uint64(drift))
	default:
		return "-" + humanize.IBytes(uint64(-drift))
	}
}
