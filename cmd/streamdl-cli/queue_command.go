package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vrsandeep/streamdl/internal/config"
	"github.com/vrsandeep/streamdl/internal/models"
	"github.com/vrsandeep/streamdl/internal/store"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List persisted downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseStatuses(statuses)
			if err != nil {
				return err
			}
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				items, err := listItems(cmd.Context(), st, filter)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Title", "Quality", "Status", "Progress", "Size", "Updated"},
					buildQueueRows(items, time.Now()),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Only show items with these statuses")
	return cmd
}

func listItems(ctx context.Context, st *store.Store, filter []models.Status) ([]*models.DownloadItem, error) {
	if len(filter) == 0 {
		return st.ListDownloads(ctx)
	}
	var items []*models.DownloadItem
	for _, status := range filter {
		matched, err := st.ListDownloadsByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		items = append(items, matched...)
	}
	return items, nil
}

func parseStatuses(values []string) ([]models.Status, error) {
	var out []models.Status
	for _, v := range values {
		s, ok := models.ParseStatus(v)
		if !ok {
			return nil, fmt.Errorf("unknown status %q", v)
		}
		out = append(out, s)
	}
	return out, nil
}

func buildQueueRows(items []*models.DownloadItem, now time.Time) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		title := item.Title
		if title == "" {
			title = item.ContentID
		}
		size := "unknown"
		if item.FileSize > 0 {
			size = humanize.IBytes(uint64(item.FileSize))
		}
		status := string(item.Status)
		if item.Status == models.StatusFailed && item.ErrorMessage != "" {
			status += ": " + truncate(item.ErrorMessage, 40)
		}
		rows = append(rows, []string{
			shortID(item.ID),
			truncate(title, 32),
			string(item.Quality),
			status,
			strconv.FormatFloat(item.Progress(), 'f', 1, 64) + "%",
			size,
			humanize.RelTime(item.UpdatedAt, now, "ago", "from now"),
		})
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
