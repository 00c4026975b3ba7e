package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vrsandeep/streamdl/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

const downloadColumns = `id, content_id, source_id, title, thumbnail, content_type, quality,
	file_size, downloaded_size, status, created_at, updated_at, expires_at, retry_count,
	max_retries, error_message, file_path, is_background, parental_rating, priority, checksum`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row rowScanner) (*models.DownloadItem, error) {
	var item models.DownloadItem
	var expires sql.NullTime
	err := row.Scan(&item.ID, &item.ContentID, &item.SourceID, &item.Title, &item.Thumbnail,
		&item.ContentType, &item.Quality, &item.FileSize, &item.DownloadedSize, &item.Status,
		&item.CreatedAt, &item.UpdatedAt, &expires, &item.RetryCount, &item.MaxRetries,
		&item.ErrorMessage, &item.FilePath, &item.IsBackgroundDownload, &item.ParentalRating,
		&item.Priority, &item.Checksum)
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		item.ExpiresAt = &t
	}
	return &item, nil
}

// SaveDownload inserts the item or overwrites the stored copy.
func (s *Store) SaveDownload(ctx context.Context, item *models.DownloadItem) error {
	var expires sql.NullTime
	if item.ExpiresAt != nil {
		expires = sql.NullTime{Time: *item.ExpiresAt, Valid: true}
	}
	query := `
        INSERT INTO download_items (` + downloadColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            title = excluded.title,
            thumbnail = excluded.thumbnail,
            file_size = excluded.file_size,
            downloaded_size = excluded.downloaded_size,
            status = excluded.status,
            updated_at = excluded.updated_at,
            expires_at = excluded.expires_at,
            retry_count = excluded.retry_count,
            max_retries = excluded.max_retries,
            error_message = excluded.error_message,
            file_path = excluded.file_path,
            priority = excluded.priority,
            checksum = excluded.checksum
    `
	_, err := s.db.ExecContext(ctx, query,
		item.ID, item.ContentID, item.SourceID, item.Title, item.Thumbnail, item.ContentType,
		item.Quality, item.FileSize, item.DownloadedSize, item.Status, item.CreatedAt,
		item.UpdatedAt, expires, item.RetryCount, item.MaxRetries, item.ErrorMessage,
		item.FilePath, item.IsBackgroundDownload, item.ParentalRating, item.Priority, item.Checksum)
	if err != nil {
		return fmt.Errorf("save download %s: %w", item.ID, err)
	}
	return nil
}

// DeleteDownload removes an item. Deleting a missing item is not an error.
func (s *Store) DeleteDownload(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM download_items WHERE id = ?", id)
	return err
}

// ListDownloads returns every stored item, oldest first.
func (s *Store) ListDownloads(ctx context.Context) ([]*models.DownloadItem, error) {
	return s.queryDownloads(ctx, "SELECT "+downloadColumns+" FROM download_items ORDER BY created_at ASC")
}

// ListDownloadsByStatus returns the stored items with the given status, oldest first.
func (s *Store) ListDownloadsByStatus(ctx context.Context, status models.Status) ([]*models.DownloadItem, error) {
	return s.queryDownloads(ctx, "SELECT "+downloadColumns+" FROM download_items WHERE status = ? ORDER BY created_at ASC", status)
}

func (s *Store) queryDownloads(ctx context.Context, query string, args ...any) ([]*models.DownloadItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.DownloadItem
	for rows.Next() {
		item, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetDownload retrieves a single item by ID.
func (s *Store) GetDownload(ctx context.Context, id string) (*models.DownloadItem, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+downloadColumns+" FROM download_items WHERE id = ?", id)
	item, err := scanDownload(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("download %s: %w", id, ErrNotFound)
	}
	return item, err
}

// CountDownloadsByStatus returns how many items are in each status.
func (s *Store) CountDownloadsByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM download_items GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status models.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ResetInProgressDownloads sets items from 'downloading' back to 'pending'.
// Used by tools that touch the database while no manager is running.
func (s *Store) ResetInProgressDownloads(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE download_items SET status = 'pending', updated_at = ? WHERE status = 'downloading'", time.Now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteDownloadsByStatus removes every item in one of the given statuses in
// a single transaction and returns the deleted items.
func (s *Store) DeleteDownloadsByStatus(ctx context.Context, statuses ...models.Status) ([]*models.DownloadItem, error) {
	var deleted []*models.DownloadItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, status := range statuses {
			rows, err := tx.QueryContext(ctx, "SELECT "+downloadColumns+" FROM download_items WHERE status = ?", status)
			if err != nil {
				return err
			}
			for rows.Next() {
				item, err := scanDownload(rows)
				if err != nil {
					rows.Close()
					return err
				}
				deleted = append(deleted, item)
			}
			rows.Close()
			if _, err := tx.ExecContext(ctx, "DELETE FROM download_items WHERE status = ?", status); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}
