// Package artwork keeps downsized thumbnails of completed downloads on disk so
// they can be shown while offline.
package artwork

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // Register PNG decoder
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nfnt/resize"

	"github.com/vrsandeep/streamdl/internal/models"
)

const (
	defaultWidth uint = 320
	maxImageSize      = 10 << 20
)

// GenerateThumbnail decodes imageData, scales it to width keeping the aspect
// ratio and encodes the result as JPEG. Images narrower than width are kept.
func GenerateThumbnail(imageData []byte, width uint) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if uint(img.Bounds().Dx()) > width {
		img = resize.Resize(width, 0, img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Cache stores one thumbnail per download item.
type Cache struct {
	dir    string
	width  uint
	client *http.Client
}

func NewCache(dir string, width uint, client *http.Client) *Cache {
	if width == 0 {
		width = defaultWidth
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Cache{dir: dir, width: width, client: client}
}

// Path is where the thumbnail of item id is stored.
func (c *Cache) Path(id string) string {
	return filepath.Join(c.dir, id+".jpg")
}

// Fetch downloads the item's thumbnail, which may be an http(s) URL or a
// base64 data URI, and stores a downsized copy.
func (c *Cache) Fetch(ctx context.Context, item models.DownloadItem) (string, error) {
	if item.Thumbnail == "" {
		return "", fmt.Errorf("item %s has no thumbnail", item.ID)
	}
	data, err := c.load(ctx, item.Thumbnail)
	if err != nil {
		return "", err
	}
	thumb, err := GenerateThumbnail(data, c.width)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", err
	}
	path := c.Path(item.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, thumb, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

func (c *Cache) load(ctx context.Context, ref string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(ref, "data:"); ok {
		_, encoded, found := strings.Cut(rest, ";base64,")
		if !found {
			return nil, fmt.Errorf("unsupported data uri")
		}
		return base64.StdEncoding.DecodeString(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch thumbnail: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch thumbnail: server returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImageSize))
}

// Remove deletes the stored thumbnail of item id, if any.
func (c *Cache) Remove(id string) error {
	if err := os.Remove(c.Path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Run keeps the cache in step with download events until events is closed.
func (c *Cache) Run(events <-chan models.Event) {
	for ev := range events {
		switch {
		case ev.Kind == models.EventStatus && ev.NewStatus == models.StatusCompleted && ev.Item.Thumbnail != "":
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := c.Fetch(ctx, ev.Item); err != nil {
				log.Printf("Could not cache artwork for %s: %v", ev.ItemID, err)
			}
			cancel()
		case ev.Kind == models.EventEvicted || ev.Kind == models.EventDeleted:
			if err := c.Remove(ev.ItemID); err != nil {
				log.Printf("Could not remove artwork for %s: %v", ev.ItemID, err)
			}
		}
	}
}
