package downloader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/streamdl/internal/models"
)

func TestBroadcasterDeliversInOrderWithoutDropping(t *testing.T) {
	b := newBroadcaster()
	fast, unsubFast := b.subscribe()
	defer unsubFast()
	slow, unsubSlow := b.subscribe()
	defer unsubSlow()

	const n = 500
	for i := 0; i < n; i++ {
		b.publish(models.Event{Kind: models.EventProgress, ItemID: "x", Item: models.DownloadItem{DownloadedSize: int64(i)}})
	}

	for _, ch := range []<-chan models.Event{fast, slow} {
		for i := 0; i < n; i++ {
			select {
			case ev := <-ch:
				require.Equal(t, int64(i), ev.Item.DownloadedSize)
			case <-time.After(5 * time.Second):
				t.Fatalf("event %d never arrived", i)
			}
		}
	}
}

func TestBroadcasterUnsubscribeClosesChannel(t *testing.T) {
	b := newBroadcaster()
	ch, unsub := b.subscribe()
	b.publish(models.Event{Kind: models.EventStatus})
	unsub()
	unsub()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel was not closed after unsubscribe")
		}
	}
}

func TestBroadcasterCloseAll(t *testing.T) {
	b := newBroadcaster()
	ch, unsub := b.subscribe()
	defer unsub()
	b.closeAll()
	b.publish(models.Event{Kind: models.EventStatus})

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("channel was not closed")
	}
}
