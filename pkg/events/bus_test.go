package events

import (
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindling-ai/kindling/pkg/entity"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

func testRef() entity.Ref {
	return entity.Ref{Kind: entity.KindGoal, ID: "g1"}
}

func TestBus(t *testing.T) {
	t.Run("delivers events to all subscribers", func(t *testing.T) {
		b := NewBus(8, testLogger())
		defer b.Close()

		ch1, cancel1 := b.Subscribe()
		ch2, cancel2 := b.Subscribe()
		defer cancel1()
		defer cancel2()

		b.Emit(TypeThink, testRef(), map[string]interface{}{"text": "hm"})

		for _, ch := range []<-chan Event{ch1, ch2} {
			select {
			case ev := <-ch:
				assert.Equal(t, TypeThink, ev.Type)
				assert.Equal(t, testRef(), ev.Entity)
				assert.False(t, ev.Timestamp.IsZero())
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for event")
			}
		}
	})

	t.Run("full subscriber drops at the tail without blocking", func(t *testing.T) {
		b := NewBus(2, testLogger())
		defer b.Close()

		ch, cancel := b.Subscribe()
		defer cancel()

		finished := make(chan struct{})
		go func() {
			defer close(finished)
			for i := 0; i < 5; i++ {
				b.Emit(TypeToolStart, testRef(), map[string]interface{}{"n": i})
			}
		}()

		select {
		case <-finished:
		case <-time.After(time.Second):
			t.Fatal("publish blocked on a full subscriber")
		}

		// The buffered events are the first two; the rest were dropped.
		assert.Len(t, ch, 2)
	})

	t.Run("cancel closes the channel and is idempotent", func(t *testing.T) {
		b := NewBus(0, testLogger())
		defer b.Close()

		ch, cancel := b.Subscribe()
		cancel()
		cancel()

		_, ok := <-ch
		assert.False(t, ok)

		// Publishing after cancel reaches no one and does not panic.
		b.Emit(TypeError, testRef(), nil)
	})

	t.Run("close ends all subscriptions", func(t *testing.T) {
		b := NewBus(0, testLogger())
		ch, cancel := b.Subscribe()
		defer cancel()

		b.Close()
		_, ok := <-ch
		assert.False(t, ok)

		// Subscribe after close yields a closed channel.
		late, lateCancel := b.Subscribe()
		defer lateCancel()
		_, ok = <-late
		assert.False(t, ok)
	})
}

func TestRelay(t *testing.T) {
	t.Run("streams events to a websocket client", func(t *testing.T) {
		b := NewBus(8, testLogger())
		defer b.Close()

		relay := NewRelay(b, RelayConfig{}, testLogger())
		srv := httptest.NewServer(relay)
		defer srv.Close()

		url := "ws" + strings.TrimPrefix(srv.URL, "http")
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		// The subscription is registered during the handshake goroutine;
		// give it a moment before publishing.
		require.Eventually(t, func() bool {
			b.mu.RLock()
			defer b.mu.RUnlock()
			return len(b.subs) == 1
		}, time.Second, 10*time.Millisecond)

		b.Emit(TypeToolComplete, testRef(), map[string]interface{}{"tool": "web_search"})

		var ev Event
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, TypeToolComplete, ev.Type)
		assert.Equal(t, "web_search", ev.Data["tool"])
	})

	t.Run("sends heartbeat pings", func(t *testing.T) {
		b := NewBus(8, testLogger())
		defer b.Close()

		relay := NewRelay(b, RelayConfig{Heartbeat: 50 * time.Millisecond}, testLogger())
		srv := httptest.NewServer(relay)
		defer srv.Close()

		url := "ws" + strings.TrimPrefix(srv.URL, "http")
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		pinged := make(chan struct{}, 1)
		conn.SetPingHandler(func(string) error {
			select {
			case pinged <- struct{}{}:
			default:
			}
			return nil
		})

		// ReadMessage drives the control-frame handlers.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		select {
		case <-pinged:
		case <-time.After(2 * time.Second):
			t.Fatal("no ping received")
		}
	})

	t.Run("closes the session at max duration", func(t *testing.T) {
		b := NewBus(8, testLogger())
		defer b.Close()

		relay := NewRelay(b, RelayConfig{MaxSession: 100 * time.Millisecond}, testLogger())
		srv := httptest.NewServer(relay)
		defer srv.Close()

		url := "ws" + strings.TrimPrefix(srv.URL, "http")
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = conn.ReadMessage()
		assert.Error(t, err)
	})
}
