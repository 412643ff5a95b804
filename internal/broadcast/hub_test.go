package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulgrammer/comicbatch/internal/progress"
)

func serveHub(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sub := hub.Subscribe(conn, r.URL.Query()["topic"]...)
		defer hub.Unsubscribe(sub)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, topics ...string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?topic=" + strings.Join(topics, "&topic=")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_DeliversOnlySubscribedTopics(t *testing.T) {
	hub := NewHub(nil)
	srv := serveHub(t, hub)
	conn := dial(t, srv, progress.Topic("import"))
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, progress.Topic("organize"), progress.Snapshot{Total: 1}))
	require.NoError(t, hub.Publish(ctx, progress.Topic("import"), progress.Snapshot{Active: true, StepName: "importDescriptors", Total: 20, Processed: 10}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "progress.import", env.Topic)
	var snap progress.Snapshot
	require.NoError(t, json.Unmarshal(env.Payload, &snap))
	assert.True(t, snap.Active)
	assert.EqualValues(t, 10, snap.Processed)
	assert.Equal(t, "importDescriptors", snap.StepName)
}

func TestHub_DropsClosedSubscribers(t *testing.T) {
	hub := NewHub(nil)
	srv := serveHub(t, hub)
	conn := dial(t, srv, "job.detail")
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		_ = hub.Publish(context.Background(), "job.detail", map[string]string{"status": "RUNNING"})
		return hub.Count() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

type failing struct{ calls int }

func (f *failing) Publish(ctx context.Context, topic string, payload any) error {
	f.calls++
	return errors.New("unavailable")
}

func TestFanout_TriesEveryTransport(t *testing.T) {
	a, b := &failing{}, &failing{}
	hub := NewHub(nil)
	err := Fanout{a, hub, b}.Publish(context.Background(), "progress.purge", progress.Snapshot{})

	assert.Error(t, err)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestRedisPublisher_ReportsUnavailableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	err := NewRedisPublisher(client).Publish(context.Background(), "progress.import", progress.Snapshot{})
	assert.ErrorContains(t, err, "redis publish progress.import")
}
