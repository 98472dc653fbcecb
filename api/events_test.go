package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poflow.merchantry.io/config"
	"poflow.merchantry.io/progress"
	"poflow.merchantry.io/queue"
)

func testBus(t *testing.T) *progress.Bus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	conns, err := queue.NewConnections(context.Background(), config.BrokerConfig{}, func(role queue.Role) (*redis.Client, error) {
		return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { conns.Close() })

	return progress.NewBus(conns, "poflow")
}

func TestEventsRequiresMerchant(t *testing.T) {
	srv, _, _, _ := testServer(t, func(o *Options) {
		o.Events = testBus(t)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsStreamsBusMessages(t *testing.T) {
	bus := testBus(t)
	srv, _, _, _ := testServer(t, func(o *Options) {
		o.Events = bus
	})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events?merchantId=m1", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	// The subscription races the first publish; give it a moment to
	// attach, then publish on two different topics.
	time.Sleep(100 * time.Millisecond)
	bus.Publish(ctx, "m1", progress.KindProgress, progress.Event{
		Type:       "progress_update",
		WorkflowID: "wf_1",
		Stage:      "ai_parsing",
		Progress:   10,
		Message:    "parsing complete",
	})
	bus.Publish(ctx, "m1", progress.KindCompletion, progress.Event{
		Type:       "workflow_completed",
		WorkflowID: "wf_1",
		Progress:   100,
		Message:    "all stages complete",
	})

	reader := bufio.NewReader(res.Body)
	frames := map[string]progress.Event{}
	for len(frames) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if !strings.HasPrefix(line, "event: ") {
			continue
		}
		kind := strings.TrimPrefix(line, "event: ")
		dataLine, err := reader.ReadString('\n')
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(dataLine, "data: "))

		var ev progress.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimRight(dataLine, "\n"), "data: ")), &ev))
		frames[kind] = ev
	}

	require.Contains(t, frames, string(progress.KindProgress))
	require.Contains(t, frames, string(progress.KindCompletion))
	assert.Equal(t, "wf_1", frames[string(progress.KindProgress)].WorkflowID)
	assert.Equal(t, 100, frames[string(progress.KindCompletion)].Progress)
}
