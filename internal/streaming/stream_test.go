package streaming

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"imageforge/internal/jobs"
	"imageforge/internal/store"
)

func newTestStreamer(t *testing.T) (*Streamer, *store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	st := store.New(rdb, "test")
	return New(st), st
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStreamSendsSnapshotThenLiveEvents(t *testing.T) {
	streamer, st := newTestStreamer(t)
	ctx := t.Context()

	rec := &jobs.Record{JobID: "j_stream", Status: jobs.StatusRunning, Progress: 0.2, QueuedAt: time.Now()}
	if err := st.CreateJob(ctx, rec); err != nil {
		t.Fatalf("create job: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := streamer.Stream(w, r, "j_stream", ""); err != nil {
			t.Logf("stream ended: %v", err)
		}
	}))
	defer srv.Close()

	conn := dialWS(t, srv)

	var snapshot jobs.Event
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot.Type != jobs.EventStatus || snapshot.Status != jobs.StatusRunning {
		t.Fatalf("snapshot = %+v", snapshot)
	}

	// Give the handler time to subscribe before publishing, otherwise the
	// progress event can be published before Subscribe registers it.
	time.Sleep(50 * time.Millisecond)
	if err := st.Publish(ctx, "j_stream", jobs.Event{Type: jobs.EventProgress, Progress: 0.5}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var progress jobs.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&progress); err != nil {
		t.Fatalf("read progress: %v", err)
	}
	if progress.Type != jobs.EventProgress || progress.Progress != 0.5 {
		t.Fatalf("progress = %+v", progress)
	}

	if err := st.Publish(ctx, "j_stream", jobs.Event{Type: jobs.EventDone, Status: jobs.StatusSucceeded}); err != nil {
		t.Fatalf("publish done: %v", err)
	}

	var done jobs.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&done); err != nil {
		t.Fatalf("read done: %v", err)
	}
	if done.Type != jobs.EventDone {
		t.Fatalf("done = %+v", done)
	}
}

func TestStreamShortCircuitsOnTerminalJob(t *testing.T) {
	streamer, st := newTestStreamer(t)
	ctx := t.Context()

	rec := &jobs.Record{JobID: "j_done", Status: jobs.StatusSucceeded, Progress: 1, QueuedAt: time.Now()}
	if err := st.CreateJob(ctx, rec); err != nil {
		t.Fatalf("create job: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = streamer.Stream(w, r, "j_done", "")
	}))
	defer srv.Close()

	conn := dialWS(t, srv)
	var snapshot jobs.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot.Type != jobs.EventStatus || snapshot.Status != jobs.StatusSucceeded {
		t.Fatalf("snapshot = %+v", snapshot)
	}

	var done jobs.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&done); err != nil {
		t.Fatalf("read done: %v", err)
	}
	if done.Type != jobs.EventDone || done.Status != jobs.StatusSucceeded {
		t.Fatalf("done = %+v", done)
	}

	// The handler should close the connection right after the done frame.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection close, got another message")
	}
}
