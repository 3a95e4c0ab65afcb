// Package streaming is the Progress Streamer (C8): it upgrades a job's
// events connection to a websocket and forwards Event frames published by
// the worker until the job reaches a terminal status, then closes. The
// subscribe/unsubscribe/emit shape is the same one the teacher's SSE jobs
// use (internal/handlers/update_jobs.go's updateJob), generalized from an
// in-process fan-out map to Redis pub/sub so streaming works across
// multiple API processes.
package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"imageforge/internal/jobs"
	"imageforge/internal/store"
	"imageforge/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeTimeout = 10 * time.Second

// Streamer is the Progress Streamer.
type Streamer struct {
	store *store.Store
}

// New builds a Streamer over st.
func New(st *store.Store) *Streamer {
	return &Streamer{store: st}
}

// Stream upgrades r to a websocket and forwards jobID's progress events.
// It first sends a status snapshot built from the job's current record
// (spec §4.6: late subscribers see where the job is, not just what happens
// next), then relays live events until one carries EventDone or the client
// disconnects.
func (s *Streamer) Stream(w http.ResponseWriter, r *http.Request, jobID, owner string) error {
	rec, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		return err
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	snapshot := jobs.Event{Type: jobs.EventStatus, Status: rec.Status, Progress: rec.Progress, Message: rec.ProgressMsg}
	if err := writeEvent(conn, snapshot); err != nil {
		return err
	}
	if rec.Status.Terminal() {
		done := jobs.Event{Type: jobs.EventDone, Status: rec.Status}
		if rec.Result != nil {
			done.Result = rec.Result
		}
		if rec.Error != nil {
			done.Error = rec.Error
		}
		return writeEvent(conn, done)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.store.Subscribe(ctx, jobID)
	defer sub.Close()

	// Drain disconnects (client closing the socket, e.g. navigating away)
	// so the subscription loop notices and exits instead of leaking.
	go drainReads(conn, cancel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev jobs.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				telemetry.Event("stream_decode_error", map[string]string{"job_id": jobID, "error": err.Error()})
				continue
			}
			if err := writeEvent(conn, ev); err != nil {
				return err
			}
			if ev.Type == jobs.EventDone {
				return nil
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev jobs.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(ev)
}

// drainReads discards client-sent frames (this protocol is server-push
// only) and cancels cancel once the connection errors out, the standard
// gorilla/websocket idiom for detecting a client disconnect.
func drainReads(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
