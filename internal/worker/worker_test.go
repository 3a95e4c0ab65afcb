package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"imageforge/internal/config"
	"imageforge/internal/engineadapter"
	"imageforge/internal/jobs"
	"imageforge/internal/objectstore"
	"imageforge/internal/queue"
	"imageforge/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		WorkerPoolSize:    1,
		DequeueTimeout:    100 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		PublishCoalesce:   0,
		URLTTL:            time.Hour,
		ReapInterval:      time.Hour,
		RecoveryPolicy:    config.RecoveryRequeue,
	}
}

func newTestRuntime(t *testing.T, engineURL string) (*Runtime, *store.Store, *queue.Queue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	st := store.New(rdb, "test")
	q := queue.New(rdb, "test")

	engine := engineadapter.NewClient(engineURL, "", 5*time.Second)

	objSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(objSrv.Close)
	objects, err := objectstore.New(t.Context(), objectstore.Config{
		Endpoint: objSrv.URL, Region: "us-east-1", Bucket: "imageforge-artifacts",
		AccessKeyID: "test", SecretAccessKey: "test", ForcePathStyle: true,
	})
	if err != nil {
		t.Fatalf("new object store: %v", err)
	}

	return New(st, q, engine, objects, testConfig()), st, q
}

func TestProcessSucceedsEndToEnd(t *testing.T) {
	fakeEngine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/prompt":
			json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p1"})
		case r.URL.Path == "/history/p1":
			json.NewEncoder(w).Encode(map[string]any{
				"p1": map[string]any{
					"status": map[string]any{"completed": true},
					"outputs": map[string]any{
						"9": map[string]any{"images": []map[string]any{
							{"filename": "out.png", "type": "output"},
						}},
					},
				},
			})
		case r.URL.Path == "/view":
			w.Write([]byte("fake-png-bytes"))
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer fakeEngine.Close()

	rt, st, q := newTestRuntime(t, fakeEngine.URL)
	rt.pollInterval = 5 * time.Millisecond
	ctx := context.Background()

	rec := &jobs.Record{
		JobID:  "j_ok",
		Status: jobs.StatusQueued,
		Params: jobs.SubmissionParams{
			Prompt: "a cat", Width: 512, Height: 512, Steps: 20, CFGScale: 7,
			Sampler: jobs.SamplerEulerAncestral, Seed: 1, Model: "m.safetensors", BatchSize: 1,
		},
		QueuedAt: time.Now(),
	}
	if err := st.CreateJob(ctx, rec); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := q.Enqueue(ctx, "j_ok"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rt.process(ctx, "j_ok")

	got, err := st.GetJob(ctx, "j_ok")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != jobs.StatusSucceeded {
		t.Fatalf("status = %v, want succeeded", got.Status)
	}
	if got.Result == nil || len(got.Result.Artifacts) != 1 {
		t.Fatalf("result = %+v", got.Result)
	}

	inflight, _ := q.InFlight(ctx)
	if inflight != 0 {
		t.Fatalf("inflight = %d, want 0 (acked)", inflight)
	}
}

func TestProcessHonorsPreClaimCancel(t *testing.T) {
	rt, st, q := newTestRuntime(t, "http://127.0.0.1:0")
	ctx := context.Background()

	rec := &jobs.Record{JobID: "j_cancel", Status: jobs.StatusCanceled, QueuedAt: time.Now()}
	if err := st.CreateJob(ctx, rec); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := q.Enqueue(ctx, "j_cancel"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rt.process(ctx, "j_cancel")

	got, err := st.GetJob(ctx, "j_cancel")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != jobs.StatusCanceled {
		t.Fatalf("status = %v, want canceled unchanged", got.Status)
	}
}

func TestProcessDiscardsResultWhenTerminalWriteLosesRace(t *testing.T) {
	var calls int32
	fakeEngine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/prompt":
			json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p1"})
		case r.URL.Path == "/history/p1":
			if atomic.AddInt32(&calls, 1) < 4 {
				json.NewEncoder(w).Encode(map[string]any{})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"p1": map[string]any{
					"status": map[string]any{"completed": true},
					"outputs": map[string]any{
						"9": map[string]any{"images": []map[string]any{
							{"filename": "out.png", "type": "output"},
						}},
					},
				},
			})
		case r.URL.Path == "/view":
			w.Write([]byte("fake-png-bytes"))
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer fakeEngine.Close()

	rt, st, q := newTestRuntime(t, fakeEngine.URL)
	rt.pollInterval = 5 * time.Millisecond
	ctx := context.Background()

	rec := &jobs.Record{
		JobID:  "j_race",
		Status: jobs.StatusQueued,
		Params: jobs.SubmissionParams{
			Prompt: "a cat", Width: 512, Height: 512, Steps: 20, CFGScale: 7,
			Sampler: jobs.SamplerEulerAncestral, Seed: 1, Model: "m.safetensors", BatchSize: 1,
		},
		QueuedAt: time.Now(),
	}
	if err := st.CreateJob(ctx, rec); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := q.Enqueue(ctx, "j_race"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var publishedDone bool
	sub := st.Subscribe(ctx, "j_race")
	defer sub.Close()
	subDone := make(chan struct{})
	go func() {
		for msg := range sub.Channel() {
			var ev jobs.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err == nil && ev.Type == jobs.EventDone {
				publishedDone = true
			}
		}
		close(subDone)
	}()

	// Race a concurrent cancellation (simulating C6) in against the
	// in-flight process() call: once the record has moved to Running, flip
	// it straight to Canceled behind process's back, so the terminal write
	// it eventually attempts (Running/Canceled -> Succeeded) is illegal.
	raceDone := make(chan struct{})
	go func() {
		defer close(raceDone)
		for i := 0; i < 200; i++ {
			rec, err := st.GetJob(ctx, "j_race")
			if err == nil && rec.Status == jobs.StatusRunning {
				_, _ = st.UpdateStatus(ctx, "j_race", jobs.StatusCanceled, nil)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	rt.process(ctx, "j_race")
	<-raceDone
	sub.Close()
	<-subDone

	got, err := st.GetJob(ctx, "j_race")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != jobs.StatusCanceled {
		t.Fatalf("status = %v, want canceled (unchanged by the losing writer)", got.Status)
	}
	if got.Result != nil {
		t.Fatalf("result = %+v, want discarded", got.Result)
	}
	if publishedDone {
		t.Fatalf("losing writer published a done event, want none")
	}
}

func TestRecoverOrphansRequeues(t *testing.T) {
	rt, st, q := newTestRuntime(t, "http://127.0.0.1:0")
	ctx := context.Background()

	rec := &jobs.Record{JobID: "j_orphan", Status: jobs.StatusRunning, QueuedAt: time.Now()}
	if err := st.CreateJob(ctx, rec); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := st.MarkInProgress(ctx, "j_orphan"); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}

	if err := rt.RecoverOrphans(ctx); err != nil {
		t.Fatalf("recover orphans: %v", err)
	}

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("depth = %d, want 1 (requeued)", depth)
	}
	inProgress, _ := st.ListInProgress(ctx)
	if len(inProgress) != 0 {
		t.Fatalf("still marked in-progress: %v", inProgress)
	}
}

func TestRecoverOrphansFailsWhenPolicyIsFail(t *testing.T) {
	rt, st, _ := newTestRuntime(t, "http://127.0.0.1:0")
	rt.recoveryPolicy = config.RecoveryFail
	ctx := context.Background()

	rec := &jobs.Record{JobID: "j_orphan2", Status: jobs.StatusRunning, QueuedAt: time.Now()}
	if err := st.CreateJob(ctx, rec); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := st.MarkInProgress(ctx, "j_orphan2"); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}

	if err := rt.RecoverOrphans(ctx); err != nil {
		t.Fatalf("recover orphans: %v", err)
	}

	got, err := st.GetJob(ctx, "j_orphan2")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != jobs.StatusFailed {
		t.Fatalf("status = %v, want failed", got.Status)
	}
}
