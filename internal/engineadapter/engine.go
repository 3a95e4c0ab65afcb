// Package engineadapter is the Engine Adapter (C2): the HTTP client that
// fronts the ComfyUI-style generation engine. Its retry/backoff and error
// classification are adapted from the teacher's Modrinth client
// (internal/modrinth/client.go) and wrapped in a sony/gobreaker circuit
// breaker, the way the retrieval pack's job-worker examples guard an
// upstream dependency that can become slow or unavailable under load.
// Submit/Poll/FetchArtifact follow the submit_prompt/get_history/get_image_url
// contract of the original comfyui_client.py.
package engineadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"imageforge/internal/jobs"
	"imageforge/internal/metrics"
	"imageforge/internal/telemetry"
)

// Kind categorizes an engine failure for the httpx error taxonomy (spec §7).
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindCanceled    Kind = "canceled"
	KindUnavailable Kind = "unavailable"
	KindServer      Kind = "server_error"
	KindClient      Kind = "client_error"
)

// Error is a normalized engine-adapter failure.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "engine error"
}

func (e *Error) Unwrap() error { return e.Err }

// randDuration and sleep are vars so tests can stub out jitter and waiting,
// mirroring the teacher's modrinth client.
var (
	randDuration = func(max time.Duration) time.Duration {
		if max <= 0 {
			return 0
		}
		return time.Duration(rand.Int63n(int64(max)))
	}
	sleep = time.Sleep
)

// Client wraps HTTP access to the generation engine.
type Client struct {
	http     *http.Client
	baseURL  string
	token    string
	clientID string
	cb       *gobreaker.CircuitBreaker

	mu sync.Mutex
}

// NewClient returns a Client pointed at baseURL. token, if non-empty, is
// sent as a bearer token on every request.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = 5 * time.Second
	transport.ResponseHeaderTimeout = 15 * time.Second
	transport.ExpectContinueTimeout = 1 * time.Second
	transport.MaxIdleConns = 50
	transport.MaxIdleConnsPerHost = 10
	transport.IdleConnTimeout = 90 * time.Second

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "engine-adapter",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		http:     &http.Client{Timeout: timeout, Transport: transport},
		baseURL:  baseURL,
		token:    token,
		clientID: randomClientID(),
		cb:       cb,
	}
}

func randomClientID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// submitResponse mirrors ComfyUI's POST /prompt response.
type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

// historyStatus mirrors the status sub-object of GET /history/{id}.
type historyStatus struct {
	Completed bool   `json:"completed"`
	StatusStr string `json:"status_str"`
	Error     string `json:"error"`
}

type historyImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyNodeOutput struct {
	Images []historyImage `json:"images"`
}

type historyEntry struct {
	Status  historyStatus                `json:"status"`
	Outputs map[string]historyNodeOutput `json:"outputs"`
}

// Submit builds a workflow from params and submits it to the engine,
// returning the engine's prompt ID (spec §4.2's EnginePromptID).
func (c *Client) Submit(ctx context.Context, params jobs.SubmissionParams) (string, error) {
	workflow := BuildWorkflow(params)
	payload, err := json.Marshal(map[string]any{
		"prompt":    workflow,
		"client_id": c.clientID,
	})
	if err != nil {
		return "", fmt.Errorf("engineadapter: marshal workflow: %w", err)
	}

	var resp submitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/prompt", bytes.NewReader(payload), &resp); err != nil {
		return "", err
	}
	if resp.PromptID == "" {
		return "", &Error{Kind: KindServer, Message: "engine response missing prompt_id"}
	}
	return resp.PromptID, nil
}

// pollResult is the decoded outcome of one history poll.
type pollResult struct {
	done    bool
	failed  bool
	errMsg  string
	outputs map[string]historyNodeOutput
}

// poll fetches /history/{promptID} once. A history object with no entry for
// promptID means the job has not finished executing yet and is reported as
// not-done rather than an error, mirroring get_history returning None. A
// non-2xx status (a 404 included) or an undecodable body is an error.
func (c *Client) poll(ctx context.Context, promptID string) (pollResult, error) {
	var history map[string]historyEntry
	err := c.doJSON(ctx, http.MethodGet, "/history/"+promptID, nil, &history)
	if err != nil {
		return pollResult{}, err
	}
	entry, ok := history[promptID]
	if !ok {
		return pollResult{}, nil
	}
	if entry.Status.Error != "" || entry.Status.StatusStr == "error" {
		msg := entry.Status.Error
		if msg == "" {
			msg = "execution failed"
		}
		return pollResult{done: true, failed: true, errMsg: msg}, nil
	}
	if entry.Status.Completed {
		return pollResult{done: true, outputs: entry.Outputs}, nil
	}
	return pollResult{}, nil
}

// extractArtifactRefs walks poll outputs the way get_image_url does,
// returning one ref per saved image across every output node.
func extractArtifactRefs(outputs map[string]historyNodeOutput) []string {
	var refs []string
	for _, out := range outputs {
		for _, img := range out.Images {
			typ := img.Type
			if typ == "" {
				typ = "output"
			}
			ref := "/view?filename=" + img.Filename + "&type=" + typ
			if img.Subfolder != "" {
				ref += "&subfolder=" + img.Subfolder
			}
			refs = append(refs, ref)
		}
	}
	return refs
}

// FetchArtifact downloads the bytes behind a ref returned by poll/Generate.
func (c *Client) FetchArtifact(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+ref, nil)
	if err != nil {
		return nil, fmt.Errorf("engineadapter: build artifact request: %w", err)
	}
	var body []byte
	_, err = c.doRequest(ctx, req, func(resp *http.Response) error {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// ProgressFunc receives a 0..1 progress fraction and a human status message
// while Generate polls the engine.
type ProgressFunc func(progress float64, message string)

// CancelFunc reports whether the job has been asked to cancel. Generate
// consults it between polls so a worker can abort cooperatively.
type CancelFunc func() bool

// Generate runs the whole submit/poll/fetch cycle for one job, honoring ctx's
// deadline (set by the caller to the configured engine timeout, spec §4.2).
// It reports coarse progress via onProgress and checks isCanceled between
// polls, returning jobs.ErrCanceled if the caller wants to abort.
func (c *Client) Generate(ctx context.Context, params jobs.SubmissionParams, pollInterval time.Duration, onProgress ProgressFunc, isCanceled CancelFunc) (*jobs.Result, string, error) {
	start := time.Now()
	promptID, err := c.Submit(ctx, params)
	if err != nil {
		return nil, "", err
	}
	if onProgress != nil {
		onProgress(0.05, "submitted")
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, promptID, &Error{Kind: KindTimeout, Message: "generation timed out", Err: ctx.Err()}
		case <-ticker.C:
			if isCanceled != nil && isCanceled() {
				return nil, promptID, jobs.ErrCanceled
			}
			res, err := c.poll(ctx, promptID)
			if err != nil {
				return nil, promptID, err
			}
			if !res.done {
				if onProgress != nil {
					onProgress(pollProgress(time.Since(start)), "in_progress")
				}
				continue
			}
			if res.failed {
				return nil, promptID, &Error{Kind: KindServer, Message: res.errMsg}
			}
			refs := extractArtifactRefs(res.outputs)
			artifacts := make([]jobs.Artifact, 0, len(refs))
			for _, ref := range refs {
				artifacts = append(artifacts, jobs.Artifact{
					URL:    ref,
					Seed:   params.Seed,
					Width:  params.Width,
					Height: params.Height,
				})
			}
			elapsed := time.Since(start).Seconds()
			metrics.EngineLatencySeconds.Observe(elapsed)
			if onProgress != nil {
				onProgress(1.0, "completed")
			}
			return &jobs.Result{Artifacts: artifacts, GenerationTimeS: elapsed}, promptID, nil
		}
	}
}

// pollProgress synthesizes a monotonically increasing fraction from elapsed
// poll time, since the engine's history endpoint reports no queue position
// or step count of its own. It asymptotically approaches but never reaches
// 1.0, which onProgress only ever reports at actual completion.
func pollProgress(elapsed time.Duration) float64 {
	const horizon = 180 * time.Second
	frac := 0.05 + 0.85*float64(elapsed)/float64(elapsed+horizon)
	if frac > 0.95 {
		frac = 0.95
	}
	return frac
}

// HealthCheck reports whether the engine is reachable, used by /health.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return fmt.Errorf("engineadapter: build health request: %w", err)
	}
	_, err = c.doRequest(ctx, req, func(resp *http.Response) error { return nil })
	return err
}

func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader, v any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("engineadapter: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	_, err = c.doRequest(ctx, req, func(resp *http.Response) error {
		if v == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(v)
	})
	return err
}

// doRequest executes req through the circuit breaker with retry/backoff on
// 429/5xx responses and network timeouts (at most 3 attempts), the pattern
// adapted from the teacher's modrinth client do().
func (c *Client) doRequest(ctx context.Context, req *http.Request, handle func(*http.Response) error) (int, error) {
	result, err := c.cb.Execute(func() (any, error) {
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		var resp *http.Response
		var reqErr error
		for attempt := 0; attempt < 3; attempt++ {
			if attempt > 0 && req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("engineadapter: rewind request body: %w", err)
				}
				req.Body = body
			}
			start := time.Now()
			resp, reqErr = c.http.Do(req)
			dur := time.Since(start)
			if reqErr != nil {
				telemetry.Event("engine_request", map[string]string{
					"method": req.Method, "path": req.URL.Path,
					"status": "error", "duration_ms": strconv.FormatInt(dur.Milliseconds(), 10),
					"attempt": strconv.Itoa(attempt + 1),
				})
				kind := KindClient
				switch {
				case errors.Is(reqErr, context.Canceled):
					kind = KindCanceled
				case errors.Is(reqErr, context.DeadlineExceeded):
					kind = KindTimeout
				default:
					var ne net.Error
					if errors.As(reqErr, &ne) && ne.Timeout() {
						kind = KindTimeout
					}
				}
				if kind == KindTimeout && ctx.Err() == nil && attempt < 2 {
					delay := time.Duration(1<<attempt) * time.Second
					sleep(delay + randDuration(delay))
					continue
				}
				return nil, &Error{Kind: kind, Err: reqErr}
			}
			telemetry.Event("engine_request", map[string]string{
				"method": req.Method, "path": req.URL.Path,
				"status": strconv.Itoa(resp.StatusCode), "duration_ms": strconv.FormatInt(dur.Milliseconds(), 10),
				"attempt": strconv.Itoa(attempt + 1),
			})
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				delay := time.Duration(1<<attempt) * time.Second
				resp.Body.Close()
				sleep(delay + randDuration(delay))
				continue
			}
			break
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			kind := KindClient
			if resp.StatusCode >= 500 {
				kind = KindServer
			}
			return resp.StatusCode, &Error{Kind: kind, Status: resp.StatusCode, Message: string(body)}
		}
		defer resp.Body.Close()
		if err := handle(resp); err != nil {
			return resp.StatusCode, fmt.Errorf("engineadapter: decode response: %w", err)
		}
		return resp.StatusCode, nil
	})
	status, _ := result.(int)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return status, &Error{Kind: KindUnavailable, Message: "engine circuit open", Err: err}
		}
		return status, err
	}
	return status, nil
}
