package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
)

// Options tunes the client. Zero values fall back to defaults.
type Options struct {
	RequestTimeout time.Duration // per-request timeout (default 15s)
	PollInterval   time.Duration // history poll spacing (default 2s)
	PollTimeout    time.Duration // end-to-end prompt deadline (default 2h)
	RateLimit      time.Duration // minimum spacing between requests (default 100ms)
}

// Client talks to the graph runner's HTTP API. All requests share a
// rate limiter so tight poll loops cannot flood the upstream.
type Client struct {
	baseURL      string
	http         *http.Client
	limiter      *rate.Limiter
	pollInterval time.Duration
	pollTimeout  time.Duration
	logger       arbor.ILogger
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string, opts Options, logger arbor.ILogger) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 2 * time.Hour
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 100 * time.Millisecond
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: opts.RequestTimeout},
		limiter:      rate.NewLimiter(rate.Every(opts.RateLimit), 1),
		pollInterval: opts.PollInterval,
		pollTimeout:  opts.PollTimeout,
		logger:       logger,
	}
}

// HistoryEntry is one completed prompt record from /history.
type HistoryEntry struct {
	Status  HistoryStatus             `json:"status"`
	Outputs map[string]map[string]any `json:"outputs"`
}

// HistoryStatus carries the runner's completion verdict.
type HistoryStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// Health reports whether the upstream answers /system_stats.
func (c *Client) Health(ctx context.Context) bool {
	body, err := c.get(ctx, "/system_stats")
	return err == nil && len(body) > 0
}

// QueuePrompt submits a materialized graph and returns the upstream
// prompt id.
func (c *Client) QueuePrompt(ctx context.Context, graph map[string]any) (string, error) {
	payload, err := json.Marshal(map[string]any{"prompt": graph})
	if err != nil {
		return "", fmt.Errorf("failed to encode prompt: %w", err)
	}
	body, err := c.post(ctx, "/prompt", payload)
	if err != nil {
		return "", err
	}

	var resp struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("unexpected response from /prompt: %w", err)
	}
	if resp.PromptID == "" {
		return "", fmt.Errorf("upstream accepted the prompt but returned no prompt_id")
	}
	return resp.PromptID, nil
}

// History fetches the completion record for a prompt id. Returns nil
// when the prompt has not finished yet.
func (c *Client) History(ctx context.Context, promptID string) (*HistoryEntry, error) {
	body, err := c.get(ctx, "/history/"+promptID)
	if err != nil {
		return nil, err
	}

	var entries map[string]HistoryEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("unexpected response from /history: %w", err)
	}
	entry, ok := entries[promptID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// QueuePromptIDs returns the upstream prompt ids currently running or
// queued, for crash reconciliation.
func (c *Client) QueuePromptIDs(ctx context.Context) (map[string]bool, error) {
	body, err := c.get(ctx, "/queue")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Running [][]any `json:"queue_running"`
		Pending [][]any `json:"queue_pending"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unexpected response from /queue: %w", err)
	}

	ids := make(map[string]bool)
	for _, rows := range [][][]any{resp.Running, resp.Pending} {
		for _, row := range rows {
			// Queue rows are [number, prompt_id, graph, extra, ...].
			if len(row) > 1 {
				if id, ok := row[1].(string); ok {
					ids[id] = true
				}
			}
		}
	}
	return ids, nil
}

// PollUntilDone polls /history until the prompt completes or the poll
// deadline passes. Returns the history entry on completion.
func (c *Client) PollUntilDone(ctx context.Context, promptID string) (*HistoryEntry, error) {
	deadline := time.Now().Add(c.pollTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		entry, err := c.History(ctx, promptID)
		if err != nil {
			// Transient unreachability during a long render is tolerated;
			// anything else aborts the poll.
			var unreachable *UnreachableError
			if !errors.As(err, &unreachable) {
				return nil, err
			}
			if c.logger != nil {
				c.logger.Warn().Err(err).Str("prompt_id", promptID).Msg("History poll failed, retrying")
			}
		} else if entry != nil && entry.Terminal() {
			return entry, nil
		}

		if time.Now().After(deadline) {
			return nil, &TimeoutError{PromptID: promptID, After: c.pollTimeout}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Outputs flattens a history entry into "subfolder/filename" paths for
// every image, video, and gif artifact, deterministically ordered.
func (e *HistoryEntry) OutputPaths() []string {
	var paths []string
	nodeIDs := make([]string, 0, len(e.Outputs))
	for id := range e.Outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	for _, id := range nodeIDs {
		node := e.Outputs[id]
		for _, kind := range []string{"images", "videos", "gifs"} {
			items, ok := node[kind].([]any)
			if !ok {
				continue
			}
			for _, item := range items {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				filename, _ := m["filename"].(string)
				if filename == "" {
					continue
				}
				if subfolder, _ := m["subfolder"].(string); subfolder != "" {
					paths = append(paths, subfolder+"/"+filename)
				} else {
					paths = append(paths, filename)
				}
			}
		}
	}
	return paths
}

// Succeeded reports whether the runner completed the prompt cleanly.
func (e *HistoryEntry) Succeeded() bool {
	if e.Status.Completed {
		return true
	}
	return e.Status.StatusStr == "success"
}

// Terminal reports whether the entry is a final verdict. Any other
// status string means the prompt is still in flight.
func (e *HistoryEntry) Terminal() bool {
	if e.Status.Completed {
		return true
	}
	switch e.Status.StatusStr {
	case "error", "failed", "canceled":
		return true
	}
	return false
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, payload)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &UnreachableError{Endpoint: c.baseURL + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnreachableError{Endpoint: c.baseURL + path, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusBadRequest:
		return nil, &ValidationError{Detail: extractErrorDetail(data)}
	case resp.StatusCode >= 500:
		return nil, &ServerError{StatusCode: resp.StatusCode, Detail: extractErrorDetail(data)}
	default:
		return nil, &RequestError{StatusCode: resp.StatusCode, Detail: extractErrorDetail(data)}
	}
}
