package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	defaultRemoteTimeout      = 300 * time.Second
	defaultRemotePollInterval = 5 * time.Second
	maxErrorBody              = 512
)

// RemoteConfig configures a Remote backend.
type RemoteConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	PollInterval time.Duration
}

// Remote submits templates to a browser-automation task service and polls
// until the task settles:
//
//	POST {base}/api/v1/tasks           -> {"task_id": "..."}
//	GET  {base}/api/v1/tasks/{task_id} -> {"status": "...", "extracted_information": {...}}
type Remote struct {
	baseURL      string
	apiKey       string
	timeout      time.Duration
	pollInterval time.Duration
	client       *http.Client
	log          *zap.SugaredLogger
}

// NewRemote builds a Remote with a shared HTTP client.
func NewRemote(cfg RemoteConfig, log *zap.SugaredLogger) *Remote {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRemoteTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultRemotePollInterval
	}
	return &Remote{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		timeout:      cfg.Timeout,
		pollInterval: cfg.PollInterval,
		client:       &http.Client{},
		log:          log,
	}
}

type remoteTask struct {
	TaskID               string         `json:"task_id"`
	Status               string         `json:"status"`
	FailureReason        string         `json:"failure_reason"`
	ExtractedInformation map[string]any `json:"extracted_information"`
}

// Execute runs tpl against targetURL. The whole round trip, submit plus every
// poll, shares one deadline.
func (r *Remote) Execute(ctx context.Context, tpl Template, targetURL string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body := tpl.clone().Request
	if body == nil {
		body = map[string]any{}
	}
	body["url"] = targetURL

	submitted, err := r.submit(ctx, body)
	if err != nil {
		return nil, err
	}
	if submitted.TaskID == "" {
		// Synchronous deployments answer with the finished task directly.
		return settle(submitted)
	}
	r.log.Debugw("automation task submitted", "template", tpl.Name, "remoteId", submitted.TaskID)
	return r.await(ctx, submitted.TaskID)
}

func (r *Remote) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("x-api-key", r.apiKey)
	}
	return req, nil
}

func (r *Remote) submit(ctx context.Context, body map[string]any) (*remoteTask, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fail(KindRejected, err, "encode template")
	}
	req, err := r.newRequest(ctx, http.MethodPost, r.baseURL+"/api/v1/tasks", bytes.NewReader(payload))
	if err != nil {
		return nil, fail(KindRejected, err, "build submit request")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, transportFailure(ctx, err, "submit task")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportFailure(ctx, err, "read submit response")
	}
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fail(KindRemoteFailed, nil, "submit returned %d: %s", resp.StatusCode, snippet(raw))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fail(KindRejected, nil, "submit returned %d: %s", resp.StatusCode, snippet(raw))
	default:
		return nil, fail(KindRemoteFailed, nil, "submit returned %d: %s", resp.StatusCode, snippet(raw))
	}

	var task remoteTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fail(KindRemoteFailed, err, "decode submit response")
	}
	return &task, nil
}

// await polls until the task reaches a final status or ctx ends. Poll errors
// are logged and retried on the next tick.
func (r *Remote) await(ctx context.Context, taskID string) (*Result, error) {
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, transportFailure(ctx, ctx.Err(), "await task %s", taskID)
		case <-timer.C:
		}

		task, err := r.poll(ctx, taskID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, transportFailure(ctx, err, "await task %s", taskID)
			}
			r.log.Warnw("automation poll failed", "remoteId", taskID, "err", err)
		case isFinal(task.Status):
			if task.TaskID == "" {
				task.TaskID = taskID
			}
			return settle(task)
		default:
			r.log.Debugw("automation task pending", "remoteId", taskID, "status", task.Status)
		}
		timer.Reset(r.pollInterval)
	}
}

func (r *Remote) poll(ctx context.Context, taskID string) (*remoteTask, error) {
	req, err := r.newRequest(ctx, http.MethodGet, r.baseURL+"/api/v1/tasks/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("status check returned %d: %s", resp.StatusCode, snippet(raw))
	}
	var task remoteTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, errors.Wrap(err, "decode status response")
	}
	return &task, nil
}

func isFinal(status string) bool {
	switch strings.ToLower(status) {
	case "completed", "failed", "terminated", "canceled", "cancelled", "timed_out":
		return true
	}
	return false
}

func settle(task *remoteTask) (*Result, error) {
	switch strings.ToLower(task.Status) {
	case "completed", "":
		data := task.ExtractedInformation
		if data == nil {
			data = map[string]any{}
		}
		return &Result{RemoteID: task.TaskID, Data: data}, nil
	case "timed_out":
		return nil, fail(KindTimeout, nil, "remote task %s timed out", task.TaskID)
	default:
		reason := task.FailureReason
		if reason == "" {
			reason = "no reason given"
		}
		return nil, fail(KindRemoteFailed, nil, "remote task %s %s: %s", task.TaskID, task.Status, reason)
	}
}

// transportFailure tells a spent deadline apart from an unreachable service.
func transportFailure(ctx context.Context, err error, format string, args ...any) *Failure {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fail(KindTimeout, err, format, args...)
	}
	return fail(KindConnection, err, format, args...)
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}
