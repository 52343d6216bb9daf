package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomworks/bazaar/pkg/auth"
	"github.com/loomworks/bazaar/pkg/log"
	"github.com/loomworks/bazaar/pkg/types"
)

const (
	defaultTimeout = 30 * time.Second

	// retryDelay is the pause before the single retry on idempotent
	// calls. Status callbacks are idempotent on the server, so a blind
	// retry is safe.
	retryDelay = 2 * time.Second
)

// envelope mirrors the control plane response wrapper.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Client is the internal HTTP client used by deployment runtimes and
// report workers to talk back to the control plane.
type Client struct {
	baseURL string
	token   string
	modelID string
	http    *http.Client
	logger  zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithModelID scopes permission lookups to one model.
func WithModelID(modelID string) Option {
	return func(c *Client) { c.modelID = modelID }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New creates a control plane client. token is the task-runner token
// injected into every job environment; it authenticates internal
// endpoints only.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
			},
		},
		logger: log.WithComponent("client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPermissions resolves a caller token into effective permissions
// on the client's model. Implements auth.Fetcher for the runtime's
// permission cache.
func (c *Client) FetchPermissions(ctx context.Context, token string) (types.Permissions, error) {
	q := url.Values{}
	if c.modelID != "" {
		q.Set("model_id", c.modelID)
	}

	var perms types.Permissions
	err := c.doRetry(ctx, http.MethodGet, "/api/v1/internal/permissions?"+q.Encode(), nil, &perms, token)
	if err != nil {
		return types.Permissions{}, fmt.Errorf("failed to fetch permissions: %w", err)
	}
	return perms, nil
}

// UpdateTrainStatus reports a training outcome back to the control
// plane. Safe to call more than once for the same transition.
func (c *Client) UpdateTrainStatus(ctx context.Context, modelID string, status types.TrainStatus, message string) error {
	body := map[string]string{
		"model_id": modelID,
		"status":   string(status),
		"message":  message,
	}
	if err := c.doRetry(ctx, http.MethodPost, "/api/v1/internal/train/update-status", body, nil, ""); err != nil {
		return fmt.Errorf("failed to update train status: %w", err)
	}
	return nil
}

// UpdateDeployStatus reports a deployment status transition.
func (c *Client) UpdateDeployStatus(ctx context.Context, deploymentID string, status types.DeployStatus, message string) error {
	body := map[string]string{
		"deployment_id": deploymentID,
		"status":        string(status),
		"message":       message,
	}
	if err := c.doRetry(ctx, http.MethodPost, "/api/v1/internal/deploy/update-status", body, nil, ""); err != nil {
		return fmt.Errorf("failed to update deploy status: %w", err)
	}
	return nil
}

// ReportStopped tells the control plane this deployment shut itself
// down, typically after the idle timeout fires.
func (c *Client) ReportStopped(ctx context.Context, deploymentID string) error {
	body := map[string]string{"deployment_id": deploymentID}
	if err := c.doRetry(ctx, http.MethodPost, "/api/v1/internal/deploy/stopped", body, nil, ""); err != nil {
		return fmt.Errorf("failed to report stopped: %w", err)
	}
	return nil
}

// ActiveDeploymentCount returns the number of live deployments of the
// client's model besides excludeDeploymentID. A runtime passes its own
// deployment id there, so its own row never counts toward the answer
// when it checks whether it may idle out.
func (c *Client) ActiveDeploymentCount(ctx context.Context, excludeDeploymentID string) (int, error) {
	q := url.Values{}
	if c.modelID != "" {
		q.Set("model_id", c.modelID)
	}
	if excludeDeploymentID != "" {
		q.Set("exclude", excludeDeploymentID)
	}

	var data struct {
		Count int `json:"count"`
	}
	if err := c.doRetry(ctx, http.MethodGet, "/api/v1/internal/deploy/active-count?"+q.Encode(), nil, &data, ""); err != nil {
		return 0, fmt.Errorf("failed to fetch active deployment count: %w", err)
	}
	return data.Count, nil
}

// ClaimReport leases the next queued report. Returns (nil, false, nil)
// when the queue is empty.
func (c *Client) ClaimReport(ctx context.Context) (*types.Report, bool, error) {
	var report types.Report
	err := c.do(ctx, http.MethodPost, "/api/v1/internal/report/claim", nil, &report, "")
	if err != nil {
		var se *StatusError
		if asStatusError(err, &se) && se.Code == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to claim report: %w", err)
	}
	return &report, true, nil
}

// CompleteReport finishes a leased report. attempt must match the value
// observed at claim time; the control plane rejects stale leases.
func (c *Client) CompleteReport(ctx context.Context, id string, attempt int, status types.ReportStatus, message string, result json.RawMessage) error {
	body := map[string]any{
		"report_id": id,
		"attempt":   attempt,
		"status":    string(status),
		"message":   message,
		"result":    result,
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/internal/report/complete", body, nil, ""); err != nil {
		return fmt.Errorf("failed to complete report: %w", err)
	}
	return nil
}

// CreateReport queues a document batch for extraction against modelID.
func (c *Client) CreateReport(ctx context.Context, modelID string, documents json.RawMessage) (*types.Report, error) {
	body := map[string]any{
		"model_id":  modelID,
		"documents": documents,
	}
	var report types.Report
	if err := c.do(ctx, http.MethodPost, "/api/v1/internal/report/create", body, &report, ""); err != nil {
		return nil, fmt.Errorf("failed to create report: %w", err)
	}
	return &report, nil
}

// GetReport fetches one report with its result when finished.
func (c *Client) GetReport(ctx context.Context, id string) (*types.Report, error) {
	var report types.Report
	if err := c.doRetry(ctx, http.MethodGet, "/api/v1/internal/report/"+url.PathEscape(id), nil, &report, ""); err != nil {
		return nil, fmt.Errorf("failed to fetch report: %w", err)
	}
	return &report, nil
}

// ListReports fetches every report for a model.
func (c *Client) ListReports(ctx context.Context, modelID string) ([]types.Report, error) {
	q := url.Values{}
	q.Set("model_id", modelID)

	var reports []types.Report
	if err := c.doRetry(ctx, http.MethodGet, "/api/v1/internal/reports?"+q.Encode(), nil, &reports, ""); err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	return reports, nil
}

// DeleteReport removes a report.
func (c *Client) DeleteReport(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/v1/internal/report/"+url.PathEscape(id), nil, nil, ""); err != nil {
		return fmt.Errorf("failed to delete report: %w", err)
	}
	return nil
}

// CreateQuestion attaches a question to a knowledge-extraction model.
func (c *Client) CreateQuestion(ctx context.Context, modelID, text, defaultUsage string) (*types.Question, error) {
	body := map[string]string{
		"model_id":      modelID,
		"text":          text,
		"default_usage": defaultUsage,
	}
	var question types.Question
	if err := c.do(ctx, http.MethodPost, "/api/v1/internal/questions", body, &question, ""); err != nil {
		return nil, fmt.Errorf("failed to create question: %w", err)
	}
	return &question, nil
}

// DeleteQuestion removes a question.
func (c *Client) DeleteQuestion(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/v1/internal/questions/"+url.PathEscape(id), nil, nil, ""); err != nil {
		return fmt.Errorf("failed to delete question: %w", err)
	}
	return nil
}

// AddKeywords appends keywords to a question.
func (c *Client) AddKeywords(ctx context.Context, questionID string, keywords []string) error {
	body := map[string]any{"keywords": keywords}
	if err := c.do(ctx, http.MethodPost, "/api/v1/internal/questions/"+url.PathEscape(questionID)+"/keywords", body, nil, ""); err != nil {
		return fmt.Errorf("failed to add keywords: %w", err)
	}
	return nil
}

// ListQuestions fetches the stored questions for a knowledge-extraction
// model. Workers resolve these when processing a claimed report.
func (c *Client) ListQuestions(ctx context.Context, modelID string) ([]types.Question, error) {
	q := url.Values{}
	q.Set("model_id", modelID)

	var questions []types.Question
	if err := c.doRetry(ctx, http.MethodGet, "/api/v1/internal/questions?"+q.Encode(), nil, &questions, ""); err != nil {
		return nil, fmt.Errorf("failed to list questions: %w", err)
	}
	return questions, nil
}

// WaitReady polls the control plane health endpoint until it answers or
// the context expires. Workers call this at startup so they do not spin
// on claim errors while the server is still migrating.
func (c *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
		if err != nil {
			return fmt.Errorf("failed to build health request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		c.logger.Debug().Str("base_url", c.baseURL).Msg("Control plane not ready, waiting")
		select {
		case <-ctx.Done():
			return fmt.Errorf("control plane never became ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// StatusError is a non-2xx response from the control plane.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control plane returned %d: %s", e.Code, e.Message)
}

func asStatusError(err error, target **StatusError) bool {
	se, ok := err.(*StatusError)
	if ok {
		*target = se
	}
	return ok
}

// doRetry performs an idempotent request with one blind retry on
// transport failure. Non-2xx responses are not retried; the server saw
// the request.
func (c *Client) doRetry(ctx context.Context, method, path string, body, out any, userToken string) error {
	err := c.do(ctx, method, path, body, out, userToken)
	if err == nil {
		return nil
	}
	var se *StatusError
	if asStatusError(err, &se) {
		return err
	}

	select {
	case <-ctx.Done():
		return err
	case <-time.After(retryDelay):
	}
	c.logger.Debug().Str("path", path).Err(err).Msg("Retrying request")
	return c.do(ctx, method, path, body, out, userToken)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, userToken string) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userToken != "" {
		req.Header.Set("Authorization", "Bearer "+userToken)
	}
	req.Header.Set(auth.HeaderTaskToken, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return &StatusError{Code: resp.StatusCode, Message: "unparseable response: " + strconv.Quote(truncate(raw, 200))}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Message: env.Message}
	}

	if out != nil {
		if len(env.Data) == 0 {
			return fmt.Errorf("response missing data field")
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
