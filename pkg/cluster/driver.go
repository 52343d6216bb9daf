package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomworks/bazaar/pkg/log"
	"github.com/loomworks/bazaar/pkg/metrics"
	"github.com/loomworks/bazaar/pkg/types"
)

var (
	// ErrJobSubmissionFailed means the scheduler rejected the parse or
	// submit call. Nothing was partially applied: the submit call is only
	// attempted after a successful parse.
	ErrJobSubmissionFailed = errors.New("job submission failed")

	// ErrSchedulerUnavailable means the scheduler returned an unexpected
	// status or could not be reached.
	ErrSchedulerUnavailable = errors.New("scheduler unavailable")
)

// Driver submits, inspects, and stops jobs on the external cluster
// scheduler over its HTTP API.
type Driver struct {
	addr   string
	client *http.Client
	logger zerolog.Logger
}

// NewDriver creates a driver for the scheduler at addr. Timeouts follow
// the platform-wide outbound policy: connect 5s, overall 60s.
func NewDriver(addr string) *Driver {
	return &Driver{
		addr: strings.TrimSuffix(addr, "/"),
		client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		},
		logger: log.WithComponent("cluster"),
	}
}

// parseRequest is the scheduler's spec-parse payload.
type parseRequest struct {
	JobHCL       string `json:"JobHCL"`
	Canonicalize bool   `json:"Canonicalize"`
}

// submitRequest wraps the canonical job for submission.
type submitRequest struct {
	Job json.RawMessage `json:"Job"`
}

// submitResponse carries the scheduler's job handle.
type submitResponse struct {
	EvalID string `json:"EvalID"`
}

// Submit renders the job spec for kind, parses it to canonical JSON on the
// scheduler, and submits it. Returns the job id. The two calls are
// sequential; a parse failure means nothing was submitted.
func (d *Driver) Submit(ctx context.Context, kind types.JobKind, vars TemplateVars) (string, error) {
	spec, err := RenderJobSpec(kind, vars)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrJobSubmissionFailed, err)
	}

	parsed, err := d.parse(ctx, spec)
	if err != nil {
		metrics.JobSubmitFailures.WithLabelValues(string(kind)).Inc()
		return "", err
	}

	if err := d.submit(ctx, parsed); err != nil {
		metrics.JobSubmitFailures.WithLabelValues(string(kind)).Inc()
		return "", err
	}

	metrics.JobsSubmitted.WithLabelValues(string(kind)).Inc()
	d.logger.Info().
		Str("kind", string(kind)).
		Str("job_id", vars.JobID).
		Msg("job submitted")
	return vars.JobID, nil
}

func (d *Driver) parse(ctx context.Context, spec string) (json.RawMessage, error) {
	body, err := json.Marshal(parseRequest{JobHCL: spec, Canonicalize: true})
	if err != nil {
		return nil, err
	}

	resp, err := d.post(ctx, "/v1/jobs/parse", body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse call: %v", ErrJobSubmissionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: parse returned %d: %s", ErrJobSubmissionFailed,
			resp.StatusCode, readBody(resp.Body))
	}
	return io.ReadAll(resp.Body)
}

func (d *Driver) submit(ctx context.Context, parsed json.RawMessage) error {
	body, err := json.Marshal(submitRequest{Job: parsed})
	if err != nil {
		return err
	}

	resp, err := d.post(ctx, "/v1/jobs", body)
	if err != nil {
		return fmt.Errorf("%w: submit call: %v", ErrJobSubmissionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: submit returned %d: %s", ErrJobSubmissionFailed,
			resp.StatusCode, readBody(resp.Body))
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return fmt.Errorf("%w: malformed submit response: %v", ErrJobSubmissionFailed, err)
	}
	return nil
}

// Exists reports whether the scheduler knows the job. 200 means yes, 404
// means no, anything else means the scheduler cannot be trusted right now.
func (d *Driver) Exists(ctx context.Context, jobID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		d.addr+"/v1/job/"+jobID, nil)
	if err != nil {
		return false, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSchedulerUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("%w: job lookup returned %d", ErrSchedulerUnavailable, resp.StatusCode)
	}
}

// Stop deletes a job. Idempotent: a 404 means the job is already gone and
// is reported as success.
func (d *Driver) Stop(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		d.addr+"/v1/job/"+jobID+"?purge=true", nil)
	if err != nil {
		return err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchedulerUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("%w: job stop returned %d: %s", ErrSchedulerUnavailable,
			resp.StatusCode, readBody(resp.Body))
	}
}

// jobListEntry is the subset of the scheduler's job listing the driver
// reads.
type jobListEntry struct {
	ID     string `json:"ID"`
	Status string `json:"Status"`
}

// JobCount returns the number of jobs the scheduler currently tracks as
// running or pending. Consulted by the license gate before submission.
func (d *Driver) JobCount(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.addr+"/v1/jobs", nil)
	if err != nil {
		return 0, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSchedulerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: job list returned %d", ErrSchedulerUnavailable, resp.StatusCode)
	}

	var jobs []jobListEntry
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return 0, fmt.Errorf("%w: malformed job list: %v", ErrSchedulerUnavailable, err)
	}

	count := 0
	for _, job := range jobs {
		switch job.Status {
		case "running", "pending":
			count++
		}
	}
	return count, nil
}

func (d *Driver) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.addr+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return d.client.Do(req)
}

// readBody reads a bounded error body for messages.
func readBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 1024))
	return strings.TrimSpace(string(data))
}
