package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/bazaar/pkg/client"
	"github.com/loomworks/bazaar/pkg/log"
	"github.com/loomworks/bazaar/pkg/metrics"
	"github.com/loomworks/bazaar/pkg/types"
)

// ControlPlane is the slice of the HTTP client a worker uses.
type ControlPlane interface {
	WaitReady(ctx context.Context) error
	ClaimReport(ctx context.Context) (*types.Report, bool, error)
	CompleteReport(ctx context.Context, id string, attempt int, status types.ReportStatus, message string, result json.RawMessage) error
	ListQuestions(ctx context.Context, modelID string) ([]types.Question, error)
}

var _ ControlPlane = (*client.Client)(nil)

// Pool runs N stateless report workers against the control plane. Lease
// exclusivity comes from the queue, not from anything in-process, so
// pools can run on any number of hosts.
type Pool struct {
	cp       ControlPlane
	workers  int
	interval time.Duration
	logger   zerolog.Logger
}

// NewPool creates a worker pool.
func NewPool(cp ControlPlane, workers int, pollInterval time.Duration) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Pool{
		cp:       cp,
		workers:  workers,
		interval: pollInterval,
		logger:   log.WithComponent("reports"),
	}
}

// Run blocks until ctx is cancelled, waiting for the control plane and
// then polling for work on every worker.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.cp.WaitReady(ctx); err != nil {
		return fmt.Errorf("failed waiting for control plane: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			p.logger.Info().Int("worker", worker).Msg("Report worker started")
			p.loop(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, worker int) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		// Drain the queue before sleeping; one claim per tick would
		// starve deep backlogs.
		for {
			claimed, err := p.runOne(ctx, worker)
			if err != nil {
				p.logger.Error().Err(err).Int("worker", worker).Msg("Report processing failed")
				break
			}
			if !claimed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runOne claims and processes a single report. Returns false when the
// queue is empty.
func (p *Pool) runOne(ctx context.Context, worker int) (bool, error) {
	report, ok, err := p.cp.ClaimReport(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	metrics.ReportsClaimed.Inc()
	p.logger.Info().
		Int("worker", worker).
		Str("report_id", report.ID).
		Int("attempt", report.Attempt).
		Msg("Claimed report")

	result, procErr := p.process(ctx, report)

	status := types.ReportComplete
	message := ""
	if procErr != nil {
		status = types.ReportFailed
		message = procErr.Error()
	}

	// The completion call is not idempotent: the lease may have moved to
	// another worker. A rejection is reported and abandoned, never
	// replayed.
	if err := p.cp.CompleteReport(ctx, report.ID, report.Attempt, status, message, result); err != nil {
		metrics.ReportLeaseRejections.Inc()
		p.logger.Warn().
			Err(err).
			Str("report_id", report.ID).
			Int("attempt", report.Attempt).
			Msg("Abandoning report completion, lease no longer ours")
		return true, nil
	}

	p.logger.Info().
		Str("report_id", report.ID).
		Str("status", string(status)).
		Msg("Report finished")
	return true, nil
}

func (p *Pool) process(ctx context.Context, report *types.Report) (json.RawMessage, error) {
	var documents []Document
	if err := json.Unmarshal(report.Documents, &documents); err != nil {
		return nil, fmt.Errorf("failed to decode report documents: %w", err)
	}

	questions, err := p.cp.ListQuestions(ctx, report.ModelID)
	if err != nil {
		return nil, err
	}

	results := make([]QuestionResult, 0, len(questions))
	for _, q := range questions {
		results = append(results, Extract(q.ID, q.Text, q.Keywords, documents))
	}

	encoded, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report result: %w", err)
	}
	return encoded, nil
}
