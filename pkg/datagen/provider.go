package datagen

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/tmc/langchaingo/llms"

	"github.com/loomworks/bazaar/pkg/metrics"
)

// Provider wraps the completion backend behind a circuit breaker. A
// provider that starts failing hard trips the breaker, and the batch
// degrades to faker-only output instead of hammering a dead endpoint.
type Provider struct {
	llm     llms.Model
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger

	// traceback collects per-call failures; one call failing never
	// aborts the batch.
	tracebackPath string
	tbMu          sync.Mutex
}

// NewProvider wraps model with breaker settings tuned for batch
// generation: trip after 5 consecutive failures, probe again after 30s.
func NewProvider(model llms.Model, tracebackPath string, logger zerolog.Logger) *Provider {
	settings := gobreaker.Settings{
		Name:    "llm",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Provider{
		llm:           model,
		breaker:       gobreaker.NewCircuitBreaker(settings),
		logger:        logger,
		tracebackPath: tracebackPath,
	}
}

// Available reports whether a completion backend is configured at all.
func (p *Provider) Available() bool { return p != nil && p.llm != nil }

// Complete runs one prompt through the breaker. Failures are written to
// the traceback file and returned; callers decide whether to continue.
func (p *Provider) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := p.breaker.Execute(func() (any, error) {
		return llms.GenerateFromSinglePrompt(ctx, p.llm, prompt)
	})
	if err != nil {
		outcome := "error"
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			outcome = "breaker_open"
		}
		metrics.LLMCallsTotal.WithLabelValues(outcome).Inc()
		p.recordFailure(prompt, err)
		return "", err
	}
	metrics.LLMCallsTotal.WithLabelValues("ok").Inc()
	return out.(string), nil
}

// Values asks the LLM for n values of a tag, one per line.
func (p *Provider) Values(ctx context.Context, tag string, n int) ([]string, error) {
	prompt := fmt.Sprintf(
		"Generate %d realistic example values for the entity type %q. "+
			"Return one value per line with no numbering and no commentary.", n, tag)
	raw, err := p.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return splitNonEmptyLines(raw, n), nil
}

// Templates asks the LLM for n sentence templates containing the given
// placeholders.
func (p *Provider) Templates(ctx context.Context, tags []string, n int) ([]string, error) {
	placeholders := make([]string, len(tags))
	for i, tag := range tags {
		placeholders[i] = "[" + tag + "]"
	}
	prompt := fmt.Sprintf(
		"Generate %d short, varied sentences that each contain the placeholder %s exactly as written. "+
			"Return one sentence per line with no numbering.", n, strings.Join(placeholders, " or "))
	raw, err := p.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return splitNonEmptyLines(raw, n), nil
}

// recordFailure appends the error to the traceback file. Traceback
// writes are best-effort: losing one never fails the batch.
func (p *Provider) recordFailure(prompt string, callErr error) {
	if p.tracebackPath == "" {
		return
	}
	p.tbMu.Lock()
	defer p.tbMu.Unlock()

	f, err := os.OpenFile(p.tracebackPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to open traceback file")
		return
	}
	defer f.Close()

	entry := fmt.Sprintf("%s\terror=%v\tprompt=%s\n",
		time.Now().UTC().Format(time.RFC3339), callErr, strings.ReplaceAll(prompt, "\n", " "))
	if _, err := f.WriteString(entry); err != nil {
		p.logger.Warn().Err(err).Msg("failed to append traceback")
	}
}

func splitNonEmptyLines(raw string, limit int) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == limit {
			break
		}
	}
	return out
}
