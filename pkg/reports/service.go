package reports

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomworks/bazaar/pkg/events"
	"github.com/loomworks/bazaar/pkg/log"
	"github.com/loomworks/bazaar/pkg/store"
	"github.com/loomworks/bazaar/pkg/types"
)

// Document is one item in a report's submitted batch.
type Document struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Service is the control-plane side of the report queue: enqueue, query,
// and the admin reset for reports wedged at the attempt bound.
type Service struct {
	store  store.Store
	broker *events.Broker
	logger zerolog.Logger
}

// NewService creates a Service. The broker may be nil.
func NewService(st store.Store, broker *events.Broker) *Service {
	return &Service{store: st, broker: broker, logger: log.WithComponent("reports")}
}

// Enqueue validates a document batch and queues a report for the worker
// pool.
func (s *Service) Enqueue(ctx context.Context, modelID string, documents []Document) (*types.Report, error) {
	if len(documents) == 0 {
		return nil, fmt.Errorf("report needs at least one document")
	}
	model, err := s.store.GetModel(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	if model.Type != types.ModelTypeKnowledgeExtraction {
		return nil, fmt.Errorf("model %s is not a knowledge-extraction model", model.Name)
	}

	docsJSON, err := json.Marshal(documents)
	if err != nil {
		return nil, fmt.Errorf("failed to encode documents: %w", err)
	}

	report := &types.Report{
		ID:        uuid.New().String(),
		ModelID:   modelID,
		Status:    types.ReportQueued,
		Documents: docsJSON,
	}
	if err := s.store.CreateReport(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to create report: %w", err)
	}

	s.publish(events.EventReportQueued, modelID, report.ID)
	s.logger.Info().
		Str("report_id", report.ID).
		Str("model_id", modelID).
		Int("documents", len(documents)).
		Msg("Report queued")
	return report, nil
}

// Get returns a report. A report stuck in_progress at the attempt bound
// is surfaced as failed; the row keeps its true state for the admin
// reset.
func (s *Service) Get(ctx context.Context, id string) (*types.Report, error) {
	report, err := s.store.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if report.Status == types.ReportInProgress && report.Attempt >= store.MaxReportAttempts {
		report.Status = types.ReportFailed
		if report.Msg == "" {
			report.Msg = fmt.Sprintf("failed after %d attempts", report.Attempt)
		}
	}
	return report, nil
}

// List returns a model's reports with the same effective-status mapping
// as Get.
func (s *Service) List(ctx context.Context, modelID string) ([]*types.Report, error) {
	reports, err := s.store.ListReports(ctx, modelID)
	if err != nil {
		return nil, err
	}
	for _, r := range reports {
		if r.Status == types.ReportInProgress && r.Attempt >= store.MaxReportAttempts {
			r.Status = types.ReportFailed
		}
	}
	return reports, nil
}

// Delete removes a report.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteReport(ctx, id)
}

// Reset re-queues a report with attempt zero. The operator's escape
// hatch for reports wedged at the attempt bound.
func (s *Service) Reset(ctx context.Context, id string) error {
	if err := s.store.ResetReport(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("report_id", id).Msg("Report reset to queued")
	return nil
}

func (s *Service) publish(eventType events.EventType, modelID, reportID string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:      eventType,
		Timestamp: types.NowUTC(),
		ModelID:   modelID,
		Message:   reportID,
	})
}
