package reports

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/bazaar/pkg/store"
	"github.com/loomworks/bazaar/pkg/types"
)

var testDocs = []Document{
	{Name: "handbook.pdf", Text: "Employees accrue vacation monthly. Vacation requests need manager approval. Sick leave is unlimited."},
	{Name: "policy.pdf", Text: "Remote work is allowed two days a week. Vacation carries over up to five days."},
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name     string
		question string
		keywords []string
		wantDocs []string
	}{
		{
			name:     "keyword match across documents",
			question: "What is the vacation policy?",
			keywords: []string{"vacation"},
			wantDocs: []string{"handbook.pdf", "handbook.pdf", "policy.pdf"},
		},
		{
			name:     "no match",
			question: "What is the dress code?",
			keywords: []string{"dress code"},
			wantDocs: nil,
		},
		{
			name:     "falls back to question words",
			question: "Is remote work allowed?",
			wantDocs: []string{"policy.pdf"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Extract("q-1", tt.question, tt.keywords, testDocs)

			var docs []string
			for _, a := range result.Answers {
				docs = append(docs, a.Document)
			}
			assert.ElementsMatch(t, tt.wantDocs, docs)

			// Scores are descending.
			for i := 1; i < len(result.Answers); i++ {
				assert.GreaterOrEqual(t, result.Answers[i-1].Score, result.Answers[i].Score)
			}
		})
	}
}

func TestExtractMultiKeywordScoring(t *testing.T) {
	docs := []Document{{Name: "d", Text: "Vacation needs approval. Vacation and sick leave need approval."}}
	result := Extract("q-1", "", []string{"vacation", "sick leave"}, docs)

	require.Len(t, result.Answers, 2)
	// The sentence hitting both keywords ranks first.
	assert.Contains(t, result.Answers[0].Snippet, "sick leave")
	assert.Greater(t, result.Answers[0].Score, result.Answers[1].Score)
}

// fakeControlPlane serves a fixed queue of reports to Pool workers.
type fakeControlPlane struct {
	mu        sync.Mutex
	queue     []*types.Report
	questions []types.Question
	completed map[string]types.ReportStatus
	results   map[string]json.RawMessage
	staleIDs  map[string]bool
}

func newFakeControlPlane(reports ...*types.Report) *fakeControlPlane {
	return &fakeControlPlane{
		queue:     reports,
		completed: map[string]types.ReportStatus{},
		results:   map[string]json.RawMessage{},
		staleIDs:  map[string]bool{},
	}
}

func (f *fakeControlPlane) WaitReady(context.Context) error { return nil }

func (f *fakeControlPlane) ClaimReport(context.Context) (*types.Report, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, false, nil
	}
	report := f.queue[0]
	f.queue = f.queue[1:]
	report.Status = types.ReportInProgress
	report.Attempt++
	return report, true, nil
}

func (f *fakeControlPlane) CompleteReport(_ context.Context, id string, attempt int, status types.ReportStatus, message string, result json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.staleIDs[id] {
		return &clientStatusError{}
	}
	f.completed[id] = status
	f.results[id] = result
	return nil
}

type clientStatusError struct{}

func (e *clientStatusError) Error() string { return "control plane returned 400: stale lease" }

func (f *fakeControlPlane) ListQuestions(context.Context, string) ([]types.Question, error) {
	return f.questions, nil
}

func mustDocsJSON(t *testing.T, docs []Document) []byte {
	t.Helper()
	data, err := json.Marshal(docs)
	require.NoError(t, err)
	return data
}

func TestPoolProcessesReport(t *testing.T) {
	report := &types.Report{ID: "r-1", ModelID: "m-1", Status: types.ReportQueued, Documents: mustDocsJSON(t, testDocs)}
	cp := newFakeControlPlane(report)
	cp.questions = []types.Question{{ID: "q-1", Text: "What is the vacation policy?", Keywords: []string{"vacation"}}}

	pool := NewPool(cp, 2, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		cp.mu.Lock()
		defer cp.mu.Unlock()
		return cp.completed["r-1"] == types.ReportComplete
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	var results []QuestionResult
	require.NoError(t, json.Unmarshal(cp.results["r-1"], &results))
	require.Len(t, results, 1)
	assert.NotEmpty(t, results[0].Answers)
}

func TestPoolFailsMalformedDocuments(t *testing.T) {
	report := &types.Report{ID: "r-1", ModelID: "m-1", Documents: []byte("{not json")}
	cp := newFakeControlPlane(report)

	pool := NewPool(cp, 1, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go pool.Run(ctx)

	require.Eventually(t, func() bool {
		cp.mu.Lock()
		defer cp.mu.Unlock()
		return cp.completed["r-1"] == types.ReportFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolAbandonsStaleLease(t *testing.T) {
	report := &types.Report{ID: "r-1", ModelID: "m-1", Documents: mustDocsJSON(t, testDocs)}
	cp := newFakeControlPlane(report)
	cp.staleIDs["r-1"] = true

	pool := NewPool(cp, 1, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, pool.Run(ctx))

	// The completion was rejected and never recorded; the worker moved on.
	assert.Empty(t, cp.completed)
}

// serviceStore covers the store slice the queue service touches.
type serviceStore struct {
	store.Store

	mu      sync.Mutex
	models  map[string]*types.Model
	reports map[string]*types.Report
}

func (s *serviceStore) GetModel(_ context.Context, id string) (*types.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (s *serviceStore) CreateReport(_ context.Context, r *types.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *r
	s.reports[r.ID] = &copied
	return nil
}

func (s *serviceStore) GetReport(_ context.Context, id string) (*types.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *r
	return &copied, nil
}

func TestServiceEnqueue(t *testing.T) {
	st := &serviceStore{
		models: map[string]*types.Model{
			"ke-1":  {ID: "ke-1", Name: "extractor", Type: types.ModelTypeKnowledgeExtraction},
			"ndb-1": {ID: "ndb-1", Name: "retriever", Type: types.ModelTypeNDB},
		},
		reports: map[string]*types.Report{},
	}
	svc := NewService(st, nil)
	ctx := context.Background()

	report, err := svc.Enqueue(ctx, "ke-1", testDocs)
	require.NoError(t, err)
	assert.Equal(t, types.ReportQueued, report.Status)
	assert.Zero(t, report.Attempt)

	_, err = svc.Enqueue(ctx, "ndb-1", testDocs)
	require.Error(t, err)

	_, err = svc.Enqueue(ctx, "ke-1", nil)
	require.Error(t, err)
}

func TestServiceEffectiveFailure(t *testing.T) {
	st := &serviceStore{
		models: map[string]*types.Model{},
		reports: map[string]*types.Report{
			"r-1": {ID: "r-1", Status: types.ReportInProgress, Attempt: store.MaxReportAttempts},
			"r-2": {ID: "r-2", Status: types.ReportInProgress, Attempt: 1},
		},
	}
	svc := NewService(st, nil)
	ctx := context.Background()

	wedged, err := svc.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, types.ReportFailed, wedged.Status)
	assert.Contains(t, wedged.Msg, "failed after")

	// The row itself keeps its true state for the admin reset.
	raw, err := st.GetReport(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, types.ReportInProgress, raw.Status)

	leased, err := svc.Get(ctx, "r-2")
	require.NoError(t, err)
	assert.Equal(t, types.ReportInProgress, leased.Status)
}
