package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/bazaar/pkg/artifact"
	"github.com/loomworks/bazaar/pkg/types"
	"github.com/loomworks/bazaar/pkg/updatelog"
)

// fakeCP implements the ControlPlane slice the tests touch; anything
// else panics through the embedded interface.
type fakeCP struct {
	ControlPlane

	mu       sync.Mutex
	perms    types.Permissions
	live     []string
	stopped  []string
	statuses []types.DeployStatus
}

func (f *fakeCP) FetchPermissions(_ context.Context, _ string) (types.Permissions, error) {
	return f.perms, nil
}

// ActiveDeploymentCount mirrors the control plane: live holds every
// deployment row the store would count, the runtime's own included.
func (f *fakeCP) ActiveDeploymentCount(_ context.Context, exclude string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, id := range f.live {
		if id != exclude {
			count++
		}
	}
	return count, nil
}

func (f *fakeCP) ReportStopped(_ context.Context, deploymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, deploymentID)
	return nil
}

func (f *fakeCP) UpdateDeployStatus(_ context.Context, _ string, status types.DeployStatus, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeCP) stoppedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

type testEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func readWritePerms() types.Permissions {
	return types.Permissions{Read: true, Write: true, Username: "tester", Exp: time.Now().Add(time.Hour)}
}

// newTestRuntime builds a loaded runtime over temp dirs and returns it
// with its router.
func newTestRuntime(t *testing.T, dep types.DeploymentConfig, cp *fakeCP, opts ...Option) (*Runtime, http.Handler) {
	t.Helper()

	layout, err := artifact.NewLayout(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, layout.EnsureModelDirs(dep.ModelID))

	depPath := filepath.Join(t.TempDir(), "deployment.json")
	raw, err := json.Marshal(dep)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(depPath, raw, 0o644))

	cfg := Config{
		ConfigPath:    depPath,
		AllocID:       "alloc-1",
		LocalDir:      t.TempDir(),
		PermissionTTL: time.Minute,
		LowDiskBytes:  1,
	}
	rt, err := New(cfg, cp, layout, "http://bazaar.internal", opts...)
	require.NoError(t, err)
	require.NoError(t, rt.Load(context.Background()))

	router, err := rt.Router()
	require.NoError(t, err)
	return rt, router
}

func doReq(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-token")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env testEnvelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func seedChunks(t *testing.T, layout *artifact.Layout, modelID string, chunks []ndbChunk) {
	t.Helper()
	var lines strings.Builder
	for _, chunk := range chunks {
		raw, err := json.Marshal(chunk)
		require.NoError(t, err)
		lines.Write(raw)
		lines.WriteByte('\n')
	}
	path := filepath.Join(layout.ArtifactDir(modelID), chunksFile)
	require.NoError(t, os.WriteFile(path, []byte(lines.String()), 0o644))
}

func ndbDep(autoscaled bool) types.DeploymentConfig {
	return types.DeploymentConfig{
		DeploymentID:       "dep-1",
		ModelID:            "model-1",
		ModelType:          types.ModelTypeNDB,
		AutoscalingEnabled: autoscaled,
	}
}

func TestNdbSearchUsesFeedback(t *testing.T) {
	cp := &fakeCP{perms: readWritePerms()}

	layout, err := artifact.NewLayout(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, layout.EnsureModelDirs("model-1"))
	seedChunks(t, layout, "model-1", []ndbChunk{
		{ChunkID: 10, Source: "a.txt", Text: "postgres connection pooling"},
		{ChunkID: 78, Source: "b.txt", Text: "tuning postgres indexes"},
	})

	dep := ndbDep(false)
	depPath := filepath.Join(t.TempDir(), "deployment.json")
	raw, _ := json.Marshal(dep)
	require.NoError(t, os.WriteFile(depPath, raw, 0o644))

	cfg := Config{ConfigPath: depPath, AllocID: "alloc-1", LocalDir: t.TempDir(), PermissionTTL: time.Minute, LowDiskBytes: 1}
	rt, err := New(cfg, cp, layout, "http://bazaar.internal")
	require.NoError(t, err)
	require.NoError(t, rt.Load(context.Background()))
	router, err := rt.Router()
	require.NoError(t, err)

	// Both chunks mention postgres; feedback decides the winner.
	for i := 0; i < 3; i++ {
		rec, _ := doReq(t, router, http.MethodPost, "/upvote", `{"query":"postgres","chunk_id":78}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec, env := doReq(t, router, http.MethodPost, "/search", `{"query":"postgres","top_k":1}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		References []SearchResult `json:"references"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Len(t, data.References, 1)
	assert.Equal(t, 78, data.References[0].ChunkID)
}

func TestAutoscaledWritesGoToUpdateLog(t *testing.T) {
	cp := &fakeCP{perms: readWritePerms()}
	rt, router := newTestRuntime(t, ndbDep(true), cp)

	rec, _ := doReq(t, router, http.MethodPost, "/insert",
		`{"documents":[{"source":"doc.txt","chunks":["hello world"]}]}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec, _ = doReq(t, router, http.MethodPost, "/upvote", `{"query":"q","chunk_id":3}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	inserts, err := updatelog.ReadAll(rt.layout.DataDir("dep-1"), updatelog.KindInsertions)
	require.NoError(t, err)
	require.Len(t, inserts, 1)
	assert.Equal(t, updatelog.EventInsert, inserts[0].Type)

	feedback, err := updatelog.ReadAll(rt.layout.DataDir("dep-1"), updatelog.KindFeedback)
	require.NoError(t, err)
	require.Len(t, feedback, 1)

	// The replica's own engine stays untouched.
	sources, err := rt.ndb.Sources(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestAutoscaledSaveRefused(t *testing.T) {
	cp := &fakeCP{perms: readWritePerms()}
	_, router := newTestRuntime(t, ndbDep(true), cp)

	rec, env := doReq(t, router, http.MethodPost, "/save", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, env.Message, "autoscaling")
}

func TestMissingCredentialsRejected(t *testing.T) {
	cp := &fakeCP{perms: readWritePerms()}
	_, router := newTestRuntime(t, ndbDep(false), cp)

	req := httptest.NewRequest(http.MethodGet, "/sources", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReadOnlyCallerCannotMutate(t *testing.T) {
	cp := &fakeCP{perms: types.Permissions{Read: true, Username: "viewer", Exp: time.Now().Add(time.Hour)}}
	_, router := newTestRuntime(t, ndbDep(false), cp)

	rec, _ := doReq(t, router, http.MethodPost, "/delete", `{"source":"a.txt"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = doReq(t, router, http.MethodPost, "/search", `{"query":"anything"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNlpTokenPredict(t *testing.T) {
	cp := &fakeCP{perms: readWritePerms()}

	layout, err := artifact.NewLayout(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, layout.EnsureModelDirs("model-2"))
	lexicon := `{"PHONE":["[0-9]{3}-[0-9]{2}-[0-9]{4}"]}`
	require.NoError(t, os.WriteFile(filepath.Join(layout.ArtifactDir("model-2"), lexiconFile), []byte(lexicon), 0o644))

	dep := types.DeploymentConfig{DeploymentID: "dep-2", ModelID: "model-2", ModelType: types.ModelTypeNLPToken}
	depPath := filepath.Join(t.TempDir(), "deployment.json")
	raw, _ := json.Marshal(dep)
	require.NoError(t, os.WriteFile(depPath, raw, 0o644))

	cfg := Config{ConfigPath: depPath, AllocID: "alloc-1", LocalDir: t.TempDir(), PermissionTTL: time.Minute, LowDiskBytes: 1}
	rt, err := New(cfg, cp, layout, "http://bazaar.internal")
	require.NoError(t, err)
	require.NoError(t, rt.Load(context.Background()))
	router, err := rt.Router()
	require.NoError(t, err)

	rec, env := doReq(t, router, http.MethodPost, "/predict", `{"text":"my number is 123-45-6789"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		Tags []TokenTag `json:"tags"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Len(t, data.Tags, 1)
	assert.Equal(t, TokenTag{Tag: "PHONE", Start: 13, End: 24}, data.Tags[0])
}

func TestNlpSampleStorage(t *testing.T) {
	cp := &fakeCP{perms: readWritePerms()}
	dep := types.DeploymentConfig{DeploymentID: "dep-3", ModelID: "model-3", ModelType: types.ModelTypeNLPText}
	_, router := newTestRuntime(t, dep, cp)

	rec, _ := doReq(t, router, http.MethodPost, "/insert_sample", `{"text":"refund my order","labels":["refund"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = doReq(t, router, http.MethodPost, "/add_labels", `{"labels":["complaint"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := doReq(t, router, http.MethodGet, "/get_recent_samples?n=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var samples struct {
		Samples []Sample `json:"samples"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &samples))
	require.Len(t, samples.Samples, 1)
	assert.Equal(t, "refund my order", samples.Samples[0].Text)

	rec, env = doReq(t, router, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]int
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 1, stats["sample_count"])
	assert.Equal(t, 2, stats["label_count"])
}

func TestEnterpriseSearchRedactsReferences(t *testing.T) {
	cp := &fakeCP{perms: readWritePerms()}

	// Dependency NDB deployment.
	retriever := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": map[string]any{
				"query_text": "who called",
				"references": []map[string]any{
					{"chunk_id": 1, "text": "call 123-45-6789 now", "source": "a.txt", "score": 1.0},
				},
			},
		})
	}))
	defer retriever.Close()

	// Guardrail dependency tagging the phone pattern.
	guard := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		var tags []TokenTag
		if idx := strings.Index(req.Text, "123-45-6789"); idx >= 0 {
			tags = append(tags, TokenTag{Tag: "PHONE", Start: idx, End: idx + 11})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]any{"tags": tags},
		})
	}))
	defer guard.Close()

	dep := types.DeploymentConfig{
		DeploymentID: "dep-es",
		ModelID:      "model-es",
		ModelType:    types.ModelTypeEnterpriseSearch,
		Dependencies: []types.DeploymentDependency{
			{ModelID: "model-ndb", ModelType: types.ModelTypeNDB, DeploymentID: "dep-ndb"},
			{ModelID: "model-guard", ModelType: types.ModelTypeNLPToken, DeploymentID: "dep-guard"},
		},
	}
	resolver := func(d types.DeploymentDependency) string {
		if d.ModelType == types.ModelTypeNDB {
			return retriever.URL
		}
		return guard.URL
	}

	_, router := newTestRuntime(t, dep, cp, WithDependencyResolver(resolver))

	rec, env := doReq(t, router, http.MethodPost, "/search", `{"query":"who called 123-45-6789","top_k":5}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		QueryText  string            `json:"query_text"`
		References []searchReference `json:"references"`
		Entities   map[string]string `json:"entities"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Len(t, data.References, 1)
	assert.Equal(t, "call [PHONE#0] now", data.References[0].Text)
	assert.Equal(t, map[string]string{"[PHONE#0]": "123-45-6789"}, data.Entities)

	rec, env = doReq(t, router, http.MethodPost, "/unredact",
		`{"text":"call [PHONE#0] now","entities":{"[PHONE#0]":"123-45-6789"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var unredacted map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &unredacted))
	assert.Equal(t, "call 123-45-6789 now", unredacted["text"])
}

func TestIdleTimerFiresAndReArms(t *testing.T) {
	var mu sync.Mutex
	fires := 0
	timer := newIdleTimer(20*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		fires++
		return fires < 2
	})
	defer timer.Stop()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fires == 2
	}, time.Second, 5*time.Millisecond)

	// Returned false on the second fire; no third fire happens.
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, fires)
}

func TestIdleTimerTouchDefersFire(t *testing.T) {
	var mu sync.Mutex
	fired := false
	timer := newIdleTimer(50*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		fired = true
		return false
	})
	defer timer.Stop()

	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		timer.Touch()
	}
	mu.Lock()
	assert.False(t, fired)
	mu.Unlock()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired
	}, time.Second, 5*time.Millisecond)
}

// A lone deployment's own row is status complete once it has started
// serving, so it must not count toward the idle check or the runtime
// would keep itself alive indefinitely.
func TestIdleShutdownLoneDeploymentStops(t *testing.T) {
	cp := &fakeCP{perms: readWritePerms(), live: []string{"dep-1"}}
	rt, _ := newTestRuntime(t, ndbDep(false), cp)

	stopped := make(chan struct{})
	again := rt.idleFired(stopped)
	assert.False(t, again)
	assert.Equal(t, []string{"dep-1"}, cp.stoppedIDs())

	select {
	case <-stopped:
	default:
		t.Fatal("stopped channel not closed")
	}
}

func TestIdleShutdownSkippedWhileOthersActive(t *testing.T) {
	cp := &fakeCP{perms: readWritePerms(), live: []string{"dep-1", "dep-2"}}
	rt, _ := newTestRuntime(t, ndbDep(false), cp)

	stopped := make(chan struct{})
	assert.True(t, rt.idleFired(stopped))
	assert.Empty(t, cp.stoppedIDs())
}

func TestLoadDeploymentConfigRejectsIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployment.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"model_type":"ndb"}`), 0o644))

	_, err := LoadDeploymentConfig(path)
	assert.Error(t, err)
}
