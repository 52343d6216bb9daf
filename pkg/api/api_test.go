package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/bazaar/pkg/auth"
	"github.com/loomworks/bazaar/pkg/config"
	"github.com/loomworks/bazaar/pkg/metrics"
	"github.com/loomworks/bazaar/pkg/reports"
	"github.com/loomworks/bazaar/pkg/store"
	"github.com/loomworks/bazaar/pkg/types"
	"github.com/loomworks/bazaar/pkg/vault"
)

const taskToken = "unit-task-token"

// fakeStore covers the slice of the store the handlers under test
// touch. Unimplemented methods panic through the embedded nil
// interface.
type fakeStore struct {
	store.Store

	mu        sync.Mutex
	users     map[string]*types.User
	keys      map[string]*types.APIKey // by hash
	models    map[string]*types.Model
	teams     map[string]*types.Team
	members   map[string][]*types.TeamMembership // by user
	questions map[string]*types.Question
	reports   map[string]*types.Report
	secrets   map[string]*types.Secret
	shared    map[string]bool // "a|b" -> share a team
	audits    []*types.AuditEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     map[string]*types.User{},
		keys:      map[string]*types.APIKey{},
		models:    map[string]*types.Model{},
		teams:     map[string]*types.Team{},
		members:   map[string][]*types.TeamMembership{},
		questions: map[string]*types.Question{},
		reports:   map[string]*types.Report{},
		secrets:   map[string]*types.Secret{},
		shared:    map[string]bool{},
	}
}

func (f *fakeStore) CreateUser(_ context.Context, user *types.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == user.Username || u.Email == user.Email {
			return store.ErrDuplicate
		}
	}
	copied := *user
	f.users[user.ID] = &copied
	return nil
}

func (f *fakeStore) GetUser(_ context.Context, id string) (*types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (f *fakeStore) GetUserByUsername(_ context.Context, username string) (*types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			copied := *u
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (*types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) UpdateUser(_ context.Context, user *types.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[user.ID]; !ok {
		return store.ErrNotFound
	}
	copied := *user
	f.users[user.ID] = &copied
	return nil
}

func (f *fakeStore) DeleteUser(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, id)
	return nil
}

func (f *fakeStore) CreateAPIKey(_ context.Context, key *types.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *key
	f.keys[key.KeyHash] = &copied
	return nil
}

func (f *fakeStore) GetAPIKeyByHash(_ context.Context, hash string) (*types.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *key
	return &copied, nil
}

func (f *fakeStore) GetModel(_ context.Context, id string) (*types.Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	model, ok := f.models[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *model
	return &copied, nil
}

func (f *fakeStore) SharesTeam(_ context.Context, userA, userB string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shared[userA+"|"+userB] || f.shared[userB+"|"+userA], nil
}

func (f *fakeStore) CreateTeam(_ context.Context, team *types.Team) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *team
	f.teams[team.ID] = &copied
	return nil
}

func (f *fakeStore) UpsertTeamMembership(_ context.Context, m *types.TeamMembership) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.members[m.UserID] {
		if existing.TeamID == m.TeamID {
			existing.Role = m.Role
			return nil
		}
	}
	copied := *m
	f.members[m.UserID] = append(f.members[m.UserID], &copied)
	return nil
}

func (f *fakeStore) ListTeamsForUser(_ context.Context, userID string) ([]*types.TeamMembership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.TeamMembership(nil), f.members[userID]...), nil
}

func (f *fakeStore) ListQuestions(_ context.Context, modelID string) ([]*types.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Question
	for _, q := range f.questions {
		if q.ModelID == modelID {
			copied := *q
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateQuestion(_ context.Context, q *types.Question) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *q
	f.questions[q.ID] = &copied
	return nil
}

func (f *fakeStore) AddKeywords(_ context.Context, questionID string, keywords []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.questions[questionID]
	if !ok {
		return store.ErrNotFound
	}
	q.Keywords = append(q.Keywords, keywords...)
	return nil
}

func (f *fakeStore) ClaimNextReport(_ context.Context, workerID string) (*types.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rep := range f.reports {
		if rep.Status == types.ReportQueued {
			rep.Status = types.ReportInProgress
			rep.Attempt++
			rep.WorkerID = workerID
			copied := *rep
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) CompleteReport(_ context.Context, id string, attempt int, status types.ReportStatus, msg string, result []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rep, ok := f.reports[id]
	if !ok {
		return store.ErrNotFound
	}
	if rep.Attempt != attempt {
		return store.ErrStaleLease
	}
	rep.Status = status
	rep.Msg = msg
	rep.Result = result
	return nil
}

func (f *fakeStore) UpsertSecret(_ context.Context, secret *types.Secret) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *secret
	f.secrets[secret.Name] = &copied
	return nil
}

func (f *fakeStore) GetSecret(_ context.Context, name string) (*types.Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	secret, ok := f.secrets[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *secret
	return &copied, nil
}

func (f *fakeStore) AppendAudit(_ context.Context, entry *types.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, entry)
	return nil
}

func (f *fakeStore) CountSnapshot(_ context.Context) (metrics.Snapshot, error) {
	return metrics.Snapshot{}, nil
}

func newTestServer(t *testing.T, st *fakeStore) *Server {
	t.Helper()
	issuer, err := auth.NewIssuer("unit-test-jwt-secret")
	require.NoError(t, err)
	v, err := vault.NewFromPassphrase("unit-test-passphrase")
	require.NoError(t, err)

	cfg := &config.Config{
		TaskRunnerToken: taskToken,
		PermissionTTL:   5 * time.Minute,
	}
	return NewServer(cfg, st, nil, reports.NewService(st, nil), issuer, v, nil, nil)
}

type testEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env testEnvelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func signupAndLogin(t *testing.T, h http.Handler, username, email string) string {
	t.Helper()
	rec, env := doJSON(t, h, http.MethodPost, "/api/user/email-signup-basic", map[string]string{
		"username": username,
		"email":    email,
		"password": "hunter2hunter2",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var signup struct {
		Nonce string `json:"verification_nonce"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &signup))

	rec, _ = doJSON(t, h, http.MethodPost, "/api/user/email-verify", map[string]string{
		"email": email,
		"nonce": signup.Nonce,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/user/email-login", nil)
	req.SetBasicAuth(email, "hunter2hunter2")
	loginRec := httptest.NewRecorder()
	h.ServeHTTP(loginRec, req)
	require.Equal(t, http.StatusOK, loginRec.Code)

	var loginEnv testEnvelope
	require.NoError(t, json.Unmarshal(loginRec.Body.Bytes(), &loginEnv))
	var login struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(loginEnv.Data, &login))
	require.NotEmpty(t, login.AccessToken)
	return login.AccessToken
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestSignupVerifyLoginFlow(t *testing.T) {
	st := newFakeStore()
	h := newTestServer(t, st).Router()

	token := signupAndLogin(t, h, "ada", "ada@example.com")

	// The JWT works on an authenticated route.
	rec, env := doJSON(t, h, http.MethodPost, "/api/user/create-api-key",
		map[string]any{"name": "laptop"}, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", env.Status)

	var created struct {
		APIKey string `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotEmpty(t, created.APIKey)

	// And so does the freshly minted API key.
	rec, _ = doJSON(t, h, http.MethodPost, "/api/user/create-api-key",
		map[string]any{"name": "ci"}, map[string]string{auth.HeaderAPIKey: created.APIKey})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginRejectsUnverifiedAndBadPassword(t *testing.T) {
	st := newFakeStore()
	h := newTestServer(t, st).Router()

	rec, _ := doJSON(t, h, http.MethodPost, "/api/user/email-signup-basic", map[string]string{
		"username": "bob",
		"email":    "bob@example.com",
		"password": "correct-horse-battery",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Unverified account cannot log in.
	req := httptest.NewRequest(http.MethodGet, "/api/user/email-login", nil)
	req.SetBasicAuth("bob@example.com", "correct-horse-battery")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusForbidden, rec2.Code)

	// Wrong password is a 401 regardless.
	req = httptest.NewRequest(http.MethodGet, "/api/user/email-login", nil)
	req.SetBasicAuth("bob@example.com", "wrong")
	rec3 := httptest.NewRecorder()
	h.ServeHTTP(rec3, req)
	assert.Equal(t, http.StatusUnauthorized, rec3.Code)
}

func TestSignupDuplicateConflict(t *testing.T) {
	st := newFakeStore()
	h := newTestServer(t, st).Router()

	body := map[string]string{
		"username": "ada",
		"email":    "ada@example.com",
		"password": "hunter2hunter2",
	}
	rec, _ := doJSON(t, h, http.MethodPost, "/api/user/email-signup-basic", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := doJSON(t, h, http.MethodPost, "/api/user/email-signup-basic", body, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "failed", env.Status)
}

func TestAuthenticatedRoutesRejectMissingCredentials(t *testing.T) {
	st := newFakeStore()
	h := newTestServer(t, st).Router()

	rec, env := doJSON(t, h, http.MethodPost, "/api/user/create-api-key",
		map[string]any{"name": "nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "failed", env.Status)
	assert.NotEmpty(t, env.Message)
}

func TestUnknownBodyFieldRejected(t *testing.T) {
	st := newFakeStore()
	h := newTestServer(t, st).Router()

	rec, env := doJSON(t, h, http.MethodPost, "/api/user/email-signup-basic", map[string]string{
		"username": "eve",
		"email":    "eve@example.com",
		"password": "hunter2hunter2",
		"admin":    "true",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, env.Message, "invalid request body")
}

func TestAddGlobalAdminRequiresAdmin(t *testing.T) {
	st := newFakeStore()
	h := newTestServer(t, st).Router()

	token := signupAndLogin(t, h, "ada", "ada@example.com")
	rec, _ := doJSON(t, h, http.MethodPost, "/api/user/add-global-admin",
		map[string]string{"email": "ada@example.com"}, bearer(token))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTeamMembershipRequiresTeamAdmin(t *testing.T) {
	st := newFakeStore()
	h := newTestServer(t, st).Router()

	adminToken := signupAndLogin(t, h, "ada", "ada@example.com")
	memberToken := signupAndLogin(t, h, "bob", "bob@example.com")

	rec, env := doJSON(t, h, http.MethodPost, "/api/team/create-team",
		map[string]string{"name": "research"}, bearer(adminToken))
	require.Equal(t, http.StatusOK, rec.Code)
	var team struct {
		TeamID string `json:"team_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &team))

	// The creator is team admin and may add members.
	rec, _ = doJSON(t, h, http.MethodPost, "/api/team/add-user-to-team",
		map[string]string{"team_id": team.TeamID, "email": "bob@example.com"}, bearer(adminToken))
	assert.Equal(t, http.StatusOK, rec.Code)

	// A plain member may not.
	rec, _ = doJSON(t, h, http.MethodPost, "/api/team/add-user-to-team",
		map[string]string{"team_id": team.TeamID, "email": "ada@example.com"}, bearer(memberToken))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func taskHeaders(extra map[string]string) map[string]string {
	headers := map[string]string{auth.HeaderTaskToken: taskToken}
	for k, v := range extra {
		headers[k] = v
	}
	return headers
}

func TestInternalRoutesRequireTaskToken(t *testing.T) {
	st := newFakeStore()
	h := newTestServer(t, st).Router()

	rec, _ := doJSON(t, h, http.MethodGet, "/api/v1/internal/questions?model_id=m1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet, "/api/v1/internal/questions?model_id=m1", nil,
		map[string]string{auth.HeaderTaskToken: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet, "/api/v1/internal/questions?model_id=m1", nil, taskHeaders(nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPermissionsTuple(t *testing.T) {
	st := newFakeStore()
	srv := newTestServer(t, st)
	h := srv.Router()

	ownerToken := signupAndLogin(t, h, "owner", "owner@example.com")
	otherToken := signupAndLogin(t, h, "other", "other@example.com")
	mateToken := signupAndLogin(t, h, "mate", "mate@example.com")

	owner, err := st.GetUserByUsername(context.Background(), "owner")
	require.NoError(t, err)
	mate, err := st.GetUserByUsername(context.Background(), "mate")
	require.NoError(t, err)
	st.shared[owner.ID+"|"+mate.ID] = true

	st.models["m1"] = &types.Model{
		ID:          "m1",
		Name:        "docs",
		OwnerID:     owner.ID,
		AccessLevel: types.AccessProtected,
	}

	fetch := func(token string) types.Permissions {
		rec, env := doJSON(t, h, http.MethodGet, "/api/v1/internal/permissions?model_id=m1", nil,
			taskHeaders(bearer(token)))
		require.Equal(t, http.StatusOK, rec.Code)
		var perms types.Permissions
		require.NoError(t, json.Unmarshal(env.Data, &perms))
		return perms
	}

	got := fetch(ownerToken)
	assert.True(t, got.Read)
	assert.True(t, got.Write)
	assert.False(t, got.Override)
	assert.Equal(t, "owner", got.Username)
	assert.True(t, got.Exp.After(time.Now()))

	// Shares a team with the owner: read only on a protected model.
	got = fetch(mateToken)
	assert.True(t, got.Read)
	assert.False(t, got.Write)

	// No relation at all.
	got = fetch(otherToken)
	assert.False(t, got.Read)
	assert.False(t, got.Write)
}

func TestReportClaimAndCompleteLease(t *testing.T) {
	st := newFakeStore()
	h := newTestServer(t, st).Router()

	rec, env := doJSON(t, h, http.MethodPost, "/api/v1/internal/report/claim", nil, taskHeaders(nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "failed", env.Status)

	st.reports["r1"] = &types.Report{ID: "r1", ModelID: "m1", Status: types.ReportQueued}

	rec, env = doJSON(t, h, http.MethodPost, "/api/v1/internal/report/claim", nil,
		taskHeaders(map[string]string{"X-Worker-ID": "worker-7"}))
	require.Equal(t, http.StatusOK, rec.Code)
	var claimed types.Report
	require.NoError(t, json.Unmarshal(env.Data, &claimed))
	assert.Equal(t, "r1", claimed.ID)
	assert.Equal(t, 1, claimed.Attempt)
	assert.Equal(t, "worker-7", claimed.WorkerID)

	// A stale attempt is rejected with a 400.
	rec, _ = doJSON(t, h, http.MethodPost, "/api/v1/internal/report/complete", map[string]any{
		"report_id": "r1",
		"attempt":   2,
		"status":    "complete",
	}, taskHeaders(nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPost, "/api/v1/internal/report/complete", map[string]any{
		"report_id": "r1",
		"attempt":   1,
		"status":    "complete",
		"result":    json.RawMessage(`{"answers":[]}`),
	}, taskHeaders(nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.ReportComplete, st.reports["r1"].Status)
}

func TestVaultSecretRoundTrip(t *testing.T) {
	st := newFakeStore()
	h := newTestServer(t, st).Router()

	token := signupAndLogin(t, h, "root", "root@example.com")
	user, err := st.GetUserByUsername(context.Background(), "root")
	require.NoError(t, err)
	user.GlobalAdmin = true
	require.NoError(t, st.UpdateUser(context.Background(), user))

	rec, _ := doJSON(t, h, http.MethodPost, "/api/vault/add-secret",
		map[string]string{"name": "OPENAI_API_KEY", "value": "sk-test"}, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)

	// Stored ciphertext is not the plaintext.
	assert.NotEqual(t, []byte("sk-test"), st.secrets["OPENAI_API_KEY"].Ciphertext)

	rec, env := doJSON(t, h, http.MethodGet, "/api/vault/get-secret?name=OPENAI_API_KEY", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	var secret struct {
		Value string `json:"value"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &secret))
	assert.Equal(t, "sk-test", secret.Value)
}

func TestQuestionLifecycle(t *testing.T) {
	st := newFakeStore()
	h := newTestServer(t, st).Router()

	rec, env := doJSON(t, h, http.MethodPost, "/api/v1/internal/questions", map[string]string{
		"model_id":      "m1",
		"text":          "What is the contract term?",
		"default_usage": "always",
	}, taskHeaders(nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var q types.Question
	require.NoError(t, json.Unmarshal(env.Data, &q))
	require.NotEmpty(t, q.ID)

	rec, _ = doJSON(t, h, http.MethodPost,
		fmt.Sprintf("/api/v1/internal/questions/%s/keywords", q.ID),
		map[string]any{"keywords": []string{"term", "duration"}}, taskHeaders(nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = doJSON(t, h, http.MethodGet, "/api/v1/internal/questions?model_id=m1", nil, taskHeaders(nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []types.Question
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "What is the contract term?", list[0].Text)
}
