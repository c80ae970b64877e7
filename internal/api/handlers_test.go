package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/fininsight/agent-backend/internal/auth"
	"github.com/fininsight/agent-backend/internal/core"
	"github.com/fininsight/agent-backend/internal/llm"
	"github.com/fininsight/agent-backend/internal/logger"
	"github.com/fininsight/agent-backend/internal/session"
	"github.com/fininsight/agent-backend/internal/store"
)

// fakeStore backs both the HTTP layer and the chat relay in tests.
type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	chats    map[int64]*store.ChatRecord
	projects map[int64]*store.Project
	users    map[string]*store.User
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextID:   0,
		chats:    map[int64]*store.ChatRecord{},
		projects: map[int64]*store.Project{},
		users:    map[string]*store.User{},
	}
}

func (f *fakeStore) SaveChat(sessionID, userInput, botOutput, botName string, projectID *int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.chats[f.nextID] = &store.ChatRecord{
		ID: f.nextID, SessionID: sessionID, ProjectID: projectID,
		UserInput: userInput, BotOutput: botOutput, BotName: botName,
	}
	return f.nextID, nil
}

func (f *fakeStore) UpdateChat(chatID int64, userInput, botOutput string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.chats[chatID]
	if !ok {
		return fmt.Errorf("chat %d not found", chatID)
	}
	rec.UserInput = userInput
	rec.BotOutput = botOutput
	return nil
}

func (f *fakeStore) GetChatByID(chatID int64) (*store.ChatRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.chats[chatID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) LoadHistory(sessionID string) ([]store.ChatRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ChatRecord
	for id := int64(1); id <= f.nextID; id++ {
		if rec, ok := f.chats[id]; ok && rec.SessionID == sessionID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeStore) GetChatsByProject(projectID int64) ([]store.ChatRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ChatRecord
	for id := int64(1); id <= f.nextID; id++ {
		if rec, ok := f.chats[id]; ok && rec.ProjectID != nil && *rec.ProjectID == projectID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeStore) AssignChatsToProject(chatIDs []int64, projectID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range chatIDs {
		if rec, ok := f.chats[id]; ok {
			pid := projectID
			rec.ProjectID = &pid
		}
	}
	return nil
}

func (f *fakeStore) CreateProject(email, projectName, description string) (*store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	p := &store.Project{ID: f.nextID, Email: email, ProjectName: projectName, Description: description}
	f.projects[p.ID] = p
	return p, nil
}

func (f *fakeStore) GetProjectByID(projectID int64) (*store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[projectID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) GetProjectByName(projectName string) (*store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.projects {
		if p.ProjectName == projectName {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListProjects() ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Project
	for _, p := range f.projects {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeStore) DeleteProject(projectID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.projects, projectID)
	return nil
}

func (f *fakeStore) UpsertUser(email, name, picture string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &store.User{Email: email, Name: name, Picture: picture}
	f.users[email] = u
	return u, nil
}

type fakeVectors struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeVectors) Add(ctx context.Context, namespace string, chunks []string) (int, error) {
	return len(chunks), nil
}

func (f *fakeVectors) Search(ctx context.Context, namespace, query string, topK int) (string, error) {
	return "", nil
}

func (f *fakeVectors) Delete(namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, namespace)
	return nil
}

type stubProvider struct {
	name      string
	streaming bool
	tokens    []string
	callErr   error
}

func (p *stubProvider) Name() string              { return p.name }
func (p *stubProvider) Streams() bool             { return p.streaming }
func (p *stubProvider) SystemInstruction() string { return "You are a helpful assistant." }

func (p *stubProvider) Call(ctx context.Context, messages []llm.Message, onToken func(string)) (string, error) {
	var b strings.Builder
	for _, tok := range p.tokens {
		if onToken != nil {
			onToken(tok)
		}
		b.WriteString(tok)
	}
	return b.String(), p.callErr
}

type stubAuthenticator struct{}

func (stubAuthenticator) AuthURL(state string) string { return "https://accounts.example.com/auth" }

func (stubAuthenticator) Exchange(ctx context.Context, code string) (*auth.UserInfo, error) {
	if code != "good-code" {
		return nil, fmt.Errorf("invalid code")
	}
	return &auth.UserInfo{Email: "ada@example.com", Name: "Ada"}, nil
}

type testEnv struct {
	server  http.Handler
	store   *fakeStore
	vectors *fakeVectors
	jwt     *auth.JWTManager
}

func newTestEnv(t *testing.T, providers llm.Registry) *testEnv {
	t.Helper()
	log := logger.NewNop()
	fs := newFakeStore()
	fv := &fakeVectors{}
	sessions := session.NewStore(fs, log)
	svc := core.NewChatService(sessions, fs, fv, providers, nil, log)
	jwtManager := auth.NewJWTManager("test-secret")
	handler := NewAPIHandler(svc, fs, fv, stubAuthenticator{}, jwtManager, "http://localhost:3000", log)
	return &testEnv{server: NewRouter(handler), store: fs, vectors: fv, jwt: jwtManager}
}

func (e *testEnv) authorize(t *testing.T, r *http.Request) {
	t.Helper()
	token, err := e.jwt.Generate("ada@example.com", "Ada")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	r.Header.Set("Authorization", "Bearer "+token)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, llm.Registry{})

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestJWTMiddlewareRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t, llm.Registry{})

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chats?session_id=s1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/chats?session_id=s1", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}
}

func TestAgentCallStreamsTokens(t *testing.T) {
	env := newTestEnv(t, llm.Registry{
		"openai": &stubProvider{name: "openai", streaming: true, tokens: []string{"Hel", "lo"}},
	})

	form := url.Values{"session_id": {"s1"}, "prompt": {"hi"}}
	req := httptest.NewRequest(http.MethodPost, "/api/agent-call/openai", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	env.authorize(t, req)

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("expected text/plain stream, got %q", ct)
	}
	if rec.Body.String() != "Hello" {
		t.Fatalf("expected streamed body %q, got %q", "Hello", rec.Body.String())
	}
}

func TestAgentCallBlockingReturnsJSON(t *testing.T) {
	env := newTestEnv(t, llm.Registry{
		"gemini": &stubProvider{name: "gemini", tokens: []string{"Hello"}},
	})

	form := url.Values{"session_id": {"s1"}, "prompt": {"hi"}}
	req := httptest.NewRequest(http.MethodPost, "/api/agent-call/gemini", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	env.authorize(t, req)

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res core.AgentResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Model != "gemini" || res.Answer != "Hello" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.History) != 3 {
		t.Fatalf("expected 3 turns in history, got %d", len(res.History))
	}
}

func TestAgentCallUnknownModel(t *testing.T) {
	env := newTestEnv(t, llm.Registry{})

	form := url.Values{"session_id": {"s1"}, "prompt": {"hi"}}
	req := httptest.NewRequest(http.MethodPost, "/api/agent-call/claude", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	env.authorize(t, req)

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown model, got %d", rec.Code)
	}
}

func TestAgentCallMissingFields(t *testing.T) {
	env := newTestEnv(t, llm.Registry{
		"openai": &stubProvider{name: "openai", streaming: true},
	})

	form := url.Values{"prompt": {"hi"}}
	req := httptest.NewRequest(http.MethodPost, "/api/agent-call/openai", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	env.authorize(t, req)

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing session_id, got %d", rec.Code)
	}
}

func TestAgentCallUpstreamAuthFailure(t *testing.T) {
	env := newTestEnv(t, llm.Registry{
		"gemini": &stubProvider{
			name:    "gemini",
			callErr: &llm.UpstreamError{Provider: "gemini", StatusCode: 429, Body: "quota"},
		},
	})

	form := url.Values{"session_id": {"s1"}, "prompt": {"hi"}}
	req := httptest.NewRequest(http.MethodPost, "/api/agent-call/gemini", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	env.authorize(t, req)

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "API key") {
		t.Fatalf("expected key/quota hint in body, got %q", rec.Body.String())
	}
}

func TestSaveAndListChats(t *testing.T) {
	env := newTestEnv(t, llm.Registry{})

	body, _ := json.Marshal(saveChatRequest{
		SessionID: "s1", UserInput: "question", BotOutput: "answer", BotName: "openai",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/chats/save", bytes.NewReader(body))
	env.authorize(t, req)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/chats?session_id=s1", nil)
	env.authorize(t, req)
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res struct {
		Chats []store.ChatRecord `json:"chats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(res.Chats) != 1 || res.Chats[0].UserInput != "question" {
		t.Fatalf("unexpected chats: %+v", res.Chats)
	}
}

func TestAssignChatsToMissingProject(t *testing.T) {
	env := newTestEnv(t, llm.Registry{})

	body, _ := json.Marshal(assignChatsRequest{ChatIDs: []int64{1}, ProjectID: 42})
	req := httptest.NewRequest(http.MethodPost, "/api/chats/assign", bytes.NewReader(body))
	env.authorize(t, req)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing project, got %d", rec.Code)
	}
}

func TestCorrectChatNotFound(t *testing.T) {
	env := newTestEnv(t, llm.Registry{})

	body, _ := json.Marshal(correctChatRequest{UserInput: "fixed", BotOutput: "fixed answer"})
	req := httptest.NewRequest(http.MethodPost, "/api/chats/99/correct", bytes.NewReader(body))
	env.authorize(t, req)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreateProjectRejectsDuplicateName(t *testing.T) {
	env := newTestEnv(t, llm.Registry{})

	body, _ := json.Marshal(createProjectRequest{ProjectName: "research", Description: "notes"})

	req := httptest.NewRequest(http.MethodPost, "/api/projects", bytes.NewReader(body))
	env.authorize(t, req)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/projects", bytes.NewReader(body))
	env.authorize(t, req)
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate name, got %d", rec.Code)
	}
}

func TestDeleteProjectDropsVectorNamespace(t *testing.T) {
	env := newTestEnv(t, llm.Registry{})

	project, err := env.store.CreateProject("ada@example.com", "research", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/projects/%d", project.ID), nil)
	env.authorize(t, req)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	want := fmt.Sprintf("project:%d", project.ID)
	if len(env.vectors.deleted) != 1 || env.vectors.deleted[0] != want {
		t.Fatalf("expected namespace %q deleted, got %v", want, env.vectors.deleted)
	}
}

func TestGoogleCallbackIssuesToken(t *testing.T) {
	env := newTestEnv(t, llm.Registry{})

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=good-code", nil)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307 redirect, got %d", rec.Code)
	}
	location := rec.Header().Get("Location")
	u, err := url.Parse(location)
	if err != nil {
		t.Fatalf("parse redirect %q: %v", location, err)
	}
	token := u.Query().Get("jwt")
	if token == "" {
		t.Fatalf("expected jwt in redirect, got %q", location)
	}
	email, err := env.jwt.Validate(token)
	if err != nil || email != "ada@example.com" {
		t.Fatalf("token did not validate: email=%q err=%v", email, err)
	}
	if _, ok := env.store.users["ada@example.com"]; !ok {
		t.Fatal("expected user to be upserted on login")
	}
}
