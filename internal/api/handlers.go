package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fininsight/agent-backend/internal/auth"
	"github.com/fininsight/agent-backend/internal/core"
	"github.com/fininsight/agent-backend/internal/llm"
	"github.com/fininsight/agent-backend/internal/logger"
	"github.com/fininsight/agent-backend/internal/session"
	"github.com/fininsight/agent-backend/internal/store"
	"github.com/fininsight/agent-backend/internal/vectorstore"
)

const maxUploadBytes = 32 << 20

// Store is the persistence surface the HTTP layer needs beyond the relay.
type Store interface {
	SaveChat(sessionID, userInput, botOutput, botName string, projectID *int64) (int64, error)
	LoadHistory(sessionID string) ([]store.ChatRecord, error)
	GetChatsByProject(projectID int64) ([]store.ChatRecord, error)
	AssignChatsToProject(chatIDs []int64, projectID int64) error

	CreateProject(email, projectName, description string) (*store.Project, error)
	GetProjectByID(projectID int64) (*store.Project, error)
	GetProjectByName(projectName string) (*store.Project, error)
	ListProjects() ([]store.Project, error)
	DeleteProject(projectID int64) error

	UpsertUser(email, name, picture string) (*store.User, error)
}

// VectorDeleter drops a retrieval namespace when its project goes away.
type VectorDeleter interface {
	Delete(namespace string) error
}

type APIHandler struct {
	chatService   *core.ChatService
	store         Store
	vectors       VectorDeleter
	authenticator auth.Authenticator
	jwt           *auth.JWTManager
	frontendURL   string
	log           *logger.Logger
}

func NewAPIHandler(
	chatService *core.ChatService,
	st Store,
	vectors VectorDeleter,
	authenticator auth.Authenticator,
	jwtManager *auth.JWTManager,
	frontendURL string,
	log *logger.Logger,
) *APIHandler {
	return &APIHandler{
		chatService:   chatService,
		store:         st,
		vectors:       vectors,
		authenticator: authenticator,
		jwt:           jwtManager,
		frontendURL:   frontendURL,
		log:           log,
	}
}

type contextKey string

const userEmailKey contextKey = "userEmail"

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		email, err := h.jwt.Validate(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userEmailKey, email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userEmail(r *http.Request) string {
	email, _ := r.Context().Value(userEmailKey).(string)
	return email
}

// Auth handlers

func (h *APIHandler) GoogleLoginHandler(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.authenticator.AuthURL("login"), http.StatusTemporaryRedirect)
}

func (h *APIHandler) GoogleCallbackHandler(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		return
	}

	info, err := h.authenticator.Exchange(r.Context(), code)
	if err != nil {
		h.log.Error("google login failed", "error", err)
		http.Error(w, "Login failed", http.StatusBadGateway)
		return
	}

	if _, err := h.store.UpsertUser(info.Email, info.Name, info.Picture); err != nil {
		h.log.Error("failed to persist user", "email", info.Email, "error", err)
		http.Error(w, "Failed to persist user", http.StatusInternalServerError)
		return
	}

	token, err := h.jwt.Generate(info.Email, info.Name)
	if err != nil {
		h.log.Error("failed to issue token", "email", info.Email, "error", err)
		http.Error(w, "Failed to issue token", http.StatusInternalServerError)
		return
	}

	redirect := fmt.Sprintf("%s/chat?email=%s&name=%s&picture=%s&jwt=%s",
		h.frontendURL,
		url.QueryEscape(info.Email),
		url.QueryEscape(info.Name),
		url.QueryEscape(info.Picture),
		url.QueryEscape(token))
	http.Redirect(w, r, redirect, http.StatusTemporaryRedirect)
}

// Agent call

// AgentCallHandler relays one prompt to the provider named in the path.
// Streaming providers answer with an incremental text/plain body; blocking
// providers answer with a single JSON object.
func (h *APIHandler) AgentCallHandler(w http.ResponseWriter, r *http.Request) {
	modelName := chi.URLParam(r, "model")

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Invalid form body", http.StatusBadRequest)
			return
		}
	}

	sessionID := r.FormValue("session_id")
	prompt := r.FormValue("prompt")
	if sessionID == "" || prompt == "" {
		http.Error(w, "session_id and prompt are required", http.StatusBadRequest)
		return
	}

	var projectID *int64
	if raw := r.FormValue("project_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "project_id must be an integer", http.StatusBadRequest)
			return
		}
		projectID = &id
	}

	req := core.AgentRequest{
		SessionID: sessionID,
		Prompt:    prompt,
		ProjectID: projectID,
		ModelName: modelName,
	}

	if file, header, err := r.FormFile("file"); err == nil {
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "Failed to read uploaded file", http.StatusBadRequest)
			return
		}
		req.FileName = header.Filename
		req.FileData = data
	}

	provider, err := h.chatService.Provider(modelName)
	if err != nil {
		h.writeAgentError(w, err, false)
		return
	}

	if provider.Streams() {
		h.streamAgentCall(w, r, req)
		return
	}

	res, err := h.chatService.AgentCall(r.Context(), req, nil)
	if err != nil {
		h.writeAgentError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// streamAgentCall forwards tokens to the client as they arrive. Once the
// first token is written the status line is gone, so later failures can only
// be logged.
func (h *APIHandler) streamAgentCall(w http.ResponseWriter, r *http.Request, req core.AgentRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")

	started := false
	_, err := h.chatService.AgentCall(r.Context(), req, func(token string) {
		if !started {
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, werr := w.Write([]byte(token)); werr != nil {
			return
		}
		flusher.Flush()
	})
	if err != nil {
		if started {
			h.log.Warn("stream aborted after first token", "session_id", req.SessionID, "error", err)
			return
		}
		h.writeAgentError(w, err, true)
		return
	}
	if !started {
		// Upstream finished without a single token; still answer 200.
		w.WriteHeader(http.StatusOK)
	}
}

func (h *APIHandler) writeAgentError(w http.ResponseWriter, err error, streaming bool) {
	var upstream *llm.UpstreamError
	switch {
	case errors.Is(err, core.ErrUnknownProvider):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, llm.ErrTimeout):
		http.Error(w, "Upstream model timed out", http.StatusGatewayTimeout)
	case errors.Is(err, llm.ErrConnection):
		http.Error(w, "Failed to reach upstream model", http.StatusServiceUnavailable)
	case errors.As(err, &upstream):
		if upstream.AuthOrQuota() {
			http.Error(w,
				fmt.Sprintf("Upstream rejected the call (status %d): check the provider API key, billing and quota", upstream.StatusCode),
				http.StatusBadGateway)
			return
		}
		http.Error(w, fmt.Sprintf("Upstream model error (status %d)", upstream.StatusCode), http.StatusBadGateway)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		h.log.Error("agent call failed", "error", err)
		http.Error(w, "Model call failed", http.StatusInternalServerError)
	}
}

// Chat handlers

type saveChatRequest struct {
	SessionID string `json:"session_id"`
	ProjectID *int64 `json:"project_id"`
	UserInput string `json:"user_input"`
	BotOutput string `json:"bot_output"`
	BotName   string `json:"bot_name"`
}

func (h *APIHandler) SaveChatHandler(w http.ResponseWriter, r *http.Request) {
	var req saveChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.UserInput == "" {
		http.Error(w, "session_id and user_input are required", http.StatusBadRequest)
		return
	}
	if req.BotName == "" {
		req.BotName = "unknown"
	}

	chatID, err := h.store.SaveChat(req.SessionID, req.UserInput, req.BotOutput, req.BotName, req.ProjectID)
	if err != nil {
		h.log.Error("failed to save chat", "session_id", req.SessionID, "error", err)
		http.Error(w, "Failed to save chat", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"chat_id": chatID})
}

// ListChatsHandler returns history either for a session or for a project.
func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		chats, err := h.store.LoadHistory(sessionID)
		if err != nil {
			h.log.Error("failed to list session chats", "session_id", sessionID, "error", err)
			http.Error(w, "Failed to list chats", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"chats": chats})
		return
	}

	rawProject := r.URL.Query().Get("project_id")
	if rawProject == "" {
		http.Error(w, "session_id or project_id is required", http.StatusBadRequest)
		return
	}
	projectID, err := strconv.ParseInt(rawProject, 10, 64)
	if err != nil {
		http.Error(w, "project_id must be an integer", http.StatusBadRequest)
		return
	}

	chats, err := h.store.GetChatsByProject(projectID)
	if err != nil {
		h.log.Error("failed to list project chats", "project_id", projectID, "error", err)
		http.Error(w, "Failed to list chats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chats": chats})
}

type assignChatsRequest struct {
	ChatIDs   []int64 `json:"chat_ids"`
	ProjectID int64   `json:"project_id"`
}

func (h *APIHandler) AssignChatsHandler(w http.ResponseWriter, r *http.Request) {
	var req assignChatsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.ChatIDs) == 0 || req.ProjectID == 0 {
		http.Error(w, "chat_ids and project_id are required", http.StatusBadRequest)
		return
	}

	project, err := h.store.GetProjectByID(req.ProjectID)
	if err != nil {
		h.log.Error("failed to look up project", "project_id", req.ProjectID, "error", err)
		http.Error(w, "Failed to assign chats", http.StatusInternalServerError)
		return
	}
	if project == nil {
		http.Error(w, "Project not found", http.StatusNotFound)
		return
	}

	if err := h.store.AssignChatsToProject(req.ChatIDs, req.ProjectID); err != nil {
		h.log.Error("failed to assign chats", "project_id", req.ProjectID, "error", err)
		http.Error(w, "Failed to assign chats", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type correctChatRequest struct {
	UserInput string `json:"user_input"`
	BotOutput string `json:"bot_output"`
}

func (h *APIHandler) CorrectChatHandler(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	if err != nil {
		http.Error(w, "chatID must be an integer", http.StatusBadRequest)
		return
	}

	var req correctChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserInput == "" {
		http.Error(w, "user_input is required", http.StatusBadRequest)
		return
	}

	if err := h.chatService.CorrectChat(chatID, req.UserInput, req.BotOutput); err != nil {
		if errors.Is(err, core.ErrNotFound) || errors.Is(err, session.ErrNotFound) {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
		h.log.Error("failed to correct chat", "chat_id", chatID, "error", err)
		http.Error(w, "Failed to correct chat", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Project handlers

type createProjectRequest struct {
	ProjectName string `json:"project_name"`
	Description string `json:"description"`
}

func (h *APIHandler) CreateProjectHandler(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ProjectName == "" {
		http.Error(w, "project_name is required", http.StatusBadRequest)
		return
	}

	existing, err := h.store.GetProjectByName(req.ProjectName)
	if err != nil {
		h.log.Error("failed to check project name", "name", req.ProjectName, "error", err)
		http.Error(w, "Failed to create project", http.StatusInternalServerError)
		return
	}
	if existing != nil {
		http.Error(w, "Project name already exists", http.StatusConflict)
		return
	}

	project, err := h.store.CreateProject(userEmail(r), req.ProjectName, req.Description)
	if err != nil {
		h.log.Error("failed to create project", "name", req.ProjectName, "error", err)
		http.Error(w, "Failed to create project", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (h *APIHandler) ListProjectsHandler(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects()
	if err != nil {
		h.log.Error("failed to list projects", "error", err)
		http.Error(w, "Failed to list projects", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *APIHandler) GetProjectHandler(w http.ResponseWriter, r *http.Request) {
	projectID, err := strconv.ParseInt(chi.URLParam(r, "projectID"), 10, 64)
	if err != nil {
		http.Error(w, "projectID must be an integer", http.StatusBadRequest)
		return
	}

	project, err := h.store.GetProjectByID(projectID)
	if err != nil {
		h.log.Error("failed to get project", "project_id", projectID, "error", err)
		http.Error(w, "Failed to get project", http.StatusInternalServerError)
		return
	}
	if project == nil {
		http.Error(w, "Project not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// DeleteProjectHandler removes the project row and its retrieval namespace.
func (h *APIHandler) DeleteProjectHandler(w http.ResponseWriter, r *http.Request) {
	projectID, err := strconv.ParseInt(chi.URLParam(r, "projectID"), 10, 64)
	if err != nil {
		http.Error(w, "projectID must be an integer", http.StatusBadRequest)
		return
	}

	if err := h.store.DeleteProject(projectID); err != nil {
		h.log.Error("failed to delete project", "project_id", projectID, "error", err)
		http.Error(w, "Failed to delete project", http.StatusInternalServerError)
		return
	}

	namespace := vectorstore.NamespaceKey(&projectID, "")
	if err := h.vectors.Delete(namespace); err != nil {
		// The project row is gone; a leaked namespace is only logged.
		h.log.Error("failed to delete project vectors", "namespace", namespace, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
