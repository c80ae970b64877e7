package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/fininsight/agent-backend/internal/chunker"
	"github.com/fininsight/agent-backend/internal/extract"
	"github.com/fininsight/agent-backend/internal/llm"
	"github.com/fininsight/agent-backend/internal/logger"
	"github.com/fininsight/agent-backend/internal/session"
	"github.com/fininsight/agent-backend/internal/store"
	"github.com/fininsight/agent-backend/internal/vectorstore"
)

// ErrUnknownProvider is returned when the requested model name has no
// registered provider. Surfaced as a client error.
var ErrUnknownProvider = errors.New("unsupported model")

// ErrNotFound is returned when a referenced chat does not exist.
var ErrNotFound = errors.New("chat not found")

// ChatStore is the durable persistence the relay depends on.
type ChatStore interface {
	SaveChat(sessionID, userInput, botOutput, botName string, projectID *int64) (int64, error)
	UpdateChat(chatID int64, userInput, botOutput string) error
	GetChatByID(chatID int64) (*store.ChatRecord, error)
}

// Retriever is the vector store slice used for file-augmented chat.
type Retriever interface {
	Add(ctx context.Context, namespace string, chunks []string) (int, error)
	Search(ctx context.Context, namespace, query string, topK int) (string, error)
}

// AgentRequest is one caller-facing agent call.
type AgentRequest struct {
	SessionID string
	Prompt    string
	ProjectID *int64
	ModelName string

	// Optional uploaded file folded into retrieval context.
	FileName string
	FileData []byte
}

// AgentResult is the outcome of a completed agent call. For streaming
// providers every token already went through onToken; Answer is the
// accumulated whole.
type AgentResult struct {
	Model   string         `json:"model"`
	Answer  string         `json:"answer"`
	History []session.Turn `json:"history"`
	ChatID  int64          `json:"chat_id"`
}

// ChatService resolves sessions, folds in retrieval context and relays the
// prompt to the selected upstream provider.
type ChatService struct {
	sessions  *session.Store
	chats     ChatStore
	retriever Retriever
	providers llm.Registry
	extractor extract.TextExtractor
	log       *logger.Logger
}

func NewChatService(
	sessions *session.Store,
	chats ChatStore,
	retriever Retriever,
	providers llm.Registry,
	extractor extract.TextExtractor,
	log *logger.Logger,
) *ChatService {
	return &ChatService{
		sessions:  sessions,
		chats:     chats,
		retriever: retriever,
		providers: providers,
		extractor: extractor,
		log:       log,
	}
}

// Provider exposes the dispatch table entry for a model name so the HTTP
// layer can pick a response shape before the call starts.
func (s *ChatService) Provider(modelName string) (llm.Provider, error) {
	p, ok := s.providers.Lookup(modelName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, modelName)
	}
	return p, nil
}

// AgentCall runs one exchange end to end: resolve the session, ingest an
// attached file, retrieve context, append the user turn, relay to the
// provider (tokens flow through onToken as they arrive), then append and
// persist the assistant answer.
//
// The user turn is persisted with an empty answer before the upstream call
// so a failed call never silently loses the user's contribution; the record
// is completed once the answer lands.
func (s *ChatService) AgentCall(ctx context.Context, req AgentRequest, onToken func(token string)) (*AgentResult, error) {
	provider, err := s.Provider(req.ModelName)
	if err != nil {
		return nil, err
	}

	if _, err := s.sessions.GetOrCreate(req.SessionID, provider.SystemInstruction()); err != nil {
		return nil, err
	}

	namespace := vectorstore.NamespaceKey(req.ProjectID, req.SessionID)

	if len(req.FileData) > 0 {
		s.ingestFile(ctx, namespace, req.FileName, req.FileData)
	}

	combined := s.withRetrievalContext(ctx, namespace, req.Prompt)

	// Provisional record: the user's side of the exchange survives even if
	// the upstream call fails.
	chatID, err := s.chats.SaveChat(req.SessionID, req.Prompt, "", provider.Name(), req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to persist user turn: %w", err)
	}

	if err := s.sessions.Append(req.SessionID, session.Turn{
		ID:      chatID,
		Role:    session.RoleUser,
		Content: combined,
	}); err != nil {
		return nil, err
	}

	transcript, err := s.sessions.Transcript(req.SessionID)
	if err != nil {
		return nil, err
	}

	answer, callErr := provider.Call(ctx, toMessages(transcript), onToken)
	if callErr != nil {
		s.log.Error("upstream call failed",
			"provider", provider.Name(),
			"session_id", req.SessionID,
			"chat_id", chatID,
			"partial_len", len(answer),
			"error", callErr)

		// Persist whatever arrived before the failure; losing it helps no one.
		if answer != "" {
			s.finishExchange(req.SessionID, chatID, req.Prompt, answer, provider.Name(), true)
		}
		return nil, callErr
	}

	s.finishExchange(req.SessionID, chatID, req.Prompt, answer, provider.Name(), false)

	history, err := s.sessions.Transcript(req.SessionID)
	if err != nil {
		return nil, err
	}

	return &AgentResult{
		Model:   provider.Name(),
		Answer:  answer,
		History: history,
		ChatID:  chatID,
	}, nil
}

// finishExchange appends the assistant turn and completes the provisional
// chat record. When bestEffort is set (partial answer after a failed or
// canceled stream) persistence problems are logged, not surfaced.
func (s *ChatService) finishExchange(sessionID string, chatID int64, prompt, answer, botName string, bestEffort bool) {
	if err := s.sessions.Append(sessionID, session.Turn{
		Role:    session.RoleAssistant,
		Content: answer,
		BotName: botName,
		PairID:  chatID,
	}); err != nil {
		s.log.Error("failed to append assistant turn", "session_id", sessionID, "error", err)
	}

	if err := s.chats.UpdateChat(chatID, prompt, answer); err != nil {
		if bestEffort {
			s.log.Warn("failed to persist partial answer", "chat_id", chatID, "error", err)
		} else {
			s.log.Error("failed to persist assistant answer", "chat_id", chatID, "error", err)
		}
	}
}

// ingestFile extracts, chunks and embeds an uploaded file into the request's
// retrieval namespace. Every failure here degrades to plain chat.
func (s *ChatService) ingestFile(ctx context.Context, namespace, filename string, data []byte) {
	text, ok := s.extractor.Extract(data, filename)
	if !ok {
		s.log.Warn("file text extraction failed or unsupported, continuing without document context",
			"filename", filename, "namespace", namespace)
		return
	}

	chunks, err := chunker.ChunkDefault(text)
	if err != nil {
		s.log.Error("failed to chunk extracted text", "filename", filename, "error", err)
		return
	}

	added, err := s.retriever.Add(ctx, namespace, chunks)
	if err != nil {
		s.log.Error("failed to embed uploaded file, continuing without document context",
			"filename", filename, "namespace", namespace, "error", err)
		return
	}
	s.log.Info("ingested uploaded file", "filename", filename, "namespace", namespace, "chunks", added)
}

// withRetrievalContext prefixes the prompt with namespace context when the
// search yields any. Retrieval failures degrade to the bare prompt.
func (s *ChatService) withRetrievalContext(ctx context.Context, namespace, prompt string) string {
	retrieved, err := s.retriever.Search(ctx, namespace, prompt, vectorstore.DefaultTopK)
	if err != nil {
		s.log.Warn("retrieval failed, continuing without context", "namespace", namespace, "error", err)
		return prompt
	}
	if retrieved == "" {
		return prompt
	}
	return fmt.Sprintf("Use the following document context when relevant:\n\n%s\n\nQuestion: %s", retrieved, prompt)
}

// CorrectChat overwrites a persisted exchange and the cached transcript pair
// that carries its id. A missing chat surfaces ErrNotFound; an uncached
// session is fine, rehydration will pick the corrected content up.
func (s *ChatService) CorrectChat(chatID int64, newUserInput, newBotOutput string) error {
	rec, err := s.chats.GetChatByID(chatID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("chat %d: %w", chatID, ErrNotFound)
	}

	if err := s.chats.UpdateChat(chatID, newUserInput, newBotOutput); err != nil {
		return err
	}

	if err := s.sessions.Correct(rec.SessionID, chatID, newUserInput, newBotOutput); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func toMessages(transcript []session.Turn) []llm.Message {
	messages := make([]llm.Message, len(transcript))
	for i, t := range transcript {
		messages[i] = llm.Message{Role: string(t.Role), Content: t.Content}
	}
	return messages
}
