package store

import "time"

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Picture   string    `json:"picture"`
	CreatedAt time.Time `json:"created_at"`
}

type Project struct {
	ID          int64     `json:"id"`
	Email       string    `json:"email"`
	ProjectName string    `json:"project_name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChatRecord is one persisted user/assistant exchange. ProjectID is nil for
// chats that predate project assignment.
type ChatRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	ProjectID *int64    `json:"project_id"`
	UserInput string    `json:"user_input"`
	BotOutput string    `json:"bot_output"`
	BotName   string    `json:"bot_name"`
	CreatedAt time.Time `json:"created_at"`
}

// VectorChunk is one embedded document window inside a retrieval namespace.
type VectorChunk struct {
	ID        string    `json:"id"`
	Namespace string    `json:"namespace"`
	Position  int       `json:"position"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
}
