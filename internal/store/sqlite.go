package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        email TEXT UNIQUE NOT NULL,
        name TEXT,
        picture TEXT,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS projects (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        email TEXT NOT NULL,
        project_name TEXT,
        description TEXT,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS chats (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        session_id TEXT NOT NULL,
        project_id INTEGER,
        user_input TEXT NOT NULL,
        bot_output TEXT NOT NULL DEFAULT '',
        bot_name TEXT NOT NULL DEFAULT 'unknown',
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (project_id) REFERENCES projects (id)
    );
    CREATE INDEX IF NOT EXISTS idx_chats_session ON chats (session_id, id);

    CREATE TABLE IF NOT EXISTS vector_chunks (
        id TEXT PRIMARY KEY,
        namespace TEXT NOT NULL,
        position INTEGER NOT NULL,
        content TEXT NOT NULL,
        embedding_json TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_vector_chunks_namespace ON vector_chunks (namespace, position);
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods

func (s *SQLiteStore) UpsertUser(email, name, picture string) (*User, error) {
	_, err := s.db.Exec(`
        INSERT INTO users (email, name, picture) VALUES (?, ?, ?)
        ON CONFLICT(email) DO UPDATE SET name = excluded.name, picture = excluded.picture`,
		email, name, picture)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return s.GetUserByEmail(email)
}

func (s *SQLiteStore) GetUserByEmail(email string) (*User, error) {
	var user User
	err := s.db.QueryRow(
		"SELECT id, email, name, picture, created_at FROM users WHERE email = ?", email,
	).Scan(&user.ID, &user.Email, &user.Name, &user.Picture, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

// Project methods

func (s *SQLiteStore) CreateProject(email, projectName, description string) (*Project, error) {
	res, err := s.db.Exec(
		"INSERT INTO projects (email, project_name, description) VALUES (?, ?, ?)",
		email, projectName, description)
	if err != nil {
		return nil, fmt.Errorf("failed to insert project: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.GetProjectByID(id)
}

func (s *SQLiteStore) GetProjectByID(projectID int64) (*Project, error) {
	var p Project
	err := s.db.QueryRow(
		"SELECT id, email, project_name, description, created_at FROM projects WHERE id = ?",
		projectID,
	).Scan(&p.ID, &p.Email, &p.ProjectName, &p.Description, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) GetProjectByName(projectName string) (*Project, error) {
	var p Project
	err := s.db.QueryRow(
		"SELECT id, email, project_name, description, created_at FROM projects WHERE project_name = ?",
		projectName,
	).Scan(&p.ID, &p.Email, &p.ProjectName, &p.Description, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get project by name: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) ListProjects() ([]Project, error) {
	rows, err := s.db.Query(
		"SELECT id, email, project_name, description, created_at FROM projects ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Email, &p.ProjectName, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project row: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *SQLiteStore) DeleteProject(projectID int64) error {
	_, err := s.db.Exec("DELETE FROM projects WHERE id = ?", projectID)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return nil
}

// Chat methods

// SaveChat persists one exchange and returns its assigned id. The bot output
// may be empty: the relay writes a provisional record before the upstream
// call and fills the answer in afterwards via UpdateChat.
func (s *SQLiteStore) SaveChat(sessionID, userInput, botOutput, botName string, projectID *int64) (int64, error) {
	res, err := s.db.Exec(`
        INSERT INTO chats (session_id, project_id, user_input, bot_output, bot_name, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, projectID, userInput, botOutput, botName, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to insert chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read chat id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) LoadHistory(sessionID string) ([]ChatRecord, error) {
	rows, err := s.db.Query(`
        SELECT id, session_id, project_id, user_input, bot_output, bot_name, created_at
        FROM chats WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat history: %w", err)
	}
	defer rows.Close()
	return scanChatRows(rows)
}

func (s *SQLiteStore) GetChatByID(chatID int64) (*ChatRecord, error) {
	var rec ChatRecord
	var projectID sql.NullInt64
	err := s.db.QueryRow(`
        SELECT id, session_id, project_id, user_input, bot_output, bot_name, created_at
        FROM chats WHERE id = ?`, chatID,
	).Scan(&rec.ID, &rec.SessionID, &projectID, &rec.UserInput, &rec.BotOutput, &rec.BotName, &rec.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	if projectID.Valid {
		rec.ProjectID = &projectID.Int64
	}
	return &rec, nil
}

func (s *SQLiteStore) UpdateChat(chatID int64, userInput, botOutput string) error {
	res, err := s.db.Exec(
		"UPDATE chats SET user_input = ?, bot_output = ? WHERE id = ?",
		userInput, botOutput, chatID)
	if err != nil {
		return fmt.Errorf("failed to update chat: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("chat %d not found, nothing updated", chatID)
	}
	return nil
}

func (s *SQLiteStore) GetChatsByProject(projectID int64) ([]ChatRecord, error) {
	rows, err := s.db.Query(`
        SELECT id, session_id, project_id, user_input, bot_output, bot_name, created_at
        FROM chats WHERE project_id = ? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query project chats: %w", err)
	}
	defer rows.Close()
	return scanChatRows(rows)
}

// AssignChatsToProject moves existing chats under a project in bulk. Chats
// created before a project existed carry a NULL project reference until
// reassigned here.
func (s *SQLiteStore) AssignChatsToProject(chatIDs []int64, projectID int64) error {
	if len(chatIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(chatIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, 0, len(chatIDs)+1)
	args = append(args, projectID)
	for _, id := range chatIDs {
		args = append(args, id)
	}

	_, err := s.db.Exec(
		fmt.Sprintf("UPDATE chats SET project_id = ? WHERE id IN (%s)", placeholders), args...)
	if err != nil {
		return fmt.Errorf("failed to assign chats to project: %w", err)
	}
	return nil
}

func scanChatRows(rows *sql.Rows) ([]ChatRecord, error) {
	var records []ChatRecord
	for rows.Next() {
		var rec ChatRecord
		var projectID sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &projectID, &rec.UserInput,
			&rec.BotOutput, &rec.BotName, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		if projectID.Valid {
			rec.ProjectID = &projectID.Int64
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Vector chunk methods

// InsertChunks writes a batch of embedded chunks in one transaction so the
// namespace never ends up partially populated.
func (s *SQLiteStore) InsertChunks(chunks []VectorChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin chunk insert: %w", err)
	}
	stmt, err := tx.Prepare(
		"INSERT INTO vector_chunks (id, namespace, position, content, embedding_json) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		embeddingJSON, err := json.Marshal(c.Embedding)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		if _, err := stmt.Exec(c.ID, c.Namespace, c.Position, c.Content, string(embeddingJSON)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetChunksByNamespace(namespace string) ([]VectorChunk, error) {
	rows, err := s.db.Query(
		"SELECT id, namespace, position, content, embedding_json FROM vector_chunks WHERE namespace = ? ORDER BY position ASC",
		namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []VectorChunk
	for rows.Next() {
		var c VectorChunk
		var embeddingJSON string
		if err := rows.Scan(&c.ID, &c.Namespace, &c.Position, &c.Content, &embeddingJSON); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		if embeddingJSON != "" {
			if err := json.Unmarshal([]byte(embeddingJSON), &c.Embedding); err != nil {
				return nil, fmt.Errorf("failed to unmarshal embedding for chunk %s: %w", c.ID, err)
			}
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// DeleteNamespace removes every chunk under the namespace. Deleting an
// unknown namespace is a no-op.
func (s *SQLiteStore) DeleteNamespace(namespace string) error {
	_, err := s.db.Exec("DELETE FROM vector_chunks WHERE namespace = ?", namespace)
	if err != nil {
		return fmt.Errorf("failed to delete namespace %s: %w", namespace, err)
	}
	return nil
}
