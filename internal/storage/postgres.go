package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/xaenox/sql-assistant/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage connects with a lib/pq connection string and applies
// the schema.
func NewPostgresStorage(dsn string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %v", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	storage := &PostgresStorage{db: db}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %v", err)
	}

	if _, err = s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %v", err)
	}

	return nil
}

// DB exposes the connection so the query executor can share it.
func (s *PostgresStorage) DB() *sql.DB {
	return s.db
}

func (s *PostgresStorage) SaveMessage(ctx context.Context, msg *models.Message, title string) error {
	var result any // NULL unless answered
	if msg.Result != nil {
		data, err := json.Marshal(msg.Result)
		if err != nil {
			return fmt.Errorf("error encoding result: %v", err)
		}
		result = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %v", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO threads (id, user_id, title, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at`,
		msg.ThreadID, msg.UserID, title, now)
	if err != nil {
		return fmt.Errorf("error saving thread: %v", err)
	}

	var id int64
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (thread_id, user_id, parent_id, question, result)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		msg.ThreadID, msg.UserID, msg.ParentID, msg.Question, result,
	).Scan(&id, &createdAt)
	if err != nil {
		return fmt.Errorf("error saving message: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing message: %v", err)
	}
	msg.ID = models.MessageID(strconv.FormatInt(id, 10))
	msg.CreatedAt = models.Timestamp{Time: createdAt}
	return nil
}

func (s *PostgresStorage) ListThreads(ctx context.Context, userID int64) ([]models.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, updated_at
		FROM threads
		WHERE user_id = $1
		ORDER BY updated_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("error querying threads: %v", err)
	}
	defer rows.Close()

	threads := []models.Thread{}
	index := make(map[string]int)
	for rows.Next() {
		var th models.Thread
		var updatedAt time.Time
		if err := rows.Scan(&th.ID, &th.Title, &updatedAt); err != nil {
			return nil, fmt.Errorf("error scanning thread: %v", err)
		}
		th.UpdatedAt = models.Timestamp{Time: updatedAt}
		th.Messages = []models.Message{}
		index[th.ID] = len(threads)
		threads = append(threads, th)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %v", err)
	}

	msgRows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, user_id, parent_id, question, result, created_at
		FROM messages
		WHERE user_id = $1
		ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %v", err)
	}
	defer msgRows.Close()

	for msgRows.Next() {
		var (
			msg       models.Message
			id        int64
			result    []byte
			createdAt time.Time
		)
		if err := msgRows.Scan(&id, &msg.ThreadID, &msg.UserID, &msg.ParentID, &msg.Question, &result, &createdAt); err != nil {
			return nil, fmt.Errorf("error scanning message: %v", err)
		}
		msg.ID = models.MessageID(strconv.FormatInt(id, 10))
		msg.CreatedAt = models.Timestamp{Time: createdAt}
		if len(result) > 0 {
			msg.Result = &models.QueryResult{}
			if err := json.Unmarshal(result, msg.Result); err != nil {
				return nil, fmt.Errorf("error decoding result of message %d: %v", id, err)
			}
		}
		if i, ok := index[msg.ThreadID]; ok {
			threads[i].Messages = append(threads[i].Messages, msg)
		}
	}
	if err := msgRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %v", err)
	}

	for i := range threads {
		if n := len(threads[i].Messages); n > 0 {
			threads[i].LastMessage = threads[i].Messages[n-1].Question
		}
	}
	return threads, nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
