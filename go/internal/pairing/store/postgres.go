package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/turingchat/go/internal/sqlutil"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore persists conversations in the conversations table
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with lib/pq and verifies the connection
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresStore(db), nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the conversations table if it does not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv NewConversation) (int64, error) {
	pre1, err := sqlutil.ToNullJSON(conv.User1PreSurvey)
	if err != nil {
		return 0, err
	}
	pre2, err := sqlutil.ToNullJSON(conv.User2PreSurvey)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (
			study_id, user1_id, user2_id, user1_lang, user2_lang, "group", model,
			starter_index, conversation_history, user1_presurvey, user2_presurvey
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '[]'::jsonb, $9, $10)
		RETURNING conversation_id`,
		sqlutil.ToSqlString(conv.StudyID), conv.User1ID, conv.User2ID, conv.User1Lang, conv.User2Lang,
		string(GroupFor(conv.User1Lang, conv.User2Lang)), conv.Model, conv.StarterIndex, pre1, pre2,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create conversation: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID int64, entry HistoryEntry) error {
	item, err := sqlutil.ToNullJSON([]HistoryEntry{entry})
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET conversation_history = conversation_history || $1::jsonb
		WHERE conversation_id = $2`,
		item, conversationID,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return expectOneRow(res, conversationID)
}

// SavePostSurvey stores answers in the slot's column once. The row is locked
// so two submissions for the same slot cannot both succeed.
func (s *PostgresStore) SavePostSurvey(ctx context.Context, conversationID int64, slot Slot, answers map[string]string) error {
	column := "user1_postsurvey"
	if slot == Slot2 {
		column = "user2_postsurvey"
	}
	payload, err := sqlutil.ToNullJSON(answers)
	if err != nil {
		return err
	}

	return sqlutil.Run(ctx, s.db, func(tx *sql.Tx) error {
		var existing pqtype.NullRawMessage
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT %s FROM conversations WHERE conversation_id = $1 FOR UPDATE`, column),
			conversationID,
		).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("save post-survey for %d: %w", conversationID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read post-survey: %w", err)
		}
		if existing.Valid {
			return ErrSurveyExists
		}

		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE conversations SET %s = $1 WHERE conversation_id = $2`, column),
			payload, conversationID,
		); err != nil {
			return fmt.Errorf("failed to save post-survey: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID int64) (*Conversation, error) {
	var (
		conv                     Conversation
		studyID                  sql.NullString
		group                    string
		history                  pqtype.NullRawMessage
		pre1, pre2, post1, post2 pqtype.NullRawMessage
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, study_id, user1_id, user2_id, user1_lang, user2_lang, "group", model,
		       starter_index, conversation_history, user1_presurvey, user2_presurvey,
		       user1_postsurvey, user2_postsurvey, created_at
		FROM conversations
		WHERE conversation_id = $1`,
		conversationID,
	).Scan(
		&conv.ID, &studyID, &conv.User1ID, &conv.User2ID, &conv.User1Lang, &conv.User2Lang, &group, &conv.Model,
		&conv.StarterIndex, &history, &pre1, &pre2, &post1, &post2, &conv.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	conv.StudyID = sqlutil.FromSqlString(studyID, "")
	conv.Group = Group(group)
	if conv.History, err = sqlutil.FromNullJSON[[]HistoryEntry](history); err != nil {
		return nil, err
	}
	surveys := []struct {
		src pqtype.NullRawMessage
		dst *map[string]string
	}{
		{pre1, &conv.User1PreSurvey},
		{pre2, &conv.User2PreSurvey},
		{post1, &conv.User1PostSurvey},
		{post2, &conv.User2PostSurvey},
	}
	for _, sv := range surveys {
		if *sv.dst, err = sqlutil.FromNullJSON[map[string]string](sv.src); err != nil {
			return nil, err
		}
	}
	return &conv, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func expectOneRow(res sql.Result, conversationID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("conversation %d: %w", conversationID, ErrNotFound)
	}
	return nil
}
