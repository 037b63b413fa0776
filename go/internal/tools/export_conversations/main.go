package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/mcdev12/turingchat/go/internal/config"
)

// Record is one exported conversation, written as a single JSON line
type Record struct {
	ConversationID  int64           `json:"conversation_id"`
	StudyID         *string         `json:"study_id"`
	User1ID         string          `json:"user1_id"`
	User2ID         string          `json:"user2_id"`
	User1Lang       string          `json:"user1_lang"`
	User2Lang       string          `json:"user2_lang"`
	Group           string          `json:"group"`
	Model           string          `json:"model"`
	StarterIndex    int             `json:"starter_index"`
	History         json.RawMessage `json:"conversation_history"`
	User1PreSurvey  json.RawMessage `json:"user1_presurvey"`
	User2PreSurvey  json.RawMessage `json:"user2_presurvey"`
	User1PostSurvey json.RawMessage `json:"user1_postsurvey"`
	User2PostSurvey json.RawMessage `json:"user2_postsurvey"`
	CreatedAt       time.Time       `json:"created_at"`
}

// filter narrows the export
type filter struct {
	studyID      string
	since        time.Time
	completeOnly bool
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "no .env file: %v\n", err)
	}

	var (
		f     filter
		since string
	)
	flag.StringVar(&f.studyID, "study", "", "only export conversations of this study id")
	flag.StringVar(&since, "since", "", "only export conversations created at or after this RFC 3339 time")
	flag.BoolVar(&f.completeOnly, "complete", false, "only export conversations where both post-surveys are stored")
	flag.Parse()

	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -since: %v\n", err)
			os.Exit(2)
		}
		f.since = t
	}

	ctx := context.Background()
	cfg := config.NewDatabaseConfigFromEnv()
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	n, err := export(ctx, pool, f, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export failed after %d conversations: %v\n", n, err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Export complete: %d conversations\n", n)
}

// buildQuery returns the SELECT for a filter and its arguments
func buildQuery(f filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.studyID != "" {
		args = append(args, f.studyID)
		where = append(where, fmt.Sprintf("study_id = $%d", len(args)))
	}
	if !f.since.IsZero() {
		args = append(args, f.since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if f.completeOnly {
		where = append(where, "user1_postsurvey IS NOT NULL AND user2_postsurvey IS NOT NULL")
	}

	query := `SELECT conversation_id, study_id, user1_id, user2_id, user1_lang, user2_lang, "group", model,
       starter_index, conversation_history, user1_presurvey, user2_presurvey,
       user1_postsurvey, user2_postsurvey, created_at
FROM conversations`
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	return query + "\nORDER BY conversation_id", args
}

func export(ctx context.Context, pool *pgxpool.Pool, f filter, w io.Writer) (int, error) {
	query, args := buildQuery(f)
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	count := 0
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return count, err
		}
		if err := enc.Encode(rec); err != nil {
			return count, fmt.Errorf("write conversation %d: %w", rec.ConversationID, err)
		}
		count++
	}
	return count, rows.Err()
}

func scanRecord(rows pgx.Rows) (Record, error) {
	var rec Record
	var history, pre1, pre2, post1, post2 []byte
	err := rows.Scan(
		&rec.ConversationID, &rec.StudyID, &rec.User1ID, &rec.User2ID, &rec.User1Lang, &rec.User2Lang,
		&rec.Group, &rec.Model, &rec.StarterIndex, &history, &pre1, &pre2, &post1, &post2, &rec.CreatedAt,
	)
	if err != nil {
		return rec, fmt.Errorf("scan conversation: %w", err)
	}
	rec.History = rawOrNull(history)
	rec.User1PreSurvey = rawOrNull(pre1)
	rec.User2PreSurvey = rawOrNull(pre2)
	rec.User1PostSurvey = rawOrNull(post1)
	rec.User2PostSurvey = rawOrNull(post2)
	return rec, nil
}

func rawOrNull(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}
