package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quillpost/api/internal/model"
)

const (
	postColumnCount = 8

	// MaxRowsPerStatement keeps one insert under the Postgres limit of 65535
	// bind parameters.
	MaxRowsPerStatement = 65535 / postColumnCount
)

// PostWriter bulk-inserts imported posts.
type PostWriter struct {
	pool *pgxpool.Pool
}

func NewPostWriter(pool *pgxpool.Pool) *PostWriter {
	return &PostWriter{pool: pool}
}

// InsertBatch writes posts in one transaction. Batches larger than
// MaxRowsPerStatement are split into several multi-row inserts inside that
// transaction. Rows that hit a unique constraint are skipped rather than
// failing the batch. Returns the number of rows actually inserted.
func (w *PostWriter) InsertBatch(ctx context.Context, posts []model.Post) (int64, error) {
	if len(posts) == 0 {
		return 0, nil
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	var inserted int64
	for _, chunk := range chunkPosts(posts, MaxRowsPerStatement) {
		query, args := buildPostInsert(chunk, now)
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("insert posts: %w", err)
		}
		inserted += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit posts batch: %w", err)
	}

	return inserted, nil
}

func chunkPosts(posts []model.Post, size int) [][]model.Post {
	chunks := make([][]model.Post, 0, (len(posts)+size-1)/size)
	for start := 0; start < len(posts); start += size {
		end := min(start+size, len(posts))
		chunks = append(chunks, posts[start:end])
	}
	return chunks
}

func buildPostInsert(posts []model.Post, now time.Time) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO posts (id, title, content, type, published, author_id, created_at, updated_at) VALUES ")

	args := make([]any, 0, len(posts)*postColumnCount)
	for i, p := range posts {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * postColumnCount
		sb.WriteString("(")
		for col := 1; col <= postColumnCount; col++ {
			if col > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+col)
		}
		sb.WriteString(")")

		createdAt := p.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		args = append(args, p.ID, p.Title, p.Content, p.Type, p.Published, p.AuthorID, createdAt, createdAt)
	}
	sb.WriteString(" ON CONFLICT DO NOTHING")

	return sb.String(), args
}
