package store

import (
	"strings"
	"testing"
	"time"

	"github.com/quillpost/api/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestBuildPostInsert(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	posts := []model.Post{
		{ID: "a", Title: "First", Type: "POST", AuthorID: "u1"},
		{ID: "b", Title: "Second", Content: "body", Type: "NEWS", Published: true, AuthorID: "u1"},
	}

	query, args := buildPostInsert(posts, now)

	assert.True(t, strings.HasPrefix(query, "INSERT INTO posts (id, title, content, type, published, author_id, created_at, updated_at) VALUES "))
	assert.True(t, strings.HasSuffix(query, " ON CONFLICT DO NOTHING"))
	assert.Contains(t, query, "($1, $2, $3, $4, $5, $6, $7, $8), ($9, $10, $11, $12, $13, $14, $15, $16)")
	assert.Len(t, args, 16)
	assert.Equal(t, "b", args[8])
	assert.Equal(t, true, args[12])
	assert.Equal(t, now, args[6])
}

func TestChunkPosts_StaysUnderParameterLimit(t *testing.T) {
	now := time.Now()
	posts := make([]model.Post, 2*MaxRowsPerStatement+5)

	chunks := chunkPosts(posts, MaxRowsPerStatement)
	assert.Len(t, chunks, 3)
	assert.Len(t, chunks[0], MaxRowsPerStatement)
	assert.Len(t, chunks[1], MaxRowsPerStatement)
	assert.Len(t, chunks[2], 5)

	for _, chunk := range chunks {
		_, args := buildPostInsert(chunk, now)
		assert.LessOrEqual(t, len(args), 65535)
	}
}

func TestChunkPosts_SmallBatch(t *testing.T) {
	chunks := chunkPosts(make([]model.Post, 3), MaxRowsPerStatement)
	assert.Len(t, chunks, 1)
	assert.Len(t, chunks[0], 3)
}
