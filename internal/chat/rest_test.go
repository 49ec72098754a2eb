package chat

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pageOf(n int) []*Message {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// Newest first, as ListMessages returns them.
	messages := make([]*Message, n)
	for i := 0; i < n; i++ {
		messages[i] = &Message{
			ID:        uuid.New(),
			CreatedAt: base.Add(-time.Duration(i) * time.Minute),
		}
	}
	return messages
}

func TestTrimPage(t *testing.T) {
	tests := []struct {
		name     string
		fetched  int
		limit    int
		wantLen  int
		wantMore bool
	}{
		{"empty", 0, 50, 0, false},
		{"under limit", 3, 50, 3, false},
		{"exactly limit", 50, 50, 50, false},
		{"probe row present", 51, 50, 50, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, hasMore := trimPage(pageOf(tt.fetched), tt.limit)
			assert.Len(t, page, tt.wantLen)
			assert.Equal(t, tt.wantMore, hasMore)
		})
	}
}

func TestTrimPageReordersOldestFirst(t *testing.T) {
	page, hasMore := trimPage(pageOf(4), 10)
	require.False(t, hasMore)
	require.Len(t, page, 4)
	for i := 1; i < len(page); i++ {
		assert.True(t, page[i-1].CreatedAt.Before(page[i].CreatedAt))
	}
}
