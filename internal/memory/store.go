// Package memory provides per-user conversation history and preference
// storage, plus the in-process history cache the agent loop reads from.
package memory

import (
	"context"
	"time"
)

// Conversation roles stored in history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Well-known preference keys. Preferences are an open record; other keys
// are stored and rendered the same way.
const (
	PrefTone            = "tone"
	PrefTopics          = "topics"
	PrefSchedule        = "schedule"
	PrefToolPreferences = "tool_preferences"
)

// Entry is one stored conversation message.
type Entry struct {
	Role      string    `json:"role"` // user or assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Preferences is a user's open key/value preference record.
type Preferences map[string]any

// Store is durable per-user storage. History is append-only and returned
// in insertion order. AppendHistory records all of its entries or none.
type Store interface {
	GetPreferences(ctx context.Context, userID string) (Preferences, error)
	SetPreference(ctx context.Context, userID, key string, value any) error
	GetHistory(ctx context.Context, userID string) ([]Entry, error)
	AppendHistory(ctx context.Context, userID string, entries ...Entry) error
	ClearHistory(ctx context.Context, userID string) error
	ListUserIDs(ctx context.Context) ([]string, error)
}

// Pruner is implemented by stores that can drop old history. The newest
// keep entries for the user are retained.
type Pruner interface {
	PruneHistory(ctx context.Context, userID string, keep int) (int64, error)
}
