package domain

import (
	"context"
	"time"
)

// MessageFilter narrows a message listing.
type MessageFilter struct {
	UserID     string
	Platform   Platform // empty = all platforms
	UnreadOnly bool
	Limit      int
	Offset     int
}

// Store is the persistent-store boundary. The implementation must enforce a
// uniqueness constraint on messages (user_id, platform, external_id) and
// advance-only semantics for the thread last-message timestamp.
type Store interface {
	// Integrations.
	UpsertIntegration(ctx context.Context, in *PlatformIntegration) error
	GetIntegration(ctx context.Context, userID string, platform Platform) (*PlatformIntegration, error)
	ListIntegrations(ctx context.Context, userID string) ([]PlatformIntegration, error)
	DeactivateIntegration(ctx context.Context, userID string, platform Platform) error
	TouchIntegrationSync(ctx context.Context, id int64, at time.Time) error

	// Messages. InsertMessage returns ErrDuplicateMessage when the
	// (user, platform, external id) tuple already exists.
	InsertMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, f MessageFilter) ([]Message, error)
	MarkMessageRead(ctx context.Context, userID string, id int64, read bool) error

	// Threads. UpsertThread never regresses LastMessageAt.
	UpsertThread(ctx context.Context, th *MessageThread) error
	ListThreads(ctx context.Context, userID string, platform Platform, limit, offset int) ([]MessageThread, error)

	// Deferred work and alerts.
	EnqueueProcessing(ctx context.Context, e *ProcessingQueueEntry) error
	CreateNotification(ctx context.Context, n *MessagingNotification) error

	// Templates.
	CreateTemplate(ctx context.Context, t *MessageTemplate) error
	GetTemplate(ctx context.Context, userID string, id int64) (*MessageTemplate, error)
	ListTemplates(ctx context.Context, userID string) ([]MessageTemplate, error)
	UpdateTemplate(ctx context.Context, t *MessageTemplate) error
	DeleteTemplate(ctx context.Context, userID string, id int64) error

	Close() error
}
