package domain

import "time"

// Platform identifies an external messaging platform.
type Platform string

const (
	PlatformGmail    Platform = "gmail"
	PlatformIMessage Platform = "imessage"
	PlatformWhatsApp Platform = "whatsapp"
	PlatformTelegram Platform = "telegram"
)

// Direction tells whether a message entered or left the system.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageType classifies message content. Only text is carried today;
// media lands here when attachment support does.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeMedia MessageType = "media"
)

// PlatformIntegration is one (user, platform) connection record. Created on
// the first successful connect, soft-deactivated on disconnect, never deleted.
type PlatformIntegration struct {
	ID             int64
	UserID         string
	Platform       Platform
	PlatformUserID string
	DisplayName    string
	Credentials    []byte // opaque encrypted blob
	IsActive       bool
	LastSyncAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is a single normalized unit of communication. Content is immutable
// after creation; only the read flag may be toggled.
type Message struct {
	ID               int64
	UserID           string
	IntegrationID    int64
	Platform         Platform
	ExternalID       string // dedup key together with (UserID, Platform)
	ExternalThreadID string
	Direction        Direction
	Type             MessageType
	SenderID         string
	SenderName       string
	RecipientID      string
	Subject          string
	Body             string
	Preview          string
	Metadata         map[string]string
	IsRead           bool
	SentAt           time.Time
	CreatedAt        time.Time
}

// MessageThread groups messages sharing a platform-native conversation id.
// Exactly one row exists per (user, platform, external thread id).
type MessageThread struct {
	ID               int64
	UserID           string
	Platform         Platform
	ExternalThreadID string
	Title            string
	Participants     []string
	ParticipantCount int
	LastMessageAt    time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Processing queue statuses.
const (
	ProcessingPending = "pending"
	ProcessingDone    = "done"
	ProcessingFailed  = "failed"
)

// ProcessingQueueEntry is a unit of deferred work (content analysis and the
// like) consumed by an external worker.
type ProcessingQueueEntry struct {
	ID          int64
	MessageID   int64
	ProcessType string
	Status      string
	Params      map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MessagingNotification is a user-facing alert for a newly ingested message.
type MessagingNotification struct {
	ID        int64
	UserID    string
	MessageID int64
	Type      string
	Title     string
	Body      string
	Platform  Platform
	Priority  string
	IsRead    bool
	CreatedAt time.Time
}

// MessageTemplate is a reusable canned message owned by a user.
type MessageTemplate struct {
	ID        int64
	UserID    string
	Name      string
	Subject   string
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const previewLen = 120

// MakePreview derives the short snippet stored alongside a message body.
func MakePreview(body string) string {
	runes := []rune(body)
	if len(runes) <= previewLen {
		return body
	}
	return string(runes[:previewLen-1]) + "…"
}
