package domain

import (
	"context"
	"time"
)

// Credentials carries the platform-specific secrets needed to establish a
// session. Fields are optional; each adapter documents which ones it reads.
type Credentials struct {
	// OAuth-style platforms (Gmail).
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`

	// Long-lived token platforms (WhatsApp Business, Telegram bots).
	APIToken  string `json:"apiToken,omitempty"`
	AccountID string `json:"accountId,omitempty"`

	// Local-automation platforms (iMessage).
	AccountHint string `json:"accountHint,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// ConnectResult is what a successful adapter connect reports back.
type ConnectResult struct {
	PlatformUserID string
	DisplayName    string
}

// OutgoingMessage is the transient shape handed to an adapter for delivery.
type OutgoingMessage struct {
	Recipient string
	Subject   string
	Body      string
	Type      MessageType
}

// SendResult reports the platform-native identifiers of a delivered message.
type SendResult struct {
	ExternalID       string
	ExternalThreadID string
}

// ReceiveOptions bounds a pull-model fetch.
type ReceiveOptions struct {
	Limit     int
	Since     time.Time
	PageToken string
}

// IncomingMessage is a normalized-but-not-yet-stored message returned by an
// adapter's receive or webhook path. Deduplication happens downstream.
type IncomingMessage struct {
	ExternalID       string
	ExternalThreadID string
	SenderID         string
	SenderName       string
	RecipientID      string
	Subject          string
	Body             string
	Type             MessageType
	Metadata         map[string]string
	SentAt           time.Time
}

// Capabilities describes what a platform adapter can do. The router gates
// calls on these flags before touching the adapter.
type Capabilities struct {
	Send             bool
	Receive          bool
	Threads          bool
	Attachments      bool
	ReadReceipts     bool
	TypingIndicators bool
	MessageHistory   bool

	// ReliableHistory is false for platforms whose receive path scrapes
	// live client state instead of querying an authoritative API.
	ReliableHistory bool

	Requirements []string
}

// PlatformAdapter is the uniform contract every platform implements.
//
// Connect must be retry-safe and must not leave a connected state behind on
// failure. ReceiveMessages may return previously seen messages; the router
// deduplicates. All errors cross this boundary as plain error values.
type PlatformAdapter interface {
	Platform() Platform
	Capabilities() Capabilities
	Connect(ctx context.Context, creds Credentials) (*ConnectResult, error)
	// Disconnect releases adapter-held resources. Calling it for an already
	// disconnected id is a no-op.
	Disconnect(ctx context.Context, connectionID string) error
	SendMessage(ctx context.Context, msg OutgoingMessage) (*SendResult, error)
	ReceiveMessages(ctx context.Context, opts ReceiveOptions) ([]IncomingMessage, error)
}

// WebhookAdapter is implemented by push platforms whose inbound messages
// arrive via webhook delivery. Absence of this interface marks a pull-only
// platform.
type WebhookAdapter interface {
	PlatformAdapter
	HandleWebhook(payload []byte) ([]IncomingMessage, error)
}

// WebhookVerifier is implemented by adapters whose webhook endpoint exposes a
// subscription verification handshake: echo the challenge back only when the
// mode is "subscribe" and the token matches the pre-shared secret.
type WebhookVerifier interface {
	VerifyWebhook(mode, token, challenge string) (string, error)
}
