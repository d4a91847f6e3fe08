package adapter

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"msghub/internal/config"
	"msghub/internal/domain"
)

const whatsappAPIBase = "https://graph.facebook.com/v21.0"

// WhatsApp is the push/webhook adapter for the Business Cloud API. Connect
// validates the long-lived token against the provider; inbound messages
// arrive exclusively via HandleWebhook; ReceiveMessages is a structural no-op
// kept only to satisfy the contract uniformly.
type WhatsApp struct {
	cfg    config.WhatsAppConfig
	logger *slog.Logger
	client *http.Client

	// mu guards the session fields; sends, disconnects and reconnects can
	// hit the same adapter instance concurrently.
	mu        sync.Mutex
	apiToken  string
	accountID string
	connected bool
}

func NewWhatsApp(cfg config.WhatsAppConfig, logger *slog.Logger) *WhatsApp {
	return &WhatsApp{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *WhatsApp) Platform() domain.Platform { return domain.PlatformWhatsApp }

func (w *WhatsApp) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		Send:            true,
		Receive:         false, // push-only: inbound arrives via webhook
		Threads:         true,
		ReadReceipts:    true,
		ReliableHistory: true,
		Requirements:    []string{"business api token", "registered phone number id", "public webhook endpoint"},
	}
}

func (w *WhatsApp) apiBase() string {
	if w.cfg.APIBase != "" {
		return w.cfg.APIBase
	}
	return whatsappAPIBase
}

// Connect validates the API token with a metadata fetch for the account.
func (w *WhatsApp) Connect(ctx context.Context, creds domain.Credentials) (*domain.ConnectResult, error) {
	if creds.APIToken == "" || creds.AccountID == "" {
		return nil, fmt.Errorf("whatsapp: api token and account id are required")
	}

	url := fmt.Sprintf("%s/%s?fields=verified_name,display_phone_number", w.apiBase(), creds.AccountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp validate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, string(body))
	}

	var account struct {
		ID                 string `json:"id"`
		VerifiedName       string `json:"verified_name"`
		DisplayPhoneNumber string `json:"display_phone_number"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return nil, fmt.Errorf("whatsapp account response: %w", err)
	}

	w.mu.Lock()
	w.apiToken = creds.APIToken
	w.accountID = creds.AccountID
	w.connected = true
	w.mu.Unlock()
	w.logger.Info("whatsapp connected", "account", account.ID, "name", account.VerifiedName)

	display := account.VerifiedName
	if display == "" {
		display = account.DisplayPhoneNumber
	}
	return &domain.ConnectResult{
		PlatformUserID: account.ID,
		DisplayName:    display,
	}, nil
}

func (w *WhatsApp) Disconnect(ctx context.Context, connectionID string) error {
	w.mu.Lock()
	w.apiToken = ""
	w.connected = false
	w.mu.Unlock()
	return nil
}

// SendMessage is fire-and-forget from the adapter's perspective; delivery
// confirmation comes back later over the webhook.
func (w *WhatsApp) SendMessage(ctx context.Context, msg domain.OutgoingMessage) (*domain.SendResult, error) {
	w.mu.Lock()
	token, accountID, connected := w.apiToken, w.accountID, w.connected
	w.mu.Unlock()
	if !connected {
		return nil, fmt.Errorf("whatsapp: no active session")
	}

	url := fmt.Sprintf("%s/%s/messages", w.apiBase(), accountID)
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                msg.Recipient,
		"type":              "text",
		"text":              map[string]string{"body": msg.Body},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, string(respBody))
	}

	var sent struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sent); err != nil {
		return nil, fmt.Errorf("whatsapp send response: %w", err)
	}
	if len(sent.Messages) == 0 {
		return nil, fmt.Errorf("whatsapp send: no message id in response")
	}

	return &domain.SendResult{
		ExternalID:       sent.Messages[0].ID,
		ExternalThreadID: msg.Recipient,
	}, nil
}

// ReceiveMessages exists only to satisfy the contract; this platform pushes.
func (w *WhatsApp) ReceiveMessages(ctx context.Context, opts domain.ReceiveOptions) ([]domain.IncomingMessage, error) {
	return nil, nil
}

// HandleWebhook flattens the provider's nested entry[].messaging[].message
// delivery into normalized messages.
func (w *WhatsApp) HandleWebhook(payload []byte) ([]domain.IncomingMessage, error) {
	var p waPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("whatsapp webhook payload: %w", err)
	}

	var out []domain.IncomingMessage
	for _, entry := range p.Entry {
		for _, ev := range entry.Messaging {
			if ev.Message == nil || ev.Message.Text == "" {
				continue
			}
			meta := map[string]string{"entry_id": entry.ID}
			if ev.Message.Context != nil {
				meta["reply_to"] = ev.Message.Context.ID
			}
			out = append(out, domain.IncomingMessage{
				ExternalID:       ev.Message.MID,
				ExternalThreadID: ev.Sender.ID,
				SenderID:         ev.Sender.ID,
				SenderName:       ev.Sender.ID,
				RecipientID:      ev.Recipient.ID,
				Body:             ev.Message.Text,
				Type:             domain.TypeText,
				Metadata:         meta,
				SentAt:           time.Unix(ev.Timestamp, 0),
			})
		}
	}
	return out, nil
}

// VerifyWebhook implements the subscription handshake: echo the challenge
// only when mode is "subscribe" and the token matches the pre-shared secret.
func (w *WhatsApp) VerifyWebhook(mode, token, challenge string) (string, error) {
	if mode != "subscribe" {
		return "", fmt.Errorf("whatsapp verify: unexpected mode %q", mode)
	}
	if w.cfg.VerifyToken == "" || token != w.cfg.VerifyToken {
		return "", fmt.Errorf("whatsapp verify: token mismatch")
	}
	return challenge, nil
}

// VerifySignature checks the X-Hub-Signature-256 header over the raw body.
// Returns true when no app secret is configured.
func (w *WhatsApp) VerifySignature(body []byte, signature string) bool {
	if w.cfg.AppSecret == "" {
		return true
	}
	if len(signature) < 7 || signature[:7] != "sha256=" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(w.cfg.AppSecret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature[7:]), []byte(computed))
}

// --- webhook payload shape ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID        string        `json:"id"`
	Messaging []waMessaging `json:"messaging"`
}

type waMessaging struct {
	Sender    waParty    `json:"sender"`
	Recipient waParty    `json:"recipient"`
	Timestamp int64      `json:"timestamp"`
	Message   *waMessage `json:"message,omitempty"`
}

type waParty struct {
	ID string `json:"id"`
}

type waMessage struct {
	MID     string     `json:"mid"`
	Text    string     `json:"text"`
	Context *waContext `json:"context,omitempty"`
}

type waContext struct {
	ID string `json:"id"`
}
