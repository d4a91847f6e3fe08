package adapter

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"msghub/internal/config"
	"msghub/internal/domain"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const (
	gmailUser         = "me"
	gmailDefaultQuery = "in:inbox -in:draft"
)

// Gmail is the pull/OAuth adapter: token-based session, server-side search
// query, paginated list-then-fetch retrieval, recursive MIME body extraction.
type Gmail struct {
	cfg    config.GmailConfig
	logger *slog.Logger

	// mu guards the session fields against sends and syncs racing
	// disconnects on the same instance.
	mu      sync.Mutex
	srv     *gmailapi.Service
	address string
}

func (g *Gmail) session() (*gmailapi.Service, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.srv, g.address
}

func NewGmail(cfg config.GmailConfig, logger *slog.Logger) *Gmail {
	return &Gmail{cfg: cfg, logger: logger}
}

func (g *Gmail) Platform() domain.Platform { return domain.PlatformGmail }

func (g *Gmail) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		Send:            true,
		Receive:         true,
		Threads:         true,
		MessageHistory:  true,
		ReliableHistory: true,
		Requirements:    []string{"oauth2 client credentials", "gmail api enabled"},
	}
}

// Connect builds a token source from the OAuth triple and validates it with a
// profile fetch. On any failure the service reference stays nil.
func (g *Gmail) Connect(ctx context.Context, creds domain.Credentials) (*domain.ConnectResult, error) {
	if creds.ClientID == "" || creds.ClientSecret == "" || creds.RefreshToken == "" {
		return nil, fmt.Errorf("gmail: client id, client secret and refresh token are required")
	}

	oauthCfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmailapi.GmailModifyScope},
	}
	ts := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})

	srv, err := gmailapi.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}

	profile, err := srv.Users.GetProfile(gmailUser).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gmail profile: %w", err)
	}

	g.mu.Lock()
	g.srv = srv
	g.address = profile.EmailAddress
	g.mu.Unlock()
	g.logger.Info("gmail connected", "address", profile.EmailAddress)

	return &domain.ConnectResult{
		PlatformUserID: profile.EmailAddress,
		DisplayName:    profile.EmailAddress,
	}, nil
}

func (g *Gmail) Disconnect(ctx context.Context, connectionID string) error {
	g.mu.Lock()
	g.srv = nil
	g.address = ""
	g.mu.Unlock()
	return nil
}

func (g *Gmail) SendMessage(ctx context.Context, msg domain.OutgoingMessage) (*domain.SendResult, error) {
	srv, address := g.session()
	if srv == nil {
		return nil, fmt.Errorf("gmail: no active session")
	}

	raw := buildRFC822(address, msg.Recipient, msg.Subject, msg.Body)
	sent, err := srv.Users.Messages.Send(gmailUser, &gmailapi.Message{
		Raw: base64.URLEncoding.EncodeToString([]byte(raw)),
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gmail send: %w", err)
	}

	return &domain.SendResult{
		ExternalID:       sent.Id,
		ExternalThreadID: sent.ThreadId,
	}, nil
}

// ReceiveMessages lists message ids matching the search query, then fetches
// each in full. Already-seen ids may be returned again; dedup is downstream.
func (g *Gmail) ReceiveMessages(ctx context.Context, opts domain.ReceiveOptions) ([]domain.IncomingMessage, error) {
	srv, address := g.session()
	if srv == nil {
		return nil, fmt.Errorf("gmail: no active session")
	}

	query := g.cfg.Query
	if query == "" {
		query = gmailDefaultQuery
	}
	if !opts.Since.IsZero() {
		query += fmt.Sprintf(" after:%d", opts.Since.Unix())
	}

	limit := int64(opts.Limit)
	if limit <= 0 {
		limit = 25
	}

	call := srv.Users.Messages.List(gmailUser).MaxResults(limit).Q(query).Context(ctx)
	if opts.PageToken != "" {
		call = call.PageToken(opts.PageToken)
	}
	list, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("gmail list: %w", err)
	}

	var out []domain.IncomingMessage
	for _, ref := range list.Messages {
		full, err := srv.Users.Messages.Get(gmailUser, ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			g.logger.Warn("gmail fetch failed", "id", ref.Id, "err", err)
			continue
		}
		out = append(out, g.normalize(full, address))
	}
	return out, nil
}

func (g *Gmail) normalize(msg *gmailapi.Message, address string) domain.IncomingMessage {
	in := domain.IncomingMessage{
		ExternalID:       msg.Id,
		ExternalThreadID: msg.ThreadId,
		RecipientID:      address,
		Type:             domain.TypeText,
		Metadata:         map[string]string{"snippet": msg.Snippet},
		SentAt:           time.UnixMilli(msg.InternalDate),
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "From":
				in.SenderName, in.SenderID = splitAddress(h.Value)
			case "Subject":
				in.Subject = h.Value
			}
		}
		in.Body = extractPlainText(msg.Payload)
	}
	if in.Body == "" {
		in.Body = msg.Snippet
	}
	return in
}

// extractPlainText picks the first text/plain part, descending into nested
// multipart structures when the top level carries none.
func extractPlainText(part *gmailapi.MessagePart) string {
	if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
		data, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err == nil {
			return string(data)
		}
	}
	for _, p := range part.Parts {
		mime := strings.ToLower(p.MimeType)
		if strings.HasPrefix(mime, "text/") || strings.HasPrefix(mime, "multipart/") {
			if body := extractPlainText(p); body != "" {
				return body
			}
		}
	}
	return ""
}

// splitAddress splits an RFC 5322 "Display Name <addr>" header value.
func splitAddress(v string) (name, addr string) {
	open := strings.LastIndex(v, "<")
	close := strings.LastIndex(v, ">")
	if open >= 0 && close > open {
		name = strings.Trim(strings.TrimSpace(v[:open]), `"`)
		addr = v[open+1 : close]
		if name == "" {
			name = addr
		}
		return name, addr
	}
	v = strings.TrimSpace(v)
	return v, v
}

func buildRFC822(from, to, subject, body string) string {
	var b strings.Builder
	if from != "" {
		fmt.Fprintf(&b, "From: %s\r\n", from)
	}
	fmt.Fprintf(&b, "To: %s\r\n", to)
	if subject != "" {
		fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	}
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}
