package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"msghub/internal/config"
	"msghub/internal/domain"
)

// AppleScript snippets driving Messages.app. Receive walks the visible chats
// of the live client; there is no queryable history API underneath, so the
// result set is whatever the client currently renders.
const (
	imsgProbeScript = `tell application "Messages" to get id of first account`

	imsgSendScript = `on run {targetBuddy, targetMessage}
	tell application "Messages"
		set targetService to 1st account whose service type = iMessage
		set theBuddy to participant targetBuddy of targetService
		send targetMessage to theBuddy
	end tell
end run`

	// Emits one line per visible message: chat id, sender handle, text,
	// separated by a field separator unlikely to appear in content.
	imsgReceiveScript = `tell application "Messages"
	set output to ""
	repeat with c in chats
		set chatID to id of c
		repeat with m in (get messages of c)
			try
				set output to output & chatID & "" & (handle of sender of m) & "" & (text of m) & linefeed
			end try
		end repeat
	end repeat
	return output
end tell`
)

// IMessage is the local-automation adapter. There is no network session:
// connect is a capability probe, send/receive shell out to osascript, and the
// receive path is best-effort scraping of the live client's state.
type IMessage struct {
	cfg    config.IMessageConfig
	logger *slog.Logger

	// mu guards the session fields against sends racing disconnects.
	mu        sync.Mutex
	account   string
	connected bool
}

func NewIMessage(cfg config.IMessageConfig, logger *slog.Logger) *IMessage {
	return &IMessage{cfg: cfg, logger: logger}
}

func (i *IMessage) Platform() domain.Platform { return domain.PlatformIMessage }

func (i *IMessage) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		Send:    true,
		Receive: true,
		Threads: true,
		// Scraped from the live client; no authoritative history window.
		MessageHistory:  false,
		ReliableHistory: false,
		Requirements:    []string{"macOS", "Messages.app signed in", "automation permission"},
	}
}

// Connect probes whether the automation surface can be driven at all.
func (i *IMessage) Connect(ctx context.Context, creds domain.Credentials) (*domain.ConnectResult, error) {
	if runtime.GOOS != "darwin" {
		return nil, fmt.Errorf("imessage: requires macOS, running on %s", runtime.GOOS)
	}
	if _, err := exec.LookPath("osascript"); err != nil {
		return nil, fmt.Errorf("imessage: osascript not available: %w", err)
	}

	out, err := i.runScript(ctx, imsgProbeScript)
	if err != nil {
		return nil, fmt.Errorf("imessage: cannot drive Messages.app: %w", err)
	}

	account := strings.TrimSpace(out)
	if creds.AccountHint != "" {
		account = creds.AccountHint
	}
	i.mu.Lock()
	i.account = account
	i.connected = true
	i.mu.Unlock()
	i.logger.Info("imessage automation probe succeeded", "account", account)

	return &domain.ConnectResult{
		PlatformUserID: account,
		DisplayName:    "iMessage (" + account + ")",
	}, nil
}

func (i *IMessage) Disconnect(ctx context.Context, connectionID string) error {
	i.mu.Lock()
	i.connected = false
	i.mu.Unlock()
	return nil
}

func (i *IMessage) session() (account string, connected bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.account, i.connected
}

func (i *IMessage) SendMessage(ctx context.Context, msg domain.OutgoingMessage) (*domain.SendResult, error) {
	account, connected := i.session()
	if !connected {
		return nil, fmt.Errorf("imessage: no active session")
	}

	if _, err := i.runScriptArgs(ctx, imsgSendScript, msg.Recipient, msg.Body); err != nil {
		return nil, fmt.Errorf("imessage send: %w", err)
	}

	// Messages.app reports no message id; derive a stable one so the stored
	// outbound row still has a usable external reference.
	extID := fingerprint(msg.Recipient, account, msg.Body, time.Now().Format(time.RFC3339))
	return &domain.SendResult{
		ExternalID:       extID,
		ExternalThreadID: msg.Recipient,
	}, nil
}

// ReceiveMessages scrapes the live client. Lossy and non-authoritative: runs
// may miss messages or re-return old ones. External ids are content
// fingerprints so re-scrapes deduplicate downstream.
func (i *IMessage) ReceiveMessages(ctx context.Context, opts domain.ReceiveOptions) ([]domain.IncomingMessage, error) {
	account, connected := i.session()
	if !connected {
		return nil, fmt.Errorf("imessage: no active session")
	}

	out, err := i.runScript(ctx, imsgReceiveScript)
	if err != nil {
		return nil, fmt.Errorf("imessage receive: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 25
	}

	var msgs []domain.IncomingMessage
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, "")
		if len(fields) < 3 {
			continue
		}
		chatID, sender, body := fields[0], fields[1], strings.Join(fields[2:], "")
		if body == "" || sender == account {
			continue
		}
		msgs = append(msgs, domain.IncomingMessage{
			ExternalID:       fingerprint(chatID, sender, body),
			ExternalThreadID: chatID,
			SenderID:         sender,
			SenderName:       sender,
			RecipientID:      account,
			Body:             body,
			Type:             domain.TypeText,
			Metadata:         map[string]string{"scraped": "true"},
			SentAt:           time.Now(),
		})
		if len(msgs) >= limit {
			break
		}
	}
	return msgs, nil
}

func (i *IMessage) runScript(ctx context.Context, script string) (string, error) {
	return i.runScriptArgs(ctx, script)
}

func (i *IMessage) runScriptArgs(ctx context.Context, script string, args ...string) (string, error) {
	timeout := time.Duration(i.cfg.ScriptTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmdArgs := append([]string{"-e", script}, args...)
	cmd := exec.CommandContext(ctx, "osascript", cmdArgs...)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return "", fmt.Errorf("osascript: %s", strings.TrimSpace(string(ee.Stderr)))
		}
		return "", fmt.Errorf("osascript: %w", err)
	}
	return string(out), nil
}

// fingerprint derives a deterministic external id from message content, so
// repeated scrapes of the same message collapse at the dedup boundary.
func fingerprint(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "")))
	return "imsg-" + hex.EncodeToString(h[:12])
}
