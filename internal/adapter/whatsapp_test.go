package adapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"msghub/internal/config"
	"msghub/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

const waWebhookPayload = `{
  "object": "whatsapp_business_account",
  "entry": [
    {
      "id": "entry-1",
      "messaging": [
        {
          "sender": {"id": "15551230001"},
          "recipient": {"id": "15551239999"},
          "timestamp": 1700000000,
          "message": {"mid": "wamid.abc", "text": "hey there"}
        },
        {
          "sender": {"id": "15551230002"},
          "recipient": {"id": "15551239999"},
          "timestamp": 1700000060,
          "message": {"mid": "wamid.def", "text": "ping", "context": {"id": "wamid.abc"}}
        },
        {
          "sender": {"id": "15551230003"},
          "recipient": {"id": "15551239999"},
          "timestamp": 1700000120
        }
      ]
    }
  ]
}`

func TestWhatsAppHandleWebhook(t *testing.T) {
	w := NewWhatsApp(config.WhatsAppConfig{}, testLogger())

	msgs, err := w.HandleWebhook([]byte(waWebhookPayload))
	if err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages (delivery event skipped), got %d", len(msgs))
	}

	first := msgs[0]
	if first.ExternalID != "wamid.abc" {
		t.Errorf("external id = %q", first.ExternalID)
	}
	if first.ExternalThreadID != "15551230001" {
		t.Errorf("thread id = %q, want sender id", first.ExternalThreadID)
	}
	if first.Body != "hey there" {
		t.Errorf("body = %q", first.Body)
	}
	if first.SentAt.Unix() != 1700000000 {
		t.Errorf("sent at = %v", first.SentAt)
	}

	if got := msgs[1].Metadata["reply_to"]; got != "wamid.abc" {
		t.Errorf("reply_to = %q", got)
	}
}

func TestWhatsAppHandleWebhook_BadPayload(t *testing.T) {
	w := NewWhatsApp(config.WhatsAppConfig{}, testLogger())
	if _, err := w.HandleWebhook([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestWhatsAppVerifyWebhook(t *testing.T) {
	w := NewWhatsApp(config.WhatsAppConfig{VerifyToken: "sesame"}, testLogger())

	echo, err := w.VerifyWebhook("subscribe", "sesame", "challenge-42")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if echo != "challenge-42" {
		t.Errorf("echo = %q", echo)
	}

	if _, err := w.VerifyWebhook("unsubscribe", "sesame", "c"); err == nil {
		t.Error("expected error for wrong mode")
	}
	if _, err := w.VerifyWebhook("subscribe", "wrong", "c"); err == nil {
		t.Error("expected error for wrong token")
	}

	unconfigured := NewWhatsApp(config.WhatsAppConfig{}, testLogger())
	if _, err := unconfigured.VerifyWebhook("subscribe", "anything", "c"); err == nil {
		t.Error("expected error when no verify token configured")
	}
}

func TestWhatsAppVerifySignature(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)

	w := NewWhatsApp(config.WhatsAppConfig{AppSecret: "s3cret"}, testLogger())
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	good := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !w.VerifySignature(body, good) {
		t.Error("valid signature rejected")
	}
	if w.VerifySignature(body, "sha256=deadbeef") {
		t.Error("bogus signature accepted")
	}
	if w.VerifySignature(body, "md5=whatever") {
		t.Error("wrong scheme accepted")
	}
	if w.VerifySignature([]byte("tampered"), good) {
		t.Error("signature accepted for tampered body")
	}

	open := NewWhatsApp(config.WhatsAppConfig{}, testLogger())
	if !open.VerifySignature(body, "") {
		t.Error("must accept when no app secret is configured")
	}
}

func TestWhatsAppConnect_ValidatesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			rw.WriteHeader(http.StatusUnauthorized)
			return
		}
		rw.Write([]byte(`{"id":"acct-1","verified_name":"Acme Support"}`))
	}))
	defer srv.Close()

	w := NewWhatsApp(config.WhatsAppConfig{APIBase: srv.URL}, testLogger())
	res, err := w.Connect(context.Background(), domain.Credentials{APIToken: "tok-1", AccountID: "acct-1"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if res.PlatformUserID != "acct-1" || res.DisplayName != "Acme Support" {
		t.Errorf("unexpected result: %+v", res)
	}

	bad := NewWhatsApp(config.WhatsAppConfig{APIBase: srv.URL}, testLogger())
	if _, err := bad.Connect(context.Background(), domain.Credentials{APIToken: "wrong", AccountID: "acct-1"}); err == nil {
		t.Error("expected connect failure for rejected token")
	}
	if _, err := bad.Connect(context.Background(), domain.Credentials{}); err == nil {
		t.Error("expected connect failure for missing credentials")
	}
}

func TestWhatsAppSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/acct-1" {
			rw.Write([]byte(`{"id":"acct-1","verified_name":"Acme"}`))
			return
		}
		rw.Write([]byte(`{"messages":[{"id":"wamid.out1"}]}`))
	}))
	defer srv.Close()

	w := NewWhatsApp(config.WhatsAppConfig{APIBase: srv.URL}, testLogger())
	if _, err := w.Connect(context.Background(), domain.Credentials{APIToken: "tok", AccountID: "acct-1"}); err != nil {
		t.Fatal(err)
	}

	res, err := w.SendMessage(context.Background(), domain.OutgoingMessage{Recipient: "15551230001", Body: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.ExternalID != "wamid.out1" {
		t.Errorf("external id = %q", res.ExternalID)
	}
	if res.ExternalThreadID != "15551230001" {
		t.Errorf("thread id = %q", res.ExternalThreadID)
	}
}

// Exercised under the race detector: sends, disconnects and reconnects may
// hit the same adapter instance concurrently.
func TestWhatsAppConcurrentSendDisconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			rw.Write([]byte(`{"id":"acct-1","verified_name":"Acme"}`))
			return
		}
		rw.Write([]byte(`{"messages":[{"id":"wamid.out"}]}`))
	}))
	defer srv.Close()

	w := NewWhatsApp(config.WhatsAppConfig{APIBase: srv.URL}, testLogger())
	ctx := context.Background()
	if _, err := w.Connect(ctx, domain.Credentials{APIToken: "tok", AccountID: "acct-1"}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			w.SendMessage(ctx, domain.OutgoingMessage{Recipient: "15551230001", Body: "hi"})
		}()
		go func() {
			defer wg.Done()
			w.Disconnect(ctx, "whatsapp:u1")
		}()
		go func() {
			defer wg.Done()
			w.Connect(ctx, domain.Credentials{APIToken: "tok", AccountID: "acct-1"})
		}()
	}
	wg.Wait()
}

func TestWhatsAppSendMessage_NotConnected(t *testing.T) {
	w := NewWhatsApp(config.WhatsAppConfig{}, testLogger())
	if _, err := w.SendMessage(context.Background(), domain.OutgoingMessage{Recipient: "x", Body: "y"}); err == nil {
		t.Fatal("expected error without session")
	}
}
