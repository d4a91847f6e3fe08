package adapter

import (
	"context"
	"sync"
	"testing"

	"msghub/internal/domain"
)

func TestTelegramCapabilities(t *testing.T) {
	tg := NewTelegram(testLogger())
	caps := tg.Capabilities()
	if !caps.Send || !caps.Receive {
		t.Error("send and receive expected")
	}
	if caps.MessageHistory {
		t.Error("updates only flow forward from the cursor; no history backfill")
	}
}

func TestTelegramWithoutSession(t *testing.T) {
	tg := NewTelegram(testLogger())
	ctx := context.Background()

	if _, err := tg.SendMessage(ctx, domain.OutgoingMessage{Recipient: "42", Body: "hi"}); err == nil {
		t.Error("expected send failure without session")
	}
	if _, err := tg.ReceiveMessages(ctx, domain.ReceiveOptions{}); err == nil {
		t.Error("expected receive failure without session")
	}
	if err := tg.Disconnect(ctx, "telegram:u1"); err != nil {
		t.Errorf("disconnect must be a no-op without session: %v", err)
	}
}

// Exercised under the race detector: a manual sync, a scheduled one and a
// disconnect may overlap on the session and the update cursor.
func TestTelegramConcurrentSessionAccess(t *testing.T) {
	tg := NewTelegram(testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for n := 0; n < 10; n++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			tg.SendMessage(ctx, domain.OutgoingMessage{Recipient: "42", Body: "hi"})
		}()
		go func() {
			defer wg.Done()
			tg.ReceiveMessages(ctx, domain.ReceiveOptions{})
		}()
		go func() {
			defer wg.Done()
			tg.Disconnect(ctx, "telegram:u1")
		}()
	}
	wg.Wait()
}
