package adapter

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"testing"

	"msghub/internal/config"
	"msghub/internal/domain"
)

func TestFingerprint_Deterministic(t *testing.T) {
	a := fingerprint("chat1", "alice@icloud.com", "hello")
	b := fingerprint("chat1", "alice@icloud.com", "hello")
	if a != b {
		t.Errorf("same input produced %q and %q", a, b)
	}
	if !strings.HasPrefix(a, "imsg-") {
		t.Errorf("unexpected prefix: %q", a)
	}
	if len(a) != len("imsg-")+24 {
		t.Errorf("unexpected length: %q", a)
	}
}

func TestFingerprint_DistinctInputs(t *testing.T) {
	base := fingerprint("chat1", "alice", "hello")
	for _, other := range []string{
		fingerprint("chat2", "alice", "hello"),
		fingerprint("chat1", "bob", "hello"),
		fingerprint("chat1", "alice", "goodbye"),
	} {
		if other == base {
			t.Errorf("distinct input collided with base: %q", other)
		}
	}
}

func TestIMessageCapabilities(t *testing.T) {
	i := NewIMessage(config.IMessageConfig{}, testLogger())
	caps := i.Capabilities()
	if caps.MessageHistory {
		t.Error("scraped transport must not claim message history")
	}
	if caps.ReliableHistory {
		t.Error("scraped transport must not claim reliable history")
	}
	if !caps.Send || !caps.Receive {
		t.Error("send and receive expected")
	}
}

func TestIMessageConnect_RequiresDarwin(t *testing.T) {
	if runtime.GOOS == "darwin" {
		t.Skip("host has Messages.app available")
	}
	i := NewIMessage(config.IMessageConfig{}, testLogger())
	if _, err := i.Connect(context.Background(), domain.Credentials{AccountHint: "me@icloud.com"}); err == nil {
		t.Fatal("expected connect failure off macOS")
	}
}

func TestIMessageDisconnect_WithoutSession(t *testing.T) {
	i := NewIMessage(config.IMessageConfig{}, testLogger())
	if err := i.Disconnect(context.Background(), "imessage:u1"); err != nil {
		t.Fatalf("disconnect must be a no-op without session: %v", err)
	}
}

// Exercised under the race detector: session reads and disconnect writes may
// overlap on one instance.
func TestIMessageConcurrentSessionAccess(t *testing.T) {
	i := NewIMessage(config.IMessageConfig{}, testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for n := 0; n < 10; n++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			i.SendMessage(ctx, domain.OutgoingMessage{Recipient: "x", Body: "y"})
		}()
		go func() {
			defer wg.Done()
			i.Disconnect(ctx, "imessage:u1")
		}()
	}
	wg.Wait()
}
