package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"msghub/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testIntegration(t *testing.T, s *SQLiteStore, userID string, platform domain.Platform) *domain.PlatformIntegration {
	t.Helper()
	in := &domain.PlatformIntegration{
		UserID:         userID,
		Platform:       platform,
		PlatformUserID: "acct-1",
		DisplayName:    "Test Account",
		Credentials:    []byte(`{"apiToken":"x"}`),
		IsActive:       true,
	}
	if err := s.UpsertIntegration(context.Background(), in); err != nil {
		t.Fatalf("upsert integration: %v", err)
	}
	if in.ID == 0 {
		t.Fatal("integration id not assigned")
	}
	return in
}

func TestInsertMessage_DuplicateExternalID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	integ := testIntegration(t, s, "u1", domain.PlatformWhatsApp)

	msg := &domain.Message{
		UserID:        "u1",
		IntegrationID: integ.ID,
		Platform:      domain.PlatformWhatsApp,
		ExternalID:    "ext-1",
		Direction:     domain.DirectionInbound,
		Body:          "hello",
		SentAt:        time.Now(),
	}
	if err := s.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if msg.ID == 0 {
		t.Fatal("message id not assigned")
	}

	dup := &domain.Message{
		UserID:        "u1",
		IntegrationID: integ.ID,
		Platform:      domain.PlatformWhatsApp,
		ExternalID:    "ext-1",
		Direction:     domain.DirectionInbound,
		Body:          "hello again",
		SentAt:        time.Now(),
	}
	if err := s.InsertMessage(ctx, dup); err != domain.ErrDuplicateMessage {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}

	msgs, err := s.ListMessages(ctx, domain.MessageFilter{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(msgs))
	}
	if msgs[0].Body != "hello" {
		t.Errorf("duplicate must not overwrite content, got %q", msgs[0].Body)
	}
}

func TestInsertMessage_SameExternalIDDifferentUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	i1 := testIntegration(t, s, "u1", domain.PlatformGmail)
	i2 := testIntegration(t, s, "u2", domain.PlatformGmail)

	for userID, integ := range map[string]*domain.PlatformIntegration{"u1": i1, "u2": i2} {
		err := s.InsertMessage(ctx, &domain.Message{
			UserID:        userID,
			IntegrationID: integ.ID,
			Platform:      domain.PlatformGmail,
			ExternalID:    "shared-ext",
			Direction:     domain.DirectionInbound,
			Body:          "hi",
			SentAt:        time.Now(),
		})
		if err != nil {
			t.Fatalf("insert for %s: %v", userID, err)
		}
	}
}

func TestUpsertThread_LastMessageAtNeverRegresses(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	t1 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(-time.Hour) // stale arrival

	if err := s.UpsertThread(ctx, &domain.MessageThread{
		UserID: "u1", Platform: domain.PlatformGmail, ExternalThreadID: "th-1",
		Title: "First", LastMessageAt: t1,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertThread(ctx, &domain.MessageThread{
		UserID: "u1", Platform: domain.PlatformGmail, ExternalThreadID: "th-1",
		Title: "Stale", LastMessageAt: t2,
	}); err != nil {
		t.Fatal(err)
	}

	threads, err := s.ListThreads(ctx, "u1", domain.PlatformGmail, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 1 {
		t.Fatalf("expected 1 thread, got %d", len(threads))
	}
	if !threads[0].LastMessageAt.Equal(t1) {
		t.Errorf("last_message_at regressed: want %v, got %v", t1, threads[0].LastMessageAt)
	}

	// A genuinely newer message still advances it.
	t3 := t1.Add(time.Hour)
	if err := s.UpsertThread(ctx, &domain.MessageThread{
		UserID: "u1", Platform: domain.PlatformGmail, ExternalThreadID: "th-1",
		LastMessageAt: t3,
	}); err != nil {
		t.Fatal(err)
	}
	threads, _ = s.ListThreads(ctx, "u1", domain.PlatformGmail, 10, 0)
	if !threads[0].LastMessageAt.Equal(t3) {
		t.Errorf("last_message_at did not advance: want %v, got %v", t3, threads[0].LastMessageAt)
	}
}

func TestUpsertThread_SingleRowPerThread(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.UpsertThread(ctx, &domain.MessageThread{
			UserID: "u1", Platform: domain.PlatformTelegram, ExternalThreadID: "chat-9",
			LastMessageAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}
	threads, err := s.ListThreads(ctx, "u1", domain.PlatformTelegram, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 1 {
		t.Fatalf("expected 1 thread row, got %d", len(threads))
	}
}

func TestMarkMessageRead_AndUnreadFilter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	integ := testIntegration(t, s, "u1", domain.PlatformGmail)

	for _, ext := range []string{"a", "b"} {
		if err := s.InsertMessage(ctx, &domain.Message{
			UserID: "u1", IntegrationID: integ.ID, Platform: domain.PlatformGmail,
			ExternalID: ext, Direction: domain.DirectionInbound, Body: ext, SentAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, _ := s.ListMessages(ctx, domain.MessageFilter{UserID: "u1", UnreadOnly: true})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 unread, got %d", len(msgs))
	}

	if err := s.MarkMessageRead(ctx, "u1", msgs[0].ID, true); err != nil {
		t.Fatal(err)
	}
	msgs, _ = s.ListMessages(ctx, domain.MessageFilter{UserID: "u1", UnreadOnly: true})
	if len(msgs) != 1 {
		t.Fatalf("expected 1 unread after mark, got %d", len(msgs))
	}

	// Another user cannot toggle someone else's message.
	if err := s.MarkMessageRead(ctx, "intruder", msgs[0].ID, true); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound for foreign user, got %v", err)
	}
	msgs, _ = s.ListMessages(ctx, domain.MessageFilter{UserID: "u1", UnreadOnly: true})
	if len(msgs) != 1 {
		t.Fatal("foreign user toggled a read flag")
	}

	if err := s.MarkMessageRead(ctx, "u1", 99999, true); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound for unknown id, got %v", err)
	}
}

func TestIntegrationLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	integ := testIntegration(t, s, "u1", domain.PlatformGmail)

	// Reconnect updates in place, no second row.
	integ2 := &domain.PlatformIntegration{
		UserID: "u1", Platform: domain.PlatformGmail,
		PlatformUserID: "acct-1", DisplayName: "Renamed", IsActive: true,
	}
	if err := s.UpsertIntegration(ctx, integ2); err != nil {
		t.Fatal(err)
	}
	if integ2.ID != integ.ID {
		t.Errorf("reconnect created a new row: %d != %d", integ2.ID, integ.ID)
	}

	if err := s.DeactivateIntegration(ctx, "u1", domain.PlatformGmail); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetIntegration(ctx, "u1", domain.PlatformGmail)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("soft-deactivated integration must still exist")
	}
	if got.IsActive {
		t.Error("integration still active after deactivate")
	}

	now := time.Now().Truncate(time.Second)
	if err := s.TouchIntegrationSync(ctx, got.ID, now); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetIntegration(ctx, "u1", domain.PlatformGmail)
	if got.LastSyncAt.IsZero() {
		t.Error("last sync not recorded")
	}
}

func TestTemplates_CRUDAndSeed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tpl := &domain.MessageTemplate{UserID: "u1", Name: "greeting", Body: "Hello there"}
	if err := s.CreateTemplate(ctx, tpl); err != nil {
		t.Fatal(err)
	}
	if tpl.ID == 0 {
		t.Fatal("template id not assigned")
	}

	tpl.Body = "Hello, updated"
	if err := s.UpdateTemplate(ctx, tpl); err != nil {
		t.Fatal(err)
	}

	// Seeding must not clobber the user's edit.
	if err := s.SeedTemplate(ctx, &domain.MessageTemplate{UserID: "u1", Name: "greeting", Body: "seed"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTemplate(ctx, "u1", tpl.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Body != "Hello, updated" {
		t.Errorf("seed overwrote user template: %q", got.Body)
	}

	if err := s.DeleteTemplate(ctx, "u1", tpl.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteTemplate(ctx, "u1", tpl.ID); err != domain.ErrTemplateNotFound {
		t.Errorf("expected ErrTemplateNotFound on second delete, got %v", err)
	}
}

func TestProcessingQueueAndNotifications(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	integ := testIntegration(t, s, "u1", domain.PlatformWhatsApp)

	msg := &domain.Message{
		UserID: "u1", IntegrationID: integ.ID, Platform: domain.PlatformWhatsApp,
		ExternalID: "ext-q", Direction: domain.DirectionInbound, Body: "q", SentAt: time.Now(),
	}
	if err := s.InsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	if err := s.EnqueueProcessing(ctx, &domain.ProcessingQueueEntry{
		MessageID: msg.ID, ProcessType: "content_analysis",
	}); err != nil {
		t.Fatal(err)
	}
	pending, err := s.CountPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pending != 1 {
		t.Errorf("expected 1 pending entry, got %d", pending)
	}

	if err := s.CreateNotification(ctx, &domain.MessagingNotification{
		UserID: "u1", MessageID: msg.ID, Type: "new_message", Title: "hi", Platform: domain.PlatformWhatsApp,
	}); err != nil {
		t.Fatal(err)
	}
	n, err := s.CountNotifications(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 notification, got %d", n)
	}
}
