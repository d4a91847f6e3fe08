// Package router orchestrates connection lifecycle, message normalization,
// deduplication, thread association and notification fan-out across all
// platform adapters.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"msghub/internal/adapter"
	"msghub/internal/domain"
	"msghub/internal/metrics"
	"msghub/internal/registry"

	"github.com/google/uuid"
)

const processTypeAnalysis = "content_analysis"

// Options tunes the router's timing behavior.
type Options struct {
	SyncInterval time.Duration // cadence of the per-connection background pull
	CallTimeout  time.Duration // bound on each adapter call
	BatchLimit   int           // max messages pulled per sync tick
}

// Router is the public-facing orchestrator. It exclusively owns the creation
// and lifecycle of every persisted entity; adapters stay stateless with
// respect to persistence.
type Router struct {
	store    domain.Store
	adapters *adapter.Registry
	reg      *registry.Registry
	sched    *SyncScheduler
	logger   *slog.Logger

	callTimeout time.Duration
	batchLimit  int

	ingested        *metrics.Counter
	duplicates      *metrics.Counter
	syncErrors      *metrics.Counter
	activeConns     *metrics.Gauge
	webhookDelivery *metrics.Counter
}

func New(store domain.Store, adapters *adapter.Registry, logger *slog.Logger, opts Options) *Router {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 25
	}
	return &Router{
		store:       store,
		adapters:    adapters,
		reg:         registry.New(logger),
		sched:       NewSyncScheduler(opts.SyncInterval, logger),
		logger:      logger,
		callTimeout: opts.CallTimeout,
		batchLimit:  opts.BatchLimit,

		ingested:        metrics.Default.Counter("msghub_messages_ingested_total", "Messages stored via ingestion"),
		duplicates:      metrics.Default.Counter("msghub_messages_duplicate_total", "Duplicate ingestions dropped"),
		syncErrors:      metrics.Default.Counter("msghub_sync_errors_total", "Failed scheduled sync ticks"),
		activeConns:     metrics.Default.Gauge("msghub_connections_active", "Live platform connections"),
		webhookDelivery: metrics.Default.Counter("msghub_webhook_deliveries_total", "Webhook deliveries ingested"),
	}
}

// Platforms lists the platforms adapters are registered for, with their
// capability descriptors.
func (r *Router) Platforms() map[domain.Platform]domain.Capabilities {
	out := make(map[domain.Platform]domain.Capabilities)
	for _, p := range r.adapters.Platforms() {
		if ad, err := r.adapters.New(p); err == nil {
			out[p] = ad.Capabilities()
		}
	}
	return out
}

// Connections returns the live connections.
func (r *Router) Connections() []*registry.Connection {
	return r.reg.Snapshot()
}

// ConnectPlatform resolves the platform's adapter, validates the session,
// persists the integration, registers the connection and starts its sync
// schedule. Adapter failure leaves no partial state behind.
func (r *Router) ConnectPlatform(ctx context.Context, userID string, platform domain.Platform, creds domain.Credentials) (*domain.PlatformIntegration, error) {
	ad, err := r.adapters.New(platform)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	res, err := ad.Connect(cctx, creds)
	cancel()
	if err != nil {
		return nil, &domain.ConnectionError{Platform: platform, Reason: "connect failed", Err: err}
	}

	key := registry.Key{UserID: userID, Platform: platform}

	credsBlob, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	integ := &domain.PlatformIntegration{
		UserID:         userID,
		Platform:       platform,
		PlatformUserID: res.PlatformUserID,
		DisplayName:    res.DisplayName,
		Credentials:    credsBlob,
		IsActive:       true,
	}
	if err := r.store.UpsertIntegration(ctx, integ); err != nil {
		// Roll the session back so a storage failure leaves nothing connected.
		ad.Disconnect(ctx, key.ConnectionID())
		return nil, fmt.Errorf("persist integration: %w", err)
	}

	conn := &registry.Connection{
		Key:         key,
		Adapter:     ad,
		Integration: integ,
		ConnectedAt: time.Now(),
	}
	if prev := r.reg.Put(conn); prev != nil {
		// Reconnect: tear the prior session down first.
		r.logger.Info("reconnecting platform", "connection", key.ConnectionID())
		if err := prev.Adapter.Disconnect(ctx, key.ConnectionID()); err != nil {
			r.logger.Warn("stale session disconnect failed", "connection", key.ConnectionID(), "err", err)
		}
	} else {
		r.activeConns.Inc()
	}

	if ad.Capabilities().Receive {
		r.sched.Start(key, func(tickCtx context.Context) error {
			return r.syncTick(tickCtx, conn)
		})
	}

	r.logger.Info("platform connected",
		"connection", key.ConnectionID(),
		"platform_user", res.PlatformUserID,
	)
	return integ, nil
}

// DisconnectPlatform stops the schedule, releases the adapter session,
// removes the registry entry and deactivates the integration. Idempotent.
func (r *Router) DisconnectPlatform(ctx context.Context, userID string, platform domain.Platform) error {
	key := registry.Key{UserID: userID, Platform: platform}

	r.sched.Stop(key)
	conn, ok := r.reg.Remove(key)
	if ok {
		if err := conn.Adapter.Disconnect(ctx, key.ConnectionID()); err != nil {
			r.logger.Warn("adapter disconnect failed", "connection", key.ConnectionID(), "err", err)
		}
		r.activeConns.Dec()
	}

	if err := r.store.DeactivateIntegration(ctx, userID, platform); err != nil {
		return fmt.Errorf("deactivate integration: %w", err)
	}

	r.logger.Info("platform disconnected", "connection", key.ConnectionID(), "was_connected", ok)
	return nil
}

// SendMessage delivers via the adapter and stores the outbound record. On
// adapter failure nothing is stored.
func (r *Router) SendMessage(ctx context.Context, userID string, platform domain.Platform, out domain.OutgoingMessage) (*domain.Message, error) {
	conn, ok := r.reg.Get(registry.Key{UserID: userID, Platform: platform})
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotConnected, platform)
	}
	if !conn.Adapter.Capabilities().Send {
		return nil, fmt.Errorf("%w: %s cannot send", domain.ErrUnsupported, platform)
	}

	cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	res, err := conn.Adapter.SendMessage(cctx, out)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("send via %s: %w", platform, err)
	}

	now := time.Now()
	msg := &domain.Message{
		UserID:           userID,
		IntegrationID:    conn.Integration.ID,
		Platform:         platform,
		ExternalID:       res.ExternalID,
		ExternalThreadID: res.ExternalThreadID,
		Direction:        domain.DirectionOutbound,
		Type:             out.Type,
		SenderID:         conn.Integration.PlatformUserID,
		SenderName:       conn.Integration.DisplayName,
		RecipientID:      out.Recipient,
		Subject:          out.Subject,
		Body:             out.Body,
		IsRead:           true, // the sender has read their own message
		SentAt:           now,
	}
	if err := r.store.InsertMessage(ctx, msg); err != nil && !errors.Is(err, domain.ErrDuplicateMessage) {
		return nil, fmt.Errorf("store outbound message: %w", err)
	}

	if res.ExternalThreadID != "" {
		r.upsertThread(ctx, msg, out.Recipient)
	}
	return msg, nil
}

// ReceiveMessages pulls from the adapter and feeds every item through the
// ingestion choke point. An item failing downstream processing is skipped,
// not fatal to the batch. Returns the freshly stored subset.
func (r *Router) ReceiveMessages(ctx context.Context, userID string, platform domain.Platform, opts domain.ReceiveOptions) ([]domain.Message, error) {
	conn, ok := r.reg.Get(registry.Key{UserID: userID, Platform: platform})
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotConnected, platform)
	}
	return r.receiveInto(ctx, conn, opts)
}

func (r *Router) receiveInto(ctx context.Context, conn *registry.Connection, opts domain.ReceiveOptions) ([]domain.Message, error) {
	caps := conn.Adapter.Capabilities()
	if !caps.Receive {
		return nil, fmt.Errorf("%w: %s cannot receive", domain.ErrUnsupported, conn.Key.Platform)
	}
	if !caps.ReliableHistory {
		r.logger.Debug("syncing unreliable-history platform", "connection", conn.Key.ConnectionID())
	}

	cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	batch, err := conn.Adapter.ReceiveMessages(cctx, opts)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", conn.Key.Platform, err)
	}

	// Disconnected while the pull was in flight: the handle is stale,
	// discard the result rather than ingesting for a removed connection.
	if !conn.Valid() {
		r.logger.Debug("dropping sync result for removed connection", "connection", conn.Key.ConnectionID())
		return nil, nil
	}

	var stored []domain.Message
	for _, in := range batch {
		msg, err := r.ProcessIncoming(ctx, conn.Key.UserID, conn.Key.Platform, conn.Integration.ID, in)
		if err != nil {
			r.logger.Warn("skipping message that failed processing",
				"connection", conn.Key.ConnectionID(),
				"external_id", in.ExternalID,
				"err", err,
			)
			continue
		}
		if msg != nil {
			stored = append(stored, *msg)
		}
	}

	if err := r.store.TouchIntegrationSync(ctx, conn.Integration.ID, time.Now()); err != nil {
		r.logger.Warn("cannot update last sync", "connection", conn.Key.ConnectionID(), "err", err)
	}
	return stored, nil
}

// syncTick is the scheduled pull for one connection.
func (r *Router) syncTick(ctx context.Context, conn *registry.Connection) error {
	if !conn.Valid() {
		return nil
	}
	_, err := r.receiveInto(ctx, conn, domain.ReceiveOptions{Limit: r.batchLimit})
	if err != nil {
		r.syncErrors.Inc()
	}
	return err
}

// ProcessIncoming is the single ingestion choke point shared by the polling
// and webhook paths. A duplicate (user, platform, external id) is a silent
// no-op returning (nil, nil): stored once, notified once.
func (r *Router) ProcessIncoming(ctx context.Context, userID string, platform domain.Platform, integrationID int64, in domain.IncomingMessage) (*domain.Message, error) {
	msg := &domain.Message{
		UserID:           userID,
		IntegrationID:    integrationID,
		Platform:         platform,
		ExternalID:       in.ExternalID,
		ExternalThreadID: in.ExternalThreadID,
		Direction:        domain.DirectionInbound,
		Type:             in.Type,
		SenderID:         in.SenderID,
		SenderName:       in.SenderName,
		RecipientID:      in.RecipientID,
		Subject:          in.Subject,
		Body:             in.Body,
		Metadata:         in.Metadata,
		SentAt:           in.SentAt,
	}

	if err := r.store.InsertMessage(ctx, msg); err != nil {
		if errors.Is(err, domain.ErrDuplicateMessage) {
			r.duplicates.Inc()
			r.logger.Debug("duplicate ingestion ignored",
				"platform", platform, "external_id", in.ExternalID)
			return nil, nil
		}
		return nil, fmt.Errorf("store message: %w", err)
	}
	r.ingested.Inc()

	if in.ExternalThreadID != "" {
		r.upsertThread(ctx, msg, in.SenderName)
	}

	if err := r.store.EnqueueProcessing(ctx, &domain.ProcessingQueueEntry{
		MessageID:   msg.ID,
		ProcessType: processTypeAnalysis,
		Status:      domain.ProcessingPending,
		// job_id lets the external worker correlate results back to the
		// queue entry across retries.
		Params: map[string]string{
			"platform": string(platform),
			"job_id":   uuid.NewString(),
		},
	}); err != nil {
		r.logger.Warn("cannot enqueue processing", "message_id", msg.ID, "err", err)
	}

	if err := r.store.CreateNotification(ctx, &domain.MessagingNotification{
		UserID:    userID,
		MessageID: msg.ID,
		Type:      "new_message",
		Title:     notificationTitle(in),
		Body:      msg.Preview,
		Platform:  platform,
		Priority:  "normal",
	}); err != nil {
		r.logger.Warn("cannot create notification", "message_id", msg.ID, "err", err)
	}

	return msg, nil
}

// IngestWebhook routes a push delivery through the same ingestion path as
// polling, so dedup logic lives in exactly one place. Returns the number of
// freshly stored messages.
func (r *Router) IngestWebhook(ctx context.Context, platform domain.Platform, payload []byte) (int, error) {
	conns := r.reg.ForPlatform(platform)
	if len(conns) == 0 {
		return 0, fmt.Errorf("%w: %s", domain.ErrNotConnected, platform)
	}

	total := 0
	for _, conn := range conns {
		wa, ok := conn.Adapter.(domain.WebhookAdapter)
		if !ok {
			return total, fmt.Errorf("%w: %s does not accept webhooks", domain.ErrUnsupported, platform)
		}
		msgs, err := wa.HandleWebhook(payload)
		if err != nil {
			return total, fmt.Errorf("parse webhook payload: %w", err)
		}
		for _, in := range msgs {
			msg, err := r.ProcessIncoming(ctx, conn.Key.UserID, platform, conn.Integration.ID, in)
			if err != nil {
				r.logger.Warn("webhook message failed processing",
					"connection", conn.Key.ConnectionID(), "external_id", in.ExternalID, "err", err)
				continue
			}
			if msg != nil {
				total++
			}
		}
	}
	r.webhookDelivery.Inc()
	return total, nil
}

// VerifyWebhook performs the subscription handshake for platforms that
// expose one. Works before any connection exists; verification happens at
// provider-setup time.
func (r *Router) VerifyWebhook(platform domain.Platform, mode, token, challenge string) (string, error) {
	ad, err := r.adapters.New(platform)
	if err != nil {
		return "", err
	}
	v, ok := ad.(domain.WebhookVerifier)
	if !ok {
		return "", fmt.Errorf("%w: %s has no verification handshake", domain.ErrUnsupported, platform)
	}
	return v.VerifyWebhook(mode, token, challenge)
}

// CheckWebhookSignature validates a delivery signature when the platform's
// adapter supports it; platforms without signatures accept everything.
func (r *Router) CheckWebhookSignature(platform domain.Platform, body []byte, signature string) bool {
	ad, err := r.adapters.New(platform)
	if err != nil {
		return false
	}
	type signatureChecker interface {
		VerifySignature(body []byte, signature string) bool
	}
	if sc, ok := ad.(signatureChecker); ok {
		return sc.VerifySignature(body, signature)
	}
	return true
}

// Shutdown tears down every schedule and connection. Adapter disconnects are
// best-effort.
func (r *Router) Shutdown(ctx context.Context) {
	r.sched.StopAll()
	for _, conn := range r.reg.Snapshot() {
		if err := conn.Adapter.Disconnect(ctx, conn.Key.ConnectionID()); err != nil {
			r.logger.Warn("shutdown disconnect failed", "connection", conn.Key.ConnectionID(), "err", err)
		}
		r.reg.Remove(conn.Key)
		r.activeConns.Dec()
	}
	r.logger.Info("router shut down")
}

func (r *Router) upsertThread(ctx context.Context, msg *domain.Message, counterpart string) {
	th := &domain.MessageThread{
		UserID:           msg.UserID,
		Platform:         msg.Platform,
		ExternalThreadID: msg.ExternalThreadID,
		Title:            threadTitle(msg, counterpart),
		Participants:     threadParticipants(msg),
		ParticipantCount: len(threadParticipants(msg)),
		LastMessageAt:    msg.SentAt,
	}
	if err := r.store.UpsertThread(ctx, th); err != nil {
		r.logger.Warn("thread upsert failed",
			"platform", msg.Platform, "thread", msg.ExternalThreadID, "err", err)
	}
}

func threadTitle(msg *domain.Message, counterpart string) string {
	if msg.Subject != "" {
		return msg.Subject
	}
	return counterpart
}

func threadParticipants(msg *domain.Message) []string {
	var out []string
	if msg.SenderID != "" {
		out = append(out, msg.SenderID)
	}
	if msg.RecipientID != "" && msg.RecipientID != msg.SenderID {
		out = append(out, msg.RecipientID)
	}
	return out
}

func notificationTitle(in domain.IncomingMessage) string {
	if in.Subject != "" {
		return in.Subject
	}
	if in.SenderName != "" {
		return "New message from " + in.SenderName
	}
	return "New message"
}
