package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"msghub/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	cipher Cipher
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, cipher: NoopCipher{}, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS integrations (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id          TEXT NOT NULL,
		platform         TEXT NOT NULL,
		platform_user_id TEXT,
		display_name     TEXT,
		credentials      BLOB,
		is_active        INTEGER NOT NULL DEFAULT 1,
		last_sync_at     DATETIME,
		created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(user_id, platform)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id            TEXT NOT NULL,
		integration_id     INTEGER NOT NULL REFERENCES integrations(id),
		platform           TEXT NOT NULL,
		external_id        TEXT NOT NULL,
		external_thread_id TEXT,
		direction          TEXT NOT NULL,
		message_type       TEXT NOT NULL DEFAULT 'text',
		sender_id          TEXT,
		sender_name        TEXT,
		recipient_id       TEXT,
		subject            TEXT,
		body               TEXT,
		preview            TEXT,
		metadata           TEXT,
		is_read            INTEGER NOT NULL DEFAULT 0,
		sent_at            DATETIME,
		created_at         DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_dedup ON messages(user_id, platform, external_id);
	CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, created_at);

	CREATE TABLE IF NOT EXISTS threads (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id            TEXT NOT NULL,
		platform           TEXT NOT NULL,
		external_thread_id TEXT NOT NULL,
		title              TEXT,
		participants       TEXT,
		participant_count  INTEGER NOT NULL DEFAULT 0,
		last_message_at    DATETIME,
		created_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(user_id, platform, external_thread_id)
	);

	CREATE TABLE IF NOT EXISTS processing_queue (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id   INTEGER NOT NULL REFERENCES messages(id),
		process_type TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		params       TEXT,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_queue_status ON processing_queue(status, created_at);

	CREATE TABLE IF NOT EXISTS notifications (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    TEXT NOT NULL,
		message_id INTEGER NOT NULL REFERENCES messages(id),
		notif_type TEXT NOT NULL,
		title      TEXT,
		body       TEXT,
		platform   TEXT,
		priority   TEXT NOT NULL DEFAULT 'normal',
		is_read    INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, is_read);

	CREATE TABLE IF NOT EXISTS templates (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    TEXT NOT NULL,
		name       TEXT NOT NULL,
		subject    TEXT,
		body       TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(user_id, name)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Integrations ---

func (s *SQLiteStore) UpsertIntegration(ctx context.Context, in *domain.PlatformIntegration) error {
	now := time.Now()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now

	creds, err := s.cipher.Encrypt(in.Credentials)
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO integrations (user_id, platform, platform_user_id, display_name, credentials, is_active, last_sync_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, platform) DO UPDATE SET
			platform_user_id = excluded.platform_user_id,
			display_name     = excluded.display_name,
			credentials      = excluded.credentials,
			is_active        = excluded.is_active,
			updated_at       = excluded.updated_at`,
		in.UserID, string(in.Platform), in.PlatformUserID, in.DisplayName, creds,
		boolToInt(in.IsActive), nullTime(in.LastSyncAt), in.CreatedAt, in.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if in.ID == 0 {
		if id, err := res.LastInsertId(); err == nil && id != 0 {
			in.ID = id
		}
	}
	if in.ID == 0 {
		// The upsert branch does not report an insert id; read it back.
		if err := s.db.QueryRowContext(ctx,
			`SELECT id FROM integrations WHERE user_id = ? AND platform = ?`,
			in.UserID, string(in.Platform)).Scan(&in.ID); err != nil {
			return fmt.Errorf("resolve integration id: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetIntegration(ctx context.Context, userID string, platform domain.Platform) (*domain.PlatformIntegration, error) {
	var (
		in       domain.PlatformIntegration
		plat     string
		active   int
		creds    []byte
		lastSync sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, platform, platform_user_id, display_name, credentials, is_active, last_sync_at, created_at, updated_at
		 FROM integrations WHERE user_id = ? AND platform = ?`,
		userID, string(platform),
	).Scan(&in.ID, &in.UserID, &plat, &in.PlatformUserID, &in.DisplayName, &creds, &active, &lastSync, &in.CreatedAt, &in.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	in.Platform = domain.Platform(plat)
	in.IsActive = active != 0
	if lastSync.Valid {
		in.LastSyncAt = lastSync.Time
	}
	in.Credentials, err = s.cipher.Decrypt(creds)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	return &in, nil
}

func (s *SQLiteStore) ListIntegrations(ctx context.Context, userID string) ([]domain.PlatformIntegration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, platform, platform_user_id, display_name, is_active, last_sync_at, created_at, updated_at
		 FROM integrations WHERE user_id = ? ORDER BY platform`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PlatformIntegration
	for rows.Next() {
		var (
			in       domain.PlatformIntegration
			plat     string
			active   int
			lastSync sql.NullTime
		)
		if err := rows.Scan(&in.ID, &in.UserID, &plat, &in.PlatformUserID, &in.DisplayName, &active, &lastSync, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, err
		}
		in.Platform = domain.Platform(plat)
		in.IsActive = active != 0
		if lastSync.Valid {
			in.LastSyncAt = lastSync.Time
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeactivateIntegration(ctx context.Context, userID string, platform domain.Platform) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET is_active = 0, updated_at = ? WHERE user_id = ? AND platform = ?`,
		time.Now(), userID, string(platform))
	return err
}

func (s *SQLiteStore) TouchIntegrationSync(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET last_sync_at = ?, updated_at = ? WHERE id = ?`, at, at, id)
	return err
}

// --- Messages ---

func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *domain.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Type == "" {
		msg.Type = domain.TypeText
	}
	if msg.Preview == "" {
		msg.Preview = domain.MakePreview(msg.Body)
	}
	meta, err := encodeMap(msg.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	// OR IGNORE + RowsAffected turns the uniqueness violation on
	// (user_id, platform, external_id) into a detectable duplicate.
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages
			(user_id, integration_id, platform, external_id, external_thread_id, direction, message_type,
			 sender_id, sender_name, recipient_id, subject, body, preview, metadata, is_read, sent_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.UserID, msg.IntegrationID, string(msg.Platform), msg.ExternalID, msg.ExternalThreadID,
		string(msg.Direction), string(msg.Type), msg.SenderID, msg.SenderName, msg.RecipientID,
		msg.Subject, msg.Body, msg.Preview, meta, boolToInt(msg.IsRead), nullTime(msg.SentAt), msg.CreatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrDuplicateMessage
	}
	msg.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, f domain.MessageFilter) ([]domain.Message, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := `SELECT id, user_id, integration_id, platform, external_id, external_thread_id, direction, message_type,
			sender_id, sender_name, recipient_id, subject, body, preview, metadata, is_read, sent_at, created_at
		 FROM messages WHERE user_id = ?`
	args := []any{f.UserID}
	if f.Platform != "" {
		query += ` AND platform = ?`
		args = append(args, string(f.Platform))
	}
	if f.UnreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY sent_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

func scanMessage(rows *sql.Rows) (*domain.Message, error) {
	var (
		msg       domain.Message
		plat      string
		direction string
		mtype     string
		meta      sql.NullString
		read      int
		sentAt    sql.NullTime
	)
	if err := rows.Scan(&msg.ID, &msg.UserID, &msg.IntegrationID, &plat, &msg.ExternalID, &msg.ExternalThreadID,
		&direction, &mtype, &msg.SenderID, &msg.SenderName, &msg.RecipientID,
		&msg.Subject, &msg.Body, &msg.Preview, &meta, &read, &sentAt, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.Platform = domain.Platform(plat)
	msg.Direction = domain.Direction(direction)
	msg.Type = domain.MessageType(mtype)
	msg.IsRead = read != 0
	if sentAt.Valid {
		msg.SentAt = sentAt.Time
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &msg, nil
}

func (s *SQLiteStore) MarkMessageRead(ctx context.Context, userID string, id int64, read bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = ? WHERE id = ? AND user_id = ?`,
		boolToInt(read), id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

// --- Threads ---

// UpsertThread inserts or refreshes a thread row. The last_message_at column
// only ever moves forward; a stale out-of-order arrival cannot regress it.
func (s *SQLiteStore) UpsertThread(ctx context.Context, th *domain.MessageThread) error {
	now := time.Now()
	if th.CreatedAt.IsZero() {
		th.CreatedAt = now
	}
	th.UpdatedAt = now
	participants, err := encodeStrings(th.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (user_id, platform, external_thread_id, title, participants, participant_count, last_message_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, platform, external_thread_id) DO UPDATE SET
			title             = CASE WHEN excluded.title != '' THEN excluded.title ELSE threads.title END,
			participants      = CASE WHEN excluded.participants != '' THEN excluded.participants ELSE threads.participants END,
			participant_count = MAX(threads.participant_count, excluded.participant_count),
			last_message_at   = CASE
				WHEN threads.last_message_at IS NULL OR excluded.last_message_at > threads.last_message_at
				THEN excluded.last_message_at
				ELSE threads.last_message_at END,
			updated_at        = excluded.updated_at`,
		th.UserID, string(th.Platform), th.ExternalThreadID, th.Title, participants,
		th.ParticipantCount, nullTime(th.LastMessageAt), th.CreatedAt, th.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) ListThreads(ctx context.Context, userID string, platform domain.Platform, limit, offset int) ([]domain.MessageThread, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, user_id, platform, external_thread_id, title, participants, participant_count, last_message_at, created_at, updated_at
		 FROM threads WHERE user_id = ?`
	args := []any{userID}
	if platform != "" {
		query += ` AND platform = ?`
		args = append(args, string(platform))
	}
	query += ` ORDER BY last_message_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MessageThread
	for rows.Next() {
		var (
			th           domain.MessageThread
			plat         string
			participants sql.NullString
			lastMsg      sql.NullTime
		)
		if err := rows.Scan(&th.ID, &th.UserID, &plat, &th.ExternalThreadID, &th.Title,
			&participants, &th.ParticipantCount, &lastMsg, &th.CreatedAt, &th.UpdatedAt); err != nil {
			return nil, err
		}
		th.Platform = domain.Platform(plat)
		if lastMsg.Valid {
			th.LastMessageAt = lastMsg.Time
		}
		if participants.Valid && participants.String != "" {
			if err := json.Unmarshal([]byte(participants.String), &th.Participants); err != nil {
				return nil, fmt.Errorf("decode participants: %w", err)
			}
		}
		out = append(out, th)
	}
	return out, rows.Err()
}

// --- Processing queue & notifications ---

func (s *SQLiteStore) EnqueueProcessing(ctx context.Context, e *domain.ProcessingQueueEntry) error {
	now := time.Now()
	if e.Status == "" {
		e.Status = domain.ProcessingPending
	}
	params, err := encodeMap(e.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processing_queue (message_id, process_type, status, params, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.MessageID, e.ProcessType, e.Status, params, now, now)
	if err != nil {
		return err
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) CreateNotification(ctx context.Context, n *domain.MessagingNotification) error {
	if n.Priority == "" {
		n.Priority = "normal"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (user_id, message_id, notif_type, title, body, platform, priority, is_read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.UserID, n.MessageID, n.Type, n.Title, n.Body, string(n.Platform), n.Priority,
		boolToInt(n.IsRead), time.Now())
	if err != nil {
		return err
	}
	n.ID, _ = res.LastInsertId()
	return nil
}

// CountNotifications returns the number of notifications for a user.
func (s *SQLiteStore) CountNotifications(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// CountPending returns the number of processing-queue entries still pending.
// Used by the status command.
func (s *SQLiteStore) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processing_queue WHERE status = ?`, domain.ProcessingPending).Scan(&n)
	return n, err
}

// --- Templates ---

func (s *SQLiteStore) CreateTemplate(ctx context.Context, t *domain.MessageTemplate) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO templates (user_id, name, subject, body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, name) DO UPDATE SET
			subject = excluded.subject, body = excluded.body, updated_at = excluded.updated_at`,
		t.UserID, t.Name, t.Subject, t.Body, now, now)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil && id != 0 {
		t.ID = id
	}
	return nil
}

// SeedTemplate inserts a template only if no template with that name exists
// for the user. Startup seeding must not clobber user edits.
func (s *SQLiteStore) SeedTemplate(ctx context.Context, t *domain.MessageTemplate) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO templates (user_id, name, subject, body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.UserID, t.Name, t.Subject, t.Body, now, now)
	return err
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, userID string, id int64) (*domain.MessageTemplate, error) {
	var t domain.MessageTemplate
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, subject, body, created_at, updated_at
		 FROM templates WHERE id = ? AND user_id = ?`, id, userID,
	).Scan(&t.ID, &t.UserID, &t.Name, &t.Subject, &t.Body, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrTemplateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) ListTemplates(ctx context.Context, userID string) ([]domain.MessageTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, subject, body, created_at, updated_at
		 FROM templates WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MessageTemplate
	for rows.Next() {
		var t domain.MessageTemplate
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.Subject, &t.Body, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateTemplate(ctx context.Context, t *domain.MessageTemplate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE templates SET name = ?, subject = ?, body = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		t.Name, t.Subject, t.Body, time.Now(), t.ID, t.UserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTemplateNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteTemplate(ctx context.Context, userID string, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM templates WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTemplateNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- helpers ---

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func encodeMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func encodeStrings(ss []string) (string, error) {
	if len(ss) == 0 {
		return "", nil
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
