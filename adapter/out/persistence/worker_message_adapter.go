package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

// MessageAdapter implements out.MessageRepository, the local mailbox replica.
type MessageAdapter struct {
	db *sqlx.DB
}

func NewMessageAdapter(db *sqlx.DB) *MessageAdapter {
	return &MessageAdapter{db: db}
}

// =============================================================================
// Row Mapping
// =============================================================================

const messageColumns = `
	id, owner_id, provider_message_id, thread_id, subject, snippet, from_email, from_name,
	labels, category, classification, is_read, is_archived, is_deleted, headers,
	history_id, email_date, created_at, updated_at`

type messageRow struct {
	ID                int64          `db:"id"`
	OwnerID           uuid.UUID      `db:"owner_id"`
	ProviderMessageID string         `db:"provider_message_id"`
	ThreadID          sql.NullString `db:"thread_id"`
	Subject           string         `db:"subject"`
	Snippet           string         `db:"snippet"`
	FromEmail         string         `db:"from_email"`
	FromName          sql.NullString `db:"from_name"`
	Labels            pq.StringArray `db:"labels"`
	Category          sql.NullString `db:"category"`
	Classification    []byte         `db:"classification"`
	IsRead            bool           `db:"is_read"`
	IsArchived        bool           `db:"is_archived"`
	IsDeleted         bool           `db:"is_deleted"`
	Headers           []byte         `db:"headers"`
	HistoryID         int64          `db:"history_id"`
	EmailDate         sql.NullTime   `db:"email_date"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r *messageRow) toDomain() (*domain.Message, error) {
	m := &domain.Message{
		ID:                r.ID,
		OwnerID:           r.OwnerID,
		ProviderMessageID: r.ProviderMessageID,
		ThreadID:          r.ThreadID.String,
		Subject:           r.Subject,
		Snippet:           r.Snippet,
		FromEmail:         r.FromEmail,
		FromName:          r.FromName.String,
		Labels:            []string(r.Labels),
		Category:          domain.Category(r.Category.String),
		IsRead:            r.IsRead,
		IsArchived:        r.IsArchived,
		IsDeleted:         r.IsDeleted,
		HistoryID:         uint64(r.HistoryID),
		Date:              r.EmailDate.Time,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if len(r.Classification) > 0 {
		var cls domain.Classification
		if err := json.Unmarshal(r.Classification, &cls); err != nil {
			return nil, fmt.Errorf("message %d classification: %w", r.ID, err)
		}
		m.Classification = &cls
	}
	if len(r.Headers) > 0 {
		if err := json.Unmarshal(r.Headers, &m.Headers); err != nil {
			return nil, fmt.Errorf("message %d headers: %w", r.ID, err)
		}
	}
	return m, nil
}

func (a *MessageAdapter) selectMessages(ctx context.Context, query string, args ...any) ([]*domain.Message, error) {
	rows, err := a.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*domain.Message
	for rows.Next() {
		var row messageRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m, err := row.toDomain()
		if err != nil {
			return nil, domain.NewSyncError(domain.ErrClassDataIntegrity, "message.scan", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return msgs, nil
}

// =============================================================================
// Writes
// =============================================================================

// Upsert never touches category or classification. The WHERE on the update
// drops changes older than the stored history id; the trailing SELECT then
// reads back the row as stored.
func (a *MessageAdapter) Upsert(ctx context.Context, msg *domain.Message) error {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}

	query := `
		WITH upserted AS (
			INSERT INTO messages (
				owner_id, provider_message_id, thread_id, subject, snippet, from_email, from_name,
				labels, is_read, is_archived, is_deleted, headers, history_id, email_date
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (owner_id, provider_message_id) DO UPDATE SET
				thread_id = EXCLUDED.thread_id,
				subject = EXCLUDED.subject,
				snippet = EXCLUDED.snippet,
				from_email = EXCLUDED.from_email,
				from_name = EXCLUDED.from_name,
				labels = EXCLUDED.labels,
				is_read = EXCLUDED.is_read,
				is_archived = EXCLUDED.is_archived,
				is_deleted = EXCLUDED.is_deleted,
				headers = EXCLUDED.headers,
				history_id = EXCLUDED.history_id,
				email_date = COALESCE(EXCLUDED.email_date, messages.email_date),
				updated_at = NOW()
			WHERE messages.history_id <= EXCLUDED.history_id
			RETURNING id, category, classification
		)
		SELECT id, category, classification FROM upserted
		UNION ALL
		SELECT id, category, classification FROM messages
		WHERE owner_id = $1 AND provider_message_id = $2 AND NOT EXISTS (SELECT 1 FROM upserted)`

	var (
		id       int64
		category sql.NullString
		clsRaw   []byte
	)
	err = a.db.QueryRowxContext(ctx, query,
		msg.OwnerID, msg.ProviderMessageID, nullString(msg.ThreadID), msg.Subject, msg.Snippet,
		msg.FromEmail, nullString(msg.FromName), pq.Array(msg.Labels),
		msg.IsRead, msg.IsArchived, msg.IsDeleted, headers, int64(msg.HistoryID), nullTime(msg.Date),
	).Scan(&id, &category, &clsRaw)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}

	msg.ID = id
	msg.Category = domain.Category(category.String)
	msg.Classification = nil
	if len(clsRaw) > 0 {
		var cls domain.Classification
		if err := json.Unmarshal(clsRaw, &cls); err != nil {
			return domain.NewSyncError(domain.ErrClassDataIntegrity, "message.upsert", err)
		}
		msg.Classification = &cls
	}
	return nil
}

func (a *MessageAdapter) MarkDeleted(ctx context.Context, ownerID uuid.UUID, providerMessageID string, historyID uint64) (bool, error) {
	res, err := a.db.ExecContext(ctx, `
		UPDATE messages SET
			is_deleted = TRUE,
			history_id = GREATEST(history_id, $3),
			updated_at = NOW()
		WHERE owner_id = $1 AND provider_message_id = $2`,
		ownerID, providerMessageID, int64(historyID))
	if err != nil {
		return false, fmt.Errorf("failed to mark deleted: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (a *MessageAdapter) UpdateClassification(ctx context.Context, messageID int64, cls domain.Classification) error {
	raw, err := json.Marshal(cls)
	if err != nil {
		return fmt.Errorf("encode classification: %w", err)
	}
	res, err := a.db.ExecContext(ctx, `
		UPDATE messages SET category = $2, classification = $3, updated_at = NOW()
		WHERE id = $1`,
		messageID, string(cls.Label), raw)
	if err != nil {
		return fmt.Errorf("failed to update classification: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSyncError(domain.ErrClassDataIntegrity, "message.classify", fmt.Errorf("message %d: %w", messageID, ErrNotFound))
	}
	return nil
}

// =============================================================================
// Reads
// =============================================================================

// GetByIDs returns the owner's messages among ids, in id order.
func (a *MessageAdapter) GetByIDs(ctx context.Context, ownerID uuid.UUID, ids []int64) ([]*domain.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE owner_id = $1 AND id = ANY($2) ORDER BY id`, messageColumns)
	return a.selectMessages(ctx, query, ownerID, pq.Array(ids))
}

// FindByOwnerSince includes deleted rows so clients can drop them.
func (a *MessageAdapter) FindByOwnerSince(ctx context.Context, ownerID uuid.UUID, cursor uint64, limit int) ([]*domain.Message, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE owner_id = $1 AND history_id > $2
		ORDER BY history_id, id
		LIMIT $3`, messageColumns)
	return a.selectMessages(ctx, query, ownerID, int64(cursor), limit)
}

func (a *MessageAdapter) ListByOwner(ctx context.Context, ownerID uuid.UUID, afterID int64, limit int) ([]*domain.Message, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE owner_id = $1 AND id > $2 AND NOT is_deleted
		ORDER BY id
		LIMIT $3`, messageColumns)
	return a.selectMessages(ctx, query, ownerID, afterID, limit)
}

func (a *MessageAdapter) CountByOwner(ctx context.Context, ownerID uuid.UUID) (int, error) {
	var n int
	err := a.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE owner_id = $1 AND NOT is_deleted`, ownerID)
	return n, err
}

func (a *MessageAdapter) CategoryDistribution(ctx context.Context, ownerID uuid.UUID) (map[domain.Category]int, error) {
	var rows []struct {
		Category string `db:"category"`
		Count    int    `db:"count"`
	}
	err := a.db.SelectContext(ctx, &rows, `
		SELECT COALESCE(category, '') AS category, COUNT(*) AS count
		FROM messages
		WHERE owner_id = $1 AND NOT is_deleted
		GROUP BY 1`, ownerID)
	if err != nil {
		return nil, err
	}

	dist := make(map[domain.Category]int, len(rows))
	for _, r := range rows {
		dist[domain.Category(r.Category)] = r.Count
	}
	return dist, nil
}

// ConfidenceBuckets uses the same cut-offs as domain.BucketFor.
func (a *MessageAdapter) ConfidenceBuckets(ctx context.Context, ownerID uuid.UUID) (domain.BucketDistribution, error) {
	var row struct {
		High   int `db:"high"`
		Medium int `db:"medium"`
		Low    int `db:"low"`
	}
	err := a.db.GetContext(ctx, &row, `
		SELECT
			COUNT(*) FILTER (WHERE conf >= 0.7)              AS high,
			COUNT(*) FILTER (WHERE conf >= 0.4 AND conf < 0.7) AS medium,
			COUNT(*) FILTER (WHERE conf < 0.4)               AS low
		FROM (
			SELECT (classification->>'confidence')::float8 AS conf
			FROM messages
			WHERE owner_id = $1 AND NOT is_deleted AND classification IS NOT NULL
		) c`, ownerID)
	if err != nil {
		return domain.BucketDistribution{}, err
	}
	return domain.BucketDistribution{High: row.High, Medium: row.Medium, Low: row.Low}, nil
}

var _ out.MessageRepository = (*MessageAdapter)(nil)
