package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
)

// =============================================================================
// Persistence ports
// =============================================================================

// AccountRepository stores mailbox accounts and their history cursor.
// Get/GetByEmail return domain.ErrAccountNotFound when no row exists.
type AccountRepository interface {
	Get(ctx context.Context, ownerID uuid.UUID) (*domain.Account, error)
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)
	ListConnected(ctx context.Context) ([]*domain.Account, error)
	Save(ctx context.Context, account *domain.Account) error
	UpdateTokens(ctx context.Context, ownerID uuid.UUID, accessToken, refreshToken string, expiry time.Time) error
	SetConnected(ctx context.Context, ownerID uuid.UUID, connected bool) error
	// ClearCredentials nulls tokens and watch state and marks the account disconnected.
	ClearCredentials(ctx context.Context, ownerID uuid.UUID) error
	// AdvanceCursor moves the cursor forward only; it reports whether the row changed.
	AdvanceCursor(ctx context.Context, ownerID uuid.UUID, cursor uint64, syncedAt time.Time) (bool, error)
}

// MessageRepository is the local mailbox replica.
type MessageRepository interface {
	// Upsert inserts or updates by (owner_id, provider_message_id). Category
	// and classification are never written here; the stored id, category and
	// classification are filled back into msg. A change older than the stored
	// history id leaves the row untouched.
	Upsert(ctx context.Context, msg *domain.Message) error
	// MarkDeleted soft-deletes; false means no such message existed.
	MarkDeleted(ctx context.Context, ownerID uuid.UUID, providerMessageID string, historyID uint64) (bool, error)
	UpdateClassification(ctx context.Context, messageID int64, cls domain.Classification) error
	GetByIDs(ctx context.Context, ownerID uuid.UUID, ids []int64) ([]*domain.Message, error)
	// FindByOwnerSince returns messages changed after cursor, oldest change first.
	FindByOwnerSince(ctx context.Context, ownerID uuid.UUID, cursor uint64, limit int) ([]*domain.Message, error)
	// ListByOwner pages non-deleted messages by id.
	ListByOwner(ctx context.Context, ownerID uuid.UUID, afterID int64, limit int) ([]*domain.Message, error)
	CountByOwner(ctx context.Context, ownerID uuid.UUID) (int, error)
	CategoryDistribution(ctx context.Context, ownerID uuid.UUID) (map[domain.Category]int, error)
	ConfidenceBuckets(ctx context.Context, ownerID uuid.UUID) (domain.BucketDistribution, error)
}

// WatchRepository stores the push subscription per owner. GetWatch returns
// nil without error when the owner has none.
type WatchRepository interface {
	GetWatch(ctx context.Context, ownerID uuid.UUID) (*domain.WatchSubscription, error)
	SaveWatch(ctx context.Context, watch *domain.WatchSubscription) error
	DeleteWatch(ctx context.Context, ownerID uuid.UUID) error
	// ListRenewalCandidates returns watches of connected accounts that expire
	// before renewBefore or whose retry is due at now, plus connected accounts
	// with no watch at all. Owners whose sync is stopped are excluded.
	ListRenewalCandidates(ctx context.Context, renewBefore, now time.Time, limit int) ([]uuid.UUID, error)
}

// SyncStateRepository stores the user-visible sync status. GetStatus returns
// a fresh idle status when none is stored.
type SyncStateRepository interface {
	GetStatus(ctx context.Context, ownerID uuid.UUID) (*domain.SyncStatus, error)
	SaveStatus(ctx context.Context, status *domain.SyncStatus) error
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.SyncStatus, error)
}
