package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

// =============================================================================
// MongoDB Classification Archive
// =============================================================================

const (
	collectionSnapshots = "classification_snapshots"
	collectionRuns      = "reclassification_runs"

	// entries per snapshot document; keeps documents far below the 16MB limit
	snapshotChunkSize = 2000
	// payloads above this are gzip-compressed
	compressionThreshold = 512

	DefaultSnapshotRetention = 30 * 24 * time.Hour
)

var ErrSnapshotNotFound = errors.New("classification snapshot not found")

// ClassificationArchive implements out.ClassificationArchive. Snapshots are
// split into chunk documents sharing one backup_id.
type ClassificationArchive struct {
	snapshots *mongo.Collection
	runs      *mongo.Collection
	retention time.Duration
}

func NewClassificationArchive(db *mongo.Database, retention time.Duration) *ClassificationArchive {
	if retention <= 0 {
		retention = DefaultSnapshotRetention
	}
	return &ClassificationArchive{
		snapshots: db.Collection(collectionSnapshots),
		runs:      db.Collection(collectionRuns),
		retention: retention,
	}
}

// EnsureIndexes creates the lookup and TTL indexes.
func (a *ClassificationArchive) EnsureIndexes(ctx context.Context) error {
	_, err := a.snapshots.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "backup_id", Value: 1}, {Key: "chunk", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0), // TTL index
		},
	})
	if err != nil {
		return fmt.Errorf("snapshot indexes: %w", err)
	}

	_, err = a.runs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "started_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("run indexes: %w", err)
	}
	return nil
}

// =============================================================================
// Document Model
// =============================================================================

type snapshotDocument struct {
	BackupID string `bson:"backup_id"`
	OwnerID  string `bson:"owner_id"`
	Chunk    int    `bson:"chunk"`
	Chunks   int    `bson:"chunks"`
	Count    int    `bson:"count"`

	// JSON-encoded []ClassificationSnapshotEntry, gzip when IsCompressed
	Entries      []byte `bson:"entries"`
	IsCompressed bool   `bson:"is_compressed"`

	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

type runDocument struct {
	ID         string                       `bson:"_id"`
	OwnerID    string                       `bson:"owner_id"`
	BackupID   string                       `bson:"backup_id,omitempty"`
	DryRun     bool                         `bson:"dry_run"`
	Threshold  float64                      `bson:"threshold"`
	Stats      domain.ReclassificationStats `bson:"stats"`
	StartedAt  time.Time                    `bson:"started_at"`
	FinishedAt time.Time                    `bson:"finished_at"`
}

// =============================================================================
// Snapshots
// =============================================================================

func (a *ClassificationArchive) SaveSnapshot(ctx context.Context, ownerID uuid.UUID, entries []domain.ClassificationSnapshotEntry) (string, error) {
	backupID := uuid.NewString()
	now := time.Now().UTC()

	chunks := (len(entries) + snapshotChunkSize - 1) / snapshotChunkSize
	if chunks == 0 {
		chunks = 1
	}
	docs := make([]interface{}, 0, chunks)
	for i := 0; i < chunks; i++ {
		start := i * snapshotChunkSize
		end := start + snapshotChunkSize
		if end > len(entries) {
			end = len(entries)
		}
		payload, compressed, err := encodeEntries(entries[start:end])
		if err != nil {
			return "", err
		}
		docs = append(docs, &snapshotDocument{
			BackupID:     backupID,
			OwnerID:      ownerID.String(),
			Chunk:        i,
			Chunks:       chunks,
			Count:        end - start,
			Entries:      payload,
			IsCompressed: compressed,
			CreatedAt:    now,
			ExpiresAt:    now.Add(a.retention),
		})
	}

	if _, err := a.snapshots.InsertMany(ctx, docs); err != nil {
		return "", fmt.Errorf("failed to save snapshot: %w", err)
	}
	return backupID, nil
}

// LoadSnapshot returns the entries of backupID. A snapshot of another owner
// is reported as not found.
func (a *ClassificationArchive) LoadSnapshot(ctx context.Context, ownerID uuid.UUID, backupID string) ([]domain.ClassificationSnapshotEntry, error) {
	filter := bson.M{"backup_id": backupID, "owner_id": ownerID.String()}
	cursor, err := a.snapshots.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "chunk", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []domain.ClassificationSnapshotEntry
	found, expected := 0, 0
	for cursor.Next(ctx) {
		var doc snapshotDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot chunk: %w", err)
		}
		chunk, err := decodeEntries(doc.Entries, doc.IsCompressed)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s chunk %d: %w", backupID, doc.Chunk, err)
		}
		entries = append(entries, chunk...)
		found++
		expected = doc.Chunks
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	if found == 0 {
		return nil, domain.NewSyncError(domain.ErrClassDataIntegrity, "archive.load", ErrSnapshotNotFound)
	}
	if found != expected {
		return nil, domain.NewSyncError(domain.ErrClassDataIntegrity, "archive.load",
			fmt.Errorf("snapshot %s incomplete: %d of %d chunks", backupID, found, expected))
	}
	return entries, nil
}

// =============================================================================
// Runs
// =============================================================================

func (a *ClassificationArchive) RecordRun(ctx context.Context, run *domain.ReclassificationRun) error {
	doc := &runDocument{
		ID:         run.ID,
		OwnerID:    run.OwnerID.String(),
		BackupID:   run.BackupID,
		DryRun:     run.DryRun,
		Threshold:  run.Threshold,
		Stats:      run.Stats,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	_, err := a.runs.ReplaceOne(ctx, bson.M{"_id": run.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

func (a *ClassificationArchive) ListRuns(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.ReclassificationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	findOpts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := a.runs.Find(ctx, bson.M{"owner_id": ownerID.String()}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer cursor.Close(ctx)

	var runs []*domain.ReclassificationRun
	for cursor.Next(ctx) {
		var doc runDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode run: %w", err)
		}
		runs = append(runs, &domain.ReclassificationRun{
			ID:         doc.ID,
			OwnerID:    ownerID,
			BackupID:   doc.BackupID,
			DryRun:     doc.DryRun,
			Threshold:  doc.Threshold,
			Stats:      doc.Stats,
			StartedAt:  doc.StartedAt,
			FinishedAt: doc.FinishedAt,
		})
	}
	return runs, cursor.Err()
}

// =============================================================================
// Encoding Helpers
// =============================================================================

func encodeEntries(entries []domain.ClassificationSnapshotEntry) ([]byte, bool, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if len(raw) <= compressionThreshold {
		return raw, false, nil
	}
	compressed, err := compress(raw)
	if err != nil {
		return nil, false, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	return compressed, true, nil
}

func decodeEntries(payload []byte, compressed bool) ([]domain.ClassificationSnapshotEntry, error) {
	if compressed {
		var err error
		if payload, err = decompress(payload); err != nil {
			return nil, fmt.Errorf("failed to decompress: %w", err)
		}
	}
	var entries []domain.ClassificationSnapshotEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal: %w", err)
	}
	return entries, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

var _ out.ClassificationArchive = (*ClassificationArchive)(nil)
