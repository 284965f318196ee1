package mongo

import (
	"errors"
	"fmt"
	"time"

	"github.com/sellsight/sellsight/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

// ConnectionRepo implements domain.ConnectionRepo.
type ConnectionRepo struct {
	coll *mongo.Collection
}

func NewConnectionRepo(db *mongo.Database) *ConnectionRepo {
	return &ConnectionRepo{coll: db.Collection(collConnections)}
}

func (r *ConnectionRepo) Get(ctx domain.Context, id string) (domain.Connection, error) {
	ctx, span := otel.Tracer("repo.connections").Start(ctx, "connections.Get")
	defer span.End()

	filter := notDeleted()
	filter["_id"] = id
	var c domain.Connection
	if err := r.coll.FindOne(ctx, filter).Decode(&c); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Connection{}, fmt.Errorf("op=connections.Get: id=%s: %w", id, domain.ErrNotFound)
		}
		return domain.Connection{}, fmt.Errorf("op=connections.Get: %w", err)
	}
	return c, nil
}

func (r *ConnectionRepo) ListByUser(ctx domain.Context, userID string) ([]domain.Connection, error) {
	ctx, span := otel.Tracer("repo.connections").Start(ctx, "connections.ListByUser")
	defer span.End()

	filter := notDeleted()
	filter["user_id"] = userID
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("op=connections.ListByUser: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []domain.Connection
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("op=connections.ListByUser: %w", err)
	}
	return out, nil
}

func (r *ConnectionRepo) ListEnabled(ctx domain.Context) ([]domain.Connection, error) {
	ctx, span := otel.Tracer("repo.connections").Start(ctx, "connections.ListEnabled")
	defer span.End()

	filter := notDeleted()
	filter["enabled"] = true
	cur, err := r.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("op=connections.ListEnabled: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []domain.Connection
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("op=connections.ListEnabled: %w", err)
	}
	return out, nil
}

var _ domain.ConnectionRepo = (*ConnectionRepo)(nil)

// SyncStateRepo implements domain.SyncStateRepo.
type SyncStateRepo struct {
	coll *mongo.Collection
}

func NewSyncStateRepo(db *mongo.Database) *SyncStateRepo {
	return &SyncStateRepo{coll: db.Collection(collSyncStates)}
}

func (r *SyncStateRepo) Get(ctx domain.Context, connectionID string) (domain.SyncState, error) {
	ctx, span := otel.Tracer("repo.sync_states").Start(ctx, "sync_states.Get")
	defer span.End()

	var s domain.SyncState
	err := r.coll.FindOne(ctx, bson.M{"_id": connectionID}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// First sync for this connection starts from a zero cursor.
		return domain.SyncState{ConnectionID: connectionID, Status: domain.SyncPending}, nil
	}
	if err != nil {
		return domain.SyncState{}, fmt.Errorf("op=sync_states.Get: %w", err)
	}
	return s, nil
}

func (r *SyncStateRepo) MarkSyncing(ctx domain.Context, connectionID string) error {
	ctx, span := otel.Tracer("repo.sync_states").Start(ctx, "sync_states.MarkSyncing")
	defer span.End()

	update := bson.M{"$set": bson.M{"status": domain.SyncSyncing, "updated_at": time.Now().UTC()}}
	if _, err := r.coll.UpdateByID(ctx, connectionID, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("op=sync_states.MarkSyncing: %w", err)
	}
	return nil
}

func (r *SyncStateRepo) Advance(ctx domain.Context, connectionID string, lastSyncedRow, rowsSynced int) error {
	ctx, span := otel.Tracer("repo.sync_states").Start(ctx, "sync_states.Advance")
	defer span.End()

	now := time.Now().UTC()
	update := bson.M{
		// The cursor covers every examined row, blanks included, so a pass
		// of nothing but blank rows is never re-fetched.
		"$set": bson.M{
			"status":          domain.SyncSuccess,
			"last_synced_row": lastSyncedRow,
			"last_synced_at":  now,
			"last_error":      "",
			"updated_at":      now,
		},
		"$inc": bson.M{"total_rows": rowsSynced},
	}
	if _, err := r.coll.UpdateByID(ctx, connectionID, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("op=sync_states.Advance: %w", err)
	}
	return nil
}

func (r *SyncStateRepo) RecordError(ctx domain.Context, connectionID string, msg string) error {
	ctx, span := otel.Tracer("repo.sync_states").Start(ctx, "sync_states.RecordError")
	defer span.End()

	update := bson.M{"$set": bson.M{
		"status":     domain.SyncFailed,
		"last_error": msg,
		"updated_at": time.Now().UTC(),
	}}
	if _, err := r.coll.UpdateByID(ctx, connectionID, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("op=sync_states.RecordError: %w", err)
	}
	return nil
}

func (r *SyncStateRepo) DeleteByConnection(ctx domain.Context, connectionID string) error {
	ctx, span := otel.Tracer("repo.sync_states").Start(ctx, "sync_states.DeleteByConnection")
	defer span.End()

	if _, err := r.coll.DeleteOne(ctx, bson.M{"_id": connectionID}); err != nil {
		return fmt.Errorf("op=sync_states.DeleteByConnection: %w", err)
	}
	return nil
}

var _ domain.SyncStateRepo = (*SyncStateRepo)(nil)
