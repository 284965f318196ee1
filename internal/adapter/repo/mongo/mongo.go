// Package mongo implements the document-store repositories.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names.
const (
	collConnections   = "sheet_connections"
	collSyncStates    = "sync_states"
	collSheetRows     = "sheet_rows"
	collConversations = "conversations"
	collMessages      = "messages"
)

// Connect opens a client, pings it, and returns a handle to the database.
func Connect(ctx context.Context, uri, db string) (*mongo.Database, func(context.Context) error, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("op=mongo.Connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("op=mongo.Connect: ping: %w", err)
	}
	return client.Database(db), client.Disconnect, nil
}

// EnsureIndexes creates the indexes every repo relies on. Safe to call on
// every startup; Mongo treats re-creation as a no-op.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	unique := options.Index().SetUnique(true)
	specs := map[string][]mongo.IndexModel{
		collSheetRows: {
			{Keys: bson.D{{Key: "connection_id", Value: 1}, {Key: "row_number", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "connection_id", Value: 1}, {Key: "synced_at", Value: -1}}},
		},
		collConnections: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "deleted_at", Value: 1}}},
		},
		collConversations: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "updated_at", Value: -1}}},
		},
		collMessages: {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
	}
	for coll, models := range specs {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("op=mongo.EnsureIndexes: collection=%s: %w", coll, err)
		}
	}
	return nil
}

// notDeleted is the soft-delete filter shared by the repos.
func notDeleted() bson.M {
	return bson.M{"deleted_at": bson.M{"$exists": false}}
}
