package mongo

import (
	"fmt"
	"sort"
	"time"

	"github.com/sellsight/sellsight/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

// MessageRepo implements domain.MessageRepo.
type MessageRepo struct {
	coll *mongo.Collection
}

func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{coll: db.Collection(collMessages)}
}

func (r *MessageRepo) Create(ctx domain.Context, m domain.Message) error {
	ctx, span := otel.Tracer("repo.messages").Start(ctx, "messages.Create")
	defer span.End()

	if _, err := r.coll.InsertOne(ctx, m); err != nil {
		return fmt.Errorf("op=messages.Create: %w", err)
	}
	return nil
}

func (r *MessageRepo) List(ctx domain.Context, conversationID string, limit int) ([]domain.Message, error) {
	ctx, span := otel.Tracer("repo.messages").Start(ctx, "messages.List")
	defer span.End()

	filter := notDeleted()
	filter["conversation_id"] = conversationID
	return r.list(ctx, filter, limit, "messages.List")
}

// ListIncludeDeleted keeps soft-deleted messages in the result, so a
// cascaded delete stays inspectable.
func (r *MessageRepo) ListIncludeDeleted(ctx domain.Context, conversationID string, limit int) ([]domain.Message, error) {
	ctx, span := otel.Tracer("repo.messages").Start(ctx, "messages.ListIncludeDeleted")
	defer span.End()

	return r.list(ctx, bson.M{"conversation_id": conversationID}, limit, "messages.ListIncludeDeleted")
}

func (r *MessageRepo) list(ctx domain.Context, filter bson.M, limit int, op string) ([]domain.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []domain.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	return out, nil
}

// Recent fetches the newest limit messages then restores chronological
// order, which is what model prompts expect.
func (r *MessageRepo) Recent(ctx domain.Context, conversationID string, limit int) ([]domain.Message, error) {
	ctx, span := otel.Tracer("repo.messages").Start(ctx, "messages.Recent")
	defer span.End()

	filter := notDeleted()
	filter["conversation_id"] = conversationID
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("op=messages.Recent: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []domain.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("op=messages.Recent: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MessageRepo) SoftDeleteByConversation(ctx domain.Context, conversationID string) error {
	ctx, span := otel.Tracer("repo.messages").Start(ctx, "messages.SoftDeleteByConversation")
	defer span.End()

	filter := notDeleted()
	filter["conversation_id"] = conversationID
	update := bson.M{"$set": bson.M{"deleted_at": time.Now().UTC()}}
	if _, err := r.coll.UpdateMany(ctx, filter, update); err != nil {
		return fmt.Errorf("op=messages.SoftDeleteByConversation: %w", err)
	}
	return nil
}

var _ domain.MessageRepo = (*MessageRepo)(nil)
