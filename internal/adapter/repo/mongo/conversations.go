package mongo

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sellsight/sellsight/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

// ConversationRepo implements domain.ConversationRepo.
type ConversationRepo struct {
	coll *mongo.Collection
}

func NewConversationRepo(db *mongo.Database) *ConversationRepo {
	return &ConversationRepo{coll: db.Collection(collConversations)}
}

func (r *ConversationRepo) Create(ctx domain.Context, c domain.Conversation) error {
	ctx, span := otel.Tracer("repo.conversations").Start(ctx, "conversations.Create")
	defer span.End()

	if _, err := r.coll.InsertOne(ctx, c); err != nil {
		return fmt.Errorf("op=conversations.Create: %w", err)
	}
	return nil
}

func (r *ConversationRepo) Get(ctx domain.Context, id string) (domain.Conversation, error) {
	ctx, span := otel.Tracer("repo.conversations").Start(ctx, "conversations.Get")
	defer span.End()

	filter := notDeleted()
	filter["_id"] = id
	var c domain.Conversation
	if err := r.coll.FindOne(ctx, filter).Decode(&c); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Conversation{}, fmt.Errorf("op=conversations.Get: id=%s: %w", id, domain.ErrNotFound)
		}
		return domain.Conversation{}, fmt.Errorf("op=conversations.Get: %w", err)
	}
	return c, nil
}

// GetIncludeDeleted fetches by id with no soft-delete filter, so a
// deleted conversation stays inspectable.
func (r *ConversationRepo) GetIncludeDeleted(ctx domain.Context, id string) (domain.Conversation, error) {
	ctx, span := otel.Tracer("repo.conversations").Start(ctx, "conversations.GetIncludeDeleted")
	defer span.End()

	var c domain.Conversation
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Conversation{}, fmt.Errorf("op=conversations.GetIncludeDeleted: id=%s: %w", id, domain.ErrNotFound)
		}
		return domain.Conversation{}, fmt.Errorf("op=conversations.GetIncludeDeleted: %w", err)
	}
	return c, nil
}

func (r *ConversationRepo) List(ctx domain.Context, q domain.ConversationQuery) ([]domain.Conversation, int64, error) {
	ctx, span := otel.Tracer("repo.conversations").Start(ctx, "conversations.List")
	defer span.End()

	filter := notDeleted()
	filter["user_id"] = q.UserID
	if q.Status != "" {
		filter["status"] = q.Status
	}
	if q.Search != "" {
		filter["title"] = bson.M{"$regex": regexp.QuoteMeta(q.Search), "$options": "i"}
	}

	total, err := r.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("op=conversations.List: count: %w", err)
	}

	page := q.Page
	if page < 1 {
		page = 1
	}
	size := q.PageSize
	if size <= 0 {
		size = 20
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}}).
		SetSkip(int64((page - 1) * size)).
		SetLimit(int64(size))
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("op=conversations.List: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []domain.Conversation
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, fmt.Errorf("op=conversations.List: %w", err)
	}
	return out, total, nil
}

func (r *ConversationRepo) SetTitle(ctx domain.Context, id, title string) error {
	ctx, span := otel.Tracer("repo.conversations").Start(ctx, "conversations.SetTitle")
	defer span.End()

	update := bson.M{"$set": bson.M{"title": title, "updated_at": time.Now().UTC()}}
	res, err := r.coll.UpdateByID(ctx, id, update)
	if err != nil {
		return fmt.Errorf("op=conversations.SetTitle: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("op=conversations.SetTitle: id=%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Touch atomically bumps message_count and stamps last_message_at in a
// single update so concurrent sends never lose a count.
func (r *ConversationRepo) Touch(ctx domain.Context, id string, at time.Time) error {
	ctx, span := otel.Tracer("repo.conversations").Start(ctx, "conversations.Touch")
	defer span.End()

	update := bson.M{
		"$inc": bson.M{"message_count": 1},
		"$set": bson.M{"last_message_at": at, "updated_at": at},
	}
	res, err := r.coll.UpdateByID(ctx, id, update)
	if err != nil {
		return fmt.Errorf("op=conversations.Touch: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("op=conversations.Touch: id=%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *ConversationRepo) SoftDelete(ctx domain.Context, id string) error {
	ctx, span := otel.Tracer("repo.conversations").Start(ctx, "conversations.SoftDelete")
	defer span.End()

	now := time.Now().UTC()
	update := bson.M{"$set": bson.M{"deleted_at": now, "updated_at": now}}
	res, err := r.coll.UpdateByID(ctx, id, update)
	if err != nil {
		return fmt.Errorf("op=conversations.SoftDelete: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("op=conversations.SoftDelete: id=%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

var _ domain.ConversationRepo = (*ConversationRepo)(nil)
