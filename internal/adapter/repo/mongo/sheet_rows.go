package mongo

import (
	"fmt"
	"regexp"

	"github.com/sellsight/sellsight/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

// SheetRowRepo implements domain.SheetRowRepo.
type SheetRowRepo struct {
	coll *mongo.Collection
}

func NewSheetRowRepo(db *mongo.Database) *SheetRowRepo {
	return &SheetRowRepo{coll: db.Collection(collSheetRows)}
}

// Upsert replaces rows by (connection_id, row_number) in one unordered
// bulk write. Re-syncing a row overwrites it rather than duplicating.
func (r *SheetRowRepo) Upsert(ctx domain.Context, rows []domain.SheetRow) error {
	ctx, span := otel.Tracer("repo.sheet_rows").Start(ctx, "sheet_rows.Upsert")
	defer span.End()

	if len(rows) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(rows))
	for _, row := range rows {
		filter := bson.M{"connection_id": row.ConnectionID, "row_number": row.RowNumber}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(filter).
			SetReplacement(row).
			SetUpsert(true))
	}
	opts := options.BulkWrite().SetOrdered(false)
	if _, err := r.coll.BulkWrite(ctx, models, opts); err != nil {
		return fmt.Errorf("op=sheet_rows.Upsert: %w", err)
	}
	return nil
}

func (r *SheetRowRepo) Find(ctx domain.Context, q domain.RowQuery) ([]domain.SheetRow, int64, error) {
	ctx, span := otel.Tracer("repo.sheet_rows").Start(ctx, "sheet_rows.Find")
	defer span.End()

	filter := bson.M{"connection_id": q.ConnectionID}
	if q.Search != "" && len(q.SearchFields) > 0 {
		pattern := regexp.QuoteMeta(q.Search)
		or := make([]bson.M, 0, len(q.SearchFields))
		for _, f := range q.SearchFields {
			or = append(or, bson.M{"data." + f: bson.M{"$regex": pattern, "$options": "i"}})
		}
		filter["$or"] = or
	}
	if q.DateField != "" && (q.DateFrom != nil || q.DateTo != nil) {
		rng := bson.M{}
		if q.DateFrom != nil {
			rng["$gte"] = *q.DateFrom
		}
		if q.DateTo != nil {
			rng["$lte"] = *q.DateTo
		}
		filter["data."+q.DateField] = rng
	}

	total, err := r.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("op=sheet_rows.Find: count: %w", err)
	}

	sortField := "row_number"
	if q.SortField != "" {
		sortField = "data." + q.SortField
	}
	dir := -1
	if q.SortAsc {
		dir = 1
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	opts := options.Find().
		SetSort(bson.D{{Key: sortField, Value: dir}}).
		SetSkip(int64((page - 1) * q.PageSize)).
		SetLimit(int64(q.PageSize))

	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("op=sheet_rows.Find: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var rows []domain.SheetRow
	if err := cur.All(ctx, &rows); err != nil {
		return nil, 0, fmt.Errorf("op=sheet_rows.Find: %w", err)
	}
	return rows, total, nil
}

// Aggregate runs a validated pipeline, prepending the connection scope so a
// pipeline can never read another tenant's rows.
func (r *SheetRowRepo) Aggregate(ctx domain.Context, connectionID string, pipeline []map[string]any) ([]map[string]any, error) {
	ctx, span := otel.Tracer("repo.sheet_rows").Start(ctx, "sheet_rows.Aggregate")
	defer span.End()

	full := make(mongo.Pipeline, 0, len(pipeline)+1)
	full = append(full, bson.D{{Key: "$match", Value: bson.M{"connection_id": connectionID}}})
	for _, stage := range pipeline {
		d := bson.D{}
		for k, v := range stage {
			d = append(d, bson.E{Key: k, Value: v})
		}
		full = append(full, d)
	}
	cur, err := r.coll.Aggregate(ctx, full)
	if err != nil {
		return nil, fmt.Errorf("op=sheet_rows.Aggregate: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []map[string]any
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("op=sheet_rows.Aggregate: %w", err)
	}
	return out, nil
}

func (r *SheetRowRepo) DeleteByConnection(ctx domain.Context, connectionID string) error {
	ctx, span := otel.Tracer("repo.sheet_rows").Start(ctx, "sheet_rows.DeleteByConnection")
	defer span.End()

	if _, err := r.coll.DeleteMany(ctx, bson.M{"connection_id": connectionID}); err != nil {
		return fmt.Errorf("op=sheet_rows.DeleteByConnection: %w", err)
	}
	return nil
}

var _ domain.SheetRowRepo = (*SheetRowRepo)(nil)
