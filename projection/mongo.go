package projection

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
)

// MongoStatusStore реализация StatusStore для MongoDB.
type MongoStatusStore struct {
	collection *mongo.Collection
}

// NewMongoStatusStore подключается к MongoDB и готовит индексы.
func NewMongoStatusStore(ctx context.Context, uri, database string) (*MongoStatusStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, core.Wrap(err, core.ErrStorage, "failed to connect to MongoDB")
	}

	collection := client.Database(database).Collection("subscription_payment_status")
	store := &MongoStatusStore{collection: collection}
	if err := store.ensureIndexes(ctx); err != nil {
		return nil, core.Wrap(err, core.ErrStorage, "failed to ensure indexes")
	}
	return store, nil
}

func (s *MongoStatusStore) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "order_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "current_state", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "updated_at", Value: 1}}},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *MongoStatusStore) CreateIfAbsent(ctx context.Context, p *StatusProjection) error {
	// $setOnInsert не трогает существующую строку, создание
	// идемпотентно по correlation id.
	opts := options.Update().SetUpsert(true)
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": p.CorrelationID},
		bson.M{"$setOnInsert": p},
		opts)
	if err != nil {
		return core.Wrap(err, core.ErrStorage, "failed to create status projection")
	}
	return nil
}

func (s *MongoStatusStore) Load(ctx context.Context, correlationID string) (*StatusProjection, error) {
	var p StatusProjection
	err := s.collection.FindOne(ctx, bson.M{"_id": correlationID}).Decode(&p)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, core.NewError(core.ErrNotFound, "status projection not found: "+correlationID)
		}
		return nil, core.Wrap(err, core.ErrStorage, "failed to load status projection")
	}
	return &p, nil
}

func (s *MongoStatusStore) LoadByOrderID(ctx context.Context, orderID string) (*StatusProjection, error) {
	var p StatusProjection
	err := s.collection.FindOne(ctx, bson.M{"order_id": orderID}).Decode(&p)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, core.NewError(core.ErrNotFound, "status projection not found for order: "+orderID)
		}
		return nil, core.Wrap(err, core.ErrStorage, "failed to load status projection by order")
	}
	return &p, nil
}

func (s *MongoStatusStore) Upsert(ctx context.Context, p *StatusProjection) error {
	opts := options.Update().SetUpsert(true)
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": p.CorrelationID},
		bson.M{"$set": p},
		opts)
	if err != nil {
		return core.Wrap(err, core.ErrStorage, "failed to upsert status projection")
	}
	return nil
}

func (s *MongoStatusStore) List(ctx context.Context, filter StatusFilter) ([]*StatusProjection, error) {
	query := bson.M{}
	if filter.UserID != "" {
		query["user_id"] = filter.UserID
	}
	if filter.State != "" {
		query["current_state"] = filter.State
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cursor, err := s.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, core.Wrap(err, core.ErrStorage, "failed to list status projections")
	}
	defer cursor.Close(ctx)

	var result []*StatusProjection
	for cursor.Next(ctx) {
		var p StatusProjection
		if err := cursor.Decode(&p); err != nil {
			return nil, core.Wrap(err, core.ErrStorage, "failed to decode status projection")
		}
		result = append(result, &p)
	}
	if err := cursor.Err(); err != nil {
		return nil, core.Wrap(err, core.ErrStorage, "failed to iterate status projections")
	}
	return result, nil
}
