package database

import (
	"context"
	"fmt"
	"time"

	"e2ee-gateway/internal/security/transparency"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// KeyLogStore 金鑰透明日誌
type KeyLogStore struct {
	collection *mongo.Collection
}

// Append 寫入日誌條目；重送相同條目不會產生重複
func (s *KeyLogStore) Append(ctx context.Context, entries []transparency.KeyLogEntry) error {
	models := make([]mongo.WriteModel, 0, len(entries))
	for i := range entries {
		e := entries[i]
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": e.ID}).
			SetReplacement(e).
			SetUpsert(true))
	}
	if _, err := s.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true)); err != nil {
		return fmt.Errorf("failed to append key log: %w", err)
	}
	return nil
}

// LoadAll 依序號載入全部日誌
func (s *KeyLogStore) LoadAll(ctx context.Context) ([]transparency.KeyLogEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load key log: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []transparency.KeyLogEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode key log: %w", err)
	}
	return entries, nil
}

// DeleteBefore 刪除過期日誌
func (s *KeyLogStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.collection.DeleteMany(ctx, bson.M{"timestamp": bson.M{"$lt": cutoff.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("failed to prune key log: %w", err)
	}
	return result.DeletedCount, nil
}
