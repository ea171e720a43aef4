package database

import (
	"context"
	"fmt"

	"e2ee-gateway/internal/security/transparency"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// TrustStore 信任關係
type TrustStore struct {
	collection *mongo.Collection
}

// Upsert 以 (user_id, trusted_user_id) 為鍵寫入
func (s *TrustStore) Upsert(ctx context.Context, states []transparency.TrustState) error {
	models := make([]mongo.WriteModel, 0, len(states))
	for i := range states {
		st := states[i]
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{
				"user_id":         SafeStringValue(st.UserID),
				"trusted_user_id": SafeStringValue(st.TrustedUserID),
			}).
			SetReplacement(st).
			SetUpsert(true))
	}
	if _, err := s.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("failed to save trust states: %w", err)
	}
	return nil
}

// LoadAll 載入全部信任關係
func (s *TrustStore) LoadAll(ctx context.Context) ([]transparency.TrustState, error) {
	cursor, err := s.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to load trust states: %w", err)
	}
	defer cursor.Close(ctx)

	var states []transparency.TrustState
	if err := cursor.All(ctx, &states); err != nil {
		return nil, fmt.Errorf("failed to decode trust states: %w", err)
	}
	return states, nil
}
