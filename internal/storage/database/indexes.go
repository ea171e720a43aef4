package database

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	statesCollection = "e2ee_states"
	keyLogCollection = "e2ee_key_log"
	trustCollection  = "e2ee_trust"
)

// CreateIndexes 創建數據庫索引
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	stateIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "kind", Value: 1}, {Key: "id", Value: 1}},
			Options: options.Index().SetName("kind_id_idx").SetUnique(true),
		},
		{
			// 用戶的設備與會話
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "kind", Value: 1}},
			Options: options.Index().SetName("user_kind_idx"),
		},
		{
			Keys:    bson.D{{Key: "peer_user_id", Value: 1}},
			Options: options.Index().SetName("peer_user_idx").SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: -1}},
			Options: options.Index().SetName("updated_at_idx"),
		},
	}
	if _, err := db.Collection(statesCollection).Indexes().CreateMany(ctx, stateIndexes); err != nil {
		return err
	}

	keyLogIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "sequence", Value: 1}},
			Options: options.Index().SetName("sequence_idx").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("user_time_idx"),
		},
		{
			// 用於清理過期日誌
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetName("timestamp_idx"),
		},
	}
	if _, err := db.Collection(keyLogCollection).Indexes().CreateMany(ctx, keyLogIndexes); err != nil {
		return err
	}

	trustIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "trusted_user_id", Value: 1}},
			Options: options.Index().SetName("relationship_idx").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "trusted_user_id", Value: 1}},
			Options: options.Index().SetName("trusted_user_idx"),
		},
	}
	_, err := db.Collection(trustCollection).Indexes().CreateMany(ctx, trustIndexes)
	return err
}

// GetIndexStats 獲取索引統計信息
func GetIndexStats(ctx context.Context, db *mongo.Database) (map[string]interface{}, error) {
	stats := make(map[string]interface{})
	for _, name := range []string{statesCollection, keyLogCollection, trustCollection} {
		cursor, err := db.Collection(name).Indexes().List(ctx)
		if err != nil {
			return nil, err
		}
		var indexes []bson.M
		if err = cursor.All(ctx, &indexes); err != nil {
			return nil, err
		}
		stats[name+"_indexes"] = indexes
	}
	return stats, nil
}
