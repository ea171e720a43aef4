package database

import (
	"context"
	"fmt"
	"time"

	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/security/transparency"
	"e2ee-gateway/internal/storage"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// MongoStore 以 MongoDB 實作的持久層
type MongoStore struct {
	db     *mongo.Database
	States *StateStore
	KeyLog *KeyLogStore
	Trust  *TrustStore
}

var (
	_ storage.Store  = (*MongoStore)(nil)
	_ storage.Pinger = (*MongoStore)(nil)
)

// NewMongoStore 創建 MongoDB 存儲並建立索引
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	if db == nil {
		return nil, fmt.Errorf("MongoDB 未連接")
	}
	if err := CreateIndexes(ctx, db); err != nil {
		// 索引建立失敗不中斷服務啟動
		logger.Warning(ctx, "創建 e2ee 索引失敗", logger.WithDetails(map[string]interface{}{"error": err.Error()}))
	}
	return &MongoStore{
		db:     db,
		States: &StateStore{collection: db.Collection(statesCollection)},
		KeyLog: &KeyLogStore{collection: db.Collection(keyLogCollection)},
		Trust:  &TrustStore{collection: db.Collection(trustCollection)},
	}, nil
}

// withTransaction 優先使用事務，失敗則降級（單節點 MongoDB 不支援事務）
func (s *MongoStore) withTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := s.db.Client().StartSession()
	if err == nil {
		defer session.EndSession(ctx)
		_, err = session.WithTransaction(ctx, func(sc context.Context) (interface{}, error) {
			return nil, fn(sc)
		})
		if err == nil {
			return nil
		}
	}
	return fn(ctx)
}

// Ping 檢查 MongoDB 連線
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// PutState 保存狀態快照
func (s *MongoStore) PutState(ctx context.Context, rec storage.StateRecord) error {
	return s.States.Put(ctx, rec)
}

// DeleteState 刪除狀態快照
func (s *MongoStore) DeleteState(ctx context.Context, kind storage.Kind, id string) error {
	return s.States.Delete(ctx, kind, id)
}

// LoadStates 載入指定類型的全部快照
func (s *MongoStore) LoadStates(ctx context.Context, kind storage.Kind) ([]storage.StateRecord, error) {
	return s.States.LoadAll(ctx, kind)
}

// AppendKeyLog 追加金鑰日誌
func (s *MongoStore) AppendKeyLog(ctx context.Context, entries []transparency.KeyLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.withTransaction(ctx, func(ctx context.Context) error {
		return s.KeyLog.Append(ctx, entries)
	})
}

// LoadKeyLog 依序號載入金鑰日誌
func (s *MongoStore) LoadKeyLog(ctx context.Context) ([]transparency.KeyLogEntry, error) {
	return s.KeyLog.LoadAll(ctx)
}

// PruneKeyLog 刪除早於 cutoff 的日誌
func (s *MongoStore) PruneKeyLog(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.KeyLog.DeleteBefore(ctx, cutoff)
}

// PutTrust 保存信任關係
func (s *MongoStore) PutTrust(ctx context.Context, states []transparency.TrustState) error {
	if len(states) == 0 {
		return nil
	}
	return s.withTransaction(ctx, func(ctx context.Context) error {
		return s.Trust.Upsert(ctx, states)
	})
}

// LoadTrust 載入全部信任關係
func (s *MongoStore) LoadTrust(ctx context.Context) ([]transparency.TrustState, error) {
	return s.Trust.LoadAll(ctx)
}

// Close MongoDB 連接由 driver 包管理
func (s *MongoStore) Close(context.Context) error {
	return nil
}
