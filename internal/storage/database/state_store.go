package database

import (
	"context"
	"fmt"
	"time"

	"e2ee-gateway/internal/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// stateDocument MongoDB 中存儲的狀態文檔
type stateDocument struct {
	DocID      string    `bson:"_id"`
	Kind       string    `bson:"kind"`
	ID         string    `bson:"id"`
	UserID     string    `bson:"user_id,omitempty"`
	PeerUserID string    `bson:"peer_user_id,omitempty"`
	Epoch      uint64    `bson:"epoch,omitempty"`
	Blob       []byte    `bson:"blob"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

func stateDocID(kind storage.Kind, id string) string {
	return string(kind) + ":" + id
}

// StateStore 設備、會話與群組快照
type StateStore struct {
	collection *mongo.Collection
}

// Put 保存快照（ReplaceOne with upsert）
func (s *StateStore) Put(ctx context.Context, rec storage.StateRecord) error {
	if err := ValidateRecordID(rec.ID); err != nil {
		return err
	}
	doc := stateDocument{
		DocID:      stateDocID(rec.Kind, rec.ID),
		Kind:       string(rec.Kind),
		ID:         rec.ID,
		UserID:     SafeStringValue(rec.UserID),
		PeerUserID: SafeStringValue(rec.PeerUserID),
		Epoch:      rec.Epoch,
		Blob:       rec.Blob,
		UpdatedAt:  rec.UpdatedAt.UTC(),
	}
	filter := bson.M{"_id": doc.DocID}
	if _, err := s.collection.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to save %s state: %w", rec.Kind, err)
	}
	return nil
}

// Delete 刪除快照
func (s *StateStore) Delete(ctx context.Context, kind storage.Kind, id string) error {
	if err := ValidateRecordID(id); err != nil {
		return err
	}
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": stateDocID(kind, id)}); err != nil {
		return fmt.Errorf("failed to delete %s state: %w", kind, err)
	}
	return nil
}

// LoadAll 載入指定類型的快照
func (s *StateStore) LoadAll(ctx context.Context, kind storage.Kind) ([]storage.StateRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "id", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{"kind": string(kind)}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s states: %w", kind, err)
	}
	defer cursor.Close(ctx)

	var docs []stateDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode %s states: %w", kind, err)
	}
	out := make([]storage.StateRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, storage.StateRecord{
			Kind:       storage.Kind(d.Kind),
			ID:         d.ID,
			UserID:     d.UserID,
			PeerUserID: d.PeerUserID,
			Epoch:      d.Epoch,
			Blob:       d.Blob,
			UpdatedAt:  d.UpdatedAt,
		})
	}
	return out, nil
}
