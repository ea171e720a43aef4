// Package badgerstore 以內嵌 BadgerDB 實作持久層，用於單機部署與測試
package badgerstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/security/transparency"
	"e2ee-gateway/internal/storage"

	"github.com/dgraph-io/badger/v4"
	"go.mongodb.org/mongo-driver/v2/bson"
)

const (
	prefixState  = "state/"
	prefixKeyLog = "keylog/"
	prefixTrust  = "trust/"
)

// Store BadgerDB 存儲
type Store struct {
	db       *badger.DB
	inMemory bool
	closed   atomic.Bool
}

var (
	_ storage.Store  = (*Store)(nil)
	_ storage.Pinger = (*Store)(nil)
)

// Open 打開目錄下的資料庫
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{}).WithLoggingLevel(badger.WARNING)
	return open(opts, false)
}

// OpenInMemory 打開記憶體資料庫
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{}).WithLoggingLevel(badger.ERROR)
	return open(opts, true)
}

func open(opts badger.Options, inMemory bool) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Store{db: db, inMemory: inMemory}, nil
}

// badgerLogger 把 badger 內部日誌轉到結構化日誌
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logger.Error(context.Background(), "badger: "+strings.TrimSpace(fmt.Sprintf(format, args...)), logger.WithAction("badger"))
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logger.Warning(context.Background(), "badger: "+strings.TrimSpace(fmt.Sprintf(format, args...)), logger.WithAction("badger"))
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	logger.Info(context.Background(), "badger: "+strings.TrimSpace(fmt.Sprintf(format, args...)), logger.WithAction("badger"))
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	logger.Debug(context.Background(), "badger: "+strings.TrimSpace(fmt.Sprintf(format, args...)), logger.WithAction("badger"))
}

func stateKey(kind storage.Kind, id string) []byte {
	return []byte(prefixState + string(kind) + "/" + id)
}

// 序號以固定寬度編碼，迭代順序即序號順序
func keyLogKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixKeyLog, seq))
}

func trustKey(userID, trustedUserID string) []byte {
	return []byte(prefixTrust + userID + "\x00" + trustedUserID)
}

func (s *Store) check() error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return nil
}

// Ping 確認資料庫仍可讀
func (s *Store) Ping(context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.View(func(*badger.Txn) error { return nil })
}

// PutState 保存狀態快照
func (s *Store) PutState(_ context.Context, rec storage.StateRecord) error {
	if err := s.check(); err != nil {
		return err
	}
	if rec.ID == "" {
		return fmt.Errorf("記錄 ID 不能為空")
	}
	data, err := bson.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s state: %w", rec.Kind, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(rec.Kind, rec.ID), data)
	})
}

// DeleteState 刪除狀態快照
func (s *Store) DeleteState(_ context.Context, kind storage.Kind, id string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(stateKey(kind, id))
	})
}

// LoadStates 載入指定類型的快照
func (s *Store) LoadStates(_ context.Context, kind storage.Kind) ([]storage.StateRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []storage.StateRecord
	err := s.scan([]byte(prefixState+string(kind)+"/"), func(_, val []byte) error {
		var rec storage.StateRecord
		if err := bson.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("failed to decode %s state: %w", kind, err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// AppendKeyLog 以單一寫入批次追加日誌
func (s *Store) AppendKeyLog(_ context.Context, entries []transparency.KeyLogEntry) error {
	if err := s.check(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i := range entries {
		data, err := bson.Marshal(entries[i])
		if err != nil {
			return fmt.Errorf("failed to encode key log entry: %w", err)
		}
		if err := wb.Set(keyLogKey(entries[i].Sequence), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// LoadKeyLog 依序號載入日誌
func (s *Store) LoadKeyLog(_ context.Context) ([]transparency.KeyLogEntry, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []transparency.KeyLogEntry
	err := s.scan([]byte(prefixKeyLog), func(_, val []byte) error {
		var e transparency.KeyLogEntry
		if err := bson.Unmarshal(val, &e); err != nil {
			return fmt.Errorf("failed to decode key log entry: %w", err)
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// PruneKeyLog 刪除早於 cutoff 的日誌
func (s *Store) PruneKeyLog(_ context.Context, cutoff time.Time) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	var stale [][]byte
	err := s.scan([]byte(prefixKeyLog), func(key, val []byte) error {
		var e transparency.KeyLogEntry
		if err := bson.Unmarshal(val, &e); err != nil {
			return err
		}
		if e.Timestamp.Before(cutoff) {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return int64(len(stale)), nil
}

// PutTrust 保存信任關係
func (s *Store) PutTrust(_ context.Context, states []transparency.TrustState) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for i := range states {
			data, err := bson.Marshal(states[i])
			if err != nil {
				return fmt.Errorf("failed to encode trust state: %w", err)
			}
			if err := txn.Set(trustKey(states[i].UserID, states[i].TrustedUserID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadTrust 載入全部信任關係
func (s *Store) LoadTrust(_ context.Context) ([]transparency.TrustState, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []transparency.TrustState
	err := s.scan([]byte(prefixTrust), func(_, val []byte) error {
		var st transparency.TrustState
		if err := bson.Unmarshal(val, &st); err != nil {
			return fmt.Errorf("failed to decode trust state: %w", err)
		}
		out = append(out, st)
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].TrustedUserID < out[j].TrustedUserID
	})
	return out, err
}

// RunGC 回收值日誌空間
func (s *Store) RunGC() error {
	if s.inMemory || s.closed.Load() {
		return nil
	}
	err := s.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}
	return nil
}

// Close 關閉資料庫
func (s *Store) Close(context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) scan(prefix []byte, fn func(key, val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(bytes.Clone(item.Key()), val); err != nil {
				return err
			}
		}
		return nil
	})
}
