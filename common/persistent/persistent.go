// Package persistent provides a wrapper around a key-value database for use
// as general node-wide persistent local storage.
package persistent

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v3"

	"github.com/wardenlabs/warden/go/common/cbor"
	"github.com/wardenlabs/warden/go/common/logging"
)

const dbName = "persistent-store.badger.db"

// ErrNotFound is returned when the requested key could not be found in the
// database.
var ErrNotFound = errors.New("persistent: key not found in database")

// GetPersistentStoreDBDir returns the database directory path for the node
// with the given data directory.
func GetPersistentStoreDBDir(dataDir string) string {
	return filepath.Join(dataDir, dbName)
}

// CommonStore is the interface to the common storage for the node.
type CommonStore struct {
	db *badger.DB
}

// Close closes the database handle.
func (cs *CommonStore) Close() {
	_ = cs.db.Close()
}

// GetServiceStore returns a handle to a per-service bucket for the given
// service.
func (cs *CommonStore) GetServiceStore(name string) (*ServiceStore, error) {
	ss := &ServiceStore{
		store: cs,
		name:  []byte(name),
	}
	return ss, nil
}

// NewCommonStore opens the default common node storage and returns a handle.
func NewCommonStore(dataDir string) (*CommonStore, error) {
	logger := logging.GetLogger("common/persistent")

	opts := badger.DefaultOptions(GetPersistentStoreDBDir(dataDir))
	opts = opts.WithLogger(badgerLogger{logger})
	opts = opts.WithSyncWrites(true)
	opts = opts.WithCompression(0)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("persistent: failed to open database: %w", err)
	}

	cs := &CommonStore{
		db: db,
	}

	return cs, nil
}

// ServiceStore is a storage wrapper that automatically calls view callbacks
// with appropriate keys.
type ServiceStore struct {
	store *CommonStore

	name []byte
}

// Close invalidates the per-service database handle.
func (ss *ServiceStore) Close() {
	ss.store = nil
}

// GetCBOR is a helper for retrieving CBOR-serialized values.
func (ss *ServiceStore) GetCBOR(key []byte, value interface{}) error {
	return ss.store.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(ss.dbKey(key))
		switch err {
		case nil:
		case badger.ErrKeyNotFound:
			return ErrNotFound
		default:
			return err
		}
		return item.Value(func(val []byte) error {
			if val == nil {
				return ErrNotFound
			}
			return cbor.Unmarshal(val, value)
		})
	})
}

// PutCBOR is a helper for storing CBOR-serialized values.
func (ss *ServiceStore) PutCBOR(key []byte, value interface{}) error {
	return ss.store.db.Update(func(tx *badger.Txn) error {
		return tx.Set(ss.dbKey(key), cbor.Marshal(value))
	})
}

// Delete removes the specified key from the service store.
func (ss *ServiceStore) Delete(key []byte) error {
	return ss.store.db.Update(func(tx *badger.Txn) error {
		err := tx.Delete(ss.dbKey(key))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		return err
	})
}

func (ss *ServiceStore) dbKey(key []byte) []byte {
	return append([]byte{}, append(append([]byte{}, ss.name...), key...)...)
}

type badgerLogger struct {
	logger *logging.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
