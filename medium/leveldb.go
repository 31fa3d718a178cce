package medium

import (
	"bytes"
	"context"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var _ Medium = (*LevelDB)(nil)

var entryPrefix = []byte("e:")

// LevelDB is a disk medium backed by goleveldb.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// NewLevelDBInMemory opens a database on memory storage.
func NewLevelDBInMemory() (*LevelDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// Read returns the stored bytes for key, or ErrNotFound.
func (l *LevelDB) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := l.db.Get(dbKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return b, err
}

// Write puts value under key.
func (l *LevelDB) Write(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Put(dbKey(key), value, nil)
}

// List returns every entry key.
func (l *LevelDB) List(ctx context.Context) ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix(entryPrefix), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), entryPrefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Delete removes key. A missing key is not an error.
func (l *LevelDB) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Delete(dbKey(key), nil)
}

// Close closes the database.
func (l *LevelDB) Close() error {
	return l.db.Close()
}

func dbKey(key string) []byte {
	b := make([]byte, 0, len(entryPrefix)+len(key))
	b = append(b, entryPrefix...)
	return append(b, key...)
}
