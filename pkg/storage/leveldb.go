package storage

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB wraps a goleveldb connection.
type LevelDB struct {
	conn *leveldb.DB
	sync *opt.WriteOptions
}

// OpenLevelDB opens (or creates) a LevelDB instance at the given path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{conn: db, sync: &opt.WriteOptions{Sync: true}}, nil
}

// OpenLevelDBInMemory opens a LevelDB instance with no backing files.
func OpenLevelDBInMemory() (*LevelDB, error) {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{conn: db}, nil
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := l.conn.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (l *LevelDB) Put(key, value []byte) error {
	return l.conn.Put(key, value, l.sync)
}

func (l *LevelDB) Delete(key []byte) error {
	return l.conn.Delete(key, l.sync)
}

func (l *LevelDB) WriteBatch(pairs []KeyValue) error {
	batch := new(leveldb.Batch)
	for _, kv := range pairs {
		if kv.Delete {
			batch.Delete(kv.Key)
			continue
		}
		batch.Put(kv.Key, kv.Value)
	}
	return l.conn.Write(batch, l.sync)
}

func (l *LevelDB) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	iter := l.conn.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (l *LevelDB) Close() error {
	return l.conn.Close()
}
