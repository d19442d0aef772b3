package mdstore

import (
	"context"
	"encoding/binary"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/tecbot/gorocksdb"

	"github.com/cubefs/mdcache/proto"
)

// rocksStore keeps dirents under keys of the form
//
//	<dir ino, 8 bytes big-endian> '/' <name>
//
// so one prefix iteration yields a whole directory.
type rocksStore struct {
	db *gorocksdb.DB
	ro *gorocksdb.ReadOptions
	wo *gorocksdb.WriteOptions
}

type RocksConfig struct {
	Path            string `json:"path"`
	CreateIfMissing bool   `json:"create_if_missing"`
}

func OpenRocks(cfg *RocksConfig) (Store, error) {
	opts := gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(cfg.CreateIfMissing)

	db, err := gorocksdb.OpenDb(opts, cfg.Path)
	if err != nil {
		return nil, errors.Info(err, "open metadata store failed")
	}
	return &rocksStore{
		db: db,
		ro: gorocksdb.NewDefaultReadOptions(),
		wo: gorocksdb.NewDefaultWriteOptions(),
	}, nil
}

func direntKey(dir proto.Ino, name string) []byte {
	key := make([]byte, 9+len(name))
	binary.BigEndian.PutUint64(key, uint64(dir))
	key[8] = '/'
	copy(key[9:], name)
	return key
}

func (s *rocksStore) FetchDir(ctx context.Context, dir proto.Ino) ([]Dirent, error) {
	prefix := direntKey(dir, "")
	it := s.db.NewIterator(s.ro)
	defer it.Close()

	var ents []Dirent
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Key()
		value := it.Value()
		name := string(key.Data()[len(prefix):])
		stat, err := proto.UnmarshalStat(value.Data())
		key.Free()
		value.Free()
		if err != nil {
			return nil, errors.Info(err, "decode dirent failed")
		}
		ents = append(ents, Dirent{Name: name, Stat: stat})
	}
	if err := it.Err(); err != nil {
		return nil, errors.Info(err, "iterate dir failed")
	}
	return ents, nil
}

func (s *rocksStore) PutDirent(ctx context.Context, dir proto.Ino, d Dirent) error {
	return s.db.Put(s.wo, direntKey(dir, d.Name), proto.MarshalStat(&d.Stat))
}

func (s *rocksStore) DeleteDirent(ctx context.Context, dir proto.Ino, name string) error {
	return s.db.Delete(s.wo, direntKey(dir, name))
}

func (s *rocksStore) Close() {
	s.ro.Destroy()
	s.wo.Destroy()
	s.db.Close()
}
