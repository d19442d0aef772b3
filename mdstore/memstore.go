package mdstore

import (
	"context"
	"sort"
	"sync"

	"github.com/cubefs/mdcache/proto"
)

// memStore is the in-memory store used by tests and single-process clusters.
type memStore struct {
	mu   sync.Mutex
	dirs map[proto.Ino]map[string]proto.InodeStat
}

func NewMem() Store {
	return &memStore{dirs: make(map[proto.Ino]map[string]proto.InodeStat)}
}

func (s *memStore) FetchDir(ctx context.Context, dir proto.Ino) ([]Dirent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.dirs[dir]
	ents := make([]Dirent, 0, len(m))
	for name, stat := range m {
		ents = append(ents, Dirent{Name: name, Stat: stat})
	}
	sort.Slice(ents, func(i, j int) bool { return ents[i].Name < ents[j].Name })
	return ents, nil
}

func (s *memStore) PutDirent(ctx context.Context, dir proto.Ino, d Dirent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.dirs[dir]
	if m == nil {
		m = make(map[string]proto.InodeStat)
		s.dirs[dir] = m
	}
	m[d.Name] = d.Stat
	return nil
}

func (s *memStore) DeleteDirent(ctx context.Context, dir proto.Ino, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.dirs[dir]; m != nil {
		delete(m, name)
	}
	return nil
}

func (s *memStore) Close() {}
