package hostfunc

import (
	"errors"
	"slices"
	"sync"
)

type KVConfig struct {
	MaxKeySize   int
	MaxValueSize int
	MaxEntries   int
}

func DefaultKVConfig() KVConfig {
	return KVConfig{
		MaxKeySize:   256,
		MaxValueSize: DefaultMaxBodySize,
		MaxEntries:   64,
	}
}

// KV is a bounded in-memory string store. It backs the dataset cache so a
// dataset is downloaded at most once per process.
type KV struct {
	cfg  KVConfig
	data map[string]string
	mu   sync.RWMutex
}

func NewKV(cfg KVConfig) *KV {
	return &KV{cfg: cfg, data: make(map[string]string)}
}

func (s *KV) Lookup(key string) (string, bool) {
	s.mu.RLock()
	val, ok := s.data[key]
	s.mu.RUnlock()
	return val, ok
}

func (s *KV) Store(key, value string) error {
	if key == "" {
		return errors.New("key required")
	}
	if s.cfg.MaxKeySize > 0 && len(key) > s.cfg.MaxKeySize {
		return errors.New("key too large")
	}
	if s.cfg.MaxValueSize > 0 && len(value) > s.cfg.MaxValueSize {
		return errors.New("value too large")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; !exists && s.cfg.MaxEntries > 0 && len(s.data) >= s.cfg.MaxEntries {
		return errors.New("too many entries")
	}
	s.data[key] = value
	return nil
}

func (s *KV) Delete(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}

func (s *KV) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
