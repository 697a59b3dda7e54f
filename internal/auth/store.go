package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/af-corp/rewrite-gateway/internal/config"
)

// KeyMetadata describes an accepted API key.
type KeyMetadata struct {
	ID            string
	Name          string
	AllowedModels []string
}

// KeyStore looks up API key metadata by hash. A nil result with a nil error
// means the key is unknown.
type KeyStore interface {
	Lookup(ctx context.Context, keyHash string) (*KeyMetadata, error)
}

type staticKey struct {
	hash []byte
	meta KeyMetadata
}

// StaticKeyStore holds the keys listed in gateway.yaml. It is immutable; a
// config reload builds a new store.
type StaticKeyStore struct {
	keys []staticKey
}

// NewStaticKeyStore validates and indexes the configured keys.
func NewStaticKeyStore(cfg config.AuthConfig) (*StaticKeyStore, error) {
	s := &StaticKeyStore{}
	seen := make(map[string]bool, len(cfg.Keys))
	for i, k := range cfg.Keys {
		hash := strings.ToLower(strings.TrimSpace(k.Hash))
		if len(hash) != 64 {
			return nil, fmt.Errorf("auth key %d (%s): hash must be a SHA-256 hex digest", i, k.ID)
		}
		if seen[hash] {
			return nil, fmt.Errorf("auth key %d (%s): duplicate hash", i, k.ID)
		}
		seen[hash] = true

		id := k.ID
		if id == "" {
			id = hash[:12]
		}
		s.keys = append(s.keys, staticKey{
			hash: []byte(hash),
			meta: KeyMetadata{ID: id, Name: k.Name, AllowedModels: slices.Clone(k.AllowedModels)},
		})
	}
	return s, nil
}

// Lookup compares the hash against every configured key in constant time.
func (s *StaticKeyStore) Lookup(_ context.Context, keyHash string) (*KeyMetadata, error) {
	candidate := []byte(strings.ToLower(keyHash))
	var found *KeyMetadata
	for i := range s.keys {
		if subtle.ConstantTimeCompare(s.keys[i].hash, candidate) == 1 {
			meta := s.keys[i].meta
			meta.AllowedModels = slices.Clone(meta.AllowedModels)
			found = &meta
		}
	}
	return found, nil
}

// Len returns the number of configured keys.
func (s *StaticKeyStore) Len() int { return len(s.keys) }

// SwappableStore forwards lookups to a StaticKeyStore that can be replaced
// when the configuration is reloaded.
type SwappableStore struct {
	cur atomic.Pointer[StaticKeyStore]
}

func NewSwappableStore(s *StaticKeyStore) *SwappableStore {
	sw := &SwappableStore{}
	sw.Store(s)
	return sw
}

// Store publishes next. A nil store rejects every key.
func (s *SwappableStore) Store(next *StaticKeyStore) {
	if next == nil {
		next = &StaticKeyStore{}
	}
	s.cur.Store(next)
}

func (s *SwappableStore) Lookup(ctx context.Context, keyHash string) (*KeyMetadata, error) {
	return s.cur.Load().Lookup(ctx, keyHash)
}

// Len returns the number of keys in the current store.
func (s *SwappableStore) Len() int { return s.cur.Load().Len() }
