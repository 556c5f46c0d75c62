package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// LoadNonces returns the last accepted request nonce of every caller
func (s *PebbleStore) LoadNonces() (map[common.Address]uint64, error) {
	out := make(map[common.Address]uint64)
	err := s.scan(prefixNonce, func(key, val []byte) error {
		if len(key) != len(prefixNonce)+common.AddressLength || len(val) != 8 {
			return fmt.Errorf("malformed nonce record %q", key)
		}
		out[common.BytesToAddress(key[len(prefixNonce):])] = binary.BigEndian.Uint64(val)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveNonce records caller's latest nonce
func (s *PebbleStore) SaveNonce(caller common.Address, nonce uint64) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, nonce)
	if err := s.db.Set(nonceKey(caller), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save nonce for %s: %w", caller.Hex(), err)
	}
	return nil
}

func (s *InMemoryStore) LoadNonces() (map[common.Address]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[common.Address]uint64, len(s.nonces))
	for k, v := range s.nonces {
		out[k] = v
	}
	return out, nil
}

func (s *InMemoryStore) SaveNonce(caller common.Address, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[caller] = nonce
	return nil
}
