package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"

	"FleetGuard/internal/attest"
	"FleetGuard/internal/storage"
)

// ErrNotFound is returned when no checkpoint exists for a round.
var ErrNotFound = errors.New("checkpoint not found")

// prefixCheckpoint is the storage key prefix of checkpoint records.
var prefixCheckpoint = []byte("c:")

// Store keeps checkpoints in a storage.Storage keyed by round.
type Store struct {
	db        *storage.Storage
	key       *attest.KeyPair
	publicKey []byte
}

// NewStore creates a checkpoint store. Records are signed with key and
// verified against its public key; a nil key stores unsigned records.
func NewStore(db *storage.Storage, key *attest.KeyPair) *Store {
	s := &Store{db: db, key: key}
	if key != nil {
		s.publicKey = key.PublicKey()
	}

	return s
}

// PublicKey returns the key checkpoints are verified against, or nil.
func (s *Store) PublicKey() []byte {
	return s.publicKey
}

// Save encodes and stores a record, replacing any record of the same round.
func (s *Store) Save(r Record) error {
	data, err := Encode(r, s.key)
	if err != nil {
		return fmt.Errorf("encode round %d:\n%w", r.Round, err)
	}

	if err := s.db.Set(roundKey(r.Round), data); err != nil {
		return fmt.Errorf("store round %d:\n%w", r.Round, err)
	}

	return nil
}

// Load returns the checkpoint of one round.
func (s *Store) Load(round uint64) (Record, error) {
	data, err := s.db.Get(roundKey(round))
	if err != nil {
		return Record{}, fmt.Errorf("read round %d:\n%w", round, err)
	}

	if data == nil {
		return Record{}, fmt.Errorf("round %d: %w", round, ErrNotFound)
	}

	return Decode(data, s.publicKey)
}

// Latest returns the checkpoint with the highest round.
// The boolean is false when the store is empty.
func (s *Store) Latest() (Record, bool, error) {
	key, data, err := s.db.LastWithPrefix(prefixCheckpoint)
	if err != nil {
		return Record{}, false, fmt.Errorf("find latest checkpoint:\n%w", err)
	}

	if key == nil {
		return Record{}, false, nil
	}

	r, err := Decode(data, s.publicKey)
	if err != nil {
		return Record{}, false, err
	}

	return r, true, nil
}

// Rounds returns the rounds that have a checkpoint, ascending.
func (s *Store) Rounds() ([]uint64, error) {
	var rounds []uint64

	err := s.db.IteratePrefix(prefixCheckpoint, func(key, _ []byte) error {
		round, ok := parseRoundKey(key)
		if !ok {
			return fmt.Errorf("invalid checkpoint key %x", key)
		}

		rounds = append(rounds, round)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints:\n%w", err)
	}

	return rounds, nil
}

// Prune removes all but the newest keep checkpoints and returns how many
// were removed.
func (s *Store) Prune(keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative, got %d", keep)
	}

	rounds, err := s.Rounds()
	if err != nil {
		return 0, err
	}

	excess := len(rounds) - keep
	if excess <= 0 {
		return 0, nil
	}

	// rounds are ascending; drop [first, first kept)
	end := storage.PrefixEnd(prefixCheckpoint)
	if keep > 0 {
		end = roundKey(rounds[excess])
	}

	if err := s.db.DeleteRange(roundKey(rounds[0]), end); err != nil {
		return 0, fmt.Errorf("prune checkpoints:\n%w", err)
	}

	return excess, nil
}

// Clear removes every checkpoint and returns how many were removed.
func (s *Store) Clear() (int, error) {
	return s.Prune(0)
}

// roundKey builds the storage key of a round: prefix + big-endian round,
// so key order matches round order.
func roundKey(round uint64) []byte {
	key := make([]byte, len(prefixCheckpoint)+8)
	copy(key, prefixCheckpoint)
	binary.BigEndian.PutUint64(key[len(prefixCheckpoint):], round)

	return key
}

func parseRoundKey(key []byte) (uint64, bool) {
	if len(key) != len(prefixCheckpoint)+8 {
		return 0, false
	}

	return binary.BigEndian.Uint64(key[len(prefixCheckpoint):]), true
}
