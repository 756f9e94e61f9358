package trust

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("dx-trust")

var (
	// ErrCorruptStore indicates the on-disk store failed structural or
	// checksum validation.
	ErrCorruptStore = errors.New("trust store corrupt")
	// ErrPolicyViolation indicates a level change that the transition
	// ladder forbids.
	ErrPolicyViolation = errors.New("trust level transition not permitted")
	// ErrUnknownPeer indicates an operation on a peer with no record.
	ErrUnknownPeer = errors.New("peer not in trust store")
)

const (
	maxIdentityLen = 128
	maxLabelLen    = 256
)

// Record is one trust entry. FirstSeen and LastUpdated are unix
// milliseconds; FirstSeen is set once and never changes afterwards.
type Record struct {
	Identity    peer.ID `json:"identity"`
	Level       Level   `json:"level"`
	Label       string  `json:"label,omitempty"`
	FirstSeen   int64   `json:"first_seen"`
	LastUpdated int64   `json:"last_updated"`
}

// Store is the persistent trust registry. All reads are served from an
// in-memory cache; every mutation holds an exclusive file lock, applies
// the change, and rewrites the store file atomically before returning.
type Store struct {
	mu      sync.RWMutex
	path    string
	records map[peer.ID]Record
	now     func() time.Time
}

// Load opens the store at path. A missing file yields an empty store;
// any parse or checksum failure yields ErrCorruptStore.
func Load(path string) (*Store, error) {
	records, err := readStoreFile(path)
	if err != nil {
		return nil, err
	}
	return &Store{
		path:    path,
		records: records,
		now:     time.Now,
	}, nil
}

// Lookup returns the record for id. Peers never seen before get a
// synthesized Unknown record; ok reports whether a stored record exists.
func (s *Store) Lookup(id peer.ID) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{Identity: id, Level: Unknown}, false
	}
	return rec, true
}

// IsAdmitted reports whether id may participate in status exchanges.
func (s *Store) IsAdmitted(id peer.ID) bool {
	rec, _ := s.Lookup(id)
	return rec.Level.Admitted()
}

// Records returns all stored records sorted by identity.
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity < out[j].Identity
	})
	return out
}

// Upsert creates or updates the record for id at the given level. The
// move must be legal under the transition ladder; in particular a
// revoked peer can never be re-admitted. An empty label keeps the
// record's existing label; use Relabel to clear one.
func (s *Store) Upsert(id peer.ID, level Level, label string) error {
	if err := validateIdentity(id); err != nil {
		return err
	}
	if len(label) > maxLabelLen {
		return fmt.Errorf("label exceeds %d bytes", maxLabelLen)
	}
	if !level.valid() {
		return fmt.Errorf("%w: invalid level %d", ErrPolicyViolation, level)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutateLocked(func(records map[peer.ID]Record) error {
		now := s.now().UnixMilli()
		prev, ok := records[id]
		if !ok {
			prev = Record{Identity: id, Level: Unknown, FirstSeen: now}
		}
		if !CanTransition(prev.Level, level) {
			return fmt.Errorf("%w: %s -> %s for %s",
				ErrPolicyViolation, prev.Level, level, id)
		}
		prev.Level = level
		if label != "" {
			prev.Label = label
		}
		prev.LastUpdated = now
		records[id] = prev
		return nil
	})
}

// Relabel replaces the label of an existing record. An empty label
// clears it.
func (s *Store) Relabel(id peer.ID, label string) error {
	if len(label) > maxLabelLen {
		return fmt.Errorf("label exceeds %d bytes", maxLabelLen)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutateLocked(func(records map[peer.ID]Record) error {
		prev, ok := records[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
		}
		prev.Label = label
		prev.LastUpdated = s.now().UnixMilli()
		records[id] = prev
		return nil
	})
}

// SetLevel changes the level of an existing record.
func (s *Store) SetLevel(id peer.ID, level Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutateLocked(func(records map[peer.ID]Record) error {
		prev, ok := records[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
		}
		if !CanTransition(prev.Level, level) {
			return fmt.Errorf("%w: %s -> %s for %s",
				ErrPolicyViolation, prev.Level, level, id)
		}
		prev.Level = level
		prev.LastUpdated = s.now().UnixMilli()
		records[id] = prev
		return nil
	})
}

// Revoke moves id to Revoked. Revocation is terminal: the record stays in
// the store so the peer can never be silently re-added, and revoking an
// already-revoked peer is a no-op.
func (s *Store) Revoke(id peer.ID) error {
	if err := validateIdentity(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutateLocked(func(records map[peer.ID]Record) error {
		now := s.now().UnixMilli()
		prev, ok := records[id]
		if !ok {
			prev = Record{Identity: id, Level: Unknown, FirstSeen: now}
		}
		if prev.Level == Revoked {
			return nil
		}
		prev.Level = Revoked
		prev.LastUpdated = now
		records[id] = prev
		return nil
	})
}

// mutateLocked reloads the store file under an exclusive lock, applies fn
// to the fresh records, and rewrites the file. The in-memory cache is
// replaced only after the rewrite succeeds, so readers never observe a
// state that was not durably stored. Callers hold s.mu.
func (s *Store) mutateLocked(fn func(map[peer.ID]Record) error) error {
	unlock, err := lockStoreDir(s.path)
	if err != nil {
		return fmt.Errorf("locking trust store: %w", err)
	}
	defer unlock.Close()

	records, err := readStoreFile(s.path)
	if err != nil {
		return err
	}
	if err := fn(records); err != nil {
		return err
	}
	if err := writeStoreFile(s.path, records); err != nil {
		return fmt.Errorf("writing trust store: %w", err)
	}
	s.records = records
	log.Debugf("trust store rewritten, %d records", len(records))
	return nil
}

func validateIdentity(id peer.ID) error {
	if len(id) == 0 {
		return errors.New("empty peer identity")
	}
	if len(id) > maxIdentityLen {
		return fmt.Errorf("peer identity exceeds %d bytes", maxIdentityLen)
	}
	return nil
}
