package federation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"

	"fedtrust/pkg/signing"
	"fedtrust/pkg/storage"
	"fedtrust/pkg/types"
)

const (
	eventKeyPrefix = "event/"
	eventSeqPrefix = "eventseq/"
)

// canonicalEvent fixes the field order of the hashed serialization.
type canonicalEvent struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	Version   string `json:"version"`
	Reference string `json:"reference"`
	Origin    string `json:"origin"`
}

// ComputeEventHash hashes the canonical serialization of an event's
// timestamp, kind, version, reference and origin.
func ComputeEventHash(h signing.Hasher, e *types.Event) types.Hash {
	data, _ := json.Marshal(canonicalEvent{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Kind:      e.Kind,
		Version:   e.Version,
		Reference: e.Reference,
		Origin:    e.Origin,
	})
	return h.Hash(data)
}

// EventLog is the append-only local log of content-hashed events.
// Append is atomic and idempotent by event hash.
type EventLog struct {
	mu sync.RWMutex

	store  storage.Store
	hasher signing.Hasher
	now    func() time.Time

	// order keeps append order; index answers hash membership.
	events map[types.Hash]*types.Event
	order  []types.Hash
	index  *btree.BTreeG[types.Hash]
}

// NewEventLog loads the log from store.
func NewEventLog(store storage.Store, hasher signing.Hasher) (*EventLog, error) {
	if hasher == nil {
		hasher = signing.Blake3Hasher{}
	}

	l := &EventLog{
		store:  store,
		hasher: hasher,
		now:    time.Now,
		events: make(map[types.Hash]*types.Event),
		index:  btree.NewG[types.Hash](32, func(a, b types.Hash) bool { return a < b }),
	}

	// Sequence keys are zero-padded so prefix order is append order.
	err := store.Iterate([]byte(eventSeqPrefix), func(_, value []byte) error {
		hash := types.Hash(value)
		data, err := store.Get([]byte(eventKeyPrefix + string(hash)))
		if err != nil {
			return fmt.Errorf("failed to read event %s: %w", hash, err)
		}
		var e types.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("failed to decode event %s: %w", hash, err)
		}
		l.insertLocked(&e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load event log: %w", err)
	}

	return l, nil
}

// Emit builds, hashes and appends a local event.
func (l *EventLog) Emit(kind, version, reference, origin string, emittedBy types.NodeID) (*types.Event, error) {
	e := &types.Event{
		Timestamp: l.now().UTC(),
		Kind:      kind,
		Version:   version,
		Reference: reference,
		Origin:    origin,
		EmittedBy: emittedBy,
	}
	e.Hash = ComputeEventHash(l.hasher, e)

	if _, err := l.Append(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Append stores e unless its hash is already present. Returns whether the
// event was added.
func (l *EventLog) Append(e *types.Event) (bool, error) {
	if e == nil {
		return false, errors.New("event hash is required")
	}
	added, err := l.AppendAll([]types.Event{*e})
	if err != nil {
		return false, err
	}
	return len(added) == 1, nil
}

// AppendAll stores every event whose hash is not yet present in a single
// storage batch: either all of them land or none do. Returns the hashes
// that were added, in input order.
func (l *EventLog) AppendAll(events []types.Event) ([]types.Hash, error) {
	for i := range events {
		if events[i].Hash == "" {
			return nil, errors.New("event hash is required")
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		batch []storage.KeyValue
		fresh []types.Event
	)
	pending := make(map[types.Hash]struct{}, len(events))
	for _, e := range events {
		if l.index.Has(e.Hash) {
			continue
		}
		if _, dup := pending[e.Hash]; dup {
			continue
		}
		pending[e.Hash] = struct{}{}

		data, err := json.Marshal(&e)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
		seq := fmt.Sprintf("%s%020d", eventSeqPrefix, len(l.order)+len(fresh))
		batch = append(batch,
			storage.KeyValue{Key: []byte(eventKeyPrefix + string(e.Hash)), Value: data},
			storage.KeyValue{Key: []byte(seq), Value: []byte(e.Hash)},
		)
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	if err := l.store.WriteBatch(batch); err != nil {
		return nil, fmt.Errorf("failed to persist events: %w", err)
	}

	added := make([]types.Hash, 0, len(fresh))
	for i := range fresh {
		stored := fresh[i]
		l.insertLocked(&stored)
		added = append(added, stored.Hash)
	}
	return added, nil
}

// insertLocked must be called with the lock held.
func (l *EventLog) insertLocked(e *types.Event) {
	if _, exists := l.events[e.Hash]; exists {
		return
	}
	l.events[e.Hash] = e
	l.order = append(l.order, e.Hash)
	l.index.ReplaceOrInsert(e.Hash)
}

func (l *EventLog) Has(hash types.Hash) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index.Has(hash)
}

// Get returns a copy of the event with the given hash.
func (l *EventLog) Get(hash types.Hash) (*types.Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, exists := l.events[hash]
	if !exists {
		return nil, false
	}
	c := *e
	return &c, true
}

func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Events returns copies of all events in append order.
func (l *EventLog) Events() []types.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events := make([]types.Event, 0, len(l.order))
	for _, h := range l.order {
		events = append(events, *l.events[h])
	}
	return events
}

// ByReference returns the hashes of local events carrying the reference.
func (l *EventLog) ByReference(reference string) []types.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var hashes []types.Hash
	for _, h := range l.order {
		if l.events[h].Reference == reference {
			hashes = append(hashes, h)
		}
	}
	return hashes
}

// Diff returns the remote events whose hashes are absent locally
// (remoteHashes - localHashes), first occurrence only, in remote order.
// Membership is answered by the hash index.
func (l *EventLog) Diff(remote []types.Event) []types.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[types.Hash]struct{}, len(remote))
	var missing []types.Event
	for _, e := range remote {
		if l.index.Has(e.Hash) {
			continue
		}
		if _, dup := seen[e.Hash]; dup {
			continue
		}
		seen[e.Hash] = struct{}{}
		missing = append(missing, e)
	}
	return missing
}

// Verify reports whether the event's claimed hash matches its content.
func (l *EventLog) Verify(e *types.Event) bool {
	return ComputeEventHash(l.hasher, e) == e.Hash
}
