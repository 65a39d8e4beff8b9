package crosssign

import (
	"encoding/json"
	"fmt"

	"fedtrust/pkg/storage"
	"fedtrust/pkg/types"
)

const anchorKeyPrefix = "anchor/"

// AnchorStore persists anchors with their signature history.
type AnchorStore interface {
	SaveAnchor(anchor *types.Anchor) error
	LoadAnchors() ([]*types.Anchor, error)
}

// KVAnchorStore keeps one JSON record per anchor in a storage.Store.
type KVAnchorStore struct {
	store storage.Store
}

func NewKVAnchorStore(store storage.Store) *KVAnchorStore {
	return &KVAnchorStore{store: store}
}

func (s *KVAnchorStore) SaveAnchor(anchor *types.Anchor) error {
	data, err := json.Marshal(anchor)
	if err != nil {
		return fmt.Errorf("failed to encode anchor: %w", err)
	}
	return s.store.Put([]byte(anchorKeyPrefix+string(anchor.AnchorHash)), data)
}

func (s *KVAnchorStore) LoadAnchors() ([]*types.Anchor, error) {
	var anchors []*types.Anchor
	err := s.store.Iterate([]byte(anchorKeyPrefix), func(key, value []byte) error {
		var anchor types.Anchor
		if err := json.Unmarshal(value, &anchor); err != nil {
			return fmt.Errorf("failed to decode %s: %w", key, err)
		}
		anchors = append(anchors, &anchor)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return anchors, nil
}
