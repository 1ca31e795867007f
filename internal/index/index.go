// Package index implements the dataset's secondary indexes: scalar and
// bitmap indexes for equality filters, an inverted full-text index with
// BM25 ranking, and IVF_FLAT / IVF_PQ vector indexes. Index payloads are
// serialized under _indexes/ in the dataset root; an index is only
// served when its state is ready and it was built at the version being
// queried, otherwise callers fall back to scanning.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/contextframe/contextframe/internal/objstore"
	"github.com/contextframe/contextframe/pkg/cferrs"
)

// Kind labels an index flavor.
type Kind string

const (
	KindScalar   Kind = "scalar"
	KindBitmap   Kind = "bitmap"
	KindFullText Kind = "fulltext"
	KindIVFFlat  Kind = "ivf_flat"
	KindIVFPQ    Kind = "ivf_pq"
)

// States of an index descriptor. A building index is never served.
const (
	StateBuilding = "building"
	StateReady    = "ready"
)

// Meta describes one index without its payload.
type Meta struct {
	Column         string    `json:"column"`
	Kind           Kind      `json:"kind"`
	State          string    `json:"state"`
	BuiltAtVersion uint64    `json:"built_at_version"`
	Params         IVFParams `json:"params,omitempty"`
}

// Descriptor is the serialized form: metadata plus a kind-specific
// payload.
type Descriptor struct {
	Meta
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Fresh reports whether the index may serve queries at version v.
func (m Meta) Fresh(v uint64) bool {
	return m.State == StateReady && m.BuiltAtVersion == v
}

const indexPrefix = "_indexes/"

func key(column string, kind Kind) string {
	return fmt.Sprintf("%s%s.%s.json", indexPrefix, column, kind)
}

// Store persists index descriptors in the dataset root.
type Store struct {
	obj objstore.Store
}

// NewStore wraps an object store.
func NewStore(obj objstore.Store) *Store {
	return &Store{obj: obj}
}

// Save writes a descriptor, replacing any prior build for the same
// column and kind. The replace is atomic at the object level, so readers
// use the previous index until the new one is installed.
func (s *Store) Save(ctx context.Context, desc *Descriptor) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return cferrs.Wrap(cferrs.CodeStorage, false, err)
	}
	return s.obj.Put(ctx, key(desc.Column, desc.Kind), data)
}

// Load reads one descriptor. Missing indexes surface E_INDEX_UNAVAILABLE.
func (s *Store) Load(ctx context.Context, column string, kind Kind) (*Descriptor, error) {
	data, err := s.obj.Get(ctx, key(column, kind))
	if err != nil {
		if cferrs.IsCode(err, cferrs.CodeNotFound) {
			return nil, cferrs.New(cferrs.CodeIndexUnavailable, false,
				"no %s index on %s", kind, column)
		}
		return nil, err
	}
	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, cferrs.Wrap(cferrs.CodeCorruptData, false, err)
	}
	return &desc, nil
}

// List returns metadata for every persisted index.
func (s *Store) List(ctx context.Context) ([]Meta, error) {
	keys, err := s.obj.List(ctx, indexPrefix)
	if err != nil {
		return nil, err
	}
	var metas []Meta
	for _, k := range keys {
		name := strings.TrimSuffix(strings.TrimPrefix(k, indexPrefix), ".json")
		dot := strings.LastIndex(name, ".")
		if dot < 0 {
			continue
		}
		desc, err := s.Load(ctx, name[:dot], Kind(name[dot+1:]))
		if err != nil {
			return nil, err
		}
		metas = append(metas, desc.Meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Column != metas[j].Column {
			return metas[i].Column < metas[j].Column
		}
		return metas[i].Kind < metas[j].Kind
	})
	return metas, nil
}

// Drop removes an index.
func (s *Store) Drop(ctx context.Context, column string, kind Kind) error {
	return s.obj.Delete(ctx, key(column, kind))
}

// Slots serializes index builds: one in-flight build per column. Readers
// are never blocked; they keep serving the previously installed index.
type Slots struct {
	mu       sync.Mutex
	building map[string]bool
}

// NewSlots creates the per-column builder slots.
func NewSlots() *Slots {
	return &Slots{building: map[string]bool{}}
}

// Acquire claims the build slot for a column.
func (s *Slots) Acquire(column string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.building[column] {
		return cferrs.New(cferrs.CodeResourceExhausted, true,
			"an index build for column %s is already in flight", column)
	}
	s.building[column] = true
	return nil
}

// Release frees the build slot.
func (s *Slots) Release(column string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.building, column)
}
