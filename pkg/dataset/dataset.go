// Package dataset is the engine facade over a ContextFrame dataset: a
// versioned, fragment-based columnar table with vector, full-text and
// scalar indexes, collection/relationship structure and a safe query
// layer. A Dataset handle is safe for concurrent reads; writes from one
// handle serialize, and writers across handles are serialized by the
// storage layer's conditional manifest commit.
package dataset

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/contextframe/contextframe/internal/index"
	"github.com/contextframe/contextframe/internal/manifest"
	"github.com/contextframe/contextframe/internal/objstore"
	"github.com/contextframe/contextframe/pkg/cferrs"
	"github.com/contextframe/contextframe/pkg/frame"
)

// CreateMode selects behavior when the target URI already holds data.
type CreateMode string

const (
	ModeCreate    CreateMode = "create"
	ModeOverwrite CreateMode = "overwrite"
)

// Options configures a dataset handle.
type Options struct {
	Logger *zap.Logger
	// MaxOpenBlobStreams caps concurrently open blob readers; exceeding
	// it surfaces E_RESOURCE_EXHAUSTED. Default 64.
	MaxOpenBlobStreams int64
	// NProbe overrides the vector-index probe count for queries.
	NProbe int
}

// DefaultOptions returns the defaults applied to zero-valued fields.
func DefaultOptions() Options {
	return Options{
		Logger:             zap.NewNop(),
		MaxOpenBlobStreams: 64,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Logger == nil {
		o.Logger = def.Logger
	}
	if o.MaxOpenBlobStreams <= 0 {
		o.MaxOpenBlobStreams = def.MaxOpenBlobStreams
	}
	return o
}

// Dataset is an open handle on one dataset URI.
type Dataset struct {
	uri  string
	log  *zap.Logger
	opts Options

	obj       objstore.Store
	manifests *manifest.Store
	indexes   *index.Store
	slots     *index.Slots

	schema *frame.Schema

	mu     sync.RWMutex
	head   *manifest.Manifest
	pinned bool

	writeMu sync.Mutex

	blobSem *semaphore.Weighted

	idxMu    sync.Mutex
	idxCache map[string]*index.Descriptor

	uuidMu      sync.Mutex
	uuidVersion uint64
	uuidSet     map[string]bool
}

// Create initializes a dataset at uri with the given vector dimension.
// ModeCreate fails when the URI already holds a dataset; ModeOverwrite
// starts a fresh logical table as a new version, leaving prior versions
// readable until vacuumed. The initial (empty) snapshot is itself a
// version, so the first append lands at version 2.
func Create(ctx context.Context, uri string, embedDim int, mode CreateMode, opts Options) (*Dataset, error) {
	if embedDim <= 0 {
		return nil, cferrs.New(cferrs.CodeValidation, false, "embed dimension must be positive, got %d", embedDim)
	}
	obj, err := objstore.Open(uri)
	if err != nil {
		return nil, err
	}
	manifests := manifest.NewStore(obj)

	versions, err := manifests.Versions(ctx)
	if err != nil {
		return nil, err
	}
	var m *manifest.Manifest
	switch {
	case len(versions) == 0:
		m = &manifest.Manifest{Version: 1, CreatedAt: nowUTC(), EmbedDim: embedDim}
	case mode == ModeCreate:
		return nil, cferrs.New(cferrs.CodeVersionConflict, false, "dataset already exists at %s", uri)
	default:
		prev, err := manifests.Load(ctx, versions[len(versions)-1])
		if err != nil {
			return nil, err
		}
		m = prev.Next(nil)
		m.EmbedDim = embedDim
	}
	if err := manifests.Commit(ctx, m); err != nil {
		return nil, err
	}
	ds := newDataset(uri, obj, m, opts)
	ds.log.Info("dataset created",
		zap.String("uri", uri),
		zap.Uint64("version", m.Version),
		zap.Int("embed_dim", embedDim))
	return ds, nil
}

// Open opens an existing dataset at its latest version.
func Open(ctx context.Context, uri string, opts Options) (*Dataset, error) {
	obj, err := objstore.Open(uri)
	if err != nil {
		return nil, err
	}
	head, err := manifest.NewStore(obj).Head(ctx)
	if err != nil {
		return nil, err
	}
	return newDataset(uri, obj, head, opts), nil
}

// OpenAt opens an existing dataset pinned to a prior version. Pinned
// handles reject writes until CheckoutLatest.
func OpenAt(ctx context.Context, uri string, version uint64, opts Options) (*Dataset, error) {
	obj, err := objstore.Open(uri)
	if err != nil {
		return nil, err
	}
	m, err := manifest.NewStore(obj).Load(ctx, version)
	if err != nil {
		return nil, err
	}
	ds := newDataset(uri, obj, m, opts)
	ds.pinned = true
	return ds, nil
}

func newDataset(uri string, obj objstore.Store, head *manifest.Manifest, opts Options) *Dataset {
	opts = opts.withDefaults()
	return &Dataset{
		uri:       uri,
		log:       opts.Logger,
		opts:      opts,
		obj:       obj,
		manifests: manifest.NewStore(obj),
		indexes:   index.NewStore(obj),
		slots:     index.NewSlots(),
		schema:    frame.NewSchema(head.EmbedDim),
		head:      head,
		blobSem:   semaphore.NewWeighted(opts.MaxOpenBlobStreams),
		idxCache:  map[string]*index.Descriptor{},
	}
}

// URI returns the dataset location.
func (ds *Dataset) URI() string { return ds.uri }

// Schema returns the fixed schema with this dataset's vector dimension.
func (ds *Dataset) Schema() *frame.Schema { return ds.schema }

// EmbedDim returns the dataset-wide vector dimension.
func (ds *Dataset) EmbedDim() int { return ds.schema.EmbedDim }

// CurrentVersion returns the version this handle currently sees. Change
// subscribers poll this and diff row uuids between versions.
func (ds *Dataset) CurrentVersion() uint64 {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.head.Version
}

// Pinned reports whether the handle is checked out at a historical
// version.
func (ds *Dataset) Pinned() bool {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.pinned
}

// Refresh reloads the head manifest, moving an unpinned handle to the
// latest version.
func (ds *Dataset) Refresh(ctx context.Context) error {
	head, err := ds.manifests.Head(ctx)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.pinned {
		return nil
	}
	ds.head = head
	return nil
}

// Close releases the handle. The underlying stores are stateless; Close
// exists so the handle cache has an explicit teardown point.
func (ds *Dataset) Close() error { return nil }

func (ds *Dataset) snapshot() *manifest.Manifest {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.head
}

// uuids returns the live uuid set at the handle's current version,
// cached per version.
func (ds *Dataset) uuids(ctx context.Context) (map[string]bool, error) {
	head := ds.snapshot()
	ds.uuidMu.Lock()
	if ds.uuidVersion == head.Version && ds.uuidSet != nil {
		set := ds.uuidSet
		ds.uuidMu.Unlock()
		return set, nil
	}
	ds.uuidMu.Unlock()

	set := map[string]bool{}
	for _, ref := range head.Fragments {
		recs, err := ds.readFragment(ctx, ref)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			set[rec.UUID] = true
		}
	}
	ds.uuidMu.Lock()
	ds.uuidVersion = head.Version
	ds.uuidSet = set
	ds.uuidMu.Unlock()
	return set, nil
}
