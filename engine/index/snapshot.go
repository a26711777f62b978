package index

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/dgraph-io/badger/v4"
)

// SnapshotSchemaVersion is bumped whenever the snapshot payload changes shape.
const SnapshotSchemaVersion = "1"

const (
	keyPrefixSnap   = "index:snap:"
	keySuffixData   = ":data"
	keySuffixMeta   = ":meta"
	keyLatestSnap   = "index:latest"
	defaultListSize = 20
)

// SnapshotMeta describes one persisted index.
type SnapshotMeta struct {
	ID             string    `json:"id"`
	BuiltAt        time.Time `json:"built_at"`
	SavedAt        time.Time `json:"saved_at"`
	SchemaVersion  string    `json:"schema_version"`
	Stats          Stats     `json:"stats"`
	CompressedSize int64     `json:"compressed_size"`
}

// snapshot is the serialized form of an Index. Vehicles are a slice so the
// first-ingested key order survives the round trip.
type snapshot struct {
	Version  string                           `json:"version"`
	BuiltAt  time.Time                        `json:"built_at"`
	Records  int                              `json:"records"`
	Vehicles []vehicleEntry                   `json:"vehicles"`
	Catalog  map[string][]domain.TyreOffering `json:"catalog"`
	Specs    map[string]domain.TyreSpec       `json:"specs"`
}

type vehicleEntry struct {
	Key   domain.VehicleKey    `json:"key"`
	Specs []domain.VehicleSpec `json:"specs"`
}

func (i *Index) toSnapshot() snapshot {
	s := snapshot{
		Version:  i.version,
		BuiltAt:  i.builtAt,
		Records:  i.records,
		Vehicles: make([]vehicleEntry, 0, len(i.keyOrder)),
		Catalog:  i.catalog,
		Specs:    i.specs,
	}
	for _, key := range i.keyOrder {
		s.Vehicles = append(s.Vehicles, vehicleEntry{Key: key, Specs: i.vehicles[key]})
	}
	return s
}

func fromSnapshot(s snapshot) (*Index, error) {
	idx := &Index{
		version:  s.Version,
		builtAt:  s.BuiltAt,
		records:  s.Records,
		vehicles: make(map[domain.VehicleKey][]domain.VehicleSpec, len(s.Vehicles)),
		catalog:  s.Catalog,
		specs:    s.Specs,
	}
	if idx.catalog == nil {
		idx.catalog = make(map[string][]domain.TyreOffering)
	}
	if idx.specs == nil {
		idx.specs = make(map[string]domain.TyreSpec)
	}
	for _, e := range s.Vehicles {
		if len(e.Specs) == 0 {
			return nil, fmt.Errorf("index: snapshot %s: key %s has no specs", s.Version, e.Key)
		}
		if _, dup := idx.vehicles[e.Key]; dup {
			return nil, fmt.Errorf("index: snapshot %s: duplicate key %s", s.Version, e.Key)
		}
		idx.keyOrder = append(idx.keyOrder, e.Key)
		idx.vehicles[e.Key] = e.Specs
	}
	for size, offs := range idx.catalog {
		if _, ok := idx.specs[size]; !ok {
			return nil, fmt.Errorf("index: snapshot %s: offerings for unknown size %q", s.Version, size)
		}
		if !slices.IsSortedFunc(offs, func(x, y domain.TyreOffering) int { return x.Price.Cmp(y.Price) }) {
			return nil, fmt.Errorf("index: snapshot %s: offerings for %q not price sorted", s.Version, size)
		}
	}
	idx.buildSecondary()
	return idx, nil
}

// SnapshotStore persists finalized indices in BadgerDB so a server can start
// without re-reading the source catalogue. Each save writes the compressed
// payload, its metadata and the latest pointer in one transaction.
type SnapshotStore struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSnapshotStore wraps an open BadgerDB.
func NewSnapshotStore(db *badger.DB, logger *slog.Logger) (*SnapshotStore, error) {
	if db == nil {
		return nil, errors.New("index: badger db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotStore{db: db, logger: logger, now: time.Now}, nil
}

// OpenSnapshotStore opens (or creates) a BadgerDB at dir. The caller closes
// the returned DB.
func OpenSnapshotStore(dir string, logger *slog.Logger) (*SnapshotStore, *badger.DB, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, nil, fmt.Errorf("index: open snapshot db %s: %w", dir, err)
	}
	s, err := NewSnapshotStore(db, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, db, nil
}

// Save persists idx and makes it the latest snapshot.
func (s *SnapshotStore) Save(ctx context.Context, idx *Index) (*SnapshotMeta, error) {
	if idx == nil {
		return nil, errors.New("index: nil index")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(idx.toSnapshot())
	if err != nil {
		return nil, fmt.Errorf("index: marshal snapshot: %w", err)
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, fmt.Errorf("index: compress snapshot: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("index: compress snapshot: %w", err)
	}

	meta := &SnapshotMeta{
		ID:             idx.Version(),
		BuiltAt:        idx.BuiltAt(),
		SavedAt:        s.now().UTC(),
		SchemaVersion:  SnapshotSchemaVersion,
		Stats:          idx.Stats(),
		CompressedSize: int64(buf.Len()),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("index: marshal snapshot meta: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(dataKey(meta.ID), buf.Bytes()); err != nil {
			return fmt.Errorf("storing data: %w", err)
		}
		if err := txn.Set(metaKey(meta.ID), metaJSON); err != nil {
			return fmt.Errorf("storing metadata: %w", err)
		}
		if err := txn.Set([]byte(keyLatestSnap), []byte(meta.ID)); err != nil {
			return fmt.Errorf("updating latest pointer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index: write snapshot: %w", err)
	}

	s.logger.Info("index snapshot saved",
		slog.String("id", meta.ID),
		slog.Int("vehicles", meta.Stats.Vehicles),
		slog.Int("offerings", meta.Stats.Offerings),
		slog.Int64("compressed_size", meta.CompressedSize),
	)
	return meta, nil
}

// Latest loads the most recently saved index. It returns domain.ErrNoIndex
// when nothing has been saved.
func (s *SnapshotStore) Latest(ctx context.Context) (*Index, *SnapshotMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyLatestSnap))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, fmt.Errorf("index: latest snapshot: %w", domain.ErrNoIndex)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("index: read latest pointer: %w", err)
	}
	return s.Load(ctx, id)
}

// Load reads the snapshot with the given id.
func (s *SnapshotStore) Load(ctx context.Context, id string) (*Index, *SnapshotMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	var data []byte
	var meta SnapshotMeta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(id))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &meta) }); err != nil {
			return fmt.Errorf("decoding metadata: %w", err)
		}
		item, err = txn.Get(dataKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, fmt.Errorf("index: snapshot %s: %w", id, domain.ErrNoIndex)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("index: read snapshot %s: %w", id, err)
	}
	if meta.SchemaVersion != SnapshotSchemaVersion {
		return nil, nil, &domain.SchemaError{
			Source: "index snapshot " + id,
			Detail: fmt.Sprintf("schema version %q, want %q", meta.SchemaVersion, SnapshotSchemaVersion),
		}
	}

	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("index: decompress snapshot %s: %w", id, err)
	}
	defer gr.Close()
	raw, err := io.ReadAll(gr)
	if err != nil {
		return nil, nil, fmt.Errorf("index: decompress snapshot %s: %w", id, err)
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, nil, fmt.Errorf("index: decode snapshot %s: %w", id, err)
	}
	idx, err := fromSnapshot(snap)
	if err != nil {
		return nil, nil, err
	}
	return idx, &meta, nil
}

// List returns snapshot metadata, newest first.
func (s *SnapshotStore) List(ctx context.Context, limit int) ([]SnapshotMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListSize
	}
	var out []SnapshotMeta
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixSnap)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if !strings.HasSuffix(string(item.Key()), keySuffixMeta) {
				continue
			}
			var meta SnapshotMeta
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &meta) }); err != nil {
				s.logger.Warn("skipping corrupt snapshot metadata", slog.String("key", string(item.Key())), slog.Any("error", err))
				continue
			}
			out = append(out, meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index: list snapshots: %w", err)
	}
	slices.SortFunc(out, func(a, b SnapshotMeta) int { return b.SavedAt.Compare(a.SavedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func dataKey(id string) []byte { return []byte(keyPrefixSnap + id + keySuffixData) }
func metaKey(id string) []byte { return []byte(keyPrefixSnap + id + keySuffixMeta) }
