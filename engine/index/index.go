package index

import (
	"iter"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/shopspring/decimal"
)

// Index is the finalized, read-only lookup structure. All accessors return
// copies of the top-level slices; the offerings' Features slices are shared
// and must be treated as read-only.
type Index struct {
	version  string
	builtAt  time.Time
	vehicles map[domain.VehicleKey][]domain.VehicleSpec
	keyOrder []domain.VehicleKey
	catalog  map[string][]domain.TyreOffering
	specs    map[string]domain.TyreSpec
	records  int

	brands     map[string][]domain.TyreOffering // folded brand -> offerings, catalogue order
	brandNames map[string]string                // folded brand -> display name
	makes      map[string]string                // folded make -> display name
	models     map[string][]string              // folded make -> display models, sorted
	byModel    map[string][]domain.VehicleKey   // folded "make|model" -> keys, ingest order
	stats      Stats
}

// Stats summarizes an index.
type Stats struct {
	Records   int             `json:"records"`
	Vehicles  int             `json:"vehicles"`
	Ambiguous int             `json:"ambiguous_keys"`
	Sizes     int             `json:"sizes"`
	Brands    int             `json:"brands"`
	Offerings int             `json:"offerings"`
	MinPrice  decimal.Decimal `json:"min_price"`
	MaxPrice  decimal.Decimal `json:"max_price"`
}

// buildSecondary derives the brand, make and model indices and the stats in
// a single pass over the sorted catalogue and the vehicle index.
func (i *Index) buildSecondary() {
	i.brands = make(map[string][]domain.TyreOffering)
	i.brandNames = make(map[string]string)
	i.makes = make(map[string]string)
	i.models = make(map[string][]string)
	i.byModel = make(map[string][]domain.VehicleKey)

	st := Stats{Records: i.records, Vehicles: len(i.vehicles), Sizes: len(i.specs)}
	first := true
	for _, size := range slices.Sorted(maps.Keys(i.catalog)) {
		for _, off := range i.catalog[size] {
			b := domain.FoldText(off.Brand)
			if _, ok := i.brandNames[b]; !ok {
				i.brandNames[b] = off.Brand
			}
			i.brands[b] = append(i.brands[b], off)
			st.Offerings++
			if first || off.Price.LessThan(st.MinPrice) {
				st.MinPrice = off.Price
			}
			if first || off.Price.GreaterThan(st.MaxPrice) {
				st.MaxPrice = off.Price
			}
			first = false
		}
	}
	st.Brands = len(i.brands)

	seenModel := make(map[string]bool)
	for _, key := range i.keyOrder {
		specs := i.vehicles[key]
		if len(specs) > 1 {
			st.Ambiguous++
		}
		s := specs[0]
		if _, ok := i.makes[key.Make]; !ok {
			i.makes[key.Make] = s.Make
		}
		mk := key.Make + "|" + key.Model
		if !seenModel[mk] {
			seenModel[mk] = true
			i.models[key.Make] = append(i.models[key.Make], s.Model)
		}
		i.byModel[mk] = append(i.byModel[mk], key)
	}
	for mk := range i.models {
		slices.Sort(i.models[mk])
	}
	i.stats = st
}

// Version identifies this build.
func (i *Index) Version() string { return i.version }

// BuiltAt is when Finalize ran.
func (i *Index) BuiltAt() time.Time { return i.builtAt }

// Stats returns summary counts.
func (i *Index) Stats() Stats { return i.stats }

// Lookup returns every spec recorded under key, or nil when the key is
// absent. A present key always has at least one spec.
func (i *Index) Lookup(key domain.VehicleKey) []domain.VehicleSpec {
	return slices.Clone(i.vehicles[key])
}

// Contains reports whether key is indexed.
func (i *Index) Contains(key domain.VehicleKey) bool {
	_, ok := i.vehicles[key]
	return ok
}

// Offerings returns the price-sorted offerings for a size given in any
// accepted notation. Unknown or unparseable sizes yield nil.
func (i *Index) Offerings(size string) []domain.TyreOffering {
	canonical, err := domain.CanonicalTyreSize(size)
	if err != nil {
		return nil
	}
	return slices.Clone(i.catalog[canonical])
}

// Spec returns the decomposed TyreSpec for a size.
func (i *Index) Spec(size string) (domain.TyreSpec, bool) {
	canonical, err := domain.CanonicalTyreSize(size)
	if err != nil {
		return domain.TyreSpec{}, false
	}
	s, ok := i.specs[canonical]
	return s, ok
}

// ByBrand returns every offering of a brand (case-insensitive), grouped by
// size and price-sorted within a size.
func (i *Index) ByBrand(brand string) []domain.TyreOffering {
	return slices.Clone(i.brands[domain.FoldText(brand)])
}

// Brands returns the display names of all brands, sorted.
func (i *Index) Brands() []string {
	out := slices.Collect(maps.Values(i.brandNames))
	slices.Sort(out)
	return out
}

// Makes returns the display names of all makes, sorted.
func (i *Index) Makes() []string {
	out := slices.Collect(maps.Values(i.makes))
	slices.Sort(out)
	return out
}

// Models returns the models recorded for a make, sorted.
func (i *Index) Models(makeName string) []string {
	return slices.Clone(i.models[domain.FoldText(makeName)])
}

// Variants returns the first spec of every variant recorded for a make and
// model, in ingest order.
func (i *Index) Variants(makeName, model string) []domain.VehicleSpec {
	keys := i.byModel[domain.FoldText(makeName)+"|"+domain.FoldText(model)]
	out := make([]domain.VehicleSpec, 0, len(keys))
	for _, k := range keys {
		out = append(out, i.vehicles[k][0])
	}
	return out
}

// Sizes returns every canonical size in the catalogue, sorted.
func (i *Index) Sizes() []string {
	return slices.Sorted(maps.Keys(i.specs))
}

// Keys returns every vehicle key in first-ingested order.
func (i *Index) Keys() []domain.VehicleKey { return slices.Clone(i.keyOrder) }

// Vehicles iterates over every spec in first-ingested key order.
func (i *Index) Vehicles() iter.Seq[domain.VehicleSpec] {
	return func(yield func(domain.VehicleSpec) bool) {
		for _, key := range i.keyOrder {
			for _, s := range i.vehicles[key] {
				if !yield(s) {
					return
				}
			}
		}
	}
}

// SearchKeys returns up to limit keys whose "make model variant" text
// contains every word of q. It is the in-process fallback when no search
// service is configured.
func (i *Index) SearchKeys(q string, limit int) []domain.VehicleKey {
	words := strings.Fields(domain.FoldText(q))
	if len(words) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = 20
	}
	var out []domain.VehicleKey
	for _, key := range i.keyOrder {
		text := key.Make + " " + key.Model + " " + key.Variant
		match := true
		for _, w := range words {
			if !strings.Contains(text, w) {
				match = false
				break
			}
		}
		if match {
			out = append(out, key)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}
