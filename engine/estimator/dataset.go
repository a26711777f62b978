package estimator

import (
	"math/rand/v2"

	"github.com/WessleyAI/tyrefit/engine/ingest"
)

// VehicleExample labels a vehicle with its front tyre size.
type VehicleExample struct {
	Input Input  `json:"input"`
	Size  string `json:"size"`
}

// OfferingExample labels a vehicle and tyre size with the offered brand and
// its price.
type OfferingExample struct {
	Input Input   `json:"input"`
	Brand string  `json:"brand"`
	Price float64 `json:"price"`
}

// Utterance is a labelled customer sentence for the intent classifier.
type Utterance struct {
	Text   string `json:"text"`
	Intent string `json:"intent"`
}

// TrainingSet is everything the bank is trained on.
type TrainingSet struct {
	Vehicles   []VehicleExample
	Offerings  []OfferingExample
	Utterances []Utterance
}

// Collector is an ingest.Sink that turns validated records into training
// examples. When maxRows > 0 each example list is a seeded reservoir sample
// of at most maxRows entries, so memory stays bounded on large sources.
type Collector struct {
	maxRows   int
	rng       *rand.Rand
	vehicles  int
	offerings int
	set       TrainingSet
}

// NewCollector returns a Collector. maxRows <= 0 keeps every example.
func NewCollector(maxRows int, seed uint64) *Collector {
	return &Collector{maxRows: maxRows, rng: rand.New(rand.NewPCG(seed, 1))}
}

// Accept implements ingest.Sink.
func (c *Collector) Accept(rec ingest.Record) error {
	in := InputFromSpec(rec.Spec)
	if rec.Spec.FrontTyreSize != "" {
		c.vehicles++
		c.set.Vehicles = reservoir(c, c.set.Vehicles, c.vehicles, VehicleExample{Input: in, Size: rec.Spec.FrontTyreSize})
	}
	for _, off := range rec.Offerings {
		price, _ := off.Price.Float64()
		c.offerings++
		c.set.Offerings = reservoir(c, c.set.Offerings, c.offerings, OfferingExample{
			Input: in.WithTyre(off.Size, off.Brand, off.TubeType),
			Brand: off.Brand,
			Price: price,
		})
	}
	return nil
}

func reservoir[T any](c *Collector, list []T, seen int, v T) []T {
	if c.maxRows <= 0 || len(list) < c.maxRows {
		return append(list, v)
	}
	if j := c.rng.IntN(seen); j < c.maxRows {
		list[j] = v
	}
	return list
}

// AddUtterances appends labelled sentences.
func (c *Collector) AddUtterances(us ...Utterance) {
	c.set.Utterances = append(c.set.Utterances, us...)
}

// Set returns the collected training set.
func (c *Collector) Set() TrainingSet { return c.set }

// Seen returns how many vehicle and offering examples were offered to the
// reservoirs.
func (c *Collector) Seen() (vehicles, offerings int) { return c.vehicles, c.offerings }
