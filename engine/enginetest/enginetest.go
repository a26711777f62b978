// Package enginetest builds small, fully populated engine fixtures (records,
// a finalized index and a trained estimator bank) for tests of the packages
// that sit on top of them.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/engine/estimator"
	"github.com/WessleyAI/tyrefit/engine/index"
	"github.com/WessleyAI/tyrefit/engine/ingest"
	"github.com/shopspring/decimal"
)

const (
	// SizeSwift is the Swift VXI size, offered by MRF at 4200 and CEAT at 3800.
	SizeSwift = "185/65 R15"
	// SizeSpread has six offerings priced 3000, 3500, 4000, 4500, 5000, 6000.
	SizeSpread = "195/55 R16"
)

func offer(brand, model string, price int64, size string, features ...string) domain.TyreOffering {
	p := decimal.NewFromInt(price)
	return domain.TyreOffering{
		Brand: brand, Model: model, Size: size,
		Price: p, MRP: p.Add(decimal.NewFromInt(300)),
		TubeType: "Tubeless", Features: append([]string{"Tubeless"}, features...),
		Position: domain.PositionFront,
	}
}

func spec(make, model, variant, vtype, fuel string, price int64, front, rear string) domain.VehicleSpec {
	if rear == "" {
		rear = front
	}
	return domain.VehicleSpec{
		Make: make, Model: model, Variant: variant, VehicleType: vtype, FuelType: fuel,
		Price: decimal.NewFromInt(price), FrontTyreSize: front, RearTyreSize: rear,
	}
}

func rec(s domain.VehicleSpec, offs ...domain.TyreOffering) ingest.Record {
	front, _ := domain.ParseTyreSize(s.FrontTyreSize)
	rear, _ := domain.ParseTyreSize(s.RearTyreSize)
	return ingest.Record{Spec: s, Front: front, Rear: rear, Offerings: offs}
}

// Records returns the fixture catalogue:
//   - Maruti Suzuki Swift VXI on SizeSwift, and Swift ZXI Plus on SizeSpread.
//   - Hyundai Creta SX listed twice with different fuel types (ambiguous key).
//   - Honda City, Tata Nexon and Mahindra Thar variants for the estimators.
func Records() []ingest.Record {
	recs := []ingest.Record{
		rec(spec("Maruti Suzuki", "Swift", "VXI", "Hatchback", "Petrol", 650000, SizeSwift, ""),
			offer("MRF", "ZVTV", 4200, SizeSwift, "Long tread life"),
			offer("CEAT", "Milaze X3", 3800, SizeSwift, "Fuel efficient")),
		rec(spec("Maruti Suzuki", "Swift", "ZXI Plus", "Hatchback", "Petrol", 820000, SizeSpread, ""),
			offer("JK Tyre", "UX Royale", 3000, SizeSpread),
			offer("Apollo", "Amazer 4G Life", 3500, SizeSpread),
			offer("CEAT", "SecuraDrive", 4000, SizeSpread),
			offer("MRF", "Perfinza", 4500, SizeSpread),
			offer("Bridgestone", "Ecopia EP150", 5000, SizeSpread),
			offer("Michelin", "Energy XM2+", 6000, SizeSpread, "Wet grip")),
		rec(spec("Hyundai", "Creta", "SX", "SUV", "Petrol", 1500000, "215/60 R17", ""),
			offer("Bridgestone", "Dueler H/T", 8200, "215/60 R17")),
		rec(spec("Hyundai", "Creta", "SX", "SUV", "Diesel", 1650000, "215/60 R17", "")),
	}
	for i, v := range []string{"V", "VX", "ZX", "S"} {
		recs = append(recs, rec(spec("Honda", "City", v, "Sedan", "Petrol", int64(1150000+i*50000), "185/55 R16", ""),
			offer("MRF", "ZVTV", 5200, "185/55 R16")))
	}
	for i, v := range []string{"XE", "XM", "XZ", "XZ Plus"} {
		recs = append(recs, rec(spec("Tata", "Nexon", v, "SUV", "Diesel", int64(900000+i*60000), "215/60 R16", ""),
			offer("Apollo", "Alnac 4G", 6400, "215/60 R16")))
	}
	for i, v := range []string{"AX", "LX", "LX Hard Top", "AX Opt"} {
		recs = append(recs, rec(spec("Mahindra", "Thar", v, "SUV", "Diesel", int64(1400000+i*70000), "245/75 R16", ""),
			offer("Goodyear", "Wrangler", 9800, "245/75 R16")))
	}
	for i, v := range []string{"LXI", "VXI", "ZXI", "ZXI Plus"} {
		recs = append(recs, rec(spec("Maruti Suzuki", "Baleno", v, "Hatchback", "Petrol", int64(680000+i*40000), SizeSwift, "")))
	}
	return recs
}

// Index builds a finalized index over Records.
func Index(t testing.TB) *index.Index {
	t.Helper()
	b := index.NewBuilder()
	for _, r := range Records() {
		if err := b.Add(r); err != nil {
			t.Fatalf("add record: %v", err)
		}
	}
	idx, err := b.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return idx
}

// Utterances is a small labelled intent corpus.
func Utterances() []estimator.Utterance {
	var out []estimator.Utterance
	for i := 0; i < 6; i++ {
		out = append(out,
			estimator.Utterance{Text: fmt.Sprintf("which tyres fit my car %d", i), Intent: "tyre_recommendation"},
			estimator.Utterance{Text: fmt.Sprintf("book an appointment slot %d", i), Intent: "booking_request"},
			estimator.Utterance{Text: fmt.Sprintf("what is the price of tyre %d", i), Intent: "price_inquiry"},
		)
	}
	return out
}

// TrainingSet collects Records (each repeated so every split sees every
// vehicle) plus Utterances.
func TrainingSet() estimator.TrainingSet {
	c := estimator.NewCollector(0, 1)
	for range 3 {
		for _, r := range Records() {
			_ = c.Accept(r)
		}
	}
	c.AddUtterances(Utterances()...)
	return c.Set()
}

// Config is a fast training configuration.
func Config() estimator.Config {
	cfg := estimator.DefaultConfig()
	small := estimator.ForestParams{Trees: 20, Tree: estimator.TreeParams{MaxDepth: 8, MinSamplesSplit: 2, MinSamplesLeaf: 1}}
	cfg.Brand, cfg.Size = small, small
	cfg.Price = estimator.BoostParams{Rounds: 30, LearningRate: 0.3, Tree: estimator.TreeParams{MaxDepth: 4}}
	return cfg
}

var (
	bankOnce sync.Once
	bank     map[estimator.Kind]*estimator.Artifact
	bankErr  error
)

// Artifacts trains the estimator bank once per test binary. Callers must
// not modify the returned artifacts.
func Artifacts(t testing.TB) map[estimator.Kind]*estimator.Artifact {
	t.Helper()
	bankOnce.Do(func() {
		bank, bankErr = estimator.NewTrainer(Config(), nil).Train(context.Background(), TrainingSet())
	})
	if bankErr != nil {
		t.Fatalf("train bank: %v", bankErr)
	}
	return bank
}
