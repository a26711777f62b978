package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"testing"

	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/pkg/metrics"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const header = "Vehicle Make,Vehicle Model,Vehicle Variant,Vehicle Type,Fuel Type,Vehicle Price," +
	"Front Tyre Size (Vehicle Spec),Rear Tyre Size (Vehicle Spec)," +
	"Front Tyre Brand,Front Tyre Model,Front Tyre Variant,Front Tyre Width,Front Tyre Aspect Ratio,Front Rim Size,Front Tyre Type,Front Tyre MRP,Front Tyre Price," +
	"Rear Tyre Brand,Rear Tyre Model,Rear Tyre Variant,Rear Tyre Width,Rear Tyre Aspect Ratio,Rear Rim Size,Rear Tyre Type,Rear Tyre MRP,Rear Tyre Price\n"

func raw(fields map[string]string) RawRecord {
	base := map[string]string{
		ColMake:                   "Maruti Suzuki",
		ColModel:                  "Swift",
		ColVariant:                "VXI",
		ColVehicleType:            "Hatchback",
		ColFuelType:               "Petrol",
		ColVehiclePrice:           "650000",
		ColFrontSize:              "185/65 R15",
		"Front Tyre Brand":        "MRF",
		"Front Tyre Model":        "ZVTV",
		"Front Tyre Width":        "185",
		"Front Tyre Aspect Ratio": "65",
		"Front Rim Size":          "15",
		"Front Tyre Type":         "Tubeless",
		"Front Tyre MRP":          "4500",
		"Front Tyre Price":        "4200",
	}
	for k, v := range fields {
		if v == "<unset>" {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	return RawRecord{Line: 2, Fields: base}
}

func TestNormalize_Valid(t *testing.T) {
	rec, err := Normalize(raw(nil))
	require.NoError(t, err)

	assert.Equal(t, "Maruti Suzuki", rec.Spec.Make)
	assert.Equal(t, domain.NewVehicleKey("maruti suzuki", "swift", "vxi"), rec.Spec.Key())
	assert.Equal(t, "185/65 R15", rec.Spec.FrontTyreSize)
	assert.Equal(t, "185/65 R15", rec.Spec.RearTyreSize, "rear falls back to front")
	assert.True(t, rec.Spec.Price.Equal(decimal.NewFromInt(650000)))

	require.Len(t, rec.Offerings, 1)
	off := rec.Offerings[0]
	assert.Equal(t, "MRF", off.Brand)
	assert.Equal(t, "185/65 R15", off.Size)
	assert.True(t, off.Price.Equal(decimal.NewFromInt(4200)))
	assert.Equal(t, domain.PositionFront, off.Position)
	assert.Contains(t, off.Features, "Tubeless")
	assert.Contains(t, off.Features, "7% off MRP")
}

func TestNormalize_SizeFromDims(t *testing.T) {
	rec, err := Normalize(raw(map[string]string{ColFrontSize: "", "Front Rim Size": "R15"}))
	require.NoError(t, err)
	assert.Equal(t, "185/65 R15", rec.Spec.FrontTyreSize)
}

func TestNormalize_RearOffering(t *testing.T) {
	rec, err := Normalize(raw(map[string]string{
		ColRearSize:              "205-55-16",
		"Rear Tyre Brand":        "CEAT",
		"Rear Tyre Price":        "5100",
		"Rear Tyre Width":        "205",
		"Rear Tyre Aspect Ratio": "55",
		"Rear Rim Size":          "16",
	}))
	require.NoError(t, err)
	assert.Equal(t, "205/55 R16", rec.Spec.RearTyreSize)
	require.Len(t, rec.Offerings, 2)
	assert.Equal(t, "205/55 R16", rec.Offerings[1].Size)
	assert.True(t, rec.Offerings[1].MRP.Equal(rec.Offerings[1].Price), "mrp defaults to price")
}

func TestNormalize_NoOfferingWithoutBrandOrPrice(t *testing.T) {
	rec, err := Normalize(raw(map[string]string{"Front Tyre Brand": "nan"}))
	require.NoError(t, err)
	assert.Empty(t, rec.Offerings)

	rec, err = Normalize(raw(map[string]string{"Front Tyre Price": "0"}))
	require.NoError(t, err)
	assert.Empty(t, rec.Offerings)
}

func TestNormalize_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		fields map[string]string
		reason string
		is     error
	}{
		{"missing make", map[string]string{ColMake: "  "}, "vehicle_make/missing", domain.ErrMissingField},
		{"missing variant", map[string]string{ColVariant: "<unset>"}, "vehicle_variant/missing", domain.ErrMissingField},
		{"missing width", map[string]string{"Front Tyre Width": ""}, "front_tyre_width/missing", domain.ErrMissingField},
		{"bad aspect", map[string]string{"Front Tyre Aspect Ratio": "sixty"}, "front_tyre_aspect_ratio/not_numeric", domain.ErrNotNumeric},
		{"bad rim", map[string]string{"Front Rim Size": "15.5"}, "front_rim_size/not_numeric", domain.ErrNotNumeric},
		{"bad vehicle price", map[string]string{ColVehiclePrice: "call us"}, "vehicle_price/not_numeric", domain.ErrNotNumeric},
		{"bad tyre price", map[string]string{"Front Tyre Price": "4,2x0"}, "front_tyre_price/not_numeric", domain.ErrNotNumeric},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(raw(tc.fields))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.is)
			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.reason, verr.Reason())
		})
	}
}

func TestNormalize_MoneyFormats(t *testing.T) {
	rec, err := Normalize(raw(map[string]string{ColVehiclePrice: "₹ 6,50,000", "Front Tyre Price": "Rs. 4,200"}))
	require.NoError(t, err)
	assert.True(t, rec.Spec.Price.Equal(decimal.NewFromInt(650000)))
	assert.True(t, rec.Offerings[0].Price.Equal(decimal.NewFromInt(4200)))
}

func TestNewCSVSource_MissingColumns(t *testing.T) {
	_, err := NewCSVSource(strings.NewReader("Vehicle Make,Vehicle Model\nA,B\n"), "cat.csv", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSchemaMismatch)
	var serr *domain.SchemaError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Missing, "Vehicle Variant")
	assert.Contains(t, serr.Missing, "Front Rim Size")

	_, err = NewCSVSource(strings.NewReader(""), "empty.csv", 10)
	assert.ErrorIs(t, err, domain.ErrSchemaMismatch)

	noPrices := "Vehicle Make,Vehicle Model,Vehicle Variant,Front Tyre Width,Front Tyre Aspect Ratio,Front Rim Size\n"
	_, err = NewCSVSource(strings.NewReader(noPrices), "noprice.csv", 10)
	require.ErrorAs(t, err, &serr)
	assert.ElementsMatch(t, []string{"Vehicle Price", "Front Tyre Price"}, serr.Missing)
}

func TestCSVSource_Batches(t *testing.T) {
	var b strings.Builder
	b.WriteString(header)
	for i := 0; i < 5; i++ {
		b.WriteString("Honda,City,V,Sedan,Petrol,1200000,185/60 R15,,MRF,ZLX,,185,60,15,Tubeless,5000,4800,,,,,,,,,\n")
	}
	src, err := NewCSVSource(strings.NewReader(b.String()), "t.csv", 2)
	require.NoError(t, err)

	var sizes []int
	for {
		rows, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, len(rows))
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestRun_CountsRejections(t *testing.T) {
	csv := header +
		"Maruti Suzuki,Swift,VXI,Hatchback,Petrol,650000,185/65 R15,,MRF,ZVTV,,185,65,15,Tubeless,4500,4200,,,,,,,,,\n" +
		"Maruti Suzuki,Swift,VXI,Hatchback,Petrol,650000,185/65 R15,,CEAT,Milaze,,185,65,15,Tubeless,4000,3800,,,,,,,,,\n" +
		",Swift,ZXI,Hatchback,Petrol,700000,185/65 R15,,MRF,,,185,65,15,,,4200,,,,,,,,,\n" +
		"Tata,Nexon,XZ,SUV,Diesel,abc,215/60 R16,,Apollo,,,215,60,16,,,6100,,,,,,,,,\n"
	src, err := NewCSVSource(strings.NewReader(csv), "t.csv", 3)
	require.NoError(t, err)

	var got []Record
	var rejected []Rejection
	rep, err := Run(context.Background(), src, Options{
		OnReject: func(_ context.Context, r Rejection) { rejected = append(rejected, r) },
	}, SinkFunc(func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.NoError(t, err)

	assert.Equal(t, 4, rep.Total)
	assert.Equal(t, 2, rep.Accepted)
	assert.Equal(t, 2, rep.Rejected)
	assert.Equal(t, 2, rep.Batches)
	assert.Equal(t, 2, rep.Offerings)
	assert.Equal(t, map[string]int{"vehicle_make/missing": 1, "vehicle_price/not_numeric": 1}, rep.Reasons)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Line)
	require.Len(t, rejected, 2)
	assert.Equal(t, 4, rejected[0].Line)
}

func TestRun_ParallelKeepsOrderAndCounts(t *testing.T) {
	var b strings.Builder
	b.WriteString(header)
	for i := range 40 {
		mk := "Honda"
		if i%5 == 0 {
			mk = ""
		}
		fmt.Fprintf(&b, "%s,City,V%d,Sedan,Petrol,1200000,185/60 R15,,MRF,ZLX,,185,60,15,Tubeless,5000,4800,,,,,,,,,\n", mk, i)
	}
	src, err := NewCSVSource(strings.NewReader(b.String()), "t.csv", 16)
	require.NoError(t, err)

	reg := metrics.New()
	var lines []int
	rep, err := Run(context.Background(), src, Options{Workers: 8, Metrics: reg}, SinkFunc(func(r Record) error {
		lines = append(lines, r.Line)
		return nil
	}))
	require.NoError(t, err)

	assert.Equal(t, 32, rep.Accepted)
	assert.Equal(t, 8, rep.Rejected)
	assert.Len(t, lines, 32)
	assert.True(t, slices.IsSorted(lines), "records reach sinks in source order: %v", lines)
	out := reg.Render()
	assert.Contains(t, out, "tyrefit_ingest_records_total 32")
	assert.Contains(t, out, `tyrefit_ingest_rejected_total{reason="vehicle_make/missing"} 8`)
}

func TestRun_SinkErrorAborts(t *testing.T) {
	csv := header + "Honda,City,V,Sedan,Petrol,1200000,185/60 R15,,MRF,ZLX,,185,60,15,Tubeless,5000,4800,,,,,,,,,\n"
	src, err := NewCSVSource(strings.NewReader(csv), "t.csv", 10)
	require.NoError(t, err)
	boom := errors.New("boom")
	_, err = Run(context.Background(), src, Options{}, SinkFunc(func(Record) error { return boom }))
	assert.ErrorIs(t, err, boom)
}

func TestRun_Cancelled(t *testing.T) {
	csv := header + "Honda,City,V,Sedan,Petrol,1200000,185/60 R15,,MRF,ZLX,,185,60,15,Tubeless,5000,4800,,,,,,,,,\n"
	src, err := NewCSVSource(strings.NewReader(csv), "t.csv", 10)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, src, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
