package ingest

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Normalize validates one raw row. A nil error means the row is VALID; any
// error is a *domain.ValidationError describing why it was REJECTED.
func Normalize(raw RawRecord) (Record, error) {
	if raw.Err != nil {
		return Record{}, domain.NewValidationError("row", raw.Err.Error(), domain.ErrMalformedRow)
	}

	spec := domain.VehicleSpec{
		Make:        domain.CleanText(raw.Get(ColMake)),
		Model:       domain.CleanText(raw.Get(ColModel)),
		Variant:     domain.CleanText(raw.Get(ColVariant)),
		VehicleType: domain.CleanText(raw.Get(ColVehicleType)),
		FuelType:    domain.CleanText(raw.Get(ColFuelType)),
	}
	for _, f := range []struct{ name, value string }{
		{"vehicle_make", spec.Make}, {"vehicle_model", spec.Model}, {"vehicle_variant", spec.Variant},
	} {
		if f.value == "" {
			return Record{}, domain.NewValidationError(f.name, "", domain.ErrMissingField)
		}
	}

	frontCols := ColumnsFor(domain.PositionFront)
	front, err := requiredDims(raw, frontCols, "front")
	if err != nil {
		return Record{}, err
	}
	front.TubeType = domain.CleanText(raw.Get(frontCols.TubeType))

	price, err := parseMoney(raw.Get(ColVehiclePrice), "vehicle_price")
	if err != nil {
		return Record{}, err
	}
	spec.Price = price

	spec.FrontTyreSize = front.Size()
	if s, err := domain.CanonicalTyreSize(raw.Get(ColFrontSize)); err == nil {
		spec.FrontTyreSize = s
	}

	rearCols := ColumnsFor(domain.PositionRear)
	rear, ok := optionalDims(raw, rearCols)
	if !ok {
		rear = front
	}
	rear.TubeType = domain.CleanText(raw.Get(rearCols.TubeType))
	spec.RearTyreSize = rear.Size()
	if s, err := domain.CanonicalTyreSize(raw.Get(ColRearSize)); err == nil {
		spec.RearTyreSize = s
	} else if !ok {
		spec.RearTyreSize = spec.FrontTyreSize
	}

	rec := Record{Line: raw.Line, Spec: spec, Front: front, Rear: rear}
	for _, pos := range []struct {
		p    domain.Position
		cols TyreColumns
		size string
		tube string
	}{
		{domain.PositionFront, frontCols, spec.FrontTyreSize, front.TubeType},
		{domain.PositionRear, rearCols, spec.RearTyreSize, rear.TubeType},
	} {
		off, ok, err := offering(raw, pos.p, pos.cols, pos.size, pos.tube)
		if err != nil {
			return Record{}, err
		}
		if ok {
			rec.Offerings = append(rec.Offerings, off)
		}
	}
	return rec, nil
}

// offering derives a tyre offering for one position. It returns ok=false
// when no brand or no positive price is listed.
func offering(raw RawRecord, p domain.Position, cols TyreColumns, size, tube string) (domain.TyreOffering, bool, error) {
	brand := domain.CleanText(raw.Get(cols.Brand))
	prefix := string(p) + "_tyre_"
	price, err := parseMoney(raw.Get(cols.Price), prefix+"price")
	if err != nil {
		return domain.TyreOffering{}, false, err
	}
	if brand == "" || !price.IsPositive() {
		return domain.TyreOffering{}, false, nil
	}
	mrp, err := parseMoney(raw.Get(cols.MRP), prefix+"mrp")
	if err != nil || !mrp.IsPositive() {
		mrp = price
	}
	off := domain.TyreOffering{
		Brand:    brand,
		Model:    domain.CleanText(raw.Get(cols.Model)),
		Variant:  domain.CleanText(raw.Get(cols.Variant)),
		Size:     size,
		Price:    price,
		MRP:      mrp,
		TubeType: tube,
		Position: p,
	}
	off.Features = features(off, raw.Get(cols.Features))
	return off, true, nil
}

// features collects listed features plus those derivable from the row.
func features(off domain.TyreOffering, listed string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(f string) {
		f = domain.CleanText(f)
		if f == "" || seen[domain.FoldText(f)] {
			return
		}
		seen[domain.FoldText(f)] = true
		out = append(out, f)
	}
	for _, f := range strings.FieldsFunc(listed, func(r rune) bool { return r == '|' || r == ';' }) {
		add(f)
	}
	if off.TubeType != "" {
		add(off.TubeType)
	}
	if off.MRP.GreaterThan(off.Price) {
		pct := off.MRP.Sub(off.Price).Mul(hundred).Div(off.MRP).Round(0)
		if pct.IsPositive() {
			add(pct.String() + "% off MRP")
		}
	}
	return out
}

// requiredDims parses the width/aspect/rim columns of a position, rejecting
// missing or non-numeric values.
func requiredDims(raw RawRecord, cols TyreColumns, prefix string) (domain.TyreSpec, error) {
	var dims [3]int
	for i, f := range []struct{ name, col string }{
		{prefix + "_tyre_width", cols.Width},
		{prefix + "_tyre_aspect_ratio", cols.AspectRatio},
		{prefix + "_rim_size", cols.Rim},
	} {
		v := raw.Get(f.col)
		if v == "" {
			return domain.TyreSpec{}, domain.NewValidationError(f.name, "", domain.ErrMissingField)
		}
		n, err := parseDim(v)
		if err != nil {
			return domain.TyreSpec{}, domain.NewValidationError(f.name, v, domain.ErrNotNumeric)
		}
		dims[i] = n
	}
	return domain.TyreSpec{Width: dims[0], AspectRatio: dims[1], RimDiameter: dims[2]}, nil
}

// optionalDims parses the dims of a position that may be left blank.
func optionalDims(raw RawRecord, cols TyreColumns) (domain.TyreSpec, bool) {
	var dims [3]int
	for i, col := range []string{cols.Width, cols.AspectRatio, cols.Rim} {
		n, err := parseDim(raw.Get(col))
		if err != nil {
			return domain.TyreSpec{}, false
		}
		dims[i] = n
	}
	return domain.TyreSpec{Width: dims[0], AspectRatio: dims[1], RimDiameter: dims[2]}, true
}

// parseDim parses a positive whole number, allowing an "R" prefix on rims
// and a trailing ".0" from spreadsheet exports.
func parseDim(s string) (int, error) {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "R")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f <= 0 || f != math.Trunc(f) || f > 1000 {
		return 0, fmt.Errorf("dimension %q out of range", s)
	}
	return int(f), nil
}

// parseMoney parses an optional non-negative amount. Currency markers and
// thousands separators are ignored; an empty value is zero.
func parseMoney(s, field string) (decimal.Decimal, error) {
	v := strings.TrimSpace(s)
	for _, marker := range []string{"₹", "Rs.", "Rs", "INR", ","} {
		v = strings.ReplaceAll(v, marker, "")
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		return decimal.Zero, domain.NewValidationError(field, s, domain.ErrNotNumeric)
	}
	return d, nil
}
