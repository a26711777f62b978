package estimator

import (
	"fmt"

	"github.com/WessleyAI/tyrefit/engine/codec"
	"github.com/WessleyAI/tyrefit/engine/domain"
)

// Kind names one estimator of the bank.
type Kind string

const (
	KindBrand  Kind = "brand"
	KindPrice  Kind = "price"
	KindSize   Kind = "size"
	KindIntent Kind = "intent"
)

// Kinds lists every estimator in training order.
var Kinds = []Kind{KindBrand, KindPrice, KindSize, KindIntent}

// ParseKind accepts one of the estimator names.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == domain.FoldText(s) {
			return k, nil
		}
	}
	return "", fmt.Errorf("estimator: unknown kind %q", s)
}

// Field names shared by the schemas.
const (
	FieldMake         = "make"
	FieldModel        = "model"
	FieldVariant      = "variant"
	FieldVehicleType  = "vehicle_type"
	FieldFuelType     = "fuel_type"
	FieldVehiclePrice = "vehicle_price"
	FieldBrand        = "brand"
	FieldTyreSize     = "tyre_size"
	FieldWidth        = "width"
	FieldAspectRatio  = "aspect_ratio"
	FieldRimDiameter  = "rim_diameter"
	FieldTubeType     = "tube_type"
)

func cat(name string) codec.Field { return codec.Field{Name: name, Kind: codec.Categorical} }
func num(name string) codec.Field { return codec.Field{Name: name, Kind: codec.Numeric} }

// BrandSchema is the input of the tyre brand classifier.
var BrandSchema = codec.Schema{Name: string(KindBrand), Fields: []codec.Field{
	cat(FieldMake), cat(FieldModel), cat(FieldVehicleType), cat(FieldFuelType),
	num(FieldVehiclePrice), cat(FieldTyreSize),
}}

// PriceSchema is the input of the tyre price regressor.
var PriceSchema = codec.Schema{Name: string(KindPrice), Fields: []codec.Field{
	cat(FieldMake), cat(FieldModel), cat(FieldVehicleType), num(FieldVehiclePrice),
	cat(FieldBrand), cat(FieldTyreSize),
	num(FieldWidth), num(FieldAspectRatio), num(FieldRimDiameter), cat(FieldTubeType),
}}

// SizeSchema is the input of the tyre size classifier.
var SizeSchema = codec.Schema{Name: string(KindSize), Fields: []codec.Field{
	cat(FieldMake), cat(FieldModel), cat(FieldVariant), cat(FieldVehicleType), cat(FieldFuelType),
	num(FieldVehiclePrice),
}}

// SchemaFor returns the codec schema of a tabular estimator. The intent
// classifier works on text and has none.
func SchemaFor(k Kind) (codec.Schema, bool) {
	switch k {
	case KindBrand:
		return BrandSchema, true
	case KindPrice:
		return PriceSchema, true
	case KindSize:
		return SizeSchema, true
	}
	return codec.Schema{}, false
}

// Input carries every attribute any tabular estimator may consume. Zero
// values are treated as unknown.
type Input struct {
	Make         string
	Model        string
	Variant      string
	VehicleType  string
	FuelType     string
	VehiclePrice float64
	Brand        string
	TyreSize     string
	Width        int
	AspectRatio  int
	RimDiameter  int
	TubeType     string
}

// InputFromSpec fills the vehicle attributes of an Input.
func InputFromSpec(s domain.VehicleSpec) Input {
	price, _ := s.Price.Float64()
	return Input{
		Make:         s.Make,
		Model:        s.Model,
		Variant:      s.Variant,
		VehicleType:  s.VehicleType,
		FuelType:     s.FuelType,
		VehiclePrice: price,
		TyreSize:     s.FrontTyreSize,
	}
}

// WithTyre returns a copy with the tyre attributes of size and brand set.
func (in Input) WithTyre(size, brand, tubeType string) Input {
	in.TyreSize = size
	in.Brand = brand
	in.TubeType = tubeType
	if ts, err := domain.ParseTyreSize(size); err == nil {
		in.Width, in.AspectRatio, in.RimDiameter = ts.Width, ts.AspectRatio, ts.RimDiameter
	}
	return in
}

// Row converts the input to a codec row.
func (in Input) Row() codec.Row {
	r := codec.NewRow()
	r.Cat[FieldMake] = in.Make
	r.Cat[FieldModel] = in.Model
	r.Cat[FieldVariant] = in.Variant
	r.Cat[FieldVehicleType] = in.VehicleType
	r.Cat[FieldFuelType] = in.FuelType
	r.Cat[FieldBrand] = in.Brand
	r.Cat[FieldTyreSize] = in.TyreSize
	r.Cat[FieldTubeType] = in.TubeType
	setPositive(r, FieldVehiclePrice, in.VehiclePrice)
	setPositive(r, FieldWidth, float64(in.Width))
	setPositive(r, FieldAspectRatio, float64(in.AspectRatio))
	setPositive(r, FieldRimDiameter, float64(in.RimDiameter))
	return r
}

func setPositive(r codec.Row, field string, v float64) {
	if v > 0 {
		r.Num[field] = v
	}
}
