package ingest

import "github.com/WessleyAI/tyrefit/engine/domain"

// Source column names.
const (
	ColMake         = "Vehicle Make"
	ColModel        = "Vehicle Model"
	ColVariant      = "Vehicle Variant"
	ColVehicleType  = "Vehicle Type"
	ColFuelType     = "Fuel Type"
	ColVehiclePrice = "Vehicle Price"
	ColFrontSize    = "Front Tyre Size (Vehicle Spec)"
	ColRearSize     = "Rear Tyre Size (Vehicle Spec)"
)

// TyreColumns are the per-position column names.
type TyreColumns struct {
	Brand, Model, Variant   string
	Width, AspectRatio, Rim string
	TubeType, MRP, Price    string
	Features                string
}

// ColumnsFor returns the column names for a tyre position.
func ColumnsFor(p domain.Position) TyreColumns {
	prefix := "Front"
	if p == domain.PositionRear {
		prefix = "Rear"
	}
	return TyreColumns{
		Brand:       prefix + " Tyre Brand",
		Model:       prefix + " Tyre Model",
		Variant:     prefix + " Tyre Variant",
		Width:       prefix + " Tyre Width",
		AspectRatio: prefix + " Tyre Aspect Ratio",
		Rim:         prefix + " Rim Size",
		TubeType:    prefix + " Tyre Type",
		MRP:         prefix + " Tyre MRP",
		Price:       prefix + " Tyre Price",
		Features:    prefix + " Tyre Features",
	}
}

// RequiredColumns must all be present in a source header.
var RequiredColumns = func() []string {
	front := ColumnsFor(domain.PositionFront)
	return []string{ColMake, ColModel, ColVariant, ColVehiclePrice, front.Width, front.AspectRatio, front.Rim, front.Price}
}()

// KnownColumns lists every column the normalizer reads.
var KnownColumns = func() []string {
	cols := []string{ColMake, ColModel, ColVariant, ColVehicleType, ColFuelType, ColVehiclePrice, ColFrontSize, ColRearSize}
	for _, p := range []domain.Position{domain.PositionFront, domain.PositionRear} {
		c := ColumnsFor(p)
		cols = append(cols, c.Brand, c.Model, c.Variant, c.Width, c.AspectRatio, c.Rim, c.TubeType, c.MRP, c.Price, c.Features)
	}
	return cols
}()
