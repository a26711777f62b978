// Package intent classifies customer utterances into a closed set of
// intents and dispatches them to an explicit handler table.
package intent

import (
	"fmt"
	"slices"
)

// Intent is one of a fixed set of customer intents. Unresolved is used
// whenever the classifier is unsure or has no estimator.
type Intent string

const (
	Unresolved         Intent = "unresolved"
	VehicleInquiry     Intent = "vehicle_inquiry"
	TyreRecommendation Intent = "tyre_recommendation"
	PriceInquiry       Intent = "price_inquiry"
	BrandComparison    Intent = "brand_comparison"
	AvailabilityCheck  Intent = "availability_check"
	BookingRequest     Intent = "booking_request"
)

// Known lists every classifiable intent, excluding Unresolved.
var Known = []Intent{VehicleInquiry, TyreRecommendation, PriceInquiry, BrandComparison, AvailabilityCheck, BookingRequest}

// All lists Known plus Unresolved. A Router must handle every one.
var All = append(slices.Clone(Known), Unresolved)

// Parse maps a label to its Intent. Labels outside the set are an error.
func Parse(label string) (Intent, error) {
	i := Intent(label)
	if i == Unresolved || slices.Contains(Known, i) {
		return i, nil
	}
	return Unresolved, fmt.Errorf("intent: unknown label %q", label)
}

func (i Intent) String() string { return string(i) }
