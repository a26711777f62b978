package intent

import (
	"fmt"
	"strings"

	"github.com/WessleyAI/tyrefit/engine/estimator"
)

var templates = map[Intent][]string{
	VehicleInquiry: {
		"I have a {vehicle}",
		"what size tyres for {vehicle}",
		"my car is {vehicle}",
		"I drive a {vehicle}",
		"tell me about tyres for my vehicle",
		"which tyres fit my {vehicle}",
		"what tyre size does {vehicle} use",
		"what tyres does my vehicle need",
	},
	TyreRecommendation: {
		"suggest good tyres",
		"what are the best tyres for {vehicle}",
		"recommend tyres for city driving",
		"I need budget tyres",
		"show me premium options",
		"what tyres do you recommend",
		"best tyres for highway",
		"good tyres for my budget",
	},
	PriceInquiry: {
		"how much does it cost",
		"what is the price",
		"how much for {brand} tyres",
		"price of {brand} tyres",
		"what is your rate",
		"how much will it cost",
		"price range for tyres",
		"cost of installation",
	},
	BrandComparison: {
		"compare {brand} and {other}",
		"which is better {brand} or {other}",
		"difference between {brand} and {other}",
		"{brand} vs {other} which is good",
		"compare these brands",
		"which brand is better",
		"tell me about brand differences",
		"compare tyre brands",
	},
	AvailabilityCheck: {
		"is it available",
		"do you have stock",
		"available in my city",
		"when can I get it",
		"is it in stock",
		"can I get it today",
		"delivery time",
		"how soon can you deliver",
	},
	BookingRequest: {
		"I want to book",
		"book an appointment",
		"schedule installation",
		"I will take it",
		"book for tomorrow",
		"make a booking",
		"reserve for me",
		"I want to buy",
	},
}

var (
	defaultVehicles = []string{"Maruti Swift", "Hyundai Creta", "Honda City", "Tata Nexon"}
	defaultBrands   = []string{"MRF", "CEAT", "Apollo", "Michelin", "Bridgestone"}
)

// Corpus expands the built-in templates into labelled utterances. Vehicle
// and brand names fill the placeholders; nil lists use a small default set.
// The output is deterministic for the same inputs.
func Corpus(vehicles, brands []string) []estimator.Utterance {
	if len(vehicles) == 0 {
		vehicles = defaultVehicles
	}
	if len(brands) < 2 {
		brands = defaultBrands
	}
	var out []estimator.Utterance
	for _, in := range Known {
		for ti, tpl := range templates[in] {
			n := 1
			if strings.Contains(tpl, "{") {
				n = min(len(vehicles), len(brands), 4)
			}
			for k := range n {
				b := (ti + k) % len(brands)
				r := strings.NewReplacer(
					"{vehicle}", vehicles[(ti+k)%len(vehicles)],
					"{brand}", brands[b],
					"{other}", brands[(b+1)%len(brands)],
				)
				out = append(out, estimator.Utterance{Text: r.Replace(tpl), Intent: string(in)})
			}
		}
	}
	return out
}

// CorpusSize reports how many utterances Corpus yields per intent, for logs.
func CorpusSize(us []estimator.Utterance) string {
	counts := make(map[string]int)
	for _, u := range us {
		counts[u.Intent]++
	}
	parts := make([]string, 0, len(Known))
	for _, in := range Known {
		parts = append(parts, fmt.Sprintf("%s=%d", in, counts[string(in)]))
	}
	return strings.Join(parts, " ")
}
