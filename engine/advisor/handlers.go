package advisor

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode"

	"github.com/WessleyAI/tyrefit/engine/artifacts"
	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/engine/intent"
	"github.com/WessleyAI/tyrefit/engine/ranker"
	"github.com/WessleyAI/tyrefit/engine/resolver"
	"github.com/WessleyAI/tyrefit/pkg/natsutil"
	"github.com/WessleyAI/tyrefit/pkg/vehiclenlp"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
)

// LeadsSubject carries every lead created from a booking request.
const LeadsSubject = "tyrefit.leads.created"

// LeadSink stores leads. *store.LeadStore satisfies it.
type LeadSink interface {
	Create(ctx context.Context, l domain.Lead) (domain.Lead, error)
}

// LeadNotifier is told about every stored lead.
type LeadNotifier func(ctx context.Context, l domain.Lead) error

// NATSLeadNotifier publishes leads on LeadsSubject.
func NATSLeadNotifier(nc *nats.Conn) LeadNotifier {
	return func(ctx context.Context, l domain.Lead) error {
		return natsutil.Publish(ctx, nc, LeadsSubject, l)
	}
}

// BrandSummary describes one brand's catalogue presence.
type BrandSummary struct {
	Brand     string          `json:"brand"`
	Offerings int             `json:"offerings"`
	Sizes     int             `json:"sizes"`
	MinPrice  decimal.Decimal `json:"min_price"`
	MaxPrice  decimal.Decimal `json:"max_price"`
}

// Availability lists what the catalogue stocks in one size.
type Availability struct {
	Size      string   `json:"tyre_size"`
	Offerings int      `json:"offerings"`
	Brands    []string `json:"brands"`
}

// mention is what an utterance says beyond its intent.
type mention struct {
	vehicle *vehiclenlp.VehicleMatch
	sizes   []string
	brands  []string
	tier    domain.BudgetTier
	usage   string
}

var tierWords = map[string]domain.BudgetTier{
	"budget": domain.TierBudget, "cheap": domain.TierBudget, "cheapest": domain.TierBudget,
	"affordable": domain.TierBudget, "economy": domain.TierBudget, "low": domain.TierBudget,
	"mid": domain.TierMid, "midrange": domain.TierMid, "moderate": domain.TierMid,
	"premium": domain.TierPremium, "best": domain.TierPremium, "luxury": domain.TierPremium,
	"top": domain.TierPremium, "expensive": domain.TierPremium,
}

var usageWords = []string{"highway", "city", "offroad", "off road", "wet", "mileage", "comfort", "fuel efficient", "long tread"}

// words folds text and replaces everything but letters and digits with
// spaces, padding the result so callers can match whole words with " w ".
func words(text string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, text)
	return " " + domain.FoldText(mapped) + " "
}

func (a *Advisor) read(set *artifacts.Set, text string) mention {
	m := mention{vehicle: a.Extractor(set).ExtractBest(text), sizes: domain.ExtractTyreSizes(text)}
	w := words(text)
	for _, b := range set.Index().Brands() {
		if strings.Contains(w, words(b)) {
			m.brands = append(m.brands, b)
		}
	}
	for _, f := range strings.Fields(w) {
		if t, ok := tierWords[f]; ok && m.tier == domain.TierNone {
			m.tier = t
		}
	}
	for _, u := range usageWords {
		if strings.Contains(w, " "+u+" ") {
			m.usage = u
			break
		}
	}
	return m
}

func vehicleQuery(v *vehiclenlp.VehicleMatch) resolver.Query {
	return resolver.Query{Make: v.Make, Model: v.Model, Variant: v.Variant}
}

func vehicleName(v *vehiclenlp.VehicleMatch) string {
	return strings.TrimSpace(strings.Join([]string{v.Make, v.Model, v.Variant}, " "))
}

// size returns the tyre size an utterance refers to: one it names outright,
// else the resolved size of the vehicle it mentions.
func (a *Advisor) size(ctx context.Context, set *artifacts.Set, m mention) (string, *domain.ResolutionResult, error) {
	if len(m.sizes) > 0 {
		return m.sizes[0], nil, nil
	}
	if m.vehicle == nil || m.vehicle.Model == "" {
		return "", nil, nil
	}
	res, err := a.resolver.ResolveIn(ctx, set, vehicleQuery(m.vehicle))
	if err != nil {
		return "", nil, err
	}
	if !res.Resolved() {
		return "", &res, nil
	}
	return res.TyreSize, &res, nil
}

// Handlers returns a handler for every intent. leads and notify may be nil,
// in which case booking requests are acknowledged but not stored.
func (a *Advisor) Handlers(leads LeadSink, notify LeadNotifier) intent.Handlers {
	return intent.Handlers{
		intent.VehicleInquiry:     a.vehicleInquiry,
		intent.TyreRecommendation: a.tyreRecommendation,
		intent.PriceInquiry:       a.priceInquiry,
		intent.BrandComparison:    a.brandComparison,
		intent.AvailabilityCheck:  a.availabilityCheck,
		intent.BookingRequest:     a.bookingRequest(leads, notify),
		intent.Unresolved:         a.unresolved,
	}
}

const askVehicle = "Which vehicle is it for? Tell me the make, model and variant, for example Maruti Suzuki Swift VXI."

func (a *Advisor) vehicleInquiry(ctx context.Context, req intent.Request) (intent.Reply, error) {
	idx := req.Set.Index()
	m := a.read(req.Set, req.Text)
	switch {
	case m.vehicle == nil:
		return intent.Reply{Message: askVehicle}, nil
	case m.vehicle.Model == "":
		models := idx.Models(m.vehicle.Make)
		return intent.Reply{
			Message: fmt.Sprintf("Which %s model? We list %s.", m.vehicle.Make, strings.Join(models, ", ")),
			Data:    models,
		}, nil
	case m.vehicle.Variant == "":
		variants := idx.Variants(m.vehicle.Make, m.vehicle.Model)
		if len(variants) > 0 {
			return intent.Reply{Message: describeVariants(m.vehicle, variants), Data: variants}, nil
		}
	}
	res, err := a.resolver.ResolveIn(ctx, req.Set, vehicleQuery(m.vehicle))
	if err != nil {
		return intent.Reply{}, err
	}
	if !res.Resolved() {
		return intent.Reply{Message: vehicleName(m.vehicle) + ": " + unresolvedMessage(res), Data: res}, nil
	}
	return intent.Reply{
		Message: fmt.Sprintf("The %s takes %s tyres (%s).", vehicleName(m.vehicle), res.TyreSize, strings.ToLower(string(res.Source))),
		Data:    res,
	}, nil
}

func describeVariants(v *vehiclenlp.VehicleMatch, specs []domain.VehicleSpec) string {
	bySize := map[string][]string{}
	for _, s := range specs {
		bySize[s.FrontTyreSize] = append(bySize[s.FrontTyreSize], s.Variant)
	}
	name := v.Make + " " + v.Model
	if len(bySize) == 1 {
		return fmt.Sprintf("Every %s variant takes %s tyres.", name, specs[0].FrontTyreSize)
	}
	parts := make([]string, 0, len(bySize))
	for _, size := range slices.Sorted(maps.Keys(bySize)) {
		parts = append(parts, fmt.Sprintf("%s: %s", size, strings.Join(bySize[size], ", ")))
	}
	return fmt.Sprintf("The %s tyre size depends on the variant. %s.", name, strings.Join(parts, "; "))
}

func (a *Advisor) tyreRecommendation(ctx context.Context, req intent.Request) (intent.Reply, error) {
	m := a.read(req.Set, req.Text)
	if len(m.sizes) > 0 {
		ranking, err := a.ranker.RankIn(req.Set, ranker.Query{TyreSize: m.sizes[0], Tier: m.tier, Usage: m.usage})
		if err != nil {
			return intent.Reply{}, err
		}
		return intent.Reply{Message: describeRanking(ranking), Data: ranking}, nil
	}
	if m.vehicle == nil || m.vehicle.Model == "" {
		return intent.Reply{Message: askVehicle}, nil
	}
	rec, err := a.RecommendIn(ctx, req.Set, Request{Vehicle: vehicleQuery(m.vehicle), Tier: m.tier, Usage: m.usage})
	if err != nil {
		return intent.Reply{}, err
	}
	msg := rec.Message
	switch {
	case rec.Ranking != nil:
		msg = fmt.Sprintf("For the %s (%s): %s", vehicleName(m.vehicle), rec.Resolution.TyreSize, describeRanking(*rec.Ranking))
	case len(rec.Predicted) > 0:
		names := make([]string, len(rec.Predicted))
		for i, p := range rec.Predicted {
			names[i] = p.Brand
		}
		msg = fmt.Sprintf("We do not stock %s yet. Brands usually fitted: %s.", rec.Resolution.TyreSize, strings.Join(names, ", "))
	}
	return intent.Reply{Message: msg, Data: rec}, nil
}

func describeRanking(r ranker.Ranking) string {
	if len(r.Items) == 0 {
		return fmt.Sprintf("No offerings in %s.", r.Size)
	}
	parts := make([]string, len(r.Items))
	for i, it := range r.Items {
		parts[i] = fmt.Sprintf("%d. %s %s at Rs %s", it.Rank, it.Brand, it.Model, it.Price.StringFixed(0))
	}
	msg := strings.Join(parts, "; ")
	if r.FellBack {
		msg = fmt.Sprintf("Nothing in the %s band for %s, showing all options. %s", r.Tier, r.Size, msg)
	}
	return msg
}

func (a *Advisor) priceInquiry(ctx context.Context, req intent.Request) (intent.Reply, error) {
	m := a.read(req.Set, req.Text)
	size, res, err := a.size(ctx, req.Set, m)
	if err != nil {
		return intent.Reply{}, err
	}
	if size == "" {
		if res != nil {
			return intent.Reply{Message: unresolvedMessage(*res), Data: res}, nil
		}
		return intent.Reply{Message: "Which tyre size or vehicle should I price?"}, nil
	}
	offs := req.Set.Index().Offerings(size)
	if len(m.brands) > 0 {
		offs = slices.DeleteFunc(offs, func(o domain.TyreOffering) bool {
			return !slices.ContainsFunc(m.brands, func(b string) bool { return strings.EqualFold(b, o.Brand) })
		})
	}
	if len(offs) > 0 {
		pr := PriceRange{Low: offs[0].Price, High: offs[len(offs)-1].Price}
		pr.Estimate = pr.Low.Add(pr.High).Div(decimal.NewFromInt(2)).Round(0)
		return intent.Reply{
			Message: fmt.Sprintf("%s tyres cost Rs %s to Rs %s across %d option(s).", size, pr.Low.StringFixed(0), pr.High.StringFixed(0), len(offs)),
			Data:    pr,
		}, nil
	}
	if m.vehicle == nil || len(m.brands) == 0 {
		return intent.Reply{Message: fmt.Sprintf("We have no prices for %s yet.", size)}, nil
	}
	pr, err := a.EstimatePrice(req.Set, vehicleQuery(m.vehicle), size, m.brands[0])
	if err != nil {
		return intent.Reply{Message: fmt.Sprintf("We have no prices for %s yet.", size)}, nil
	}
	return intent.Reply{
		Message: fmt.Sprintf("A %s %s usually costs Rs %s to Rs %s.", m.brands[0], size, pr.Low.StringFixed(0), pr.High.StringFixed(0)),
		Data:    pr,
	}, nil
}

func (a *Advisor) brandComparison(ctx context.Context, req intent.Request) (intent.Reply, error) {
	m := a.read(req.Set, req.Text)
	if len(m.brands) == 0 {
		return intent.Reply{Message: "Which brands should I compare? We stock " + strings.Join(req.Set.Index().Brands(), ", ") + "."}, nil
	}
	size, _, err := a.size(ctx, req.Set, m)
	if err != nil {
		return intent.Reply{}, err
	}
	sums := make([]BrandSummary, 0, len(m.brands))
	for _, b := range m.brands {
		sums = append(sums, summarize(req.Set, b, size))
	}
	parts := make([]string, len(sums))
	for i, s := range sums {
		if s.Offerings == 0 {
			parts[i] = s.Brand + ": none"
			continue
		}
		parts[i] = fmt.Sprintf("%s: %d option(s), Rs %s to Rs %s", s.Brand, s.Offerings, s.MinPrice.StringFixed(0), s.MaxPrice.StringFixed(0))
	}
	msg := strings.Join(parts, "; ")
	if size != "" {
		msg = "In " + size + ", " + msg
	}
	return intent.Reply{Message: msg, Data: sums}, nil
}

// summarize describes brand's offerings, restricted to size when it is set.
func summarize(set *artifacts.Set, brand, size string) BrandSummary {
	s := BrandSummary{Brand: brand}
	sizes := map[string]bool{}
	for _, o := range set.Index().ByBrand(brand) {
		if size != "" && o.Size != size {
			continue
		}
		if s.Offerings == 0 || o.Price.LessThan(s.MinPrice) {
			s.MinPrice = o.Price
		}
		if o.Price.GreaterThan(s.MaxPrice) {
			s.MaxPrice = o.Price
		}
		s.Offerings++
		sizes[o.Size] = true
	}
	s.Sizes = len(sizes)
	return s
}

func (a *Advisor) availabilityCheck(ctx context.Context, req intent.Request) (intent.Reply, error) {
	m := a.read(req.Set, req.Text)
	size, res, err := a.size(ctx, req.Set, m)
	if err != nil {
		return intent.Reply{}, err
	}
	if size == "" {
		if res != nil {
			return intent.Reply{Message: unresolvedMessage(*res), Data: res}, nil
		}
		return intent.Reply{Message: "Which tyre size or vehicle should I check?"}, nil
	}
	av := Availability{Size: size}
	seen := map[string]bool{}
	for _, o := range req.Set.Index().Offerings(size) {
		av.Offerings++
		if !seen[domain.FoldText(o.Brand)] {
			seen[domain.FoldText(o.Brand)] = true
			av.Brands = append(av.Brands, o.Brand)
		}
	}
	slices.SortFunc(av.Brands, func(x, y string) int { return cmp.Compare(domain.FoldText(x), domain.FoldText(y)) })
	if av.Offerings == 0 {
		return intent.Reply{Message: fmt.Sprintf("%s is not in stock.", size), Data: av}, nil
	}
	return intent.Reply{
		Message: fmt.Sprintf("%s is available: %d option(s) from %s.", size, av.Offerings, strings.Join(av.Brands, ", ")),
		Data:    av,
	}, nil
}

func (a *Advisor) bookingRequest(leads LeadSink, notify LeadNotifier) intent.Handler {
	return func(ctx context.Context, req intent.Request) (intent.Reply, error) {
		phone, ok := domain.ExtractPhone(req.Text)
		if !ok {
			return intent.Reply{Message: "Happy to book you in. Please share a phone number we can call you on."}, nil
		}
		m := a.read(req.Set, req.Text)
		lead := domain.Lead{Phone: phone, Tier: m.tier, Source: "chat", Note: req.Text}
		if m.vehicle != nil {
			lead.Vehicle = domain.NewVehicleKey(m.vehicle.Make, m.vehicle.Model, m.vehicle.Variant)
		}
		if size, _, err := a.size(ctx, req.Set, m); err == nil {
			lead.TyreSize = size
		}
		if leads == nil {
			return intent.Reply{Message: "Thanks, we will call you on " + phone + " to confirm a slot.", Data: lead}, nil
		}
		stored, err := leads.Create(ctx, lead)
		if err != nil {
			return intent.Reply{}, err
		}
		if notify != nil {
			if err := notify(ctx, stored); err != nil {
				a.opts.Logger.Warn("lead notification failed", "error", err, "lead", stored.ID)
			}
		}
		if a.opts.Metrics != nil {
			a.opts.Metrics.Counter("tyrefit_leads_created_total", "Leads created from booking requests").Inc()
		}
		return intent.Reply{Message: "Thanks, we will call you on " + stored.Phone + " to confirm a slot.", Data: stored}, nil
	}
}

func (a *Advisor) unresolved(_ context.Context, req intent.Request) (intent.Reply, error) {
	msg := "I can find the tyre size for your vehicle, recommend tyres by budget, quote prices, compare brands, check stock and book a fitting."
	if req.Classification.Reason != "" {
		a.opts.Logger.Debug("unresolved utterance", "reason", req.Classification.Reason)
	}
	return intent.Reply{Message: "Sorry, I did not catch that. " + msg}, nil
}
