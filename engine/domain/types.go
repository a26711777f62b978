// Package domain defines the core value types shared by the tyre resolution
// engine: vehicle keys and specs, tyre sizes and offerings, and the result of
// a resolution. It also owns the text folding rules that every index and
// query must agree on.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// VehicleKey is the folded (make, model, variant) identity used for exact
// lookup. The same key may map to several VehicleSpec records.
type VehicleKey struct {
	Make    string `json:"make"`
	Model   string `json:"model"`
	Variant string `json:"variant"`
}

// NewVehicleKey folds the three parts with FoldText.
func NewVehicleKey(makeName, model, variant string) VehicleKey {
	return VehicleKey{Make: FoldText(makeName), Model: FoldText(model), Variant: FoldText(variant)}
}

func (k VehicleKey) String() string { return k.Make + "|" + k.Model + "|" + k.Variant }

// IsZero reports whether no part of the key is set.
func (k VehicleKey) IsZero() bool { return k.Make == "" && k.Model == "" && k.Variant == "" }

// FoldText trims, collapses internal whitespace to a single space and
// lower-cases s. Ingestion and query normalization both go through here.
func FoldText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// CleanText trims and collapses whitespace but keeps the original case.
func CleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// VehicleSpec is one vehicle record as ingested. Tyre sizes are canonical.
type VehicleSpec struct {
	Make          string          `json:"make"`
	Model         string          `json:"model"`
	Variant       string          `json:"variant"`
	VehicleType   string          `json:"vehicle_type,omitempty"`
	FuelType      string          `json:"fuel_type,omitempty"`
	Price         decimal.Decimal `json:"price"`
	FrontTyreSize string          `json:"front_tyre_size"`
	RearTyreSize  string          `json:"rear_tyre_size"`
}

// Key returns the folded lookup key of the spec.
func (s VehicleSpec) Key() VehicleKey { return NewVehicleKey(s.Make, s.Model, s.Variant) }

// TyreSpec is a tyre size decomposed into its parts.
type TyreSpec struct {
	Width       int    `json:"width"`
	AspectRatio int    `json:"aspect_ratio"`
	RimDiameter int    `json:"rim_diameter"`
	TubeType    string `json:"tube_type,omitempty"`
}

// Size returns the canonical size string, e.g. "185/65 R15".
func (t TyreSpec) Size() string {
	return fmt.Sprintf("%d/%d R%d", t.Width, t.AspectRatio, t.RimDiameter)
}

// Position is the axle a tyre offering was listed for.
type Position string

const (
	PositionFront Position = "front"
	PositionRear  Position = "rear"
)

// TyreOffering is a purchasable tyre for exactly one size.
type TyreOffering struct {
	Brand    string          `json:"brand"`
	Model    string          `json:"model,omitempty"`
	Variant  string          `json:"variant,omitempty"`
	Size     string          `json:"size"`
	Price    decimal.Decimal `json:"price"`
	MRP      decimal.Decimal `json:"mrp"`
	TubeType string          `json:"tube_type,omitempty"`
	Features []string        `json:"features,omitempty"`
	Position Position        `json:"position,omitempty"`
}

// IdentityKey identifies a product regardless of which record listed it.
func (o TyreOffering) IdentityKey() string {
	return FoldText(o.Brand) + "|" + FoldText(o.Model) + "|" + FoldText(o.Variant)
}

// BudgetTier is a relative price band within one size's catalog.
type BudgetTier string

const (
	TierNone    BudgetTier = ""
	TierBudget  BudgetTier = "budget"
	TierMid     BudgetTier = "mid"
	TierPremium BudgetTier = "premium"
)

// ParseBudgetTier accepts the tier names case-insensitively. Empty and "all"
// mean no tier.
func ParseBudgetTier(s string) (BudgetTier, error) {
	switch FoldText(s) {
	case "", "all", "any":
		return TierNone, nil
	case "budget", "low", "economy":
		return TierBudget, nil
	case "mid", "medium", "mid-range":
		return TierMid, nil
	case "premium", "high":
		return TierPremium, nil
	}
	return TierNone, NewValidationError("budget_tier", s, ErrUnknownTier)
}

// Source is the provenance of a resolved tyre size.
type Source string

const (
	SourceNone      Source = ""
	SourceExact     Source = "EXACT"
	SourcePredicted Source = "PREDICTED"
)

// Resolution paths reported in ResolutionResult.Via.
const (
	ViaIndex     = "index"
	ViaSearch    = "search"
	ViaEstimator = "estimator"
)

// SearchHit is a candidate vehicle returned by a fuzzy search collaborator.
type SearchHit struct {
	Key   VehicleKey `json:"key"`
	Score float64    `json:"score"`
}

// ResolutionResult is the answer to one vehicle query. A result either has a
// Source, or is Declined with a Reason, or is Ambiguous with its Matches.
type ResolutionResult struct {
	Query         VehicleKey     `json:"query"`
	TyreSize      string         `json:"tyre_size,omitempty"`
	RearTyreSize  string         `json:"rear_tyre_size,omitempty"`
	Source        Source         `json:"source,omitempty"`
	Confidence    *float64       `json:"confidence"`
	Ambiguous     bool           `json:"ambiguous"`
	LowConfidence bool           `json:"low_confidence"`
	Declined      bool           `json:"declined"`
	Reason        string         `json:"reason,omitempty"`
	Via           string         `json:"via,omitempty"`
	MatchedKey    *VehicleKey    `json:"matched_key,omitempty"`
	Matches       []VehicleSpec  `json:"matches,omitempty"`
	Candidates    []TyreOffering `json:"candidate_offerings,omitempty"`
}

// Resolved reports whether the result carries a usable tyre size.
func (r ResolutionResult) Resolved() bool {
	return r.Source != SourceNone && r.TyreSize != "" && !r.LowConfidence
}

// Confidence returns a pointer to c for ResolutionResult.Confidence.
func Confidence(c float64) *float64 { return &c }

// LeadStatus is the follow-up state of a customer lead.
type LeadStatus string

const (
	LeadNew       LeadStatus = "new"
	LeadContacted LeadStatus = "contacted"
	LeadConverted LeadStatus = "converted"
	LeadClosed    LeadStatus = "closed"
)

// ParseLeadStatus accepts the status names case-insensitively.
func ParseLeadStatus(s string) (LeadStatus, error) {
	switch st := LeadStatus(FoldText(s)); st {
	case LeadNew, LeadContacted, LeadConverted, LeadClosed:
		return st, nil
	}
	return "", NewValidationError("status", s, ErrInvalidQuery)
}

// Lead is a customer who asked to be contacted about a purchase.
type Lead struct {
	ID        string     `json:"id"`
	Phone     string     `json:"phone" validate:"required"`
	Name      string     `json:"name,omitempty" validate:"max=128"`
	Vehicle   VehicleKey `json:"vehicle"`
	TyreSize  string     `json:"tyre_size,omitempty"`
	Tier      BudgetTier `json:"budget_tier,omitempty"`
	Status    LeadStatus `json:"status"`
	Source    string     `json:"source,omitempty"`
	Note      string     `json:"note,omitempty" validate:"max=1024"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
