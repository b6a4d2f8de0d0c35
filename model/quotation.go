package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

func init() {
	// The calculation service expects bare JSON numbers for amounts and rates.
	decimal.MarshalJSONWithoutQuotes = true
}

// Adjustment types.
const (
	AdjustmentDiscount = "discount"
	AdjustmentLoading  = "loading"
	AdjustmentCost     = "cost"
)

// Bases an adjustment rate can be applied on. Interpreted by the calculation service.
const (
	AppliedOnPremium    = "premium"
	AppliedOnSumInsured = "sumInsured"
)

// Adjustment is a discount, loading, or flat cost attached to one vehicle.
type Adjustment struct {
	Name          string          `json:"name"`
	Type          string          `json:"type"`
	Rate          decimal.Decimal `json:"rate"`
	AppliedOn     string          `json:"appliedOn,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	SequenceOrder int             `json:"sequenceOrder"`
	Formula       string          `json:"formula,omitempty"`
}

// SortAdjustments orders adjustments by SequenceOrder. Equal orders keep their
// relative position.
func SortAdjustments(adjs []Adjustment) {
	sort.SliceStable(adjs, func(i, j int) bool {
		return adjs[i].SequenceOrder < adjs[j].SequenceOrder
	})
}

// VehicleDetails is the part of a vehicle the calculation service sees.
type VehicleDetails struct {
	RegistrationNo string          `json:"registrationNo,omitempty"`
	ChassisNo      string          `json:"chassisNo,omitempty"`
	EngineNo       string          `json:"engineNo,omitempty"`
	Make           string          `json:"make,omitempty"`
	Model          string          `json:"model,omitempty"`
	Year           int             `json:"year,omitempty"`
	VehicleType    string          `json:"vehicleType,omitempty"`
	CoverType      string          `json:"coverType"`
	Usage          string          `json:"usage,omitempty"`
	VehicleValue   decimal.Decimal `json:"vehicleValue"`
	PremiumRate    decimal.Decimal `json:"premiumRate"`
	SeatCapacity   int             `json:"seatCapacity,omitempty"`
	Discounts      []Adjustment    `json:"discounts"`
	Loadings       []Adjustment    `json:"loadings"`
}

// Vehicle is a vehicle held in a quotation session. ID and IsCollapsed are
// UI-only and never leave the BFF.
type Vehicle struct {
	ID          string `json:"id"`
	IsCollapsed bool   `json:"isCollapsed,omitempty"`
	VehicleDetails
}

// Details returns the vehicle with UI-only fields stripped and adjustments in
// sequence order.
func (v Vehicle) Details() VehicleDetails {
	d := v.VehicleDetails
	d.Discounts = append([]Adjustment(nil), v.Discounts...)
	d.Loadings = append([]Adjustment(nil), v.Loadings...)
	SortAdjustments(d.Discounts)
	SortAdjustments(d.Loadings)
	if d.Discounts == nil {
		d.Discounts = []Adjustment{}
	}
	if d.Loadings == nil {
		d.Loadings = []Adjustment{}
	}
	return d
}

func (v Vehicle) clone() Vehicle {
	v.Discounts = cloneAdjustments(v.Discounts)
	v.Loadings = cloneAdjustments(v.Loadings)
	return v
}

func cloneAdjustments(in []Adjustment) []Adjustment {
	if in == nil {
		return nil
	}
	return append(make([]Adjustment, 0, len(in)), in...)
}

// Label is a short human description for list rows.
func (v Vehicle) Label() string {
	parts := make([]string, 0, 3)
	if v.Make != "" {
		parts = append(parts, v.Make)
	}
	if v.Model != "" {
		parts = append(parts, v.Model)
	}
	if v.RegistrationNo != "" {
		parts = append(parts, "("+v.RegistrationNo+")")
	}
	if len(parts) == 0 {
		return v.ID
	}
	return strings.Join(parts, " ")
}

// Validate reports missing or invalid rating inputs.
func (v Vehicle) Validate() []FieldError {
	var errs []FieldError
	if !v.VehicleValue.IsPositive() {
		errs = append(errs, FieldError{Field: "vehicleValue", Code: "REQUIRED", Message: "Vehicle value must be greater than zero"})
	}
	if !v.PremiumRate.IsPositive() {
		errs = append(errs, FieldError{Field: "premiumRate", Code: "REQUIRED", Message: "Premium rate must be greater than zero"})
	}
	if strings.TrimSpace(v.CoverType) == "" {
		errs = append(errs, FieldError{Field: "coverType", Code: "REQUIRED", Message: "Cover type is required"})
	}
	for i, a := range append(append([]Adjustment(nil), v.Discounts...), v.Loadings...) {
		if a.Rate.IsNegative() {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("adjustments[%d].rate", i),
				Code:    "INVALID",
				Message: fmt.Sprintf("Rate for %q cannot be negative", a.Name),
			})
		}
	}
	return errs
}

// RatingKey fingerprints every input that affects the premium. Two vehicles
// with the same key price identically.
func (v Vehicle) RatingKey() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%s|%s|%d", v.VehicleType, v.CoverType, v.Usage,
		v.VehicleValue.String(), v.PremiumRate.String(), v.SeatCapacity)
	d := v.Details()
	for _, list := range [][]Adjustment{d.Discounts, d.Loadings} {
		b.WriteString("#")
		for _, a := range list {
			fmt.Fprintf(&b, "%s:%s:%s:%s:%d;", a.Name, a.Type, a.Rate.String(), a.AppliedOn, a.SequenceOrder)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// ProposalAdjustments are proposal-level inputs sent alongside the vehicles.
type ProposalAdjustments struct {
	OtherDiscountRate decimal.Decimal `json:"otherDiscountRate"`
	OtherLoadingRate  decimal.Decimal `json:"otherLoadingRate"`
	CoverDays         int             `json:"coverDays"`
	ProportionRate    decimal.Decimal `json:"proportionRate"`
	ExchangeRate      decimal.Decimal `json:"exchangeRate"`
	Currency          string          `json:"currency"`
}

// DefaultProposalAdjustments returns a full-year, sole-insurer, naira setup.
func DefaultProposalAdjustments() ProposalAdjustments {
	return ProposalAdjustments{
		OtherDiscountRate: decimal.Zero,
		OtherLoadingRate:  decimal.Zero,
		CoverDays:         365,
		ProportionRate:    decimal.NewFromInt(100),
		ExchangeRate:      decimal.NewFromInt(1),
		Currency:          "NGN",
	}
}

// Validate checks the proposal-level inputs.
func (p ProposalAdjustments) Validate() []FieldError {
	var errs []FieldError
	if p.CoverDays < 1 || p.CoverDays > 366 {
		errs = append(errs, FieldError{Field: "coverDays", Code: "OUT_OF_RANGE", Message: "Cover days must be between 1 and 366"})
	}
	if !p.ProportionRate.IsPositive() || p.ProportionRate.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, FieldError{Field: "proportionRate", Code: "OUT_OF_RANGE", Message: "Proportion rate must be greater than 0 and at most 100"})
	}
	if !p.ExchangeRate.IsPositive() {
		errs = append(errs, FieldError{Field: "exchangeRate", Code: "OUT_OF_RANGE", Message: "Exchange rate must be greater than zero"})
	}
	if p.OtherDiscountRate.IsNegative() {
		errs = append(errs, FieldError{Field: "otherDiscountRate", Code: "OUT_OF_RANGE", Message: "Other discount rate cannot be negative"})
	}
	if p.OtherLoadingRate.IsNegative() {
		errs = append(errs, FieldError{Field: "otherLoadingRate", Code: "OUT_OF_RANGE", Message: "Other loading rate cannot be negative"})
	}
	return errs
}

// CalculatedVehicle is a vehicle as returned by the complete calculation.
type CalculatedVehicle struct {
	VehicleDetails
	BasicPremium          decimal.Decimal `json:"basicPremium"`
	TotalDiscount         decimal.Decimal `json:"totalDiscount"`
	PremiumAfterDiscounts decimal.Decimal `json:"premiumAfterDiscounts"`
	TotalLoading          decimal.Decimal `json:"totalLoading"`
	PremiumAfterLoadings  decimal.Decimal `json:"premiumAfterLoadings"`
	FinalPremium          decimal.Decimal `json:"finalPremium"`
}

// ProposalTotals are the proposal-level aggregates.
type ProposalTotals struct {
	TotalSumInsured           decimal.Decimal `json:"totalSumInsured"`
	TotalPremium              decimal.Decimal `json:"totalPremium"`
	ProRataPremium            decimal.Decimal `json:"proRataPremium"`
	ShareSumInsured           decimal.Decimal `json:"shareSumInsured"`
	SharePremium              decimal.Decimal `json:"sharePremium"`
	ForeignCurrencySumInsured decimal.Decimal `json:"foreignCurrencySumInsured"`
	ForeignCurrencyPremium    decimal.Decimal `json:"foreignCurrencyPremium"`
	Currency                  string          `json:"currency,omitempty"`
	ExchangeRate              decimal.Decimal `json:"exchangeRate"`
}

// CompleteCalculationRequest is the body of the complete calculation call.
type CompleteCalculationRequest struct {
	Vehicles []VehicleDetails `json:"vehicles"`
	ProposalAdjustments
}

// CompleteCalculationResult is the response of the complete calculation call.
type CompleteCalculationResult struct {
	ProposalNo string              `json:"proposalNo"`
	Vehicles   []CalculatedVehicle `json:"vehicles"`
	Totals     ProposalTotals      `json:"totals"`
}
