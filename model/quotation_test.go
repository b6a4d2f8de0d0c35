package model

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVehicle() Vehicle {
	return Vehicle{
		ID:          "veh-1",
		IsCollapsed: true,
		VehicleDetails: VehicleDetails{
			RegistrationNo: "LAG-123-XY",
			Make:           "Toyota",
			Model:          "Corolla",
			Year:           2021,
			VehicleType:    "Saloon",
			CoverType:      "Comprehensive",
			Usage:          "Private",
			VehicleValue:   decimal.NewFromInt(5_000_000),
			PremiumRate:    decimal.NewFromInt(3),
			SeatCapacity:   5,
		},
	}
}

func TestVehicle_Details_stripsUIFields(t *testing.T) {
	v := testVehicle()
	v.Discounts = []Adjustment{
		{Name: "NCD", Type: AdjustmentDiscount, Rate: decimal.NewFromInt(10), SequenceOrder: 2},
		{Name: "Fleet", Type: AdjustmentDiscount, Rate: decimal.NewFromInt(5), SequenceOrder: 1},
	}

	raw, err := json.Marshal(v.Details())
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.NotContains(t, m, "id")
	assert.NotContains(t, m, "isCollapsed")
	assert.Equal(t, float64(5000000), m["vehicleValue"], "amounts must be bare numbers")

	d := v.Details()
	require.Len(t, d.Discounts, 2)
	assert.Equal(t, "Fleet", d.Discounts[0].Name)
	assert.Equal(t, "NCD", v.Discounts[0].Name, "original order must not change")
	assert.NotNil(t, d.Loadings, "empty loadings encode as []")
}

func TestVehicle_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Vehicle)
		fields []string
	}{
		{name: "valid", mutate: func(*Vehicle) {}},
		{
			name:   "zero value",
			mutate: func(v *Vehicle) { v.VehicleValue = decimal.Zero },
			fields: []string{"vehicleValue"},
		},
		{
			name: "missing rate and cover",
			mutate: func(v *Vehicle) {
				v.PremiumRate = decimal.Zero
				v.CoverType = " "
			},
			fields: []string{"premiumRate", "coverType"},
		},
		{
			name: "negative loading rate",
			mutate: func(v *Vehicle) {
				v.Loadings = []Adjustment{{Name: "Age", Type: AdjustmentLoading, Rate: decimal.NewFromInt(-1)}}
			},
			fields: []string{"adjustments[0].rate"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := testVehicle()
			tt.mutate(&v)
			errs := v.Validate()
			got := make([]string, 0, len(errs))
			for _, e := range errs {
				got = append(got, e.Field)
			}
			assert.ElementsMatch(t, tt.fields, got)
		})
	}
}

func TestVehicle_RatingKey(t *testing.T) {
	base := testVehicle()

	same := base
	same.ID = "veh-2"
	same.RegistrationNo = "ABJ-999-ZZ"
	same.IsCollapsed = false
	assert.Equal(t, base.RatingKey(), same.RatingKey(), "non-rating fields must not change the key")

	valueChanged := base
	valueChanged.VehicleValue = decimal.NewFromInt(6_000_000)
	assert.NotEqual(t, base.RatingKey(), valueChanged.RatingKey())

	coverChanged := base
	coverChanged.CoverType = "Third Party"
	assert.NotEqual(t, base.RatingKey(), coverChanged.RatingKey())

	withLoading := base
	withLoading.Loadings = []Adjustment{{Name: "Young driver", Type: AdjustmentLoading, Rate: decimal.NewFromInt(10)}}
	assert.NotEqual(t, base.RatingKey(), withLoading.RatingKey())
}

func TestVehicle_Label(t *testing.T) {
	v := testVehicle()
	assert.Equal(t, "Toyota Corolla (LAG-123-XY)", v.Label())

	blank := Vehicle{ID: "veh-9"}
	assert.Equal(t, "veh-9", blank.Label())
}

func TestProposalAdjustments_Validate(t *testing.T) {
	assert.Empty(t, DefaultProposalAdjustments().Validate())

	p := DefaultProposalAdjustments()
	p.CoverDays = 0
	p.ProportionRate = decimal.NewFromInt(120)
	p.ExchangeRate = decimal.Zero
	errs := p.Validate()
	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"coverDays", "proportionRate", "exchangeRate"}, fields)
}

func TestSortAdjustments_stable(t *testing.T) {
	adjs := []Adjustment{
		{Name: "b", SequenceOrder: 2},
		{Name: "a1", SequenceOrder: 1},
		{Name: "a2", SequenceOrder: 1},
	}
	SortAdjustments(adjs)
	assert.Equal(t, []string{"a1", "a2", "b"}, []string{adjs[0].Name, adjs[1].Name, adjs[2].Name})
}

func TestCompleteCalculationRequest_flattensAdjustments(t *testing.T) {
	req := CompleteCalculationRequest{
		Vehicles:            []VehicleDetails{testVehicle().Details()},
		ProposalAdjustments: DefaultProposalAdjustments(),
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, float64(365), m["coverDays"])
	assert.Equal(t, "NGN", m["currency"])
	assert.Len(t, m["vehicles"], 1)
}
