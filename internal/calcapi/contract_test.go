package calcapi

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/pitabwire/quotedesk/model"
)

func loadTestContract(t *testing.T) *Contract {
	t.Helper()
	c, err := LoadContract(context.Background(), "testdata/calc-api.yaml")
	if err != nil {
		t.Fatalf("LoadContract() error = %v", err)
	}
	return c
}

func TestLoadContract(t *testing.T) {
	c := loadTestContract(t)
	if c.Operations() != 5 {
		t.Errorf("Operations() = %d, want 5", c.Operations())
	}
}

func TestLoadContract_missingFile(t *testing.T) {
	if _, err := LoadContract(context.Background(), "testdata/nope.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestContract_Verify_reportsMissing(t *testing.T) {
	err := loadTestContract(t).Verify()
	if err == nil {
		t.Fatal("Verify() = nil, want missing operations")
	}
	for _, op := range []string{OpApplyLoadings, OpAggregateVehicles, OpFinalCalculation} {
		if !strings.Contains(err.Error(), op) {
			t.Errorf("Verify() error %q does not name %s", err, op)
		}
	}
	for _, op := range []string{OpCreateComplete, OpGetBreakdown, OpBasicPremium, OpApplyDiscounts} {
		if strings.Contains(err.Error(), op+" (") {
			t.Errorf("Verify() error %q names declared operation %s", err, op)
		}
	}
}

func TestContract_RequiredFields(t *testing.T) {
	c := loadTestContract(t)

	errs := c.RequiredFields(OpCreateComplete, map[string]any{"vehicles": []any{}})
	if len(errs) != 2 {
		t.Fatalf("RequiredFields() = %+v, want coverDays and currency", errs)
	}
	if errs[0].Field != "coverDays" || errs[1].Field != "currency" {
		t.Errorf("fields = %s, %s", errs[0].Field, errs[1].Field)
	}

	if errs := c.RequiredFields(OpGetBreakdown, nil); errs != nil {
		t.Errorf("GET without body = %+v, want nil", errs)
	}
	if errs := c.RequiredFields(OpFinalCalculation, map[string]any{}); errs != nil {
		t.Errorf("undeclared operation = %+v, want nil", errs)
	}
}

func TestClient_contractRejectsBeforeSending(t *testing.T) {
	var calls int
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"resultingAmount":150000}`))
	})
	c.contract = loadTestContract(t)

	if _, err := c.RunStep(testRequestContext(), model.StepBasicPremium, model.StepRequest{}); err != nil {
		t.Fatalf("RunStep(basic) error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	_, err := c.RunStep(testRequestContext(), model.StepApplyDiscounts, model.StepRequest{})
	env, ok := model.AsEnvelope(err)
	if !ok || env.Code != model.ErrValidationError {
		t.Fatalf("RunStep(discounts) error = %v, want VALIDATION_ERROR", err)
	}
	if len(env.Details) != 1 || env.Details[0].Field != "previousStep" {
		t.Errorf("Details = %+v", env.Details)
	}
	if calls != 1 {
		t.Errorf("calls = %d, request should not have been sent", calls)
	}
}
