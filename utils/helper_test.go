package utils

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

func TestWithinEpsilon(t *testing.T) {
	a := decimal.RequireFromString("10.0000")
	if !WithinEpsilon(a, decimal.RequireFromString("10.00005")) {
		t.Error("difference below epsilon should compare equal")
	}
	if !WithinEpsilon(a, decimal.RequireFromString("10.0001")) {
		t.Error("difference at epsilon should compare equal")
	}
	if WithinEpsilon(a, decimal.RequireFromString("10.0002")) {
		t.Error("difference above epsilon should not compare equal")
	}
	if !WithinEpsilon(decimal.RequireFromString("-0.00005"), decimal.Zero) {
		t.Error("epsilon comparison should be symmetric around zero")
	}
}

func TestHashRequestPayloadIsDeterministic(t *testing.T) {
	type payload struct {
		B string `json:"b"`
		A int    `json:"a"`
	}
	h1, err := HashRequestPayload(payload{B: "x", A: 1})
	if err != nil {
		t.Fatalf("HashRequestPayload: %v", err)
	}
	h2, err := HashRequestPayload(payload{B: "x", A: 1})
	if err != nil {
		t.Fatalf("HashRequestPayload: %v", err)
	}
	if h1 != h2 {
		t.Error("equal payloads must hash equal")
	}

	h3, _ := HashRequestPayload(payload{B: "x", A: 2})
	if h1 == h3 {
		t.Error("different payloads must hash different")
	}

	// Maps with different insertion orders normalize to the same hash.
	m1, _ := HashRequestPayload(map[string]any{"a": 1, "b": "x"})
	m2, _ := HashRequestPayload(map[string]any{"b": "x", "a": 1})
	if m1 != m2 {
		t.Error("map key order must not change the hash")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	v := NewValidationError("bad input %d", 7)
	if CategoryOf(v) != CategoryValidation {
		t.Errorf("validation category = %s", CategoryOf(v))
	}
	n := NewNotFoundError("missing")
	if CategoryOf(n) != CategoryNotFound {
		t.Errorf("not-found category = %s", CategoryOf(n))
	}
	c := NewConflictError(CodeStockInsufficient, "short")
	if CategoryOf(c) != CategoryConflict || CodeOf(c) != CodeStockInsufficient {
		t.Errorf("conflict = %s/%s", CategoryOf(c), CodeOf(c))
	}
	if !IsConflict(c) || IsConflict(v) {
		t.Error("IsConflict misclassifies")
	}
	i := NewInvariantError(CodeCostConservation, "leak")
	if CategoryOf(i) != CategoryInvariantViolation {
		t.Errorf("invariant category = %s", CategoryOf(i))
	}

	// Unclassified errors are treated as invariant violations: something went
	// wrong the taxonomy did not anticipate.
	if CategoryOf(errors.New("driver exploded")) != CategoryInvariantViolation {
		t.Errorf("unclassified category = %s", CategoryOf(errors.New("driver exploded")))
	}
}

func TestBindingErrorFlattensFieldFailures(t *testing.T) {
	type payload struct {
		ItemId   int    `validate:"required"`
		Quantity string `validate:"required"`
	}
	raw := validator.New().Struct(payload{})
	if raw == nil {
		t.Fatal("expected validation failures for empty payload")
	}

	err := BindingError(raw)
	if CategoryOf(err) != CategoryValidation {
		t.Errorf("category = %s, want %s", CategoryOf(err), CategoryValidation)
	}
	for _, field := range []string{"ItemId", "Quantity", "required"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("message %q should mention %s", err.Error(), field)
		}
	}
}

func TestBindingErrorPassesThroughPlainErrors(t *testing.T) {
	err := BindingError(errors.New("unexpected EOF"))
	if CategoryOf(err) != CategoryValidation {
		t.Errorf("category = %s, want %s", CategoryOf(err), CategoryValidation)
	}
	if !strings.Contains(err.Error(), "unexpected EOF") {
		t.Errorf("message %q should carry the decode error", err.Error())
	}
}
