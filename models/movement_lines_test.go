package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCanonicalLineSumBalancedTransfer(t *testing.T) {
	lines := []InventoryMovementLine{
		{CanonicalUom: "g", CanonicalQty: decimal.NewFromInt(-500)},
		{CanonicalUom: "g", CanonicalQty: decimal.NewFromInt(500)},
	}
	sum, uom, single := CanonicalLineSum(lines)
	if !sum.IsZero() || uom != "g" || !single {
		t.Errorf("CanonicalLineSum = (%s, %s, %v), want (0, g, true)", sum, uom, single)
	}
}

func TestCanonicalLineSumDetectsMixedUoms(t *testing.T) {
	lines := []InventoryMovementLine{
		{CanonicalUom: "g", CanonicalQty: decimal.NewFromInt(-500)},
		{CanonicalUom: "ml", CanonicalQty: decimal.NewFromInt(500)},
	}
	_, _, single := CanonicalLineSum(lines)
	if single {
		t.Error("CanonicalLineSum should report mixed canonical UOMs")
	}
}

func TestMovementTypeSourceRequirement(t *testing.T) {
	requires := map[MovementType]bool{
		MovementTypeReceive:         true,
		MovementTypeTransfer:        true,
		MovementTypeIssue:           false,
		MovementTypeAdjustment:      false,
		MovementTypeCount:           false,
		MovementTypeReceiptReversal: false,
	}
	for mt, want := range requires {
		if got := mt.RequiresSource(); got != want {
			t.Errorf("%s.RequiresSource() = %v, want %v", mt, got, want)
		}
	}
}
