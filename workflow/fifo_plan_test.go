package workflow

import (
	"testing"
	"time"

	"github.com/mmdatafocus/inventory_backend/models"
	"github.com/shopspring/decimal"
)

func layer(id int, date string, seq int, remaining, unitCost string) models.CostLayer {
	d, _ := time.Parse("2006-01-02", date)
	return models.CostLayer{
		ID:                id,
		LayerDate:         d,
		LayerSequence:     seq,
		RemainingQuantity: decimal.RequireFromString(remaining),
		UnitCost:          decimal.RequireFromString(unitCost),
	}
}

func TestPlanFifoConsumptionDrawsOldestFirst(t *testing.T) {
	// Ordered the way ConsumeCostLayers queries them: date, sequence, id.
	layers := []models.CostLayer{
		layer(1, "2026-01-01", 1, "10", "2.00"),
		layer(2, "2026-01-01", 2, "5", "2.50"),
		layer(3, "2026-02-01", 1, "20", "3.00"),
	}
	draws, shortfall := PlanFifoConsumption(layers, decimal.NewFromInt(12))
	if !shortfall.IsZero() {
		t.Fatalf("shortfall = %s, want 0", shortfall)
	}
	if len(draws) != 2 {
		t.Fatalf("draws = %d, want 2", len(draws))
	}
	if draws[0].LayerId != 1 || !draws[0].Quantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("first draw = layer %d qty %s, want layer 1 qty 10", draws[0].LayerId, draws[0].Quantity)
	}
	if draws[1].LayerId != 2 || !draws[1].Quantity.Equal(decimal.NewFromInt(2)) {
		t.Errorf("second draw = layer %d qty %s, want layer 2 qty 2", draws[1].LayerId, draws[1].Quantity)
	}
	if !draws[1].UnitCost.Equal(decimal.RequireFromString("2.50")) {
		t.Errorf("second draw unit cost = %s, want 2.50", draws[1].UnitCost)
	}
}

func TestPlanFifoConsumptionReportsShortfall(t *testing.T) {
	layers := []models.CostLayer{
		layer(1, "2026-01-01", 1, "3", "1.00"),
	}
	draws, shortfall := PlanFifoConsumption(layers, decimal.NewFromInt(10))
	if !shortfall.Equal(decimal.NewFromInt(7)) {
		t.Errorf("shortfall = %s, want 7", shortfall)
	}
	if len(draws) != 1 || !draws[0].Quantity.Equal(decimal.NewFromInt(3)) {
		t.Errorf("partial draw should still take the available 3")
	}
}

func TestPlanFifoConsumptionSkipsEmptyLayers(t *testing.T) {
	layers := []models.CostLayer{
		layer(1, "2026-01-01", 1, "0", "1.00"),
		layer(2, "2026-01-02", 1, "8", "1.50"),
	}
	draws, shortfall := PlanFifoConsumption(layers, decimal.NewFromInt(5))
	if !shortfall.IsZero() || len(draws) != 1 || draws[0].LayerId != 2 {
		t.Errorf("expected single draw from layer 2, got %v shortfall %s", draws, shortfall)
	}
}

func TestPlanFifoConsumptionExactDrain(t *testing.T) {
	layers := []models.CostLayer{
		layer(1, "2026-01-01", 1, "4", "1.00"),
		layer(2, "2026-01-01", 2, "6", "2.00"),
	}
	draws, shortfall := PlanFifoConsumption(layers, decimal.NewFromInt(10))
	if !shortfall.IsZero() || len(draws) != 2 {
		t.Fatalf("draws = %d shortfall = %s, want 2 draws and no shortfall", len(draws), shortfall)
	}
	total := decimal.Zero
	for _, d := range draws {
		total = total.Add(d.Quantity)
	}
	if !total.Equal(decimal.NewFromInt(10)) {
		t.Errorf("total drawn = %s, want 10", total)
	}
}

func TestCheckTransferBalance(t *testing.T) {
	balanced := []models.InventoryMovementLine{
		{ItemId: 1, CanonicalUom: "g", CanonicalQty: decimal.NewFromInt(-100)},
		{ItemId: 1, CanonicalUom: "g", CanonicalQty: decimal.NewFromInt(100)},
		{ItemId: 2, CanonicalUom: "g", CanonicalQty: decimal.NewFromInt(-3)},
		{ItemId: 2, CanonicalUom: "g", CanonicalQty: decimal.NewFromInt(3)},
	}
	if err := checkTransferBalance("m1", balanced); err != nil {
		t.Errorf("balanced transfer rejected: %v", err)
	}

	unbalanced := []models.InventoryMovementLine{
		{ItemId: 1, CanonicalUom: "g", CanonicalQty: decimal.NewFromInt(-100)},
		{ItemId: 1, CanonicalUom: "g", CanonicalQty: decimal.NewFromInt(90)},
	}
	if err := checkTransferBalance("m2", unbalanced); err == nil {
		t.Error("unbalanced transfer accepted")
	}

	mixed := []models.InventoryMovementLine{
		{ItemId: 1, CanonicalUom: "g", CanonicalQty: decimal.NewFromInt(-100)},
		{ItemId: 1, CanonicalUom: "ml", CanonicalQty: decimal.NewFromInt(100)},
	}
	if err := checkTransferBalance("m3", mixed); err == nil {
		t.Error("mixed-UOM transfer accepted")
	}

	// One UOM per movement, not merely per item: each item nets to zero
	// here, but the lines do not share a canonical UOM.
	mixedAcrossItems := []models.InventoryMovementLine{
		{ItemId: 1, CanonicalUom: "g", CanonicalQty: decimal.NewFromInt(-100)},
		{ItemId: 1, CanonicalUom: "g", CanonicalQty: decimal.NewFromInt(100)},
		{ItemId: 2, CanonicalUom: "ea", CanonicalQty: decimal.NewFromInt(-3)},
		{ItemId: 2, CanonicalUom: "ea", CanonicalQty: decimal.NewFromInt(3)},
	}
	if err := checkTransferBalance("m4", mixedAcrossItems); err == nil {
		t.Error("transfer mixing canonical UOMs across items accepted")
	}
}

func TestValueConservationChecks(t *testing.T) {
	if err := checkTransferValueConservation("m1",
		decimal.RequireFromString("100.00"), decimal.RequireFromString("100.00005")); err != nil {
		t.Errorf("within-epsilon conservation rejected: %v", err)
	}
	if err := checkTransferValueConservation("m1",
		decimal.RequireFromString("100.00"), decimal.RequireFromString("99.00")); err == nil {
		t.Error("off-by-one conservation accepted")
	}

	if err := checkProductionValueConservation("m2",
		decimal.NewFromInt(50), decimal.NewFromInt(45), decimal.NewFromInt(5)); err != nil {
		t.Errorf("conserved production rejected: %v", err)
	}
	if err := checkProductionValueConservation("m2",
		decimal.NewFromInt(50), decimal.NewFromInt(45), decimal.NewFromInt(2)); err == nil {
		t.Error("leaking production accepted")
	}
}
