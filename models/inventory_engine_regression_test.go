package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/inventory_backend/config"
	"github.com/mmdatafocus/inventory_backend/models"
	"github.com/mmdatafocus/inventory_backend/utils"
	"github.com/mmdatafocus/inventory_backend/workflow"
	"github.com/shopspring/decimal"
)

// End-to-end posting regression: receive builds layers, availability reflects
// posted lines, reservations commit availability, transfers conserve value,
// and replays of the same source are no-ops.
func TestPostingAndAvailabilityRegression(t *testing.T) {
	ctx := setupEngineTest(t)

	warehouse, bin := createTestHierarchy(t, ctx, "WH-MAIN")

	dim := "MASS"
	canonical := "g"
	stocking := "kg"
	item, err := models.CreateItem(ctx, &models.NewItem{
		Sku:          "FLOUR-01",
		Name:         "Bread Flour",
		Dimension:    &dim,
		CanonicalUom: &canonical,
		StockingUom:  &stocking,
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}

	// Receive 10 kg at 2.00/kg => 10000 g, unit cost per entered line.
	sourceType := "PURCHASE_RECEIPT"
	sourceId := "PO-1001"
	unitCost := decimal.RequireFromString("0.002") // per gram
	receive := &workflow.PostMovementInput{
		Type:       models.MovementTypeReceive,
		SourceType: &sourceType,
		SourceId:   &sourceId,
		OccurredAt: time.Now().UTC(),
		Lines: []workflow.MovementLineInput{{
			ItemId:     item.ID,
			LocationId: bin.ID,
			Quantity:   decimal.NewFromInt(10),
			Uom:        "kg",
			UnitCost:   &unitCost,
		}},
	}
	posted, err := workflow.PostMovement(ctx, receive)
	if err != nil {
		t.Fatalf("post receive: %v", err)
	}
	if posted.Status != models.MovementStatusPosted {
		t.Fatalf("movement status = %s, want POSTED", posted.Status)
	}

	// Replay of the same source must return the original movement.
	replayed, err := workflow.PostMovement(ctx, receive)
	if err != nil {
		t.Fatalf("replay receive: %v", err)
	}
	if replayed.ID != posted.ID {
		t.Fatalf("replay created a second movement: %s vs %s", replayed.ID, posted.ID)
	}

	availability, err := models.GetAvailability(ctx, warehouse.ID, item.ID, "g", nil)
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if !availability.OnHand.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("on hand = %s, want 10000", availability.OnHand)
	}
	if !availability.Available.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("available = %s, want 10000", availability.Available)
	}

	// Reserve 4 kg; available shrinks, on-hand does not.
	reservation, err := workflow.Reserve(ctx, &workflow.ReserveInput{
		ClientKey:  "RES-1",
		DemandType: "SALES_ORDER_LINE",
		DemandId:   "SO-1",
		ItemId:     item.ID,
		LocationId: bin.ID,
		Quantity:   decimal.NewFromInt(4),
		Uom:        "kg",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reservation.Status != models.ReservationStatusReserved {
		t.Fatalf("reservation status = %s", reservation.Status)
	}

	// Retried reserve with the same client key replays, never double-commits.
	again, err := workflow.Reserve(ctx, &workflow.ReserveInput{
		ClientKey:  "RES-1",
		DemandType: "SALES_ORDER_LINE",
		DemandId:   "SO-1",
		ItemId:     item.ID,
		LocationId: bin.ID,
		Quantity:   decimal.NewFromInt(4),
		Uom:        "kg",
	})
	if err != nil {
		t.Fatalf("reserve replay: %v", err)
	}
	if again.ID != reservation.ID {
		t.Fatalf("client key replay created a second reservation")
	}

	availability, err = models.GetAvailability(ctx, warehouse.ID, item.ID, "g", nil)
	if err != nil {
		t.Fatalf("availability after reserve: %v", err)
	}
	if !availability.OnHand.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("on hand after reserve = %s, want 10000", availability.OnHand)
	}
	if !availability.Reserved.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("reserved = %s, want 4000", availability.Reserved)
	}
	if !availability.Available.Equal(decimal.NewFromInt(6000)) {
		t.Fatalf("available = %s, want 6000", availability.Available)
	}

	// Reserving more than available is rejected without backorder opt-in.
	_, err = workflow.Reserve(ctx, &workflow.ReserveInput{
		ClientKey:  "RES-2",
		DemandType: "SALES_ORDER_LINE",
		DemandId:   "SO-2",
		ItemId:     item.ID,
		LocationId: bin.ID,
		Quantity:   decimal.NewFromInt(7),
		Uom:        "kg",
	})
	if err == nil {
		t.Fatal("over-reservation accepted")
	}
	if utils.CodeOf(err) != utils.CodeStockInsufficient {
		t.Fatalf("over-reservation code = %s", utils.CodeOf(err))
	}

	// Allocate then fulfill in two parts; second part completes the
	// reservation and releases its commitment.
	if _, err := workflow.AllocateReservation(ctx, reservation.ID); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := workflow.FulfillReservation(ctx, reservation.ID, decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("partial fulfill: %v", err)
	}
	final, err := workflow.FulfillReservation(ctx, reservation.ID, decimal.NewFromInt(3000))
	if err != nil {
		t.Fatalf("final fulfill: %v", err)
	}
	if final.Status != models.ReservationStatusFulfilled {
		t.Fatalf("final status = %s, want FULFILLED", final.Status)
	}
	if _, err := workflow.FulfillReservation(ctx, reservation.ID, decimal.NewFromInt(1)); err == nil {
		t.Fatal("fulfillment accepted on a FULFILLED reservation")
	}

	// Issue 2 kg; FIFO consumption draws from the receipt layer.
	_, err = workflow.PostMovement(ctx, &workflow.PostMovementInput{
		Type:       models.MovementTypeIssue,
		OccurredAt: time.Now().UTC(),
		Lines: []workflow.MovementLineInput{{
			ItemId:     item.ID,
			LocationId: bin.ID,
			Quantity:   decimal.NewFromInt(-2),
			Uom:        "kg",
		}},
	})
	if err != nil {
		t.Fatalf("post issue: %v", err)
	}

	// Issuing more than on hand is a STOCK_INSUFFICIENT conflict.
	_, err = workflow.PostMovement(ctx, &workflow.PostMovementInput{
		Type:       models.MovementTypeIssue,
		OccurredAt: time.Now().UTC(),
		Lines: []workflow.MovementLineInput{{
			ItemId:     item.ID,
			LocationId: bin.ID,
			Quantity:   decimal.NewFromInt(-500),
			Uom:        "kg",
		}},
	})
	if err == nil {
		t.Fatal("overdraft issue accepted")
	}
	if utils.CodeOf(err) != utils.CodeStockInsufficient {
		t.Fatalf("overdraft code = %s", utils.CodeOf(err))
	}
}

func TestTransferAndReversalRegression(t *testing.T) {
	ctx := setupEngineTest(t)

	warehouse, srcBin := createTestHierarchy(t, ctx, "WH-XFER")
	role := "SELLABLE"
	dstBin, err := models.CreateLocation(ctx, &models.NewLocation{
		Name: "Bin B", Type: "BIN", Role: &role, ParentId: &warehouse.ID,
	})
	if err != nil {
		t.Fatalf("create destination bin: %v", err)
	}

	item, err := models.CreateItem(ctx, &models.NewItem{Sku: "WIDGET-7", Name: "Widget"})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}

	sourceType := "PURCHASE_RECEIPT"
	sourceId := "PO-2001"
	unitCost := decimal.RequireFromString("3.50")
	receipt, err := workflow.PostMovement(ctx, &workflow.PostMovementInput{
		Type:       models.MovementTypeReceive,
		SourceType: &sourceType,
		SourceId:   &sourceId,
		OccurredAt: time.Now().UTC(),
		Lines: []workflow.MovementLineInput{{
			ItemId:     item.ID,
			LocationId: srcBin.ID,
			Quantity:   decimal.NewFromInt(50),
			Uom:        "ea",
			UnitCost:   &unitCost,
		}},
	})
	if err != nil {
		t.Fatalf("post receive: %v", err)
	}

	xferType := "TRANSFER_ORDER"
	xferId := "TO-1"
	_, err = workflow.PostMovement(ctx, &workflow.PostMovementInput{
		Type:       models.MovementTypeTransfer,
		SourceType: &xferType,
		SourceId:   &xferId,
		OccurredAt: time.Now().UTC(),
		Lines: []workflow.MovementLineInput{
			{ItemId: item.ID, LocationId: srcBin.ID, Quantity: decimal.NewFromInt(-20), Uom: "ea"},
			{ItemId: item.ID, LocationId: dstBin.ID, Quantity: decimal.NewFromInt(20), Uom: "ea"},
		},
	})
	if err != nil {
		t.Fatalf("post transfer: %v", err)
	}

	// Destination layer carries the source cost.
	db := config.GetDB()
	var dstLayer models.CostLayer
	if err := db.Where("item_id = ? AND location_id = ?", item.ID, dstBin.ID).
		First(&dstLayer).Error; err != nil {
		t.Fatalf("destination layer: %v", err)
	}
	if !dstLayer.UnitCost.Equal(unitCost) {
		t.Fatalf("destination layer cost = %s, want %s", dstLayer.UnitCost, unitCost)
	}

	// Unbalanced transfers never post.
	badId := "TO-2"
	_, err = workflow.PostMovement(ctx, &workflow.PostMovementInput{
		Type:       models.MovementTypeTransfer,
		SourceType: &xferType,
		SourceId:   &badId,
		OccurredAt: time.Now().UTC(),
		Lines: []workflow.MovementLineInput{
			{ItemId: item.ID, LocationId: srcBin.ID, Quantity: decimal.NewFromInt(-5), Uom: "ea"},
			{ItemId: item.ID, LocationId: dstBin.ID, Quantity: decimal.NewFromInt(4), Uom: "ea"},
		},
	})
	if err == nil {
		t.Fatal("unbalanced transfer accepted")
	}

	// Reverse a fresh receipt; at-most-once. (The first receipt is partly
	// transferred away, so reversing it would rightly fail on sufficiency.)
	sourceId2 := "PO-2002"
	receipt, err = workflow.PostMovement(ctx, &workflow.PostMovementInput{
		Type:       models.MovementTypeReceive,
		SourceType: &sourceType,
		SourceId:   &sourceId2,
		OccurredAt: time.Now().UTC(),
		Lines: []workflow.MovementLineInput{{
			ItemId:     item.ID,
			LocationId: srcBin.ID,
			Quantity:   decimal.NewFromInt(5),
			Uom:        "ea",
			UnitCost:   &unitCost,
		}},
	})
	if err != nil {
		t.Fatalf("post second receive: %v", err)
	}
	reversal, err := workflow.ReverseMovement(ctx, receipt.ID, "wrong PO")
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if reversal.Type != models.MovementTypeReceiptReversal {
		t.Fatalf("reversal type = %s", reversal.Type)
	}
	if _, err := workflow.ReverseMovement(ctx, receipt.ID, "again"); err == nil {
		t.Fatal("second reversal accepted")
	}

	// The ledger rows themselves are immutable once posted.
	err = db.WithContext(ctx).Model(&models.InventoryMovement{ID: receipt.ID}).
		Update("memo", "tampered").Error
	if err == nil {
		t.Fatal("posted movement mutated")
	}
}

func TestReservationExpirySweepRegression(t *testing.T) {
	ctx := setupEngineTest(t)

	_, bin := createTestHierarchy(t, ctx, "WH-EXP")
	item, err := models.CreateItem(ctx, &models.NewItem{Sku: "GADGET-1", Name: "Gadget"})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}

	sourceType := "PURCHASE_RECEIPT"
	sourceId := "PO-3001"
	unitCost := decimal.NewFromInt(1)
	if _, err := workflow.PostMovement(ctx, &workflow.PostMovementInput{
		Type:       models.MovementTypeReceive,
		SourceType: &sourceType,
		SourceId:   &sourceId,
		OccurredAt: time.Now().UTC(),
		Lines: []workflow.MovementLineInput{{
			ItemId:     item.ID,
			LocationId: bin.ID,
			Quantity:   decimal.NewFromInt(10),
			Uom:        "ea",
			UnitCost:   &unitCost,
		}},
	}); err != nil {
		t.Fatalf("post receive: %v", err)
	}

	// Already-lapsed expiry is accepted; the sweep picks it up.
	past := time.Now().UTC().Add(-time.Minute)
	reservation, err := workflow.Reserve(ctx, &workflow.ReserveInput{
		ClientKey:  "RES-EXP-1",
		DemandType: "SALES_ORDER_LINE",
		DemandId:   "SO-9",
		ItemId:     item.ID,
		LocationId: bin.ID,
		Quantity:   decimal.NewFromInt(3),
		Uom:        "ea",
		ExpiresAt:  &past,
	})
	if err != nil {
		t.Fatalf("reserve with lapsed expiry: %v", err)
	}

	expired, err := workflow.ExpireDueReservations(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}

	// Second sweep finds nothing: the claim is the effect.
	expired, err = workflow.ExpireDueReservations(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if expired != 0 {
		t.Fatalf("second sweep expired = %d, want 0", expired)
	}

	var reloaded models.Reservation
	db := config.GetDB()
	if err := db.Where("id = ?", reservation.ID).First(&reloaded).Error; err != nil {
		t.Fatalf("reload reservation: %v", err)
	}
	if reloaded.Status != models.ReservationStatusExpired {
		t.Fatalf("status = %s, want EXPIRED", reloaded.Status)
	}
	if reloaded.SweepId == nil {
		t.Fatal("sweep id not stamped")
	}

	// Expired reservations are terminal.
	if _, err := workflow.AllocateReservation(ctx, reservation.ID); err == nil {
		t.Fatal("allocation accepted on an EXPIRED reservation")
	}
}

// setupEngineTest boots MySQL in docker, connects, migrates, and returns a
// tenant-scoped context. Skipped unless INTEGRATION_TESTS is set.
func setupEngineTest(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "inventory_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetBusinessIdInContext(ctx, fmt.Sprintf("biz-%d", time.Now().UnixNano()))
	ctx = utils.SetUserNameInContext(ctx, "Test")
	return ctx
}

// createTestHierarchy builds warehouse -> zone -> sellable bin and returns the
// warehouse root and the bin.
func createTestHierarchy(t *testing.T, ctx context.Context, name string) (*models.Location, *models.Location) {
	t.Helper()
	warehouse, err := models.CreateLocation(ctx, &models.NewLocation{Name: name, Type: "WAREHOUSE"})
	if err != nil {
		t.Fatalf("create warehouse: %v", err)
	}
	zone, err := models.CreateLocation(ctx, &models.NewLocation{
		Name: name + " Zone", Type: "ZONE", ParentId: &warehouse.ID,
	})
	if err != nil {
		t.Fatalf("create zone: %v", err)
	}
	role := "SELLABLE"
	bin, err := models.CreateLocation(ctx, &models.NewLocation{
		Name: name + " Bin", Type: "BIN", Role: &role, ParentId: &zone.ID,
	})
	if err != nil {
		t.Fatalf("create bin: %v", err)
	}
	if bin.WarehouseId != warehouse.ID {
		t.Fatalf("bin warehouse = %d, want %d", bin.WarehouseId, warehouse.ID)
	}
	return warehouse, bin
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("inventory-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=inventory_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}

// Reparenting a location must carry its stock and commitments to the new
// warehouse: availability resolves warehouse through the live hierarchy, not
// through the stamps written at posting time.
func TestReparentMovesAvailabilityRegression(t *testing.T) {
	ctx := setupEngineTest(t)

	warehouseA, binA := createTestHierarchy(t, ctx, "WH-A")
	warehouseB, _ := createTestHierarchy(t, ctx, "WH-B")

	item, err := models.CreateItem(ctx, &models.NewItem{Sku: "CABLE-1", Name: "Cable"})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}

	sourceType := "PURCHASE_RECEIPT"
	sourceId := "PO-5001"
	unitCost := decimal.NewFromInt(1)
	if _, err := workflow.PostMovement(ctx, &workflow.PostMovementInput{
		Type:       models.MovementTypeReceive,
		SourceType: &sourceType,
		SourceId:   &sourceId,
		OccurredAt: time.Now().UTC(),
		Lines: []workflow.MovementLineInput{{
			ItemId:     item.ID,
			LocationId: binA.ID,
			Quantity:   decimal.NewFromInt(10),
			Uom:        "ea",
			UnitCost:   &unitCost,
		}},
	}); err != nil {
		t.Fatalf("post receive: %v", err)
	}
	if _, err := workflow.Reserve(ctx, &workflow.ReserveInput{
		ClientKey:  "RES-MOVE-1",
		DemandType: "SALES_ORDER_LINE",
		DemandId:   "SO-55",
		ItemId:     item.ID,
		LocationId: binA.ID,
		Quantity:   decimal.NewFromInt(2),
		Uom:        "ea",
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if _, err := workflow.ReparentLocation(ctx, binA.ID, warehouseB.ID); err != nil {
		t.Fatalf("reparent bin: %v", err)
	}

	after, err := models.GetAvailability(ctx, warehouseB.ID, item.ID, "ea", nil)
	if err != nil {
		t.Fatalf("availability at new warehouse: %v", err)
	}
	if !after.OnHand.Equal(decimal.NewFromInt(10)) {
		t.Errorf("new warehouse on-hand = %s, want 10", after.OnHand)
	}
	if !after.Reserved.Equal(decimal.NewFromInt(2)) {
		t.Errorf("new warehouse reserved = %s, want 2", after.Reserved)
	}
	if !after.Available.Equal(decimal.NewFromInt(8)) {
		t.Errorf("new warehouse available = %s, want 8", after.Available)
	}

	old, err := models.GetAvailability(ctx, warehouseA.ID, item.ID, "ea", nil)
	if err != nil {
		t.Fatalf("availability at old warehouse: %v", err)
	}
	if !old.OnHand.IsZero() || !old.Reserved.IsZero() {
		t.Errorf("old warehouse still holds on-hand=%s reserved=%s, want zero", old.OnHand, old.Reserved)
	}
}

// A posting that fails after claiming its idempotency key must leave a FAILED
// key behind, and a retry with the same payload replays that failure instead
// of re-running the work.
func TestIdempotencyFailureReplayRegression(t *testing.T) {
	ctx := setupEngineTest(t)

	_, bin := createTestHierarchy(t, ctx, "WH-IDEM")
	unitCost := decimal.NewFromInt(5)
	sourceType := "PURCHASE_RECEIPT"
	sourceId := "PO-6001"
	input := &workflow.PostMovementInput{
		Type:           models.MovementTypeReceive,
		SourceType:     &sourceType,
		SourceId:       &sourceId,
		OccurredAt:     time.Now().UTC(),
		IdempotencyKey: "IDEM-FAIL-1",
		Lines: []workflow.MovementLineInput{{
			ItemId:     999999, // no such item
			LocationId: bin.ID,
			Quantity:   decimal.NewFromInt(1),
			Uom:        "ea",
			UnitCost:   &unitCost,
		}},
	}

	_, err := workflow.PostMovement(ctx, input)
	if err == nil {
		t.Fatal("posting against an unknown item should fail")
	}
	if utils.CategoryOf(err) != utils.CategoryNotFound {
		t.Fatalf("first failure category = %s, want %s", utils.CategoryOf(err), utils.CategoryNotFound)
	}

	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	var key models.IdempotencyKey
	if err := config.GetDB().
		Where("business_id = ? AND idem_key = ?", businessId, "IDEM-FAIL-1").
		First(&key).Error; err != nil {
		t.Fatalf("load idempotency key: %v", err)
	}
	if key.Status != models.IdempotencyStatusFailed {
		t.Fatalf("key status = %s, want %s", key.Status, models.IdempotencyStatusFailed)
	}

	_, err = workflow.PostMovement(ctx, input)
	if err == nil {
		t.Fatal("retry of a failed key should replay the failure")
	}
	if utils.CodeOf(err) != utils.CodeIdempotencyConflict {
		t.Fatalf("retry code = %s, want %s", utils.CodeOf(err), utils.CodeIdempotencyConflict)
	}

	// Same key, different payload: hash mismatch, still a conflict.
	changed := *input
	changed.Lines = []workflow.MovementLineInput{{
		ItemId:     999999,
		LocationId: bin.ID,
		Quantity:   decimal.NewFromInt(2),
		Uom:        "ea",
		UnitCost:   &unitCost,
	}}
	_, err = workflow.PostMovement(ctx, &changed)
	if err == nil || utils.CodeOf(err) != utils.CodeIdempotencyConflict {
		t.Fatalf("mismatched payload err = %v, want %s", err, utils.CodeIdempotencyConflict)
	}
}

// Reversing an issue must re-land the stock at the value the issue drew from
// its layers, not at zero cost.
func TestIssueReversalRestoresValue(t *testing.T) {
	ctx := setupEngineTest(t)

	_, bin := createTestHierarchy(t, ctx, "WH-VAL")
	item, err := models.CreateItem(ctx, &models.NewItem{Sku: "VALVE-1", Name: "Valve"})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}

	sourceType := "PURCHASE_RECEIPT"
	sourceId := "PO-4001"
	unitCost := decimal.RequireFromString("2.00")
	if _, err := workflow.PostMovement(ctx, &workflow.PostMovementInput{
		Type:       models.MovementTypeReceive,
		SourceType: &sourceType,
		SourceId:   &sourceId,
		OccurredAt: time.Now().UTC(),
		Lines: []workflow.MovementLineInput{{
			ItemId:     item.ID,
			LocationId: bin.ID,
			Quantity:   decimal.NewFromInt(10),
			Uom:        "ea",
			UnitCost:   &unitCost,
		}},
	}); err != nil {
		t.Fatalf("post receive: %v", err)
	}

	issue, err := workflow.PostMovement(ctx, &workflow.PostMovementInput{
		Type:       models.MovementTypeIssue,
		OccurredAt: time.Now().UTC(),
		Lines: []workflow.MovementLineInput{{
			ItemId:     item.ID,
			LocationId: bin.ID,
			Quantity:   decimal.NewFromInt(-4),
			Uom:        "ea",
		}},
	})
	if err != nil {
		t.Fatalf("post issue: %v", err)
	}

	reversal, err := workflow.ReverseMovement(ctx, issue.ID, "ops correction")
	if err != nil {
		t.Fatalf("reverse issue: %v", err)
	}
	if len(reversal.Lines) != 1 {
		t.Fatalf("reversal lines = %d, want 1", len(reversal.Lines))
	}
	if reversal.Lines[0].UnitCost == nil || !reversal.Lines[0].UnitCost.Equal(unitCost) {
		t.Fatalf("reversal unit cost = %v, want %s", reversal.Lines[0].UnitCost, unitCost)
	}

	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	var layer models.CostLayer
	if err := config.GetDB().
		Where("business_id = ? AND item_id = ? AND location_id = ?", businessId, item.ID, bin.ID).
		Order("id DESC").
		First(&layer).Error; err != nil {
		t.Fatalf("load reversal layer: %v", err)
	}
	if !layer.UnitCost.Equal(unitCost) {
		t.Errorf("reversal layer unit cost = %s, want %s", layer.UnitCost, unitCost)
	}
	if !layer.RemainingQuantity.Equal(decimal.NewFromInt(4)) {
		t.Errorf("reversal layer remaining = %s, want 4", layer.RemainingQuantity)
	}
}
