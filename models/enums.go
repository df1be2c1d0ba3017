package models

// LocationType distinguishes warehouse roots from the storage nodes below them.
type LocationType string

const (
	LocationTypeWarehouse LocationType = "WAREHOUSE"
	LocationTypeZone      LocationType = "ZONE"
	LocationTypeAisle     LocationType = "AISLE"
	LocationTypeRack      LocationType = "RACK"
	LocationTypeBin       LocationType = "BIN"
)

func (t LocationType) Valid() bool {
	switch t {
	case LocationTypeWarehouse, LocationTypeZone, LocationTypeAisle, LocationTypeRack, LocationTypeBin:
		return true
	}
	return false
}

// LocationRole drives sellability and disposition routing. Warehouse roots are
// role-less.
type LocationRole string

const (
	LocationRoleSellable LocationRole = "SELLABLE"
	LocationRoleQA       LocationRole = "QA"
	LocationRoleHold     LocationRole = "HOLD"
	LocationRoleReject   LocationRole = "REJECT"
	LocationRoleScrap    LocationRole = "SCRAP"
)

func (r LocationRole) Valid() bool {
	switch r {
	case LocationRoleSellable, LocationRoleQA, LocationRoleHold, LocationRoleReject, LocationRoleScrap:
		return true
	}
	return false
}

// UOMDimension groups units that convert into one canonical symbol.
type UOMDimension string

const (
	UOMDimensionMass   UOMDimension = "MASS"
	UOMDimensionVolume UOMDimension = "VOLUME"
	UOMDimensionCount  UOMDimension = "COUNT"
	UOMDimensionLength UOMDimension = "LENGTH"
	UOMDimensionArea   UOMDimension = "AREA"
	UOMDimensionTime   UOMDimension = "TIME"
)

type MovementType string

const (
	MovementTypeReceive         MovementType = "RECEIVE"
	MovementTypeIssue           MovementType = "ISSUE"
	MovementTypeTransfer        MovementType = "TRANSFER"
	MovementTypeAdjustment      MovementType = "ADJUSTMENT"
	MovementTypeCount           MovementType = "COUNT"
	MovementTypeReceiptReversal MovementType = "RECEIPT_REVERSAL"
)

func (t MovementType) Valid() bool {
	switch t {
	case MovementTypeReceive, MovementTypeIssue, MovementTypeTransfer,
		MovementTypeAdjustment, MovementTypeCount, MovementTypeReceiptReversal:
		return true
	}
	return false
}

// RequiresSource reports whether movements of this type must carry a
// source_type/source_id pair for idempotent matching.
func (t MovementType) RequiresSource() bool {
	return t == MovementTypeReceive || t == MovementTypeTransfer
}

type MovementStatus string

const (
	MovementStatusDraft  MovementStatus = "DRAFT"
	MovementStatusPosted MovementStatus = "POSTED"
)

type ReservationStatus string

const (
	ReservationStatusReserved  ReservationStatus = "RESERVED"
	ReservationStatusAllocated ReservationStatus = "ALLOCATED"
	ReservationStatusFulfilled ReservationStatus = "FULFILLED"
	ReservationStatusCancelled ReservationStatus = "CANCELLED"
	ReservationStatusExpired   ReservationStatus = "EXPIRED"
)

// Terminal reservations are immutable.
func (s ReservationStatus) Terminal() bool {
	switch s {
	case ReservationStatusFulfilled, ReservationStatusCancelled, ReservationStatusExpired:
		return true
	}
	return false
}

type ConsumptionType string

const (
	ConsumptionTypeIssue           ConsumptionType = "ISSUE"
	ConsumptionTypeProductionInput ConsumptionType = "PRODUCTION_INPUT"
	ConsumptionTypeSale            ConsumptionType = "SALE"
	ConsumptionTypeAdjustment      ConsumptionType = "ADJUSTMENT"
	ConsumptionTypeScrap           ConsumptionType = "SCRAP"
	ConsumptionTypeTransferOut     ConsumptionType = "TRANSFER_OUT"
)

func (t ConsumptionType) Valid() bool {
	switch t {
	case ConsumptionTypeIssue, ConsumptionTypeProductionInput, ConsumptionTypeSale,
		ConsumptionTypeAdjustment, ConsumptionTypeScrap, ConsumptionTypeTransferOut:
		return true
	}
	return false
}

type IdempotencyStatus string

const (
	IdempotencyStatusInProgress IdempotencyStatus = "IN_PROGRESS"
	IdempotencyStatusSucceeded  IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed     IdempotencyStatus = "FAILED"
)

// Outbox publish statuses. Keep these as strings (DB values).
const (
	OutboxStatusPending    = "PENDING"
	OutboxStatusProcessing = "PROCESSING"
	OutboxStatusCompleted  = "COMPLETED"
	OutboxStatusFailed     = "FAILED"
	OutboxStatusDead       = "DEAD"
)

// Event types emitted through the outbox.
const (
	EventTypeMovementPosted     = "inventory.movement.posted"
	EventTypeMovementReversed   = "inventory.movement.reversed"
	EventTypeReservationCreated = "inventory.reservation.created"
	EventTypeReservationChanged = "inventory.reservation.changed"
	EventTypeCostLayerCreated   = "inventory.costlayer.created"
	EventTypeCostLayerConsumed  = "inventory.costlayer.consumed"
	EventTypeLocationReparented = "inventory.location.reparented"
)

// Aggregate types for outbox rows.
const (
	AggregateTypeMovement    = "InventoryMovement"
	AggregateTypeReservation = "Reservation"
	AggregateTypeCostLayer   = "CostLayer"
	AggregateTypeLocation    = "Location"
)
