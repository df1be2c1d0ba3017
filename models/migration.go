package models

import (
	"log"

	"github.com/mmdatafocus/inventory_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Item{},
		&Location{}, &WarehouseDefaultLocation{},
		&InventoryMovement{}, &InventoryMovementLine{},
		&Reservation{}, &ReservationEvent{},
		&CostLayer{}, &CostLayerConsumption{},
		&IdempotencyKey{},
		&OutboxEvent{}, &OutboxDeadLetter{}, &OutboxSequence{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
