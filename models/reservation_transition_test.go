package models

import (
	"testing"

	"github.com/mmdatafocus/inventory_backend/utils"
	"github.com/shopspring/decimal"
)

func TestReservationTransitionMatrix(t *testing.T) {
	allowed := []struct{ from, to ReservationStatus }{
		{ReservationStatusReserved, ReservationStatusAllocated},
		{ReservationStatusReserved, ReservationStatusCancelled},
		{ReservationStatusReserved, ReservationStatusExpired},
		{ReservationStatusAllocated, ReservationStatusFulfilled},
		{ReservationStatusAllocated, ReservationStatusCancelled},
	}
	for _, tc := range allowed {
		if err := ValidateReservationTransition(tc.from, tc.to); err != nil {
			t.Errorf("transition %s -> %s should be allowed: %v", tc.from, tc.to, err)
		}
	}

	denied := []struct{ from, to ReservationStatus }{
		{ReservationStatusReserved, ReservationStatusFulfilled},
		{ReservationStatusAllocated, ReservationStatusExpired},
		{ReservationStatusAllocated, ReservationStatusReserved},
		{ReservationStatusFulfilled, ReservationStatusCancelled},
		{ReservationStatusCancelled, ReservationStatusReserved},
		{ReservationStatusExpired, ReservationStatusAllocated},
		{ReservationStatusFulfilled, ReservationStatusReserved},
	}
	for _, tc := range denied {
		err := ValidateReservationTransition(tc.from, tc.to)
		if err == nil {
			t.Errorf("transition %s -> %s should be rejected", tc.from, tc.to)
			continue
		}
		if utils.CodeOf(err) != utils.CodeInvalidTransition {
			t.Errorf("transition %s -> %s: code = %s, want %s", tc.from, tc.to, utils.CodeOf(err), utils.CodeInvalidTransition)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := map[ReservationStatus]bool{
		ReservationStatusReserved:  false,
		ReservationStatusAllocated: false,
		ReservationStatusFulfilled: true,
		ReservationStatusCancelled: true,
		ReservationStatusExpired:   true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestActiveCommitment(t *testing.T) {
	r := Reservation{
		QuantityReserved:  decimal.NewFromInt(10),
		QuantityFulfilled: decimal.NewFromInt(4),
	}
	if got := r.ActiveCommitment(); !got.Equal(decimal.NewFromInt(6)) {
		t.Errorf("ActiveCommitment = %s, want 6", got)
	}

	// Over-fulfilled rows never contribute negative commitment.
	r.QuantityFulfilled = decimal.NewFromInt(12)
	if got := r.ActiveCommitment(); !got.IsZero() {
		t.Errorf("ActiveCommitment over-fulfilled = %s, want 0", got)
	}
}
