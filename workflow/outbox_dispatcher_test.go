package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
)

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	base := 5 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{5, 80 * time.Second},
		{8, 10 * time.Minute},
		{50, 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := backoffDelay(base, tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(attempt=%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestIsDuplicateKeyErr(t *testing.T) {
	if !isDuplicateKeyErr(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}) {
		t.Error("MySQL error 1062 should be a duplicate key error")
	}
	if isDuplicateKeyErr(&mysql.MySQLError{Number: 1213, Message: "Deadlock"}) {
		t.Error("MySQL error 1213 is not a duplicate key error")
	}
	if isDuplicateKeyErr(errors.New("plain error")) {
		t.Error("plain error is not a duplicate key error")
	}
	if isDuplicateKeyErr(nil) {
		t.Error("nil is not a duplicate key error")
	}
}
