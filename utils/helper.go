package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

func MergeIntSlices(a []int, b []int) []int {
	seen := make(map[int]struct{}, len(a)+len(b))
	out := make([]int, 0, len(a)+len(b))
	for _, v := range a {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	for _, v := range b {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// Epsilon is the tolerance for conservation and reconciliation comparisons.
var Epsilon = decimal.NewFromFloat(0.0001)

func WithinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}

// HashRequestPayload produces the canonical request hash stored alongside an
// idempotency key. The payload is round-tripped through a generic value so
// json.Marshal's sorted map keys normalize field order before hashing.
func HashRequestPayload(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// BindingError turns gin's ShouldBindJSON failure into a VALIDATION error,
// flattening field-level validator failures into the message so callers see
// which field broke which rule.
func BindingError(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		parts := make([]string, 0, len(validationErrors))
		for _, ve := range validationErrors {
			parts = append(parts, fmt.Sprintf("%s (%s)", ve.Field(), ve.Tag()))
		}
		return NewValidationError("invalid request body: %s", strings.Join(parts, ", "))
	}
	return NewValidationError("invalid request body: %s", err.Error())
}
