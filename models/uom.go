package models

import (
	"github.com/mmdatafocus/inventory_backend/utils"
	"github.com/shopspring/decimal"
)

// CanonicalSymbol is the fixed unit every quantity of a dimension is
// normalized into before aggregation.
var canonicalSymbols = map[UOMDimension]string{
	UOMDimensionMass:   "g",
	UOMDimensionVolume: "ml",
	UOMDimensionCount:  "ea",
	UOMDimensionLength: "mm",
	UOMDimensionArea:   "mm2",
	UOMDimensionTime:   "s",
}

func CanonicalSymbol(dim UOMDimension) (string, bool) {
	s, ok := canonicalSymbols[dim]
	return s, ok
}

type uomDef struct {
	Dimension UOMDimension
	// Factor converts one entered unit into the dimension's canonical unit.
	Factor decimal.Decimal
}

var uomTable = map[string]uomDef{
	// mass
	"g":  {UOMDimensionMass, decimal.NewFromInt(1)},
	"kg": {UOMDimensionMass, decimal.NewFromInt(1000)},
	"mg": {UOMDimensionMass, decimal.NewFromFloat(0.001)},
	"lb": {UOMDimensionMass, decimal.NewFromFloat(453.59237)},
	"oz": {UOMDimensionMass, decimal.NewFromFloat(28.349523125)},
	// volume
	"ml":  {UOMDimensionVolume, decimal.NewFromInt(1)},
	"l":   {UOMDimensionVolume, decimal.NewFromInt(1000)},
	"gal": {UOMDimensionVolume, decimal.NewFromFloat(3785.411784)},
	// count
	"ea":  {UOMDimensionCount, decimal.NewFromInt(1)},
	"pr":  {UOMDimensionCount, decimal.NewFromInt(2)},
	"dz":  {UOMDimensionCount, decimal.NewFromInt(12)},
	"gr":  {UOMDimensionCount, decimal.NewFromInt(144)},
	"cs":  {UOMDimensionCount, decimal.NewFromInt(1)}, // case size is item-specific; treated as each unless overridden
	// length
	"mm": {UOMDimensionLength, decimal.NewFromInt(1)},
	"cm": {UOMDimensionLength, decimal.NewFromInt(10)},
	"m":  {UOMDimensionLength, decimal.NewFromInt(1000)},
	"in": {UOMDimensionLength, decimal.NewFromFloat(25.4)},
	"ft": {UOMDimensionLength, decimal.NewFromFloat(304.8)},
	// area
	"mm2": {UOMDimensionArea, decimal.NewFromInt(1)},
	"cm2": {UOMDimensionArea, decimal.NewFromInt(100)},
	"m2":  {UOMDimensionArea, decimal.NewFromInt(1000000)},
	// time
	"s":   {UOMDimensionTime, decimal.NewFromInt(1)},
	"min": {UOMDimensionTime, decimal.NewFromInt(60)},
	"hr":  {UOMDimensionTime, decimal.NewFromInt(3600)},
}

// UOMDimensionOf resolves the dimension of a unit symbol.
func UOMDimensionOf(symbol string) (UOMDimension, bool) {
	def, ok := uomTable[symbol]
	return def.Dimension, ok
}

// ToCanonical converts an entered quantity into the canonical unit of the
// symbol's dimension. Rejected when the symbol is unknown or does not belong
// to the expected dimension.
func ToCanonical(qty decimal.Decimal, symbol string, expected UOMDimension) (decimal.Decimal, string, error) {
	def, ok := uomTable[symbol]
	if !ok {
		return decimal.Zero, "", utils.NewValidationError("unknown UOM symbol %q", symbol)
	}
	if def.Dimension != expected {
		return decimal.Zero, "", utils.NewValidationError("UOM %q has dimension %s, expected %s", symbol, def.Dimension, expected)
	}
	canonical, _ := CanonicalSymbol(def.Dimension)
	return qty.Mul(def.Factor), canonical, nil
}
