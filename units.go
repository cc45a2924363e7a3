package sysdyn

import "strings"

// UnitDefinition is a single registered unit: a case-folded symbol, the
// dimension vector it maps to, and a scaling factor relative to that
// dimension's base unit.
type UnitDefinition struct {
	Symbol     string
	Dimensions UnitMap
	Factor     float64
}

// UnitRegistry validates unit symbols referenced by stocks, flows,
// variables and unit literals, and resolves them to dimension vectors.
// Registries are built once and shared read-only thereafter.
type UnitRegistry struct {
	defs map[string]UnitDefinition
}

// NewUnitRegistry returns a registry seeded with the base units every
// model needs (time, a default "tick" unit, and dimensionless count).
func NewUnitRegistry() *UnitRegistry {
	r := &UnitRegistry{defs: make(map[string]UnitDefinition)}
	base := []UnitDefinition{
		{Symbol: "tick", Dimensions: NewUnitMap(map[string]float64{"time": 1}), Factor: 1},
		{Symbol: "second", Dimensions: NewUnitMap(map[string]float64{"time": 1}), Factor: 1},
		{Symbol: "minute", Dimensions: NewUnitMap(map[string]float64{"time": 1}), Factor: 60},
		{Symbol: "hour", Dimensions: NewUnitMap(map[string]float64{"time": 1}), Factor: 3600},
		{Symbol: "day", Dimensions: NewUnitMap(map[string]float64{"time": 1}), Factor: 86400},
		{Symbol: "week", Dimensions: NewUnitMap(map[string]float64{"time": 1}), Factor: 604800},
		{Symbol: "year", Dimensions: NewUnitMap(map[string]float64{"time": 1}), Factor: 31536000},
		{Symbol: "unit", Dimensions: Unitless(), Factor: 1},
		{Symbol: "person", Dimensions: NewUnitMap(map[string]float64{"population": 1}), Factor: 1},
		{Symbol: "dollar", Dimensions: NewUnitMap(map[string]float64{"currency": 1}), Factor: 1},
	}
	for _, d := range base {
		r.defs[d.Symbol] = d
	}
	return r
}

// Register adds (or replaces) a unit definition. Factor must be positive.
func (r *UnitRegistry) Register(def UnitDefinition) error {
	if def.Factor <= 0 {
		return &UnsupportedQuantityError{Reason: "unit factor must be positive: " + def.Symbol}
	}
	r.defs[strings.ToLower(def.Symbol)] = def
	return nil
}

// Lookup resolves a registered symbol.
func (r *UnitRegistry) Lookup(symbol string) (UnitDefinition, error) {
	def, ok := r.defs[strings.ToLower(symbol)]
	if !ok {
		return UnitDefinition{}, &UnitNotFoundError{Symbol: symbol}
	}
	return def, nil
}

// Validate checks that every symbol referenced in u is registered, and
// that the unit map is dimensionally coherent (every symbol contributes
// to the combined dimension vector without contradiction). Returns the
// combined dimension vector.
func (r *UnitRegistry) Validate(u UnitMap) (UnitMap, error) {
	dims := map[string]float64{}
	for _, t := range u.terms {
		def, err := r.Lookup(t.Symbol)
		if err != nil {
			return UnitMap{}, err
		}
		for _, dt := range def.Dimensions.terms {
			dims[dt.Symbol] += dt.Exponent * t.Exponent
		}
	}
	return NewUnitMap(dims), nil
}

// Dimension returns the combined dimension string of u (for diagnostics
// such as UnitDimensionMismatchError).
func (r *UnitRegistry) Dimension(u UnitMap) string {
	d, err := r.Validate(u)
	if err != nil {
		return "?"
	}
	return d.String()
}

// Convert converts a quantity expressed in "from" units to "to" units.
// Both must resolve to the same dimension vector and must each be a
// single-symbol unit. Composite units are never converted implicitly;
// this helper exists only for single-symbol rescaling, e.g.
// hours<->seconds.
func (r *UnitRegistry) Convert(q Quantity, to string) (Quantity, error) {
	if len(q.Units.terms) != 1 || q.Units.terms[0].Exponent != 1 {
		return Quantity{}, &UnsupportedQuantityError{Reason: "Convert only supports single-symbol units"}
	}
	fromDef, err := r.Lookup(q.Units.terms[0].Symbol)
	if err != nil {
		return Quantity{}, err
	}
	toDef, err := r.Lookup(to)
	if err != nil {
		return Quantity{}, err
	}
	if !fromDef.Dimensions.Equal(toDef.Dimensions) {
		return Quantity{}, &UnitDimensionMismatchError{
			From: fromDef.Symbol, To: toDef.Symbol,
			FromDimension: fromDef.Dimensions.String(), ToDimension: toDef.Dimensions.String(),
		}
	}
	converted := q.Value * fromDef.Factor / toDef.Factor
	return Quantity{Value: converted, Units: NewUnitMap(map[string]float64{toDef.Symbol: 1})}, nil
}
