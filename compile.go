package sysdyn

import "sync"

// ParseUnitExpression parses a bare unit-expression string (as found in
// Stock.Units / Flow.Units / TimeConfig.Units, i.e. without surrounding
// braces) into a UnitMap using the same unit sub-lexer/grammar the main
// parser uses for `{ ... }` literals. An empty string is unitless.
func ParseUnitExpression(s string) (UnitMap, error) {
	if s == "" {
		return Unitless(), nil
	}
	return parseUnitExpr(s, s)
}

// modelMetadata is the compilation product that depends only on a
// model's structure: the variable dependency graph, per-flow parsed
// ASTs, and resolved unit maps for every stock/flow/the model's time
// unit. Scenario overrides touch only constant values and stock initial
// values, so every override clone of a model shares its base's metadata.
type modelMetadata struct {
	Graph      *CompiledEquationGraph
	FlowASTs   map[FlowId]*Equation
	FlowUnits  map[FlowId]*UnitMap // nil entry means no declared flow unit
	StockUnits map[StockId]UnitMap
	TimeUnit   UnitMap
}

// metadataCache shares compiled metadata across every simulation of the
// same model identity. Entries are read-only after creation.
var metadataCache sync.Map // ModelId -> *modelMetadata

// InvalidateModel drops the cached compilation metadata for a model
// identity, forcing the next Compile to rebuild it. Models are immutable
// after construction, so this is only needed when a caller rebuilds a
// model under a reused identity.
func InvalidateModel(id ModelId) { metadataCache.Delete(id) }

// CompiledModel bundles a Model with its shared compilation metadata.
type CompiledModel struct {
	Model    *Model
	Registry *UnitRegistry
	*modelMetadata
}

// Compile validates m and resolves its compilation metadata, computing
// it once per model identity and reusing the cached product thereafter
// (override clones keep their base's identity and therefore share it).
// The returned CompiledModel is safe to share by reference across
// concurrent simulations of the same model.
func Compile(m *Model, registry *UnitRegistry) (*CompiledModel, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Id != "" {
		if cached, ok := metadataCache.Load(m.Id); ok {
			return &CompiledModel{Model: m, Registry: registry, modelMetadata: cached.(*modelMetadata)}, nil
		}
	}
	meta, err := compileMetadata(m, registry)
	if err != nil {
		return nil, err
	}
	if m.Id != "" {
		metadataCache.Store(m.Id, meta)
	}
	return &CompiledModel{Model: m, Registry: registry, modelMetadata: meta}, nil
}

// compileMetadata parses every flow's rate expression and every declared
// unit string, builds the variable dependency graph, and validates the
// result against the unit registry.
func compileMetadata(m *Model, registry *UnitRegistry) (*modelMetadata, error) {
	graph, err := CompileGraph(m)
	if err != nil {
		return nil, err
	}

	timeUnit, err := ParseUnitExpression(m.TimeUnit())
	if err != nil {
		return nil, err
	}
	if _, err := registry.Validate(timeUnit); err != nil {
		return nil, err
	}

	stockUnits := make(map[StockId]UnitMap, len(m.Stocks))
	for _, s := range m.Stocks {
		u, err := ParseUnitExpression(s.Units)
		if err != nil {
			return nil, err
		}
		if _, err := registry.Validate(u); err != nil {
			return nil, err
		}
		stockUnits[s.Id] = u
	}

	flowASTs := make(map[FlowId]*Equation, len(m.Flows))
	flowUnits := make(map[FlowId]*UnitMap, len(m.Flows))
	for _, f := range m.Flows {
		eq, err := ParseEquation(f.Expression)
		if err != nil {
			return nil, err
		}
		flowASTs[f.Id] = eq
		if f.Units != "" {
			u, err := ParseUnitExpression(f.Units)
			if err != nil {
				return nil, err
			}
			if _, err := registry.Validate(u); err != nil {
				return nil, err
			}
			flowUnits[f.Id] = &u
		} else {
			flowUnits[f.Id] = nil
		}
	}

	return &modelMetadata{
		Graph:    graph,
		FlowASTs: flowASTs, FlowUnits: flowUnits,
		StockUnits: stockUnits, TimeUnit: timeUnit,
	}, nil
}
