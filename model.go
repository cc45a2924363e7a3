package sysdyn

import (
	"math"

	"github.com/google/uuid"
)

// StockId, FlowId, VariableId, ModelId and ScenarioId are disjoint opaque
// identifier types; the New*Id constructors below mint random UUID
// strings, so freshly minted ids do not collide within or across models.
type (
	StockId    string
	FlowId     string
	VariableId string
	ModelId    string
	ScenarioId string
)

// NewStockId, NewFlowId, etc. mint a fresh opaque identifier.
func NewStockId() StockId       { return StockId(uuid.NewString()) }
func NewFlowId() FlowId         { return FlowId(uuid.NewString()) }
func NewVariableId() VariableId { return VariableId(uuid.NewString()) }
func NewModelId() ModelId       { return ModelId(uuid.NewString()) }
func NewScenarioId() ScenarioId { return ScenarioId(uuid.NewString()) }

// VariableKind distinguishes recomputed auxiliaries from fixed constants.
type VariableKind int

const (
	VariableAuxiliary VariableKind = iota
	VariableConstant
)

// Stock is an accumulator: its value integrates the signed sum of flows
// touching it over time.
type Stock struct {
	Id           StockId
	Name         string
	InitialValue float64
	Units        string // unparsed; empty means unitless
}

// Flow is a signed rate connecting at most two stocks. A flow
// with only a Source drains it; with only a Target fills it; with both it
// moves value from Source to Target.
type Flow struct {
	Id         FlowId
	Name       string
	Source     *StockId
	Target     *StockId
	Expression string
	Units      string
}

// Variable is an auxiliary expression (recomputed every step) or a
// constant parameter (fixed at model construction).
type Variable struct {
	Id         VariableId
	Name       string
	Expression string
	Kind       VariableKind
	Constant   *float64
}

// TimeConfig bounds and paces a simulation run.
type TimeConfig struct {
	Start float64
	End   float64
	Step  float64
	Units string // empty defaults to "tick"
}

// Model is the immutable declarative description of a system-dynamics
// program: stocks, flows, variables and the time horizon to integrate
// over.
type Model struct {
	Id        ModelId
	Name      string
	Stocks    []Stock
	Flows     []Flow
	Variables []Variable
	Time      TimeConfig
}

// NewModel validates and returns a Model, or the first invariant
// violation encountered.
func NewModel(name string, stocks []Stock, flows []Flow, variables []Variable, tc TimeConfig) (*Model, error) {
	m := &Model{
		Id:        NewModelId(),
		Name:      name,
		Stocks:    stocks,
		Flows:     flows,
		Variables: variables,
		Time:      tc,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the structural invariants of every Stock, Flow,
// Variable and the TimeConfig. It does not parse equation
// expressions (Compile parses them once and caches the result) but
// does check structural well-formedness.
func (m *Model) Validate() error {
	if m.Name == "" {
		return &GraphBuildError{Reason: "model name must not be empty"}
	}
	if !(m.Time.End > m.Time.Start) {
		return &GraphBuildError{Reason: "time config end must be greater than start"}
	}
	if !(m.Time.Step > 0) || math.IsNaN(m.Time.Step) || math.IsInf(m.Time.Step, 0) {
		return &GraphBuildError{Reason: "time config step must be finite and positive"}
	}
	if math.IsNaN(m.Time.Start) || math.IsInf(m.Time.Start, 0) {
		return &GraphBuildError{Reason: "time config start must be finite"}
	}

	stockIds := make(map[StockId]bool, len(m.Stocks))
	for _, s := range m.Stocks {
		if s.Name == "" {
			return &GraphBuildError{Reason: "stock name must not be empty"}
		}
		if math.IsNaN(s.InitialValue) || math.IsInf(s.InitialValue, 0) {
			return &GraphBuildError{Reason: "stock " + s.Name + " initial value must be finite"}
		}
		if stockIds[s.Id] {
			return &GraphBuildError{Reason: "duplicate stock id"}
		}
		stockIds[s.Id] = true
	}

	names := make(map[string]bool, len(m.Variables))
	for _, v := range m.Variables {
		if v.Name == "" {
			return &GraphBuildError{Reason: "variable name must not be empty"}
		}
		if names[v.Name] {
			return &GraphBuildError{Reason: "duplicate variable name: " + v.Name}
		}
		names[v.Name] = true
		switch v.Kind {
		case VariableConstant:
			if v.Constant == nil {
				return &GraphBuildError{Reason: "constant variable " + v.Name + " requires a value"}
			}
		case VariableAuxiliary:
			if v.Expression == "" {
				return &GraphBuildError{Reason: "auxiliary variable " + v.Name + " requires an expression"}
			}
		}
	}

	for _, f := range m.Flows {
		if f.Name == "" {
			return &GraphBuildError{Reason: "flow name must not be empty"}
		}
		if f.Expression == "" {
			return &GraphBuildError{Reason: "flow " + f.Name + " requires a rate expression"}
		}
		if f.Source != nil && !stockIds[*f.Source] {
			return &GraphBuildError{Reason: "flow " + f.Name + " source does not resolve to a stock in this model"}
		}
		if f.Target != nil && !stockIds[*f.Target] {
			return &GraphBuildError{Reason: "flow " + f.Name + " target does not resolve to a stock in this model"}
		}
	}
	return nil
}

// StockByName returns the stock with the given name, if any.
func (m *Model) StockByName(name string) (Stock, bool) {
	for _, s := range m.Stocks {
		if s.Name == name {
			return s, true
		}
	}
	return Stock{}, false
}

// VariableByName returns the variable with the given name, if any.
func (m *Model) VariableByName(name string) (Variable, bool) {
	for _, v := range m.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}

// TimeUnit resolves the model's time unit, defaulting to "tick".
func (m *Model) TimeUnit() string {
	if m.Time.Units == "" {
		return "tick"
	}
	return m.Time.Units
}

// clone performs a shallow copy of the model's entity slices so scenario
// overrides never mutate the original.
func (m *Model) clone() *Model {
	stocks := make([]Stock, len(m.Stocks))
	copy(stocks, m.Stocks)
	flows := make([]Flow, len(m.Flows))
	copy(flows, m.Flows)
	vars := make([]Variable, len(m.Variables))
	copy(vars, m.Variables)
	return &Model{
		Id:        m.Id,
		Name:      m.Name,
		Stocks:    stocks,
		Flows:     flows,
		Variables: vars,
		Time:      m.Time,
	}
}
