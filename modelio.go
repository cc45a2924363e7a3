package sysdyn

import (
	"os"

	"gopkg.in/yaml.v3"
)

// modelDoc is the on-disk YAML shape of a Model payload. This is
// test/CLI convenience only, not a persistence adapter; there is no
// write-back or schema versioning here.
type modelDoc struct {
	Name      string     `yaml:"name"`
	Time      timeDoc    `yaml:"time"`
	Stocks    []stockDoc `yaml:"stocks"`
	Flows     []flowDoc  `yaml:"flows"`
	Variables []varDoc   `yaml:"variables"`
}

type timeDoc struct {
	Start float64 `yaml:"start"`
	End   float64 `yaml:"end"`
	Step  float64 `yaml:"step"`
	Units string  `yaml:"units"`
}

type stockDoc struct {
	Name    string  `yaml:"name"`
	Initial float64 `yaml:"initial"`
	Units   string  `yaml:"units"`
}

type flowDoc struct {
	Name       string  `yaml:"name"`
	Source     string  `yaml:"source"`
	Target     string  `yaml:"target"`
	Expression string  `yaml:"expression"`
	Units      string  `yaml:"units"`
}

type varDoc struct {
	Name       string   `yaml:"name"`
	Expression string   `yaml:"expression"`
	Kind       string   `yaml:"kind"` // "auxiliary" | "constant"
	Constant   *float64 `yaml:"constant"`
}

// LoadModelFile reads and decodes a Model payload from a YAML file.
func LoadModelFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeModel(data)
}

// overridesDoc is the on-disk shape of a scenario override file: a name
// for the scenario and the override map itself.
type overridesDoc struct {
	Name      string             `yaml:"name"`
	Overrides map[string]float64 `yaml:"overrides"`
}

// LoadOverridesFile reads a scenario override file, returning its
// override map and scenario name (the file path as given if none is set).
func LoadOverridesFile(path string) (map[string]float64, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	var doc overridesDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "", err
	}
	name := doc.Name
	if name == "" {
		name = path
	}
	return doc.Overrides, name, nil
}

// DecodeModel decodes a Model payload from YAML bytes, resolving stock
// names to fresh StockIds and flow source/target names to those ids.
// Every entity gets a freshly
// minted opaque id; names are the only thing the YAML author controls.
func DecodeModel(data []byte) (*Model, error) {
	var doc modelDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	stocks := make([]Stock, len(doc.Stocks))
	stockIdByName := make(map[string]StockId, len(doc.Stocks))
	for i, s := range doc.Stocks {
		id := NewStockId()
		stocks[i] = Stock{Id: id, Name: s.Name, InitialValue: s.Initial, Units: s.Units}
		stockIdByName[s.Name] = id
	}

	flows := make([]Flow, len(doc.Flows))
	for i, f := range doc.Flows {
		flow := Flow{Id: NewFlowId(), Name: f.Name, Expression: f.Expression, Units: f.Units}
		if f.Source != "" {
			if id, ok := stockIdByName[f.Source]; ok {
				flow.Source = &id
			} else {
				return nil, &GraphBuildError{Reason: "flow " + f.Name + " source stock not found: " + f.Source}
			}
		}
		if f.Target != "" {
			if id, ok := stockIdByName[f.Target]; ok {
				flow.Target = &id
			} else {
				return nil, &GraphBuildError{Reason: "flow " + f.Name + " target stock not found: " + f.Target}
			}
		}
		flows[i] = flow
	}

	variables := make([]Variable, len(doc.Variables))
	for i, v := range doc.Variables {
		kind := VariableAuxiliary
		if v.Kind == "constant" {
			kind = VariableConstant
		}
		variables[i] = Variable{
			Id: NewVariableId(), Name: v.Name, Expression: v.Expression,
			Kind: kind, Constant: v.Constant,
		}
	}

	tc := TimeConfig{Start: doc.Time.Start, End: doc.Time.End, Step: doc.Time.Step, Units: doc.Time.Units}
	return NewModel(doc.Name, stocks, flows, variables, tc)
}
