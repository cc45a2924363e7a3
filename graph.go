package sysdyn

import "sort"

// CompiledEquationGraph is the cached, topologically ordered evaluation
// plan for a model's variables. It is built once per model identity
// and shared read-only thereafter.
type CompiledEquationGraph struct {
	Order   []VariableId
	ASTs    map[VariableId]*Equation
	ByName  map[string]VariableId
}

// CompileGraph parses every variable's equation, builds the u->v
// reference graph (v depends on u when v's equation references u's
// name), and orders variables via Kahn's algorithm.
func CompileGraph(m *Model) (*CompiledEquationGraph, error) {
	byName := make(map[string]VariableId, len(m.Variables))
	asts := make(map[VariableId]*Equation, len(m.Variables))
	indexOf := make(map[VariableId]int, len(m.Variables))

	for i, v := range m.Variables {
		byName[v.Name] = v.Id
		indexOf[v.Id] = i
		switch v.Kind {
		case VariableConstant:
			asts[v.Id] = nil // constants have no expression to parse
		case VariableAuxiliary:
			eq, err := ParseEquation(v.Expression)
			if err != nil {
				return nil, err
			}
			asts[v.Id] = eq
		}
	}

	stockNames := make(map[string]bool, len(m.Stocks))
	for _, s := range m.Stocks {
		stockNames[s.Name] = true
	}
	systemNames := map[string]bool{
		"TIME": true, "TIME STEP": true, "INITIAL TIME": true, "FINAL TIME": true,
	}

	deps := make(map[VariableId]map[VariableId]bool, len(m.Variables))
	for _, v := range m.Variables {
		deps[v.Id] = make(map[VariableId]bool)
		eq := asts[v.Id]
		if eq == nil {
			continue
		}
		refs := collectRefs(eq.Body)
		for name := range refs {
			if systemNames[name] || stockNames[name] {
				continue
			}
			if dep, ok := byName[name]; ok && dep != v.Id {
				deps[v.Id][dep] = true
			}
		}
	}

	order, cyclic := kahnSort(m.Variables, deps)
	if len(cyclic) > 0 {
		names := make([]string, len(cyclic))
		for i, id := range cyclic {
			names[i] = m.Variables[indexOf[id]].Name
		}
		return nil, &GraphCycleError{Names: names}
	}

	return &CompiledEquationGraph{Order: order, ASTs: asts, ByName: byName}, nil
}

// collectRefs walks an AST (including call arguments) and gathers every
// Ref name, so the graph compiler can turn them into dependency edges.
func collectRefs(n Node) map[string]bool {
	out := make(map[string]bool)
	var walk func(Node)
	walk = func(n Node) {
		if n == nil {
			return
		}
		switch x := n.(type) {
		case *Ref:
			out[x.Name] = true
		case *Unary:
			walk(x.Operand)
		case *Binary:
			walk(x.Left)
			walk(x.Right)
		case *IfChain:
			for _, b := range x.Branches {
				walk(b.Cond)
				walk(b.Then)
			}
			walk(x.Else)
		case *Call:
			for _, a := range x.Args {
				walk(a)
			}
		case *Lookup1D:
			walk(x.Arg)
		case *Delay:
			walk(x.Input)
			walk(x.Tau)
			walk(x.Init)
		}
	}
	walk(n)
	return out
}

// kahnSort topologically sorts ids using Kahn's algorithm (1962): nodes
// with zero remaining in-degree are popped from a ready set, edges into
// still-pending nodes are decremented, and any nodes left with
// unresolved dependencies at the end indicate a cycle.
func kahnSort(vars []Variable, deps map[VariableId]map[VariableId]bool) ([]VariableId, []VariableId) {
	remaining := make(map[VariableId]map[VariableId]bool, len(deps))
	for id, d := range deps {
		cp := make(map[VariableId]bool, len(d))
		for k := range d {
			cp[k] = true
		}
		remaining[id] = cp
	}

	var ready []VariableId
	for _, v := range vars {
		if len(remaining[v.Id]) == 0 {
			ready = append(ready, v.Id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	var order []VariableId
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		delete(remaining, n)
		var newlyReady []VariableId
		for id, d := range remaining {
			if !d[n] {
				continue
			}
			delete(d, n)
			if len(d) == 0 {
				delete(remaining, id)
				newlyReady = append(newlyReady, id)
			}
		}
		sort.Slice(newlyReady, func(i, j int) bool { return newlyReady[i] < newlyReady[j] })
		ready = append(ready, newlyReady...)
	}

	if len(order) == len(vars) {
		return order, nil
	}
	var cyclic []VariableId
	for _, v := range vars {
		if _, stillPending := remaining[v.Id]; stillPending {
			cyclic = append(cyclic, v.Id)
		}
	}
	return order, cyclic
}

// Evaluate runs every variable in graph order against baseScope (which
// already contains stocks and time aliases), returning the accumulated
// values, units, and the enriched scope flow evaluation consumes.
func (g *CompiledEquationGraph) Evaluate(m *Model, baseScope map[string]Quantity, delays *DelayStateStore, commit bool) (map[VariableId]float64, map[VariableId]UnitMap, map[string]Quantity, error) {
	scope := make(map[string]Quantity, len(baseScope)+len(g.Order))
	for k, v := range baseScope {
		scope[k] = v
	}
	values := make(map[VariableId]float64, len(g.Order))
	units := make(map[VariableId]UnitMap, len(g.Order))

	byId := make(map[VariableId]Variable, len(m.Variables))
	for _, v := range m.Variables {
		byId[v.Id] = v
	}

	for _, id := range g.Order {
		v := byId[id]
		var q Quantity
		switch v.Kind {
		case VariableConstant:
			q = UnitlessQ(*v.Constant)
		case VariableAuxiliary:
			eq := g.ASTs[id]
			ctx := NewEvalContext(scope, eq.Source, delays, commit, eq.Macros)
			result, err := Eval(eq.Body, ctx)
			if err != nil {
				return nil, nil, nil, err
			}
			q = result
		}
		scope[v.Name] = q
		values[id] = q.Value
		units[id] = q.Units
	}
	return values, units, scope, nil
}
