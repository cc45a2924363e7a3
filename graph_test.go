package sysdyn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildVariable(name, expr string) Variable {
	return Variable{Id: NewVariableId(), Name: name, Expression: expr, Kind: VariableAuxiliary}
}

func TestCompileGraphOrdersByDependency(t *testing.T) {
	a := buildVariable("A", "1")
	b := buildVariable("B", "A + 1")
	c := buildVariable("C", "B + A")
	m := &Model{Name: "m", Variables: []Variable{c, a, b}, Time: TimeConfig{Start: 0, End: 1, Step: 1}}

	graph, err := CompileGraph(m)
	require.NoError(t, err)

	pos := map[VariableId]int{}
	for i, id := range graph.Order {
		pos[id] = i
	}
	assert.Less(t, pos[a.Id], pos[b.Id])
	assert.Less(t, pos[b.Id], pos[c.Id])
}

func TestCompileGraphDetectsCycle(t *testing.T) {
	a := buildVariable("A", "B + 1")
	b := buildVariable("B", "A + 1")
	m := &Model{Name: "m", Variables: []Variable{a, b}, Time: TimeConfig{Start: 0, End: 1, Step: 1}}

	_, err := CompileGraph(m)
	require.Error(t, err)
	var cyc *GraphCycleError
	require.ErrorAs(t, err, &cyc)
	assert.ElementsMatch(t, []string{"A", "B"}, cyc.Names)
}

func TestCompileGraphCycleReportExcludesAcyclicVariables(t *testing.T) {
	a := buildVariable("A", "1")
	b := buildVariable("B", "C + 1")
	c := buildVariable("C", "B + 1")
	m := &Model{Name: "m", Variables: []Variable{a, b, c}, Time: TimeConfig{Start: 0, End: 1, Step: 1}}

	_, err := CompileGraph(m)
	require.Error(t, err)
	var cyc *GraphCycleError
	require.ErrorAs(t, err, &cyc)
	assert.ElementsMatch(t, []string{"B", "C"}, cyc.Names)
}
