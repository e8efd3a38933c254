package engine

import (
	"fmt"
	"sort"

	"github.com/flowmesh/flowmesh/cmd/worker/adapters"
	"github.com/flowmesh/flowmesh/common/expr"
	"github.com/flowmesh/flowmesh/common/fault"
	"github.com/flowmesh/flowmesh/common/models"
)

// Plan is the validated, topologically ordered view of one workflow
// version. The engine never touches the raw definition after planning.
type Plan struct {
	// Order lists node ids in Kahn topological order with lexicographic
	// tie-breaking, so scheduling sweeps are deterministic.
	Order []string

	Nodes map[string]*models.Node

	// Preds and Succs index edges by target and source node id.
	Preds map[string][]models.Edge
	Succs map[string][]models.Edge

	// Triggers are the trigger-kind nodes. Those without predecessors seed
	// the run.
	Triggers []string
}

// BuildPlan validates the workflow graph and returns its execution plan.
// Violations come back as *fault.ValidationError and fail the run before
// any node executes.
func BuildPlan(wf *models.Workflow, reg *adapters.Registry) (*Plan, error) {
	invalid := func(format string, args ...interface{}) error {
		return &fault.ValidationError{WorkflowID: wf.ID, Reason: fmt.Sprintf(format, args...)}
	}

	if len(wf.Nodes) == 0 {
		return nil, invalid("workflow has no nodes")
	}

	order, nodes, preds, succs, err := buildGraph(wf.Nodes, wf.Edges, reg)
	if err != nil {
		return nil, &fault.ValidationError{WorkflowID: wf.ID, Reason: err.Error()}
	}

	var triggers []string
	for _, id := range order {
		a, _ := reg.Lookup(nodes[id].Type)
		if a.Metadata().Kind == adapters.KindTrigger {
			triggers = append(triggers, id)
		}
	}
	if len(triggers) == 0 {
		return nil, invalid("workflow has no trigger node")
	}

	// Static configs are checked against the adapter's schema here; configs
	// carrying template placeholders are re-validated after resolution,
	// since their static shape is not their runtime shape.
	for _, id := range order {
		n := nodes[id]
		if hasPlaceholders(n.Config) {
			continue
		}
		if err := reg.ValidateConfig(n.Type, n.Config); err != nil {
			return nil, invalid("node %q config invalid: %v", id, err)
		}
	}

	return &Plan{Order: order, Nodes: nodes, Preds: preds, Succs: succs, Triggers: triggers}, nil
}

// buildGraph validates ids, types, edge endpoints and acyclicity. Loop
// body sub-graphs go through the same checks at loop execution time.
func buildGraph(nodeList []models.Node, edges []models.Edge, reg *adapters.Registry) ([]string, map[string]*models.Node, map[string][]models.Edge, map[string][]models.Edge, error) {
	nodes := make(map[string]*models.Node, len(nodeList))
	for i := range nodeList {
		n := &nodeList[i]
		if n.ID == "" {
			return nil, nil, nil, nil, fmt.Errorf("node with empty id")
		}
		if _, dup := nodes[n.ID]; dup {
			return nil, nil, nil, nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		if _, ok := reg.Lookup(n.Type); !ok {
			return nil, nil, nil, nil, fmt.Errorf("unknown node type %q on node %q", n.Type, n.ID)
		}
		nodes[n.ID] = n
	}

	preds := make(map[string][]models.Edge)
	succs := make(map[string][]models.Edge)
	indegree := make(map[string]int, len(nodes))
	for id := range nodes {
		indegree[id] = 0
	}
	for _, e := range edges {
		if _, ok := nodes[e.From]; !ok {
			return nil, nil, nil, nil, fmt.Errorf("edge references unknown node %q", e.From)
		}
		if _, ok := nodes[e.To]; !ok {
			return nil, nil, nil, nil, fmt.Errorf("edge references unknown node %q", e.To)
		}
		preds[e.To] = append(preds[e.To], e)
		succs[e.From] = append(succs[e.From], e)
		indegree[e.To]++
	}

	// Kahn with a sorted frontier: among runnable nodes the smallest id is
	// placed first, making Order stable across runs.
	var frontier []string
	for id, d := range indegree {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)
		for _, e := range succs[id] {
			indegree[e.To]--
			if indegree[e.To] == 0 {
				frontier = insertSorted(frontier, e.To)
			}
		}
	}
	if len(order) != len(nodes) {
		return nil, nil, nil, nil, fmt.Errorf("workflow graph contains a cycle")
	}

	return order, nodes, preds, succs, nil
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// hasPlaceholders walks a config tree looking for {{ }} template
// placeholders in any string leaf.
func hasPlaceholders(v interface{}) bool {
	switch t := v.(type) {
	case string:
		return expr.HasPlaceholder(t)
	case map[string]interface{}:
		for _, e := range t {
			if hasPlaceholders(e) {
				return true
			}
		}
	case []interface{}:
		for _, e := range t {
			if hasPlaceholders(e) {
				return true
			}
		}
	}
	return false
}

// leafOutputs collects the outputs of successful leaf nodes, keyed by node
// id. This is the terminal output document of a run.
func leafOutputs(plan *Plan, results map[string]*models.NodeExecutionResult) map[string]interface{} {
	out := make(map[string]interface{})
	for id := range plan.Nodes {
		if len(plan.Succs[id]) > 0 {
			continue
		}
		if r, ok := results[id]; ok && r.Status == models.NodeSuccess {
			out[id] = r.Output
		}
	}
	return out
}
