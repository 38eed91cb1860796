package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/actrun/pkg/schema"
)

// validateDAG analyses the source graph of a flow: node A depends on node B
// when B is one of A's sources. It reports cycles (Kahn's algorithm) as
// errors, and sources that only run after the step reading them as
// warnings, since such a source has no completed output when the step runs.
func validateDAG(flow *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	order := make(map[string]int)
	paths := make(map[string]string)
	pos := 0
	for i, seq := range flow.Sequences {
		for j, step := range seq.Steps {
			if _, dup := order[step.Node.ID]; dup {
				continue
			}
			order[step.Node.ID] = pos
			paths[step.Node.ID] = fmt.Sprintf("sequences[%d].steps[%d]", i, j)
			pos++
		}
	}

	// edges[id] = sources of node id, reverse[id] = nodes reading id.
	edges := make(map[string][]string, len(order))
	reverse := make(map[string][]string, len(order))
	for _, seq := range flow.Sequences {
		for _, step := range seq.Steps {
			seen := make(map[string]bool, len(step.SourceNodeIDs))
			for _, src := range step.SourceNodeIDs {
				if _, ok := order[src]; !ok || seen[src] || src == step.Node.ID {
					continue // already reported by semantic checks
				}
				seen[src] = true
				edges[step.Node.ID] = append(edges[step.Node.ID], src)
				reverse[src] = append(reverse[src], step.Node.ID)
			}
		}
	}

	inDegree := make(map[string]int, len(order))
	for id := range order {
		inDegree[id] = len(edges[id])
	}

	queue := make([]string, 0, len(order))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(order) {
		var cyclic []string
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		result.AddError("sequences", schema.ErrCodeCycleDetected,
			fmt.Sprintf("source references form a cycle between nodes %v", cyclic))
		return result
	}

	ids := make([]string, 0, len(edges))
	for id := range edges {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return order[ids[a]] < order[ids[b]] })
	for _, id := range ids {
		for _, src := range edges[id] {
			if order[src] > order[id] {
				result.AddWarning(paths[id]+".sourceNodeIds", schema.ErrCodeValidation,
					fmt.Sprintf("source %q runs after node %q and will not have an output yet", src, id))
			}
		}
	}

	return result
}
