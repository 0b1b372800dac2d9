package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/tagflow/pkg/schema"
)

// validateGraph analyzes the routing graph between nodes. Cycles are legal
// (the step limit bounds them) and unreachable nodes never run, so both are
// reported as warnings.
func validateGraph(def *schema.PipelineDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	tags := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		tags[n.Tag] = true
	}

	// edges[tag] = registered destinations routed from tag.
	edges := make(map[string][]string, len(def.Nodes))
	inDegree := make(map[string]int, len(def.Nodes))
	for tag := range tags {
		inDegree[tag] = 0
	}
	for tag := range tags {
		for _, d := range routeTargets(def.Routes, tag) {
			if !tags[d] {
				continue
			}
			edges[tag] = append(edges[tag], d)
			inDegree[d]++
		}
	}

	// Kahn's algorithm: whatever is never released sits on or behind a cycle.
	var queue []string
	for tag, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, tag)
		}
	}
	sort.Strings(queue)
	released := 0
	for len(queue) > 0 {
		tag := queue[0]
		queue = queue[1:]
		released++
		for _, d := range edges[tag] {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if released < len(tags) {
		cyclic := onCycle(edges, inDegree)
		result.AddWarning("routes", schema.ErrCodeConfiguration,
			fmt.Sprintf("routes form a cycle through %s; runs are bounded by max_steps (%d)",
				strings.Join(cyclic, ", "), def.StepLimit()))
	}

	// Reachability from the entry tag.
	entry := def.EntryTag()
	if !tags[entry] {
		return result
	}
	reached := map[string]bool{entry: true}
	frontier := []string{entry}
	for len(frontier) > 0 {
		tag := frontier[0]
		frontier = frontier[1:]
		for _, d := range edges[tag] {
			if !reached[d] {
				reached[d] = true
				frontier = append(frontier, d)
			}
		}
	}
	for i, n := range def.Nodes {
		if !reached[n.Tag] {
			result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeConfiguration,
				fmt.Sprintf("node %q is unreachable from entry %q", n.Tag, entry))
		}
	}

	return result
}

// onCycle trims the nodes Kahn's pass left behind down to those that lie on
// a cycle, dropping ones that merely hang off it.
func onCycle(edges map[string][]string, inDegree map[string]int) []string {
	remaining := make(map[string]bool)
	for tag, deg := range inDegree {
		if deg > 0 {
			remaining[tag] = true
		}
	}
	for changed := true; changed; {
		changed = false
		for tag := range remaining {
			hasOut := false
			for _, d := range edges[tag] {
				if remaining[d] {
					hasOut = true
					break
				}
			}
			if !hasOut {
				delete(remaining, tag)
				changed = true
			}
		}
	}
	return sortedKeys(remaining)
}
