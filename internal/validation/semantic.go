package validation

import (
	"fmt"
	"slices"
	"sort"

	"github.com/rendis/tagflow/pkg/schema"
)

// validateSemantic checks references the schema cannot express: processor
// types registered, entry registered, terminal not claimed by a node, route
// sources and destinations live, declared emits live.
func validateSemantic(def *schema.PipelineDefinition, lookup TypeLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	terminal := def.TerminalTag()
	tags := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		tags[n.Tag] = true
	}
	live := func(tag string) bool { return tags[tag] || tag == terminal }

	for i, n := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)

		if lookup != nil && !lookup.Has(n.Type) {
			result.AddError(path+".type", schema.ErrCodeResolution,
				fmt.Sprintf("processor type %q not registered", n.Type))
		}
		if n.Tag == terminal {
			result.AddError(path+".tag", schema.ErrCodeConfiguration,
				fmt.Sprintf("tag %q is the terminal tag and cannot have a processor", n.Tag))
		}
		for j, e := range n.Emits {
			if e != schema.DefaultRouteKey && !live(e) {
				result.AddError(fmt.Sprintf("%s.emits[%d]", path, j), schema.ErrCodeConfiguration,
					fmt.Sprintf("emitted tag %q has no registered processor", e))
			}
		}
	}

	entry := def.EntryTag()
	if !tags[entry] {
		result.AddError("entry", schema.ErrCodeConfiguration,
			fmt.Sprintf("entry tag %q has no registered processor", entry))
	}

	for _, source := range sortedKeys(def.Routes) {
		if !tags[source] {
			result.AddError("routes."+source, schema.ErrCodeConfiguration,
				fmt.Sprintf("route source %q has no registered processor", source))
		}
		outs := def.Routes[source]
		for _, out := range sortedKeys(outs) {
			dests := outs[out]
			path := fmt.Sprintf("routes.%s.%s", source, out)
			if len(dests) == 0 {
				result.AddWarning(path, schema.ErrCodeConfiguration,
					"empty destination list drops every emission")
			}
			for j, d := range dests {
				if !live(d) {
					result.AddError(fmt.Sprintf("%s[%d]", path, j), schema.ErrCodeRouting,
						fmt.Sprintf("destination %q has no registered processor", d))
				}
			}
		}
	}

	return result
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// routeTargets returns the distinct destinations reachable in one hop from source.
func routeTargets(routes schema.RouteTable, source string) []string {
	var out []string
	for _, dests := range routes[source] {
		for _, d := range dests {
			if !slices.Contains(out, d) {
				out = append(out, d)
			}
		}
	}
	sort.Strings(out)
	return out
}
