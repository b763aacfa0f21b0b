package cli

import (
	"sort"
	"strings"
)

// parseNames merges positional names with a comma-separated list into a sorted,
// deduplicated slice.
func parseNames(args []string, raw string) []string {
	set := make(map[string]struct{})
	add := func(name string) {
		if name = strings.TrimSpace(name); name != "" {
			set[name] = struct{}{}
		}
	}
	for _, a := range args {
		add(a)
	}
	for _, part := range strings.Split(raw, ",") {
		add(part)
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
