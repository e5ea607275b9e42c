package eventbus

import "strings"

// matchPattern reports whether topic matches the dotted-glob pattern
// described in spec §4.2: `*` matches exactly one dot-separated segment,
// `**` matches zero or more trailing segments, anything else must match
// literally. Examples: "agent.*" matches "agent.registered" but not
// "agent.team.assigned"; "workflow.step.**" matches "workflow.step" and
// everything beneath it.
func matchPattern(pattern, topic string) bool {
	pSegs := strings.Split(pattern, ".")
	tSegs := strings.Split(topic, ".")
	return matchSegments(pSegs, tSegs)
}

func matchSegments(pSegs, tSegs []string) bool {
	for i, p := range pSegs {
		if p == "**" {
			// ** must be the last pattern segment (by convention); it matches
			// the remainder of the topic, including zero segments.
			return true
		}
		if i >= len(tSegs) {
			return false
		}
		if p != "*" && p != tSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(tSegs)
}

// dedupePatterns coalesces duplicate patterns on the same subscription (spec
// §4.2 "duplicate patterns on the same subscription are coalesced"),
// preserving first-seen order.
func dedupePatterns(patterns []string) []string {
	seen := make(map[string]struct{}, len(patterns))
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func matchesAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if matchPattern(p, topic) {
			return true
		}
	}
	return false
}
