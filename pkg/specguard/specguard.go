// Package specguard validates candidate feature sets before seeding.
// Feature lists come from an external generation step and can drift off
// the project's declared domain; the guard catches gross mismatches
// before a run burns sessions on them.
package specguard

import (
	"fmt"
	"strings"
	"unicode"

	"autobuild/pkg/logx"
	"autobuild/pkg/proto"
)

// WarningKind classifies guard findings.
type WarningKind string

const (
	// WarnOffDomain flags a feature whose name shares no token with the
	// declared domain keywords.
	WarnOffDomain WarningKind = "off_domain"
	// WarnDuplicateName flags a name appearing more than once.
	WarnDuplicateName WarningKind = "duplicate_name"
	// WarnEmptyName flags an unnamed entry.
	WarnEmptyName WarningKind = "empty_name"
	// WarnUnknownDependency flags a dependency that names no entry in the
	// input. Such features stay blocked until a later seed provides the
	// target.
	WarnUnknownDependency WarningKind = "unknown_dependency"
	// WarnDependencyCycle flags entries forming a dependency cycle. None
	// of them will ever become claimable.
	WarnDependencyCycle WarningKind = "dependency_cycle"
)

// Warning is one guard finding tied to a feature.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Feature string      `json:"feature"`
	Detail  string      `json:"detail"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s (%s)", w.Kind, w.Feature, w.Detail)
}

// Result is the outcome of a guard check.
type Result struct {
	Warnings []Warning `json:"warnings"`
	Entries  int       `json:"entries"`
	Matched  int       `json:"matched"` // Entries sharing a token with the domain keywords
}

// Guard checks spec inputs against a warning threshold.
type Guard struct {
	logger    *logx.Logger
	threshold int
}

// New creates a Guard. A check producing more than threshold warnings is
// a mismatch.
func New(threshold int) *Guard {
	return &Guard{
		logger:    logx.NewLogger("specguard"),
		threshold: threshold,
	}
}

// Check validates a spec input. It always returns the full result; when
// the warning count exceeds the threshold it additionally returns an
// error wrapping proto.ErrSpecMismatch, and the caller must refuse to
// seed.
func (g *Guard) Check(input *proto.SpecInput) (*Result, error) {
	result := &Result{Entries: len(input.Entries)}

	keywords := normalizeKeywords(input.DomainKeywords)
	names := make(map[string]bool, len(input.Entries))

	for i := range input.Entries {
		entry := &input.Entries[i]

		if strings.TrimSpace(entry.Name) == "" {
			result.Warnings = append(result.Warnings, Warning{
				Kind:    WarnEmptyName,
				Feature: fmt.Sprintf("entry %d", i),
				Detail:  "feature has no name",
			})
			continue
		}

		if names[entry.Name] {
			result.Warnings = append(result.Warnings, Warning{
				Kind:    WarnDuplicateName,
				Feature: entry.Name,
				Detail:  "name appears more than once",
			})
		}
		names[entry.Name] = true

		// Domain check only applies when keywords are declared.
		if len(keywords) > 0 {
			if matchesDomain(entry, keywords) {
				result.Matched++
			} else {
				result.Warnings = append(result.Warnings, Warning{
					Kind:    WarnOffDomain,
					Feature: entry.Name,
					Detail:  fmt.Sprintf("no token matches declared keywords %v", input.DomainKeywords),
				})
			}
		}
	}

	for i := range input.Entries {
		entry := &input.Entries[i]
		for _, dep := range entry.DependsOn {
			if !names[dep] {
				result.Warnings = append(result.Warnings, Warning{
					Kind:    WarnUnknownDependency,
					Feature: entry.Name,
					Detail:  fmt.Sprintf("depends on %q which is not in this input", dep),
				})
			}
		}
	}

	result.Warnings = append(result.Warnings, findCycles(input.Entries)...)

	for _, w := range result.Warnings {
		g.logger.Warn("Spec guard: %s", w)
	}

	if len(result.Warnings) > g.threshold {
		return result, fmt.Errorf("%w: %d warnings exceed threshold %d",
			proto.ErrSpecMismatch, len(result.Warnings), g.threshold)
	}
	return result, nil
}

// normalizeKeywords lowercases and deduplicates the declared keywords.
func normalizeKeywords(keywords []string) map[string]bool {
	out := make(map[string]bool, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			out[kw] = true
		}
	}
	return out
}

// matchesDomain reports whether any token of the feature's name or
// category matches a declared keyword, by equality or containment.
func matchesDomain(entry *proto.SpecEntry, keywords map[string]bool) bool {
	for _, token := range tokenize(entry.Name + " " + entry.Category) {
		if keywords[token] {
			return true
		}
		for kw := range keywords {
			if strings.Contains(token, kw) || strings.Contains(kw, token) {
				return true
			}
		}
	}
	return false
}

// tokenize splits on any non-alphanumeric rune and lowercases.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// findCycles runs a colored DFS over the dependency graph and reports
// each entry participating in a cycle.
func findCycles(entries []proto.SpecEntry) []Warning {
	deps := make(map[string][]string, len(entries))
	for i := range entries {
		deps[entries[i].Name] = entries[i].DependsOn
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on stack
		black = 2 // done
	)
	color := make(map[string]int, len(deps))
	inCycle := make(map[string]bool)

	var visit func(name string, stack []string)
	visit = func(name string, stack []string) {
		color[name] = gray
		stack = append(stack, name)
		for _, dep := range deps[name] {
			if _, known := deps[dep]; !known {
				continue // Unknown deps are reported separately
			}
			switch color[dep] {
			case white:
				visit(dep, stack)
			case gray:
				// Everything from dep's position on the stack is cyclic.
				for i := len(stack) - 1; i >= 0; i-- {
					inCycle[stack[i]] = true
					if stack[i] == dep {
						break
					}
				}
			}
		}
		color[name] = black
	}

	for name := range deps {
		if color[name] == white {
			visit(name, nil)
		}
	}

	var warnings []Warning
	for i := range entries {
		if inCycle[entries[i].Name] {
			warnings = append(warnings, Warning{
				Kind:    WarnDependencyCycle,
				Feature: entries[i].Name,
				Detail:  "participates in a dependency cycle and can never be claimed",
			})
		}
	}
	return warnings
}
