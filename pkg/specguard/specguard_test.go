package specguard

import (
	"errors"
	"testing"

	"autobuild/pkg/proto"
)

func entry(name string, deps ...string) proto.SpecEntry {
	return proto.SpecEntry{Name: name, Category: "core", DependsOn: deps}
}

func TestCheck(t *testing.T) {
	t.Run("CleanInputPasses", func(t *testing.T) {
		guard := New(0)
		input := &proto.SpecInput{
			Entries: []proto.SpecEntry{
				entry("user login"),
				entry("user signup"),
				entry("password reset", "user login"),
			},
			DomainKeywords: []string{"user", "password"},
		}

		result, err := guard.Check(input)
		if err != nil {
			t.Fatalf("Expected clean input to pass, got %v", err)
		}
		if len(result.Warnings) != 0 {
			t.Errorf("Expected no warnings, got %v", result.Warnings)
		}
		if result.Matched != 3 {
			t.Errorf("Expected all 3 entries matched, got %d", result.Matched)
		}
	})

	t.Run("NoKeywordsSkipsDomainCheck", func(t *testing.T) {
		guard := New(0)
		input := &proto.SpecInput{
			Entries: []proto.SpecEntry{entry("anything goes")},
		}

		result, err := guard.Check(input)
		if err != nil {
			t.Fatalf("Expected pass without keywords, got %v", err)
		}
		if len(result.Warnings) != 0 {
			t.Errorf("Expected no warnings, got %v", result.Warnings)
		}
	})

	t.Run("OffDomainOverThresholdIsMismatch", func(t *testing.T) {
		guard := New(1)
		input := &proto.SpecInput{
			Entries: []proto.SpecEntry{
				entry("recipe browser"),
				entry("meal planner"),
				entry("user login"),
			},
			DomainKeywords: []string{"user", "billing"},
		}

		_, err := guard.Check(input)
		if !errors.Is(err, proto.ErrSpecMismatch) {
			t.Fatalf("Expected ErrSpecMismatch, got %v", err)
		}
	})

	t.Run("WarningsUnderThresholdPass", func(t *testing.T) {
		guard := New(3)
		input := &proto.SpecInput{
			Entries: []proto.SpecEntry{
				entry("recipe browser"),
				entry("user login"),
			},
			DomainKeywords: []string{"user"},
		}

		result, err := guard.Check(input)
		if err != nil {
			t.Fatalf("Expected pass under threshold, got %v", err)
		}
		if len(result.Warnings) != 1 {
			t.Errorf("Expected 1 off-domain warning, got %v", result.Warnings)
		}
		if result.Warnings[0].Kind != WarnOffDomain {
			t.Errorf("Expected off_domain warning, got %s", result.Warnings[0].Kind)
		}
	})

	t.Run("DuplicateAndEmptyNames", func(t *testing.T) {
		guard := New(10)
		input := &proto.SpecInput{
			Entries: []proto.SpecEntry{
				entry("login"),
				entry("login"),
				entry("  "),
			},
		}

		result, err := guard.Check(input)
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}

		kinds := make(map[WarningKind]int)
		for _, w := range result.Warnings {
			kinds[w.Kind]++
		}
		if kinds[WarnDuplicateName] != 1 {
			t.Errorf("Expected 1 duplicate warning, got %d", kinds[WarnDuplicateName])
		}
		if kinds[WarnEmptyName] != 1 {
			t.Errorf("Expected 1 empty-name warning, got %d", kinds[WarnEmptyName])
		}
	})

	t.Run("UnknownDependencyWarns", func(t *testing.T) {
		guard := New(10)
		input := &proto.SpecInput{
			Entries: []proto.SpecEntry{
				entry("api", "schema"),
			},
		}

		result, err := guard.Check(input)
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if len(result.Warnings) != 1 || result.Warnings[0].Kind != WarnUnknownDependency {
			t.Errorf("Expected unknown-dependency warning, got %v", result.Warnings)
		}
	})

	t.Run("CycleDetection", func(t *testing.T) {
		guard := New(10)
		input := &proto.SpecInput{
			Entries: []proto.SpecEntry{
				entry("a", "b"),
				entry("b", "c"),
				entry("c", "a"),
				entry("standalone"),
			},
		}

		result, err := guard.Check(input)
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}

		cyclic := 0
		for _, w := range result.Warnings {
			if w.Kind == WarnDependencyCycle {
				cyclic++
				if w.Feature == "standalone" {
					t.Errorf("standalone wrongly reported as cyclic")
				}
			}
		}
		if cyclic != 3 {
			t.Errorf("Expected 3 cycle warnings, got %d", cyclic)
		}
	})
}
