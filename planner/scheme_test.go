package planner

import "testing"

func TestLexicalSchemeResolveExactAndLatest(t *testing.T) {
	candidates := []string{"v1", "v3", "v2"}

	got, err := LexicalScheme{}.Resolve("v2", candidates)
	if err != nil {
		t.Fatalf("Resolve(v2): %v", err)
	}
	if got != "v2" {
		t.Errorf("Resolve(v2) = %q, want v2", got)
	}

	got, err = LexicalScheme{}.Resolve("latest", candidates)
	if err != nil {
		t.Fatalf("Resolve(latest): %v", err)
	}
	if got != "v3" {
		t.Errorf("Resolve(latest) = %q, want v3", got)
	}

	if _, err := LexicalScheme{}.Resolve("v9", candidates); err == nil {
		t.Errorf("expected error resolving unknown revision")
	}
}

func TestLexicalSchemeSort(t *testing.T) {
	revisions := []string{"v3", "v1", "v2"}
	LexicalScheme{}.Sort(revisions)
	want := []string{"v1", "v2", "v3"}
	for i := range want {
		if revisions[i] != want[i] {
			t.Fatalf("Sort() = %v, want %v", revisions, want)
		}
	}
}

func TestSemverSchemeResolveConstraintAndLatest(t *testing.T) {
	candidates := []string{"1.0.0", "1.2.0", "1.2.5", "2.0.0"}

	got, err := SemverScheme{}.Resolve("^1.2", candidates)
	if err != nil {
		t.Fatalf("Resolve(^1.2): %v", err)
	}
	if got != "1.2.5" {
		t.Errorf("Resolve(^1.2) = %q, want 1.2.5", got)
	}

	got, err = SemverScheme{}.Resolve("latest", candidates)
	if err != nil {
		t.Fatalf("Resolve(latest): %v", err)
	}
	if got != "2.0.0" {
		t.Errorf("Resolve(latest) = %q, want 2.0.0", got)
	}

	if _, err := SemverScheme{}.Resolve("^9", candidates); err == nil {
		t.Errorf("expected error when no revision satisfies the constraint")
	}
}

func TestSemverSchemeSort(t *testing.T) {
	revisions := []string{"1.2.5", "1.0.0", "2.0.0"}
	SemverScheme{}.Sort(revisions)
	want := []string{"1.0.0", "1.2.5", "2.0.0"}
	for i := range want {
		if revisions[i] != want[i] {
			t.Fatalf("Sort() = %v, want %v", revisions, want)
		}
	}
}

func TestPEP440SchemeResolveConstraintAndLatest(t *testing.T) {
	candidates := []string{"1.0.0", "1.2.0", "1.2.5", "2.0.0"}

	got, err := PEP440Scheme{}.Resolve("~=1.2", candidates)
	if err != nil {
		t.Fatalf("Resolve(~=1.2): %v", err)
	}
	if got != "1.2.5" {
		t.Errorf("Resolve(~=1.2) = %q, want 1.2.5", got)
	}

	got, err = PEP440Scheme{}.Resolve("latest", candidates)
	if err != nil {
		t.Fatalf("Resolve(latest): %v", err)
	}
	if got != "2.0.0" {
		t.Errorf("Resolve(latest) = %q, want 2.0.0", got)
	}
}

func TestSchemeByNameDefaultsToLexical(t *testing.T) {
	if _, ok := SchemeByName("").(LexicalScheme); !ok {
		t.Errorf("SchemeByName(\"\") did not return LexicalScheme")
	}
	if _, ok := SchemeByName("bogus").(LexicalScheme); !ok {
		t.Errorf("SchemeByName(bogus) did not return LexicalScheme")
	}
	if _, ok := SchemeByName("semver").(SemverScheme); !ok {
		t.Errorf("SchemeByName(semver) did not return SemverScheme")
	}
	if _, ok := SchemeByName("pep440").(PEP440Scheme); !ok {
		t.Errorf("SchemeByName(pep440) did not return PEP440Scheme")
	}
}
