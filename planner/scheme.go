package planner

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	pep440 "github.com/aquasecurity/go-pep440-version"
)

// VersionScheme orders a repository's revision identifiers and resolves a
// constraint expression (e.g. "^1.2", "latest") to the concrete revision it
// should become the update goal. Different repositories publish revisions
// in different ecosystems' version syntax (semver ranges, PEP 440
// specifiers, opaque lexical identifiers), so the scheme is a plug-in
// rather than a single hardcoded parser.
type VersionScheme interface {
	// Sort orders revisions ascending, for the `revctl versions` listing.
	// Revisions this scheme cannot parse sort after every
	// parseable one, in input order.
	Sort(revisions []string)
	// Resolve picks the concrete revision among candidates that best
	// satisfies constraint ("latest" or a range expression).
	Resolve(constraint string, candidates []string) (string, error)
}

// SchemeByName resolves a scheme name (as accepted by the --version-scheme
// CLI flag) to a VersionScheme, defaulting unknown or empty names to
// LexicalScheme rather than failing, since an opaque-revision repository is
// the common case and should never need a flag to work.
func SchemeByName(name string) VersionScheme {
	switch name {
	case "semver":
		return SemverScheme{}
	case "pep440":
		return PEP440Scheme{}
	default:
		return LexicalScheme{}
	}
}

// LexicalScheme is the zero-configuration fallback: revisions are opaque
// strings ordered lexically, and the only resolvable constraint is
// "latest" (the lexically greatest candidate).
type LexicalScheme struct{}

func (LexicalScheme) Sort(revisions []string) {
	sort.Strings(revisions)
}

func (LexicalScheme) Resolve(constraint string, candidates []string) (string, error) {
	if constraint != "latest" {
		for _, c := range candidates {
			if c == constraint {
				return c, nil
			}
		}
		return "", fmt.Errorf("lexical scheme: revision %q not found", constraint)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("lexical scheme: no candidates for %q", constraint)
	}
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)
	return sorted[len(sorted)-1], nil
}

// SemverScheme orders and resolves revisions that are Masterminds/semver-
// compatible version strings.
type SemverScheme struct{}

func (SemverScheme) Sort(revisions []string) {
	sort.SliceStable(revisions, func(i, j int) bool {
		vi, erri := semver.NewVersion(revisions[i])
		vj, errj := semver.NewVersion(revisions[j])
		if erri != nil || errj != nil {
			return erri == nil && errj != nil
		}
		return vi.LessThan(vj)
	})
}

func (SemverScheme) Resolve(constraint string, candidates []string) (string, error) {
	if constraint == "latest" || constraint == "" {
		return latestSemver(candidates)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return "", fmt.Errorf("semver scheme: invalid constraint %q: %w", constraint, err)
	}
	var best *semver.Version
	var bestRevision string
	for _, rev := range candidates {
		v, err := semver.NewVersion(rev)
		if err != nil {
			continue
		}
		if !c.Check(v) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best, bestRevision = v, rev
		}
	}
	if best == nil {
		return "", fmt.Errorf("semver scheme: no revision satisfies %q", constraint)
	}
	return bestRevision, nil
}

func latestSemver(candidates []string) (string, error) {
	var best *semver.Version
	var bestRevision string
	for _, rev := range candidates {
		v, err := semver.NewVersion(rev)
		if err != nil {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best, bestRevision = v, rev
		}
	}
	if best == nil {
		return "", fmt.Errorf("semver scheme: no parseable revision among candidates")
	}
	return bestRevision, nil
}

// PEP440Scheme orders and resolves revisions that are PEP 440 version
// identifiers.
type PEP440Scheme struct{}

func (PEP440Scheme) Sort(revisions []string) {
	sort.SliceStable(revisions, func(i, j int) bool {
		vi, erri := pep440.Parse(revisions[i])
		vj, errj := pep440.Parse(revisions[j])
		if erri != nil || errj != nil {
			return erri == nil && errj != nil
		}
		return vi.LessThan(vj)
	})
}

func (PEP440Scheme) Resolve(constraint string, candidates []string) (string, error) {
	if constraint == "latest" || constraint == "" {
		return latestPEP440(candidates)
	}
	specs, err := pep440.NewSpecifiers(constraint)
	if err != nil {
		return "", fmt.Errorf("pep440 scheme: invalid constraint %q: %w", constraint, err)
	}
	var best pep440.Version
	var bestRevision string
	haveBest := false
	for _, rev := range candidates {
		v, err := pep440.Parse(rev)
		if err != nil {
			continue
		}
		if !specs.Check(v) {
			continue
		}
		if !haveBest || v.GreaterThan(best) {
			best, bestRevision, haveBest = v, rev, true
		}
	}
	if !haveBest {
		return "", fmt.Errorf("pep440 scheme: no revision satisfies %q", constraint)
	}
	return bestRevision, nil
}

func latestPEP440(candidates []string) (string, error) {
	var best pep440.Version
	var bestRevision string
	haveBest := false
	for _, rev := range candidates {
		v, err := pep440.Parse(rev)
		if err != nil {
			continue
		}
		if !haveBest || v.GreaterThan(best) {
			best, bestRevision, haveBest = v, rev, true
		}
	}
	if !haveBest {
		return "", fmt.Errorf("pep440 scheme: no parseable revision among candidates")
	}
	return bestRevision, nil
}
