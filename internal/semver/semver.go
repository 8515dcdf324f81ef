// Package semver wraps github.com/Masterminds/semver/v3 for deployment
// version selection. Deployments may be unversioned; the zero Version
// sorts below every parsed version and satisfies no range.
package semver

import (
	"fmt"

	mm "github.com/Masterminds/semver/v3"
)

// Version is the semantic version of a registered deployment.
type Version struct {
	v *mm.Version
}

// Range constrains acceptable deployment versions, e.g. ">=1.2.0 <2.0.0",
// "^1.0.0", "~1.4".
type Range struct {
	c *mm.Constraints
}

// Zero reports whether v is the unversioned zero value.
func (v Version) Zero() bool { return v.v == nil }

// Zero reports whether r is the unconstrained zero range.
func (r Range) Zero() bool { return r.c == nil }

func (v Version) String() string {
	if v.v == nil {
		return ""
	}
	return v.v.String()
}

func Parse(raw string) (Version, error) {
	if raw == "" {
		return Version{}, nil
	}
	v, err := mm.NewVersion(raw)
	if err != nil {
		return Version{}, fmt.Errorf("semver: parse version %q: %w", raw, err)
	}
	return Version{v: v}, nil
}

func MustParse(raw string) Version {
	v, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return v
}

func ParseRange(raw string) (Range, error) {
	c, err := mm.NewConstraint(raw)
	if err != nil {
		return Range{}, fmt.Errorf("semver: parse range %q: %w", raw, err)
	}
	return Range{c: c}, nil
}

func MustParseRange(raw string) Range {
	c, err := ParseRange(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// Matches reports whether v satisfies r. Unversioned deployments never
// match an explicit range.
func Matches(v Version, r Range) bool {
	if v.v == nil || r.c == nil {
		return false
	}
	return r.c.Check(v.v)
}

// Compare orders a against b: -1, 0 or 1. The zero Version sorts first.
func Compare(a, b Version) int {
	switch {
	case a.v == nil && b.v == nil:
		return 0
	case a.v == nil:
		return -1
	case b.v == nil:
		return 1
	}
	return a.v.Compare(b.v)
}

// Latest returns the highest version among candidates, optionally limited
// to those matching r (pass a zero Range for no constraint).
func Latest(candidates []Version, r Range) (Version, bool) {
	var best Version
	found := false
	for _, c := range candidates {
		if r.c != nil && !Matches(c, r) {
			continue
		}
		if !found || Compare(c, best) > 0 {
			best = c
			found = true
		}
	}
	return best, found
}
