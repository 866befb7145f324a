// Package semver matches requirement runtime constraints against the runtime
// versions advertised by serverless runtime services.
package semver

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

// ErrInvalidConstraint is returned for a constraint that cannot be parsed.
var ErrInvalidConstraint = errors.New("semver: invalid runtime constraint")

var majorOnlyRegex = regexp.MustCompile(`^\d+$`)

// IsMajorOnly checks if a constraint is a bare major (e.g. "3").
func IsMajorOnly(s string) bool {
	return majorOnlyRegex.MatchString(s)
}

// Constraint is a parsed runtime version constraint. A nil Constraint
// accepts every version, including unversioned runtimes.
type Constraint struct {
	raw string
	c   *masterminds.Constraints
}

// ParseConstraint parses s. Empty input yields a nil Constraint.
//
// Supported forms:
//   - 3                 (any 3.x.y)
//   - 3.2.1             (exact)
//   - ^3.2 / ~3.2.0     (caret / tilde)
//   - >=3.0.0 <4.0.0    (comparison ranges, || for alternatives)
func ParseConstraint(s string) (*Constraint, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return nil, nil
	}
	expr := raw
	if IsMajorOnly(raw) {
		expr = "^" + raw
	}
	c, err := masterminds.NewConstraint(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidConstraint, raw, err)
	}
	return &Constraint{raw: raw, c: c}, nil
}

// String returns the constraint as written.
func (c *Constraint) String() string {
	if c == nil {
		return "*"
	}
	return c.raw
}

// Allows reports whether version satisfies c. Unparseable or empty versions
// only satisfy a nil Constraint.
func (c *Constraint) Allows(version string) bool {
	if c == nil {
		return true
	}
	v, err := masterminds.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return false
	}
	return c.c.Check(v)
}
