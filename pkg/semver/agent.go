// Package semver checks agent versions announced at discovery against the
// controller's compatibility constraint.
package semver

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "semver:agent"

// ErrIncompatible is returned when an agent version fails the constraint.
var ErrIncompatible = errors.New("incompatible agent version")

var majorOnlyRegex = regexp.MustCompile(`^\d+$`)

// IsMajorOnly reports whether constraint is a bare major such as "2".
func IsMajorOnly(constraint string) bool {
	return majorOnlyRegex.MatchString(constraint)
}

// ValidateConstraint reports whether constraint can be parsed.
// An empty constraint accepts every agent.
func ValidateConstraint(constraint string) error {
	if constraint == "" || IsMajorOnly(constraint) {
		return nil
	}
	if _, err := masterminds.NewConstraint(constraint); err != nil {
		return fmt.Errorf("%s - invalid constraint %q: %w", logPrefix, constraint, err)
	}
	return nil
}

// CheckAgentVersion returns nil when version satisfies constraint. Supported
// constraints are empty (any), a bare major ("2") or any range the
// Masterminds parser accepts ("^1.2.0", ">=1.0.0 <3.0.0").
func CheckAgentVersion(version, constraint string) error {
	if constraint == "" {
		return nil
	}

	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q is not a semantic version", ErrIncompatible, version)
	}

	if IsMajorOnly(constraint) {
		major, _ := strconv.ParseUint(constraint, 10, 64)
		if sv.Major() != major {
			return fmt.Errorf("%w: %s does not match major %s", ErrIncompatible, version, constraint)
		}
		return nil
	}

	c, err := masterminds.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("%s - invalid constraint %q: %w", logPrefix, constraint, err)
	}
	if ok, errs := c.Validate(sv); !ok {
		reason := "constraint not met"
		if len(errs) > 0 {
			reason = errs[0].Error()
		}
		return fmt.Errorf("%w: %s: %s", ErrIncompatible, version, reason)
	}
	return nil
}
