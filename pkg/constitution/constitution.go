// Package constitution holds the process-wide constitutional identity: the
// compliance hash every governance-relevant message must carry and the
// semantic version of the constitution it names.
//
// A Constitution is a value. It is built once at startup and handed to the
// components that need it; nothing mutates it afterwards.
package constitution

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
)

const (
	// DefaultHash is the compliance identifier of constitution v1.0.0.
	DefaultHash = "cdd01ef066bc6cf2"
	// DefaultVersion is the version DefaultHash was issued for.
	DefaultVersion = "1.0.0"
)

var (
	ErrEmptyHash      = errors.New("constitution: hash must not be empty")
	ErrMalformedHash  = errors.New("constitution: hash must be 16-64 lowercase hex characters")
	ErrInvalidVersion = errors.New("constitution: version is not valid semver")
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{16,64}$`)

// Constitution is the immutable compliance identity of a running bus.
type Constitution struct {
	hash    string
	version *semver.Version
}

// New validates hash and version and returns the constitution value.
func New(hash, version string) (Constitution, error) {
	if hash == "" {
		return Constitution{}, ErrEmptyHash
	}
	if !hashPattern.MatchString(hash) {
		return Constitution{}, fmt.Errorf("%w: %q", ErrMalformedHash, hash)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return Constitution{}, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, version, err)
	}
	return Constitution{hash: hash, version: v}, nil
}

// Default returns the built-in constitution.
func Default() Constitution {
	c, err := New(DefaultHash, DefaultVersion)
	if err != nil {
		panic(err)
	}
	return c
}

// Hash returns the compliance hash.
func (c Constitution) Hash() string { return c.hash }

// Version returns the semantic version string.
func (c Constitution) Version() string {
	if c.version == nil {
		return ""
	}
	return c.version.String()
}

// IsZero reports whether c was never initialised.
func (c Constitution) IsZero() bool { return c.hash == "" }

// Matches compares a presented hash by exact equality in constant time.
func (c Constitution) Matches(presented string) bool {
	if c.hash == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.hash), []byte(presented)) == 1
}

// Compatible reports whether an agent built against declared can operate
// under this constitution: same major version and not newer than the
// running constitution. An empty declaration is accepted.
func (c Constitution) Compatible(declared string) (bool, error) {
	if declared == "" {
		return true, nil
	}
	v, err := semver.NewVersion(declared)
	if err != nil {
		return false, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, declared, err)
	}
	if c.version == nil {
		return false, ErrInvalidVersion
	}
	constraint, err := semver.NewConstraint(fmt.Sprintf("^%d.0.0, <= %s", c.version.Major(), c.version.String()))
	if err != nil {
		return false, err
	}
	return constraint.Check(v), nil
}

func (c Constitution) String() string {
	return fmt.Sprintf("%s@%s", c.hash, c.Version())
}
