// Package component defines the vocabulary shared by the coordinator and
// its collaborators: service identities, scopes, validation results and the
// registry contract used to decide whether a listener may be bound.
package component

import (
	"errors"
	"fmt"
	"strings"
)

// ScopeID identifies the user or tenant context a binding belongs to.
type ScopeID int

// Identity names a bindable listener service. It is comparable and safe to
// use as a map key.
type Identity struct {
	Package string `json:"package" toml:"package" yaml:"package"`
	Class   string `json:"class" toml:"class" yaml:"class"`
}

// ErrMalformedIdentity is returned by ParseIdentity.
var ErrMalformedIdentity = errors.New("component: malformed identity")

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id.Package == "" && id.Class == ""
}

// String renders the identity as "package/class".
func (id Identity) String() string {
	if id.IsZero() {
		return ""
	}
	return id.Package + "/" + id.Class
}

// ParseIdentity parses the "package/class" form produced by String.
// A class beginning with "." is expanded relative to the package.
func ParseIdentity(s string) (Identity, error) {
	pkg, class, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || pkg == "" || class == "" {
		return Identity{}, fmt.Errorf("%w: %q", ErrMalformedIdentity, s)
	}
	if strings.HasPrefix(class, ".") {
		class = pkg + class
	}
	return Identity{Package: pkg, Class: class}, nil
}

// ValidationResult is the outcome of checking a candidate identity.
type ValidationResult int

const (
	// Valid means the identity is installed, permitted and in scope.
	Valid ValidationResult = iota
	// NotInstalled means no installed listener matches the identity.
	NotInstalled
	// NotPermitted means the listener lacks the bind permission or is not
	// enabled by the user.
	NotPermitted
	// WrongScope means the listener exists but not for the requested scope.
	WrongScope
)

// String returns the result name.
func (r ValidationResult) String() string {
	switch r {
	case Valid:
		return "ok"
	case NotInstalled:
		return "not_installed"
	case NotPermitted:
		return "not_permitted"
	case WrongScope:
		return "wrong_scope"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// OK reports whether the result allows binding.
func (r ValidationResult) OK() bool { return r == Valid }

// Registry answers questions about installable listener services.
//
// Change callbacks are invoked without any registry lock held and may call
// back into the registry.
type Registry interface {
	IsValid(id Identity, scope ScopeID) ValidationResult
	InstalledCandidates(scope ScopeID) []Identity
	EnabledCandidates(scope ScopeID) []Identity
	IsTrusted(pkg string, scope ScopeID) bool
	OnChange(fn func(scope ScopeID))
}
