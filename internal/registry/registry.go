// Package registry defines a narrow identity/burn registry contract: an
// opaque policy hook answering "is this public key permitted to advertise?"
// The core never reaches into burn or identity bookkeeping directly.
package registry

// Registry decides whether a public key is allowed to advertise or
// participate. Implementations beyond AllowAll (chain-specific burn
// registries, allow/deny lists) live outside this module.
type Registry interface {
	IsAllowed(pubkeyCompressed []byte) bool
}

// AllowAll is the default registry: every well-formed key is allowed, used
// whenever no registry is configured.
type AllowAll struct{}

// IsAllowed always returns true.
func (AllowAll) IsAllowed(_ []byte) bool { return true }
