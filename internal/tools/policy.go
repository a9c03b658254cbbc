package tools

import (
	"github.com/mfukushim/avatar-shell-sub000/internal/config"
)

// Decision is the outcome of authorizing a tool call.
type Decision int

const (
	Denied Decision = iota
	Allowed
	NeedsConsent
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case NeedsConsent:
		return "needs-consent"
	default:
		return "denied"
	}
}

// Authorize looks a call up in two levels: the catalog must be enabled for
// the avatar, then the tool's policy decides. A tool with no entry is denied.
func Authorize(perms config.ToolPermissions, catalog, tool string) Decision {
	cat, ok := perms[catalog]
	if !ok || !cat.Enabled {
		return Denied
	}
	switch cat.Tools[tool] {
	case config.AllowAny:
		return Allowed
	case config.AllowAsk:
		return NeedsConsent
	default:
		return Denied
	}
}

// Offered filters descriptors down to the ones an avatar may attempt:
// everything not outright denied.
func Offered(perms config.ToolPermissions, all []Descriptor) []Descriptor {
	var out []Descriptor
	for _, d := range all {
		if Authorize(perms, d.Catalog, d.Name) != Denied {
			out = append(out, d)
		}
	}
	return out
}
