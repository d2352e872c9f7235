// Package platform describes the third-party services a query can be routed to:
// the closed set of platforms, their declarative action catalog, the descriptors the
// planner emits, and the adapter boundary the fetch orchestrator calls through.
package platform

import (
	"fmt"
	"slices"
	"strings"
)

// Platform identifies a connectable third-party service.
type Platform string

const (
	Stripe     Platform = "stripe"
	GitHub     Platform = "github"
	Zendesk    Platform = "zendesk"
	Trello     Platform = "trello"
	Salesforce Platform = "salesforce"
	Zoho       Platform = "zoho"
)

// All lists every known platform in declaration order.
var All = []Platform{Stripe, GitHub, Zendesk, Trello, Salesforce, Zoho}

// Parse resolves a user supplied platform name. Matching is case-insensitive.
func Parse(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Title is the display name used in narratives ("Stripe data unavailable: ...").
func (p Platform) Title() string {
	switch p {
	case GitHub:
		return "GitHub"
	case "":
		return ""
	}
	return strings.ToUpper(string(p[:1])) + string(p[1:])
}

// Credentials are the already-resolved, already-authorized secrets for one platform.
// The core never inspects them; they are passed through to the adapter.
type Credentials struct {
	Token string            `json:"-" yaml:"token"`
	Extra map[string]string `json:"-" yaml:"extra,omitempty"`
}

// Connections maps each platform a user has connected to its credentials.
type Connections map[Platform]Credentials

// Platforms returns the connected platforms in alphabetical order.
func (c Connections) Platforms() []Platform {
	out := make([]Platform, 0, len(c))
	for _, p := range All {
		if _, ok := c[p]; ok {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// Has reports whether p is connected.
func (c Connections) Has(p Platform) bool {
	_, ok := c[p]
	return ok
}
