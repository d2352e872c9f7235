package platform

import (
	"fmt"
	"time"
)

// ActionDescriptor is one structured, validated request against one platform.
type ActionDescriptor struct {
	Platform Platform `json:"platform"`
	Action   string   `json:"action"`
	Filters  Filters  `json:"filters,omitempty"`
	// Seed marks a correlated descriptor: Filter is filled at fetch time from
	// the first non-empty Field value of the seed platform's results.
	Seed *SeedRef `json:"seed,omitempty"`
}

// SeedRef names the descriptor a correlated descriptor waits for.
type SeedRef struct {
	Platform Platform `json:"platform"`
	Field    string   `json:"field"`
	Filter   string   `json:"filter"`
}

func (d ActionDescriptor) String() string {
	return fmt.Sprintf("%s.%s%v", d.Platform, d.Action, map[string]any(d.Filters))
}

// Validate checks the descriptor against the catalog and applies filter defaults.
// Failures are returned as *AdapterError with kind UnsupportedAction or
// MissingRequiredFilter so they can be attached to a failed fetch result.
func (c *Catalog) Validate(d *ActionDescriptor, now time.Time) error {
	spec, ok := c.Action(d.Platform, d.Action)
	if !ok {
		return NewAdapterError(d.Platform, KindUnsupportedAction,
			fmt.Sprintf("action %q is not supported", d.Action), nil)
	}
	if d.Filters == nil {
		d.Filters = Filters{}
	}
	for name, raw := range d.Filters {
		f, ok := spec.Filter(name)
		if !ok {
			return NewAdapterError(d.Platform, KindUnsupportedAction,
				fmt.Sprintf("action %s does not accept filter %q", d.Action, name), nil)
		}
		v, err := f.Coerce(raw, now)
		if err != nil {
			return NewAdapterError(d.Platform, KindUnsupportedAction, err.Error(), nil)
		}
		d.Filters[name] = v
	}
	for _, f := range spec.Filters {
		if _, ok := d.Filters[f.Name]; ok {
			continue
		}
		if d.Seed != nil && d.Seed.Filter == f.Name {
			continue
		}
		if f.Default != nil {
			v, err := f.Coerce(f.Default, now)
			if err != nil {
				return fmt.Errorf("catalog default for %s.%s: %w", d.Action, f.Name, err)
			}
			d.Filters[f.Name] = v
			continue
		}
		if f.Required {
			return NewAdapterError(d.Platform, KindMissingRequiredFilter,
				fmt.Sprintf("%s requires %s", d.Action, f.Name), nil)
		}
	}
	if d.Seed != nil {
		if _, ok := spec.Filter(d.Seed.Filter); !ok {
			return NewAdapterError(d.Platform, KindUnsupportedAction,
				fmt.Sprintf("correlated filter %q is not accepted by %s", d.Seed.Filter, d.Action), nil)
		}
	}
	return nil
}
