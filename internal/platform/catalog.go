package platform

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Catalog is the declarative, closed-world description of every platform: routing
// vocabulary, priority rank, supported read actions and their filters, and the
// cross-platform links used for correlation. A Catalog is immutable after loading.
type Catalog struct {
	Version          int            `yaml:"version"`
	CrossReference   []string       `yaml:"cross_reference"`
	UnsupportedVerbs []string       `yaml:"unsupported_verbs"`
	Platforms        []PlatformSpec `yaml:"platforms"`
	Links            []Link         `yaml:"links"`

	byID map[Platform]*PlatformSpec
}

// PlatformSpec describes one platform.
type PlatformSpec struct {
	ID       Platform           `yaml:"id"`
	Name     string             `yaml:"name"`
	Priority int                `yaml:"priority"`
	Keywords map[string]float64 `yaml:"keywords"`
	Actions  []ActionSpec       `yaml:"actions"`
}

// ActionSpec describes one supported read action.
type ActionSpec struct {
	Name        string       `yaml:"name"`
	Kind        string       `yaml:"kind"`
	Description string       `yaml:"description"`
	Keywords    []string     `yaml:"keywords"`
	Generic     bool         `yaml:"generic"`
	Filters     []FilterSpec `yaml:"filters"`
}

// FilterSpec describes one filter an action accepts. Extract names the heuristic the
// deterministic planner uses to fill it from free text (entity, email, amount, count, repo).
type FilterSpec struct {
	Name     string              `yaml:"name"`
	Type     FilterType          `yaml:"type"`
	Required bool                `yaml:"required"`
	Default  any                 `yaml:"default"`
	Values   []string            `yaml:"values"`
	Synonyms map[string][]string `yaml:"synonyms"`
	Extract  string              `yaml:"extract"`
}

// Link declares that the dependent action's filter is filled from the seed results.
type Link struct {
	Seed struct {
		Platform     Platform `yaml:"platform"`
		Action       string   `yaml:"action"`
		EntityFilter string   `yaml:"entity_filter"`
		Field        string   `yaml:"field"`
	} `yaml:"seed"`
	Dependent struct {
		Platform Platform `yaml:"platform"`
		Action   string   `yaml:"action"`
		Filter   string   `yaml:"filter"`
	} `yaml:"dependent"`
}

// DefaultCatalog parses the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// MustDefaultCatalog is DefaultCatalog for package initialisation and tests.
func MustDefaultCatalog() *Catalog {
	c, err := DefaultCatalog()
	if err != nil {
		panic(err)
	}
	return c
}

// ParseCatalog decodes and structurally validates a catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	c.byID = make(map[Platform]*PlatformSpec, len(c.Platforms))
	for i := range c.Platforms {
		c.byID[c.Platforms[i].ID] = &c.Platforms[i]
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	seen := map[Platform]bool{}
	for _, p := range c.Platforms {
		if _, err := Parse(string(p.ID)); err != nil {
			return err
		}
		if seen[p.ID] {
			return fmt.Errorf("platform %s declared twice", p.ID)
		}
		seen[p.ID] = true
		if len(p.Actions) == 0 {
			return fmt.Errorf("platform %s declares no actions", p.ID)
		}
		generic := 0
		actions := map[string]bool{}
		for _, a := range p.Actions {
			if a.Name == "" || a.Kind == "" {
				return fmt.Errorf("platform %s: action needs a name and kind", p.ID)
			}
			if actions[a.Name] {
				return fmt.Errorf("platform %s: action %s declared twice", p.ID, a.Name)
			}
			actions[a.Name] = true
			if a.Generic {
				generic++
			}
			for _, f := range a.Filters {
				if err := f.validate(); err != nil {
					return fmt.Errorf("%s.%s: %w", p.ID, a.Name, err)
				}
			}
		}
		if generic != 1 {
			return fmt.Errorf("platform %s must declare exactly one generic action, found %d", p.ID, generic)
		}
	}
	for _, l := range c.Links {
		seed, ok := c.lookup(l.Seed.Platform, l.Seed.Action)
		if !ok {
			return fmt.Errorf("link seed %s.%s is not declared", l.Seed.Platform, l.Seed.Action)
		}
		if _, ok := seed.Filter(l.Seed.EntityFilter); !ok {
			return fmt.Errorf("link seed %s.%s has no filter %s", l.Seed.Platform, l.Seed.Action, l.Seed.EntityFilter)
		}
		dep, ok := c.lookup(l.Dependent.Platform, l.Dependent.Action)
		if !ok {
			return fmt.Errorf("link dependent %s.%s is not declared", l.Dependent.Platform, l.Dependent.Action)
		}
		if _, ok := dep.Filter(l.Dependent.Filter); !ok {
			return fmt.Errorf("link dependent %s.%s has no filter %s", l.Dependent.Platform, l.Dependent.Action, l.Dependent.Filter)
		}
		if l.Seed.Field == "" {
			return fmt.Errorf("link seed %s.%s needs a field", l.Seed.Platform, l.Seed.Action)
		}
	}
	return nil
}

func (f FilterSpec) validate() error {
	switch f.Type {
	case FilterString, FilterInt, FilterNumber, FilterBool, FilterDateRange:
	case FilterEnum:
		if len(f.Values) == 0 {
			return fmt.Errorf("enum filter %s has no values", f.Name)
		}
		for declared := range f.Synonyms {
			if !slices.Contains(f.Values, declared) {
				return fmt.Errorf("enum filter %s: synonyms for undeclared value %s", f.Name, declared)
			}
		}
	default:
		return fmt.Errorf("filter %s has unknown type %q", f.Name, f.Type)
	}
	return nil
}

// lookup is used during validation, before byID is built.
func (c *Catalog) lookup(p Platform, action string) (*ActionSpec, bool) {
	for i := range c.Platforms {
		if c.Platforms[i].ID != p {
			continue
		}
		return c.Platforms[i].Action(action)
	}
	return nil, false
}

// Platform returns the PlatformSpec for p.
func (c *Catalog) Platform(p Platform) (*PlatformSpec, bool) {
	spec, ok := c.byID[p]
	return spec, ok
}

// Action returns the ActionSpec for p's action.
func (c *Catalog) Action(p Platform, action string) (*ActionSpec, bool) {
	spec, ok := c.byID[p]
	if !ok {
		return nil, false
	}
	return spec.Action(action)
}

// Priority returns p's rank; lower ranks first. Unknown platforms sort last.
func (c *Catalog) Priority(p Platform) int {
	if spec, ok := c.byID[p]; ok {
		return spec.Priority
	}
	return len(c.Platforms) + 1
}

// WithPriority returns a copy of the catalog whose platform ranks follow order.
// Platforms missing from order keep their relative catalog order after the listed ones.
func (c *Catalog) WithPriority(order []Platform) *Catalog {
	if len(order) == 0 {
		return c
	}
	cp := *c
	cp.Platforms = slices.Clone(c.Platforms)
	rank := map[Platform]int{}
	for i, p := range order {
		rank[p] = i + 1
	}
	for i := range cp.Platforms {
		if r, ok := rank[cp.Platforms[i].ID]; ok {
			cp.Platforms[i].Priority = r
		} else {
			cp.Platforms[i].Priority = len(order) + cp.Platforms[i].Priority
		}
	}
	cp.byID = make(map[Platform]*PlatformSpec, len(cp.Platforms))
	for i := range cp.Platforms {
		cp.byID[cp.Platforms[i].ID] = &cp.Platforms[i]
	}
	return &cp
}

// SortByPriority orders platforms by rank, then alphabetically.
func (c *Catalog) SortByPriority(ps []Platform) {
	slices.SortStableFunc(ps, func(a, b Platform) int {
		if d := c.Priority(a) - c.Priority(b); d != 0 {
			return d
		}
		return strings.Compare(string(a), string(b))
	})
}

// LinkBetween returns the link whose seed and dependent platforms match.
func (c *Catalog) LinkBetween(seed, dependent Platform) (Link, bool) {
	for _, l := range c.Links {
		if l.Seed.Platform == seed && l.Dependent.Platform == dependent {
			return l, true
		}
	}
	return Link{}, false
}

// Action returns the named action.
func (p *PlatformSpec) Action(name string) (*ActionSpec, bool) {
	for i := range p.Actions {
		if p.Actions[i].Name == name {
			return &p.Actions[i], true
		}
	}
	return nil, false
}

// GenericAction returns the platform's "list recent" action.
func (p *PlatformSpec) GenericAction() *ActionSpec {
	for i := range p.Actions {
		if p.Actions[i].Generic {
			return &p.Actions[i]
		}
	}
	return &p.Actions[0]
}

// Filter returns the named filter.
func (a *ActionSpec) Filter(name string) (FilterSpec, bool) {
	for _, f := range a.Filters {
		if f.Name == name {
			return f, true
		}
	}
	return FilterSpec{}, false
}
