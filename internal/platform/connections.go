package platform

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConnectionsFile is the on-disk description of adapters and per-user credentials.
//
//	adapters:
//	  stripe: {type: http, url: http://gateway:9100/stripe}
//	  github: {type: fixture, records: {list_repos: [...]}}
//	users:
//	  demo:
//	    stripe: {token: sk_test_123}
type ConnectionsFile struct {
	Adapters map[Platform]AdapterConfig `yaml:"adapters"`
	Users    map[string]Connections     `yaml:"users"`
}

// AdapterConfig selects and configures the adapter for one platform.
type AdapterConfig struct {
	Type    string              `yaml:"type"`
	URL     string              `yaml:"url"`
	Records map[string][]Record `yaml:"records"`
	Scalars map[string]any      `yaml:"scalars"`
}

// LoadConnectionsFile reads and validates a connections file.
func LoadConnectionsFile(path string) (*ConnectionsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read connections file: %w", err)
	}
	return ParseConnections(data)
}

// ParseConnections decodes and validates a connections document.
func ParseConnections(data []byte) (*ConnectionsFile, error) {
	var f ConnectionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode connections: %w", err)
	}
	for p, a := range f.Adapters {
		if _, err := Parse(string(p)); err != nil {
			return nil, err
		}
		switch a.Type {
		case "http":
			if a.URL == "" {
				return nil, fmt.Errorf("adapter %s: http adapter needs a url", p)
			}
		case "fixture":
		default:
			return nil, fmt.Errorf("adapter %s: unknown type %q", p, a.Type)
		}
	}
	for user, conns := range f.Users {
		for p := range conns {
			if _, err := Parse(string(p)); err != nil {
				return nil, fmt.Errorf("user %s: %w", user, err)
			}
		}
	}
	return &f, nil
}

// BuildRegistry instantiates the configured adapters.
func (f *ConnectionsFile) BuildRegistry(defaultTimeout time.Duration, overrides map[Platform]time.Duration, client *http.Client) *Registry {
	reg := NewRegistry(defaultTimeout)
	for p, a := range f.Adapters {
		switch a.Type {
		case "http":
			reg.Register(p, NewHTTPAdapter(p, a.URL, client))
		case "fixture":
			reg.Register(p, NewFixtureAdapter(p, a.Records, a.Scalars))
		}
	}
	for p, d := range overrides {
		reg.SetTimeout(p, d)
	}
	return reg
}

// ConnectionSource resolves the platforms a user has connected.
type ConnectionSource interface {
	Connections(ctx context.Context, userID string) (Connections, error)
}

// StaticConnections serves connections from a fixed per-user table.
type StaticConnections map[string]Connections

// Connections implements ConnectionSource. Unknown users have no connections.
func (s StaticConnections) Connections(_ context.Context, userID string) (Connections, error) {
	conns, ok := s[userID]
	if !ok {
		return Connections{}, nil
	}
	return conns, nil
}
