package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"datadesk.io/query-orchestrator/internal/platform"
	"datadesk.io/query-orchestrator/internal/store"
	"github.com/stretchr/testify/require"
)

// Wednesday.
var fixedNow = time.Date(2024, time.May, 15, 14, 30, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

// fakeLLM replays canned replies in order, repeating the last one.
type fakeLLM struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string
}

func (f *fakeLLM) Generate(_ context.Context, _, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "", nil
	}
	i := min(len(f.prompts)-1, len(f.replies)-1)
	return f.replies[i], nil
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func newMemoryStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func connectionsFor(ps ...platform.Platform) platform.Connections {
	conns := platform.Connections{}
	for _, p := range ps {
		conns[p] = platform.Credentials{Token: "tok_" + string(p)}
	}
	return conns
}

func invoiceFixtures() []platform.Record {
	return []platform.Record{
		{"id": "in_1", "status": "open", "amount": 450.0, "currency": "usd", "created": "2024-05-07"},
		{"id": "in_2", "status": "open", "amount": 500.0, "currency": "usd", "created": "2024-05-07"},
		{"id": "in_3", "status": "open", "amount": 200.0, "currency": "usd", "created": "2024-05-08"},
		{"id": "in_4", "status": "paid", "amount": 999.0, "currency": "usd", "created": "2024-05-01"},
	}
}
