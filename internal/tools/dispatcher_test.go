package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/nexus/internal/mcp"
)

var errPoolUnavailable = errors.New("pool unavailable")

func TestSplitExternalName(t *testing.T) {
	cases := []struct {
		name       string
		wantServer string
		wantTool   string
		wantOK     bool
	}{
		{"mcp__coralogix__search", "coralogix", "search", true},
		{"get_incidents", "", "", false},
		{"mcp__onlyserver", "", "", false},
		{"mcp____tool", "", "", false},
	}
	for _, c := range cases {
		server, tool, ok := splitExternalName(c.name)
		if ok != c.wantOK || server != c.wantServer || tool != c.wantTool {
			t.Errorf("splitExternalName(%q) = (%q,%q,%v), want (%q,%q,%v)",
				c.name, server, tool, ok, c.wantServer, c.wantTool, c.wantOK)
		}
	}
}

func TestDispatchRoutesBuiltinToHTTPBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	builtin := NewBuiltinClient(BuiltinConfig{BaseURL: srv.URL})
	d := New(builtin, nil, "user-1", nil, nil)

	result := d.Dispatch(context.Background(), "get_incidents", json.RawMessage(`{}`))
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}
}

func TestDispatchExternalWithoutPoolConfiguredReturnsError(t *testing.T) {
	builtin := NewBuiltinClient(BuiltinConfig{BaseURL: "http://unused"})
	d := New(builtin, nil, "user-1", nil, nil)

	result := d.Dispatch(context.Background(), "mcp__coralogix__search", json.RawMessage(`{"query":"500"}`))
	if !result.IsError {
		t.Fatal("expected error result when no pool is configured")
	}
}

// fakePool implements the Pool interface the dispatcher needs, without
// standing up a real subprocess.
type fakePool struct {
	err error
}

func (p *fakePool) Acquire(ctx context.Context, userID, serverName string) (*mcp.Lease, error) {
	return nil, p.err
}

func TestDispatchExternalPropagatesAcquireError(t *testing.T) {
	builtin := NewBuiltinClient(BuiltinConfig{BaseURL: "http://unused"})
	d := New(builtin, &fakePool{err: errPoolUnavailable}, "user-1", nil, nil)

	result := d.Dispatch(context.Background(), "mcp__coralogix__search", json.RawMessage(`{}`))
	if !result.IsError {
		t.Fatal("expected error result when Acquire fails")
	}
}

func TestDescriptorsIncludesExternalToolsWithPrefixedNames(t *testing.T) {
	builtin := NewBuiltinClient(BuiltinConfig{BaseURL: "http://unused"})
	d := New(builtin, nil, "user-1", nil, nil)

	external := map[string][]*mcp.MCPTool{
		"coralogix": {{Name: "search", Description: "search logs"}},
	}
	descs := d.Descriptors(external)

	found := false
	for _, desc := range descs {
		if desc.Name == "mcp__coralogix__search" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected mcp__coralogix__search among descriptors, got %+v", descs)
	}
	if len(descs) != len(builtinOrder)+1 {
		t.Errorf("len(descs) = %d, want %d", len(descs), len(builtinOrder)+1)
	}
}
