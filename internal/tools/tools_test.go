package tools

import (
	"context"
	"testing"

	"github.com/basket/nervecore/internal/policy"
)

func allowAllPolicy() policy.Checker {
	return policy.NewLivePolicy(policy.Policy{
		AllowCapabilities: []string{
			"tools.exec", "tools.read_file", "tools.write_file", "tools.read_url",
		},
		AllowLoopback: true,
	}, "")
}

func TestRegistryDeniesUnknownTool(t *testing.T) {
	r := NewRegistry(allowAllPolicy())
	res := r.Execute(context.Background(), "does_not_exist", nil)
	if res.Status != StatusFailed {
		t.Fatalf("expected failed status, got %v", res.Status)
	}
}

func TestRegistryDeniesMissingCapability(t *testing.T) {
	r := NewRegistry(policy.NewLivePolicy(policy.Policy{}, ""))
	res := r.Execute(context.Background(), "exec", map[string]any{"command": "echo hi"})
	if res.Status != StatusFailed {
		t.Fatalf("expected capability denial, got %v", res.Status)
	}
}

func TestShellToolRunsAllowedCommand(t *testing.T) {
	r := NewRegistry(allowAllPolicy())
	res := r.Execute(context.Background(), "exec", map[string]any{"command": "echo hello"})
	if res.Status != StatusOK {
		t.Fatalf("expected ok, got %v (%s)", res.Status, res.Error)
	}
}

func TestShellToolBlocksDenyListedCommand(t *testing.T) {
	r := NewRegistry(allowAllPolicy())
	res := r.Execute(context.Background(), "exec", map[string]any{"command": "sudo rm -rf /"})
	if res.Status != StatusFailed {
		t.Fatalf("expected deny-list rejection, got %v", res.Status)
	}
}

func TestFileToolsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(allowAllPolicy())
	path := dir + "/note.txt"

	writeRes := r.Execute(context.Background(), "write_file", map[string]any{"path": path, "content": "hello"})
	if writeRes.Status != StatusOK {
		t.Fatalf("write failed: %s", writeRes.Error)
	}

	readRes := r.Execute(context.Background(), "read_file", map[string]any{"path": path})
	if readRes.Status != StatusOK {
		t.Fatalf("read failed: %s", readRes.Error)
	}
	body, ok := readRes.Result.(map[string]any)
	if !ok || body["content"] != "hello" {
		t.Fatalf("unexpected read result: %#v", readRes.Result)
	}
}

func TestReadURLDeniesPrivateHost(t *testing.T) {
	r := NewRegistry(allowAllPolicy())
	res := r.Execute(context.Background(), "read_url", map[string]any{"url": "http://192.168.1.1/secret"})
	if res.Status != StatusFailed {
		t.Fatalf("expected private-host denial, got %v", res.Status)
	}
}
