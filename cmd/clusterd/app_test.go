package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/clusterd/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestConfigGenRoundTripsThroughLoader(t *testing.T) {
	t.Setenv("CLUSTERD_CONFIG_DIR", t.TempDir())
	stdout, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("parse generated config: %v", err)
	}
	if got["store"] != "mem://" || got["sweep-interval"] != "30s" || got["workers"] != 4 {
		t.Fatalf("unexpected defaults: %v", got)
	}

	out := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := executeRootCommand(t, "config", "gen", "--out", out); err != nil {
		t.Fatalf("config gen --out: %v", err)
	}
	if _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("config file missing: %v", err)
	}
}

func TestAdminCommandsAgainstBoltStore(t *testing.T) {
	t.Setenv("CLUSTERD_CONFIG_DIR", t.TempDir())
	common := []string{"--store", "bolt://" + filepath.Join(t.TempDir(), "tree.db"), "--cluster", "orders", "--instance", "cli"}
	run := func(args ...string) string {
		t.Helper()
		out, err := executeRootCommand(t, append(slices.Clone(common), args...)...)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		return out
	}

	if out := run("admin", "init"); !strings.Contains(out, "cluster orders ready") {
		t.Fatalf("init output %q", out)
	}
	run("admin", "add-instance", "n1", "--host", "10.0.0.1", "--port", "7000")
	run("admin", "add-instance", "n2")
	run("admin", "add-resource", "db", "--partitions", "2", "--state-model", "MasterSlave")
	run("admin", "rebalance", "db", "--replicas", "2")

	if out := run("admin", "instances"); out != "n1\nn2\n" {
		t.Fatalf("instances output %q", out)
	}
	var is idealStateOutput
	if err := json.Unmarshal([]byte(run("admin", "ideal-state", "db")), &is); err != nil {
		t.Fatalf("decode ideal state: %v", err)
	}
	want := map[string][]string{"db_0": {"n1", "n2"}, "db_1": {"n2", "n1"}}
	if diff := cmp.Diff(want, is.Preferences); diff != "" {
		t.Fatalf("preference lists mismatch (-want +got):\n%s", diff)
	}
	if is.StateModel != "MasterSlave" || is.Mode != "AUTO" || is.Replicas != "2" {
		t.Fatalf("unexpected ideal state %+v", is)
	}

	if _, err := executeRootCommand(t, append(slices.Clone(common), "admin", "add-resource", "kv", "--mode", "sideways")...); err == nil {
		t.Fatalf("expected an unknown mode to be rejected")
	}
	if _, err := executeRootCommand(t, append(slices.Clone(common), "admin", "drop-cluster")...); err == nil {
		t.Fatalf("drop-cluster must require --yes")
	}
	run("admin", "drop-cluster", "--yes")
}

