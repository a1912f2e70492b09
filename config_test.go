package main

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oopDaniel/raftcore/raft"
)

const clusterFile = `
id: 1
data_dir: /tmp/raftcore
log_level: debug
servers:
  - id: 1
    endpoint: 127.0.0.1:7001
    http_addr: 127.0.0.1:8001
  - id: 2
    endpoint: 127.0.0.1:7002
    http_addr: 127.0.0.1:8002
  - id: 3
    endpoint: 127.0.0.1:7003
    voting: false
params:
  election_timeout_lower: 150ms
  election_timeout_upper: 300ms
  heartbeat_interval: 50ms
  snapshot_distance: 1000
  return_method: async
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "raftcore-config")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "raftcore.yaml")
	if err := ioutil.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, clusterFile))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if err := cfg.resolve(); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.RaftAddr != "127.0.0.1:7001" || cfg.HTTPAddr != "127.0.0.1:8001" {
		t.Fatalf("addresses = %s, %s", cfg.RaftAddr, cfg.HTTPAddr)
	}
	if cfg.nodeDir() != filepath.Join("/tmp/raftcore", "node-1") {
		t.Fatalf("nodeDir = %s", cfg.nodeDir())
	}

	p, err := cfg.Params.Apply(raft.DefaultParams())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if p.ElectionTimeoutLower != 150*time.Millisecond || p.HeartbeatInterval != 50*time.Millisecond {
		t.Fatalf("timeouts = %v, %v", p.ElectionTimeoutLower, p.HeartbeatInterval)
	}
	if p.SnapshotDistance != 1000 || p.ReturnMethod != raft.ReturnAsync {
		t.Fatalf("params = %+v", p)
	}
	if p.MaxAppendEntries != raft.DefaultParams().MaxAppendEntries {
		t.Fatalf("unset MaxAppendEntries changed to %d", p.MaxAppendEntries)
	}

	boot := cfg.bootstrap()
	if len(boot.Servers) != 3 || !boot.Servers[0].Voting || boot.Servers[2].Voting {
		t.Fatalf("bootstrap = %s", boot)
	}
}

func TestIDFlagPicksOtherEntry(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, clusterFile))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	applyFlags(cfg, 2, "warn")
	if err := cfg.resolve(); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.ID != 2 || cfg.RaftAddr != "127.0.0.1:7002" || cfg.HTTPAddr != "127.0.0.1:8002" {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel = %s", cfg.LogLevel)
	}
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing id", "servers: [{id: 1, endpoint: a}]", "node id"},
		{"no servers", "id: 1", "servers list"},
		{"not a member", "id: 4\nservers: [{id: 1, endpoint: a}]", "not in the servers list"},
		{"duplicate", "id: 1\nservers: [{id: 1, endpoint: a}, {id: 1, endpoint: b}]", "duplicate"},
		{"no endpoint", "id: 1\nservers: [{id: 1}]", "endpoint"},
		{"bad timeouts", "id: 1\nservers: [{id: 1, endpoint: a}]\nparams: {election_timeout_lower: 2s, election_timeout_upper: 1s}", "params"},
		{"bad return method", "id: 1\nservers: [{id: 1, endpoint: a}]\nparams: {return_method: later}", "return method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.content))
			if err != nil {
				t.Fatalf("loadConfig: %v", err)
			}
			err = cfg.resolve()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("resolve = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	if _, err := loadConfig(writeConfig(t, "id: 1\nraft_adr: x\n")); err == nil {
		t.Fatalf("misspelled key accepted")
	}
}
