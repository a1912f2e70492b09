package main

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/oopDaniel/raftcore/raft"
)

// Config is the cluster file. One file can be shared by every node; the
// node picks its own entry from Servers by ID.
type Config struct {
	ID       raft.ServerID `yaml:"id"`
	RaftAddr string        `yaml:"raft_addr"`
	HTTPAddr string        `yaml:"http_addr"`
	DataDir  string        `yaml:"data_dir"`
	LogLevel string        `yaml:"log_level"`

	Servers []ServerEntry `yaml:"servers"`
	Params  ParamsConfig  `yaml:"params"`
}

// ServerEntry is one member of the bootstrap configuration.
type ServerEntry struct {
	ID       raft.ServerID `yaml:"id" json:"id"`
	Endpoint string        `yaml:"endpoint" json:"endpoint"`
	HTTPAddr string        `yaml:"http_addr,omitempty" json:"httpAddr,omitempty"`
	Voting   *bool         `yaml:"voting,omitempty" json:"voting,omitempty"`
}

func (e ServerEntry) voting() bool {
	return e.Voting == nil || *e.Voting
}

// ParamsConfig overrides raft.DefaultParams. Zero fields keep the default.
// Durations are written like "150ms".
type ParamsConfig struct {
	ElectionTimeoutLower time.Duration `yaml:"election_timeout_lower"`
	ElectionTimeoutUpper time.Duration `yaml:"election_timeout_upper"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	MaxAppendEntries     int           `yaml:"max_append_entries"`
	SnapshotDistance     uint64        `yaml:"snapshot_distance"`
	SnapshotChunkSize    int           `yaml:"snapshot_chunk_size"`
	ReservedLogItems     uint64        `yaml:"reserved_log_items"`
	ClientTimeout        time.Duration `yaml:"client_timeout"`
	ReturnMethod         string        `yaml:"return_method"` // "blocking" or "async"
}

// Apply returns p with the non-zero fields of pc written over it.
func (pc ParamsConfig) Apply(p raft.Params) (raft.Params, error) {
	if pc.ElectionTimeoutLower > 0 {
		p.ElectionTimeoutLower = pc.ElectionTimeoutLower
	}
	if pc.ElectionTimeoutUpper > 0 {
		p.ElectionTimeoutUpper = pc.ElectionTimeoutUpper
	}
	if pc.HeartbeatInterval > 0 {
		p.HeartbeatInterval = pc.HeartbeatInterval
	}
	if pc.MaxAppendEntries > 0 {
		p.MaxAppendEntries = pc.MaxAppendEntries
	}
	if pc.SnapshotDistance > 0 {
		p.SnapshotDistance = pc.SnapshotDistance
	}
	if pc.SnapshotChunkSize > 0 {
		p.SnapshotChunkSize = pc.SnapshotChunkSize
	}
	if pc.ReservedLogItems > 0 {
		p.ReservedLogItems = pc.ReservedLogItems
	}
	if pc.ClientTimeout > 0 {
		p.ClientTimeout = pc.ClientTimeout
	}
	switch pc.ReturnMethod {
	case "":
	case "blocking":
		p.ReturnMethod = raft.ReturnBlocking
	case "async":
		p.ReturnMethod = raft.ReturnAsync
	default:
		return p, errors.Errorf("unknown return method %q", pc.ReturnMethod)
	}
	return p, p.Validate()
}

// loadConfig reads and parses the cluster file at path.
func loadConfig(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return &cfg, nil
}

// resolve fills the node's addresses from its server entry and checks the
// result. It runs after flag overrides are applied.
func (c *Config) resolve() error {
	if c.ID == 0 {
		return errors.New("config: node id is required")
	}
	if len(c.Servers) == 0 {
		return errors.New("config: servers list is empty")
	}
	seen := make(map[raft.ServerID]bool)
	var self *ServerEntry
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.ID == 0 || s.Endpoint == "" {
			return errors.Errorf("config: server %d needs an id and an endpoint", i)
		}
		if seen[s.ID] {
			return errors.Errorf("config: duplicate server id %d", s.ID)
		}
		seen[s.ID] = true
		if s.ID == c.ID {
			self = s
		}
	}
	if self == nil {
		return errors.Errorf("config: node %d is not in the servers list", c.ID)
	}
	if c.RaftAddr == "" {
		c.RaftAddr = self.Endpoint
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = self.HTTPAddr
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	_, err := c.Params.Apply(raft.DefaultParams())
	return errors.Wrap(err, "config: params")
}

// nodeDir is where this node keeps its log, state and snapshots.
func (c *Config) nodeDir() string {
	return filepath.Join(c.DataDir, fmt.Sprintf("node-%d", c.ID))
}

func (c *Config) bootstrap() *raft.ClusterConfig {
	boot := &raft.ClusterConfig{}
	for _, s := range c.Servers {
		boot.Servers = append(boot.Servers, raft.ServerConfig{ID: s.ID, Endpoint: s.Endpoint, Voting: s.voting()})
	}
	return boot
}
