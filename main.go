package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log"

	"github.com/oopDaniel/raftcore/raft"
)

var log = logging.Logger("raftcore")

func main() {
	var (
		configPath = flag.String("config", "raftcore.yaml", "cluster file")
		id         = flag.Int("id", 0, "node id, overrides the cluster file")
		logLevel   = flag.String("log-level", "", "log level (debug, info, warn, error), overrides the cluster file")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *id, *logLevel)
	if err := cfg.resolve(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := logging.SetLogLevel("*", cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Error: log level %q: %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}

	n, err := startNode(cfg)
	if err != nil {
		log.Errorw("starting node", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Infow("shutting down", "signal", sig.String())
	n.close()
}

func applyFlags(cfg *Config, id int, logLevel string) {
	if id != 0 {
		if cfg.ID != raft.ServerID(id) {
			// The addresses in the file belonged to another node.
			cfg.RaftAddr, cfg.HTTPAddr = "", ""
		}
		cfg.ID = raft.ServerID(id)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
}
