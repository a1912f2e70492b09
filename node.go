package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"

	"github.com/oopDaniel/raftcore/kv/kvraft"
	"github.com/oopDaniel/raftcore/raft"
	"github.com/oopDaniel/raftcore/storage"
	"github.com/oopDaniel/raftcore/transport"
)

// node is one running server: storage, transport, consensus, the key/value
// service and the admin API.
type node struct {
	logs   *storage.FileLogStore
	states *storage.FileStateStore
	store  *kvraft.Store
	tr     *transport.RPCTransport
	rf     *raft.Raft
	kv     *kvraft.KVServer
	http   *http.Server
}

func startNode(cfg *Config) (*node, error) {
	params, err := cfg.Params.Apply(raft.DefaultParams())
	if err != nil {
		return nil, err
	}
	dir := cfg.nodeDir()
	n := &node{}

	if n.logs, err = storage.OpenLogStore(dir); err != nil {
		return nil, err
	}
	if n.states, err = storage.OpenStateStore(dir); err != nil {
		n.close()
		return nil, err
	}
	if n.store, err = kvraft.OpenStore(dir); err != nil {
		n.close()
		return nil, err
	}

	n.tr = transport.NewRPCTransport(transport.Options{Addr: cfg.RaftAddr, CallTimeout: params.HeartbeatInterval * 5})
	n.rf, err = raft.New(raft.Options{
		ID:           cfg.ID,
		LogStore:     n.logs,
		StateStore:   n.states,
		StateMachine: n.store,
		Transport:    n.tr,
		EventHandler: logEvent,
		Params:       params,
		Bootstrap:    cfg.bootstrap(),
	})
	if err != nil {
		n.close()
		return nil, err
	}
	n.tr.SetHandler(n.rf)

	n.kv = kvraft.NewKVServer(n.rf, n.store)
	if err := n.tr.Register(kvraft.ServiceName, n.kv); err != nil {
		n.close()
		return nil, err
	}
	if err := n.tr.Listen(); err != nil {
		n.close()
		return nil, err
	}
	if err := n.rf.Start(); err != nil {
		n.close()
		return nil, err
	}

	if cfg.HTTPAddr != "" {
		api := newAPI(n.rf, n.kv)
		n.http = &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: handlers.CombinedLoggingHandler(os.Stderr, api.handler()),
		}
		go func() {
			if err := n.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorw("admin API stopped", "addr", cfg.HTTPAddr, "error", err)
			}
		}()
	}

	log.Infow("node started", "id", cfg.ID, "raft", n.tr.Addr(), "http", cfg.HTTPAddr, "dir", dir)
	return n, nil
}

func (n *node) close() {
	if n.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := n.http.Shutdown(ctx); err != nil {
			log.Warnw("admin API shutdown", "error", err)
		}
		cancel()
	}
	if n.rf != nil {
		n.rf.Shutdown()
	}
	if n.tr != nil {
		n.tr.Close()
	}
	if n.logs != nil {
		if err := n.logs.Close(); err != nil {
			log.Warnw("closing log store", "error", err)
		}
	}
}

func logEvent(ev raft.Event) {
	switch e := ev.(type) {
	case raft.BecameLeader:
		log.Infow("became leader", "id", e.ID, "term", e.Term)
	case raft.BecameFollower:
		log.Infow("became follower", "id", e.ID, "term", e.Term, "leader", e.LeaderID)
	case raft.ConfigChanged:
		log.Infow("configuration changed", "config", e.Config.String())
	case raft.OutOfLogRange:
		log.Warnw("peer needs compacted entries", "peer", e.PeerID, "leaderStart", e.LeaderStartIndex)
	case raft.SnapshotStart:
		log.Infow("snapshot started", "lastIndex", e.Meta.LastIndex)
	case raft.SnapshotEnd:
		if e.Err != nil {
			log.Errorw("snapshot failed", "lastIndex", e.Meta.LastIndex, "error", e.Err)
			return
		}
		log.Infow("snapshot finished", "lastIndex", e.Meta.LastIndex)
	case raft.RemovedFromCluster:
		log.Warnw("removed from the cluster", "id", e.ID)
	case raft.Rollback:
		log.Infow("uncommitted entries discarded", "indexes", e.Indexes)
	}
}
