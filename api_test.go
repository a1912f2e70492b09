package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oopDaniel/raftcore/kv/kvraft"
	"github.com/oopDaniel/raftcore/raft"
	"github.com/oopDaniel/raftcore/transport"
)

func startSingleNode(t *testing.T) (*raft.Raft, http.Handler) {
	t.Helper()
	params := raft.DefaultParams()
	params.ElectionTimeoutLower = 50 * time.Millisecond
	params.ElectionTimeoutUpper = 100 * time.Millisecond
	params.HeartbeatInterval = 20 * time.Millisecond

	store := kvraft.NewStore()
	tr := transport.NewRPCTransport(transport.Options{})
	rf, err := raft.New(raft.Options{
		ID:           1,
		LogStore:     raft.NewMemoryLogStore(),
		StateStore:   raft.NewMemoryStateStore(),
		StateMachine: store,
		Transport:    tr,
		Params:       params,
		Bootstrap:    &raft.ClusterConfig{Servers: []raft.ServerConfig{{ID: 1, Endpoint: "127.0.0.1:7001", Voting: true}}},
	})
	if err != nil {
		t.Fatalf("raft.New: %v", err)
	}
	if err := rf.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		rf.Shutdown()
		tr.Close()
	})

	deadline := time.Now().Add(5 * time.Second)
	for rf.Role() != raft.Leader {
		if time.Now().After(deadline) {
			t.Fatalf("single node did not elect itself")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return rf, newAPI(rf, kvraft.NewKVServer(rf, store)).handler()
}

func do(t *testing.T, h http.Handler, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStateRoutes(t *testing.T) {
	_, h := startSingleNode(t)

	rec := do(t, h, "GET", "/state?key=a", "")
	var value ReplyValue
	if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &value) != nil || value.Value != "" {
		t.Fatalf("GET missing key: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, "POST", "/state", `{"Key":"a","Value":"1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /state: %d %s", rec.Code, rec.Body)
	}
	// Anonymous writes are not deduplicated against each other.
	rec = do(t, h, "POST", "/state", `{"Key":"a","Value":"2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /state: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, "GET", "/state?key=a", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &value); err != nil || value.Value != "2" {
		t.Fatalf("GET /state = %s, want 2", rec.Body)
	}

	rec = do(t, h, "POST", "/state", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body: %d", rec.Code)
	}
}

func TestStatusAndCluster(t *testing.T) {
	rf, h := startSingleNode(t)

	rec := do(t, h, "GET", "/status", "")
	var st raft.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.ID != 1 || st.Role != raft.Leader.String() || st.Term != rf.Term() {
		t.Fatalf("status = %+v", st)
	}

	rec = do(t, h, "GET", "/cluster", "")
	var cfg raft.ClusterConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode cluster: %v", err)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].ID != 1 {
		t.Fatalf("cluster = %+v", cfg)
	}
}

func TestMembershipRoutes(t *testing.T) {
	_, h := startSingleNode(t)

	tests := []struct {
		name   string
		method string
		url    string
		body   string
		want   int
	}{
		{"remove bad id", "DELETE", "/cluster/servers/x", "", http.StatusBadRequest},
		{"remove self", "DELETE", "/cluster/servers/1", "", http.StatusBadRequest},
		{"remove unknown", "DELETE", "/cluster/servers/7", "", http.StatusBadRequest},
		{"add duplicate", "POST", "/cluster/servers", `{"id":1,"endpoint":"127.0.0.1:7001"}`, http.StatusBadRequest},
		{"add bad body", "POST", "/cluster/servers", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.url, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("%s %s = %d %s, want %d", tt.method, tt.url, rec.Code, rec.Body, tt.want)
			}
		})
	}
}

func TestParamsRoutes(t *testing.T) {
	rf, h := startSingleNode(t)

	rec := do(t, h, "PUT", "/params", `{"max_append_entries": 7, "client_timeout": "2s", "return_method": "async"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT /params: %d %s", rec.Code, rec.Body)
	}
	p := rf.Params()
	if p.MaxAppendEntries != 7 || p.ClientTimeout != 2*time.Second || p.ReturnMethod != raft.ReturnAsync {
		t.Fatalf("params = %+v", p)
	}

	rec = do(t, h, "GET", "/params", "")
	var view ParamsView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if view.MaxAppendEntries != 7 || view.ClientTimeout != "2s" || view.ReturnMethod != "async" {
		t.Fatalf("view = %+v", view)
	}

	rec = do(t, h, "PUT", "/params", `{"election_timeout_lower": "10s"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid params accepted: %d %s", rec.Code, rec.Body)
	}
	if rf.Params().ElectionTimeoutLower != 50*time.Millisecond {
		t.Fatalf("invalid params were applied")
	}
}
