package main

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/oopDaniel/raftcore/kv/kvraft"
	"github.com/oopDaniel/raftcore/raft"
)

type Message struct {
	Msg string
}

type ReplyValue struct {
	Value string
}

type KeyValue struct {
	Key   string
	Value string
}

// LeaderRedirect is returned with 421 when the request reached a non-leader.
type LeaderRedirect struct {
	Msg            string
	LeaderID       raft.ServerID
	LeaderEndpoint string
}

// API is the HTTP admin and key/value facade of one node.
type API struct {
	rf *raft.Raft
	kv *kvraft.KVServer
}

func newAPI(rf *raft.Raft, kv *kvraft.KVServer) *API {
	return &API{rf: rf, kv: kv}
}

func (a *API) handler() http.Handler {
	router := mux.NewRouter().StrictSlash(true)

	router.HandleFunc("/status", a.getStatus).Methods("GET")
	router.HandleFunc("/cluster", a.getCluster).Methods("GET")
	router.HandleFunc("/cluster/servers", a.addServer).Methods("POST")
	router.HandleFunc("/cluster/servers/{id}", a.removeServer).Methods("DELETE")
	router.HandleFunc("/params", a.getParams).Methods("GET")
	router.HandleFunc("/params", a.setParams).Methods("PUT")
	router.HandleFunc("/state", a.getState).Methods("GET").Queries("key", "{key}")
	router.HandleFunc("/state", a.setState).Methods("POST")

	// Enable CORS
	originsOk := handlers.AllowedOrigins([]string{"*"})
	headersOk := handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type"})
	methodsOk := handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})

	return handlers.CORS(originsOk, headersOk, methodsOk)(router)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugw("writing response", "error", err)
	}
}

// writeError maps core errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	var nle *raft.NotLeaderError
	switch {
	case errors.As(err, &nle):
		writeJSON(w, http.StatusMisdirectedRequest, LeaderRedirect{Msg: err.Error(), LeaderID: nle.LeaderID, LeaderEndpoint: nle.LeaderEndpoint})
	case errors.Is(err, raft.ErrInvalidMembershipChange), errors.Is(err, raft.ErrInvalidParams):
		writeJSON(w, http.StatusBadRequest, Message{err.Error()})
	case errors.Is(err, raft.ErrConfigChangeInProgress):
		writeJSON(w, http.StatusConflict, Message{err.Error()})
	case errors.Is(err, raft.ErrTimeout), errors.Is(err, raft.ErrQuorumUnavailable), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, Message{err.Error()})
	case errors.Is(err, raft.ErrShutdown):
		writeJSON(w, http.StatusServiceUnavailable, Message{err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, Message{err.Error()})
	}
}

func (a *API) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.rf.Status())
}

func (a *API) getCluster(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.rf.Config())
}

// waitChange waits for a membership change to be applied.
func (a *API) waitChange(w http.ResponseWriter, r *http.Request, f *raft.Future, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.rf.Params().ClientTimeout)
	defer cancel()
	if err := f.Wait(ctx); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.rf.Config())
}

func (a *API) addServer(w http.ResponseWriter, r *http.Request) {
	var entry ServerEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeJSON(w, http.StatusBadRequest, Message{"Error decoding"})
		return
	}
	f, err := a.rf.AddServer(raft.ServerConfig{ID: entry.ID, Endpoint: entry.Endpoint, Voting: entry.voting()})
	a.waitChange(w, r, f, err)
}

func (a *API) removeServer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Message{"Invalid server id"})
		return
	}
	f, err := a.rf.RemoveServer(raft.ServerID(id))
	a.waitChange(w, r, f, err)
}

// ParamsView is the JSON form of the current parameters.
type ParamsView struct {
	ElectionTimeoutLower string `json:"electionTimeoutLower"`
	ElectionTimeoutUpper string `json:"electionTimeoutUpper"`
	HeartbeatInterval    string `json:"heartbeatInterval"`
	MaxAppendEntries     int    `json:"maxAppendEntries"`
	SnapshotDistance     uint64 `json:"snapshotDistance"`
	SnapshotChunkSize    int    `json:"snapshotChunkSize"`
	ReservedLogItems     uint64 `json:"reservedLogItems"`
	ClientTimeout        string `json:"clientTimeout"`
	ReturnMethod         string `json:"returnMethod"`
}

func viewParams(p raft.Params) ParamsView {
	method := "blocking"
	if p.ReturnMethod == raft.ReturnAsync {
		method = "async"
	}
	return ParamsView{
		ElectionTimeoutLower: p.ElectionTimeoutLower.String(),
		ElectionTimeoutUpper: p.ElectionTimeoutUpper.String(),
		HeartbeatInterval:    p.HeartbeatInterval.String(),
		MaxAppendEntries:     p.MaxAppendEntries,
		SnapshotDistance:     p.SnapshotDistance,
		SnapshotChunkSize:    p.SnapshotChunkSize,
		ReservedLogItems:     p.ReservedLogItems,
		ClientTimeout:        p.ClientTimeout.String(),
		ReturnMethod:         method,
	}
}

func (a *API) getParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, viewParams(a.rf.Params()))
}

// setParams takes the same keys as the params section of the cluster file,
// in YAML or JSON.
func (a *API) setParams(w http.ResponseWriter, r *http.Request) {
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Message{"Error reading body"})
		return
	}
	var pc ParamsConfig
	if err := yaml.UnmarshalStrict(body, &pc); err != nil {
		writeJSON(w, http.StatusBadRequest, Message{"Error decoding"})
		return
	}
	p, err := pc.Apply(a.rf.Params())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Message{err.Error()})
		return
	}
	if err := a.rf.UpdateParams(p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewParams(p))
}

func (a *API) getState(w http.ResponseWriter, r *http.Request) {
	// Requests from the API are not retried, so they carry no client id.
	args := kvraft.GetArgs{Key: mux.Vars(r)["key"]}
	var reply kvraft.GetReply
	if err := a.kv.Get(r.Context(), &args, &reply); err != nil {
		writeError(w, err)
		return
	}
	switch reply.Err {
	case kvraft.OK, kvraft.ErrNoKey:
		writeJSON(w, http.StatusOK, ReplyValue{reply.Value})
	default:
		writeKVError(w, reply.Err, reply.Leader)
	}
}

func (a *API) setState(w http.ResponseWriter, r *http.Request) {
	var data KeyValue
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeJSON(w, http.StatusBadRequest, Message{"Error decoding"})
		return
	}
	args := kvraft.PutAppendArgs{
		Key:   data.Key,
		Value: data.Value,
		Op:    "Put",
	}
	var reply kvraft.PutAppendReply
	if err := a.kv.PutAppend(r.Context(), &args, &reply); err != nil {
		writeError(w, err)
		return
	}
	if reply.Err != kvraft.OK {
		writeKVError(w, reply.Err, reply.Leader)
		return
	}
	writeJSON(w, http.StatusOK, Message{"Done"})
}

func writeKVError(w http.ResponseWriter, e kvraft.Err, hint kvraft.LeaderHint) {
	if e == kvraft.ErrWrongLeader {
		writeJSON(w, http.StatusMisdirectedRequest, LeaderRedirect{Msg: string(e), LeaderID: hint.ID, LeaderEndpoint: hint.Endpoint})
		return
	}
	writeJSON(w, http.StatusGatewayTimeout, Message{string(e)})
}
