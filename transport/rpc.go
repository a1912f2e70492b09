package transport

import (
	"context"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"
	"github.com/keegancsmith/rpc"
	"github.com/pkg/errors"
	"golang.org/x/net/netutil"

	"github.com/oopDaniel/raftcore/raft"
)

var log = logging.Logger("transport")

// ServiceName is the RPC service the raft messages are served under.
const ServiceName = "Raft"

var (
	// ErrClosed is returned once the transport is closed.
	ErrClosed = errors.New("transport: closed")

	// ErrNoHandler is returned by the server side before a handler is set.
	ErrNoHandler = errors.New("transport: no message handler")
)

// Handler consumes inbound raft messages. *raft.Raft satisfies it.
type Handler interface {
	HandleMessage(req *raft.Message) *raft.Message
}

// Options configure an RPCTransport.
type Options struct {
	// Addr is the address to listen on, host:port.
	Addr string
	// CallTimeout bounds one request/reply exchange.
	CallTimeout time.Duration
	// MaxConns bounds concurrent inbound connections. Zero means 64.
	MaxConns int
}

// RPCTransport carries raft messages over TCP with
// github.com/keegancsmith/rpc. Other services, such as the key/value
// front end, can be registered on the same listener.
type RPCTransport struct {
	mu       sync.Mutex
	opts     Options
	server   *rpc.Server
	listener net.Listener
	clients  map[string]*rpc.Client
	handler  Handler
	closed   bool
}

// NewRPCTransport returns a transport that is not listening yet.
func NewRPCTransport(opts Options) *RPCTransport {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = time.Second
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 64
	}
	t := &RPCTransport{
		opts:    opts,
		server:  rpc.NewServer(),
		clients: make(map[string]*rpc.Client),
	}
	if err := t.server.RegisterName(ServiceName, &raftService{t: t}); err != nil {
		panic(errors.Wrap(err, "register raft service"))
	}
	return t
}

// SetHandler routes inbound messages to h. The raft server needs the
// transport before it exists, so the handler is attached afterwards.
func (t *RPCTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Register serves rcvr's exported methods under name.
func (t *RPCTransport) Register(name string, rcvr interface{}) error {
	return errors.Wrapf(t.server.RegisterName(name, rcvr), "register %s", name)
}

// Listen starts accepting connections.
func (t *RPCTransport) Listen() error {
	l, err := net.Listen("tcp", t.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", t.opts.Addr)
	}
	l = netutil.LimitListener(l, t.opts.MaxConns)

	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()

	log.Infow("listening", "addr", l.Addr().String(), "maxConns", t.opts.MaxConns)
	go t.accept(l)
	return nil
}

func (t *RPCTransport) accept(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				log.Errorw("accept failed, no longer serving", "error", err)
			}
			return
		}
		go t.server.ServeConn(conn)
	}
}

// Addr returns the address being listened on.
func (t *RPCTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return t.opts.Addr
	}
	return t.listener.Addr().String()
}

// Send implements raft.Transport. The exchange runs on its own goroutine.
func (t *RPCTransport) Send(to raft.ServerID, endpoint string, msg *raft.Message, done func(*raft.Message, error)) {
	go func() {
		resp, err := t.call(endpoint, msg)
		if err != nil {
			log.Debugw("send failed", "to", to, "endpoint", endpoint, "type", msg.Type, "error", err)
			done(nil, err)
			return
		}
		done(resp, nil)
	}()
}

func (t *RPCTransport) call(endpoint string, msg *raft.Message) (*raft.Message, error) {
	client, err := t.client(endpoint)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.CallTimeout)
	defer cancel()

	var resp raft.Message
	if err := client.Call(ctx, ServiceName+".Step", msg, &resp); err != nil {
		if err != context.DeadlineExceeded && err != context.Canceled {
			// The connection is unusable; dial again next time.
			t.dropClient(endpoint, client)
		}
		return nil, errors.Wrapf(err, "call %s", endpoint)
	}
	return &resp, nil
}

func (t *RPCTransport) client(endpoint string) (*rpc.Client, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := t.clients[endpoint]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	conn, err := net.DialTimeout("tcp", endpoint, t.opts.CallTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}
	c := rpc.NewClient(conn)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		c.Close()
		return nil, ErrClosed
	}
	if existing, ok := t.clients[endpoint]; ok {
		c.Close()
		return existing, nil
	}
	t.clients[endpoint] = c
	return c, nil
}

func (t *RPCTransport) dropClient(endpoint string, c *rpc.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.clients[endpoint] == c {
		delete(t.clients, endpoint)
		c.Close()
	}
}

// Close stops listening and closes all outbound connections.
func (t *RPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for endpoint, c := range t.clients {
		c.Close()
		delete(t.clients, endpoint)
	}
	return err
}

func (t *RPCTransport) currentHandler() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// raftService is the server side of the "Raft" RPC service.
type raftService struct {
	t *RPCTransport
}

// Step delivers one raft request and returns its reply.
func (s *raftService) Step(ctx context.Context, req *raft.Message, resp *raft.Message) error {
	h := s.t.currentHandler()
	if h == nil {
		return ErrNoHandler
	}
	out := h.HandleMessage(req)
	if out == nil {
		return raft.ErrShutdown
	}
	*resp = *out
	return nil
}
