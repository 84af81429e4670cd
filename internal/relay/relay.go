package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/chengchnegcheng/ssrelay/internal/events"
	"github.com/chengchnegcheng/ssrelay/internal/relayerr"
	"github.com/chengchnegcheng/ssrelay/internal/resolver"
	"github.com/chengchnegcheng/ssrelay/internal/stats"
)

// sweepInterval is the Sweeper's fixed period (spec §4.E: "runs once
// every 60 s").
const sweepInterval = 60 * time.Second

// shutdownGrace bounds how long Shutdown waits for in-flight
// Connections to drain before forcibly closing their sockets.
const shutdownGrace = 2 * time.Second

// Relay is the Acceptor + Reactor + Sweeper: it owns the listen socket,
// the active Connection set, and drives admission control and idle
// reaping. The Statistics Registry and Event Bus are the only state
// shared with Connections; everything else is exclusively owned here.
type Relay struct {
	listener net.Listener

	method      string
	password    []byte
	maxConns    int
	idleTimeout time.Duration
	dialTimeout time.Duration

	resolver resolver.Resolver
	registry *stats.Registry
	bus      *events.Bus

	mu     sync.Mutex
	active map[string]*Connection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Params bundles the construction-time configuration a Relay needs.
type Params struct {
	ListenAddr  string
	Method      string
	Password    []byte
	MaxConns    int
	IdleTimeout time.Duration
	DialTimeout time.Duration
	Resolver    resolver.Resolver
	Registry    *stats.Registry
	Bus         *events.Bus
}

// New binds the listen socket with SO_REUSEADDR semantics (Go's default
// for TCP listeners) and returns an unstarted Relay.
func New(p Params) (*Relay, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", p.ListenAddr)
	if err != nil {
		return nil, relayerr.New(relayerr.KindFatal, "listen on "+p.ListenAddr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		listener:    ln,
		method:      p.Method,
		password:    p.Password,
		maxConns:    p.MaxConns,
		idleTimeout: p.IdleTimeout,
		dialTimeout: p.DialTimeout,
		resolver:    p.Resolver,
		registry:    p.Registry,
		bus:         p.Bus,
		active:      make(map[string]*Connection),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Addr returns the bound listen address, useful when ListenAddr used
// port 0 in tests.
func (r *Relay) Addr() net.Addr { return r.listener.Addr() }

// Serve runs the Acceptor loop until Shutdown is called or the listener
// fails fatally. It blocks; run it in its own goroutine.
func (r *Relay) Serve() error {
	r.wg.Add(1)
	go r.sweepLoop()

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.ctx.Done():
				return nil
			default:
			}
			return relayerr.New(relayerr.KindFatal, "accept failed", err)
		}
		r.dispatch(conn)
	}
}

// dispatch applies admission control and, if admitted, starts the
// Connection's goroutine. It never blocks or queues (spec §4.E).
func (r *Relay) dispatch(conn net.Conn) {
	r.mu.Lock()
	if len(r.active) >= r.maxConns {
		r.mu.Unlock()
		_ = conn.Close()
		r.registry.OnReject()
		r.bus.Publish(events.Event{
			Kind:     events.KindRejected,
			ClientIP: hostOf(conn.RemoteAddr()),
			Reason:   fmt.Sprintf("connection limit exceeded (%d/%d)", len(r.active), r.maxConns),
		})
		return
	}
	r.mu.Unlock()

	c, err := NewConnection(conn, r.method, r.password, r.resolver, r.dialTimeout, r.registry, r.bus)
	if err != nil {
		_ = conn.Close()
		r.registry.OnReject()
		return
	}

	r.mu.Lock()
	r.active[c.ID()] = c
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		c.Run(r.ctx)
		r.mu.Lock()
		delete(r.active, c.ID())
		r.mu.Unlock()
	}()
}

// sweepLoop ticks every sweepInterval, snapshotting idle candidates
// under the lock and closing them outside it, per spec §4.E.
func (r *Relay) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Relay) sweepOnce() {
	now := time.Now()
	var idle []*Connection

	r.mu.Lock()
	for _, c := range r.active {
		if now.Sub(c.LastActivity()) > r.idleTimeout {
			idle = append(idle, c)
		}
	}
	r.mu.Unlock()

	for _, c := range idle {
		c.Close(relayerr.KindIdleTimeout)
		r.bus.Publish(events.Event{Kind: events.KindSwept, ConnID: c.ID(), Reason: "idle timeout"})
	}
	r.registry.PruneEmptyClients()
}

// ActiveCount returns the current admitted-Connection count.
func (r *Relay) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Shutdown stops the Acceptor, signals every Connection to close, and
// waits up to shutdownGrace for them to finish; any stragglers are
// abandoned with their sockets forced closed.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.cancel()
	_ = r.listener.Close()
	r.bus.Publish(events.Event{Kind: events.KindShutdown})

	r.mu.Lock()
	stragglers := make([]*Connection, 0, len(r.active))
	for _, c := range r.active {
		stragglers = append(stragglers, c)
	}
	r.mu.Unlock()

	for _, c := range stragglers {
		c.Close(relayerr.KindShutdown)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	grace, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	select {
	case <-done:
		return nil
	case <-grace.Done():
		r.mu.Lock()
		for _, c := range r.active {
			_ = c.client.Close()
			if c.target != nil {
				_ = c.target.Close()
			}
		}
		r.mu.Unlock()
		return nil
	}
}
