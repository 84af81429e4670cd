// Package stats implements the Statistics Registry, grounded directly
// on the reference implementation's stats/collector.py: a global
// cumulative counter set plus a per-client-IP, per-target breakdown
// that prunes itself to active traffic while the cumulative totals
// never shrink.
package stats

import (
	"sort"
	"sync"
	"time"
)

// targetStats tracks one client's traffic toward one target "host:port".
type targetStats struct {
	activeConnections int
	bytesSent         int64
	bytesReceived     int64
}

// clientStats tracks one client IP's aggregate traffic and its active
// connection IDs, mirroring collector.py's client_stats entries.
type clientStats struct {
	connections   map[string]struct{} // active connection IDs
	totalSent     int64
	totalReceived int64
	targets       map[string]*targetStats
}

// Registry is the relay's single statistics collector. All methods are
// safe for concurrent use.
type Registry struct {
	mu sync.Mutex

	totalConnections    int64
	activeConnections   int64
	rejectedConnections int64
	closedConnections   int64
	bytesSent           int64
	bytesReceived       int64
	startTime           time.Time

	clients map[string]*clientStats
}

// NewRegistry constructs an empty Registry with startTime fixed at
// construction, matching collector.py's self.stats['start_time'].
func NewRegistry(now time.Time) *Registry {
	return &Registry{
		startTime: now,
		clients:   make(map[string]*clientStats),
	}
}

// OnAccept records a newly admitted connection from clientIP, keyed by
// connID for later removal. Target is not yet known at accept time.
func (r *Registry) OnAccept(connID, clientIP string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totalConnections++
	r.activeConnections++

	c := r.clients[clientIP]
	if c == nil {
		c = &clientStats{
			connections: make(map[string]struct{}),
			targets:     make(map[string]*targetStats),
		}
		r.clients[clientIP] = c
	}
	c.connections[connID] = struct{}{}
}

// OnReject records an admission-control rejection; no Connection is ever
// created for it, so there is nothing to remove later.
func (r *Registry) OnReject() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectedConnections++
}

// OnTargetKnown counts connID as an active connection toward target once
// the header is parsed. Called at most once per connection: a repeated
// call counts the connection toward target again and does not move it
// out of a previously recorded target.
func (r *Registry) OnTargetKnown(connID, clientIP, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.clients[clientIP]
	if c == nil {
		return
	}
	if _, ok := c.connections[connID]; !ok {
		return
	}
	t := c.targets[target]
	if t == nil {
		t = &targetStats{}
		c.targets[target] = t
	}
	t.activeConnections++
}

// OnBytesSent adds n bytes forwarded from clientIP toward target (the
// client -> target direction is "sent" and target -> client is
// "received", matching the collector's naming from the proxy's point of
// view).
func (r *Registry) OnBytesSent(clientIP, target string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytesSent += n
	c := r.clients[clientIP]
	if c == nil {
		return
	}
	c.totalSent += n
	if t := c.targets[target]; t != nil {
		t.bytesSent += n
	}
}

// OnBytesReceived adds n bytes received from the target toward clientIP.
func (r *Registry) OnBytesReceived(clientIP, target string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytesReceived += n
	c := r.clients[clientIP]
	if c == nil {
		return
	}
	c.totalReceived += n
	if t := c.targets[target]; t != nil {
		t.bytesReceived += n
	}
}

// OnClose removes connID from clientIP's active set and target, clamping
// at zero the way collector.py's remove_connection uses max(0, ...) to
// guard against double-close races.
func (r *Registry) OnClose(connID, clientIP, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.activeConnections--
	if r.activeConnections < 0 {
		r.activeConnections = 0
	}
	r.closedConnections++

	c := r.clients[clientIP]
	if c == nil {
		return
	}
	delete(c.connections, connID)
	if t := c.targets[target]; t != nil {
		t.activeConnections--
		if t.activeConnections < 0 {
			t.activeConnections = 0
		}
	}
}

// TargetSnapshot is one target bucket within a ClientSnapshot.
type TargetSnapshot struct {
	Target            string
	ActiveConnections int
	BytesSent         int64
	BytesReceived     int64
}

// ClientSnapshot is one client IP's aggregate view, with zero-active
// targets pruned and the remainder sorted the way collector.py's
// get_stats sorts targets_list: by (active connections, total bytes)
// descending.
type ClientSnapshot struct {
	ClientIP      string
	Connections   int
	TotalSent     int64
	TotalReceived int64
	Targets       []TargetSnapshot
}

// Snapshot is the full point-in-time view returned by Snapshot().
type Snapshot struct {
	TotalConnections    int64
	ActiveConnections   int64
	RejectedConnections int64
	ClosedConnections   int64
	BytesSent           int64
	BytesReceived       int64
	UptimeSeconds       float64
	Clients             []ClientSnapshot
}

// Snapshot returns the current state: clients with zero active
// connections are pruned from the list (their bytes already folded into
// the global cumulative counters above, which never shrink); the client
// list is sorted descending by traffic and each client's target list by
// active connections then traffic, matching collector.py's get_stats().
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		TotalConnections:    r.totalConnections,
		ActiveConnections:   r.activeConnections,
		RejectedConnections: r.rejectedConnections,
		ClosedConnections:   r.closedConnections,
		BytesSent:           r.bytesSent,
		BytesReceived:       r.bytesReceived,
		UptimeSeconds:       time.Since(r.startTime).Seconds(),
	}

	for ip, c := range r.clients {
		if len(c.connections) == 0 {
			continue
		}
		cs := ClientSnapshot{
			ClientIP:      ip,
			Connections:   len(c.connections),
			TotalSent:     c.totalSent,
			TotalReceived: c.totalReceived,
		}
		for target, t := range c.targets {
			if t.activeConnections == 0 {
				continue
			}
			cs.Targets = append(cs.Targets, TargetSnapshot{
				Target:            target,
				ActiveConnections: t.activeConnections,
				BytesSent:         t.bytesSent,
				BytesReceived:     t.bytesReceived,
			})
		}
		sort.Slice(cs.Targets, func(i, j int) bool {
			a, b := cs.Targets[i], cs.Targets[j]
			if a.ActiveConnections != b.ActiveConnections {
				return a.ActiveConnections > b.ActiveConnections
			}
			return (a.BytesSent + a.BytesReceived) > (b.BytesSent + b.BytesReceived)
		})
		s.Clients = append(s.Clients, cs)
	}

	sort.Slice(s.Clients, func(i, j int) bool {
		a, b := s.Clients[i], s.Clients[j]
		return (a.TotalSent + a.TotalReceived) > (b.TotalSent + b.TotalReceived)
	})

	return s
}

// PruneEmptyClients removes clients with no active connections and no
// accumulated traffic from the backing map; clients that have carried any
// traffic are kept. It is safe to call from the Sweeper's periodic pass;
// it never touches the global cumulative counters.
func (r *Registry) PruneEmptyClients() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ip, c := range r.clients {
		if len(c.connections) == 0 && c.totalSent == 0 && c.totalReceived == 0 {
			delete(r.clients, ip)
		}
	}
}
