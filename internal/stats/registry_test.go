package stats

import (
	"testing"
	"time"
)

func TestAcceptAndCloseLifecycle(t *testing.T) {
	r := NewRegistry(time.Now())
	r.OnAccept("conn1", "1.2.3.4")
	r.OnTargetKnown("conn1", "1.2.3.4", "example.com:443")
	r.OnBytesSent("1.2.3.4", "example.com:443", 100)
	r.OnBytesReceived("1.2.3.4", "example.com:443", 200)

	snap := r.Snapshot()
	if snap.ActiveConnections != 1 || snap.TotalConnections != 1 {
		t.Fatalf("got %+v", snap)
	}
	if len(snap.Clients) != 1 || snap.Clients[0].ClientIP != "1.2.3.4" {
		t.Fatalf("got %+v", snap.Clients)
	}
	if len(snap.Clients[0].Targets) != 1 || snap.Clients[0].Targets[0].BytesSent != 100 {
		t.Fatalf("got %+v", snap.Clients[0].Targets)
	}

	r.OnClose("conn1", "1.2.3.4", "example.com:443")
	snap = r.Snapshot()
	if snap.ActiveConnections != 0 {
		t.Fatalf("active connections = %d, want 0", snap.ActiveConnections)
	}
	if len(snap.Clients) != 0 {
		t.Fatalf("expected zero-active client pruned from snapshot, got %+v", snap.Clients)
	}
	// Cumulative totals never shrink.
	if snap.BytesSent != 100 || snap.BytesReceived != 200 {
		t.Fatalf("cumulative totals shrank: %+v", snap)
	}
}

func TestRejectDoesNotCreateConnection(t *testing.T) {
	r := NewRegistry(time.Now())
	r.OnReject()
	r.OnReject()
	snap := r.Snapshot()
	if snap.RejectedConnections != 2 {
		t.Fatalf("got %d", snap.RejectedConnections)
	}
	if snap.TotalConnections != 0 || len(snap.Clients) != 0 {
		t.Fatalf("reject must not create a connection: %+v", snap)
	}
}

func TestDoubleCloseClampsAtZero(t *testing.T) {
	r := NewRegistry(time.Now())
	r.OnAccept("conn1", "1.2.3.4")
	r.OnClose("conn1", "1.2.3.4", "")
	r.OnClose("conn1", "1.2.3.4", "")
	snap := r.Snapshot()
	if snap.ActiveConnections != 0 {
		t.Fatalf("active connections went negative or reused: %+v", snap)
	}
}

func TestSnapshotSortOrder(t *testing.T) {
	r := NewRegistry(time.Now())
	r.OnAccept("c1", "10.0.0.1")
	r.OnAccept("c2", "10.0.0.2")
	r.OnTargetKnown("c1", "10.0.0.1", "a.example:80")
	r.OnTargetKnown("c2", "10.0.0.2", "b.example:80")
	r.OnBytesSent("10.0.0.1", "a.example:80", 10)
	r.OnBytesSent("10.0.0.2", "b.example:80", 1000)

	snap := r.Snapshot()
	if len(snap.Clients) != 2 {
		t.Fatalf("got %d clients", len(snap.Clients))
	}
	if snap.Clients[0].ClientIP != "10.0.0.2" {
		t.Fatalf("expected heavier client first, got %+v", snap.Clients)
	}
}

func TestMultipleTargetsPerClientSortedByActiveThenBytes(t *testing.T) {
	r := NewRegistry(time.Now())
	r.OnAccept("c1", "10.0.0.1")
	r.OnAccept("c2", "10.0.0.1")
	r.OnTargetKnown("c1", "10.0.0.1", "light.example:80")
	r.OnTargetKnown("c2", "10.0.0.1", "heavy.example:80")
	r.OnBytesSent("10.0.0.1", "heavy.example:80", 5000)
	r.OnBytesSent("10.0.0.1", "light.example:80", 5)

	snap := r.Snapshot()
	if len(snap.Clients) != 1 {
		t.Fatalf("got %d", len(snap.Clients))
	}
	targets := snap.Clients[0].Targets
	if len(targets) != 2 {
		t.Fatalf("got %d targets", len(targets))
	}
	// Both have 1 active connection each; tiebreak on bytes descending.
	if targets[0].Target != "heavy.example:80" {
		t.Fatalf("got %+v", targets)
	}
}

func TestPruneEmptyClients(t *testing.T) {
	r := NewRegistry(time.Now())
	r.OnAccept("c1", "10.0.0.1")
	r.OnClose("c1", "10.0.0.1", "")
	r.PruneEmptyClients()
	r.mu.Lock()
	_, exists := r.clients["10.0.0.1"]
	r.mu.Unlock()
	if exists {
		t.Fatal("expected client with no traffic and no connections to be pruned")
	}
}
