package resolver

import (
	"context"
	"net"
	"testing"
)

func TestResolveLiteralIPShortCircuits(t *testing.T) {
	r, err := NewDNSResolver([]string{"127.0.0.1:1"}, 4)
	if err != nil {
		t.Fatal(err)
	}
	ip, err := r.Resolve(context.Background(), "93.184.216.34")
	if err != nil {
		t.Fatal(err)
	}
	if !ip.Equal(net.ParseIP("93.184.216.34")) {
		t.Fatalf("got %v", ip)
	}
}

func TestResolveLiteralIPv6ShortCircuits(t *testing.T) {
	r, err := NewDNSResolver([]string{"127.0.0.1:1"}, 4)
	if err != nil {
		t.Fatal(err)
	}
	ip, err := r.Resolve(context.Background(), "::1")
	if err != nil {
		t.Fatal(err)
	}
	if !ip.Equal(net.ParseIP("::1")) {
		t.Fatalf("got %v", ip)
	}
}

func TestNewDNSResolverDefaultsServers(t *testing.T) {
	r, err := NewDNSResolver(nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.servers) == 0 {
		t.Fatal("expected at least one default server")
	}
}
