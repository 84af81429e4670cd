// Package resolver looks up target hostnames before the relay dials
// them, grounded on the DNS-forwarding idiom in
// HydraDNS/internal/resolvers/forwarding_resolver.go (TTL cache, bounded
// concurrency) but pared down to the single-host lookups a Shadowsocks
// Connection needs rather than a full recursive/forwarding server.
package resolver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/time/rate"

	"github.com/chengchnegcheng/ssrelay/internal/relayerr"
)

// Resolver looks up the IPv4 (preferred) or IPv6 address for host. A
// literal IP address short-circuits without a network round trip.
type Resolver interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
}

// DefaultTimeout is the deadline applied to a lookup when the caller's
// context carries none, matching the DNS timeout spec.md §3 fixes at 5s.
const DefaultTimeout = 5 * time.Second

type cacheEntry struct {
	ip      net.IP
	err     error
	expires time.Time
}

// DNSResolver queries the system's configured resolvers directly via
// miekg/dns, preferring A records over AAAA, with a small TTL-and
// negative cache and a rate limiter capping how fast upstream queries
// are started.
type DNSResolver struct {
	client  *dns.Client
	servers []string

	limiter *rate.Limiter

	mu         sync.Mutex
	cache      map[string]cacheEntry
	negTTL     time.Duration
	cacheFloor time.Duration
}

// NewDNSResolver builds a resolver from /etc/resolv.conf (or the
// addresses passed in, when non-empty). Upstream queries are rate-limited
// to maxConcurrent per second with a burst of maxConcurrent; the number
// of queries in flight at once is not bounded.
func NewDNSResolver(servers []string, maxConcurrent int) (*DNSResolver, error) {
	if len(servers) == 0 {
		cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || cfg == nil || len(cfg.Servers) == 0 {
			servers = []string{"8.8.8.8:53"}
		} else {
			for _, s := range cfg.Servers {
				servers = append(servers, net.JoinHostPort(s, cfg.Port))
			}
		}
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 32
	}
	return &DNSResolver{
		client:     &dns.Client{Timeout: DefaultTimeout},
		servers:    servers,
		limiter:    rate.NewLimiter(rate.Limit(maxConcurrent), maxConcurrent),
		cache:      make(map[string]cacheEntry),
		negTTL:     5 * time.Second,
		cacheFloor: 5 * time.Second,
	}, nil
}

// Resolve implements Resolver.
func (r *DNSResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	if ip, err, ok := r.lookupCache(host); ok {
		return ip, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, relayerr.New(relayerr.KindNameResolutionFailed, "resolver rate limit wait", err)
	}

	ip, ttl, err := r.query(ctx, host)
	r.storeCache(host, ip, err, ttl)
	if err != nil {
		return nil, relayerr.New(relayerr.KindNameResolutionFailed, "resolve "+host, err)
	}
	return ip, nil
}

func (r *DNSResolver) lookupCache(host string) (net.IP, error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[host]
	if !ok || time.Now().After(e.expires) {
		return nil, nil, false
	}
	return e.ip, e.err, true
}

func (r *DNSResolver) storeCache(host string, ip net.IP, err error, ttl time.Duration) {
	if ttl < r.cacheFloor {
		ttl = r.cacheFloor
	}
	if err != nil {
		ttl = r.negTTL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[host] = cacheEntry{ip: ip, err: err, expires: time.Now().Add(ttl)}
}

// query tries A then AAAA against the first reachable server, returning
// the winning record's IP and TTL.
func (r *DNSResolver) query(ctx context.Context, host string) (net.IP, time.Duration, error) {
	fqdn := dns.Fqdn(host)

	if ip, ttl, err := r.queryType(ctx, fqdn, dns.TypeA); err == nil {
		return ip, ttl, nil
	}
	ip, ttl, err := r.queryType(ctx, fqdn, dns.TypeAAAA)
	if err != nil {
		return nil, 0, err
	}
	return ip, ttl, nil
}

func (r *DNSResolver) queryType(ctx context.Context, fqdn string, qtype uint16) (net.IP, time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			lastErr = &net.DNSError{Err: dns.RcodeToString[in.Rcode], Name: fqdn}
			continue
		}
		for _, rr := range in.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				return rec.A, time.Duration(rec.Hdr.Ttl) * time.Second, nil
			case *dns.AAAA:
				return rec.AAAA, time.Duration(rec.Hdr.Ttl) * time.Second, nil
			}
		}
		lastErr = &net.DNSError{Err: "no matching record", Name: fqdn, IsNotFound: true}
	}
	if lastErr == nil {
		lastErr = &net.DNSError{Err: "no resolvers configured", Name: fqdn}
	}
	return nil, 0, lastErr
}
