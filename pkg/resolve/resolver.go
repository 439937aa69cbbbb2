// Package resolve turns the base's host:port into a dialable ip:port,
// querying configured DNS servers directly when the host is a name.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	mdns "github.com/miekg/dns"

	"hexbase/control/pkg/logging"
)

var ErrNoAddress = errors.New("resolve: no address")

const maxCNAMEHops = 5

// Resolver queries a list of upstream servers in order with a per-server
// timeout, follows CNAMEs, and caches answers for cacheTTL. With no servers
// it defers to the system resolver.
type Resolver struct {
	servers  []string      // host:port
	timeout  time.Duration // per-server query timeout
	cacheTTL time.Duration
	mu       sync.RWMutex
	cache    map[string]cacheEntry
	client   *mdns.Client
}

type cacheEntry struct {
	ips     []net.IP
	expires time.Time
}

func NewResolver(servers []string, perTimeout, cacheTTL time.Duration) *Resolver {
	var norm []string
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		norm = append(norm, s)
	}
	if perTimeout <= 0 {
		perTimeout = 2 * time.Second
	}
	return &Resolver{
		servers:  norm,
		timeout:  perTimeout,
		cacheTTL: cacheTTL,
		cache:    map[string]cacheEntry{},
		client:   &mdns.Client{Timeout: perTimeout},
	}
}

// ResolveAddr resolves the host part of hostport. IP literals pass through.
func (r *Resolver) ResolveAddr(ctx context.Context, hostport string) (string, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", err
	}
	if net.ParseIP(host) != nil {
		return hostport, nil
	}
	ips, err := r.Resolve(ctx, host)
	if err != nil {
		return "", err
	}
	// prefer IPv4, the base's control service listens there by default
	pick := ips[0]
	for _, ip := range ips {
		if ip.To4() != nil {
			pick = ip
			break
		}
	}
	return net.JoinHostPort(pick.String(), port), nil
}

// Resolve returns the de-duplicated, sorted addresses of name.
func (r *Resolver) Resolve(ctx context.Context, name string) ([]net.IP, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrNoAddress)
	}
	// cache
	r.mu.RLock()
	if ce, ok := r.cache[name]; ok && time.Now().Before(ce.expires) {
		ipsCopy := append([]net.IP{}, ce.ips...)
		r.mu.RUnlock()
		return ipsCopy, nil
	}
	r.mu.RUnlock()

	var collected []net.IP
	if len(r.servers) > 0 {
		collected = r.resolveOneName(ctx, name)
	}
	if len(collected) == 0 {
		// fallback to Go resolver
		sys, err := net.DefaultResolver.LookupIP(ctx, "ip", name)
		if err == nil {
			collected = sys
		}
	}
	if len(collected) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, name)
	}
	// stable order
	sort.Slice(collected, func(i, j int) bool { return collected[i].String() < collected[j].String() })
	if r.cacheTTL > 0 {
		r.mu.Lock()
		r.cache[name] = cacheEntry{ips: collected, expires: time.Now().Add(r.cacheTTL)}
		r.mu.Unlock()
	}
	return append([]net.IP{}, collected...), nil
}

// resolveOneName resolves A+AAAA, following up to maxCNAMEHops CNAMEs.
func (r *Resolver) resolveOneName(ctx context.Context, name string) []net.IP {
	seen := map[string]struct{}{}
	var acc []net.IP
	target := name
	for hop := 0; hop < maxCNAMEHops; hop++ {
		next := target
		for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
			for _, rr := range r.query(ctx, target, qtype) {
				var ip net.IP
				switch v := rr.(type) {
				case *mdns.A:
					ip = v.A
				case *mdns.AAAA:
					ip = v.AAAA
				case *mdns.CNAME:
					next = strings.TrimSuffix(v.Target, ".")
				}
				if ip == nil {
					continue
				}
				if _, ok := seen[ip.String()]; !ok {
					seen[ip.String()] = struct{}{}
					acc = append(acc, ip)
				}
			}
		}
		// if we got any IPs, stop; else continue to follow CNAME
		if len(acc) > 0 || next == target {
			break
		}
		target = next
	}
	return acc
}

func (r *Resolver) query(ctx context.Context, fqdn string, qtype uint16) []mdns.RR {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(fqdn), qtype)
	for _, srv := range r.servers {
		if ctx.Err() != nil {
			return nil
		}
		in, _, err := r.client.ExchangeContext(ctx, m, srv)
		if err == nil && in != nil && in.Rcode == mdns.RcodeSuccess {
			return append(in.Answer, in.Extra...)
		}
		if logging.IsDebug() {
			rc := -1
			if in != nil {
				rc = in.Rcode
			}
			log.Printf("[DNS] query %s type %d via %s err=%v rcode=%d", fqdn, qtype, srv, err, rc)
		}
	}
	return nil
}
