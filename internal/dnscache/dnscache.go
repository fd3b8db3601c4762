// Package dnscache implements a small LRU cache over the DNS lookups the
// delivery worker and mail authentication paths need: A/AAAA, MX, TXT and
// TLSA, each with its own positive/negative TTL, backed by
// github.com/miekg/dns so we have access to the authenticated-data (AD) bit
// that DANE requires.
package dnscache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"

	"blitiri.com.ar/go/chasquid/internal/expvarom"
)

var (
	cacheHits = expvarom.NewMap("chasquid/dnscache/hits",
		"rtype", "dns cache hits, by record type")
	cacheMisses = expvarom.NewMap("chasquid/dnscache/misses",
		"rtype", "dns cache misses, by record type")
)

// negativeTTL bounds how long NXDOMAIN/no-data results are cached for, to
// avoid hammering a broken nameserver but also avoid caching outages for
// too long.
const negativeTTL = 5 * time.Minute

// Resolver performs the actual wire lookups. The default implementation
// (NetResolver) queries a single server, 127.0.0.1:53 unless one is given,
// via miekg/dns; tests inject a fake one.
type Resolver interface {
	// Lookup issues a single query of the given type for name, and returns
	// the answer section plus whether the response carried the DNSSEC
	// Authenticated Data bit.
	Lookup(ctx context.Context, name string, qtype uint16) (answers []dns.RR, authenticated bool, err error)
}

type entry struct {
	rrs           []dns.RR
	authenticated bool
	err           error
	expires       time.Time
	key           string
	elem          *list.Element
}

// Cache is a synchronized LRU cache of DNS lookups, keyed by (qtype, name).
type Cache struct {
	r Resolver

	maxEntries int

	mu    sync.Mutex
	items map[string]*entry
	lru   *list.List
}

// New returns a cache of at most maxEntries records, using r to perform
// lookups on miss.
func New(r Resolver, maxEntries int) *Cache {
	return &Cache{
		r:          r,
		maxEntries: maxEntries,
		items:      map[string]*entry{},
		lru:        list.New(),
	}
}

func cacheKey(qtype uint16, name string) string {
	return fmt.Sprintf("%d:%s", qtype, name)
}

// lookup returns the cached (or freshly resolved) answer for (qtype, name).
func (c *Cache) lookup(ctx context.Context, qtype uint16, name string) ([]dns.RR, bool, error) {
	key := cacheKey(qtype, name)

	c.mu.Lock()
	if e, ok := c.items[key]; ok && time.Now().Before(e.expires) {
		c.lru.MoveToFront(e.elem)
		c.mu.Unlock()
		cacheHits.Add(dns.TypeToString[qtype], 1)
		return e.rrs, e.authenticated, e.err
	}
	c.mu.Unlock()

	cacheMisses.Add(dns.TypeToString[qtype], 1)
	rrs, authed, err := c.r.Lookup(ctx, name, qtype)

	ttl := negativeTTL
	if err == nil && len(rrs) > 0 {
		ttl = minTTL(rrs)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry{rrs: rrs, authenticated: authed, err: err, expires: time.Now().Add(ttl), key: key}
	if old, ok := c.items[key]; ok {
		c.lru.Remove(old.elem)
	}
	e.elem = c.lru.PushFront(e)
	c.items[key] = e

	for c.lru.Len() > c.maxEntries {
		back := c.lru.Back()
		if back == nil {
			break
		}
		old := back.Value.(*entry)
		c.lru.Remove(back)
		delete(c.items, old.key)
	}

	return rrs, authed, err
}

func minTTL(rrs []dns.RR) time.Duration {
	min := uint32(0)
	for i, r := range rrs {
		ttl := r.Header().Ttl
		if i == 0 || ttl < min {
			min = ttl
		}
	}
	if min == 0 {
		min = 30
	}
	return time.Duration(min) * time.Second
}

// LookupA returns the IPv4 addresses for name.
func (c *Cache) LookupA(ctx context.Context, name string) ([]string, error) {
	rrs, _, err := c.lookup(ctx, dns.TypeA, dns.Fqdn(name))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range rrs {
		if a, ok := rr.(*dns.A); ok {
			out = append(out, a.A.String())
		}
	}
	return out, nil
}

// LookupAAAA returns the IPv6 addresses for name.
func (c *Cache) LookupAAAA(ctx context.Context, name string) ([]string, error) {
	rrs, _, err := c.lookup(ctx, dns.TypeAAAA, dns.Fqdn(name))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range rrs {
		if a, ok := rr.(*dns.AAAA); ok {
			out = append(out, a.AAAA.String())
		}
	}
	return out, nil
}

// MX represents one resolved mail exchanger.
type MX struct {
	Host string
	Pref uint16
}

// LookupMX returns the MX records for domain, in the order returned by the
// resolver (callers are responsible for preference ordering/shuffling).
func (c *Cache) LookupMX(ctx context.Context, domain string) ([]MX, error) {
	rrs, _, err := c.lookup(ctx, dns.TypeMX, dns.Fqdn(domain))
	if err != nil {
		return nil, err
	}
	var out []MX
	for _, rr := range rrs {
		if mx, ok := rr.(*dns.MX); ok {
			out = append(out, MX{Host: mx.Mx, Pref: mx.Preference})
		}
	}
	return out, nil
}

// LookupTXT returns the concatenated TXT record strings for name.
func (c *Cache) LookupTXT(ctx context.Context, name string) ([]string, error) {
	rrs, _, err := c.lookup(ctx, dns.TypeTXT, dns.Fqdn(name))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range rrs {
		if txt, ok := rr.(*dns.TXT); ok {
			s := ""
			for _, part := range txt.Txt {
				s += part
			}
			out = append(out, s)
		}
	}
	return out, nil
}

// TLSA represents one parsed TLSA resource record.
type TLSA struct {
	Usage        uint8
	Selector     uint8
	MatchingType uint8
	Certificate  string // hex-encoded
}

// LookupTLSA returns the TLSA records for "_<port>._tcp.<host>", along with
// whether the response was DNSSEC-authenticated. DANE requires the
// authenticated bit to be set; callers that get authenticated=false MUST
// treat the result as if no TLSA records were found.
func (c *Cache) LookupTLSA(ctx context.Context, port, host string) ([]TLSA, bool, error) {
	name := fmt.Sprintf("_%s._tcp.%s", port, dns.Fqdn(host))
	rrs, authed, err := c.lookup(ctx, dns.TypeTLSA, dns.Fqdn(name))
	if err != nil {
		return nil, authed, err
	}
	var out []TLSA
	for _, rr := range rrs {
		if t, ok := rr.(*dns.TLSA); ok {
			out = append(out, TLSA{
				Usage:        t.Usage,
				Selector:     t.Selector,
				MatchingType: t.MatchingType,
				Certificate:  t.Certificate,
			})
		}
	}
	return out, authed, nil
}

// NetResolver is the default Resolver, talking to a single recursive
// resolver (Server) via miekg/dns with DNSSEC (DO bit) requested so TLSA lookups
// can be authenticated.
type NetResolver struct {
	// Server is "host:port" of the recursive resolver to query. If empty,
	// 127.0.0.1:53 is used, which is appropriate for a host running a local
	// validating resolver (recommended for DANE).
	Server string

	Client *dns.Client
}

// NewNetResolver returns a resolver querying server (or the local validating
// resolver if server is empty).
func NewNetResolver(server string) *NetResolver {
	if server == "" {
		server = "127.0.0.1:53"
	}
	return &NetResolver{
		Server: server,
		Client: &dns.Client{Timeout: 10 * time.Second},
	}
}

// Lookup implements Resolver.
func (n *NetResolver) Lookup(ctx context.Context, name string, qtype uint16) ([]dns.RR, bool, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.SetEdns0(4096, true) // request DNSSEC OK (DO bit)

	in, _, err := n.Client.ExchangeContext(ctx, m, n.Server)
	if err != nil {
		return nil, false, err
	}
	if in.Rcode == dns.RcodeNameError {
		return nil, in.AuthenticatedData, errNXDomain{name}
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, in.AuthenticatedData, fmt.Errorf("dns: server returned %s", dns.RcodeToString[in.Rcode])
	}

	return in.Answer, in.AuthenticatedData, nil
}

type errNXDomain struct{ name string }

func (e errNXDomain) Error() string { return fmt.Sprintf("dns: name not found: %s", e.name) }

// IsNotFound reports whether err indicates the name does not exist
// (NXDOMAIN), as opposed to a transient resolution failure.
func IsNotFound(err error) bool {
	_, ok := err.(errNXDomain)
	return ok
}
