// Package sts implements MTA-STS (SMTP MTA Strict Transport Security,
// RFC 8461): fetching a domain's policy over HTTPS, validating it, and
// caching it on disk so outbound delivery does not refetch on every
// message. DNS TXT record discovery lives in HasRecord, used by callers
// that want to skip the HTTPS fetch entirely for domains that don't
// participate.
package sts

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"blitiri.com.ar/go/chasquid/internal/dnscache"
	"blitiri.com.ar/go/chasquid/internal/safeio"
)

var (
	cacheFetches = expvar.NewInt("chasquid/ssl/sts/cacheFetches")
	cacheHits    = expvar.NewInt("chasquid/ssl/sts/cacheHits")
)

// maxPolicySize bounds how much of a policy response we'll read, so a
// misbehaving or hostile server can't make us buffer arbitrary amounts of
// data.
const maxPolicySize = 16 * 1024

// Policy represents a parsed MTA-STS policy.
// https://tools.ietf.org/html/rfc8461#section-3.2
type Policy struct {
	Version string        `json:"version"`
	Mode    Mode          `json:"mode"`
	MXs     []string      `json:"mx"`
	MaxAge  time.Duration `json:"max_age"`
}

// Mode is the MTA-STS enforcement mode.
type Mode string

// Valid modes.
const (
	Enforce = Mode("enforce")
	Testing = Mode("testing")
	None    = Mode("none")
)

var (
	ErrUnknownVersion = errors.New("sts: unknown policy version")
	ErrInvalidMaxAge  = errors.New("sts: invalid max_age")
	ErrInvalidMode    = errors.New("sts: invalid mode")
	ErrInvalidMX      = errors.New("sts: invalid mx")
	ErrPolicyTooBig   = errors.New("sts: policy response too large")
	ErrNoPolicy       = errors.New("sts: domain does not advertise an MTA-STS policy")
)

// Check validates the policy's contents.
func (p *Policy) Check() error {
	if p.Version != "STSv1" {
		return ErrUnknownVersion
	}
	if p.MaxAge <= 0 {
		return ErrInvalidMaxAge
	}
	if p.Mode != Enforce && p.Mode != Testing && p.Mode != None {
		return ErrInvalidMode
	}
	if p.Mode != None && len(p.MXs) == 0 {
		return ErrInvalidMX
	}
	return nil
}

// MXIsAllowed checks if the given MX hostname is allowed by the policy.
// https://tools.ietf.org/html/rfc8461#section-4.1
func (p *Policy) MXIsAllowed(mx string) bool {
	for _, pattern := range p.MXs {
		if matchDomain(mx, pattern) {
			return true
		}
	}
	return false
}

// HasRecord checks the "_mta-sts.<domain>" TXT record for a "v=STSv1"
// token. Its absence means the domain does not participate in MTA-STS, and
// callers can skip the (more expensive) HTTPS fetch entirely.
func HasRecord(ctx context.Context, dc *dnscache.Cache, domain string) (bool, error) {
	txts, err := dc.LookupTXT(ctx, "_mta-sts."+domain)
	if err != nil {
		if dnscache.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	for _, t := range txts {
		if strings.HasPrefix(t, "v=STSv1") {
			return true, nil
		}
	}
	return false, nil
}

// fakeURLForTesting, when set, overrides urlForDomain so tests can point at
// an httptest server instead of the real network.
var fakeURLForTesting string

func urlForDomain(domain string) string {
	if fakeURLForTesting != "" {
		return fakeURLForTesting + "/" + domain
	}
	return "https://mta-sts." + domain + "/.well-known/mta-sts.txt"
}

// UncheckedFetch fetches and parses, but does not validate, the policy for
// domain.
func UncheckedFetch(ctx context.Context, domain string) (*Policy, error) {
	asciiDomain, err := idna.ToASCII(domain)
	if err != nil {
		return nil, err
	}

	raw, err := httpGet(ctx, urlForDomain(asciiDomain))
	if err != nil {
		return nil, err
	}

	return parsePolicy(raw)
}

// Fetch fetches, parses and validates the policy for domain.
func Fetch(ctx context.Context, domain string) (*Policy, error) {
	p, err := UncheckedFetch(ctx, domain)
	if err != nil {
		return nil, err
	}
	if err := p.Check(); err != nil {
		return nil, err
	}
	return p, nil
}

// parsePolicy parses the "key: value" policy file format defined in
// RFC 8461 §3.2.
func parsePolicy(raw []byte) (*Policy, error) {
	p := &Policy{}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		switch key {
		case "version":
			p.Version = val
		case "mode":
			p.Mode = Mode(val)
		case "mx":
			p.MXs = append(p.MXs, val)
		case "max_age":
			var secs int
			if _, err := fmt.Sscanf(val, "%d", &secs); err == nil {
				p.MaxAge = time.Duration(secs) * time.Second
			}
		}
	}
	return p, nil
}

var errRejectRedirect = errors.New("sts: redirects not allowed")

func httpGet(ctx context.Context, url string) ([]byte, error) {
	client := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return errRejectRedirect
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sts: unexpected status %d fetching %s", resp.StatusCode, url)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPolicySize+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > maxPolicySize {
		return nil, ErrPolicyTooBig
	}
	return raw, nil
}

// matchDomain implements the RFC 6125 §6.4 matching MTA-STS relies on.
func matchDomain(domain, pattern string) bool {
	domain, dErr := domainToASCII(domain)
	pattern, pErr := domainToASCII(pattern)
	if dErr != nil || pErr != nil {
		return false
	}

	domainLabels := strings.Split(domain, ".")
	patternLabels := strings.Split(pattern, ".")
	if len(domainLabels) != len(patternLabels) {
		return false
	}

	for i, p := range patternLabels {
		if p == "*" && i == 0 {
			continue
		}
		if p != domainLabels[i] {
			return false
		}
	}
	return true
}

func domainToASCII(domain string) (string, error) {
	domain = strings.TrimSuffix(domain, ".")
	domain = strings.ToLower(domain)
	return idna.ToASCII(domain)
}

// PolicyCache caches fetched policies on disk, one file per domain
// (JSON-encoded Policy), refetching once the file's age exceeds the
// policy's MaxAge.
type PolicyCache struct {
	dir string
}

// NewCache returns a policy cache backed by dir, creating it if needed.
func NewCache(dir string) (*PolicyCache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &PolicyCache{dir: dir}, nil
}

func (c *PolicyCache) domainPath(domain string) string {
	return filepath.Join(c.dir, domain)
}

// Fetch returns the cached policy for domain if present and still fresh;
// otherwise it fetches a new one from the network and updates the cache.
func (c *PolicyCache) Fetch(ctx context.Context, domain string) (*Policy, error) {
	cacheFetches.Add(1)

	path := c.domainPath(domain)
	if fi, err := os.Stat(path); err == nil {
		if raw, err := os.ReadFile(path); err == nil {
			p := &Policy{}
			if err := json.Unmarshal(raw, p); err == nil && p.Check() == nil {
				if time.Since(fi.ModTime()) < p.MaxAge {
					cacheHits.Add(1)
					return p, nil
				}
			}
		}
	}

	p, err := Fetch(ctx, domain)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(p); err == nil {
		_ = safeio.WriteFile(path, raw, 0644)
	}

	return p, nil
}

// refresh forces a refetch of every domain currently in the cache,
// overwriting the cached entry regardless of its age.
func (c *PolicyCache) refresh(ctx context.Context) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		domain := e.Name()
		p, err := Fetch(ctx, domain)
		if err != nil {
			continue
		}
		if raw, err := json.Marshal(p); err == nil {
			_ = safeio.WriteFile(c.domainPath(domain), raw, 0644)
		}
	}
}

// PeriodicallyRefresh refreshes every cached domain's policy once per
// period, so delivery attempts never block on a synchronous fetch.
func (c *PolicyCache) PeriodicallyRefresh(ctx context.Context) {
	c.periodicallyRefresh(ctx, 1*time.Hour)
}

func (c *PolicyCache) periodicallyRefresh(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}
