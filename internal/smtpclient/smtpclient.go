// Package smtpclient provides the pieces of outbound SMTP delivery that are
// shared between ordinary remote delivery and downstream LMTP: MX
// resolution (with implicit/null-MX handling and preference-aware
// shuffling), and TLS policy decisions combining DANE and MTA-STS.
package smtpclient

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"

	"golang.org/x/net/idna"

	"blitiri.com.ar/go/chasquid/internal/dane"
	"blitiri.com.ar/go/chasquid/internal/dnscache"
	"blitiri.com.ar/go/chasquid/internal/expvarom"
	"blitiri.com.ar/go/chasquid/internal/sts"
	"blitiri.com.ar/go/chasquid/internal/trace"
)

var (
	mxResults = expvarom.NewMap("chasquid/smtpclient/mxLookups",
		"result", "count of MX resolution results")
)

// AddressFamily controls which IP family to prefer when dialing a host
// that resolves to both.
type AddressFamily int

// Address family preferences.
const (
	PreferEither AddressFamily = iota
	IPv4Only
	IPv6Only
	IPv4ThenIPv6
	IPv6ThenIPv4
)

// MaxMX bounds how many equal/ascending-preference MX hosts are tried per
// delivery attempt, to keep delivery time bounded and limit abuse via huge
// MX record sets.
const MaxMX = 5

// ErrNullMX is returned when the domain explicitly declares it accepts no
// mail (RFC 7505 null MX, "." with preference 0).
var ErrNullMX = fmt.Errorf("smtpclient: domain publishes a null MX, rejecting")

// ResolveMX returns the mail exchangers to try for domain, in the order
// they should be attempted: sorted by preference, with hosts sharing a
// preference shuffled (RFC 5321 §5.1), and capped at MaxMX entries.
// If domain has no MX records at all, it falls back to using domain itself
// as an implicit MX (also per RFC 5321 §5.1).
func ResolveMX(ctx context.Context, dc *dnscache.Cache, domain string) ([]string, error) {
	asciiDomain, err := idna.ToASCII(domain)
	if err != nil {
		return nil, err
	}

	records, err := dc.LookupMX(ctx, asciiDomain)
	if err != nil {
		if dnscache.IsNotFound(err) {
			mxResults.Add("implicit", 1)
			return []string{asciiDomain}, nil
		}
		mxResults.Add("error", 1)
		return nil, err
	}

	if len(records) == 0 {
		mxResults.Add("implicit", 1)
		return []string{asciiDomain}, nil
	}

	if len(records) == 1 && records[0].Host == "." {
		mxResults.Add("null-mx", 1)
		return nil, ErrNullMX
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Pref < records[j].Pref })

	// Shuffle within each preference band.
	i := 0
	for i < len(records) {
		j := i
		for j < len(records) && records[j].Pref == records[i].Pref {
			j++
		}
		rand.Shuffle(j-i, func(a, b int) {
			records[i+a], records[i+b] = records[i+b], records[i+a]
		})
		i = j
	}

	hosts := make([]string, 0, len(records))
	for _, r := range records {
		hosts = append(hosts, r.Host)
	}
	if len(hosts) > MaxMX {
		hosts = hosts[:MaxMX]
	}

	mxResults.Add("ok", 1)
	return hosts, nil
}

// TLSPolicy is the outcome of combining DANE and MTA-STS for a given
// destination host/domain, deciding whether a delivery attempt must
// require an authenticated TLS connection.
type TLSPolicy struct {
	// RequireAuthenticated, when true, means the connection MUST end up
	// validated (DANE match, or STS enforce-mode with a secure chain);
	// a plaintext or unauthenticated-TLS connection must be treated as a
	// permanent-for-this-MX failure.
	RequireAuthenticated bool

	// TLSARecords is the (possibly empty) TLSA record set for this host,
	// already filtered to authenticated (DNSSEC AD=1) responses.
	TLSARecords []dnscache.TLSA

	// STSPolicy is the MTA-STS policy for the domain, if any.
	STSPolicy *sts.Policy
}

// Decide builds the TLS policy for a (domain, mxHost) pair: looks up TLSA
// records for DANE and combines them with an already-fetched MTA-STS
// policy (fetching STS policies is comparatively expensive and cached
// upstream, so it is passed in rather than looked up here).
func Decide(ctx context.Context, dc *dnscache.Cache, mxHost string, port string, stsPolicy *sts.Policy) (*TLSPolicy, error) {
	records, authed, err := dc.LookupTLSA(ctx, port, mxHost)
	if err != nil && !dnscache.IsNotFound(err) {
		return nil, err
	}
	if !authed {
		// Per RFC 6698 §2.2, an unauthenticated response MUST be treated
		// as if no TLSA records were published.
		records = nil
	}

	p := &TLSPolicy{TLSARecords: records, STSPolicy: stsPolicy}
	if len(records) > 0 {
		p.RequireAuthenticated = true
	}
	if stsPolicy != nil && stsPolicy.Mode == sts.Enforce {
		p.RequireAuthenticated = true
	}
	return p, nil
}

// VerifyDANE checks a presented certificate chain against this policy's
// TLSA records, doing nothing if there are none.
func (p *TLSPolicy) VerifyDANE(chain [][]byte) error {
	if len(p.TLSARecords) == 0 {
		return nil
	}
	return dane.Verify(chain, p.TLSARecords)
}

// LogDecision writes a one-line summary of the policy to tr, for
// debugging delivery attempts.
func (p *TLSPolicy) LogDecision(tr *trace.Trace, mxHost string) {
	mode := "none"
	if p.STSPolicy != nil {
		mode = string(p.STSPolicy.Mode)
	}
	tr.Debugf("tls policy for %s: dane_records=%d sts_mode=%s require_authenticated=%v",
		mxHost, len(p.TLSARecords), mode, p.RequireAuthenticated)
}
