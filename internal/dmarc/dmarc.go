// Package dmarc implements DMARC (Domain-based Message Authentication,
// Reporting and Conformance, RFC 7489): fetching a domain's DMARC policy
// record and evaluating SPF/DKIM alignment against it.
package dmarc

import (
	"context"
	"strconv"
	"strings"

	"blitiri.com.ar/go/chasquid/internal/dnscache"
	"blitiri.com.ar/go/chasquid/internal/expvarom"
)

var (
	lookups = expvarom.NewMap("chasquid/dmarc/lookups",
		"result", "count of DMARC record lookups, by result")
)

// Alignment is the alignment mode for SPF or DKIM.
type Alignment string

// Alignment modes.
const (
	Relaxed = Alignment("r")
	Strict  = Alignment("s")
)

// Policy is the disposition a domain asks receivers to apply.
type Policy string

// Policies, in increasing order of severity.
const (
	PolicyNone       = Policy("none")
	PolicyQuarantine = Policy("quarantine")
	PolicyReject     = Policy("reject")
)

// Record is a parsed DMARC policy record ("v=DMARC1; p=...; ...").
type Record struct {
	Policy      Policy
	SubPolicy   Policy // "sp=", falls back to Policy when absent.
	SPFAlign    Alignment
	DKIMAlign   Alignment
	Percent     int
	RUA         []string // aggregate report destinations ("rua=")
	RUF         []string // failure report destinations ("ruf=")
	FailOptions string   // "fo="
}

// Fetch retrieves and parses the DMARC record for domain, looking first at
// the domain itself and then, per RFC 7489 §6.6.3, at the organizational
// domain if no record is found and domain looks like a subdomain.
func Fetch(ctx context.Context, dc *dnscache.Cache, domain string) (*Record, error) {
	r, err := fetchExact(ctx, dc, domain)
	if err == nil {
		lookups.Add("found", 1)
		return r, nil
	}
	if !dnscache.IsNotFound(err) && err != ErrNoRecord {
		lookups.Add("error", 1)
		return nil, err
	}

	if org := organizationalDomain(domain); org != domain {
		r, err = fetchExact(ctx, dc, org)
		if err == nil {
			lookups.Add("found-organizational", 1)
			return r, nil
		}
	}

	lookups.Add("absent", 1)
	return nil, ErrNoRecord
}

func fetchExact(ctx context.Context, dc *dnscache.Cache, domain string) (*Record, error) {
	txts, err := dc.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil {
		return nil, err
	}
	for _, t := range txts {
		if strings.HasPrefix(t, "v=DMARC1") {
			return parse(t)
		}
	}
	return nil, ErrNoRecord
}

// organizationalDomain is a conservative approximation of RFC 7489's
// "organizational domain" (registrable domain): the last two labels. It
// does not consult a public-suffix list, which is a known limitation for
// multi-label public suffixes (e.g. "co.uk").
func organizationalDomain(domain string) string {
	labels := strings.Split(strings.TrimSuffix(domain, "."), ".")
	if len(labels) <= 2 {
		return domain
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

func parse(raw string) (*Record, error) {
	r := &Record{SPFAlign: Relaxed, DKIMAlign: Relaxed, Percent: 100}

	for _, tag := range strings.Split(raw, ";") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		kv := strings.SplitN(tag, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])

		switch key {
		case "p":
			r.Policy = Policy(val)
		case "sp":
			r.SubPolicy = Policy(val)
		case "aspf":
			r.SPFAlign = Alignment(val)
		case "adkim":
			r.DKIMAlign = Alignment(val)
		case "pct":
			if n, err := strconv.Atoi(val); err == nil {
				r.Percent = n
			}
		case "rua":
			r.RUA = splitURIs(val)
		case "ruf":
			r.RUF = splitURIs(val)
		case "fo":
			r.FailOptions = val
		}
	}

	if r.SubPolicy == "" {
		r.SubPolicy = r.Policy
	}
	if !validPolicy(r.Policy) {
		return nil, ErrInvalidPolicy
	}
	return r, nil
}

func validPolicy(p Policy) bool {
	return p == PolicyNone || p == PolicyQuarantine || p == PolicyReject
}

func splitURIs(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// AppliesPolicy returns the policy that applies to a message addressed to
// fromDomain, accounting for the subdomain policy ("sp=") and whether
// fromDomain is the organizational domain itself.
func (r *Record) AppliesPolicy(fromDomain, recordDomain string) Policy {
	if fromDomain != recordDomain {
		return r.SubPolicy
	}
	return r.Policy
}

// Aligned reports whether authDomain (the domain that produced a passing
// SPF or DKIM result) is aligned with fromDomain under the given mode.
func Aligned(mode Alignment, fromDomain, authDomain string) bool {
	fromDomain = strings.ToLower(fromDomain)
	authDomain = strings.ToLower(authDomain)
	if mode == Strict {
		return fromDomain == authDomain
	}
	return fromDomain == authDomain ||
		organizationalDomain(fromDomain) == organizationalDomain(authDomain)
}

// Result is the outcome of evaluating a message against a DMARC record.
type Result struct {
	Pass       bool
	AppliedTo  Policy
	SPFAligned bool
	DKIMAligned bool
}

// Evaluate decides whether a message passes DMARC, given the From domain
// and the results of the SPF/DKIM checks already performed by the session.
// spfPass/spfDomain are the outcome of the SPF check against the envelope
// sender's domain; dkimPass/dkimDomain are from a verified DKIM signature
// (if any) whose d= domain is dkimDomain.
func Evaluate(r *Record, fromDomain string, spfPass bool, spfDomain string, dkimPass bool, dkimDomain string) *Result {
	res := &Result{AppliedTo: r.AppliesPolicy(fromDomain, fromDomain)}

	if spfPass {
		res.SPFAligned = Aligned(r.SPFAlign, fromDomain, spfDomain)
	}
	if dkimPass {
		res.DKIMAligned = Aligned(r.DKIMAlign, fromDomain, dkimDomain)
	}

	res.Pass = res.SPFAligned || res.DKIMAligned
	return res
}

// ErrNoRecord and ErrInvalidPolicy are the errors Fetch/parse can return.
var (
	ErrNoRecord      = dmarcError("dmarc: no policy record found")
	ErrInvalidPolicy = dmarcError("dmarc: invalid or missing p= tag")
)

type dmarcError string

func (e dmarcError) Error() string { return string(e) }
