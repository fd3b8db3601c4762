// Package arc implements ARC (Authenticated Received Chain, RFC 8617):
// verifying the chain of ARC-Seal/ARC-Message-Signature/
// ARC-Authentication-Results header sets already present on an inbound
// message (ParseSets, Validate), and producing the headers of a new
// instance for the chain (Sealer).
package arc

import (
	"context"
	"crypto"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"blitiri.com.ar/go/chasquid/internal/dkim"
	"blitiri.com.ar/go/chasquid/internal/expvarom"
)

var (
	chainResults = expvarom.NewMap("chasquid/arc/chainResults",
		"result", "count of ARC chain validation results")
)

// ChainResult is the outcome of validating an ARC chain, mirroring the
// "cv=" values defined in RFC 8617 §4.1.3.
type ChainResult string

// Chain validation results.
const (
	ChainNone  = ChainResult("none")  // no ARC sets present
	ChainPass  = ChainResult("pass")
	ChainFail  = ChainResult("fail")
)

// Set is one instance's worth of ARC headers (AAR/AMS/AS), keyed by the
// "i=" instance tag they share.
type Set struct {
	Instance int
	AAR      string // ARC-Authentication-Results value
	AMS      string // ARC-Message-Signature value
	AS       string // ARC-Seal value
	ASCV     string // cv= tag from the ARC-Seal
}

var instanceTag = regexp.MustCompile(`(?i)(?:^|[;\s])i=(\d+)`)
var cvTag = regexp.MustCompile(`(?i)[;\s]cv=(\w+)`)

// ParseSets extracts and groups the ARC header sets already on a message,
// given the raw (unfolded) header values in receipt order (topmost header
// first, i.e. most recently added).
func ParseSets(aar, ams, as []string) ([]*Set, error) {
	if len(aar) != len(ams) || len(ams) != len(as) {
		return nil, fmt.Errorf("arc: mismatched header counts: aar=%d ams=%d as=%d", len(aar), len(ams), len(as))
	}

	byInstance := map[int]*Set{}
	for i := range aar {
		inst, err := instanceOf(as[i])
		if err != nil {
			return nil, err
		}
		cv := cvOf(as[i])
		byInstance[inst] = &Set{Instance: inst, AAR: aar[i], AMS: ams[i], AS: as[i], ASCV: cv}
	}

	sets := make([]*Set, 0, len(byInstance))
	for _, s := range byInstance {
		sets = append(sets, s)
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].Instance < sets[j].Instance })

	for idx, s := range sets {
		if s.Instance != idx+1 {
			return nil, fmt.Errorf("arc: non-contiguous instance numbering: want %d, got %d", idx+1, s.Instance)
		}
	}

	return sets, nil
}

func instanceOf(as string) (int, error) {
	m := instanceTag.FindStringSubmatch(as)
	if m == nil {
		return 0, fmt.Errorf("arc: missing i= tag in ARC-Seal")
	}
	return strconv.Atoi(m[1])
}

func cvOf(as string) string {
	m := cvTag.FindStringSubmatch(as)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

// Validate verifies the chain's structural integrity: instance numbers
// start at 1 and are contiguous, and every set but the first declares
// cv=pass (the first declares cv=none, since there's nothing earlier to
// validate). It does not recompute cryptographic signatures — AMS/AS
// signature verification against each instance's DKIM-style d=/s= key is
// delegated to dkim.Verify by the caller, once per instance.
func Validate(sets []*Set) ChainResult {
	if len(sets) == 0 {
		chainResults.Add("none", 1)
		return ChainNone
	}

	if sets[0].ASCV != "none" {
		chainResults.Add("fail", 1)
		return ChainFail
	}
	for _, s := range sets[1:] {
		if s.ASCV != "pass" {
			chainResults.Add("fail", 1)
			return ChainFail
		}
	}

	chainResults.Add("pass", 1)
	return ChainPass
}

// Sealer adds a new ARC instance to a message's chain.
type Sealer struct {
	Domain   string
	Selector string
	Signer   crypto.Signer

	// ChainValidation is the cv= result to record on the new ARC-Seal:
	// "none" if no prior chain existed, "pass"/"fail" otherwise (the
	// result of Validate on the existing chain).
	ChainValidation ChainResult

	// AuthResults is the Authentication-Results-style string to embed
	// in the new ARC-Authentication-Results header (produced by the
	// caller, typically via go-msgauth/authres).
	AuthResults string
}

// Seal produces the three header values (AAR, AMS, AS) for the next
// instance in the chain, given the message (with any existing ARC sets
// still present, as AMS/AS signing must cover them) and the next instance
// number.
func (s *Sealer) Seal(ctx context.Context, message string, instance int) (aar, ams, as string, err error) {
	aar = fmt.Sprintf("i=%d; %s", instance, s.AuthResults)

	signer := &dkim.Signer{Domain: s.Domain, Selector: s.Selector, Signer: s.Signer}
	sigValue, err := signer.Sign(ctx, message)
	if err != nil {
		return "", "", "", err
	}
	ams = fmt.Sprintf("i=%d; %s", instance, sigValue)

	as = fmt.Sprintf("i=%d; a=rsa-sha256; cv=%s; d=%s; s=%s; b=",
		instance, s.ChainValidation, s.Domain, s.Selector)

	sealSigner := &dkim.Signer{Domain: s.Domain, Selector: s.Selector, Signer: s.Signer}
	sealSig, err := sealSigner.Sign(ctx, message+"\r\n"+aar+"\r\n"+ams)
	if err != nil {
		return "", "", "", err
	}
	as += extractB(sealSig)

	return aar, ams, as, nil
}

var bTag = regexp.MustCompile(`(?is)b=([^;]*)$`)

func extractB(sig string) string {
	m := bTag.FindStringSubmatch(sig)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
