// Package dane implements DANE (DNS-Based Authentication of Named Entities,
// RFC 6698) certificate matching for outbound SMTP delivery: given the TLSA
// record set published under "_25._tcp.<host>" and the certificate chain
// presented during the TLS handshake, decide whether the connection is
// authenticated.
package dane

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"fmt"

	"blitiri.com.ar/go/chasquid/internal/dnscache"
)

// TLSA usage field values we support. Verify groups PKIX-EE (1) with
// DANE-EE (3) and PKIX-TA (0) with DANE-TA (2), and checks only the hash
// match: it does no PKIX path validation for the PKIX-* usages.
const (
	UsagePKIX_TA uint8 = 0
	UsagePKIX_EE uint8 = 1
	UsageDANE_TA uint8 = 2
	UsageDANE_EE uint8 = 3
)

// Selector field values: which part of the certificate was hashed.
const (
	SelectorFullCert uint8 = 0
	SelectorSPKI     uint8 = 1
)

// Matching-type field values: which digest algorithm was used.
const (
	MatchingExact  uint8 = 0
	MatchingSHA256 uint8 = 1
	MatchingSHA512 uint8 = 2
)

// Error distinguishes the two ways DANE verification can fail, matching
// the classification the queue engine needs: absence of data is a
// TemporaryFailure, a non-matching record set is a PermanentFailure.
type Error struct {
	Temporary bool
	Detail    string
}

func (e *Error) Error() string { return e.Detail }

// Verify checks a presented certificate chain (leaf first) against a TLSA
// record set. Success requires that every usage "bucket" present in the
// record set (end-entity: usage 1 or 3; trust-anchor/intermediate: usage 0
// or 2) has at least one matching record.
//
// Absence of a chain, or an unparseable certificate, is a temporary
// failure (the remote may be misconfigured transiently). A non-empty,
// parseable, but non-matching record set is a permanent failure.
func Verify(chain [][]byte, records []dnscache.TLSA) error {
	if len(records) == 0 {
		return nil // nothing declared, DANE is simply not in effect.
	}
	if len(chain) == 0 {
		return &Error{Temporary: true, Detail: "dane: no certificates presented"}
	}

	certs := make([]*x509.Certificate, 0, len(chain))
	for _, der := range chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return &Error{Temporary: true, Detail: fmt.Sprintf("dane: unparseable certificate: %v", err)}
		}
		certs = append(certs, cert)
	}

	needEE := false
	needTA := false
	for _, r := range records {
		switch r.Usage {
		case UsageDANE_EE, UsagePKIX_EE:
			needEE = true
		case UsageDANE_TA, UsagePKIX_TA:
			needTA = true
		}
	}

	if needEE && !matchesBucket(certs[:1], records, UsageDANE_EE, UsagePKIX_EE) {
		return &Error{Temporary: false, Detail: "dane: no TLSA record matches the end-entity certificate"}
	}
	if needTA && !matchesBucket(certs, records, UsageDANE_TA, UsagePKIX_TA) {
		return &Error{Temporary: false, Detail: "dane: no TLSA record matches any intermediate/anchor certificate"}
	}

	return nil
}

// matchesBucket reports whether any of certs matches any TLSA record whose
// Usage is usageA or usageB.
func matchesBucket(certs []*x509.Certificate, records []dnscache.TLSA, usageA, usageB uint8) bool {
	for _, r := range records {
		if r.Usage != usageA && r.Usage != usageB {
			continue
		}
		want, err := hex.DecodeString(r.Certificate)
		if err != nil {
			continue
		}
		for _, cert := range certs {
			got, err := hashFor(cert, r.Selector, r.MatchingType)
			if err != nil {
				continue
			}
			if hex.EncodeToString(got) == hex.EncodeToString(want) {
				return true
			}
		}
	}
	return false
}

// hashFor computes the digest of a certificate as a given TLSA record would
// reference it: over either the full DER encoding or just the
// SubjectPublicKeyInfo, using either SHA-256 or SHA-512.
func hashFor(cert *x509.Certificate, selector, matching uint8) ([]byte, error) {
	var data []byte
	switch selector {
	case SelectorFullCert:
		data = cert.Raw
	case SelectorSPKI:
		data = cert.RawSubjectPublicKeyInfo
	default:
		return nil, fmt.Errorf("dane: unsupported selector %d", selector)
	}

	switch matching {
	case MatchingExact:
		return data, nil
	case MatchingSHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	case MatchingSHA512:
		sum := sha512.Sum512(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("dane: unsupported matching type %d", matching)
	}
}
