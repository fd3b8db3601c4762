package dane

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"blitiri.com.ar/go/chasquid/internal/dnscache"
)

func mustSelfSigned(t *testing.T) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mail.example.org"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

// Scenario 4 from the spec: a TLSA record with SHA-256 over the SPKI of the
// server's end-entity certificate verifies Ok; removing the matching cert
// from the chain makes verification fail permanently.
func TestVerifyScenario(t *testing.T) {
	cert := mustSelfSigned(t)
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)

	records := []dnscache.TLSA{{
		Usage:        UsageDANE_EE,
		Selector:     SelectorSPKI,
		MatchingType: MatchingSHA256,
		Certificate:  hex.EncodeToString(sum[:]),
	}}

	if err := Verify([][]byte{cert.Raw}, records); err != nil {
		t.Fatalf("Verify with matching cert: %v", err)
	}

	other := mustSelfSigned(t)
	err := Verify([][]byte{other.Raw}, records)
	if err == nil {
		t.Fatal("Verify with non-matching cert: want error, got nil")
	}
	de, ok := err.(*Error)
	if !ok || de.Temporary {
		t.Fatalf("Verify with non-matching cert: got %#v, want permanent *Error", err)
	}
}

func TestVerifyNoRecords(t *testing.T) {
	if err := Verify(nil, nil); err != nil {
		t.Fatalf("Verify with no TLSA records should be a no-op: %v", err)
	}
}

func TestVerifyNoChain(t *testing.T) {
	records := []dnscache.TLSA{{Usage: UsageDANE_EE, Selector: SelectorSPKI, MatchingType: MatchingSHA256, Certificate: "00"}}
	err := Verify(nil, records)
	if err == nil {
		t.Fatal("want error for empty chain")
	}
	de, ok := err.(*Error)
	if !ok || !de.Temporary {
		t.Fatalf("got %#v, want temporary *Error", err)
	}
}
