package dmarc

import "testing"

func TestParse(t *testing.T) {
	r, err := parse("v=DMARC1; p=reject; sp=quarantine; aspf=s; adkim=r; pct=50; rua=mailto:ruA@example.org,mailto:other@example.org")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Policy != PolicyReject || r.SubPolicy != PolicyQuarantine {
		t.Errorf("policy = %v/%v, want reject/quarantine", r.Policy, r.SubPolicy)
	}
	if r.SPFAlign != Strict || r.DKIMAlign != Relaxed {
		t.Errorf("alignment = %v/%v, want s/r", r.SPFAlign, r.DKIMAlign)
	}
	if r.Percent != 50 {
		t.Errorf("pct = %d, want 50", r.Percent)
	}
	if len(r.RUA) != 2 {
		t.Errorf("rua = %v, want 2 entries", r.RUA)
	}
}

func TestParseDefaults(t *testing.T) {
	r, err := parse("v=DMARC1; p=none")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.SPFAlign != Relaxed || r.DKIMAlign != Relaxed {
		t.Errorf("default alignment should be relaxed, got %v/%v", r.SPFAlign, r.DKIMAlign)
	}
	if r.SubPolicy != PolicyNone {
		t.Errorf("sp should default to p, got %v", r.SubPolicy)
	}
	if r.Percent != 100 {
		t.Errorf("pct should default to 100, got %d", r.Percent)
	}
}

func TestParseInvalidPolicy(t *testing.T) {
	if _, err := parse("v=DMARC1; p=maybe"); err != ErrInvalidPolicy {
		t.Errorf("got %v, want ErrInvalidPolicy", err)
	}
}

func TestAligned(t *testing.T) {
	cases := []struct {
		mode                  Alignment
		from, auth            string
		want                  bool
	}{
		{Strict, "example.org", "example.org", true},
		{Strict, "mail.example.org", "example.org", false},
		{Relaxed, "mail.example.org", "example.org", true},
		{Relaxed, "example.org", "other.org", false},
	}
	for _, c := range cases {
		if got := Aligned(c.mode, c.from, c.auth); got != c.want {
			t.Errorf("Aligned(%v, %q, %q) = %v, want %v", c.mode, c.from, c.auth, got, c.want)
		}
	}
}

func TestEvaluate(t *testing.T) {
	r := &Record{Policy: PolicyReject, SubPolicy: PolicyReject, SPFAlign: Relaxed, DKIMAlign: Relaxed}

	res := Evaluate(r, "example.org", true, "example.org", false, "")
	if !res.Pass {
		t.Errorf("expected pass via SPF alignment")
	}

	res = Evaluate(r, "example.org", false, "", true, "example.org")
	if !res.Pass {
		t.Errorf("expected pass via DKIM alignment")
	}

	res = Evaluate(r, "example.org", false, "", false, "")
	if res.Pass {
		t.Errorf("expected fail with no aligned checks")
	}
}

func TestOrganizationalDomain(t *testing.T) {
	cases := map[string]string{
		"mail.example.org": "example.org",
		"example.org":       "example.org",
		"a.b.example.org":   "example.org",
	}
	for in, want := range cases {
		if got := organizationalDomain(in); got != want {
			t.Errorf("organizationalDomain(%q) = %q, want %q", in, got, want)
		}
	}
}
