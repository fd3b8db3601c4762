package reporting

import "time"

// TLSResult is one observed outbound connection outcome, as recorded by
// AddTLSRecord.
type TLSResult struct {
	PolicyType   string // "sts", "tlsa", "no-policy-found"
	PolicyString []string
	Success      bool
	FailureType  string // e.g. "starttls-not-supported", "certificate-expired"
	SendingMTA   string
	ReceivingMX  string
	FailureIP    string
}

type tlsBucket struct {
	domain  string
	rua     []string
	begin   time.Time
	results []TLSResult
}

func (b *tlsBucket) merge(r TLSResult) {
	b.results = append(b.results, r)
}

// The JSON types below mirror RFC 8460 §3's schema.

type tlsrptReport struct {
	OrganizationName string          `json:"organization-name"`
	DateRange        tlsrptDateRange `json:"date-range"`
	ContactInfo      string          `json:"contact-info"`
	ReportID         string          `json:"report-id"`
	Policies         []tlsrptPolicy  `json:"policies"`
}

type tlsrptDateRange struct {
	StartDatetime time.Time `json:"start-datetime"`
	EndDatetime   time.Time `json:"end-datetime"`
}

type tlsrptPolicy struct {
	Policy  tlsrptPolicyDetail `json:"policy"`
	Summary tlsrptSummary      `json:"summary"`
	Failure []tlsrptFailure    `json:"failure-details,omitempty"`
}

type tlsrptPolicyDetail struct {
	PolicyType   string   `json:"policy-type"`
	PolicyDomain string   `json:"policy-domain"`
	PolicyString []string `json:"policy-string,omitempty"`
}

type tlsrptSummary struct {
	TotalSuccessfulSessionCount int `json:"total-successful-session-count"`
	TotalFailureSessionCount    int `json:"total-failure-session-count"`
}

type tlsrptFailure struct {
	ResultType         string `json:"result-type"`
	SendingMTAIP       string `json:"sending-mta-ip,omitempty"`
	ReceivingMX        string `json:"receiving-mx-hostname,omitempty"`
	FailedSessionCount int    `json:"failed-session-count"`
}

func buildTLSReport(reportingDomain string, b *tlsBucket, end time.Time) tlsrptReport {
	r := tlsrptReport{
		OrganizationName: reportingDomain,
		DateRange: tlsrptDateRange{
			StartDatetime: b.begin.UTC(),
			EndDatetime:   end.UTC(),
		},
		ContactInfo: "postmaster@" + reportingDomain,
		ReportID:    b.domain + "-" + b.begin.Format("20060102"),
	}

	byPolicy := map[string]*tlsrptPolicy{}
	failureCounts := map[string]map[string]int{}

	for _, res := range b.results {
		p, ok := byPolicy[res.PolicyType]
		if !ok {
			p = &tlsrptPolicy{
				Policy: tlsrptPolicyDetail{
					PolicyType:   res.PolicyType,
					PolicyDomain: b.domain,
					PolicyString: res.PolicyString,
				},
			}
			byPolicy[res.PolicyType] = p
			failureCounts[res.PolicyType] = map[string]int{}
		}

		if res.Success {
			p.Summary.TotalSuccessfulSessionCount++
		} else {
			p.Summary.TotalFailureSessionCount++
			failureCounts[res.PolicyType][res.FailureType]++
		}
	}

	for kind, p := range byPolicy {
		for failureType, count := range failureCounts[kind] {
			p.Failure = append(p.Failure, tlsrptFailure{
				ResultType:         failureType,
				FailedSessionCount: count,
			})
		}
		r.Policies = append(r.Policies, *p)
	}

	return r
}
