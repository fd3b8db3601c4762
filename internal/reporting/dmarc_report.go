package reporting

import (
	"encoding/xml"
	"time"
)

// DMARCRow is one evaluated message, as recorded by AddDMARCRecord.
type DMARCRow struct {
	SourceIP        string
	Count           int
	Disposition     string // none, quarantine, reject
	DKIMEvaluated   string // pass, fail
	SPFEvaluated    string // pass, fail
	HeaderFrom      string
	EnvelopeFrom    string
	DKIMDomain      string
	DKIMResult      string
	SPFDomain       string
	SPFResult       string
	PolicyOverrides []string
}

type dmarcBucket struct {
	domain      string
	fingerprint string
	rua         []string
	begin       time.Time
	rows        []DMARCRow
}

// The XML element types below mirror RFC 7489 appendix C's schema.

type dmarcFeedback struct {
	XMLName         xml.Name         `xml:"feedback"`
	ReportMetadata  dmarcReportMeta  `xml:"report_metadata"`
	PolicyPublished dmarcPolicyPub   `xml:"policy_published"`
	Records         []dmarcRecordXML `xml:"record"`
}

type dmarcReportMeta struct {
	OrgName        string `xml:"org_name"`
	Email          string `xml:"email"`
	ReportID       string `xml:"report_id"`
	DateRangeBegin int64  `xml:"date_range>begin"`
	DateRangeEnd   int64  `xml:"date_range>end"`
}

type dmarcPolicyPub struct {
	Domain string `xml:"domain"`
	P      string `xml:"p"`
	SP     string `xml:"sp,omitempty"`
	PCT    int    `xml:"pct"`
}

type dmarcRecordXML struct {
	SourceIP        string            `xml:"row>source_ip"`
	Count           int               `xml:"row>count"`
	Disposition     string            `xml:"row>policy_evaluated>disposition"`
	DKIMEvaluated   string            `xml:"row>policy_evaluated>dkim"`
	SPFEvaluated    string            `xml:"row>policy_evaluated>spf"`
	HeaderFrom      string            `xml:"identifiers>header_from"`
	EnvelopeFrom    string            `xml:"identifiers>envelope_from,omitempty"`
	DKIMAuthResults []dmarcAuthResult `xml:"auth_results>dkim,omitempty"`
	SPFAuthResults  []dmarcAuthResult `xml:"auth_results>spf,omitempty"`
}

type dmarcAuthResult struct {
	Domain string `xml:"domain"`
	Result string `xml:"result"`
}

func buildDMARCReport(reportingDomain string, b *dmarcBucket, end time.Time) dmarcFeedback {
	f := dmarcFeedback{
		ReportMetadata: dmarcReportMeta{
			OrgName:        reportingDomain,
			Email:          "postmaster@" + reportingDomain,
			ReportID:       b.domain + "-" + b.fingerprint + "-" + b.begin.Format("20060102"),
			DateRangeBegin: b.begin.Unix(),
			DateRangeEnd:   end.Unix(),
		},
		PolicyPublished: dmarcPolicyPub{
			Domain: b.domain,
			PCT:    100,
		},
	}

	for _, r := range b.rows {
		rec := dmarcRecordXML{
			SourceIP:      r.SourceIP,
			Count:         r.Count,
			Disposition:   r.Disposition,
			DKIMEvaluated: r.DKIMEvaluated,
			SPFEvaluated:  r.SPFEvaluated,
			HeaderFrom:    r.HeaderFrom,
			EnvelopeFrom:  r.EnvelopeFrom,
		}
		if r.DKIMDomain != "" {
			rec.DKIMAuthResults = []dmarcAuthResult{{Domain: r.DKIMDomain, Result: r.DKIMResult}}
		}
		if r.SPFDomain != "" {
			rec.SPFAuthResults = []dmarcAuthResult{{Domain: r.SPFDomain, Result: r.SPFResult}}
		}
		f.Records = append(f.Records, rec)
	}

	return f
}
