// Package reporting implements DMARC aggregate and SMTP TLS (RFC 8460,
// "TLSRPT") report generation, scheduling and inbound ingestion.
//
// Records are bucketed per (reporting domain, policy fingerprint) and
// flushed when their aggregation window closes; the resulting report is
// serialized (XML for DMARC, JSON for TLSRPT), optionally compressed, and
// delivered to the domain's "rua=" destinations, either by queueing a
// normal outbound Message (mailto) or by POSTing directly (https).
package reporting

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"blitiri.com.ar/go/chasquid/internal/expvarom"
	"blitiri.com.ar/go/chasquid/internal/throttle"
	"blitiri.com.ar/go/chasquid/internal/trace"
	"blitiri.com.ar/go/chasquid/internal/workerpool"
)

// Window is an aggregation period for outgoing reports.
type Window int

// Supported aggregation windows.
const (
	Hourly Window = iota
	Daily
	Weekly
	Monthly
)

func (w Window) duration() time.Duration {
	switch w {
	case Hourly:
		return time.Hour
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	case Monthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

var (
	reportsGenerated = expvarom.NewMap("chasquid/reporting/generated",
		"kind", "count of aggregate reports generated, by kind (dmarc/tls)")
	reportsSent = expvarom.NewMap("chasquid/reporting/sent",
		"result", "count of report submission attempts, by result")
)

// Sender delivers a serialized report to a single mailto: rua= destination
// by queuing it as a normal outbound message; https: destinations are
// POSTed through HTTPPoster, not through Sender. It is satisfied by a thin adapter over *queue.Queue in
// production; tests can supply a fake.
type Sender interface {
	// SendMail queues an outbound message from the given address to the
	// given address, with the given body (already MIME-ready).
	SendMail(from string, to string, data []byte) error
}

// HTTPPoster POSTs a report body directly to a URL. It is a separate
// interface from Sender because https delivery never goes through the
// queue: it's a direct, synchronous submission with its own retry policy.
type HTTPPoster interface {
	PostReport(ctx context.Context, url string, contentType string, body []byte) error
}

// DefaultPoster posts using net/http's default client.
type DefaultPoster struct{}

func (DefaultPoster) PostReport(ctx context.Context, dest string, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("report POST to %q failed: %s", dest, resp.Status)
	}
	return nil
}

// bucketKey identifies one pending aggregate report.
type bucketKey struct {
	domain      string
	fingerprint string
}

// Manager schedules and emits DMARC aggregate and TLSRPT reports, and
// classifies inbound report submissions.
type Manager struct {
	ReportingDomain string // used as the org name / contact in reports
	ReportAddress   string // From: address for queued report messages
	Window          Window
	Sender          Sender
	Poster          HTTPPoster

	// RateLimiter gates failure-report (ruf=) emission, keyed by
	// "<recipient>:<kind>" per spec.
	RateLimiter *throttle.KeyedRateLimiter

	// Compressor offloads gzip compression of https-bound report payloads
	// onto a worker pool instead of the goroutine driving the flush loop.
	// Nil means compress inline, which is fine for the report sizes one
	// domain typically produces.
	Compressor *workerpool.Pool

	mu      sync.Mutex
	dmarc   map[bucketKey]*dmarcBucket
	tls     map[string]*tlsBucket
	started time.Time
}

// NewManager creates a report manager. started is the time aggregation
// windows are computed relative to (passed in rather than taken from
// time.Now so callers control it deterministically).
func NewManager(reportingDomain, reportAddress string, window Window, sender Sender, started time.Time) *Manager {
	return &Manager{
		ReportingDomain: reportingDomain,
		ReportAddress:   reportAddress,
		Window:          window,
		Sender:          sender,
		Poster:          DefaultPoster{},
		RateLimiter: throttle.NewKeyedRateLimiter(throttle.RateSpec{
			Requests: 10, Period: time.Minute,
		}),
		dmarc:   map[bucketKey]*dmarcBucket{},
		tls:     map[string]*tlsBucket{},
		started: started,
	}
}

// AddDMARCRecord records one evaluated message for the aggregate report of
// (domain, policyFingerprint). rua lists the domain's aggregate report
// destinations, as parsed from its DMARC record.
func (m *Manager) AddDMARCRecord(domain, policyFingerprint string, rua []string, rec DMARCRow) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := bucketKey{domain, policyFingerprint}
	b, ok := m.dmarc[k]
	if !ok {
		b = &dmarcBucket{
			domain:      domain,
			fingerprint: policyFingerprint,
			rua:         rua,
			begin:       m.started,
		}
		m.dmarc[k] = b
	}
	b.rows = append(b.rows, rec)
}

// AddTLSRecord records one connection outcome for the TLSRPT aggregate of
// the given reporting domain (the domain whose MX the connection was to).
func (m *Manager) AddTLSRecord(domain string, rua []string, rec TLSResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.tls[domain]
	if !ok {
		b = &tlsBucket{domain: domain, rua: rua, begin: m.started}
		m.tls[domain] = b
	}
	b.merge(rec)
}

// WindowInfo describes one open aggregation bucket, for the management
// control plane (internal/control) to list.
type WindowInfo struct {
	Kind        string // "dmarc" or "tls"
	Domain      string
	Fingerprint string // dmarc only
	RUA         []string
	Begin       time.Time
	RecordCount int
}

// ListWindows returns a snapshot of every currently open DMARC and TLS
// bucket, for the management control plane.
func (m *Manager) ListWindows() []WindowInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]WindowInfo, 0, len(m.dmarc)+len(m.tls))
	for _, b := range m.dmarc {
		out = append(out, WindowInfo{
			Kind: "dmarc", Domain: b.domain, Fingerprint: b.fingerprint,
			RUA: b.rua, Begin: b.begin, RecordCount: len(b.rows),
		})
	}
	for _, b := range m.tls {
		out = append(out, WindowInfo{
			Kind: "tls", Domain: b.domain,
			RUA: b.rua, Begin: b.begin, RecordCount: len(b.results),
		})
	}
	return out
}

// CancelWindow drops an open bucket without emitting a report for it.
// Used by the management control plane when an operator wants to discard
// an in-progress aggregation window, e.g. after a policy change makes it
// stale. Returns false if no matching window is open.
func (m *Manager) CancelWindow(kind, domain, fingerprint string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch kind {
	case "dmarc":
		k := bucketKey{domain, fingerprint}
		if _, ok := m.dmarc[k]; !ok {
			return false
		}
		delete(m.dmarc, k)
		return true
	case "tls":
		if _, ok := m.tls[domain]; !ok {
			return false
		}
		delete(m.tls, domain)
		return true
	default:
		return false
	}
}

// SendFailureReport emits a single ARF-style failure report (the "ruf="
// destinations of a DMARC record) for one message, subject to a per
// (recipient, kind) token bucket: unlike aggregate reports, failure
// reports are sent immediately and could otherwise be used to flood a
// reporting address.
func (m *Manager) SendFailureReport(tr *trace.Trace, ruf []string, kind, subject string, body []byte) error {
	if len(ruf) == 0 {
		return nil
	}

	var lastErr error
	for _, dest := range ruf {
		u, err := url.Parse(dest)
		if err != nil || u.Scheme != "mailto" {
			continue
		}
		to := u.Opaque
		if to == "" {
			to = u.Path
		}

		if err := m.RateLimiter.IsAllowed(to + ":" + kind); err != nil {
			tr.Debugf("failure report to %s throttled: %v", to, err)
			continue
		}

		msg := buildReportMessage(m.ReportAddress, to, subject, body, "message/feedback-report")
		if err := m.Sender.SendMail(m.ReportAddress, to, msg); err != nil {
			lastErr = err
			reportsSent.Add("error", 1)
			continue
		}
		reportsSent.Add("ok", 1)
	}
	return lastErr
}

// Run flushes closed buckets every tick until ctx is cancelled. It's meant
// to run in its own goroutine, started from chasquid's main loop.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Window.duration() / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.flush(now)
		}
	}
}

func (m *Manager) flush(now time.Time) {
	tr := trace.New("Reporting.Flush", m.ReportingDomain)
	defer tr.Finish()

	m.mu.Lock()
	due := m.Window.duration()

	var dmarcDone []*dmarcBucket
	for k, b := range m.dmarc {
		if now.Sub(b.begin) >= due {
			dmarcDone = append(dmarcDone, b)
			delete(m.dmarc, k)
		}
	}

	var tlsDone []*tlsBucket
	for k, b := range m.tls {
		if now.Sub(b.begin) >= due {
			tlsDone = append(tlsDone, b)
			delete(m.tls, k)
		}
	}
	m.mu.Unlock()

	for _, b := range dmarcDone {
		if err := m.emitDMARC(tr, b, now); err != nil {
			tr.Errorf("dmarc report for %s: %v", b.domain, err)
		}
	}
	for _, b := range tlsDone {
		if err := m.emitTLS(tr, b, now); err != nil {
			tr.Errorf("tls report for %s: %v", b.domain, err)
		}
	}
}

func (m *Manager) emitDMARC(tr *trace.Trace, b *dmarcBucket, end time.Time) error {
	report := buildDMARCReport(m.ReportingDomain, b, end)
	payload, err := xml.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	payload = append([]byte(xml.Header), payload...)

	reportsGenerated.Add("dmarc", 1)
	return m.deliver(tr, b.rua, "dmarc", fmt.Sprintf("%s!%d!%d.xml",
		m.ReportingDomain, b.begin.Unix(), end.Unix()), payload, "application/xml")
}

func (m *Manager) emitTLS(tr *trace.Trace, b *tlsBucket, end time.Time) error {
	report := buildTLSReport(m.ReportingDomain, b, end)
	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}

	reportsGenerated.Add("tls", 1)
	return m.deliver(tr, b.rua, "tls", fmt.Sprintf("%s!%d!%d.json",
		m.ReportingDomain, b.begin.Unix(), end.Unix()), payload, "application/tlsrpt+json")
}

// deliver sends payload to every destination in rua, gzipping it first for
// https destinations (per spec) and mailing it as an attachment for
// mailto destinations.
func (m *Manager) deliver(tr *trace.Trace, rua []string, kind, filename string, payload []byte, contentType string) error {
	if len(rua) == 0 {
		return fmt.Errorf("no rua destinations configured")
	}

	var lastErr error
	for _, dest := range rua {
		u, err := url.Parse(dest)
		if err != nil {
			lastErr = err
			reportsSent.Add("error", 1)
			continue
		}

		switch u.Scheme {
		case "https":
			gz, err := m.compress(payload)
			if err != nil {
				lastErr = err
				reportsSent.Add("error", 1)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			err = m.Poster.PostReport(ctx, dest, contentType, gz)
			cancel()
			if err != nil {
				lastErr = err
				reportsSent.Add("error", 1)
				continue
			}
			reportsSent.Add("ok", 1)
		case "mailto":
			to := u.Opaque
			if to == "" {
				to = u.Path
			}
			body := buildReportMessage(m.ReportAddress, to, filename, payload, contentType)
			if err := m.Sender.SendMail(m.ReportAddress, to, body); err != nil {
				lastErr = err
				reportsSent.Add("error", 1)
				continue
			}
			reportsSent.Add("ok", 1)
		default:
			lastErr = fmt.Errorf("unsupported rua scheme %q", u.Scheme)
			reportsSent.Add("error", 1)
		}
	}

	tr.Debugf("%s report for %d destinations, last error: %v", kind, len(rua), lastErr)
	return lastErr
}

// compress gzips raw, using m.Compressor if set so the CPU-bound work
// happens off the flush loop's own goroutine.
func (m *Manager) compress(raw []byte) ([]byte, error) {
	if m.Compressor == nil {
		return gzipBytes(raw)
	}

	v, err := m.Compressor.Run(context.Background(), func(ctx context.Context) (interface{}, error) {
		return gzipBytes(raw)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildReportMessage wraps payload as a single-attachment MIME message,
// the minimal structure mail servers expect for DMARC/TLSRPT reports.
func buildReportMessage(from, to, filename string, payload []byte, contentType string) []byte {
	boundary := "report-" + uuid.NewString()

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: Report Domain: %s\r\n", from)
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", boundary)
	fmt.Fprintf(&b, "--%s\r\n", boundary)
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(&b, "Content-Disposition: attachment; filename=%q\r\n\r\n", filename)
	b.Write(payload)
	fmt.Fprintf(&b, "\r\n--%s--\r\n", boundary)

	return []byte(b.String())
}

// QueueSender adapts a queue-like object to the Sender interface.
type QueueSender struct {
	Put func(tr *trace.Trace, from string, to []string, data []byte) (string, error)
}

func (q QueueSender) SendMail(from string, to string, data []byte) error {
	tr := trace.New("Reporting.Send", to)
	defer tr.Finish()
	_, err := q.Put(tr, from, []string{to}, data)
	return err
}
