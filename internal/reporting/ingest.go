package reporting

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"path/filepath"
	"strings"

	"blitiri.com.ar/go/chasquid/internal/trace"
)

// Kind classifies an inbound report attachment.
type Kind int

const (
	KindUnknown Kind = iota
	KindDMARC
	KindTLS
	KindARF // message/feedback-report, RFC 6591 abuse/auth-failure reports
)

func (k Kind) String() string {
	switch k {
	case KindDMARC:
		return "dmarc"
	case KindTLS:
		return "tls"
	case KindARF:
		return "arf"
	default:
		return "unknown"
	}
}

// Attachment is one demultiplexed, decompressed inbound report payload.
type Attachment struct {
	Kind     Kind
	Filename string
	Payload  []byte

	// Parsed holds a *dmarcFeedback, *tlsrptReport, or nil (ARF/unknown are
	// logged as raw text, not structurally parsed).
	Parsed interface{}
}

// IngestMessage parses a message delivered to a configured report address:
// it walks the MIME tree, demultiplexes attachments by content-type and
// file extension, decompresses gzip/zip payloads, and classifies +
// parses each one. Malformed parts are skipped and unrecognized parts are
// returned as KindUnknown; neither drops the rest of the report.
func IngestMessage(tr *trace.Trace, data []byte) ([]Attachment, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing message: %v", err)
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		// No usable Content-Type: the message cannot be demultiplexed, so
		// it is rejected as a whole.
		tr.Debugf("no parseable content-type, treating body as opaque")
		return nil, fmt.Errorf("no parseable Content-Type: %v", err)
	}

	var atts []Attachment
	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(msg.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				tr.Errorf("multipart read error: %v", err)
				break
			}

			raw, err := io.ReadAll(part)
			if err != nil {
				tr.Errorf("reading part: %v", err)
				continue
			}

			a, err := classifyAndParse(part.FileName(), part.Header.Get("Content-Type"), raw)
			if err != nil {
				tr.Errorf("part %q: %v", part.FileName(), err)
				continue
			}
			atts = append(atts, a)
		}
	} else {
		raw, err := io.ReadAll(msg.Body)
		if err != nil {
			return nil, err
		}
		a, err := classifyAndParse("", mediaType, raw)
		if err != nil {
			return nil, err
		}
		atts = append(atts, a)
	}

	tr.Debugf("ingested %d report attachment(s)", len(atts))
	return atts, nil
}

func classifyAndParse(filename, contentType string, raw []byte) (Attachment, error) {
	ct, _, _ := mime.ParseMediaType(contentType)
	ext := strings.ToLower(filepath.Ext(filename))

	switch {
	case ct == "application/gzip" || ext == ".gz":
		decompressed, err := gunzip(raw)
		if err != nil {
			return Attachment{}, fmt.Errorf("gunzip: %v", err)
		}
		return classifyAndParse(strings.TrimSuffix(filename, ".gz"), "", decompressed)

	case ct == "application/zip" || ext == ".zip":
		return classifyZip(filename, raw)

	case ct == "application/xml" || ct == "text/xml" || ext == ".xml":
		return parseDMARCPayload(filename, raw)

	case ct == "application/json" || ct == "application/tlsrpt+json" || ext == ".json":
		return parseTLSPayload(filename, raw)

	case ct == "message/feedback-report" || strings.Contains(contentType, "feedback-report"):
		return Attachment{Kind: KindARF, Filename: filename, Payload: raw}, nil

	default:
		return Attachment{Kind: KindUnknown, Filename: filename, Payload: raw}, nil
	}
}

func classifyZip(filename string, raw []byte) (Attachment, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return Attachment{}, fmt.Errorf("opening zip: %v", err)
	}
	if len(zr.File) == 0 {
		return Attachment{}, fmt.Errorf("empty zip archive")
	}

	// DMARC aggregate reports are conventionally a single-file zip.
	f := zr.File[0]
	rc, err := f.Open()
	if err != nil {
		return Attachment{}, fmt.Errorf("opening %q in zip: %v", f.Name, err)
	}
	defer rc.Close()

	inner, err := io.ReadAll(rc)
	if err != nil {
		return Attachment{}, fmt.Errorf("reading %q in zip: %v", f.Name, err)
	}
	return classifyAndParse(f.Name, "", inner)
}

func gunzip(raw []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

func parseDMARCPayload(filename string, raw []byte) (Attachment, error) {
	var f dmarcFeedback
	if err := xml.Unmarshal(raw, &f); err != nil {
		return Attachment{}, fmt.Errorf("parsing DMARC XML: %v", err)
	}
	return Attachment{Kind: KindDMARC, Filename: filename, Payload: raw, Parsed: &f}, nil
}

func parseTLSPayload(filename string, raw []byte) (Attachment, error) {
	var r tlsrptReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return Attachment{}, fmt.Errorf("parsing TLSRPT JSON: %v", err)
	}
	return Attachment{Kind: KindTLS, Filename: filename, Payload: raw, Parsed: &r}, nil
}
