package queue

import (
	"fmt"
	"strings"
	"time"

	"blitiri.com.ar/go/chasquid/internal/envelope"
)

// Message is the envelope-level content of a queued mail: one sender, one
// or more original recipients (To), an ordered list of destination
// Domains, and one resolved Recipient per actual delivery target (a
// single "To" entry can resolve to several Recipients via forward/pipe
// aliases). Each Recipient references its destination by index into
// Domains, so several recipients at the same remote domain share one
// domain-level delivery record instead of each tracking it independently.
//
// This used to be backed by a generated protobuf message; since this
// module doesn't carry generated .pb.go code for it, it's a plain
// JSON-serializable struct instead (see DESIGN.md).
type Message struct {
	ID      string
	From    string
	To      []string
	Domains []*Domain
	Rcpt    []*Recipient
	Data    []byte
}

// DomainStatus is the aggregate delivery status of every Recipient that
// shares a Domain record.
type DomainStatus int

// Domain statuses.
const (
	// DomainScheduled: at least one recipient at this domain is still
	// pending, either waiting for its first attempt or a retry.
	DomainScheduled DomainStatus = iota
	// DomainCompleted: every recipient at this domain was delivered.
	DomainCompleted
	// DomainTemporaryFailure: the most recent attempt at this domain
	// failed with a retriable error; Error holds its text.
	DomainTemporaryFailure
	// DomainPermanentFailure: delivery to this domain gave up, either
	// because the remote host rejected it permanently or because the
	// queue's GiveUpAfter elapsed; Error holds the last failure text.
	DomainPermanentFailure
)

func (s DomainStatus) String() string {
	switch s {
	case DomainScheduled:
		return "SCHEDULED"
	case DomainCompleted:
		return "COMPLETED"
	case DomainTemporaryFailure:
		return "TEMPORARY_FAILURE"
	case DomainPermanentFailure:
		return "PERMANENT_FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Domain is the delivery record shared by every Recipient whose address
// resolves to the same destination (for Recipient_EMAIL/Recipient_FORWARD,
// the domain of the address plus the forward path; for Recipient_PIPE, a
// synthetic per-recipient name, since pipes have no real domain to batch
// on). The queue's schedule dispatches at Message granularity, and Domain
// is where per-destination bookkeeping (attempts, last response) lives,
// matching how a real SMTP transaction is usually one connection
// per destination domain carrying several RCPT TOs.
type Domain struct {
	Name   string
	Status DomainStatus

	// Error is the last failure's message text, set for
	// DomainTemporaryFailure/DomainPermanentFailure only.
	Error string

	// HostResponse is the last raw response line the remote host sent for
	// this domain, if any. Populated from courier.DeliveryError when a
	// courier.SMTP attempt fails with a protocol-level error; empty for
	// local/pipe deliveries and for failures that never reach the wire
	// (dial timeouts, DNS errors).
	HostResponse string

	// NextAttempt is not written by the queue and stays zero: the next
	// retry time is kept per Message in the queue's schedule, not per
	// Domain.
	NextAttempt time.Time

	// Attempts counts delivery attempts made for recipients at this
	// domain, across all of them.
	Attempts int
}

// Recipient_Type is the kind of delivery target a Recipient represents.
type Recipient_Type int

// Recipient types.
const (
	Recipient_EMAIL Recipient_Type = iota
	Recipient_PIPE
	Recipient_FORWARD
)

func (t Recipient_Type) String() string {
	switch t {
	case Recipient_EMAIL:
		return "email"
	case Recipient_PIPE:
		return "pipe"
	case Recipient_FORWARD:
		return "forward"
	default:
		return "unknown"
	}
}

// Recipient_Status is the delivery status of one Recipient.
type Recipient_Status int

// Recipient statuses.
const (
	Recipient_PENDING Recipient_Status = iota
	Recipient_SENT
	Recipient_FAILED
)

func (s Recipient_Status) String() string {
	switch s {
	case Recipient_PENDING:
		return "PENDING"
	case Recipient_SENT:
		return "SENT"
	case Recipient_FAILED:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Recipient is one concrete delivery target for a Message.
type Recipient struct {
	Address            string
	Type               Recipient_Type
	Status             Recipient_Status
	OriginalAddress    string
	LastFailureMessage string

	// DomainIdx indexes into Message.Domains: the destination this
	// recipient's deliveries are tracked and scheduled under.
	DomainIdx int

	// Via is the list of servers to forward through, for Recipient_FORWARD.
	Via []string

	// NumAttempts counts how many delivery attempts have been made.
	NumAttempts int
}

// domainKeyFor returns the Domain-grouping key for a resolved recipient:
// destination domain for email, domain+via path for forwards (since two
// forwards to the same domain but different via lists are different
// transports), and a unique per-recipient key for pipes (each pipe
// command is its own delivery target, nothing to batch).
func domainKeyFor(rtype Recipient_Type, address string, via []string, pipeIdx int) string {
	switch rtype {
	case Recipient_PIPE:
		return fmt.Sprintf("(pipe #%d)", pipeIdx)
	case Recipient_FORWARD:
		return envelope.DomainOf(address) + "|" + strings.Join(via, ",")
	default:
		return envelope.DomainOf(address)
	}
}

// domainIndex returns the index into m.Domains for key, appending a new
// Domain record if this is the first recipient to use it.
func (m *Message) domainIndex(key string) int {
	for i, d := range m.Domains {
		if d.Name == key {
			return i
		}
	}
	m.Domains = append(m.Domains, &Domain{Name: key, Status: DomainScheduled})
	return len(m.Domains) - 1
}

// ensureDomains backfills Domains/Recipient.DomainIdx for a Message
// loaded from a queue file written before Domains existed. A no-op once
// every recipient already has a valid index.
func (m *Message) ensureDomains() {
	if len(m.Domains) > 0 {
		return
	}
	pipeIdx := 0
	for _, r := range m.Rcpt {
		if r.Type == Recipient_PIPE {
			pipeIdx++
		}
		key := domainKeyFor(r.Type, r.Address, r.Via, pipeIdx)
		r.DomainIdx = m.domainIndex(key)
	}
}
