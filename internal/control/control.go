// Package control implements chasquid's management plane: a way for an
// operator to list, retry, and cancel queued messages and open reporting
// aggregation windows, without reaching into the queue or reporting
// packages directly.
//
// The core of it is two Go channels (QueueControl, ReportControl)
// carrying tagged command structs, each with a one-shot reply channel.
// Run processes them serially against a *queue.Queue and
// *reporting.Manager, so callers never need to worry about concurrent
// access to those types beyond what they already provide. Router
// (http.go) fronts the same channels with a chi-routed JSON API.
package control

import (
	"fmt"

	"blitiri.com.ar/go/chasquid/internal/queue"
	"blitiri.com.ar/go/chasquid/internal/reporting"
)

// QueueOp identifies the operation a QueueCommand requests.
type QueueOp int

const (
	QueueList QueueOp = iota
	QueueCancel
	QueueRetry
)

// QueueCommand is a tagged request sent over QueueControl. Reply is
// always non-nil; the sender must read exactly one value from it.
type QueueCommand struct {
	Op    QueueOp
	ID    string // ignored for QueueList
	Reply chan QueueResult
}

// QueueResult is the outcome of a QueueCommand.
type QueueResult struct {
	Items []QueueItemInfo // populated for QueueList
	OK    bool            // populated for QueueCancel/QueueRetry
	Err   error
}

// QueueItemInfo is a flattened, JSON-friendly view of a *queue.Item.
type QueueItemInfo struct {
	ID         string          `json:"id"`
	From       string          `json:"from"`
	To         []string        `json:"to"`
	CreatedAt  string          `json:"created_at"`
	Recipients []RecipientInfo `json:"recipients"`
}

// RecipientInfo is a flattened view of a *queue.Recipient.
type RecipientInfo struct {
	Address            string `json:"address"`
	Status             string `json:"status"`
	LastFailureMessage string `json:"last_failure_message,omitempty"`
	NumAttempts        int    `json:"num_attempts"`
}

// ReportOp identifies the operation a ReportCommand requests.
type ReportOp int

const (
	ReportList ReportOp = iota
	ReportCancel
)

// ReportCommand is a tagged request sent over ReportControl.
type ReportCommand struct {
	Op          ReportOp
	Kind        string // "dmarc" or "tls", for ReportCancel
	Domain      string // for ReportCancel
	Fingerprint string // dmarc only, for ReportCancel
	Reply       chan ReportResult
}

// ReportResult is the outcome of a ReportCommand.
type ReportResult struct {
	Windows []reporting.WindowInfo // populated for ReportList
	OK      bool                   // populated for ReportCancel
	Err     error
}

// Controller owns the channels the management plane talks to, and the
// queue/reporting manager it dispatches commands against.
type Controller struct {
	QueueControl  chan QueueCommand
	ReportControl chan ReportCommand

	q  *queue.Queue
	rm *reporting.Manager
}

// New returns a Controller wired to the given queue and reporting
// manager. rm may be nil if reporting isn't configured; ReportCommands
// are then answered with an error rather than blocking forever.
func New(q *queue.Queue, rm *reporting.Manager) *Controller {
	return &Controller{
		QueueControl:  make(chan QueueCommand),
		ReportControl: make(chan ReportCommand),
		q:             q,
		rm:            rm,
	}
}

// Run processes commands from QueueControl and ReportControl until
// stopC is closed. Intended to be run in its own goroutine.
func (c *Controller) Run(stopC <-chan struct{}) {
	for {
		select {
		case <-stopC:
			return
		case cmd := <-c.QueueControl:
			cmd.Reply <- c.handleQueue(cmd)
		case cmd := <-c.ReportControl:
			cmd.Reply <- c.handleReport(cmd)
		}
	}
}

func (c *Controller) handleQueue(cmd QueueCommand) QueueResult {
	switch cmd.Op {
	case QueueList:
		items := c.q.Items()
		infos := make([]QueueItemInfo, 0, len(items))
		for _, item := range items {
			item.Lock()
			info := QueueItemInfo{
				ID:        item.ID,
				From:      item.From,
				To:        item.To,
				CreatedAt: item.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			}
			for _, r := range item.Rcpt {
				info.Recipients = append(info.Recipients, RecipientInfo{
					Address:            r.Address,
					Status:             r.Status.String(),
					LastFailureMessage: r.LastFailureMessage,
					NumAttempts:        r.NumAttempts,
				})
			}
			item.Unlock()
			infos = append(infos, info)
		}
		return QueueResult{Items: infos}

	case QueueCancel:
		return QueueResult{OK: c.q.Cancel(cmd.ID)}

	case QueueRetry:
		return QueueResult{OK: c.q.Retry(cmd.ID)}

	default:
		return QueueResult{Err: fmt.Errorf("unknown queue op %v", cmd.Op)}
	}
}

func (c *Controller) handleReport(cmd ReportCommand) ReportResult {
	if c.rm == nil {
		return ReportResult{Err: fmt.Errorf("reporting is not configured")}
	}

	switch cmd.Op {
	case ReportList:
		return ReportResult{Windows: c.rm.ListWindows()}

	case ReportCancel:
		ok := c.rm.CancelWindow(cmd.Kind, cmd.Domain, cmd.Fingerprint)
		return ReportResult{OK: ok}

	default:
		return ReportResult{Err: fmt.Errorf("unknown report op %v", cmd.Op)}
	}
}
