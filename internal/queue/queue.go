// Package queue implements the durable outbound mail queue: accepted
// envelopes are put in the queue and processed asynchronously, with a
// configurable per-domain retry curve, on-hold parking for throttled
// domains, and delivery status notifications for permanent and
// give-up failures.
package queue

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"blitiri.com.ar/go/chasquid/internal/aliases"
	"blitiri.com.ar/go/chasquid/internal/courier"
	"blitiri.com.ar/go/chasquid/internal/envelope"
	"blitiri.com.ar/go/chasquid/internal/expvarom"
	"blitiri.com.ar/go/chasquid/internal/maillog"
	"blitiri.com.ar/go/chasquid/internal/safeio"
	"blitiri.com.ar/go/chasquid/internal/set"
	"blitiri.com.ar/go/chasquid/internal/throttle"
	"blitiri.com.ar/go/chasquid/internal/trace"
	"blitiri.com.ar/go/log"

	"golang.org/x/net/idna"
)

const (
	// Prefix for item file names.
	// This is for convenience, versioning, and to be able to tell them apart
	// temporary files and other cruft.
	// It's important that it's outside the base64 space so it doesn't get
	// generated accidentally.
	itemFilePrefix = "m:"
)

var (
	errQueueFull = fmt.Errorf("Queue size too big, try again later")
)

// Exported variables.
var (
	putCount = expvarom.NewInt("chasquid/queue/putCount",
		"count of envelopes attempted to be put in the queue")
	itemsWritten = expvarom.NewInt("chasquid/queue/itemsWritten",
		"count of items the queue wrote to disk")
	dsnQueued = expvarom.NewInt("chasquid/queue/dsnQueued",
		"count of DSNs that we generated (queued)")
	deliverAttempts = expvarom.NewMap("chasquid/queue/deliverAttempts",
		"recipient_type", "attempts to deliver mail, by recipient type")
	onHoldCount = expvarom.NewInt("chasquid/queue/onHold",
		"count of recipients currently parked on-hold")
)

// defaultRetryCurve is used for domains with no specific curve configured:
// four bounded retries at increasing intervals, saturating at the last
// entry for any attempt beyond it.
var defaultRetryCurve = []time.Duration{
	1 * time.Minute, 5 * time.Minute, 10 * time.Minute, 20 * time.Minute,
}

// Channel used to get random IDs for items in the queue.
var newID chan string

func generateNewIDs() {
	// The IDs are only used internally, we are ok with using a PRNG.
	// IDs are base64(8 random bytes), but the code doesn't care.
	buf := make([]byte, 8)
	for {
		binary.NativeEndian.PutUint64(buf, rand.Uint64())
		newID <- base64.RawURLEncoding.EncodeToString(buf)
	}
}

func init() {
	newID = make(chan string, 4)
	go generateNewIDs()
}

// Queue that keeps mail waiting for delivery.
type Queue struct {
	// Couriers to use to deliver mail.
	localC  courier.Courier
	remoteC courier.Courier

	// Domains we consider local.
	localDomains *set.String

	// Path where we store the queue.
	path string

	// Aliases resolver.
	aliases *aliases.Resolver

	// The maximum number of items in the queue.
	MaxItems int

	// Give up sending attempts after this long.
	GiveUpAfter time.Duration

	// RetryCurve is the default per-attempt delay vector: attempt i waits
	// RetryCurve[min(i, len-1)], plus jitter. An empty curve means "retry
	// once, immediately, then give up" (spec's documented fallback for a
	// misconfigured empty vector).
	RetryCurve []time.Duration

	// DomainRetryCurves overrides RetryCurve for specific destination
	// domains (e.g. a known-slow partner that should be retried more
	// patiently).
	DomainRetryCurves map[string][]time.Duration

	// Concurrency limiter, shared across all in-flight deliveries to the
	// same destination domain, so a single slow domain can't monopolize
	// every delivery worker goroutine.
	domainLimiter *throttle.KeyedConcurrencyLimiter

	// Mutex protecting q, schedule and scheduleIdx.
	mu sync.RWMutex

	// Items in the queue. Map of id -> Item.
	q map[string]*Item

	// schedule is the single priority heap the dispatch loop pops from:
	// whichever message is due soonest runs next, regardless of when it
	// was put in the queue or how many other messages are waiting.
	schedule    schedule
	scheduleIdx map[string]*scheduleEntry

	// wakeC lets Put/Retry/scheduleAt cut the dispatch loop's current
	// idle wait short, instead of it sleeping until the previous
	// earliest-due entry's time even though something sooner just
	// arrived. Buffered so a wake-up while the loop isn't waiting isn't
	// lost.
	wakeC chan struct{}
}

// New creates a new Queue instance.
func New(path string, localDomains *set.String, aliases *aliases.Resolver,
	localC, remoteC courier.Courier) (*Queue, error) {

	err := os.MkdirAll(path, 0700)
	q := &Queue{
		q:            map[string]*Item{},
		localC:       localC,
		remoteC:      remoteC,
		localDomains: localDomains,
		path:         path,
		aliases:      aliases,

		// We reject emails when we hit this.
		// Note the actual default used in the daemon is set in the config. We
		// put a non-zero value here just to be safe.
		MaxItems: 100,

		// We give up sending (and return a DSN) after this long.
		// Note the actual default used in the daemon is set in the config. We
		// put a non-zero value here just to be safe.
		GiveUpAfter: 20 * time.Hour,

		RetryCurve:        defaultRetryCurve,
		DomainRetryCurves: map[string][]time.Duration{},
		domainLimiter:     throttle.NewKeyedConcurrencyLimiter(10),

		scheduleIdx: map[string]*scheduleEntry{},
		wakeC:       make(chan struct{}, 1),
	}

	go q.dispatchLoop()

	return q, err
}

// dispatchLoop is the queue's single Manager goroutine: it owns the
// schedule heap, always waking at exactly the next due message rather
// than polling, and hands each due message off to its own attempt
// goroutine so slow or stuck deliveries don't hold up the rest of the
// queue.
func (q *Queue) dispatchLoop() {
	for {
		wait := q.nextDue()
		if wait < 0 {
			wait = 0
		}

		select {
		case <-time.After(wait):
		case <-q.wakeC:
		}

		for {
			entry, ok := q.popDue()
			if !ok {
				break
			}
			item, ok := q.Get(entry.itemID)
			if !ok {
				// Removed (delivered/cancelled) between being scheduled
				// and becoming due.
				continue
			}
			go q.runAttempt(item, entry.attempt)
		}
	}
}

// runAttempt makes one delivery pass over item's still-pending
// recipients, then either finishes it off (DSN + remove) or reschedules
// it for its next retry.
func (q *Queue) runAttempt(item *Item, attempt int) {
	tr := trace.New("Queue.SendLoop", item.ID)
	defer tr.Finish()
	tr.Printf("from %s, attempt %d", item.From, attempt)

	var wg sync.WaitGroup
	for _, rcpt := range item.Rcpt {
		if rcpt.Status != Recipient_PENDING {
			continue
		}
		wg.Add(1)
		go item.sendOneRcpt(&wg, tr, q, rcpt)
	}
	wg.Wait()

	// If every pending recipient has an empty retry curve, the item gets
	// one immediate retry after its first attempt, and then gives up.
	emptyCurves := item.countRcpt(Recipient_PENDING) > 0
	for _, rcpt := range item.Rcpt {
		if rcpt.Status == Recipient_PENDING && len(q.retryCurveFor(envelope.DomainOf(rcpt.Address))) > 0 {
			emptyCurves = false
		}
	}

	if item.countRcpt(Recipient_PENDING) == 0 || time.Since(item.CreatedAt) >= q.GiveUpAfter || (emptyCurves && attempt >= 1) {
		if item.countRcpt(Recipient_FAILED, Recipient_PENDING) > 0 && item.From != "<>" {
			item.Lock()
			for _, rcpt := range item.Rcpt {
				if rcpt.Status == Recipient_PENDING {
					item.Domains[rcpt.DomainIdx].Status = DomainPermanentFailure
					if item.Domains[rcpt.DomainIdx].Error == "" {
						item.Domains[rcpt.DomainIdx].Error = "gave up retrying"
					}
				}
			}
			item.Unlock()
			sendDSN(tr, q, item)
		}

		tr.Printf("all done")
		maillog.QueueLoop(item.ID, item.From, 0)
		q.Remove(item.ID)
		return
	}

	delay := q.nextDelay(item, attempt)
	if emptyCurves {
		delay = 0
	}
	tr.Printf("waiting for %v", delay)
	maillog.QueueLoop(item.ID, item.From, delay)
	q.scheduleAt(item.ID, attempt+1, time.Now().Add(delay))
}

// Load the queue and launch the sending loops on startup.
func (q *Queue) Load() error {
	files, err := filepath.Glob(q.path + "/" + itemFilePrefix + "*")
	if err != nil {
		return err
	}

	for _, fname := range files {
		item, err := ItemFromFile(fname)
		if err != nil {
			log.Errorf("error loading queue item from %q: %v", fname, err)
			continue
		}

		q.mu.Lock()
		q.q[item.ID] = item
		q.mu.Unlock()

		q.scheduleAt(item.ID, 0, time.Now())
	}

	return nil
}

// Len returns the number of elements in the queue.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.q)
}

// Put an envelope in the queue.
func (q *Queue) Put(tr *trace.Trace, from string, to []string, data []byte) (string, error) {
	tr = tr.NewChild("Queue.Put", from)
	defer tr.Finish()

	if nItems := q.Len(); nItems >= q.MaxItems {
		tr.Errorf("queue full (%d items)", nItems)
		return "", errQueueFull
	}
	putCount.Add(1)

	item := &Item{
		Message: Message{
			ID:   <-newID,
			From: from,
			Data: data,
		},
		CreatedAt: time.Now(),
	}

	pipeIdx := 0
	for _, t := range to {
		item.To = append(item.To, t)

		rcpts, err := q.aliases.Resolve(tr, t)
		if err != nil {
			return "", fmt.Errorf("error resolving aliases for %q: %v", t, err)
		}

		// Add the recipients (after resolving aliases); this conversion is
		// not very pretty but at least it's self contained.
		for _, aliasRcpt := range rcpts {
			r := &Recipient{
				Address:         aliasRcpt.Addr,
				Status:          Recipient_PENDING,
				OriginalAddress: t,
			}
			switch aliasRcpt.Type {
			case aliases.EMAIL:
				r.Type = Recipient_EMAIL
			case aliases.PIPE:
				r.Type = Recipient_PIPE
			case aliases.FORWARD:
				r.Type = Recipient_FORWARD
				r.Via = aliasRcpt.Via
			default:
				log.Errorf("unknown alias type %v when resolving %q",
					aliasRcpt.Type, t)
				return "", tr.Errorf("internal error - unknown alias type")
			}

			if r.Type == Recipient_PIPE {
				pipeIdx++
			}
			key := domainKeyFor(r.Type, r.Address, r.Via, pipeIdx)
			r.DomainIdx = item.Message.domainIndex(key)

			item.Rcpt = append(item.Rcpt, r)
			tr.Debugf("recipient: %v", r.Address)
		}
	}

	err := item.WriteTo(q.path)
	if err != nil {
		return "", tr.Errorf("failed to write item: %v", err)
	}

	q.mu.Lock()
	q.q[item.ID] = item
	q.mu.Unlock()

	// Begin to send it right away.
	q.scheduleAt(item.ID, 0, time.Now())

	tr.Debugf("queued")
	return item.ID, nil
}

// Remove an item from the queue.
func (q *Queue) Remove(id string) {
	path := fmt.Sprintf("%s/%s%s", q.path, itemFilePrefix, id)
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		log.Errorf("failed to remove queue file %q: %v", path, err)
	}

	q.mu.Lock()
	delete(q.q, id)
	q.mu.Unlock()
	q.unschedule(id)
}

// Get returns the item with the given id, if present.
func (q *Queue) Get(id string) (*Item, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	item, ok := q.q[id]
	return item, ok
}

// Items returns a snapshot slice of all items currently in the queue,
// for use by the management control plane (internal/control).
func (q *Queue) Items() []*Item {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*Item, 0, len(q.q))
	for _, item := range q.q {
		out = append(out, item)
	}
	return out
}

// Retry brings the given item's next scheduled attempt forward to now, so
// the control plane can force an immediate retry instead of waiting out
// its current backoff. Returns false if the item isn't in the queue; if
// it's in the queue but has no pending schedule entry (an attempt is
// already running right now), it's a no-op that still returns true.
func (q *Queue) Retry(id string) bool {
	if _, ok := q.Get(id); !ok {
		return false
	}

	q.mu.Lock()
	e, scheduled := q.scheduleIdx[id]
	if scheduled {
		q.scheduleAtLocked(id, e.attempt, time.Now())
	}
	q.mu.Unlock()

	if scheduled {
		q.wakeDispatchLoop()
	}
	return true
}

// Cancel removes an item from the queue entirely, without attempting
// further delivery. Used by the management control plane to drop a
// message an operator decided not to keep retrying.
func (q *Queue) Cancel(id string) bool {
	if _, ok := q.Get(id); !ok {
		return false
	}
	q.Remove(id)
	return true
}

// retryCurveFor returns the retry curve to use for deliveries to domain.
func (q *Queue) retryCurveFor(domain string) []time.Duration {
	if c, ok := q.DomainRetryCurves[domain]; ok {
		return c
	}
	return q.RetryCurve
}

// DumpString returns a human-readable string with the current queue.
// Useful for debugging purposes.
func (q *Queue) DumpString() string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	s := "# Queue status\n\n"
	s += fmt.Sprintf("date: %v\n", time.Now())
	s += fmt.Sprintf("length: %d\n\n", len(q.q))

	for id, item := range q.q {
		s += fmt.Sprintf("## Item %s\n", id)
		item.Lock()
		s += fmt.Sprintf("created at: %s\n", item.CreatedAt)
		s += fmt.Sprintf("from: %s\n", item.From)
		s += fmt.Sprintf("to: %s\n", item.To)
		for i, d := range item.Domains {
			s += fmt.Sprintf("domain[%d] %s: %s", i, d.Name, d.Status)
			if d.Error != "" {
				s += fmt.Sprintf(" (%s)", d.Error)
			}
			s += "\n"
		}
		for _, rcpt := range item.Rcpt {
			s += fmt.Sprintf("%s %s (%s) domain[%d]\n", rcpt.Status, rcpt.Address,
				rcpt.Type, rcpt.DomainIdx)
			s += fmt.Sprintf("  original address: %s\n", rcpt.OriginalAddress)
			s += fmt.Sprintf("  last failure: %q\n", rcpt.LastFailureMessage)
		}
		item.Unlock()
		s += "\n"
	}

	return s
}

// An Item in the queue.
type Item struct {
	Message

	// Protect the entire item.
	sync.Mutex

	CreatedAt time.Time
}

// onDiskItem is the JSON serialization of an Item: the embedded Message
// plus CreatedAt, written atomically via safeio (there is no generated
// protobuf message for this in the module, see DESIGN.md).
type onDiskItem struct {
	Message
	CreatedAt time.Time
}

// ItemFromFile loads an item from the given file.
func ItemFromFile(fname string) (*Item, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return nil, err
	}

	od := &onDiskItem{}
	if err := json.Unmarshal(raw, od); err != nil {
		return nil, err
	}

	od.Message.ensureDomains()

	return &Item{
		Message:   od.Message,
		CreatedAt: od.CreatedAt,
	}, nil
}

// WriteTo saves an item to the given directory.
func (item *Item) WriteTo(dir string) error {
	item.Lock()
	od := onDiskItem{Message: item.Message, CreatedAt: item.CreatedAt}
	item.Unlock()

	itemsWritten.Add(1)

	raw, err := json.Marshal(od)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("%s/%s%s", dir, itemFilePrefix, item.ID)
	return safeio.WriteFile(path, raw, 0600)
}

// nextDelay picks the wait before the next batch of retries, based on the
// slowest recipient domain's configured curve and the current attempt
// index, perturbed so a restart doesn't cause a thundering herd.
func (q *Queue) nextDelay(item *Item, attempt int) time.Duration {
	var longest time.Duration

	for _, rcpt := range item.Rcpt {
		if rcpt.Status != Recipient_PENDING {
			continue
		}
		curve := q.retryCurveFor(envelope.DomainOf(rcpt.Address))
		if len(curve) == 0 {
			// Empty vector: no delay of its own; runAttempt retries an
			// item whose pending recipients all have one once, immediately.
			continue
		}
		idx := attempt
		if idx >= len(curve) {
			idx = len(curve) - 1
		}
		if curve[idx] > longest {
			longest = curve[idx]
		}
	}

	if longest == 0 {
		longest = 1 * time.Minute
	}

	return longest + rand.N(60*time.Second)
}

// sendOneRcpt, and update it with the results.
func (item *Item) sendOneRcpt(wg *sync.WaitGroup, tr *trace.Trace, q *Queue, rcpt *Recipient) {
	defer wg.Done()
	to := rcpt.Address

	domain := envelope.DomainOf(to)
	permit, err := q.domainLimiter.Acquire(domain)
	if err != nil {
		// Domain is at its concurrency cap: park this recipient on-hold
		// for this round rather than counting it as a failed attempt.
		tr.Debugf("%s on-hold: %v", to, err)
		onHoldCount.Add(1)
		return
	}
	defer func() {
		permit.Drop()
		onHoldCount.Add(-1)
	}()

	tr.Debugf("%s sending", to)

	deliverErr, permanent := item.deliver(q, rcpt)

	item.Lock()
	rcpt.NumAttempts++
	if deliverErr != nil {
		rcpt.LastFailureMessage = deliverErr.Error()
		if permanent {
			tr.Errorf("%s permanent error: %v", to, deliverErr)
			maillog.SendAttempt(item.ID, item.From, to, deliverErr, true)
			rcpt.Status = Recipient_FAILED
		} else {
			tr.Printf("%s temporary error: %v", to, deliverErr)
			maillog.SendAttempt(item.ID, item.From, to, deliverErr, false)
		}
	} else {
		tr.Printf("%s sent", to)
		maillog.SendAttempt(item.ID, item.From, to, nil, false)
		rcpt.Status = Recipient_SENT
	}
	item.recomputeDomainStatus(rcpt.DomainIdx, deliverErr, permanent)
	item.Unlock()

	if err := item.WriteTo(q.path); err != nil {
		tr.Errorf("failed to write: %v", err)
	}
}

// recomputeDomainStatus updates the Domain record at idx to reflect the
// outcome of the attempt that just finished for one of its recipients,
// and the aggregate state of every recipient that shares it. Must be
// called with item locked.
func (item *Item) recomputeDomainStatus(idx int, deliverErr error, permanent bool) {
	d := item.Domains[idx]
	d.Attempts++

	if deliverErr != nil {
		d.Error = deliverErr.Error()
		if hr, ok := deliverErr.(interface{ HostResponse() string }); ok {
			d.HostResponse = hr.HostResponse()
		}
	}

	anyPending, anyFailed := false, false
	for _, r := range item.Rcpt {
		if r.DomainIdx != idx {
			continue
		}
		switch r.Status {
		case Recipient_PENDING:
			anyPending = true
		case Recipient_FAILED:
			anyFailed = true
		}
	}

	switch {
	case anyPending && deliverErr != nil && !permanent:
		d.Status = DomainTemporaryFailure
	case anyPending:
		d.Status = DomainScheduled
	case anyFailed:
		d.Status = DomainPermanentFailure
	default:
		d.Status = DomainCompleted
		d.Error = ""
	}
}

// deliver the item to the given recipient, using the couriers from the queue.
// Return an error (if any), and whether it is permanent or not.
func (item *Item) deliver(q *Queue, rcpt *Recipient) (err error, permanent bool) {
	if rcpt.Type == Recipient_PIPE {
		deliverAttempts.Add("pipe", 1)
		c := strings.Fields(rcpt.Address)
		if len(c) == 0 {
			return fmt.Errorf("empty pipe"), true
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		cmd := exec.CommandContext(ctx, c[0], c[1:]...)
		cmd.Stdin = bytes.NewReader(item.Data)
		return cmd.Run(), true
	}

	// Recipient type is FORWARD: we always use the remote courier, and pass
	// the list of servers that was given to us.
	if rcpt.Type == Recipient_FORWARD {
		deliverAttempts.Add("forward", 1)

		// When forwarding with an explicit list of servers, we use SRS if
		// we're sending from a non-local domain (regardless of the
		// destination).
		from := item.From
		if !envelope.DomainIn(item.From, q.localDomains) {
			from = rewriteSender(item.From, rcpt.OriginalAddress)
		}
		return q.remoteC.Forward(from, rcpt.Address, item.Data, rcpt.Via)
	}

	// Recipient type is EMAIL.
	if envelope.DomainIn(rcpt.Address, q.localDomains) {
		deliverAttempts.Add("email:local", 1)
		return q.localC.Deliver(item.From, rcpt.Address, item.Data)
	}

	deliverAttempts.Add("email:remote", 1)
	from := item.From
	if !envelope.DomainIn(item.From, q.localDomains) {
		// We're sending from a non-local to a non-local, need to do SRS.
		from = rewriteSender(item.From, rcpt.OriginalAddress)
	}
	return q.remoteC.Deliver(from, rcpt.Address, item.Data)
}

func rewriteSender(from, originalAddr string) string {
	// Apply a send-only Sender Rewriting Scheme (SRS).
	// This is used when we are sending from a (potentially) non-local domain,
	// to a non-local domain.
	// This should happen only when there's an alias to forward email to a
	// non-local domain (either a normal "email" alias with a remote
	// destination, or a "forward" alias with a list of servers).
	// In this case, using the original From is problematic, as we may not be
	// an authorized sender for this.
	// To do this, we use a sender rewriting scheme, similar to what other
	// MTAs do (e.g. gmail or postfix).
	// Note this assumes "+" is an alias suffix separator.
	// We use the IDNA version of the domain if possible, because
	// we can't know if the other side will support SMTPUTF8.
	return fmt.Sprintf("%s+fwd_from=%s@%s",
		envelope.UserOf(originalAddr),
		strings.Replace(from, "@", "=", -1),
		mustIDNAToASCII(envelope.DomainOf(originalAddr)))
}

// countRcpt counts how many recipients are in the given status.
func (item *Item) countRcpt(statuses ...Recipient_Status) int {
	c := 0
	for _, rcpt := range item.Rcpt {
		for _, status := range statuses {
			if rcpt.Status == status {
				c++
				break
			}
		}
	}
	return c
}

func sendDSN(tr *trace.Trace, q *Queue, item *Item) {
	tr.Debugf("sending DSN")

	// Pick a (local) domain to send the DSN from. We should always find one,
	// as otherwise we're relaying.
	domain := "unknown"
	if item.From != "<>" && envelope.DomainIn(item.From, q.localDomains) {
		domain = envelope.DomainOf(item.From)
	} else {
		for _, rcpt := range item.Rcpt {
			if envelope.DomainIn(rcpt.OriginalAddress, q.localDomains) {
				domain = envelope.DomainOf(rcpt.OriginalAddress)
				break
			}
		}
	}

	msg, err := deliveryStatusNotification(domain, item)
	if err != nil {
		tr.Errorf("failed to build DSN: %v", err)
		return
	}

	id, err := q.Put(tr, "<>", []string{item.From}, msg)
	if err != nil {
		tr.Errorf("failed to queue DSN: %v", err)
		return
	}

	tr.Printf("queued DSN: %s", id)
	dsnQueued.Add(1)
}

func mustIDNAToASCII(s string) string {
	a, err := idna.ToASCII(s)
	if err != nil {
		return s
	}
	return a
}
