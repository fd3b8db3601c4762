package control

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"blitiri.com.ar/go/chasquid/internal/aliases"
	"blitiri.com.ar/go/chasquid/internal/queue"
	"blitiri.com.ar/go/chasquid/internal/reporting"
	"blitiri.com.ar/go/chasquid/internal/set"
	"blitiri.com.ar/go/chasquid/internal/testlib"
	"blitiri.com.ar/go/chasquid/internal/trace"
)

type nopSender struct{}

func (nopSender) SendMail(from, to string, data []byte) error { return nil }

func newTestController(t *testing.T) (*Controller, func()) {
	t.Helper()
	dir := testlib.MustTempDir(t)

	aliasesR := aliases.NewResolver()
	q, err := queue.New(dir, set.NewString("localhost"), aliasesR,
		&fakeCourier{}, &fakeCourier{})
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}

	rm := reporting.NewManager("localhost", "postmaster@localhost",
		reporting.Daily, nopSender{}, time.Now())

	c := New(q, rm)
	stopC := make(chan struct{})
	go c.Run(stopC)

	return c, func() {
		close(stopC)
		testlib.RemoveIfOk(t, dir)
	}
}

func TestQueueListEmpty(t *testing.T) {
	c, cleanup := newTestController(t)
	defer cleanup()

	srv := httptest.NewServer(c.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/queue/list")
	if err != nil {
		t.Fatalf("GET /queue/list: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var items []QueueItemInfo
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected no items, got %v", items)
	}
}

func TestQueueListAndCancel(t *testing.T) {
	c, cleanup := newTestController(t)
	defer cleanup()

	tr := trace.New("test", "TestQueueListAndCancel")
	defer tr.Finish()
	id, err := c.q.Put(tr, "from@localhost", []string{"to@localhost"}, []byte("data"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	srv := httptest.NewServer(c.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/queue/list")
	if err != nil {
		t.Fatalf("GET /queue/list: %v", err)
	}
	var items []QueueItemInfo
	json.NewDecoder(resp.Body).Decode(&items)
	resp.Body.Close()
	if len(items) != 1 || items[0].ID != id {
		t.Fatalf("unexpected items: %+v", items)
	}

	resp, err = http.Post(srv.URL+"/queue/cancel?id="+id, "", nil)
	if err != nil {
		t.Fatalf("POST /queue/cancel: %v", err)
	}
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/queue/cancel?id="+id, "", nil)
	if err != nil {
		t.Fatalf("POST /queue/cancel (repeat): %v", err)
	}
	if resp.StatusCode != 404 {
		t.Errorf("expected 404 cancelling a gone item, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestQueueRetryMissing(t *testing.T) {
	c, cleanup := newTestController(t)
	defer cleanup()

	srv := httptest.NewServer(c.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/queue/retry?id=doesnotexist", "", nil)
	if err != nil {
		t.Fatalf("POST /queue/retry: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestReportListAndCancel(t *testing.T) {
	c, cleanup := newTestController(t)
	defer cleanup()

	c.rm.AddDMARCRecord("example.com", "p=reject",
		[]string{"mailto:dmarc@reporter.example"},
		reporting.DMARCRow{SourceIP: "10.0.0.1", Count: 1})

	srv := httptest.NewServer(c.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/report/list")
	if err != nil {
		t.Fatalf("GET /report/list: %v", err)
	}
	var windows []reporting.WindowInfo
	json.NewDecoder(resp.Body).Decode(&windows)
	resp.Body.Close()
	if len(windows) != 1 || windows[0].Domain != "example.com" {
		t.Fatalf("unexpected windows: %+v", windows)
	}

	resp, err = http.Post(
		srv.URL+"/report/cancel?kind=dmarc&domain=example.com&fingerprint=p=reject",
		"", nil)
	if err != nil {
		t.Fatalf("POST /report/cancel: %v", err)
	}
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	resp.Body.Close()
}

func TestReportControlNilManager(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	aliasesR := aliases.NewResolver()
	q, err := queue.New(dir, set.NewString("localhost"), aliasesR,
		&fakeCourier{}, &fakeCourier{})
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}

	c := New(q, nil)
	stopC := make(chan struct{})
	go c.Run(stopC)
	defer close(stopC)

	srv := httptest.NewServer(c.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/report/list")
	if err != nil {
		t.Fatalf("GET /report/list: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with no reporting manager, got %d", resp.StatusCode)
	}
}

type fakeCourier struct{}

func (fakeCourier) Deliver(from, to string, data []byte) (error, bool) {
	return nil, false
}
func (fakeCourier) Forward(from, to string, data []byte, via []string) (error, bool) {
	return nil, false
}
