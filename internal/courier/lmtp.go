package courier

import (
	"net"
	"net/textproto"
	"os"
	"time"

	"blitiri.com.ar/go/chasquid/internal/normalize"
	"blitiri.com.ar/go/chasquid/internal/trace"
)

// LMTP delivers mail locally via the Local Mail Transfer Protocol (RFC
// 2033), dialing a fixed downstream server (commonly a Dovecot LMTP
// socket) instead of executing an external binary like MDA does.
//
// Unlike regular SMTP, LMTP gives a distinct status per RCPT TO at DATA
// time; since Deliver only ever hands us one recipient, we only read one
// such reply.
type LMTP struct {
	// Addr is the address to dial, in the form expected by net.Dial (for
	// example "dovecot.sock" for a unix socket, or "localhost:24" for tcp).
	Addr string

	// Network is the network to use, e.g. "unix" or "tcp". If empty, it is
	// guessed from Addr: a leading "/" implies "unix", otherwise "tcp".
	Network string

	// HelloDomain is the domain to use in the LHLO command.
	HelloDomain string

	Timeout time.Duration
}

func (l *LMTP) network() string {
	if l.Network != "" {
		return l.Network
	}
	if len(l.Addr) > 0 && l.Addr[0] == '/' {
		return "unix"
	}
	return "tcp"
}

// Deliver an email via LMTP. On failures, returns an error, and whether or
// not it is permanent.
func (l *LMTP) Deliver(from string, to string, data []byte) (error, bool) {
	tr := trace.New("Courier.LMTP", to)
	defer tr.Finish()
	tr.Debugf("%s  ->  %s", from, to)

	timeout := l.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	conn, err := net.DialTimeout(l.network(), l.Addr, timeout)
	if err != nil {
		return tr.Errorf("could not dial %s %s: %v", l.network(), l.Addr, err), false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	tc := textproto.NewConn(conn)
	defer tc.Close()

	if _, _, err := tc.ReadResponse(220); err != nil {
		return tr.Errorf("server greeting error: %v", err), false
	}

	hello := l.HelloDomain
	if hello == "" {
		hello, _ = os.Hostname()
	}

	if err := lmtpCmd(tc, 250, "LHLO %s", hello); err != nil {
		return tr.Errorf("LHLO: %v", err), false
	}

	if from == "<>" {
		from = ""
	}
	if err := lmtpCmd(tc, 250, "MAIL FROM:<%s>", from); err != nil {
		return tr.Errorf("MAIL FROM: %v", err), isPermanentLMTP(err)
	}

	if err := lmtpCmd(tc, 250, "RCPT TO:<%s>", to); err != nil {
		return tr.Errorf("RCPT TO: %v", err), isPermanentLMTP(err)
	}

	if err := lmtpCmd(tc, 354, "DATA"); err != nil {
		return tr.Errorf("DATA: %v", err), isPermanentLMTP(err)
	}

	w := tc.DotWriter()
	_, werr := w.Write(normalize.ToCRLF(data))
	cerr := w.Close()
	if werr != nil {
		return tr.Errorf("DATA writing: %v", werr), false
	}
	if cerr != nil {
		return tr.Errorf("DATA closing: %v", cerr), false
	}

	// One reply per recipient; we only sent one RCPT TO, so we read one.
	if _, _, err := tc.ReadResponse(250); err != nil {
		return tr.Errorf("delivery failed: %v", err), isPermanentLMTP(err)
	}

	_, _, _ = tc.Cmd("QUIT")

	tr.Debugf("delivered")
	return nil, false
}

// Forward implements Courier. LMTP has no notion of an explicit relay
// list distinct from Addr, so via is ignored.
func (l *LMTP) Forward(from string, to string, data []byte, via []string) (error, bool) {
	return l.Deliver(from, to, data)
}

func lmtpCmd(tc *textproto.Conn, expectCode int, format string, args ...interface{}) error {
	id, err := tc.Cmd(format, args...)
	if err != nil {
		return err
	}
	tc.StartResponse(id)
	defer tc.EndResponse(id)

	_, _, err = tc.ReadResponse(expectCode)
	return err
}

// isPermanentLMTP classifies a textproto error by its reply code: 5xx is
// permanent, everything else (4xx, connection errors) is transient.
func isPermanentLMTP(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := err.(*textproto.Error); ok {
		return pe.Code >= 500 && pe.Code < 600
	}
	return false
}
