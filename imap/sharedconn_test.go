package imap

import (
	"errors"
	"testing"
	"time"

	"github.com/mailcore/imapsource/lalog"
)

func newTestSharedConn(ft *fakeTransport) *SharedConn {
	return NewSharedConn(NewSharedConnParams{
		Transport:    ft,
		Logger:       lalog.Logger{ComponentName: "test"},
		Metrics:      newSourceMetrics(),
		SourceKey:    "test",
		TimeoutSec:   5,
		Capabilities: newCapabilities([]string{"IMAP4rev1"}),
	})
}

// TestSharedConnHeldFlagLifecycle exercises the gate assertLocked checks,
// without exercising assertLocked's failure path itself: Logger.Abort
// calls log.Fatal, which this test suite cannot safely trigger without
// killing the test process.
func TestSharedConnHeldFlagLifecycle(t *testing.T) {
	conn := newTestSharedConn(newFakeTransport())
	defer conn.Quit()
	if conn.held {
		t.Fatal("expected held=false before any Acquire call")
	}
	release, err := conn.Acquire()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !conn.held {
		t.Fatal("expected held=true while the caller holds the acquisition")
	}
	release()
	if conn.held {
		t.Fatal("expected held=false after release")
	}
}

func TestSharedConnSelectCachesFolderSelection(t *testing.T) {
	ft := newFakeTransport()
	ft.addMailbox("INBOX", 1001)
	conn := newTestSharedConn(ft)
	defer conn.Quit()

	release, err := conn.Acquire()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()

	if _, err := conn.Select("INBOX", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := conn.Select("INBOX", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ft.callCount["Select"]; got != 1 {
		t.Fatalf("expected 1 real Select call due to caching, got %d", got)
	}

	if _, err := conn.Select("INBOX", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ft.callCount["Select"]; got != 2 {
		t.Fatalf("expected a second Select call for a different read-only flag, got %d", got)
	}
}

func TestSharedConnMailboxInfoDefaultsWithoutSelection(t *testing.T) {
	conn := newTestSharedConn(newFakeTransport())
	defer conn.Quit()
	release, err := conn.Acquire()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()
	if got := conn.MailboxInfo("UIDVALIDITY", "fallback"); got != "fallback" {
		t.Fatalf("got %q, want fallback", got)
	}
}

func TestSharedConnAcquireFailsOnDeadConnection(t *testing.T) {
	conn := newTestSharedConn(newFakeTransport())
	conn.Quit()
	_, err := conn.Acquire()
	if !errors.Is(err, ErrConnDead) {
		t.Fatalf("got %v, want ErrConnDead", err)
	}
}

// TestSharedConnAcquireSerializesConcurrentCallers exercises the same mutex
// gate the keepalive task's own Acquire call goes through: a second
// acquisition (standing in for a keepalive NOOP firing mid-call) must block
// until the first caller releases, never the other way around.
func TestSharedConnAcquireSerializesConcurrentCallers(t *testing.T) {
	conn := newTestSharedConn(newFakeTransport())
	defer conn.Quit()

	release1, err := conn.Acquire()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		release2, err := conn.Acquire()
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		close(acquired)
		release2()
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire must not succeed while the first caller still holds the connection")
	case <-time.After(50 * time.Millisecond):
	}

	release1()

	select {
	case <-acquired:
	case <-time.After(1 * time.Second):
		t.Fatal("second Acquire should have proceeded once the first caller released")
	}
}

// TestSharedConnForwardedCommandTimesOutUnderRunTimed confirms a Transport
// that never returns cannot wedge a forwarded command forever: SharedConn
// must still surface ErrTimedOut after TimeoutSec, per spec.md's promise
// that every forwarded command runs under the Timed Executor.
func TestSharedConnForwardedCommandTimesOutUnderRunTimed(t *testing.T) {
	ft := newFakeTransport()
	ft.noopBlock = make(chan struct{})
	t.Cleanup(func() { close(ft.noopBlock) }) // let the abandoned Noop goroutine finish
	conn := &SharedConn{
		transport: ft,
		logger:    lalog.Logger{ComponentName: "test"},
		metrics:   newSourceMetrics(),
		sourceKey: "test",
		timeout:   1,
	}
	conn.held = true
	_, err := conn.Noop(CommandOption{})
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("got %v, want ErrTimedOut", err)
	}
}

func TestSharedConnNonOKReplyBecomesProtocolError(t *testing.T) {
	ft := newFakeTransport()
	conn := newTestSharedConn(ft)
	defer conn.Quit()
	release, err := conn.Acquire()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()
	// INBOX was never added to ft.mailboxes, so Select reports "NO".
	_, err = conn.Select("INBOX", false)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("got %v, want ErrProtocol", err)
	}
}
