package imap

import (
	"bufio"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// wireTransport is the default Transport implementation: it speaks the
// Protocol's tagged command/response convention directly over a net.Conn.
// Its command/response loop is grounded on the teacher's IMAPS.converse:
// a random per-command tag disambiguates the final status line from any
// untagged data the server interleaves beforehand.
type wireTransport struct {
	conn       net.Conn
	reader     *bufio.Reader
	ioTimeout  time.Duration
	greetOnce  sync.Once
	greetError error
}

func newWireTransport(conn net.Conn, ioTimeout time.Duration) *wireTransport {
	return &wireTransport{conn: conn, reader: bufio.NewReader(conn), ioTimeout: ioTimeout}
}

func randomTag() string {
	return "A" + strconv.Itoa(1000+rand.Intn(8999))
}

// absorbGreeting reads and discards the server's initial greeting line, if
// it has not already been read. The Protocol sends this line unsolicited
// as soon as the connection is established, before any command is issued.
func (w *wireTransport) absorbGreeting() error {
	w.greetOnce.Do(func() {
		_ = w.conn.SetReadDeadline(time.Now().Add(w.ioTimeout))
		_, _, w.greetError = w.reader.ReadLine()
	})
	return w.greetError
}

// converse sends a single tagged command and collects every line up to and
// including the tagged status line, mirroring IMAPS.converse in the
// teacher but returning structured Reply instead of a flattened string.
func (w *wireTransport) converse(command string) (Reply, error) {
	if err := w.absorbGreeting(); err != nil {
		return Reply{}, fmt.Errorf("%w: reading greeting - %v", ErrNetwork, err)
	}
	tag := randomTag()
	if err := w.conn.SetDeadline(time.Now().Add(w.ioTimeout)); err != nil {
		return Reply{}, fmt.Errorf("%w: setting deadline - %v", ErrNetwork, err)
	}
	if _, err := w.conn.Write([]byte(tag + " " + command + "\r\n")); err != nil {
		return Reply{}, fmt.Errorf("%w: writing command - %v", ErrNetwork, err)
	}
	var untagged []string
	for {
		line, _, err := w.reader.ReadLine()
		if err != nil {
			return Reply{}, fmt.Errorf("%w: reading reply - %v", ErrNetwork, err)
		}
		text := string(line)
		if strings.HasPrefix(text, tag+" ") {
			rest := strings.TrimSpace(text[len(tag)+1:])
			statusWord := rest
			if spaceIdx := strings.IndexRune(rest, ' '); spaceIdx != -1 {
				statusWord = rest[:spaceIdx]
			}
			return Reply{Status: statusWord, Lines: untagged}, nil
		}
		untagged = append(untagged, strings.TrimPrefix(text, "* "))
	}
}

func (w *wireTransport) Login(user, pass string) (Reply, error) {
	return w.converse(fmt.Sprintf("LOGIN %s %s", user, pass))
}

func (w *wireTransport) Capability() (Reply, error) {
	return w.converse("CAPABILITY")
}

func (w *wireTransport) List(reference, pattern string) (Reply, error) {
	return w.converse(fmt.Sprintf("LIST %q %q", reference, pattern))
}

func (w *wireTransport) Select(mailbox string, readOnly bool) (Reply, error) {
	cmd := "SELECT"
	if readOnly {
		cmd = "EXAMINE"
	}
	return w.converse(fmt.Sprintf("%s %q", cmd, mailbox))
}

func (w *wireTransport) Noop() (Reply, error) {
	return w.converse("NOOP")
}

func (w *wireTransport) Append(mailbox, flags string, msg []byte) (Reply, error) {
	literal := fmt.Sprintf("{%d}", len(msg))
	cmd := fmt.Sprintf("APPEND %q", mailbox)
	if flags != "" {
		cmd += " (" + flags + ")"
	}
	cmd += " " + literal
	// After writing the literal announcement, this minimal transport reads
	// one line before sending the literal bytes; it does not check that the
	// line is a "+" continuation - adequate for this adapter's scope, which
	// is read-mostly with append as the one write operation.
	if err := w.absorbGreeting(); err != nil {
		return Reply{}, fmt.Errorf("%w: reading greeting - %v", ErrNetwork, err)
	}
	tag := randomTag()
	if err := w.conn.SetDeadline(time.Now().Add(w.ioTimeout)); err != nil {
		return Reply{}, fmt.Errorf("%w: setting deadline - %v", ErrNetwork, err)
	}
	if _, err := w.conn.Write([]byte(tag + " " + cmd + "\r\n")); err != nil {
		return Reply{}, fmt.Errorf("%w: writing command - %v", ErrNetwork, err)
	}
	if _, _, err := w.reader.ReadLine(); err != nil {
		return Reply{}, fmt.Errorf("%w: reading continuation - %v", ErrNetwork, err)
	}
	if _, err := w.conn.Write(msg); err != nil {
		return Reply{}, fmt.Errorf("%w: writing literal - %v", ErrNetwork, err)
	}
	if _, err := w.conn.Write([]byte("\r\n")); err != nil {
		return Reply{}, fmt.Errorf("%w: writing literal terminator - %v", ErrNetwork, err)
	}
	var untagged []string
	for {
		line, _, err := w.reader.ReadLine()
		if err != nil {
			return Reply{}, fmt.Errorf("%w: reading reply - %v", ErrNetwork, err)
		}
		text := string(line)
		if strings.HasPrefix(text, tag+" ") {
			rest := strings.TrimSpace(text[len(tag)+1:])
			statusWord := rest
			if spaceIdx := strings.IndexRune(rest, ' '); spaceIdx != -1 {
				statusWord = rest[:spaceIdx]
			}
			return Reply{Status: statusWord, Lines: untagged}, nil
		}
		untagged = append(untagged, strings.TrimPrefix(text, "* "))
	}
}

func (w *wireTransport) Fetch(seq, items string) (Reply, error) {
	return w.converse(fmt.Sprintf("FETCH %s (%s)", seq, items))
}

func (w *wireTransport) Uid(sub string, args ...string) (Reply, error) {
	return w.converse(fmt.Sprintf("UID %s %s", sub, strings.Join(args, " ")))
}

func (w *wireTransport) Store(seq, flags string) (Reply, error) {
	return w.converse(fmt.Sprintf("STORE %s %s", seq, flags))
}

func (w *wireTransport) Close() (Reply, error) {
	return w.converse("CLOSE")
}

func (w *wireTransport) Logout() (Reply, error) {
	return w.converse("LOGOUT")
}

func (w *wireTransport) Socket() net.Conn {
	return w.conn
}
