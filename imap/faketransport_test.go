package imap

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// fakeTransport is an in-memory Transport double: no socket, no goroutine,
// entirely driven by a small scripted state machine. It exists so
// SharedConn, Source and Mailbox can be tested without a real server,
// matching the rest of the corpus's preference for hand-written fakes over
// a mocking framework.
type fakeTransport struct {
	loginStatus string // "OK" unless overridden
	capability  string // full untagged CAPABILITY line body, sans "CAPABILITY "
	mailboxes   map[string]*fakeMailboxState

	selectedPath     string
	selectedReadOnly bool

	noopErr   error
	noopBlock chan struct{} // if non-nil, Noop waits for this channel to close before returning
	closed    bool
	callCount map[string]int
}

type fakeMailboxState struct {
	uidValidity uint32
	uidNext     uint32
	messages    map[uint32][]byte // uid -> raw message
	flags       map[uint32]string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		loginStatus: "OK",
		capability:  "IMAP4rev1 IDLE",
		mailboxes:   map[string]*fakeMailboxState{},
		callCount:   map[string]int{},
	}
}

func (f *fakeTransport) addMailbox(path string, uidValidity uint32) *fakeMailboxState {
	state := &fakeMailboxState{
		uidValidity: uidValidity,
		uidNext:     1,
		messages:    map[uint32][]byte{},
		flags:       map[uint32]string{},
	}
	f.mailboxes[path] = state
	return state
}

func (f *fakeTransport) appendMessage(path string, raw []byte) uint32 {
	state := f.mailboxes[path]
	uid := state.uidNext
	state.messages[uid] = raw
	state.uidNext++
	return uid
}

func (f *fakeTransport) Login(user, pass string) (Reply, error) {
	f.callCount["Login"]++
	return Reply{Status: f.loginStatus}, nil
}

func (f *fakeTransport) Capability() (Reply, error) {
	f.callCount["Capability"]++
	return Reply{Status: "OK", Lines: []string{"CAPABILITY " + f.capability}}, nil
}

func (f *fakeTransport) List(reference, pattern string) (Reply, error) {
	f.callCount["List"]++
	var lines []string
	for path := range f.mailboxes {
		lines = append(lines, fmt.Sprintf(`(\HasNoChildren) "/" "%s"`, path))
	}
	return Reply{Status: "OK", Lines: lines}, nil
}

func (f *fakeTransport) Select(mailbox string, readOnly bool) (Reply, error) {
	f.callCount["Select"]++
	state, ok := f.mailboxes[mailbox]
	if !ok {
		return Reply{Status: "NO"}, nil
	}
	f.selectedPath = mailbox
	f.selectedReadOnly = readOnly
	lines := []string{
		fmt.Sprintf("%d EXISTS", len(state.messages)),
		"0 RECENT",
		"FLAGS (\\Seen \\Deleted)",
		fmt.Sprintf("OK [UIDVALIDITY %d] UIDs valid", state.uidValidity),
		fmt.Sprintf("OK [UIDNEXT %d] next UID", state.uidNext),
	}
	return Reply{Status: "OK", Lines: lines}, nil
}

func (f *fakeTransport) Noop() (Reply, error) {
	f.callCount["Noop"]++
	if f.noopBlock != nil {
		<-f.noopBlock
	}
	if f.noopErr != nil {
		return Reply{}, f.noopErr
	}
	return Reply{Status: "OK"}, nil
}

func (f *fakeTransport) Append(mailbox, flags string, msg []byte) (Reply, error) {
	f.callCount["Append"]++
	state, ok := f.mailboxes[mailbox]
	if !ok {
		return Reply{Status: "NO"}, nil
	}
	state.messages[state.uidNext] = msg
	state.uidNext++
	return Reply{Status: "OK"}, nil
}

func (f *fakeTransport) Fetch(seq, items string) (Reply, error) {
	f.callCount["Fetch"]++
	return Reply{Status: "OK"}, nil
}

func (f *fakeTransport) Uid(sub string, args ...string) (Reply, error) {
	f.callCount["Uid:"+sub] = f.callCount["Uid:"+sub] + 1
	state := f.mailboxes[f.selectedPath]
	if state == nil {
		return Reply{Status: "NO"}, nil
	}
	switch strings.ToUpper(sub) {
	case "SEARCH":
		return f.uidSearch(state, args)
	case "FETCH":
		return f.uidFetch(state, args)
	case "STORE":
		return f.uidStore(state, args)
	}
	return Reply{Status: "BAD"}, nil
}

func (f *fakeTransport) uidSearch(state *fakeMailboxState, args []string) (Reply, error) {
	criteria := strings.Join(args, " ")
	var matched []uint32
	if strings.EqualFold(strings.TrimSpace(criteria), "ALL") {
		for uid := range state.messages {
			matched = append(matched, uid)
		}
	} else if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(criteria)), "UID ") {
		wantStr := strings.TrimSpace(criteria[4:])
		want, err := strconv.ParseUint(wantStr, 10, 32)
		if err == nil {
			if _, ok := state.messages[uint32(want)]; ok {
				matched = append(matched, uint32(want))
			}
		}
	}
	var tokens []string
	for _, uid := range matched {
		tokens = append(tokens, strconv.FormatUint(uint64(uid), 10))
	}
	return Reply{Status: "OK", Lines: []string{"SEARCH " + strings.Join(tokens, " ")}}, nil
}

func (f *fakeTransport) uidFetch(state *fakeMailboxState, args []string) (Reply, error) {
	if len(args) < 1 {
		return Reply{Status: "BAD"}, nil
	}
	uid, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return Reply{Status: "BAD"}, nil
	}
	msg, ok := state.messages[uint32(uid)]
	if !ok {
		return Reply{Status: "NO"}, nil
	}
	rest := strings.Join(args[1:], " ")
	if strings.Contains(rest, "RFC822.SIZE") {
		return Reply{Status: "OK", Lines: []string{fmt.Sprintf("%d FETCH (RFC822.SIZE %d)", uid, len(msg))}}, nil
	}
	if strings.Contains(rest, "BODY.PEEK[]") || strings.Contains(rest, "BODY[]") {
		offset, length := parseBodyPeekRange(rest)
		if offset >= len(msg) {
			return Reply{Status: "OK", Lines: []string{fmt.Sprintf("%d FETCH (BODY[]<%d> {0}", uid, offset), ")"}}, nil
		}
		end := offset + length
		if end > len(msg) {
			end = len(msg)
		}
		chunk := msg[offset:end]
		lines := []string{fmt.Sprintf("%d FETCH (BODY[]<%d> {%d}", uid, offset, len(chunk))}
		lines = append(lines, string(chunk))
		lines = append(lines, ")")
		return Reply{Status: "OK", Lines: lines}, nil
	}
	return Reply{Status: "OK"}, nil
}

func parseBodyPeekRange(items string) (offset, length int) {
	start := strings.IndexRune(items, '<')
	end := strings.IndexRune(items, '>')
	if start == -1 || end == -1 || end <= start {
		return 0, 0
	}
	inner := items[start+1 : end]
	parts := strings.SplitN(inner, ".", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	o, _ := strconv.Atoi(parts[0])
	l, _ := strconv.Atoi(parts[1])
	return o, l
}

func (f *fakeTransport) uidStore(state *fakeMailboxState, args []string) (Reply, error) {
	if len(args) < 1 {
		return Reply{Status: "BAD"}, nil
	}
	uid, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return Reply{Status: "BAD"}, nil
	}
	state.flags[uint32(uid)] = strings.Join(args[1:], " ")
	return Reply{Status: "OK"}, nil
}

func (f *fakeTransport) Store(seq, flags string) (Reply, error) {
	f.callCount["Store"]++
	return Reply{Status: "OK"}, nil
}

func (f *fakeTransport) Close() (Reply, error) {
	f.callCount["Close"]++
	if state := f.mailboxes[f.selectedPath]; state != nil {
		for uid, flags := range state.flags {
			if strings.Contains(flags, "\\Deleted") {
				delete(state.messages, uid)
				delete(state.flags, uid)
			}
		}
	}
	f.selectedPath = ""
	return Reply{Status: "OK"}, nil
}

func (f *fakeTransport) Logout() (Reply, error) {
	f.callCount["Logout"]++
	f.closed = true
	return Reply{Status: "OK"}, nil
}

func (f *fakeTransport) Socket() net.Conn {
	return nil
}
