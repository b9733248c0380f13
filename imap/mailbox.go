package imap

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mailcore/imapsource/inet"
)

// MailboxIDLen is the fixed width of the mailbox identifier prefix in a
// message pointer (spec.md's "<fixed-width mbx_id><percent-encoded key>"
// format). Identifiers longer than this are truncated; shorter ones are
// space-padded, so every pointer for a given deployment has identical
// length regardless of which mailbox it names.
const MailboxIDLen = 8

// FormatKey builds spec.md's message key: "<uidvalidity>.<uid>", both
// components base-36 encoded so the key stays short in indexes and URLs.
func FormatKey(uidValidity, uid uint32) string {
	return strconv.FormatUint(uint64(uidValidity), 36) + "." + strconv.FormatUint(uint64(uid), 36)
}

// ParseKey is FormatKey's inverse.
func ParseKey(key string) (uidValidity, uid uint32, err error) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("imap: malformed message key %q", key)
	}
	v, err := strconv.ParseUint(parts[0], 36, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("imap: malformed message key %q - %w", key, err)
	}
	u, err := strconv.ParseUint(parts[1], 36, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("imap: malformed message key %q - %w", key, err)
	}
	return uint32(v), uint32(u), nil
}

// FormatMsgPtr builds a self-describing pointer that names both a mailbox
// and a message within it, so that a caller holding only the pointer (not
// a live Mailbox) can still route a later GetFileByPtr to the right
// mailbox. mbxID is truncated or space-padded to MailboxIDLen.
func FormatMsgPtr(mbxID, key string) string {
	id := mbxID
	if len(id) > MailboxIDLen {
		id = id[:MailboxIDLen]
	}
	for len(id) < MailboxIDLen {
		id += " "
	}
	return id + url.QueryEscape(key)
}

// ParseMsgPtr is FormatMsgPtr's inverse.
func ParseMsgPtr(ptr string) (mbxID, key string, err error) {
	if len(ptr) < MailboxIDLen {
		return "", "", fmt.Errorf("imap: message pointer %q is shorter than the mailbox ID prefix", ptr)
	}
	id := strings.TrimRight(ptr[:MailboxIDLen], " ")
	key, err = url.QueryUnescape(ptr[MailboxIDLen:])
	if err != nil {
		return "", "", fmt.Errorf("imap: malformed message pointer %q - %w", ptr, err)
	}
	return id, key, nil
}

// Mailbox is the read-mostly facade spec.md names the "Mailbox Facade":
// everything a caller needs to enumerate, fetch, append to, and remove
// from a single remote folder, addressed through its owning SharedConn.
// A Mailbox never dials or authenticates; Source.Open must have already
// produced a live SharedConn.
type Mailbox struct {
	Path     string
	MbxID    string
	ReadOnly bool
	// ChunkSize is the BODY[]<offset.length> chunk size, in bytes, used by
	// Get. Zero selects timeoutSec*1024, matching the teacher's own
	// heuristic of scaling transfer chunking to the allotted I/O timeout.
	ChunkSize int
	// Event, if set, lets IterKeys skip a full UID SEARCH ALL when the
	// folder's UIDVALIDITY/UIDNEXT haven't moved since the last scan.
	// Left nil, IterKeys always re-scans.
	Event *Event

	conn       *SharedConn
	timeoutSec int

	cacheMu    sync.Mutex
	cachedKeys []string
}

// NewMailbox wraps conn's folder path in a Mailbox Facade. timeoutSec is
// only used to compute the default ChunkSize; the forwarded commands
// themselves are timed by SharedConn/RunTimed independently.
func NewMailbox(conn *SharedConn, path, mbxID string, readOnly bool, timeoutSec int) *Mailbox {
	return &Mailbox{
		Path:       path,
		MbxID:      mbxID,
		ReadOnly:   readOnly,
		conn:       conn,
		timeoutSec: timeoutSec,
	}
}

func (m *Mailbox) chunkSize() int {
	if m.ChunkSize > 0 {
		return m.ChunkSize
	}
	if m.timeoutSec > 0 {
		return m.timeoutSec * 1024
	}
	return DefaultTimeoutSec * 1024
}

func (m *Mailbox) opt() CommandOption {
	return CommandOption{Mailbox: m.Path, ReadOnly: m.ReadOnly}
}

// Alive reports whether the mailbox's connection is currently usable,
// confirmed with a live NOOP rather than merely checking SharedConn's dead
// flag, so a half-broken pipe that hasn't yet failed a keepaliv
// round is still caught.
func (m *Mailbox) Alive() bool {
	release, err := m.conn.Acquire()
	defer release()
	if err != nil {
		return false
	}
	_, err = m.conn.Noop(m.opt())
	return err == nil
}

// Length returns the EXISTS count of the mailbox's folder, selecting it
// first if it is not already the cached selection.
func (m *Mailbox) Length() (int, error) {
	release, err := m.conn.Acquire()
	defer release()
	if err != nil {
		return 0, err
	}
	if _, err := m.conn.Select(m.Path, m.ReadOnly); err != nil {
		return 0, err
	}
	n, err := parseUint32(m.conn.MailboxInfo("EXISTS", "0"))
	return int(n), err
}

var reSearchLine = regexp.MustCompile(`(?i)^SEARCH\s*(.*)$`)

// IterKeys enumerates every message in the mailbox via UID SEARCH ALL and
// returns their keys in ascending UID order. Keys are stable across
// reconnects as long as the folder's UIDVALIDITY has not changed;
// Contains returns ErrOutOfSync if it has.
//
// When m.Event is set, IterKeys first checks Event.HasMailboxChanged
// against the folder's current UIDVALIDITY/UIDNEXT; if neither has moved
// since the last scan it returns the keys cached from that scan instead of
// re-issuing SEARCH ALL, then records the new baseline with
// Event.MarkMailboxRescanned once a real scan does happen.
func (m *Mailbox) IterKeys() ([]string, error) {
	release, err := m.conn.Acquire()
	defer release()
	if err != nil {
		return nil, err
	}
	if _, err := m.conn.Select(m.Path, m.ReadOnly); err != nil {
		return nil, err
	}
	uidValidity, _ := parseUint32(m.conn.MailboxInfo("UIDVALIDITY", "0"))
	uidNext, _ := parseUint32(m.conn.MailboxInfo("UIDNEXT", "0"))
	if m.Event != nil {
		m.cacheMu.Lock()
		cached, haveCache := m.cachedKeys, m.cachedKeys != nil
		m.cacheMu.Unlock()
		if haveCache && !m.Event.HasMailboxChanged(m.Path, uidValidity, uidNext) {
			return cached, nil
		}
	}
	reply, err := m.conn.Uid(CommandOption{}, "SEARCH", "ALL")
	if err != nil {
		return nil, err
	}
	var uids []uint32
	for _, line := range reply.Lines {
		mm := reSearchLine.FindStringSubmatch(strings.TrimSpace(line))
		if mm == nil {
			continue
		}
		for _, tok := range strings.Fields(mm[1]) {
			v, convErr := strconv.ParseUint(tok, 10, 32)
			if convErr == nil {
				uids = append(uids, uint32(v))
			}
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	keys := make([]string, len(uids))
	for i, uid := range uids {
		keys[i] = FormatKey(uidValidity, uid)
	}
	if m.Event != nil {
		m.cacheMu.Lock()
		m.cachedKeys = keys
		m.cacheMu.Unlock()
		m.Event.MarkMailboxRescanned(m.Path, uidValidity, uidNext)
	}
	return keys, nil
}

// Contains reports whether key still names a message in the mailbox. It
// returns ErrOutOfSync, rather than false, if the folder's current
// UIDVALIDITY no longer matches the one embedded in key.
func (m *Mailbox) Contains(key string) (bool, error) {
	uidValidity, uid, err := ParseKey(key)
	if err != nil {
		return false, err
	}
	release, err := m.conn.Acquire()
	defer release()
	if err != nil {
		return false, err
	}
	if _, err := m.conn.Select(m.Path, m.ReadOnly); err != nil {
		return false, err
	}
	current, _ := parseUint32(m.conn.MailboxInfo("UIDVALIDITY", "0"))
	if current != uidValidity {
		return false, ErrOutOfSync
	}
	reply, err := m.conn.Uid(CommandOption{}, "SEARCH", fmt.Sprintf("UID %d", uid))
	if err != nil {
		return false, err
	}
	for _, line := range reply.Lines {
		mm := reSearchLine.FindStringSubmatch(strings.TrimSpace(line))
		if mm != nil && strings.TrimSpace(mm[1]) != "" {
			return true, nil
		}
	}
	return false, nil
}

var reSizeLine = regexp.MustCompile(`(?i)RFC822\.SIZE\s+(\d+)`)

// GetInfo parses key into (uidvalidity, uid), UID-fetches
// (RFC822.SIZE FLAGS ENVELOPE), and returns the message's RFC822 size in
// bytes. A uidvalidity embedded in key that no longer matches the
// folder's current UIDVALIDITY fails with ErrOutOfSync rather than being
// silently served against the wrong generation of UIDs; a not-OK reply
// fails with ErrNotFound rather than the generic protocol error
// SharedConn.Uid would otherwise produce.
func (m *Mailbox) GetInfo(key string) (int, error) {
	uidValidity, uid, err := ParseKey(key)
	if err != nil {
		return 0, err
	}
	release, err := m.conn.Acquire()
	defer release()
	if err != nil {
		return 0, err
	}
	if _, err := m.conn.Select(m.Path, m.ReadOnly); err != nil {
		return 0, err
	}
	current, _ := parseUint32(m.conn.MailboxInfo("UIDVALIDITY", "0"))
	if current != uidValidity {
		return 0, ErrOutOfSync
	}
	reply, err := m.conn.Uid(CommandOption{}, "FETCH", strconv.FormatUint(uint64(uid), 10), "(RFC822.SIZE FLAGS ENVELOPE)")
	if err != nil {
		if errors.Is(err, ErrProtocol) {
			return 0, fmt.Errorf("%w: uid %d", ErrNotFound, uid)
		}
		return 0, err
	}
	for _, line := range reply.Lines {
		if mm := reSizeLine.FindStringSubmatch(line); mm != nil {
			n, _ := strconv.Atoi(mm[1])
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: uid %d", ErrNotFound, uid)
}

// extractLiteralBody pulls the payload out of a FETCH reply's untagged
// lines. This is a simplified reader: it assumes the body occupies every
// line after the FETCH announcement up to a trailing lone ")", which
// holds for the single-literal BODY[]<offset.length> fetches Get issues,
// but would not generalise to a FETCH requesting multiple literal items
// at once.
func extractLiteralBody(reply Reply) []byte {
	if len(reply.Lines) == 0 {
		return nil
	}
	body := reply.Lines[1:]
	if len(body) > 0 && strings.TrimSpace(body[len(body)-1]) == ")" {
		body = body[:len(body)-1]
	}
	return []byte(strings.Join(body, "\r\n"))
}

// Get fetches the full message body for key, in chunks of chunkSize()
// bytes via BODY.PEEK[]<offset.length>, stopping once a chunk comes back
// shorter than requested or the planned chunk count is exhausted. The
// chunk count is ceil(size/chunkSize)+1, one more than strictly required,
// so that a size reported stale by a concurrent append still gets its
// tail read.
func (m *Mailbox) Get(key string) ([]byte, error) {
	_, uid, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	size, err := m.GetInfo(key)
	if err != nil {
		return nil, err
	}
	chunk := m.chunkSize()
	numChunks := 1
	if size > 0 {
		numChunks = (size+chunk-1)/chunk + 1
	}

	release, err := m.conn.Acquire()
	defer release()
	if err != nil {
		return nil, err
	}
	if _, err := m.conn.Select(m.Path, m.ReadOnly); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for i := 0; i < numChunks; i++ {
		offset := i * chunk
		items := fmt.Sprintf("(BODY.PEEK[]<%d.%d>)", offset, chunk)
		reply, err := m.conn.Uid(CommandOption{}, "FETCH", strconv.FormatUint(uint64(uid), 10), items)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		piece := extractLiteralBody(reply)
		if len(piece) == 0 {
			break
		}
		buf.Write(piece)
		if len(piece) < chunk {
			break
		}
	}
	return buf.Bytes(), nil
}

// GetBytes is an alias for Get, named to match spec.md's listing of both
// names for the same operation.
func (m *Mailbox) GetBytes(key string) ([]byte, error) {
	return m.Get(key)
}

// GetMessage fetches and parses the message into inet.BasicMail.
func (m *Mailbox) GetMessage(key string) (*inet.BasicMail, error) {
	raw, err := m.Get(key)
	if err != nil {
		return nil, err
	}
	prop, _, err := inet.ReadMailMessage(raw)
	if err != nil {
		return nil, err
	}
	return &prop, nil
}

// GetTextBody fetches the message and returns its first part whose
// Content-Type is text/plain or is absent or unparseable, decoded from any
// quoted-printable transfer encoding. A message with no such part,
// including a single-part text/html message, fails with ErrNotFound.
func (m *Mailbox) GetTextBody(key string) (string, error) {
	raw, err := m.Get(key)
	if err != nil {
		return "", err
	}
	var body []byte
	var found bool
	err = inet.WalkMailMessage(raw, func(prop inet.BasicMail, part []byte) (bool, error) {
		mediaType, _, parseErr := mime.ParseMediaType(prop.ContentType)
		if parseErr != nil || strings.HasPrefix(mediaType, "text/plain") {
			body = part
			found = true
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: no text/plain part", ErrNotFound)
	}
	return string(body), nil
}

// GetFile fetches the message and writes it to path on the local
// filesystem.
func (m *Mailbox) GetFile(key, path string) error {
	raw, err := m.Get(key)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

// GetMsgPtr returns the portable message pointer for key, embedding this
// Mailbox's MbxID.
func (m *Mailbox) GetMsgPtr(key string) string {
	return FormatMsgPtr(m.MbxID, key)
}

// GetFileByPtr is GetFile's counterpart for a portable pointer: it
// verifies the pointer names this Mailbox before fetching.
func (m *Mailbox) GetFileByPtr(ptr, path string) error {
	mbxID, key, err := ParseMsgPtr(ptr)
	if err != nil {
		return err
	}
	if mbxID != m.MbxID {
		return fmt.Errorf("%w: pointer names mailbox %q, not %q", ErrNotFound, mbxID, m.MbxID)
	}
	return m.GetFile(key, path)
}

// Add appends msg with the given flags and returns its new key. The key's
// UID is taken from the folder's UIDNEXT observed immediately before the
// append; this assumes the server assigns UIDs in the order APPEND calls
// arrive, which holds for every server without UIDPLUS reordering
// behaviour this adapter has been exercised against.
func (m *Mailbox) Add(msg []byte, flags string) (string, error) {
	release, err := m.conn.Acquire()
	defer release()
	if err != nil {
		return "", err
	}
	// Drop any cached selection so UIDNEXT comes from a fresh SELECT.
	m.conn.selection = nil
	if _, err := m.conn.Select(m.Path, false); err != nil {
		return "", err
	}
	uidValidity, _ := parseUint32(m.conn.MailboxInfo("UIDVALIDITY", "0"))
	uidNext, _ := parseUint32(m.conn.MailboxInfo("UIDNEXT", "0"))
	if _, err := m.conn.Append(CommandOption{}, m.Path, flags, msg); err != nil {
		return "", err
	}
	return FormatKey(uidValidity, uidNext), nil
}

// Remove sets the \Deleted flag on key. It does not expunge the message:
// the folder stays open and the message remains addressable (and still
// reported by Contains/IterKeys) until some later close/expunge happens.
// The folder must be selected read-write, regardless of m.ReadOnly, since a
// read-only Mailbox has no business calling Remove in the first place.
func (m *Mailbox) Remove(key string) error {
	_, uid, err := ParseKey(key)
	if err != nil {
		return err
	}
	release, err := m.conn.Acquire()
	defer release()
	if err != nil {
		return err
	}
	if _, err := m.conn.Select(m.Path, false); err != nil {
		return err
	}
	_, err = m.conn.Uid(CommandOption{}, "STORE", strconv.FormatUint(uint64(uid), 10), "+FLAGS (\\Deleted)")
	return err
}

// Flush, Close, Lock, Unlock, Save and UpdateToc are no-ops: a Mailbox
// holds no local state that needs flushing, locking, or persisting - the
// server is the only source of truth, and SharedConn already serializes
// every command. They exist so Mailbox satisfies the lifecycle interface
// callers expect from a local mail store.
func (m *Mailbox) Flush() error    { return nil }
func (m *Mailbox) Close() error    { return nil }
func (m *Mailbox) Lock() error     { return nil }
func (m *Mailbox) Unlock() error   { return nil }
func (m *Mailbox) Save() error     { return nil }
func (m *Mailbox) UpdateToc() error { return nil }
