package imap

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailcore/imapsource/lalog"
	"github.com/mailcore/imapsource/misc"
)

// Capabilities is the set of uppercase tokens a server advertised after
// login.
type Capabilities map[string]struct{}

// Has reports whether name (case-insensitively) is among the capabilities.
func (c Capabilities) Has(name string) bool {
	_, ok := c[strings.ToUpper(name)]
	return ok
}

func newCapabilities(tokens []string) Capabilities {
	caps := make(Capabilities, len(tokens))
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		caps[strings.ToUpper(tok)] = struct{}{}
	}
	return caps
}

// folderSelection is the cached result of the most recent successful
// select(). At most one exists on a SharedConn at any time; any command
// that mutates server-side selection (select of a different folder, or
// close) replaces or clears it.
type folderSelection struct {
	path     string
	readOnly bool
	reply    Reply
	info     map[string]string
}

var (
	reExists      = regexp.MustCompile(`(?i)(\d+)\s+EXISTS`)
	reRecent      = regexp.MustCompile(`(?i)(\d+)\s+RECENT`)
	reUIDValidity = regexp.MustCompile(`(?i)UIDVALIDITY\s+(\d+)`)
	reUIDNext     = regexp.MustCompile(`(?i)UIDNEXT\s+(\d+)`)
	reFlags       = regexp.MustCompile(`(?i)FLAGS\s+\(([^)]*)\)`)
)

func parseSelectionInfo(lines []string) map[string]string {
	info := map[string]string{}
	for _, line := range lines {
		if m := reExists.FindStringSubmatch(line); m != nil {
			info["EXISTS"] = m[1]
		}
		if m := reRecent.FindStringSubmatch(line); m != nil {
			info["RECENT"] = m[1]
		}
		if m := reUIDValidity.FindStringSubmatch(line); m != nil {
			info["UIDVALIDITY"] = m[1]
		}
		if m := reUIDNext.FindStringSubmatch(line); m != nil {
			info["UIDNEXT"] = m[1]
		}
		if m := reFlags.FindStringSubmatch(line); m != nil {
			info["FLAGS"] = strings.TrimSpace(m[1])
		}
	}
	return info
}

func isOK(status string) bool {
	return strings.EqualFold(strings.TrimSpace(status), "OK")
}

// CommandOption is passed to a forwarded command to request an implicit,
// cached folder selection before the command runs. An empty Mailbox means
// "use whatever folder is currently selected, if any".
type CommandOption struct {
	Mailbox  string
	ReadOnly bool
}

// Idler is an optional capability a Transport may implement to support
// push notifications. SharedConn calls Idle from the release function that
// Acquire returns, after the lock is released, and stops the subscription at
// the start of the next Acquire. This is the seam spec.md
// names "_start_idling"/"_stop_idling"; a Transport that does not
// implement Idler simply never gets push notifications.
type Idler interface {
	Idle(mailbox string) (events <-chan struct{}, stop func() error, err error)
}

// SharedConn wraps exactly one authenticated Transport. It serializes all
// forwarded commands behind a single mutex, caches the current folder
// selection, and runs a background keepalive task. This is the "hard
// engineering" core named in spec.md §1: callers address any folder
// without per-call re-selection cost, and a hung command cannot wedge a
// future reconnect because every command runs under RunTimed.
type SharedConn struct {
	transport Transport
	logger    lalog.Logger
	metrics   *sourceMetrics
	sourceKey string
	timeout   int

	mu        sync.Mutex
	held      bool // true for the duration a caller (or the keepalive task) holds mu; used for the forwarded-command assertion.
	selection *folderSelection
	dead      atomic.Bool

	idleMailbox  string
	idleCallback func(event struct{})
	idling       atomic.Bool
	stopIdleFunc func() error

	keepalive *misc.Periodic
}

// NewSharedConnParams bundles SharedConn's construction-time configuration.
type NewSharedConnParams struct {
	Transport    Transport
	Logger       lalog.Logger
	Metrics      *sourceMetrics
	SourceKey    string
	TimeoutSec   int
	IdleMailbox  string          // non-empty enables idle, iff Capabilities also has IDLE
	Capabilities Capabilities
	IdleCallback func(event struct{})
}

// NewSharedConn constructs a SharedConn over an already-authenticated
// Transport and starts its background keepalive task.
func NewSharedConn(p NewSharedConnParams) *SharedConn {
	c := &SharedConn{
		transport: p.Transport,
		logger:    p.Logger,
		metrics:   p.Metrics,
		sourceKey: p.SourceKey,
		timeout:   p.TimeoutSec,
	}
	if p.Capabilities.Has("IDLE") && p.IdleMailbox != "" {
		c.idleMailbox = p.IdleMailbox
		c.idleCallback = p.IdleCallback
	}
	c.keepalive = &misc.Periodic{
		LogActorName: p.SourceKey,
		Interval:     KeepAliveIntervalSec * time.Second,
		MaxInt:       1,
		Func: func(context.Context, int, int) error {
			release, err := c.Acquire()
			if err != nil {
				return err
			}
			_, err = c.Noop(CommandOption{})
			release()
			return err
		},
	}
	_ = c.keepalive.Start(context.Background())
	go c.watchKeepalive()
	return c
}

// IsDead reports whether this connection has been quit, or has failed its
// keepalive, and must not be used further.
func (c *SharedConn) IsDead() bool {
	return c.dead.Load()
}

func (c *SharedConn) markDead() {
	if !c.dead.Swap(true) {
		if c.metrics != nil {
			c.metrics.connAlive.WithLabelValues(c.sourceKey).Set(0)
		}
		c.keepalive.Stop()
	}
}

// Acquire obtains exclusive access to the connection for the duration of a
// scope. It stops any in-progress idle subscription before returning,
// mirroring spec.md's "acquisition stops idle; release resumes it".
// Acquiring a dead connection fails immediately with ErrConnDead.
func (c *SharedConn) Acquire() (release func(), err error) {
	if c.IsDead() {
		return func() {}, ErrConnDead
	}
	c.stopIdle()
	c.mu.Lock()
	c.held = true
	return func() {
		c.held = false
		c.mu.Unlock()
		c.maybeStartIdle()
	}, nil
}

func (c *SharedConn) assertLocked(funcName string) {
	if !c.held {
		c.logger.Abort(funcName, &assertionError{message: funcName + " invoked without holding the exclusive lock"}, "forwarded command requires the lock")
	}
}

func (c *SharedConn) observe(funcName string, start time.Time, err error) {
	if c.metrics != nil {
		c.metrics.commandDuration.WithLabelValues(c.sourceKey).Observe(time.Since(start).Seconds())
	}
	c.logger.MaybeMinorError(err)
}

// convertErr turns a non-OK or transport-level failure into the structured
// Protocol I/O error spec.md §4.3 requires, so callers above SharedConn
// only need to recognise generic I/O. When the command timed out, it also
// closes the transport's socket so the abandoned call unblocks.
func (c *SharedConn) convertErr(funcName string, reply Reply, err error) (Reply, error) {
	if err != nil {
		if errors.Is(err, ErrTimedOut) {
			if sock := c.transport.Socket(); sock != nil {
				_ = sock.Close()
			}
		}
		return reply, err
	}
	if !isOK(reply.Status) {
		return reply, fmt.Errorf("%w: %s replied %q", ErrProtocol, funcName, reply.Status)
	}
	return reply, nil
}

// ensureSelected issues a cached select for opt.Mailbox, if set, aborting
// with the select's own reply/error when selection does not succeed.
func (c *SharedConn) ensureSelected(opt CommandOption) error {
	if opt.Mailbox == "" {
		return nil
	}
	_, err := c.selectLocked(opt.Mailbox, opt.ReadOnly)
	return err
}

// selectLocked implements spec.md §4.3's select(): return the cached
// reply when (path, readOnly) matches the current Folder Selection State
// exactly, otherwise issue SELECT/EXAMINE and refresh the cache from the
// FLAGS/EXISTS/RECENT/UIDVALIDITY/UIDNEXT atoms in the reply.
func (c *SharedConn) selectLocked(path string, readOnly bool) (Reply, error) {
	c.assertLocked("select")
	if c.selection != nil && c.selection.path == path && c.selection.readOnly == readOnly {
		if c.metrics != nil {
			c.metrics.selectCacheHit.WithLabelValues(c.sourceKey, "hit").Inc()
		}
		return c.selection.reply, nil
	}
	if c.metrics != nil {
		c.metrics.selectCacheHit.WithLabelValues(c.sourceKey, "miss").Inc()
	}
	start := time.Now()
	reply, err := RunTimed(c.timeout, func() (Reply, error) { return c.transport.Select(path, readOnly) })
	c.observe("select", start, err)
	reply, err = c.convertErr("select", reply, err)
	if err != nil {
		c.selection = nil
		return reply, err
	}
	c.selection = &folderSelection{
		path:     path,
		readOnly: readOnly,
		reply:    reply,
		info:     parseSelectionInfo(reply.Lines),
	}
	return reply, nil
}

// Select is the exported, lock-asserting entry point used directly by
// Mailbox when it wants to force a (re)selection independent of another
// forwarded command's Mailbox option.
func (c *SharedConn) Select(path string, readOnly bool) (Reply, error) {
	return c.selectLocked(path, readOnly)
}

// CloseFolder issues the protocol close and clears the Folder Selection
// State, matching spec.md §4.3's close().
func (c *SharedConn) CloseFolder() (Reply, error) {
	c.assertLocked("close")
	start := time.Now()
	reply, err := RunTimed(c.timeout, func() (Reply, error) { return c.transport.Close() })
	c.observe("close", start, err)
	reply, err = c.convertErr("close", reply, err)
	c.selection = nil
	return reply, err
}

// MailboxInfo returns a value from the current Folder Selection State's
// info map, or defaultValue if no folder is currently selected.
func (c *SharedConn) MailboxInfo(key, defaultValue string) string {
	c.assertLocked("mailbox_info")
	if c.selection == nil {
		return defaultValue
	}
	if v, ok := c.selection.info[key]; ok {
		return v
	}
	return defaultValue
}

// Quit marks the connection dead; subsequent Acquire calls fail
// immediately. It does not itself attempt a graceful LOGOUT; Source.Quit
// issues LOGOUT on the transport while holding an Acquire, then calls Quit.
func (c *SharedConn) Quit() {
	c.markDead()
}

// watchKeepalive blocks on the Periodic task's result: a NOOP failure
// surfaced through Func's return, or context.Canceled once markDead calls
// keepalive.Stop() for some other reason (Quit, or a failed Acquire because
// the connection is already dead). Either way the connection ends up dead.
func (c *SharedConn) watchKeepalive() {
	err := c.keepalive.WaitForErr()
	if err != nil && err != context.Canceled && !errors.Is(err, ErrConnDead) {
		c.logger.Warning(c.sourceKey, err, "NOOP failed, marking connection dead")
		if c.metrics != nil {
			c.metrics.keepaliveFail.WithLabelValues(c.sourceKey).Inc()
		}
	}
	c.markDead()
}

// maybeStartIdle and stopIdle are the idle extension seams named in
// spec.md's Design Notes. They are no-ops unless the SharedConn was
// constructed with an idle mailbox, a callback, and a Transport
// implementing Idler.
func (c *SharedConn) maybeStartIdle() {
	if c.idleMailbox == "" || c.idleCallback == nil {
		return
	}
	idler, ok := c.transport.(Idler)
	if !ok {
		return
	}
	if !c.idling.CompareAndSwap(false, true) {
		return
	}
	events, stop, err := idler.Idle(c.idleMailbox)
	if err != nil {
		c.idling.Store(false)
		c.logger.MaybeMinorError(err)
		return
	}
	c.stopIdleFunc = stop
	go func() {
		for range events {
			c.idleCallback(struct{}{})
		}
		c.idling.Store(false)
	}()
}

func (c *SharedConn) stopIdle() {
	if !c.idling.Load() {
		return
	}
	if c.stopIdleFunc != nil {
		c.logger.MaybeMinorError(c.stopIdleFunc())
	}
}

// --- Forwarded commands ---
// Each asserts the exclusive lock is held, optionally performs a cached
// select, runs the underlying transport call under RunTimed so a Transport
// that never returns cannot wedge the connection forever, and converts a
// non-OK reply into ErrProtocol. None of them acquire the lock themselves;
// the caller must already be holding one via Acquire.

func (c *SharedConn) Login(opt CommandOption, user, pass string) (Reply, error) {
	c.assertLocked("login")
	if err := c.ensureSelected(opt); err != nil {
		return Reply{}, err
	}
	start := time.Now()
	reply, err := RunTimed(c.timeout, func() (Reply, error) { return c.transport.Login(user, pass) })
	c.observe("login", start, err)
	return c.convertErr("login", reply, err)
}

func (c *SharedConn) Capability(opt CommandOption) (Reply, error) {
	c.assertLocked("capability")
	if err := c.ensureSelected(opt); err != nil {
		return Reply{}, err
	}
	start := time.Now()
	reply, err := RunTimed(c.timeout, func() (Reply, error) { return c.transport.Capability() })
	c.observe("capability", start, err)
	return c.convertErr("capability", reply, err)
}

func (c *SharedConn) List(opt CommandOption, reference, pattern string) (Reply, error) {
	c.assertLocked("list")
	if err := c.ensureSelected(opt); err != nil {
		return Reply{}, err
	}
	start := time.Now()
	reply, err := RunTimed(c.timeout, func() (Reply, error) { return c.transport.List(reference, pattern) })
	c.observe("list", start, err)
	return c.convertErr("list", reply, err)
}

func (c *SharedConn) Noop(opt CommandOption) (Reply, error) {
	c.assertLocked("noop")
	if err := c.ensureSelected(opt); err != nil {
		return Reply{}, err
	}
	start := time.Now()
	reply, err := RunTimed(c.timeout, func() (Reply, error) { return c.transport.Noop() })
	c.observe("noop", start, err)
	return c.convertErr("noop", reply, err)
}

func (c *SharedConn) Append(opt CommandOption, mailbox, flags string, msg []byte) (Reply, error) {
	c.assertLocked("append")
	if err := c.ensureSelected(opt); err != nil {
		return Reply{}, err
	}
	start := time.Now()
	reply, err := RunTimed(c.timeout, func() (Reply, error) { return c.transport.Append(mailbox, flags, msg) })
	c.observe("append", start, err)
	return c.convertErr("append", reply, err)
}

func (c *SharedConn) Fetch(opt CommandOption, seq, items string) (Reply, error) {
	c.assertLocked("fetch")
	if err := c.ensureSelected(opt); err != nil {
		return Reply{}, err
	}
	start := time.Now()
	reply, err := RunTimed(c.timeout, func() (Reply, error) { return c.transport.Fetch(seq, items) })
	c.observe("fetch", start, err)
	return c.convertErr("fetch", reply, err)
}

func (c *SharedConn) Uid(opt CommandOption, sub string, args ...string) (Reply, error) {
	c.assertLocked("uid")
	if err := c.ensureSelected(opt); err != nil {
		return Reply{}, err
	}
	start := time.Now()
	reply, err := RunTimed(c.timeout, func() (Reply, error) { return c.transport.Uid(sub, args...) })
	c.observe("uid", start, err)
	return c.convertErr("uid", reply, err)
}

// Search is spec.md's forwarded "search" command, implemented over UID
// SEARCH since that is the only form the Mailbox Facade needs (iterkeys
// enumerates stable UIDs, never transient sequence numbers).
func (c *SharedConn) Search(opt CommandOption, criteria string) (Reply, error) {
	return c.Uid(opt, "SEARCH", criteria)
}

// Store is spec.md's forwarded "add" command: it adds (or otherwise sets)
// flags on a message range via sequence-number STORE. The Mailbox Facade's
// Remove does not use it; Remove sets \Deleted through Uid("STORE", ...).
func (c *SharedConn) Store(opt CommandOption, seq, flags string) (Reply, error) {
	c.assertLocked("add")
	if err := c.ensureSelected(opt); err != nil {
		return Reply{}, err
	}
	start := time.Now()
	reply, err := RunTimed(c.timeout, func() (Reply, error) { return c.transport.Store(seq, flags) })
	c.observe("add", start, err)
	return c.convertErr("add", reply, err)
}

// parseUint32 is a small helper shared by callers that pull numeric folder
// info (EXISTS, UIDVALIDITY, ...) out of MailboxInfo's string values.
func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
