package imap

import "sync"

// Event is the mutable connection-status record surfaced to external
// observers (the indexing engine, a status dashboard). Source updates it
// during open/reopen; callers outside this package should only read it.
type Event struct {
	mu sync.Mutex
	// Running is true while Source believes its SharedConn is usable.
	Running bool
	// Data carries at least three well-known keys:
	//   "conn_error"  -> string, the reason the last open failed, or "closed"
	//                    after Source.Quit; cleared on successful open. A
	//                    keepalive failure does not set it.
	//   "uidvalidity" -> map[string]uint32, last observed UIDVALIDITY per
	//                    folder path.
	//   "uidnext"     -> map[string]uint32, last observed UIDNEXT per folder
	//                    path.
	//   "have_unknown" -> bool, set by Source.DiscoverMailboxes when it
	//                    finds a remote folder its MailboxRegistry does not
	//                    know, and by the idle callback Source.Open installs.
	Data map[string]interface{}
}

// NewEvent returns an Event with its well-known Data keys pre-populated, as
// required by the open algorithm's step "ensure event.data.uidvalidity and
// event.data.uidnext mappings exist".
func NewEvent() *Event {
	e := &Event{Data: map[string]interface{}{}}
	e.ensureMaps()
	return e
}

func (e *Event) ensureMaps() {
	if _, ok := e.Data["uidvalidity"]; !ok {
		e.Data["uidvalidity"] = map[string]uint32{}
	}
	if _, ok := e.Data["uidnext"]; !ok {
		e.Data["uidnext"] = map[string]uint32{}
	}
}

// SetConnError records the last connection failure reason and marks the
// event as not running.
func (e *Event) SetConnError(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Running = false
	e.Data["conn_error"] = reason
}

// ClearConnError removes any previously recorded failure and marks the
// event as running.
func (e *Event) ClearConnError() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Running = true
	delete(e.Data, "conn_error")
}

// SetHaveUnknown flags that DiscoverMailboxes found at least one remote
// folder its MailboxRegistry does not know, or that an idle notification
// arrived.
func (e *Event) SetHaveUnknown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Data["have_unknown"] = true
}

// RecordFolderGenerations stores the latest observed UIDVALIDITY/UIDNEXT
// for path, for later comparison by HasMailboxChanged.
func (e *Event) RecordFolderGenerations(path string, uidValidity, uidNext uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensureMaps()
	e.Data["uidvalidity"].(map[string]uint32)[path] = uidValidity
	e.Data["uidnext"].(map[string]uint32)[path] = uidNext
}

// HasMailboxChanged reports whether path's UIDVALIDITY or UIDNEXT differ
// from what was last recorded by RecordFolderGenerations. Per spec.md's
// Open Question about "_has_mailbox_changed", this wires a real comparison
// against the per-folder generation numbers on Event rather than always
// reporting true or being omitted outright.
func (e *Event) HasMailboxChanged(path string, uidValidity, uidNext uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensureMaps()
	lastValidity, seenValidity := e.Data["uidvalidity"].(map[string]uint32)[path]
	lastNext, seenNext := e.Data["uidnext"].(map[string]uint32)[path]
	if !seenValidity || !seenNext {
		return true
	}
	return lastValidity != uidValidity || lastNext != uidNext
}

// MarkMailboxRescanned records the folder's current generation numbers as
// the new baseline for HasMailboxChanged, completing the
// "_mark_mailbox_rescanned" pairing named in spec.md's Open Questions.
func (e *Event) MarkMailboxRescanned(path string, uidValidity, uidNext uint32) {
	e.RecordFolderGenerations(path, uidValidity, uidNext)
}

// ConnError returns the last recorded connection error reason, if any.
func (e *Event) ConnError() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reason, ok := e.Data["conn_error"].(string)
	return reason, ok
}
