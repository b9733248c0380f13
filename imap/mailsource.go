package imap

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mailcore/imapsource/lalog"
)

// MailboxRegistry is the external collaborator DiscoverMailboxes consults
// to tell which remote folders are already known locally. It is
// deliberately this narrow so that any local configuration store can
// satisfy it without depending on this package's own types.
type MailboxRegistry interface {
	MailboxKnown(path string) bool
}

// Source owns at most one SharedConn for a single configured endpoint. It
// is the component responsible for dialing, authenticating, and
// classifying open failures into the handful of user-facing reasons
// spec.md's open algorithm names; once open, callers address the
// connection's folders through the Mailbox Facade, not through Source
// directly.
type Source struct {
	Config *Config
	Logger lalog.Logger
	Event  *Event
	Debug  DebugSink

	mu      sync.Mutex
	conn    *SharedConn
	caps    Capabilities
	metrics *sourceMetrics
}

// NewSource constructs a Source bound to cfg. No network activity happens
// until Open is called.
func NewSource(cfg *Config, logger lalog.Logger, debug DebugSink) *Source {
	return &Source{
		Config:  cfg,
		Logger:  logger,
		Event:   NewEvent(),
		Debug:   debug,
		metrics: newSourceMetrics(),
	}
}

// probeLocked implements spec.md §4.4's open algorithm step 1: before
// handing back a cached connection, acquire it and send a no-op. A no-op
// failure means the connection is silently broken even though nothing
// marked it dead yet, so it is recycled (marked dead) here and Open falls
// through to dial a fresh one instead.
func (s *Source) probeLocked(conn *SharedConn) bool {
	release, err := conn.Acquire()
	if err != nil {
		return false
	}
	_, err = conn.Noop(CommandOption{})
	release()
	if err != nil {
		conn.markDead()
		return false
	}
	return true
}

var reCapabilityLine = regexp.MustCompile(`(?i)^CAPABILITY\s+(.*)$`)

func parseCapabilities(reply Reply) Capabilities {
	for _, line := range reply.Lines {
		if m := reCapabilityLine.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return newCapabilities(strings.Fields(m[1]))
		}
	}
	return Capabilities{}
}

// classifyOpenError turns a sentinel-wrapped error from the open sequence
// into the small, stable set of reasons spec.md's open algorithm requires
// external callers be able to report without inspecting Go error values.
func classifyOpenError(err error) string {
	switch {
	case errors.Is(err, ErrTimedOut):
		return "Connection timed out"
	case errors.Is(err, ErrAuthFailed):
		return "Bad username or password"
	case errors.Is(err, ErrProtocol):
		return "An IMAP protocol error occurred"
	default:
		return "A network error occurred"
	}
}

// Open dials, authenticates, and negotiates capabilities, then wraps the
// authenticated Transport in a SharedConn. Calling Open again while a
// SharedConn already exists first probes it with a no-op (probeLocked);
// if that succeeds the existing connection is returned as-is, so callers
// do not need to track open/closed state themselves. A no-op failure
// recycles the connection transparently and falls through to dial a fresh
// one. Every step runs under RunTimed using Config's timeout, and any
// step's failure tears down the raw Transport and records a classified
// reason on Event before returning.
func (s *Source) Open(factory TransportFactory) (*SharedConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && !s.conn.IsDead() && s.probeLocked(s.conn) {
		return s.conn, nil
	}
	if !s.Config.IsConfigured() {
		return nil, fmt.Errorf("imap: source %s is not fully configured", s.Config.Key)
	}
	timeout := s.Config.timeoutSec()
	if factory == nil {
		factory = NewDefaultTransportFactory(s.Config.Protocol == TransportTLS, s.Config.InsecureSkipVerify, time.Duration(timeout)*time.Second)
	}

	transport, err := RunTimed(timeout, func() (Transport, error) {
		return factory(s.Config.Host, s.Config.Port)
	})
	if err != nil {
		s.Event.SetConnError(classifyOpenError(err))
		return nil, fmt.Errorf("imap: dialing %s:%d - %w", s.Config.Host, s.Config.Port, err)
	}
	closeSocket := func() {
		if sock := transport.Socket(); sock != nil {
			_ = sock.Close()
		}
	}

	loginReply, err := RunTimed(timeout, func() (Reply, error) {
		return transport.Login(s.Config.Username, s.Config.Password)
	})
	if err != nil {
		closeSocket()
		s.Event.SetConnError(classifyOpenError(err))
		return nil, fmt.Errorf("imap: login to %s - %w", s.Config.Host, err)
	}
	if !isOK(loginReply.Status) {
		closeSocket()
		authErr := fmt.Errorf("%w: server replied %q", ErrAuthFailed, loginReply.Status)
		s.Event.SetConnError(classifyOpenError(authErr))
		return nil, authErr
	}

	capReply, err := RunTimed(timeout, func() (Reply, error) {
		return transport.Capability()
	})
	if err != nil {
		closeSocket()
		s.Event.SetConnError(classifyOpenError(err))
		return nil, fmt.Errorf("imap: capability negotiation with %s - %w", s.Config.Host, err)
	}
	caps := parseCapabilities(capReply)

	conn := NewSharedConn(NewSharedConnParams{
		Transport:    transport,
		Logger:       s.Logger,
		Metrics:      s.metrics,
		SourceKey:    s.Config.Key,
		TimeoutSec:   timeout,
		Capabilities: caps,
		IdleMailbox:  s.Config.IdleMailbox,
		IdleCallback: func(struct{}) {
			s.Event.SetHaveUnknown()
		},
	})
	if s.metrics != nil {
		s.metrics.connAlive.WithLabelValues(s.Config.Key).Set(1)
	}
	s.conn = conn
	s.caps = caps
	s.Event.ClearConnError()
	return conn, nil
}

// Capabilities returns the capability set negotiated by the most recent
// successful Open. It is empty before the first successful Open.
func (s *Source) Capabilities() Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

var reListLine = regexp.MustCompile(`"([^"]*)"\s*$`)

// DiscoverMailboxes issues LIST "" "*" and reports every remote folder
// path that registry does not already recognise, recording on Event that
// at least one unknown folder exists so a caller polling Event knows to
// re-run discovery through its own configuration UI.
func (s *Source) DiscoverMailboxes(registry MailboxRegistry) ([]string, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, ErrConnDead
	}
	release, err := conn.Acquire()
	defer release()
	if err != nil {
		return nil, err
	}
	reply, err := conn.List(CommandOption{}, "", "*")
	if err != nil {
		return nil, err
	}
	var unknown []string
	for _, line := range reply.Lines {
		m := reListLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		path := m[1]
		if !registry.MailboxKnown(path) {
			unknown = append(unknown, path)
		}
	}
	if len(unknown) > 0 {
		s.Event.SetHaveUnknown()
	}
	return unknown, nil
}

// Quit logs out of the server, if a connection is open, and marks the
// SharedConn dead so no further Acquire can succeed.
func (s *Source) Quit() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if release, err := conn.Acquire(); err == nil {
		_, logoutErr := conn.transport.Logout()
		s.Logger.MaybeMinorError(logoutErr)
		release()
	}
	conn.Quit()
	s.Event.SetConnError("closed")
}
