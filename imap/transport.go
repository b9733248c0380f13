package imap

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/mailcore/imapsource/misc"
	"github.com/miekg/dns"
)

// Reply is the raw (status, lines) pair the Protocol returns for every
// command, before any tokenizing takes place. Body-fetch callers use Reply
// directly; Tokenize is applied separately by callers that want parsed
// structure (spec.md's "Parsed vs raw command paths").
type Reply struct {
	Status string
	Lines  []string
}

// Transport is the downward collaborator: a connection to a single
// Protocol server, real or mocked. SharedConn only ever forwards the
// commands listed here; it never reaches for anything else on the
// connection, so a test double needs to implement only this surface.
type Transport interface {
	Login(user, pass string) (Reply, error)
	Capability() (Reply, error)
	List(reference, pattern string) (Reply, error)
	Select(mailbox string, readOnly bool) (Reply, error)
	Noop() (Reply, error)
	Append(mailbox, flags string, msg []byte) (Reply, error)
	Fetch(seq, items string) (Reply, error)
	Uid(sub string, args ...string) (Reply, error)
	Store(seq, flags string) (Reply, error)
	Close() (Reply, error)
	Logout() (Reply, error)
	// Socket returns the underlying connection so that a caller (SharedConn
	// after a forwarded command times out, or Source's open-failure teardown)
	// can close it without going through the Protocol. It may be nil.
	Socket() net.Conn
}

// DebugSink is the external debug-logging collaborator. Source keeps the
// sink it is given in its Debug field; neither Source nor SharedConn calls
// Debug, so no wire traffic is written to it. It is deliberately narrower than lalog.Logger so that embedding
// applications can supply their own sink without depending on lalog.
type DebugSink interface {
	Debug(message string)
}

// TransportFactory constructs a new Transport connected to host:port. The
// factory is swappable so tests can substitute a mock; Source.Open uses
// NewDefaultTransportFactory unless the caller supplies one explicitly.
type TransportFactory func(host string, port int) (Transport, error)

// resolveHost resolves host to its first A record using an explicit
// miekg/dns query against the system's configured resolver, rather than
// leaving resolution to the opaque net.Dial default resolver. If host is
// already a literal IP address, it is returned unchanged.
func resolveHost(host string, timeout time.Duration) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}
	clientConfig, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(clientConfig.Servers) == 0 {
		// Fall back to the OS resolver when /etc/resolv.conf is unusable
		// (e.g. non-Unix test environments); the explicit miekg/dns path is
		// a refinement over the OS resolver, not its sole means of lookup.
		return host, nil
	}
	client := new(dns.Client)
	client.Timeout = timeout
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(host), dns.TypeA)
	query.RecursionDesired = true
	server := net.JoinHostPort(clientConfig.Servers[0], clientConfig.Port)
	response, _, err := client.Exchange(query, server)
	if err != nil {
		return "", fmt.Errorf("%w: resolving %s - %v", ErrNetwork, host, err)
	}
	for _, answer := range response.Answer {
		if record, ok := answer.(*dns.A); ok {
			return record.A.String(), nil
		}
	}
	// No A record found; let the OS resolver have the final say rather than
	// failing outright, since AAAA-only hosts are legitimate.
	return host, nil
}

// dialTransport is the guts of NewDefaultTransportFactory: resolve, dial,
// optionally wrap in TLS, and tweak socket options for responsiveness.
func dialTransport(host string, port int, useTLS bool, insecureSkipVerify bool, dialTimeout time.Duration) (net.Conn, error) {
	resolved, err := resolveHost(host, dialTimeout)
	if err != nil {
		return nil, err
	}
	rawConn, err := net.DialTimeout("tcp", net.JoinHostPort(resolved, strconv.Itoa(port)), dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s:%d - %v", ErrNetwork, host, port, err)
	}
	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		misc.TweakTCPConnection(tcpConn, dialTimeout)
	}
	if !useTLS {
		return rawConn, nil
	}
	tlsConn := tls.Client(rawConn, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: insecureSkipVerify,
	})
	if err := tlsConn.Handshake(); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("%w: TLS handshake with %s:%d - %v", ErrNetwork, host, port, err)
	}
	return tlsConn, nil
}

// NewDefaultTransportFactory returns a TransportFactory that dials a real
// Protocol server, in plain or TLS-from-start mode per useTLS, using
// dialTimeout for both the resolution step and the initial dial/handshake.
func NewDefaultTransportFactory(useTLS, insecureSkipVerify bool, dialTimeout time.Duration) TransportFactory {
	return func(host string, port int) (Transport, error) {
		conn, err := dialTransport(host, port, useTLS, insecureSkipVerify, dialTimeout)
		if err != nil {
			return nil, err
		}
		return newWireTransport(conn, dialTimeout), nil
	}
}
