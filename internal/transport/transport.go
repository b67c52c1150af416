// Package transport is the DTLS Connection Manager described in spec §4.4:
// it owns one Connection per (socket, peer-addr) pair, wraps pion/dtls's
// record-layer engine, routes inbound datagrams to the right connection,
// and implements the NAT-resume/rehandshake policy on outbound send.
//
// Grounded on the Dtls/DtlsPacket shape in 1stship-inventoryd/dtls.go (one
// struct per peer holding epoch/sequence/session state, a Read/Write pair,
// and a ParsePacket demultiplexer) generalized from a hand-rolled
// single-peer AES-CCM record layer to a multi-peer manager fronting
// pion/dtls/v2's Conn, whose Client/Config shape is cross-checked against
// the vendored dtls.Config in other_examples (PSK callback,
// PSKIdentityHint, CipherSuites, LoggerFactory).
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
	pionlog "github.com/pion/logging"

	"github.com/protei/lwm2mclient/internal/credstore"
	"github.com/protei/lwm2mclient/internal/logger"
)

// DefaultNATTimeout is the idle interval after which the manager attempts a
// resume (falling back to rehandshake) before the next outbound send.
const DefaultNATTimeout = 40 * time.Second

// handshakeAttempt scopes the IsRehandshake flag to one handshake attempt,
// per the design-notes resolution of spec.md's Open Question: a module
// global sticks if an event is dropped, so the flag now lives on the
// attempt object the rehandshake call creates and the event dispatcher
// consumes exactly once.
type handshakeAttempt struct {
	isRehandshake bool
	consumed      bool
}

// Connection is one (socket, peer-addr) record, matching the Connection
// struct spec §3 defines: a DTLS session (nil when plaintext), the
// security-object instance backing its PSK lookup, and the two
// timestamps the NAT policy compares against.
type Connection struct {
	mu sync.Mutex

	peerAddr    *net.UDPAddr
	dtlsConn    *dtls.Conn
	plaintext   bool
	serverID    uint16
	isBootstrap bool

	lastSend     time.Time
	lastReceived time.Time
	created      time.Time

	attempt *handshakeAttempt
	closed  bool
	pc      *peerConn
}

// PeerAddr returns the stable remote address this connection was created
// for.
func (c *Connection) PeerAddr() *net.UDPAddr { return c.peerAddr }

// NetConn returns a net.Conn view of this connection suitable for layering
// a CoAP client (internal/coapglue) on top of: the DTLS session itself when
// secure, or the same per-peer datagram queue the manager's receive loop
// feeds otherwise — a connection with security mode "none" reads and
// writes plaintext CoAP straight off that queue.
func (c *Connection) NetConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dtlsConn != nil {
		return c.dtlsConn
	}
	return c.pc
}

// IsRehandshake reports whether the in-flight handshake was forced, and
// consumes the flag so it is reported at most once — mirroring the
// "cleared only after the next authentication event" rule in spec §4.4,
// but scoped per attempt instead of globally.
func (c *Connection) IsRehandshake() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt == nil || c.attempt.consumed {
		return false
	}
	c.attempt.consumed = true
	return c.attempt.isRehandshake
}

// PSKLookup resolves the PSK identity and secret for a Connection, reading
// the security-object instance id recorded at connection creation and
// consulting the Credential Store. It is installed as every Connection's
// dtls.Config.PSK callback.
type PSKLookup func(serverID uint16, isBootstrap bool, hint []byte) (identity, secret []byte, err error)

// Manager owns every Connection sharing one UDP socket, per spec §4.4.
type Manager struct {
	mu         sync.Mutex
	socket     *net.UDPConn
	conns      map[string]*Connection
	natTimeout time.Duration
	pskLookup  PSKLookup
	log        *logger.Logger
}

// NewManager creates a Manager bound to an already-open UDP socket.
func NewManager(socket *net.UDPConn, pskLookup PSKLookup) *Manager {
	return &Manager{
		socket:     socket,
		conns:      make(map[string]*Connection),
		natTimeout: DefaultNATTimeout,
		pskLookup:  pskLookup,
		log:        logger.Get().WithComponent("dtls"),
	}
}

// Socket returns the shared UDP socket this manager routes every
// Connection over.
func (m *Manager) Socket() *net.UDPConn { return m.socket }

// SetNATTimeout implements the Session Manager's setNatTimeout API (spec
// §4.5); zero disables the policy.
func (m *Manager) SetNATTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.natTimeout = d
}

func addrKey(addr *net.UDPAddr) string {
	return addr.IP.String() + ":" + fmt.Sprint(addr.Port)
}

// Open creates (or returns the existing) Connection for peerAddr. secure
// selects whether a DTLS handshake is performed; a plaintext connection is
// forbidden for bootstrap/DM targets whose security record isn't "none",
// which the Session Manager enforces before calling Open.
func (m *Manager) Open(ctx context.Context, peerAddr *net.UDPAddr, serverID uint16, isBootstrap bool, secure bool) (*Connection, error) {
	m.mu.Lock()
	key := addrKey(peerAddr)
	if existing, ok := m.conns[key]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	conn := &Connection{
		peerAddr:    peerAddr,
		plaintext:   !secure,
		serverID:    serverID,
		isBootstrap: isBootstrap,
		created:     time.Now(),
		lastSend:    time.Now(),
		pc:          newPeerConn(m.socket, peerAddr),
	}
	m.conns[key] = conn
	m.mu.Unlock()

	if !secure {
		return conn, nil
	}
	if err := m.handshake(ctx, conn, false); err != nil {
		m.mu.Lock()
		delete(m.conns, key)
		m.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

// handshake runs (or reruns) the DTLS client handshake for conn. forced
// marks the attempt as a rehandshake for IsRehandshake's benefit.
func (m *Manager) handshake(ctx context.Context, conn *Connection, forced bool) error {
	conn.mu.Lock()
	pc := conn.pc
	if pc == nil {
		pc = newPeerConn(m.socket, conn.peerAddr)
		conn.pc = pc
	}
	conn.mu.Unlock()

	cfg := &dtls.Config{
		CipherSuites: []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8},
		PSK: func(hint []byte) ([]byte, error) {
			_, secret, err := m.pskLookup(conn.serverID, conn.isBootstrap, hint)
			if err != nil {
				return nil, err
			}
			return secret, nil
		},
		PSKIdentityHint:      nil,
		LoggerFactory:        pionLoggerFactory{m.log},
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, 5*time.Second)
		},
	}
	if m.pskLookup != nil {
		identity, _, err := m.pskLookup(conn.serverID, conn.isBootstrap, nil)
		if err == nil {
			cfg.PSKIdentityHint = identity
		}
	}

	dconn, err := dtls.ClientWithContext(ctx, pc, cfg)
	if err != nil {
		return fmt.Errorf("transport: dtls handshake: %w", err)
	}

	conn.mu.Lock()
	conn.dtlsConn = dconn
	conn.plaintext = false
	conn.attempt = &handshakeAttempt{isRehandshake: forced}
	conn.closed = false
	conn.mu.Unlock()
	return nil
}

// Rehandshake forces a fresh DTLS handshake on conn, per spec §4.4: the
// current session is discarded and a new attempt is recorded, tagged so
// the next IsRehandshake() call on conn reports true (once).
func (m *Manager) Rehandshake(ctx context.Context, conn *Connection) error {
	conn.mu.Lock()
	if conn.dtlsConn != nil {
		_ = conn.dtlsConn.Close()
		conn.dtlsConn = nil
	}
	conn.mu.Unlock()
	return m.handshake(ctx, conn, true)
}

// resumeSession attempts the short-path handshake spec §4.4 calls for
// before falling back to a full rehandshake. pion/dtls/v2's PSK mode has no
// session-ticket resumption path to reuse, so the "short path" here is the
// same Client handshake the PSK suite always performs; the distinction the
// policy cares about — one resume attempt before the datagram is emitted,
// falling back to rehandshake only on failure — is preserved even though
// both paths currently run the identical handshake code.
func (m *Manager) resumeSession(ctx context.Context, conn *Connection) error {
	return m.handshake(ctx, conn, false)
}

// ErrClosed is returned by Send/handlePacket operations against a closed
// Connection.
var ErrClosed = errors.New("transport: connection closed")

// Send implements the outbound NAT policy of spec §4.4: compute ΔS/ΔR
// against lastSend/lastReceived, rehandshake on clock skew, resume (then
// rehandshake on failure) after natTimeout of mutual inactivity, and write
// through the DTLS engine (or the raw socket, for plaintext connections)
// otherwise. lastSend is only updated after a successful write.
func (m *Manager) Send(ctx context.Context, conn *Connection, data []byte) (int, error) {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return 0, ErrClosed
	}
	now := time.Now()
	deltaSend := now.Sub(conn.lastSend)
	deltaRecv := now.Sub(conn.lastReceived)
	natTimeout := m.natTimeout
	conn.mu.Unlock()

	switch {
	case deltaSend < 0:
		if err := m.Rehandshake(ctx, conn); err != nil {
			return 0, fmt.Errorf("transport: rehandshake after clock skew: %w", err)
		}
	case natTimeout > 0 && deltaSend > natTimeout && deltaRecv > natTimeout:
		if err := m.resumeSession(ctx, conn); err != nil {
			m.log.Warn("resume failed, forcing rehandshake", "error", err.Error())
			if err := m.Rehandshake(ctx, conn); err != nil {
				return 0, fmt.Errorf("transport: rehandshake after failed resume: %w", err)
			}
		}
	}

	n, err := m.write(conn, data)
	if err != nil {
		return n, err
	}
	conn.mu.Lock()
	conn.lastSend = time.Now()
	conn.mu.Unlock()
	return n, nil
}

func (m *Manager) write(conn *Connection, data []byte) (int, error) {
	conn.mu.Lock()
	plaintext := conn.plaintext
	dconn := conn.dtlsConn
	peerAddr := conn.peerAddr
	conn.mu.Unlock()

	if plaintext {
		return m.socket.WriteToUDP(data, peerAddr)
	}
	if dconn == nil {
		return 0, fmt.Errorf("transport: send on connection with no handshake")
	}
	return dconn.Write(data)
}

// HandlePacket feeds one inbound datagram — already demultiplexed to
// peerAddr by the caller's UDP read loop — into conn's per-peer datagram
// queue, which either the DTLS engine (pion/dtls/v2's Conn.Read) or a
// plaintext CoAP client (internal/coapglue, reading conn.NetConn()
// directly) is draining. lastReceived is updated before dispatch, matching
// spec §4.4.
func (m *Manager) HandlePacket(ctx context.Context, conn *Connection, data []byte) error {
	conn.mu.Lock()
	conn.lastReceived = time.Now()
	pc := conn.pc
	conn.mu.Unlock()

	if pc == nil {
		return fmt.Errorf("transport: connection has no datagram queue")
	}
	return pc.deliver(data)
}

// Close tears down conn: closes its DTLS session (if any) and removes it
// from the manager, matching the heap-node-removal ownership model of
// spec §5 ("a connection is destroyed by removing it from the list and
// freeing its DTLS session").
func (m *Manager) Close(conn *Connection) error {
	conn.mu.Lock()
	conn.closed = true
	dconn := conn.dtlsConn
	conn.dtlsConn = nil
	pc := conn.pc
	conn.pc = nil
	conn.mu.Unlock()

	m.mu.Lock()
	delete(m.conns, addrKey(conn.peerAddr))
	m.mu.Unlock()

	if pc != nil {
		_ = pc.Close()
	}
	if dconn != nil {
		return dconn.Close()
	}
	return nil
}

// Get returns the Connection registered for peerAddr, if any — used by the
// Session Manager's receive loop to demultiplex inbound datagrams before
// calling HandlePacket.
func (m *Manager) Get(peerAddr *net.UDPAddr) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[addrKey(peerAddr)]
	return conn, ok
}

// CheckRetransmit is the periodic timer callback spec §4.4 describes: it
// returns the next deadline to re-arm the retransmission timer at, clamped
// to at least one second, and maxReached when the connection's handshake
// retry budget is exhausted — at which point the caller must tear the
// connection (and the surrounding session) down.
func (m *Manager) CheckRetransmit(conn *Connection, attempts, maxAttempts int, nextDeadline time.Duration) (time.Duration, bool) {
	if attempts >= maxAttempts {
		return 0, true
	}
	if nextDeadline < time.Second {
		nextDeadline = time.Second
	}
	return nextDeadline, false
}

// AddrEqual implements spec §4.4's address comparator: equal port, and
// either matching IPv4 bytes, matching IPv6 bytes, or one side being the
// IPv4-mapped IPv6 form of the other.
func AddrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Port != b.Port {
		return false
	}
	return a.IP.Equal(b.IP)
}

// pionLoggerFactory adapts the component logger to pion/logging's
// LoggerFactory interface, so pion/dtls's internal diagnostics flow
// through the same zerolog sink as the rest of the daemon (raised to
// debug by the CLI's -d flag via logger.SetComponentLevel("dtls", ...)).
type pionLoggerFactory struct {
	log *logger.Logger
}

func (f pionLoggerFactory) NewLogger(scope string) pionlog.LeveledLogger {
	return &pionLeveledLogger{log: f.log.WithFields(map[string]interface{}{"pion_scope": scope})}
}

type pionLeveledLogger struct {
	log *logger.Logger
}

func (l *pionLeveledLogger) Trace(msg string)                         { l.log.Debug(msg) }
func (l *pionLeveledLogger) Tracef(format string, args ...interface{}) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *pionLeveledLogger) Debug(msg string)                         { l.log.Debug(msg) }
func (l *pionLeveledLogger) Debugf(format string, args ...interface{}) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *pionLeveledLogger) Info(msg string)                          { l.log.Info(msg) }
func (l *pionLeveledLogger) Infof(format string, args ...interface{}) { l.log.Info(fmt.Sprintf(format, args...)) }
func (l *pionLeveledLogger) Warn(msg string)                          { l.log.Warn(msg) }
func (l *pionLeveledLogger) Warnf(format string, args ...interface{}) { l.log.Warn(fmt.Sprintf(format, args...)) }
func (l *pionLeveledLogger) Error(msg string)                         { l.log.Error(msg, nil) }
func (l *pionLeveledLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...), nil)
}

// pskFromCredStore adapts a credstore.Store into a PSKLookup, resolving
// BS_PUBLIC_KEY/BS_SECRET_KEY or DM_PUBLIC_KEY/DM_SECRET_KEY depending on
// isBootstrap.
func pskFromCredStore(store *credstore.Store) PSKLookup {
	return func(serverID uint16, isBootstrap bool, _ []byte) ([]byte, []byte, error) {
		identityID, secretID := credstore.DMPublicKey, credstore.DMSecretKey
		if isBootstrap {
			identityID, secretID = credstore.BSPublicKey, credstore.BSSecretKey
		}
		identity, _, err := store.Get(identityID, serverID)
		if err != nil {
			return nil, nil, fmt.Errorf("transport: psk identity lookup: %w", err)
		}
		secret, _, err := store.Get(secretID, serverID)
		if err != nil {
			return nil, nil, fmt.Errorf("transport: psk secret lookup: %w", err)
		}
		return identity, secret, nil
	}
}

// NewCredStorePSKLookup is the constructor the Session Manager uses to wire
// a Connection Manager's PSK callback to the Credential Store, per spec
// §4.4's description of the PSK lookup as "the core callback".
func NewCredStorePSKLookup(store *credstore.Store) PSKLookup {
	return pskFromCredStore(store)
}

// peerConn adapts one peer's slice of a shared *net.UDPConn into a
// net.Conn, so pion/dtls — which expects one Conn per peer — can run its
// handshake and record layer over a socket the Manager also uses for every
// other peer. Inbound datagrams for this peer are pushed in by the
// Manager's read loop via deliver; Write goes straight to the shared
// socket addressed at peerAddr.
type peerConn struct {
	socket   *net.UDPConn
	peerAddr *net.UDPAddr
	inbound  chan []byte
	closed   chan struct{}
	closeOne sync.Once
}

func newPeerConn(socket *net.UDPConn, peerAddr *net.UDPAddr) *peerConn {
	return &peerConn{
		socket:   socket,
		peerAddr: peerAddr,
		inbound:  make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

// deliver hands one demultiplexed datagram to this peer's Read loop. It
// never blocks longer than necessary: a closed or saturated peerConn drops
// the datagram, matching spec §7's "unhandled inbound datagrams ... are
// dropped silently".
func (p *peerConn) deliver(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case p.inbound <- buf:
		return nil
	case <-p.closed:
		return ErrClosed
	default:
		return nil
	}
}

func (p *peerConn) Read(b []byte) (int, error) {
	select {
	case data := <-p.inbound:
		n := copy(b, data)
		return n, nil
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *peerConn) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, ErrClosed
	default:
	}
	return p.socket.WriteToUDP(b, p.peerAddr)
}

func (p *peerConn) Close() error {
	p.closeOne.Do(func() { close(p.closed) })
	return nil
}

func (p *peerConn) LocalAddr() net.Addr  { return p.socket.LocalAddr() }
func (p *peerConn) RemoteAddr() net.Addr { return p.peerAddr }

func (p *peerConn) SetDeadline(t time.Time) error      { return nil }
func (p *peerConn) SetReadDeadline(t time.Time) error  { return nil }
func (p *peerConn) SetWriteDeadline(t time.Time) error { return nil }
