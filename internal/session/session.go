// Package session is the Session Manager described in spec §4.5: the
// single state machine driving a device through bootstrap, registration,
// registration-update and deregistration, translating Credential Store
// records and Connection Manager events into the strict, ordered status
// stream external callers observe.
//
// Grounded on main.go's top-level control loop (one goroutine owning a
// ticker, dispatching to a handful of synchronous step helpers) and wired
// to internal/transport for DTLS/UDP and internal/coapglue for the CoAP
// requests themselves.
package session

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/protei/lwm2mclient/internal/coapglue"
	"github.com/protei/lwm2mclient/internal/credstore"
	"github.com/protei/lwm2mclient/internal/logger"
	"github.com/protei/lwm2mclient/internal/paramstore"
	"github.com/protei/lwm2mclient/internal/pkgsecurity"
	"github.com/protei/lwm2mclient/internal/registry"
	"github.com/protei/lwm2mclient/internal/transport"
)

// LwM2M standard object/resource ids for the Firmware object (object 5):
// Package receives downloaded chunks, Update triggers the digest/signature
// check spec §4.6 describes. Both resources share one
// pkgsecurity.FirmwareResource, the same pattern the Security object (0)
// uses in securityobj.go.
const (
	ObjectFirmware          registry.ObjectID   = 5
	ResourceFirmwarePackage registry.ResourceID = 0
	ResourceFirmwareUpdate  registry.ResourceID = 2
)

// State is the lifecycle enumeration spec §3 defines.
type State int

const (
	StateInit State = iota
	StateBootstrapping
	StateBootstrapDone
	StateRegisterRequired
	StateRegistering
	StateReady
	StateUpdateRequired
	StateDeregistering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateBootstrapping:
		return "BOOTSTRAPPING"
	case StateBootstrapDone:
		return "BOOTSTRAP_DONE"
	case StateRegisterRequired:
		return "REGISTER_REQUIRED"
	case StateRegistering:
		return "REGISTERING"
	case StateReady:
		return "READY"
	case StateUpdateRequired:
		return "UPDATE_REQUIRED"
	case StateDeregistering:
		return "DEREGISTERING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN_STATE"
	}
}

// PushResult is the outcome of an application-triggered send, per spec
// §4.5's {Initiated, Busy, Failed} ternary.
type PushResult int

const (
	PushInitiated PushResult = iota
	PushBusy
	PushFailed
)

// Config wires the Session Manager to the subsystems it orchestrates.
type Config struct {
	CredStore  *credstore.Store
	ParamStore *paramstore.Store
	Registry   *registry.Registry
	ListenAddr string
	Lifetime   int
	NATTimeout time.Duration
}

// server tracks one bootstrap-or-DM peer's live connection and CoAP client.
type server struct {
	id          uint16
	isBootstrap bool
	addr        *net.UDPAddr
	conn        *transport.Connection
	client      *coapglue.Client
	location    string
}

// Manager is the Session Manager: one instance per device, owning the
// socket, the Connection Manager, the CoAP router, and the bootstrap/DM
// state machine.
type Manager struct {
	mu sync.Mutex

	cfg     Config
	state   State
	eventCb Callback

	socket      *net.UDPConn
	transportMg *transport.Manager
	router      *coapglue.Router
	secObj      *securityObject

	dm []*server

	log *logger.Logger

	stopRecv context.CancelFunc
	busy     bool
}

// Init builds a Session Manager bound to cfg, registering the Security
// object (object 0) against cfg.Registry so inbound bootstrap writes land
// in the Credential Store.
func Init(cfg Config, eventCb Callback) (*Manager, error) {
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = 86400
	}
	router, err := coapglue.NewRouter(cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("session: init coap router: %w", err)
	}
	secObj := registerSecurityObject(cfg.Registry, cfg.CredStore)

	// Spec §4.6: package-download integrity/signature checking persists its
	// streaming digest's resumable context via the Parameter Store, so a
	// restart mid-download picks up where it left off instead of
	// re-downloading from scratch.
	fwResource := pkgsecurity.NewFirmwareResource(pkgsecurity.NewVerifier(cfg.ParamStore, pkgsecurity.Firmware))
	cfg.Registry.Register(ObjectFirmware, ResourceFirmwarePackage, fwResource)
	cfg.Registry.Register(ObjectFirmware, ResourceFirmwareUpdate, fwResource)

	m := &Manager{
		cfg:     cfg,
		state:   StateInit,
		eventCb: eventCb,
		router:  router,
		secObj:  secObj,
		log:     logger.Get().WithComponent("session"),
	}
	return m, nil
}

func (m *Manager) emit(ev Event) {
	if m.eventCb != nil {
		m.eventCb(ev)
	}
	m.log.Debug("session event", "event", ev.String())
}

// Connect opens the UDP socket, starts the Connection Manager and the
// inbound receive loop, then kicks off bootstrap-or-register depending on
// what the Credential Store already holds — mirroring spec §9's "on
// startup, bootstrap only if no DM server is configured" rule.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateInit {
		m.mu.Unlock()
		return fmt.Errorf("session: connect called in state %s", m.state)
	}
	m.mu.Unlock()

	addr, err := net.ResolveUDPAddr("udp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("session: resolve listen addr: %w", err)
	}
	socket, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("session: listen udp: %w", err)
	}

	transportMg := transport.NewManager(socket, transport.NewCredStorePSKLookup(m.cfg.CredStore))
	if m.cfg.NATTimeout > 0 {
		transportMg.SetNATTimeout(m.cfg.NATTimeout)
	}

	recvCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.socket = socket
	m.transportMg = transportMg
	m.stopRecv = cancel
	m.mu.Unlock()

	go m.recvLoop(recvCtx)

	if len(m.cfg.CredStore.AllDM()) == 0 {
		return m.doBootstrap(ctx)
	}
	return m.doRegisterAll(ctx)
}

// recvLoop is the single UDP read loop spec §4.4/§4.5 assume: every inbound
// datagram is demultiplexed by peer address and handed to the owning
// Connection, with unmatched datagrams dropped silently per spec §7.
func (m *Manager) recvLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.mu.Lock()
		socket := m.socket
		m.mu.Unlock()
		if socket == nil {
			return
		}
		_ = socket.SetReadDeadline(time.Now().Add(time.Second))
		n, peerAddr, err := socket.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		conn, ok := m.transportMg.Get(peerAddr)
		if !ok {
			m.log.Debug("dropping datagram from unknown peer", "peer", peerAddr.String())
			continue
		}
		if err := m.transportMg.HandlePacket(ctx, conn, buf[:n]); err != nil {
			m.log.Debug("dropping undeliverable datagram", "peer", peerAddr.String(), "error", err.Error())
		}
	}
}

// doBootstrap runs the full bootstrap exchange spec §8 scenario 1
// describes: open a (likely secure) connection to the bootstrap server,
// perform the CoAP /bs request, and wait for the bootstrap server to push
// Security object writes before transitioning to REGISTER_REQUIRED.
func (m *Manager) doBootstrap(ctx context.Context) error {
	bs, ok := m.cfg.CredStore.Bootstrap()
	if !ok {
		return fmt.Errorf("session: no bootstrap server configured")
	}

	m.setState(StateBootstrapping)
	m.emit(Event{Type: EventAuthenticationStarted, Kind: KindBootstrap})

	addr, err := resolveServerURI(bs.ServerURI)
	if err != nil {
		m.emit(Event{Type: EventAuthenticationFailed, Kind: KindBootstrap, Err: err})
		m.emit(Event{Type: EventSessionFailed, Kind: KindBootstrap, Err: err})
		return err
	}

	conn, err := m.transportMg.Open(ctx, addr, 0, true, true)
	if err != nil {
		m.emit(Event{Type: EventAuthenticationFailed, Kind: KindBootstrap, Err: err})
		m.emit(Event{Type: EventSessionFailed, Kind: KindBootstrap, Err: err})
		return fmt.Errorf("session: bootstrap handshake: %w", err)
	}
	m.emit(Event{Type: EventSessionStarted, Kind: KindBootstrap})
	m.emit(Event{Type: EventSessionTypeStart, Kind: KindBootstrap})

	client, err := coapglue.NewClient(conn.NetConn(), m.router)
	if err != nil {
		m.emit(Event{Type: EventSessionFailed, Kind: KindBootstrap, Err: err})
		return fmt.Errorf("session: bootstrap coap client: %w", err)
	}
	defer client.Close()

	endpoint := m.cfg.CredStore.General().Endpoint
	if err := client.Bootstrap(ctx, endpoint); err != nil {
		m.emit(Event{Type: EventSessionFailed, Kind: KindBootstrap, Err: err})
		return fmt.Errorf("session: bootstrap request: %w", err)
	}

	m.setState(StateBootstrapDone)
	m.setState(StateRegisterRequired)
	return m.doRegisterAll(ctx)
}

// doRegisterAll registers against every DM server the Credential Store now
// holds. When every server registered it emits one SESSION_FINISHED for the
// whole attempt; when any server failed it emits one SESSION_FAILED carrying
// the first error instead, in addition to any per-server SESSION_FAILED
// registerOne already emitted.
func (m *Manager) doRegisterAll(ctx context.Context) error {
	m.setState(StateRegistering)

	records := m.cfg.CredStore.AllDM()
	var firstErr error
	for _, rec := range records {
		if err := m.registerOne(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		m.emit(Event{Type: EventSessionFailed, Kind: KindDM, Err: firstErr})
		// registerOne already deleted this server's DM credentials on
		// failure (spec §4.5's "On registration failure" rule), so whether
		// this attempt followed a fresh bootstrap or used credentials left
		// over from a prior run, the next Connect has no DM credentials
		// left to register with and must bootstrap again — reset to INIT
		// unconditionally rather than guessing at the prior state.
		m.setState(StateInit)
		return firstErr
	}

	m.setState(StateReady)
	m.emit(Event{Type: EventSessionFinished, Kind: KindDM})
	return nil
}

func (m *Manager) registerOne(ctx context.Context, rec credstore.Security) error {
	m.emit(Event{Type: EventAuthenticationStarted, Kind: KindDM, ServerID: rec.ServerID})

	addr, err := resolveServerURI(rec.ServerURI)
	if err != nil {
		m.emit(Event{Type: EventAuthenticationFailed, Kind: KindDM, ServerID: rec.ServerID, Err: err})
		_ = m.cfg.CredStore.DeleteAllDM(rec.ServerID)
		return err
	}

	conn, err := m.transportMg.Open(ctx, addr, rec.ServerID, false, true)
	if err != nil {
		m.emit(Event{Type: EventAuthenticationFailed, Kind: KindDM, ServerID: rec.ServerID, Err: err})
		_ = m.cfg.CredStore.DeleteAllDM(rec.ServerID)
		return fmt.Errorf("session: server %d handshake: %w", rec.ServerID, err)
	}
	m.emit(Event{Type: EventSessionStarted, Kind: KindDM, ServerID: rec.ServerID})
	m.emit(Event{Type: EventSessionTypeStart, Kind: KindDM, ServerID: rec.ServerID})

	client, err := coapglue.NewClient(conn.NetConn(), m.router)
	if err != nil {
		m.emit(Event{Type: EventSessionFailed, Kind: KindDM, ServerID: rec.ServerID, Err: err})
		return fmt.Errorf("session: server %d coap client: %w", rec.ServerID, err)
	}

	endpoint := m.cfg.CredStore.General().Endpoint

	// Spec §2/§4.2: the Parameter Store persists "resume cursors" the core
	// uses across reboots. A previously persisted registration location for
	// this server is tried first via an Update, the cheap path a live
	// registration's lifetime refresh already uses; only a missing cursor or
	// a rejected resume falls back to a full Register.
	location := ""
	if cursor, ok := m.loadResumeLocation(rec.ServerID); ok {
		if uerr := client.Update(ctx, cursor, false, ""); uerr == nil {
			location = cursor
		} else {
			m.log.Debug("resume cursor rejected, registering fresh", "server_id", rec.ServerID, "error", uerr.Error())
		}
	}

	if location == "" {
		result, rerr := client.Register(ctx, endpoint, m.cfg.Lifetime, false, "")
		if rerr != nil {
			client.Close()
			m.emit(Event{Type: EventSessionFailed, Kind: KindDM, ServerID: rec.ServerID, Err: rerr})
			_ = m.cfg.CredStore.DeleteAllDM(rec.ServerID)
			_ = m.clearResumeLocation(rec.ServerID)
			return fmt.Errorf("session: server %d register: %w", rec.ServerID, rerr)
		}
		location = result.Location
	}

	if err := m.saveResumeLocation(rec.ServerID, location); err != nil {
		m.log.Warn("persist registration resume cursor failed", "server_id", rec.ServerID, "error", err.Error())
	}

	m.mu.Lock()
	m.dm = append(m.dm, &server{
		id: rec.ServerID, addr: addr, conn: conn, client: client, location: location,
	})
	m.mu.Unlock()
	return nil
}

// resumeParamBase is the low end of the per-server registration-location
// resume cursor's ParamID range; spec §3's short server id is a uint16, so
// adding it to this base keeps every server's cursor at a distinct key the
// way internal/credstore suffixes DM key names with the server id.
const resumeParamBase paramstore.ParamID = 100

func resumeParamID(serverID uint16) paramstore.ParamID {
	return resumeParamBase + paramstore.ParamID(serverID)
}

// loadResumeLocation reads the persisted registration location for
// serverID, if the Parameter Store holds one.
func (m *Manager) loadResumeLocation(serverID uint16) (string, bool) {
	if m.cfg.ParamStore == nil {
		return "", false
	}
	data, written, err := m.cfg.ParamStore.Get(resumeParamID(serverID))
	if err != nil || !written || len(data) == 0 {
		return "", false
	}
	return string(data), true
}

// saveResumeLocation persists the registration location returned by a
// successful Register/Update, so a later Connect can resume rather than
// re-register from scratch.
func (m *Manager) saveResumeLocation(serverID uint16, location string) error {
	if m.cfg.ParamStore == nil {
		return nil
	}
	return m.cfg.ParamStore.Set(resumeParamID(serverID), []byte(location))
}

// clearResumeLocation removes a persisted cursor, e.g. after a clean
// deregistration or a registration attempt that failed outright.
func (m *Manager) clearResumeLocation(serverID uint16) error {
	if m.cfg.ParamStore == nil {
		return nil
	}
	return m.cfg.ParamStore.Delete(resumeParamID(serverID))
}

// Update sends a registration-update to every live DM server, per spec
// §4.5's LWM2M_SESSION_TYPE_UPDATE operation.
func (m *Manager) Update(ctx context.Context) error {
	m.mu.Lock()
	servers := append([]*server(nil), m.dm...)
	m.mu.Unlock()

	m.setState(StateUpdateRequired)
	var firstErr error
	for _, srv := range servers {
		m.emit(Event{Type: EventAuthenticationStarted, Kind: KindDM, ServerID: srv.id})
		if err := srv.client.Update(ctx, srv.location, false, ""); err != nil {
			m.emit(Event{Type: EventSessionFailed, Kind: KindDM, ServerID: srv.id, Err: err})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.emit(Event{Type: EventSessionStarted, Kind: KindDM, ServerID: srv.id})
	}
	m.setState(StateReady)
	if firstErr != nil {
		return firstErr
	}
	m.emit(Event{Type: EventSessionFinished, Kind: KindDM})
	return nil
}

// Disconnect deregisters from every DM server and tears down their
// connections, without closing the underlying socket.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.setState(StateDeregistering)
	m.mu.Lock()
	servers := append([]*server(nil), m.dm...)
	m.dm = nil
	m.mu.Unlock()

	var firstErr error
	for _, srv := range servers {
		if err := srv.client.Deregister(ctx, srv.location); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			// A clean deregistration invalidates the server-side location;
			// drop the resume cursor so the next Connect registers fresh
			// instead of trying to Update a location the server forgot.
			_ = m.clearResumeLocation(srv.id)
		}
		srv.client.Close()
		_ = m.transportMg.Close(srv.conn)
	}
	m.setState(StateInit)
	return firstErr
}

// Free releases the socket and stops the receive loop, moving the Session
// Manager to its terminal state.
func (m *Manager) Free() error {
	m.mu.Lock()
	stop := m.stopRecv
	socket := m.socket
	m.socket = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.setState(StateClosed)
	if socket != nil {
		return socket.Close()
	}
	return nil
}

// Push sends an application payload to the named DM server, implementing
// spec §4.5's synchronous {Initiated, Busy, Failed} push API.
func (m *Manager) Push(ctx context.Context, serverID uint16, data []byte) PushResult {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return PushBusy
	}
	m.busy = true
	var target *server
	for _, srv := range m.dm {
		if srv.id == serverID {
			target = srv
			break
		}
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.busy = false
		m.mu.Unlock()
	}()

	if target == nil {
		return PushFailed
	}
	if _, err := m.transportMg.Send(ctx, target.conn, data); err != nil {
		return PushFailed
	}
	return PushInitiated
}

// SendAsyncResponse writes a response to a previously-received asynchronous
// request over the same connection it arrived on.
func (m *Manager) SendAsyncResponse(ctx context.Context, serverID uint16, data []byte) error {
	m.mu.Lock()
	var target *server
	for _, srv := range m.dm {
		if srv.id == serverID {
			target = srv
			break
		}
	}
	m.mu.Unlock()
	if target == nil {
		return fmt.Errorf("session: no connection open for server %d", serverID)
	}
	_, err := m.transportMg.Send(ctx, target.conn, data)
	return err
}

// SetNatTimeout forwards to the Connection Manager, per spec §4.5's
// setNatTimeout API.
func (m *Manager) SetNatTimeout(d time.Duration) {
	m.mu.Lock()
	tm := m.transportMg
	m.mu.Unlock()
	if tm != nil {
		tm.SetNATTimeout(d)
	}
}

// SetPushCallback installs (or replaces) the event callback.
func (m *Manager) SetPushCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventCb = cb
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// resolveServerURI turns an LwM2M coaps://host:port URI into a UDP address,
// the way the porting layer's socket glue resolves server URIs before
// opening a Connection Manager entry.
func resolveServerURI(uri string) (*net.UDPAddr, error) {
	hostport := uri
	if idx := strings.Index(uri, "://"); idx >= 0 {
		hostport = uri[idx+3:]
	}
	hostport = strings.TrimSuffix(hostport, "/")
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, fmt.Errorf("session: resolve server uri %q: %w", uri, err)
	}
	return addr, nil
}
