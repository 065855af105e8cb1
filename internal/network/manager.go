package network

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/robolibs/agrobus/internal/logger"
	"github.com/robolibs/agrobus/internal/sched"
	"github.com/robolibs/agrobus/internal/transport"
	"github.com/robolibs/agrobus/pkg/can"
	"github.com/robolibs/agrobus/pkg/endpoint"
	"github.com/robolibs/agrobus/pkg/name"
)

// Sentinel errors of the network layer.
var (
	ErrNotReady        = errors.New("no endpoint bound to port")
	ErrInvalidPort     = errors.New("port index out of range")
	ErrInvalidState    = errors.New("operation not valid in current state")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Config sizes a Manager at construction time.
type Config struct {
	// NumPorts is the number of CAN ports the manager owns.
	NumPorts int
	// EnableBusLoad toggles the rolling bus-load estimator.
	EnableBusLoad bool
	// MaxTxSessionsPerPort caps concurrent outgoing transport sessions.
	MaxTxSessionsPerPort int
	// RxBatchPerUpdate bounds how many frames one tick drains per port.
	RxBatchPerUpdate int
}

// DefaultConfig returns the standard single-port configuration.
func DefaultConfig() Config {
	return Config{
		NumPorts:             1,
		EnableBusLoad:        true,
		MaxTxSessionsPerPort: 4,
		RxBatchPerUpdate:     32,
	}
}

func (c *Config) normalize() {
	if c.NumPorts <= 0 {
		c.NumPorts = 1
	}
	if c.MaxTxSessionsPerPort <= 0 {
		c.MaxTxSessionsPerPort = 4
	}
	if c.RxBatchPerUpdate <= 0 {
		c.RxBatchPerUpdate = 32
	}
}

type portState struct {
	index     uint8
	ep        endpoint.FrameEndpoint
	transport *transport.Layer
	load      busLoad
	framesRx  uint64
	framesTx  uint64
}

// RequestHandler answers a Request (PGN 59904) for a PGN a subsystem owns.
type RequestHandler func(requestedPGN can.PGN, requester uint8, port uint8)

// Manager is the hub of the stack: it owns the CAN ports, every internal
// control function and every live transport session, and it routes received
// parameter groups to their subscribers. All mutation happens inside Update,
// on one goroutine.
type Manager struct {
	cfg   Config
	ports []*portState

	internals []*InternalControlFunction
	partners  []*Partner
	externals map[uint8]map[name.Name]*ControlFunction
	// silence tracks milliseconds since an external peer last claimed.
	silence map[*ControlFunction]uint32

	callbacks       map[can.PGN][]func(*can.Message)
	requestHandlers map[can.PGN]RequestHandler

	tasks sched.Scheduler
	log   *slog.Logger
}

// partnerLostAfterMS is three missed 250 ms claim cadences plus a grace
// period before a matched partner is declared gone.
const partnerLostAfterMS = 1000

// NewManager constructs a Manager with cfg. Ports start without endpoints;
// Send fails with ErrNotReady until SetEndpoint binds a driver.
func NewManager(cfg Config) *Manager {
	cfg.normalize()
	m := &Manager{
		cfg:             cfg,
		externals:       make(map[uint8]map[name.Name]*ControlFunction),
		silence:         make(map[*ControlFunction]uint32),
		callbacks:       make(map[can.PGN][]func(*can.Message)),
		requestHandlers: make(map[can.PGN]RequestHandler),
		log:             logger.With(logger.Category("network")),
	}
	for i := 0; i < cfg.NumPorts; i++ {
		port := uint8(i)
		ps := &portState{index: port}
		ps.transport = transport.NewLayer(port,
			transport.Config{MaxTxSessions: cfg.MaxTxSessionsPerPort},
			func(f can.Frame) error { return m.sendToEndpoint(ps, f) },
			func(addr uint8) bool { return m.ownsAddress(port, addr) },
		)
		m.ports = append(m.ports, ps)
		m.externals[port] = make(map[name.Name]*ControlFunction)
	}
	return m
}

// NumPorts returns the number of ports the manager owns.
func (m *Manager) NumPorts() int { return len(m.ports) }

// SetEndpoint binds a CAN driver to a port.
func (m *Manager) SetEndpoint(port uint8, ep endpoint.FrameEndpoint) error {
	ps, err := m.portState(port)
	if err != nil {
		return err
	}
	ps.ep = ep
	return nil
}

// Transport returns the transport layer of a port. TC clients hook transfer
// completion through it.
func (m *Manager) Transport(port uint8) *transport.Layer {
	if int(port) < len(m.ports) {
		return m.ports[port].transport
	}
	return nil
}

// CreateInternal registers an internal control function and starts its
// address claim toward preferredAddress.
func (m *Manager) CreateInternal(n name.Name, port uint8, preferredAddress uint8) (*InternalControlFunction, error) {
	if _, err := m.portState(port); err != nil {
		return nil, err
	}
	cf := &InternalControlFunction{
		ControlFunction: ControlFunction{
			name:    n,
			address: can.NullAddress,
			port:    port,
			kind:    KindInternal,
		},
		heartbeatTaskIdx: -1,
	}
	cf.claim.preferred = preferredAddress
	m.internals = append(m.internals, cf)
	return cf, nil
}

// CreatePartner registers a NAME-filtered partner handle on a port.
func (m *Manager) CreatePartner(port uint8, filters []name.Filter) (*Partner, error) {
	if _, err := m.portState(port); err != nil {
		return nil, err
	}
	if len(filters) == 0 {
		return nil, fmt.Errorf("%w: partner needs at least one NAME filter", ErrInvalidArgument)
	}
	p := &Partner{port: port, filters: filters}
	m.partners = append(m.partners, p)
	return p, nil
}

// RegisterPGNCallback subscribes fn to every delivered message of pgn whose
// destination is broadcast or one of the internal control functions.
// Callbacks run in registration order.
func (m *Manager) RegisterPGNCallback(pgn can.PGN, fn func(*can.Message)) {
	m.callbacks[pgn] = append(m.callbacks[pgn], fn)
}

// RegisterRequestHandler routes Request(pgn) to the owning subsystem.
func (m *Manager) RegisterRequestHandler(pgn can.PGN, fn RequestHandler) {
	m.requestHandlers[pgn] = fn
}

// RegisterFastPacketPGN declares Fast Packet framing for pgn on all ports.
func (m *Manager) RegisterFastPacketPGN(pgn can.PGN) {
	for _, ps := range m.ports {
		ps.transport.RegisterFastPacketPGN(pgn)
	}
}

// EnableHeartbeat starts the periodic heartbeat broadcast (PGN 61668) for an
// internal control function. The sequence byte increments on every beat.
func (m *Manager) EnableHeartbeat(cf *InternalControlFunction, intervalMS uint32) {
	if cf.heartbeatTaskIdx >= 0 {
		m.tasks.Enable(cf.heartbeatTaskIdx)
		return
	}
	cf.heartbeatTaskIdx = m.tasks.Add("heartbeat", intervalMS, func() bool {
		if !cf.Online() {
			return true
		}
		data := []byte{cf.heartbeatSeq, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
		if err := m.Send(can.PGNHeartbeat, data, cf, nil); err != nil {
			return false
		}
		cf.heartbeatSeq++
		return true
	}, 0)
}

// DisableHeartbeat stops the heartbeat broadcast.
func (m *Manager) DisableHeartbeat(cf *InternalControlFunction) {
	if cf.heartbeatTaskIdx >= 0 {
		m.tasks.Disable(cf.heartbeatTaskIdx)
	}
}

// Externals returns a snapshot of the discovered peers on a port.
func (m *Manager) Externals(port uint8) []*ControlFunction {
	out := make([]*ControlFunction, 0, len(m.externals[port]))
	for _, cf := range m.externals[port] {
		out = append(out, cf)
	}
	return out
}

// BusLoad returns the rolling-window load estimate of a port in percent.
func (m *Manager) BusLoad(port uint8) float32 {
	ps, err := m.portState(port)
	if err != nil || !m.cfg.EnableBusLoad {
		return 0
	}
	return ps.load.percent()
}

// FrameCounts returns frames received and transmitted on a port.
func (m *Manager) FrameCounts(port uint8) (rx, tx uint64) {
	if ps, err := m.portState(port); err == nil {
		return ps.framesRx, ps.framesTx
	}
	return 0, 0
}

// ActiveSessions returns the live transport session count on a port.
func (m *Manager) ActiveSessions(port uint8) int {
	if ps, err := m.portState(port); err == nil {
		return ps.transport.ActiveSessions()
	}
	return 0
}

// ─── Transmit ───────────────────────────────────────────────────────────────

// Send transmits data under pgn from an online internal control function.
// A nil dst broadcasts; PDU1 PGNs require a destination. Payloads over eight
// bytes open a transport session; the per-PGN default priority applies
// unless a priority override is supplied.
func (m *Manager) Send(pgn can.PGN, data []byte, src *InternalControlFunction, dst *ControlFunction, priority ...can.Priority) error {
	if src == nil || !src.Online() {
		return fmt.Errorf("%w: source control function is not online", ErrInvalidState)
	}
	ps, err := m.portState(src.port)
	if err != nil {
		return err
	}
	if ps.ep == nil {
		return ErrNotReady
	}

	dstAddr := can.BroadcastAddress
	if dst != nil {
		if !dst.Online() {
			return fmt.Errorf("%w: destination control function is offline", ErrInvalidState)
		}
		dstAddr = dst.Address()
	} else if !pgn.IsPDU2() {
		return fmt.Errorf("%w: destination-specific PGN 0x%X needs a destination", ErrInvalidArgument, uint32(pgn))
	}

	prio := can.DefaultPriority(pgn)
	if len(priority) > 0 {
		prio = priority[0]
	}

	if ps.transport.IsFastPacket(pgn) || len(data) > 8 {
		return ps.transport.Send(pgn, data, prio, src.address, dstAddr)
	}

	frame, err := can.NewFrame(prio, pgn, src.address, dstAddr, data)
	if err != nil {
		return err
	}
	if !m.sendRaw(src.port, frame) {
		return endpoint.ErrWouldBlock
	}
	return nil
}

// SendTo transmits like Send but takes a raw destination address. Protocol
// subsystems that track their peers by address (the TC client and server)
// use it to answer requesters directly.
func (m *Manager) SendTo(pgn can.PGN, data []byte, src *InternalControlFunction, dstAddr uint8, priority ...can.Priority) error {
	if src == nil || !src.Online() {
		return fmt.Errorf("%w: source control function is not online", ErrInvalidState)
	}
	ps, err := m.portState(src.port)
	if err != nil {
		return err
	}
	if ps.ep == nil {
		return ErrNotReady
	}
	prio := can.DefaultPriority(pgn)
	if len(priority) > 0 {
		prio = priority[0]
	}

	if ps.transport.IsFastPacket(pgn) || len(data) > 8 {
		return ps.transport.Send(pgn, data, prio, src.address, dstAddr)
	}
	frame, err := can.NewFrame(prio, pgn, src.address, dstAddr, data)
	if err != nil {
		return err
	}
	if !m.sendRaw(src.port, frame) {
		return endpoint.ErrWouldBlock
	}
	return nil
}

// sendRaw pushes one frame at a port endpoint, accounting bus load. Returns
// false on back-pressure.
func (m *Manager) sendRaw(port uint8, frame can.Frame) bool {
	ps, err := m.portState(port)
	if err != nil || ps.ep == nil {
		return false
	}
	frame.Port = port
	return m.sendToEndpoint(ps, frame) == nil
}

func (m *Manager) sendToEndpoint(ps *portState, frame can.Frame) error {
	if ps.ep == nil {
		return ErrNotReady
	}
	err := ps.ep.Send(frame)
	if err == nil {
		ps.framesTx++
		if m.cfg.EnableBusLoad {
			ps.load.addFrame(frame.DLC)
		}
	}
	return err
}

// ─── Tick ───────────────────────────────────────────────────────────────────

// Update advances the whole stack by elapsedMS: drains received frames,
// walks the claim state machines, advances transport sessions and runs due
// scheduler tasks. It must be called from a single goroutine.
func (m *Manager) Update(elapsedMS uint32) {
	for _, ps := range m.ports {
		m.drainPort(ps)
	}
	for _, cf := range m.internals {
		m.updateClaim(cf, elapsedMS)
	}
	for _, ps := range m.ports {
		ps.transport.Update(elapsedMS)
		if m.cfg.EnableBusLoad {
			ps.load.update(elapsedMS)
		}
	}
	m.updatePartners(elapsedMS)
	m.tasks.Update(elapsedMS)
}

func (m *Manager) drainPort(ps *portState) {
	if ps.ep == nil {
		return
	}
	for i := 0; i < m.cfg.RxBatchPerUpdate; i++ {
		frame, ok := ps.ep.Recv()
		if !ok {
			return
		}
		ps.framesRx++
		if m.cfg.EnableBusLoad {
			ps.load.addFrame(frame.DLC)
		}
		frame.Port = ps.index
		m.handleFrame(ps, frame)
	}
}

func (m *Manager) handleFrame(ps *portState, frame can.Frame) {
	ident := can.Decode(frame.ID)

	switch ident.PGN {
	case can.PGNAddressClaimed:
		m.handleAddressClaimed(ps.index, ident, frame)
		return
	case can.PGNRequest:
		m.handleRequest(ps.index, ident, frame)
		return
	}

	disp, msg := ps.transport.Process(frame)
	switch disp {
	case transport.Consumed:
		return
	case transport.Delivered:
		m.dispatch(msg)
	case transport.Passthrough:
		m.dispatch(&can.Message{
			PGN:         ident.PGN,
			Source:      ident.Source,
			Destination: ident.Destination,
			Priority:    ident.Priority,
			Data:        append([]byte(nil), frame.Bytes()...),
			Port:        ps.index,
			TimestampUS: frame.TimestampUS,
		})
	}
}

// dispatch fans a delivered message out to its PGN subscribers, filtered by
// destination. Callback panics and errors stay inside the dispatcher.
func (m *Manager) dispatch(msg *can.Message) {
	if msg == nil {
		return
	}
	if !msg.IsBroadcast() && !m.ownsAddress(msg.Port, msg.Destination) {
		return
	}
	for _, fn := range m.callbacks[msg.PGN] {
		m.invoke(fn, msg)
	}
}

func (m *Manager) invoke(fn func(*can.Message), msg *can.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("PGN callback panicked",
				logger.PGN(uint32(msg.PGN)), "panic", fmt.Sprint(r))
		}
	}()
	fn(msg)
}

// ownsAddress reports whether addr is held by an online internal control
// function on the port.
func (m *Manager) ownsAddress(port uint8, addr uint8) bool {
	for _, cf := range m.internals {
		if cf.port == port && cf.Online() && cf.address == addr {
			return true
		}
	}
	return false
}

// ─── Address Claimed and Request handling ───────────────────────────────────

// handleAddressClaimed folds one claim broadcast into the external table,
// re-arbitrates internal claims on the same address and re-evaluates
// partner filters.
func (m *Manager) handleAddressClaimed(port uint8, ident can.Identifier, frame can.Frame) {
	if frame.DLC < 8 {
		return
	}
	peerName := name.FromBytes(frame.Data[:8])

	if ident.Source == can.NullAddress {
		// CannotClaim: the peer lost its address.
		m.peerWentOffline(port, peerName)
		return
	}

	ext, known := m.externals[port][peerName]
	if !known {
		ext = &ControlFunction{name: peerName, port: port, kind: KindExternal}
		m.externals[port][peerName] = ext
	}
	ext.address = ident.Source
	ext.state = CFOnline
	m.silence[ext] = 0

	for _, cf := range m.internals {
		if cf.port == port && cf.name != peerName {
			m.handleContention(cf, peerName, ident.Source)
		}
	}
	m.evalPartners(port, ext)
}

func (m *Manager) peerWentOffline(port uint8, peerName name.Name) {
	ext, known := m.externals[port][peerName]
	if !known {
		return
	}
	ext.state = CFOffline
	ext.address = can.NullAddress
	for _, p := range m.partners {
		if p.cf == ext {
			p.cf = nil
			if p.OnPartnerLost != nil {
				p.OnPartnerLost()
			}
		}
	}
	delete(m.externals[port], peerName)
	delete(m.silence, ext)
}

func (m *Manager) evalPartners(port uint8, ext *ControlFunction) {
	for _, p := range m.partners {
		if p.port != port || p.cf != nil || !p.Matches(ext.name) {
			continue
		}
		p.cf = ext
		ext.kind = KindPartnered
		m.log.Info("partner resolved",
			logger.Port(port), logger.NameRaw(uint64(ext.name)), logger.Address(ext.address))
		if p.OnPartnerFound != nil {
			p.OnPartnerFound(ext.address)
		}
	}
}

func (m *Manager) updatePartners(elapsedMS uint32) {
	for ext := range m.silence {
		m.silence[ext] += elapsedMS
	}
	for _, p := range m.partners {
		if p.cf == nil {
			continue
		}
		if m.silence[p.cf] > partnerLostAfterMS {
			lost := p.cf
			m.log.Warn("partner lost",
				logger.Port(p.port), logger.NameRaw(uint64(lost.name)))
			p.cf = nil
			if p.OnPartnerLost != nil {
				p.OnPartnerLost()
			}
		}
	}
}

// handleRequest answers PGN 59904. Requests for AddressClaimed reach the
// claim machinery; requests for subsystem-owned PGNs dispatch to their
// handler; anything else aimed at an internal control function is NACKed.
func (m *Manager) handleRequest(port uint8, ident can.Identifier, frame can.Frame) {
	if frame.DLC < 3 {
		return
	}
	requested := can.PGN(frame.Data[0]) | can.PGN(frame.Data[1])<<8 | can.PGN(frame.Data[2])<<16

	if requested == can.PGNAddressClaimed {
		for _, cf := range m.internals {
			if cf.port != port {
				continue
			}
			switch cf.claim.state {
			case ClaimAddressClaimed:
				m.sendAddressClaimed(cf, cf.address)
			case ClaimUnableToClaim:
				m.sendCannotClaim(cf)
			}
		}
		return
	}

	if !m.directedToUs(port, ident.Destination) {
		return
	}

	if handler, ok := m.requestHandlers[requested]; ok {
		handler(requested, ident.Source, port)
		return
	}

	if ident.Destination != can.BroadcastAddress {
		m.sendNACK(port, ident.Destination, ident.Source, requested)
	}
}

func (m *Manager) directedToUs(port, dst uint8) bool {
	return dst == can.BroadcastAddress || m.ownsAddress(port, dst)
}

// sendNACK answers an unsupported directed request (J1939-21 Acknowledgment,
// control byte 1).
func (m *Manager) sendNACK(port, src, requester uint8, requested can.PGN) {
	data := []byte{
		1, 0xFF, 0xFF, 0xFF, requester,
		uint8(requested), uint8(requested >> 8), uint8(requested >> 16),
	}
	frame, err := can.NewFrame(can.PriorityDefault, can.PGNAcknowledgment, src, can.BroadcastAddress, data)
	if err != nil {
		return
	}
	m.sendRaw(port, frame)
}

func (m *Manager) portState(port uint8) (*portState, error) {
	if int(port) >= len(m.ports) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return m.ports[port], nil
}
