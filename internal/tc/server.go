package tc

import (
	"log/slog"

	"github.com/robolibs/agrobus/internal/logger"
	"github.com/robolibs/agrobus/internal/network"
	"github.com/robolibs/agrobus/pkg/can"
	"github.com/robolibs/agrobus/pkg/ddop"
)

// ServerConfig describes the capabilities a task controller server
// advertises in its status cadence.
type ServerConfig struct {
	TCNumber         uint8 // 0-31
	TCVersion        uint8
	NumBooms         uint8
	NumSections      uint8
	NumChannels      uint8
	Options          ServerOptions
	StatusIntervalMS uint32
}

// DefaultServerConfig returns a version-4 server with the standard 2 s
// status cadence.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{TCVersion: 4, StatusIntervalMS: 2000}
}

// ClientInfo tracks one connected task controller client by source address.
type ClientInfo struct {
	Address       uint8
	Pool          *ddop.Pool
	PoolActivated bool
}

// Server is an ISO 11783-10 task controller. It broadcasts its status,
// answers capability requests, receives and activates client pools, and
// relays process data to the owning application through callbacks.
type Server struct {
	net *network.Manager
	cf  *network.InternalControlFunction
	cfg ServerConfig

	running     bool
	taskActive  bool
	statusTimer uint32
	clients     map[uint8]*ClientInfo

	log *slog.Logger

	// OnClientConnected fires each time a client's pool transfer is
	// accepted, including repeat transfers from a known client.
	OnClientConnected func(client *ClientInfo)
	// ValueReceived is invoked for every Value message from a client.
	ValueReceived func(client *ClientInfo, element ddop.ElementNumber, d ddop.DDI, value int32)
	// PeerControlAssignment decides whether a peer control mapping is
	// accepted; a non-nil error answers NoProcessingResourcesAvailable.
	PeerControlAssignment func(client *ClientInfo, frame ProcessDataFrame) error
}

// NewServer wires a server onto the network manager.
func NewServer(net *network.Manager, cf *network.InternalControlFunction, cfg ServerConfig) *Server {
	if cfg.StatusIntervalMS == 0 {
		cfg.StatusIntervalMS = 2000
	}
	if cfg.TCVersion == 0 {
		cfg.TCVersion = 4
	}
	s := &Server{
		net:     net,
		cf:      cf,
		cfg:     cfg,
		clients: make(map[uint8]*ClientInfo),
		log:     logger.With(logger.Category("tc.server"), logger.Port(cf.Port())),
	}
	net.RegisterPGNCallback(can.PGNECUToTC, s.handleClientMessage)
	return s
}

// Start begins the status cadence and message handling.
func (s *Server) Start() {
	s.running = true
	s.statusTimer = s.cfg.StatusIntervalMS // first status goes out immediately
	s.log.Info("task controller server started", "tc_number", s.cfg.TCNumber)
}

// Stop halts the cadence and forgets all clients.
func (s *Server) Stop() {
	s.running = false
	s.clients = make(map[uint8]*ClientInfo)
	s.log.Info("task controller server stopped")
}

// SetTaskActive toggles the task-active bit of the status broadcast.
func (s *Server) SetTaskActive(active bool) { s.taskActive = active }

// Clients returns the tracked clients keyed by source address.
func (s *Server) Clients() map[uint8]*ClientInfo { return s.clients }

// Update advances the status cadence.
func (s *Server) Update(elapsedMS uint32) {
	if !s.running || !s.cf.Online() {
		return
	}
	s.statusTimer += elapsedMS
	if s.statusTimer >= s.cfg.StatusIntervalMS {
		s.statusTimer -= s.cfg.StatusIntervalMS
		s.broadcastStatus()
	}
}

func (s *Server) broadcastStatus() {
	var flags uint8
	if s.taskActive {
		flags |= 0x01
	}
	data := []byte{
		uint8(CmdStatus),
		s.cfg.TCNumber,
		flags,
		s.cfg.TCVersion,
		uint8(s.cfg.Options),
		s.cfg.NumBooms,
		s.cfg.NumSections,
		s.cfg.NumChannels,
	}
	if err := s.net.SendTo(can.PGNTCToECU, data, s.cf, can.BroadcastAddress); err != nil {
		s.log.Debug("status broadcast deferred", logger.Err(err))
		s.statusTimer = s.cfg.StatusIntervalMS // retry next tick
	}
}

func (s *Server) client(addr uint8) *ClientInfo {
	c, ok := s.clients[addr]
	if !ok {
		c = &ClientInfo{Address: addr}
		s.clients[addr] = c
	}
	return c
}

func (s *Server) handleClientMessage(msg *can.Message) {
	if !s.running || len(msg.Data) == 0 {
		return
	}

	switch Command(msg.Data[0] & 0x0F) {
	case CmdTechnicalCapabilities:
		s.sendCapabilities(msg.Source)
	case CmdDeviceDescriptor:
		s.handleDeviceDescriptor(msg)
	case CmdValue:
		s.handleValue(msg)
	case CmdAcknowledge:
		// Client acknowledgements need no reply.
	case CmdPeerControlAssignment:
		s.handlePeerControl(msg)
	case CmdClientTask:
		// Task status from the client; tracked clients only.
	}
}

// sendCapabilities answers a technical-capabilities request.
func (s *Server) sendCapabilities(requester uint8) {
	data := []byte{
		uint8(CmdTechnicalCapabilities),
		s.cfg.TCVersion,
		s.cfg.NumBooms,
		s.cfg.NumSections,
		s.cfg.NumChannels,
		0xFF, 0xFF, 0xFF,
	}
	if err := s.net.SendTo(can.PGNTCToECU, data, s.cf, requester); err != nil {
		s.log.Warn("capability reply failed", logger.Client(requester), logger.Err(err))
	}
}

func (s *Server) handleDeviceDescriptor(msg *can.Message) {
	sub := msg.Data[0] >> 4
	switch sub {
	case ddPoolTransfer:
		s.receivePool(msg)
	case ddPoolActivate:
		s.activatePool(msg)
	}
}

// receivePool parses a transferred pool and answers the transfer response.
func (s *Server) receivePool(msg *can.Message) {
	client := s.client(msg.Source)
	pool, err := ddop.Deserialize(msg.Data[1:])
	status := uint8(0)
	if err != nil {
		s.log.Warn("pool rejected", logger.Client(msg.Source), logger.Err(err))
		status = 0x01
	} else {
		client.Pool = pool
		client.PoolActivated = false
		s.log.Info("pool received",
			logger.Client(msg.Source), "objects", pool.ObjectCount())
		if s.OnClientConnected != nil {
			s.OnClientConnected(client)
		}
	}
	reply := []byte{ddByte(ddPoolTransferResponse), status, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	s.reply(msg.Source, reply)
}

// activatePool validates the stored pool and answers with the activation
// error bitfield.
func (s *Server) activatePool(msg *can.Message) {
	client := s.client(msg.Source)
	code := ActivationNoErrors
	if client.Pool == nil {
		code = ActivationAnyOther
	} else if err := client.Pool.Validate(); err != nil {
		code = ActivationErrorsInDDOP
	}
	if code == ActivationNoErrors {
		client.PoolActivated = true
		s.log.Info("pool activated", logger.Client(msg.Source))
	}
	reply := []byte{ddByte(ddPoolActivateResponse), uint8(code), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	s.reply(msg.Source, reply)
}

func (s *Server) handleValue(msg *can.Message) {
	frame, ok := decodeProcessData(msg.Data)
	if !ok {
		return
	}
	if s.ValueReceived != nil {
		s.ValueReceived(s.client(msg.Source), frame.Element, frame.DDI, frame.Value)
	}
}

// handlePeerControl runs the assignment callback and acknowledges either
// way (ISO 11783-10 Annex E: the response reuses the process data
// acknowledge command with the error bitfield in byte 4).
func (s *Server) handlePeerControl(msg *can.Message) {
	frame, ok := decodeProcessData(msg.Data)
	if !ok {
		return
	}
	code := AckNoErrors
	if s.PeerControlAssignment != nil {
		if err := s.PeerControlAssignment(s.client(msg.Source), frame); err != nil {
			code = AckNoProcessingResourcesAvailable
		}
	} else {
		code = AckProcessDataNotSupported
	}
	ack := encodeProcessData(CmdAcknowledge, frame.Element, frame.DDI, 0)
	ack[4] = uint8(code)
	s.reply(msg.Source, ack[:])
}

// RequestValue asks a client for the value of element/ddi.
func (s *Server) RequestValue(clientAddr uint8, element ddop.ElementNumber, d ddop.DDI) error {
	frame := encodeProcessData(CmdRequestValue, element, d, -1)
	return s.net.SendTo(can.PGNTCToECU, frame[:], s.cf, clientAddr)
}

// SetValue commands a client value with acknowledgement.
func (s *Server) SetValue(clientAddr uint8, element ddop.ElementNumber, d ddop.DDI, value int32) error {
	frame := encodeProcessData(CmdSetValueAndAck, element, d, value)
	return s.net.SendTo(can.PGNTCToECU, frame[:], s.cf, clientAddr)
}

func (s *Server) reply(dst uint8, data []byte) {
	if err := s.net.SendTo(can.PGNTCToECU, data, s.cf, dst); err != nil {
		s.log.Warn("reply failed", logger.Client(dst), logger.Err(err))
	}
}
