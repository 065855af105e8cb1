package tc

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/robolibs/agrobus/internal/logger"
	"github.com/robolibs/agrobus/internal/network"
	"github.com/robolibs/agrobus/internal/transport"
	"github.com/robolibs/agrobus/pkg/can"
	"github.com/robolibs/agrobus/pkg/ddop"
)

// ClientState walks the connection handshake with a task controller server.
type ClientState uint8

const (
	StateDisconnected ClientState = iota
	StateWaitForStartup
	StateWaitForServerStatus
	StateSendWorkingSetMaster
	StateRequestVersion
	StateWaitForVersion
	StateProcessDDOP
	StateTransferDDOP
	StateWaitForPoolResponse
	StateActivatePool
	StateWaitForActivation
	StateConnected
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateWaitForStartup:
		return "WaitForStartup"
	case StateWaitForServerStatus:
		return "WaitForServerStatus"
	case StateSendWorkingSetMaster:
		return "SendWorkingSetMaster"
	case StateRequestVersion:
		return "RequestVersion"
	case StateWaitForVersion:
		return "WaitForVersion"
	case StateProcessDDOP:
		return "ProcessDDOP"
	case StateTransferDDOP:
		return "TransferDDOP"
	case StateWaitForPoolResponse:
		return "WaitForPoolResponse"
	case StateActivatePool:
		return "ActivatePool"
	case StateWaitForActivation:
		return "WaitForActivation"
	case StateConnected:
		return "Connected"
	}
	return "Unknown"
}

// ClientConfig tunes the connection handshake.
type ClientConfig struct {
	// TimeoutMS bounds every intermediate handshake state.
	TimeoutMS uint32
	// RetryOnPoolError restarts the transfer once after a pool error
	// instead of giving up.
	RetryOnPoolError bool
	// BootDelayMS delays the first handshake step after connect.
	BootDelayMS uint32
}

// DefaultClientConfig returns the standard handshake tuning.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{TimeoutMS: 6000}
}

// ErrTimeout reports a handshake state that outlived its budget.
var ErrTimeout = errors.New("task controller handshake timed out")

// ErrUnhandledDDI is a sentinel a ValueRequest callback can return for a DDI
// it does not serve. Any error from that callback makes the client answer the
// server with an acknowledge carrying DDINotSupportedByElement.
var ErrUnhandledDDI = errors.New("unhandled DDI")

// Client connects one internal control function to a task controller
// server: it waits for the server status cadence, announces the working set,
// exchanges capabilities, transfers and activates the device descriptor
// pool, then serves process-data traffic.
type Client struct {
	net  *network.Manager
	cf   *network.InternalControlFunction
	pool *ddop.Pool
	cfg  ClientConfig

	state      ClientState
	stateTimer uint32
	serverAddr uint8
	serverVer  uint8
	retried    bool
	poolSnap   []byte

	log *slog.Logger

	// OnStateChange fires on every state transition.
	OnStateChange func(state ClientState)
	// OnConnectionFailed fires when a handshake state times out or the
	// pool is rejected for good.
	OnConnectionFailed func(err error)
	// OnTransferFailed fires when the pool transfer aborts mid-flight.
	OnTransferFailed func(err error)
	// OnPoolActivationError surfaces the server's activation error code.
	OnPoolActivationError func(code ActivationError)
	// ValueRequest supplies the value for a server request. Returning an
	// error answers the server with a process-data acknowledge instead.
	ValueRequest func(element ddop.ElementNumber, d ddop.DDI) (int32, error)
	// ValueCommand applies a server-commanded value.
	ValueCommand func(element ddop.ElementNumber, d ddop.DDI, value int32) error
	// MeasurementCommand receives the measurement trigger configuration
	// commands (time, distance, thresholds, change). Optional: clients
	// that push values on their own cadence may leave it unset.
	MeasurementCommand func(cmd Command, element ddop.ElementNumber, d ddop.DDI, value int32)
}

// NewClient wires a client to the network manager. The pool must validate
// before connect; it must not be mutated while the client is connected.
func NewClient(net *network.Manager, cf *network.InternalControlFunction, pool *ddop.Pool, cfg ClientConfig) *Client {
	if cfg.TimeoutMS == 0 {
		cfg.TimeoutMS = 6000
	}
	c := &Client{
		net:        net,
		cf:         cf,
		pool:       pool,
		cfg:        cfg,
		serverAddr: can.NullAddress,
		log:        logger.With(logger.Category("tc.client"), logger.Port(cf.Port())),
	}
	net.RegisterPGNCallback(can.PGNTCToECU, c.handleServerMessage)
	if layer := net.Transport(cf.Port()); layer != nil {
		layer.SubscribeTxDone(c.handleTxDone)
	}
	return c
}

// State returns the current handshake state.
func (c *Client) State() ClientState { return c.state }

// ServerAddress returns the address of the discovered server, or
// can.NullAddress before discovery.
func (c *Client) ServerAddress() uint8 { return c.serverAddr }

// Connect starts the handshake. The client must be Disconnected.
func (c *Client) Connect() error {
	if c.state != StateDisconnected {
		return fmt.Errorf("%w: connect while %s", network.ErrInvalidState, c.state)
	}
	c.retried = false
	c.setState(StateWaitForStartup)
	return nil
}

// Disconnect aborts the connection and returns to Disconnected.
func (c *Client) Disconnect() {
	if c.state == StateDisconnected {
		return
	}
	if c.state == StateTransferDDOP {
		if layer := c.net.Transport(c.cf.Port()); layer != nil {
			layer.Abort(c.cf.Address(), c.serverAddr, transport.AbortResourcesUnavailable)
		}
	}
	c.setState(StateDisconnected)
}

func (c *Client) setState(next ClientState) {
	if c.state == next {
		return
	}
	c.state = next
	c.stateTimer = 0
	c.log.Debug("client state change", logger.State(next.String()))
	if c.OnStateChange != nil {
		c.OnStateChange(next)
	}
}

func (c *Client) fail(err error) {
	c.log.Warn("connection failed", logger.Err(err))
	c.setState(StateDisconnected)
	if c.OnConnectionFailed != nil {
		c.OnConnectionFailed(err)
	}
}

// Update advances the handshake by elapsedMS. Call it from the same
// goroutine that ticks the network manager.
func (c *Client) Update(elapsedMS uint32) {
	if c.state == StateDisconnected || c.state == StateConnected {
		return
	}

	c.stateTimer += elapsedMS
	if c.stateTimer > c.cfg.BootDelayMS+c.cfg.TimeoutMS {
		c.fail(fmt.Errorf("%w in %s", ErrTimeout, c.state))
		return
	}

	switch c.state {
	case StateWaitForStartup:
		if c.stateTimer >= c.cfg.BootDelayMS && c.cf.Online() {
			c.setState(StateWaitForServerStatus)
		}

	case StateSendWorkingSetMaster:
		data := []byte{1, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
		if err := c.net.Send(can.PGNWorkingSetMaster, data, c.cf, nil); err == nil {
			c.setState(StateRequestVersion)
		}

	case StateRequestVersion:
		req := encodeProcessData(CmdTechnicalCapabilities, 0, 0, -1)
		if err := c.net.SendTo(can.PGNECUToTC, req[:], c.cf, c.serverAddr); err == nil {
			c.setState(StateWaitForVersion)
		}

	case StateProcessDDOP:
		if err := c.pool.Validate(); err != nil {
			c.fail(err)
			return
		}
		c.poolSnap = c.pool.Serialize()
		c.setState(StateTransferDDOP)

	case StateTransferDDOP:
		if c.poolSnap != nil {
			payload := make([]byte, 0, len(c.poolSnap)+1)
			payload = append(payload, ddByte(ddPoolTransfer))
			payload = append(payload, c.poolSnap...)
			if err := c.net.SendTo(can.PGNECUToTC, payload, c.cf, c.serverAddr); err != nil {
				c.fail(err)
				return
			}
			c.poolSnap = nil
		}

	case StateActivatePool:
		msg := []byte{ddByte(ddPoolActivate), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
		if err := c.net.SendTo(can.PGNECUToTC, msg, c.cf, c.serverAddr); err == nil {
			c.setState(StateWaitForActivation)
		}
	}
}

// handleTxDone watches the pool transfer session.
func (c *Client) handleTxDone(pgn can.PGN, dst uint8, err error) {
	if c.state != StateTransferDDOP || pgn != can.PGNECUToTC || dst != c.serverAddr {
		return
	}
	if err != nil {
		c.log.Warn("pool transfer aborted", logger.Err(err))
		if c.OnTransferFailed != nil {
			c.OnTransferFailed(err)
		}
		c.fail(err)
		return
	}
	c.setState(StateWaitForPoolResponse)
}

// handleServerMessage processes TC-to-ECU traffic addressed to us or
// broadcast (the status cadence).
func (c *Client) handleServerMessage(msg *can.Message) {
	if c.state == StateDisconnected || len(msg.Data) == 0 {
		return
	}

	cmd := Command(msg.Data[0] & 0x0F)

	if cmd == CmdStatus {
		c.handleStatus(msg)
		return
	}
	if msg.Source != c.serverAddr {
		return
	}

	switch cmd {
	case CmdTechnicalCapabilities:
		if c.state == StateWaitForVersion && len(msg.Data) >= 5 {
			c.serverVer = msg.Data[1]
			c.log.Info("server capabilities received",
				"version", c.serverVer, "sections", msg.Data[3])
			c.setState(StateProcessDDOP)
		}

	case CmdDeviceDescriptor:
		c.handleDeviceDescriptor(msg)

	case CmdRequestValue:
		c.handleValueRequest(msg)

	case CmdValue, CmdSetValueAndAck:
		c.handleValueCommand(msg, cmd == CmdSetValueAndAck)

	case CmdMeasurementTime, CmdMeasurementDistance, CmdMeasurementMinimum,
		CmdMeasurementMaximum, CmdMeasurementChange:
		if c.state == StateConnected && c.MeasurementCommand != nil {
			if frame, ok := decodeProcessData(msg.Data); ok {
				c.MeasurementCommand(cmd, frame.Element, frame.DDI, frame.Value)
			}
		}
	}
}

func (c *Client) handleStatus(msg *can.Message) {
	if c.state == StateWaitForServerStatus {
		c.serverAddr = msg.Source
		c.log.Info("task controller discovered", logger.Src(msg.Source))
		c.setState(StateSendWorkingSetMaster)
	}
}

func (c *Client) handleDeviceDescriptor(msg *can.Message) {
	if len(msg.Data) < 2 {
		return
	}
	sub := msg.Data[0] >> 4
	switch sub {
	case ddPoolTransferResponse:
		if c.state != StateWaitForPoolResponse {
			return
		}
		if msg.Data[1] == 0 {
			c.setState(StateActivatePool)
			return
		}
		err := fmt.Errorf("pool transfer rejected: 0x%02X", msg.Data[1])
		if c.cfg.RetryOnPoolError && !c.retried {
			c.retried = true
			c.log.Warn("pool transfer rejected, retrying", logger.Err(err))
			c.setState(StateProcessDDOP)
			return
		}
		c.fail(err)

	case ddPoolActivateResponse:
		if c.state != StateWaitForActivation {
			return
		}
		code := ActivationError(msg.Data[1])
		if code == ActivationNoErrors {
			c.log.Info("pool activated", logger.Src(c.serverAddr))
			c.setState(StateConnected)
			return
		}
		if c.OnPoolActivationError != nil {
			c.OnPoolActivationError(code)
		}
		c.fail(&ActivationFailure{Code: code})
	}
}

// handleValueRequest answers a RequestValue in Connected; anywhere else the
// request is ignored.
func (c *Client) handleValueRequest(msg *can.Message) {
	if c.state != StateConnected {
		return
	}
	frame, ok := decodeProcessData(msg.Data)
	if !ok {
		return
	}
	if c.ValueRequest != nil {
		if v, err := c.ValueRequest(frame.Element, frame.DDI); err == nil {
			reply := encodeProcessData(CmdValue, frame.Element, frame.DDI, v)
			c.sendToServer(reply)
			return
		}
	}
	c.log.Debug("value request for unhandled DDI",
		logger.Element(frame.Element), logger.DDI(frame.DDI))
	nack := encodeProcessData(CmdAcknowledge, frame.Element, frame.DDI, 0)
	nack[4] = uint8(AckDDINotSupportedByElement)
	c.sendToServer(nack)
}

func (c *Client) handleValueCommand(msg *can.Message, wantAck bool) {
	if c.state != StateConnected {
		return
	}
	frame, ok := decodeProcessData(msg.Data)
	if !ok {
		return
	}
	ackCode := AckNoErrors
	if c.ValueCommand != nil {
		if err := c.ValueCommand(frame.Element, frame.DDI, frame.Value); err != nil {
			ackCode = AckDDINotSupportedByElement
		}
	} else {
		ackCode = AckProcessDataNotSupported
	}
	if wantAck || ackCode != AckNoErrors {
		ack := encodeProcessData(CmdAcknowledge, frame.Element, frame.DDI, 0)
		ack[4] = uint8(ackCode)
		c.sendToServer(ack)
	}
}

// SendValue pushes a measured value to the server, e.g. for on-change
// triggers. Valid only while Connected.
func (c *Client) SendValue(element ddop.ElementNumber, d ddop.DDI, value int32) error {
	if c.state != StateConnected {
		return fmt.Errorf("%w: send value while %s", network.ErrInvalidState, c.state)
	}
	frame := encodeProcessData(CmdValue, element, d, value)
	return c.net.SendTo(can.PGNECUToTC, frame[:], c.cf, c.serverAddr)
}

func (c *Client) sendToServer(frame [8]byte) {
	if err := c.net.SendTo(can.PGNECUToTC, frame[:], c.cf, c.serverAddr); err != nil {
		c.log.Warn("send to server failed", logger.Err(err))
	}
}
