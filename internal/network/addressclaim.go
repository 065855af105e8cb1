package network

import (
	"github.com/robolibs/agrobus/internal/logger"
	"github.com/robolibs/agrobus/pkg/can"
	"github.com/robolibs/agrobus/pkg/name"
)

// ClaimState is the address-claim FSM state of an internal control function
// (ISO 11783-5 §4).
type ClaimState uint8

const (
	ClaimNotStarted ClaimState = iota
	ClaimWaitForRandomDelay
	ClaimSendRequestForClaim
	ClaimWaitForClaimsBeforeSend
	ClaimClaimingAddress
	ClaimWaitForAddressContention
	ClaimAddressClaimed
	ClaimUnableToClaim
)

func (s ClaimState) String() string {
	switch s {
	case ClaimNotStarted:
		return "NotStarted"
	case ClaimWaitForRandomDelay:
		return "WaitForRandomDelay"
	case ClaimSendRequestForClaim:
		return "SendRequestForClaim"
	case ClaimWaitForClaimsBeforeSend:
		return "WaitForClaimsBeforeSend"
	case ClaimClaimingAddress:
		return "ClaimingAddress"
	case ClaimWaitForAddressContention:
		return "WaitForAddressContention"
	case ClaimAddressClaimed:
		return "AddressClaimed"
	case ClaimUnableToClaim:
		return "UnableToClaim"
	}
	return "Unknown"
}

// Claim timing (ISO 11783-5).
const (
	claimWaitMS       = 250
	contentionWaitMS  = 250
	arbitraryAddrLow  = 128
	arbitraryAddrHigh = 247
)

type claimState struct {
	state     ClaimState
	preferred uint8
	candidate uint8
	// timerMS accumulates tick time; wait states consume their budget from
	// it so time left over after one wait carries into the next.
	timerMS uint32
	waitMS  uint32
}

// pseudoRandomDelayMS derives the mandated 0–153 ms startup delay from the
// NAME so two nodes with distinct identities spread their first claims.
func pseudoRandomDelayMS(n name.Name) uint32 {
	return uint32(uint8(n)) * 6 / 10
}

func (m *Manager) setClaimState(cf *InternalControlFunction, next ClaimState) {
	if cf.claim.state == next {
		return
	}
	cf.claim.state = next
	m.log.Debug("address claim state change",
		logger.Port(cf.port), logger.NameRaw(uint64(cf.name)), logger.State(next.String()))
	if cf.OnStateChange != nil {
		cf.OnStateChange(next)
	}
}

// updateClaim advances one internal control function's claim FSM by
// elapsedMS. Transient states resolve within the same tick, and time left
// over after one wait carries into the next, so a coarse tick cadence still
// walks the whole handshake. Frame sends that hit endpoint back-pressure
// keep the FSM in place and retry on the next tick.
func (m *Manager) updateClaim(cf *InternalControlFunction, elapsedMS uint32) {
	c := &cf.claim
	c.timerMS += elapsedMS

	for iter := 0; iter < 16; iter++ {
		switch c.state {
		case ClaimNotStarted:
			c.waitMS = pseudoRandomDelayMS(cf.name)
			m.setClaimState(cf, ClaimWaitForRandomDelay)

		case ClaimWaitForRandomDelay:
			if c.timerMS < c.waitMS {
				return
			}
			c.timerMS -= c.waitMS
			m.setClaimState(cf, ClaimSendRequestForClaim)

		case ClaimSendRequestForClaim:
			if !m.sendRequestForClaim(cf) {
				return
			}
			c.waitMS = claimWaitMS
			m.setClaimState(cf, ClaimWaitForClaimsBeforeSend)

		case ClaimWaitForClaimsBeforeSend:
			if c.timerMS < c.waitMS {
				return
			}
			c.timerMS -= c.waitMS
			c.candidate = m.chooseAddress(cf, c.preferred)
			if c.candidate == can.NullAddress {
				m.claimFailed(cf)
				return
			}
			m.setClaimState(cf, ClaimClaimingAddress)

		case ClaimClaimingAddress:
			if !m.sendAddressClaimed(cf, c.candidate) {
				return
			}
			c.waitMS = contentionWaitMS
			m.setClaimState(cf, ClaimWaitForAddressContention)

		case ClaimWaitForAddressContention:
			if c.timerMS < c.waitMS {
				return
			}
			c.timerMS = 0
			cf.address = c.candidate
			cf.state = CFOnline
			m.setClaimState(cf, ClaimAddressClaimed)
			m.log.Info("address claimed",
				logger.Port(cf.port), logger.NameRaw(uint64(cf.name)), logger.Address(cf.address))
			if cf.OnClaimSucceeded != nil {
				cf.OnClaimSucceeded(cf.address)
			}
			return

		case ClaimAddressClaimed, ClaimUnableToClaim:
			c.timerMS = 0
			return
		}
	}
}

// chooseAddress picks the claim candidate: the preferred address when it is
// not visibly taken, otherwise the next free arbitrary address for
// self-configurable NAMEs. Returns can.NullAddress when nothing is left.
func (m *Manager) chooseAddress(cf *InternalControlFunction, preferred uint8) uint8 {
	if preferred <= can.MaxAddress && !m.addressTaken(cf, preferred) {
		return preferred
	}
	if !cf.name.SelfConfigurable() {
		return preferred
	}
	return m.nextFreeArbitrary(cf, arbitraryAddrLow)
}

// nextFreeArbitrary scans [from, arbitraryAddrHigh] for an address no other
// known control function holds.
func (m *Manager) nextFreeArbitrary(cf *InternalControlFunction, from uint8) uint8 {
	for a := from; a >= arbitraryAddrLow && a <= arbitraryAddrHigh; a++ {
		if !m.addressTaken(cf, a) {
			return a
		}
	}
	return can.NullAddress
}

// addressTaken reports whether any other control function on the port is
// known to hold addr.
func (m *Manager) addressTaken(cf *InternalControlFunction, addr uint8) bool {
	for _, other := range m.internals {
		if other != cf && other.port == cf.port && other.Online() && other.address == addr {
			return true
		}
		if other != cf && other.port == cf.port && other.claim.state == ClaimWaitForAddressContention &&
			other.claim.candidate == addr {
			return true
		}
	}
	for _, ext := range m.externals[cf.port] {
		if ext.address == addr && ext.state == CFOnline {
			return true
		}
	}
	return false
}

// handleContention applies the arbitration rule when a peer claims the
// address we hold or are attempting: the numerically lower NAME wins.
func (m *Manager) handleContention(cf *InternalControlFunction, peer name.Name, addr uint8) {
	c := &cf.claim
	inContention := c.state == ClaimClaimingAddress || c.state == ClaimWaitForAddressContention
	defending := c.state == ClaimAddressClaimed
	if !inContention && !defending {
		return
	}
	ours := c.candidate
	if defending {
		ours = cf.address
	}
	if addr != ours {
		return
	}

	if peer < cf.name {
		// Peer wins the address.
		m.log.Info("lost address arbitration",
			logger.Port(cf.port), logger.Address(addr), logger.NameRaw(uint64(peer)))
		cf.address = can.NullAddress
		cf.state = CFOffline
		if !cf.name.SelfConfigurable() {
			m.claimFailed(cf)
			return
		}
		next := m.nextFreeArbitrary(cf, arbitraryAddrLow)
		if next == can.NullAddress {
			m.claimFailed(cf)
			return
		}
		c.candidate = next
		c.timerMS = 0
		m.setClaimState(cf, ClaimClaimingAddress)
		m.updateClaim(cf, 0)
		return
	}

	// We win: reassert the claim.
	m.sendAddressClaimed(cf, ours)
}

func (m *Manager) claimFailed(cf *InternalControlFunction) {
	cf.address = can.NullAddress
	cf.state = CFOffline
	m.setClaimState(cf, ClaimUnableToClaim)
	m.sendCannotClaim(cf)
	m.log.Error("unable to claim an address",
		logger.Port(cf.port), logger.NameRaw(uint64(cf.name)))
	if cf.OnClaimFailed != nil {
		cf.OnClaimFailed()
	}
}

// ─── Claim wire messages ────────────────────────────────────────────────────

// sendRequestForClaim broadcasts Request(AddressClaimed) from the null
// address. Returns false when the endpoint refused the frame.
func (m *Manager) sendRequestForClaim(cf *InternalControlFunction) bool {
	var data [3]byte
	pgn := uint32(can.PGNAddressClaimed)
	data[0] = uint8(pgn)
	data[1] = uint8(pgn >> 8)
	data[2] = uint8(pgn >> 16)
	frame, err := can.NewFrame(can.PriorityDefault, can.PGNRequest, can.NullAddress, can.BroadcastAddress, data[:])
	if err != nil {
		return false
	}
	return m.sendRaw(cf.port, frame)
}

// sendAddressClaimed broadcasts our NAME from the given source address.
func (m *Manager) sendAddressClaimed(cf *InternalControlFunction, addr uint8) bool {
	b := cf.name.Bytes()
	frame, err := can.NewFrame(can.PriorityDefault, can.PGNAddressClaimed, addr, can.BroadcastAddress, b[:])
	if err != nil {
		return false
	}
	return m.sendRaw(cf.port, frame)
}

// sendCannotClaim broadcasts the claim refusal with the null source address.
func (m *Manager) sendCannotClaim(cf *InternalControlFunction) bool {
	b := cf.name.Bytes()
	frame, err := can.NewFrame(can.PriorityDefault, can.PGNAddressClaimed, can.NullAddress, can.BroadcastAddress, b[:])
	if err != nil {
		return false
	}
	return m.sendRaw(cf.port, frame)
}
