// Package network implements the ISOBUS network layer: address claiming per
// ISO 11783-5, control-function bookkeeping, PGN dispatch and per-port
// transmit, all driven from a single cooperative tick.
package network

import (
	"github.com/robolibs/agrobus/pkg/can"
	"github.com/robolibs/agrobus/pkg/name"
)

// CFKind distinguishes how a control function entered the table.
type CFKind uint8

const (
	// KindInternal control functions are owned by this node and claim
	// their own address.
	KindInternal CFKind = iota
	// KindExternal peers were discovered through their Address Claimed
	// broadcasts.
	KindExternal
	// KindPartnered is an external peer matched against a partner filter.
	KindPartnered
)

// CFState tracks whether a control function currently holds an address.
type CFState uint8

const (
	CFOffline CFState = iota
	CFOnline
)

// ControlFunction is one addressable peer on the bus. For external peers the
// address may change over time; the NAME never does.
type ControlFunction struct {
	name    name.Name
	address uint8
	port    uint8
	kind    CFKind
	state   CFState
}

// Name returns the 64-bit identity.
func (cf *ControlFunction) Name() name.Name { return cf.name }

// Address returns the current address, or can.NullAddress when offline.
func (cf *ControlFunction) Address() uint8 { return cf.address }

// Port returns the CAN port the control function lives on.
func (cf *ControlFunction) Port() uint8 { return cf.port }

// Kind returns how this control function is tracked.
func (cf *ControlFunction) Kind() CFKind { return cf.kind }

// Online reports whether the control function holds a valid address.
func (cf *ControlFunction) Online() bool {
	return cf.state == CFOnline && cf.address <= can.MaxAddress
}

// InternalControlFunction is a control function owned by this node. Its
// address is managed by the claim state machine; callers observe progress
// through the event hooks.
type InternalControlFunction struct {
	ControlFunction
	claim claimState

	// OnStateChange fires on every claim state transition.
	OnStateChange func(state ClaimState)
	// OnClaimSucceeded fires once the address is defended successfully.
	OnClaimSucceeded func(address uint8)
	// OnClaimFailed fires when no address could be claimed.
	OnClaimFailed func()

	heartbeatSeq     uint8
	heartbeatTaskIdx int
}

// ClaimState exposes the current claim FSM state.
func (cf *InternalControlFunction) ClaimState() ClaimState { return cf.claim.state }

// Partner is a handle over an external control function selected by NAME
// filters. It resolves to the first discovered peer satisfying every filter
// and reports when that peer disappears from the bus.
type Partner struct {
	port    uint8
	filters []name.Filter
	cf      *ControlFunction

	// OnPartnerFound fires when a matching peer claims an address.
	OnPartnerFound func(address uint8)
	// OnPartnerLost fires when the matched peer goes silent or cannot
	// hold its address.
	OnPartnerLost func()
}

// Resolved returns the matched peer, or nil while no claim satisfied the
// filters.
func (p *Partner) Resolved() *ControlFunction { return p.cf }

// Port returns the CAN port this partner is watched on.
func (p *Partner) Port() uint8 { return p.port }

// Matches reports whether a NAME satisfies every filter of this partner.
func (p *Partner) Matches(n name.Name) bool { return name.MatchesAll(n, p.filters) }
