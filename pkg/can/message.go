package can

// Message is a fully delivered parameter group: either a single frame passed
// through as-is or the reassembled payload of a transport session. Unlike a
// Frame, its data may run to the ETP maximum.
type Message struct {
	PGN         PGN
	Source      uint8
	Destination uint8
	Priority    Priority
	Data        []byte
	Port        uint8
	TimestampUS uint64
}

// IsBroadcast reports whether the message was sent to the global address.
func (m *Message) IsBroadcast() bool { return m.Destination == BroadcastAddress }
