package peer

// Transport is the low-latency capability a Connection drives. It gives
// no ordering or delivery guarantee between distinct Send calls.
type Transport interface {
	// Signal feeds an inbound connection-setup blob into the handshake.
	Signal(blob []byte) error
	// Send attempts delivery of one raw frame. Loss is tolerated.
	Send(data []byte) error
	Close() error
}

// TransportEvents carries the transport's callbacks back into the owning
// Connection. OnSignal emits outbound setup blobs for the signaling relay.
type TransportEvents struct {
	OnConnect func()
	OnData    func(data []byte)
	OnSignal  func(blob []byte)
	OnClose   func()
	OnError   func(err error)
}

// TransportFactory creates a transport handshaking with peerId. The
// initiator side starts the handshake; the other side answers.
type TransportFactory func(peerId string, isInitiator bool, ev TransportEvents) (Transport, error)
