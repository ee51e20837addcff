package net

// Transport provides the bidirectional message channel between peers. The
// core only ever drains the consumer channel between ticks; implementations
// deliver inbound messages there and never call into the engine.
type Transport interface {

	// Listen starts accepting inbound connections.
	Listen()

	// Consumer returns the channel inbound messages are delivered on.
	Consumer() <-chan Envelope

	// Send delivers a message to the peer at the target address.
	Send(target string, msg Message) error

	// LocalAddr returns the address other peers can reach us at.
	LocalAddr() string

	// Close permanently closes the transport, stopping any associated
	// goroutines and freeing other resources.
	Close() error
}
