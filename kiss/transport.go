package kiss

// Transport is the byte-stream collaborator a Device multiplexes KISS
// framing onto: a serial line or pseudo-TTY to a TNC, a TCP KISS socket,
// or a test double. Concrete transports live outside this package (see
// transport/serialkiss and transport/tcpkiss) — Device only depends on
// this interface, never on a concrete transport.
//
// Open is invoked synchronously from Device.Open and may block; Close
// and SendRaw are invoked from the device's drain loop (Close once a
// closing device has drained its queue) and also may block. A Transport implementation is responsible for its own
// read loop: received bytes must be delivered back to the device via
// Device.Receive.
type Transport interface {
	Open() error
	Close() error
	SendRaw(data []byte) error
}
