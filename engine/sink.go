// Package engine composes the wire codec, session, topic, and qos packages
// (and their Modbus counterparts) into the two running services the
// design note calls for: an MQTT broker and a Modbus polling master. It
// never reaches for package-level state: every composition root owns its
// collaborators by reference.
package engine

import "net"

// Sink is the trait a transport-agnostic connection handler implements,
// per the design note's "polymorphism over per-connection classes... a
// trait describing the event sink": OnConnected/OnRxData/OnDisconnected/
// OnTimeout. MQTTSession and ModbusConnection both realize it.
type Sink interface {
	OnConnected(remote net.Addr)
	OnRxData(data []byte) error
	OnDisconnected(cause error)
	OnTimeout()
}

// Transport is the byte-level collaborator a Sink writes to. It is
// satisfied by *network.Connection without an adapter, and by anything
// else exposing the same three operations: transport stays an
// interface, never a concrete socket type.
type Transport interface {
	Write(b []byte) (int, error)
	Close() error
	RemoteAddr() net.Addr
}
