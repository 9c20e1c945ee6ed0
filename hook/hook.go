package hook

import (
	"net"
	"time"

	"github.com/ironvale/iotcore/encoding"
)

// Event represents hook event types. The broker's plugin surface is
// reduced to the events an iotcore deployment actually needs to gate or
// observe: CONNECT authorization (the single authorize() point), publish
// throttling, publish drop accounting, disconnect reporting, and
// per-packet processing outcome. A fuller ACL/session-persistence hook
// surface belongs to a plugin engine this core does not provide.
type Event byte

const (
	OnConnectAuthenticate Event = iota
	OnDisconnect
	OnPublish
	OnPublishDropped
	OnPacketProcessed
)

// String returns the string representation of the event
func (e Event) String() string {
	names := [...]string{
		"OnConnectAuthenticate",
		"OnDisconnect",
		"OnPublish",
		"OnPublishDropped",
		"OnPacketProcessed",
	}
	if e < Event(len(names)) {
		return names[e]
	}
	return "Unknown"
}

// Hook defines the interface that all hooks must implement
// Hooks can intercept and observe broker behavior at the events above.
type Hook interface {
	// ID returns a unique identifier for this hook
	ID() string

	// Provides indicates if the hook provides implementation for the given event
	Provides(event Event) bool

	// Init initializes the hook with the given configuration
	Init(config any) error

	// Stop stops the hook
	Stop() error

	// OnConnectAuthenticate is called to authenticate a client connection
	OnConnectAuthenticate(client *Client, packet *ConnectPacket) bool

	// OnDisconnect is called when a client disconnects
	OnDisconnect(client *Client, err error, expire bool) error

	// OnPublish is called before publishing a message
	OnPublish(client *Client, packet *PublishPacket) error

	// OnPublishDropped is called when a publish is dropped
	OnPublishDropped(client *Client, packet *PublishPacket, reason DropReason) error

	// OnPacketProcessed is called after a packet is processed
	OnPacketProcessed(client *Client, packetType encoding.PacketType, err error) error
}

// Client represents a connected client
type Client struct {
	ID              string
	RemoteAddr      net.Addr
	LocalAddr       net.Addr
	Username        string
	CleanStart      bool
	ProtocolVersion byte
	KeepAlive       uint16
	SessionPresent  bool
	ConnectedAt     time.Time
	DisconnectedAt  time.Time
}

// ConnectPacket holds the information for a CONNECT packet
type ConnectPacket struct {
	ProtocolName    string
	ProtocolVersion byte
	CleanStart      bool
	KeepAlive       uint16
	ClientID        string
	Username        string
	Password        []byte
	SessionPresent  bool
}

// PublishPacket holds publish information
type PublishPacket struct {
	PacketID        uint16
	Topic           string
	Payload         []byte
	QoS             byte
	Retain          bool
	Duplicate       bool
	ProtocolVersion byte
	Created         time.Time
	Origin          string
}

// DropReason represents the reason for dropping a message
type DropReason byte

const (
	DropReasonQueueFull DropReason = iota
	DropReasonClientDisconnected
	DropReasonExpired
	DropReasonInvalidTopic
	DropReasonACLDenied
	DropReasonQuotaExceeded
	DropReasonPacketTooLarge
	DropReasonInternalError
)

// String returns the string representation of the drop reason
func (d DropReason) String() string {
	switch d {
	case DropReasonQueueFull:
		return "queue_full"
	case DropReasonClientDisconnected:
		return "client_disconnected"
	case DropReasonExpired:
		return "expired"
	case DropReasonInvalidTopic:
		return "invalid_topic"
	case DropReasonACLDenied:
		return "acl_denied"
	case DropReasonQuotaExceeded:
		return "quota_exceeded"
	case DropReasonPacketTooLarge:
		return "packet_too_large"
	case DropReasonInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}
