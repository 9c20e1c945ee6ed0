package engine

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/ironvale/iotcore/encoding"
	"github.com/ironvale/iotcore/hook"
	"github.com/ironvale/iotcore/network"
	"github.com/ironvale/iotcore/pkg/compress"
	"github.com/ironvale/iotcore/pkg/logger"
	"github.com/ironvale/iotcore/pkg/metrics"
	"github.com/ironvale/iotcore/session"
	"github.com/ironvale/iotcore/store"
	"github.com/ironvale/iotcore/topic"
	"github.com/ironvale/iotcore/types/message"
)

// BrokerConfig configures a Broker composition root.
type BrokerConfig struct {
	SessionStore    session.Store
	AllowAnonymous  bool
	ReportErrors    bool
	RetainedBacking store.Store[*message.Message]

	// RateLimitPerClient, when non-zero, caps each client to that many
	// PUBLISHes per RateLimitWindow.
	RateLimitPerClient int
	RateLimitWindow    time.Duration
}

// Broker is the MQTT composition root: it owns the shared Registries and
// the table of live connections, and realizes session.WillPublisher so
// the session manager can route a disconnected client's will through the
// same fan-out path as a regular PUBLISH.
type Broker struct {
	registries *Registries
	log        *logger.SlogLogger

	mu        sync.RWMutex
	connected map[string]*MQTTSession

	retainedBacking store.Store[*message.Message]
}

// NewBroker builds the Registries and wires this Broker as the session
// manager's WillPublisher. This requires a specific construction order:
// the Manager needs a WillPublisher at construction time, but the natural
// WillPublisher is this Broker, which itself needs nothing from Manager
// except a pointer it can store after the fact, since PublishWill is only
// invoked later. So the sequence is Broker (partial) -> Manager (with
// broker.PublishWill) -> Registries.Clients assigned.
func NewBroker(cfg BrokerConfig, log *logger.SlogLogger) *Broker {
	b := &Broker{
		log:       log,
		connected: make(map[string]*MQTTSession),
	}

	hooks := hook.NewManager()
	if cfg.AllowAnonymous {
		_ = hooks.Add(hook.NewAnonymousAuthHook(true))
	}
	if cfg.ReportErrors {
		_ = hooks.Add(hook.NewSentryHook())
	}
	if cfg.RateLimitPerClient > 0 {
		_ = hooks.Add(hook.NewRateLimitHook(cfg.RateLimitPerClient, cfg.RateLimitWindow))
	}

	retained := store.NewRetainedStore()
	if cfg.RetainedBacking != nil {
		if err := store.HydrateRetained(context.Background(), retained, cfg.RetainedBacking); err != nil {
			log.Warn("failed to hydrate retained messages from durable backing", "error", err)
		}
		b.retainedBacking = cfg.RetainedBacking
	}

	b.registries = &Registries{
		Topics:   topic.NewRouter(),
		Hooks:    hooks,
		Retained: retained,
	}

	b.registries.Clients = session.NewManager(session.ManagerConfig{
		Store:         cfg.SessionStore,
		WillPublisher: b,
	})

	return b
}

// PublishWill satisfies session.WillPublisher: the session manager calls
// this when a client's session expires or disconnects abnormally with an
// unfired will message.
func (b *Broker) PublishWill(ctx context.Context, will *session.WillMessage, clientID string) error {
	msg := message.NewMessage(0, will.Topic, will.Payload, encoding.QoS(will.QoS), will.Retain, will.Properties)
	return b.publish(clientID, msg)
}

func (b *Broker) register(clientID string, s *MQTTSession) {
	b.mu.Lock()
	existing, ok := b.connected[clientID]
	if !ok {
		metrics.ConnectionsActive.Inc()
	}
	b.connected[clientID] = s
	b.mu.Unlock()

	// OnDisconnected eventually calls back into unregister, which takes
	// b.mu itself, so it must run after the lock above is released.
	if ok && existing != s {
		existing.OnDisconnected(errSessionTakenOver)
	}
}

// unregister removes s's entry for clientID, but only if s is still the
// registered session: a takeover in register may have already replaced it
// with a newer connection by the time the old one tears down.
func (b *Broker) unregister(clientID string, s *MQTTSession) {
	b.mu.Lock()
	if current, ok := b.connected[clientID]; ok && current == s {
		metrics.ConnectionsActive.Dec()
		delete(b.connected, clientID)
	}
	b.mu.Unlock()
}

var errSessionTakenOver = errors.New("engine: session taken over by a new connection")

// publish runs a received PUBLISH through the retained store and the topic
// router, then delivers it to every matched, currently-connected
// subscriber. The OnPublish hooks are not run here; MQTTSession.handlePublish
// runs them before a client's PUBLISH reaches this point. origin is the
// publishing client's ID, used to honor NoLocal subscriptions.
func (b *Broker) publish(origin string, msg *message.Message) error {
	ctx := context.Background()

	metrics.PublishesTotal.WithLabelValues(strconv.Itoa(int(msg.QoS))).Inc()

	if msg.Retain {
		if len(msg.Payload) == 0 {
			_ = b.registries.Retained.Delete(ctx, msg.Topic)
			if b.retainedBacking != nil {
				_ = b.retainedBacking.Delete(ctx, msg.Topic)
			}
		} else if packed, err := compress.Compress(msg.Payload); err != nil {
			b.log.Warn("failed to compress retained payload, storing raw", "topic", msg.Topic, "error", err)
			_ = b.registries.Retained.Set(ctx, msg.Topic, msg)
			if b.retainedBacking != nil {
				_ = b.retainedBacking.Save(ctx, msg.Topic, msg)
			}
		} else {
			stored := *msg
			stored.Payload = packed
			_ = b.registries.Retained.Set(ctx, msg.Topic, &stored)
			if b.retainedBacking != nil {
				_ = b.retainedBacking.Save(ctx, msg.Topic, &stored)
			}
		}
	}

	subs := b.registries.Topics.MatchWithPublisher(msg.Topic, origin)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range subs {
		target, ok := b.connected[sub.ClientID]
		if !ok {
			continue
		}

		deliverQoS := msg.QoS
		if encoding.QoS(sub.QoS) < deliverQoS {
			deliverQoS = encoding.QoS(sub.QoS)
		}

		out := *msg
		out.QoS = deliverQoS
		out.Retain = msg.Retain && sub.RetainAsPublished

		_ = target.deliver(&out)
	}

	return nil
}

// Accept wraps transport in a fresh MQTTSession and feeds it bytes until
// the connection closes. It blocks, so callers run it in its own
// goroutine per accepted connection (e.g. from network.Listener.OnConnection).
func (b *Broker) Accept(transport Transport, reader io.Reader, bufSize int) error {
	if bufSize <= 0 {
		bufSize = 4096
	}

	sess := newMQTTSession(b, transport)
	sess.OnConnected(transport.RemoteAddr())

	buf := make([]byte, bufSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if derr := sess.OnRxData(buf[:n]); derr != nil {
				sess.OnDisconnected(derr)
				return derr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				sess.OnDisconnected(nil)
				return nil
			}
			sess.OnDisconnected(err)
			return err
		}
	}
}

// Serve starts l and feeds every accepted *network.Connection into Accept.
func (b *Broker) Serve(l *network.Listener, bufSize int) error {
	l.OnConnection(func(conn *network.Connection) error {
		go func() {
			_ = b.Accept(conn, conn, bufSize)
		}()
		return nil
	})
	return l.Start()
}

// SendDisconnect encodes and writes an MQTT 5 DISCONNECT with the given
// reason onto conn. It's the network.DisconnectHandler a
// network.DisconnectManager calls before closing a connection during a
// graceful shutdown, translating the transport layer's raw reason byte
// into the wire packet the client actually expects.
func (b *Broker) SendDisconnect(conn *network.Connection, packet *network.DisconnectPacket) error {
	pkt := &encoding.DisconnectPacket{
		ReasonCode: encoding.ReasonCode(packet.ReasonCode),
	}
	return pkt.Encode(conn)
}

// Close shuts down every live session's QoS handlers, closes the durable
// retained backing if one is configured, and closes the session manager,
// which in turn closes the session store.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.connected {
		s.in.Close()
		s.out.Close()
	}
	b.connected = make(map[string]*MQTTSession)
	if b.retainedBacking != nil {
		_ = b.retainedBacking.Close()
	}
	return b.registries.Clients.Close()
}
