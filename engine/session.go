package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/ironvale/iotcore/encoding"
	"github.com/ironvale/iotcore/hook"
	"github.com/ironvale/iotcore/pkg/compress"
	"github.com/ironvale/iotcore/pkg/metrics"
	"github.com/ironvale/iotcore/qos"
	"github.com/ironvale/iotcore/session"
	"github.com/ironvale/iotcore/topic"
	"github.com/ironvale/iotcore/types/message"
)

var errUnhandledPacketType = errors.New("engine: unhandled packet type")

// MQTTSession is the per-connection Sink handling CONNECT/PUBLISH/SUBSCRIBE/
// UNSUBSCRIBE/DISCONNECT/PINGREQ. One instance is created per accepted
// connection by Broker.Accept.
type MQTTSession struct {
	broker    *Broker
	transport Transport
	buf       []byte

	clientID string
	sess     *session.Session

	// in tracks QoS acking for PUBLISH packets this client sends us;
	// out tracks QoS acking + retry for PUBLISH packets we forward to
	// this client as a subscriber. Two instances of the same generic
	// qos.Handler, one per direction.
	in  *qos.Handler
	out *qos.Handler

	connected bool

	// idleTimer fires OnTimeout after keepAliveGrace with no inbound bytes,
	// per the 1.5x-keepalive grace period every MQTT version defines. Both
	// are nil/zero until a CONNECT sets a non-zero keepalive.
	idleTimer      *time.Timer
	keepAliveGrace time.Duration
}

func newMQTTSession(broker *Broker, transport Transport) *MQTTSession {
	s := &MQTTSession{broker: broker, transport: transport}

	// in acks PUBLISH packets this client sends us, then fans the message
	// out to matched subscribers once the client's QoS contract is met.
	inCfg := qos.DefaultConfig()
	inCfg.Direction = "in"
	s.in = qos.NewHandler(inCfg)
	s.in.SetPublishCallback(func(msg *message.Message) error {
		return s.broker.publish(s.clientID, msg)
	})
	s.in.SetPubackCallback(func(packetID uint16) error {
		return s.writePacket(&encoding.PubackPacket{PacketID: packetID, ReasonCode: encoding.ReasonSuccess})
	})
	s.in.SetPubrecCallback(func(packetID uint16) error {
		return s.writePacket(&encoding.PubrecPacket{PacketID: packetID, ReasonCode: encoding.ReasonSuccess})
	})
	s.in.SetPubcompCallback(func(packetID uint16) error {
		return s.writePacket(&encoding.PubcompPacket{PacketID: packetID, ReasonCode: encoding.ReasonSuccess})
	})

	// out delivers PUBLISH packets to this client as a subscriber, with
	// retry/DUP tracking independent of the in handler's bookkeeping.
	outCfg := qos.DefaultConfig()
	outCfg.Direction = "out"
	s.out = qos.NewHandler(outCfg)
	s.out.SetPublishCallback(func(msg *message.Message) error {
		return s.writePacket(&encoding.PublishPacket{
			FixedHeader: encoding.FixedHeader{QoS: msg.QoS, Retain: msg.Retain, DUP: msg.AttemptCount > 1},
			TopicName:   msg.Topic,
			PacketID:    msg.PacketID,
			Payload:     msg.Payload,
		})
	})
	s.out.SetPubrelCallback(func(packetID uint16) error {
		return s.writePacket(&encoding.PubrelPacket{PacketID: packetID, ReasonCode: encoding.ReasonSuccess})
	})

	return s
}

// OnConnected is a no-op here: the session has nothing to send until the
// client's CONNECT packet arrives.
func (s *MQTTSession) OnConnected(remote net.Addr) {}

// OnRxData appends newly read bytes to the session's frame buffer and
// dispatches every complete MQTT control packet it can extract.
func (s *MQTTSession) OnRxData(data []byte) error {
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.keepAliveGrace)
	}

	s.buf = append(s.buf, data...)

	for {
		fh, headerLen, err := encoding.ParseFixedHeaderFromBytes(s.buf)
		if err != nil {
			if err == encoding.ErrUnexpectedEOF {
				return nil // wait for more bytes
			}
			return err
		}

		total := headerLen + int(fh.RemainingLength)
		if len(s.buf) < total {
			return nil // wait for the rest of the packet
		}

		body := s.buf[headerLen:total]
		s.buf = s.buf[total:]

		if err := s.dispatch(fh, body); err != nil {
			return err
		}
	}
}

func (s *MQTTSession) dispatch(fh *encoding.FixedHeader, body []byte) error {
	err := s.dispatchPacket(fh, body)
	s.broker.registries.Hooks.OnPacketProcessed(&hook.Client{ID: s.clientID}, fh.Type, err)
	return err
}

func (s *MQTTSession) dispatchPacket(fh *encoding.FixedHeader, body []byte) error {
	r := bytes.NewReader(body)

	switch fh.Type {
	case encoding.CONNECT:
		return s.handleConnect(r, fh)
	case encoding.PUBLISH:
		return s.handlePublish(r, fh)
	case encoding.PUBACK:
		pkt, err := encoding.ParsePubackPacket(r, fh)
		if err != nil {
			return err
		}
		return s.out.HandlePuback(pkt.PacketID)
	case encoding.PUBREC:
		pkt, err := encoding.ParsePubrecPacket(r, fh)
		if err != nil {
			return err
		}
		return s.out.HandlePubrec(pkt.PacketID)
	case encoding.PUBREL:
		pkt, err := encoding.ParsePubrelPacket(r, fh)
		if err != nil {
			return err
		}
		return s.in.HandlePubrel(pkt.PacketID)
	case encoding.PUBCOMP:
		pkt, err := encoding.ParsePubcompPacket(r, fh)
		if err != nil {
			return err
		}
		return s.out.HandlePubcomp(pkt.PacketID)
	case encoding.SUBSCRIBE:
		return s.handleSubscribe(r, fh)
	case encoding.UNSUBSCRIBE:
		return s.handleUnsubscribe(r, fh)
	case encoding.PINGREQ:
		if _, err := encoding.ParsePingreqPacket(fh); err != nil {
			return err
		}
		return s.writePacket(&encoding.PingrespPacket{})
	case encoding.DISCONNECT:
		pkt, err := encoding.ParseDisconnectPacket(r, fh)
		if err != nil {
			return err
		}
		sendWill := pkt.ReasonCode != encoding.ReasonNormalDisconnection
		return s.teardown(context.Background(), sendWill, nil)
	default:
		return errUnhandledPacketType
	}
}

func (s *MQTTSession) handleConnect(r *bytes.Reader, fh *encoding.FixedHeader) error {
	pkt, err := encoding.ParseConnectPacket(r, fh)
	if err != nil {
		return err
	}

	clientID := pkt.ClientID
	ctx := context.Background()
	if clientID == "" {
		clientID, err = s.broker.registries.Clients.GenerateClientID(ctx)
		if err != nil {
			return s.writePacket(&encoding.ConnackPacket{ReasonCode: encoding.ReasonClientIdentifierNotValid})
		}
	}

	hookClient := &hook.Client{
		ID:              clientID,
		RemoteAddr:      s.transport.RemoteAddr(),
		Username:        pkt.Username,
		CleanStart:      pkt.CleanStart,
		ProtocolVersion: byte(pkt.ProtocolVersion),
		KeepAlive:       pkt.KeepAlive,
		ConnectedAt:     time.Now(),
	}
	hookConnect := &hook.ConnectPacket{
		ProtocolName:    pkt.ProtocolName,
		ProtocolVersion: byte(pkt.ProtocolVersion),
		CleanStart:      pkt.CleanStart,
		KeepAlive:       pkt.KeepAlive,
		ClientID:        clientID,
		Username:        pkt.Username,
		Password:        pkt.Password,
	}

	if !s.broker.registries.Hooks.OnConnectAuthenticate(hookClient, hookConnect) {
		metrics.AuthRejectionsTotal.Inc()
		_ = s.writePacket(&encoding.ConnackPacket{ReasonCode: encoding.ReasonBadUsernameOrPassword})
		return s.transport.Close()
	}

	expiry := uint32(0)
	if prop := pkt.Properties.GetProperty(encoding.PropSessionExpiryInterval); prop != nil {
		if v, ok := prop.Value.(uint32); ok {
			expiry = v
		}
	}

	sess, present, err := s.broker.registries.Clients.CreateSession(ctx, clientID, pkt.CleanStart, expiry, byte(pkt.ProtocolVersion))
	if err != nil {
		return s.writePacket(&encoding.ConnackPacket{ReasonCode: encoding.ReasonServerUnavailable})
	}

	if pkt.WillFlag {
		sess.SetWillMessage(&session.WillMessage{
			Topic:   pkt.WillTopic,
			Payload: pkt.WillPayload,
			QoS:     byte(pkt.WillQoS),
			Retain:  pkt.WillRetain,
		}, 0)
	}

	s.clientID = clientID
	s.sess = sess
	s.connected = true
	s.broker.register(clientID, s)

	if pkt.KeepAlive > 0 {
		s.keepAliveGrace = time.Duration(float64(pkt.KeepAlive)*1.5) * time.Second
		s.idleTimer = time.AfterFunc(s.keepAliveGrace, s.OnTimeout)
	}

	return s.writePacket(&encoding.ConnackPacket{
		SessionPresent: present,
		ReasonCode:     encoding.ReasonSuccess,
	})
}

func (s *MQTTSession) handlePublish(r *bytes.Reader, fh *encoding.FixedHeader) error {
	pkt, err := encoding.ParsePublishPacket(r, fh)
	if err != nil {
		return err
	}

	if err := encoding.ValidatePublishPacket(pkt.TopicName, fh.QoS, pkt.PacketID); err != nil {
		return err
	}

	hookErr := s.broker.registries.Hooks.OnPublish(&hook.Client{ID: s.clientID}, &hook.PublishPacket{
		PacketID: pkt.PacketID,
		Topic:    pkt.TopicName,
		Payload:  pkt.Payload,
		QoS:      byte(fh.QoS),
		Retain:   fh.Retain,
		Origin:   s.clientID,
	})
	if hookErr != nil {
		s.broker.registries.Hooks.OnPublishDropped(&hook.Client{ID: s.clientID}, nil, hook.DropReasonQuotaExceeded)
		return nil
	}

	msg := message.NewMessage(pkt.PacketID, pkt.TopicName, pkt.Payload, fh.QoS, fh.Retain, nil).WithOrigin(s.clientID)
	return s.in.HandlePublish(msg)
}

func (s *MQTTSession) handleSubscribe(r *bytes.Reader, fh *encoding.FixedHeader) error {
	pkt, err := encoding.ParseSubscribePacket(r, fh)
	if err != nil {
		return err
	}

	codes := make([]encoding.ReasonCode, len(pkt.Subscriptions))
	for i, want := range pkt.Subscriptions {
		s.sess.AddSubscription(&session.Subscription{
			TopicFilter:            want.TopicFilter,
			QoS:                    byte(want.QoS),
			NoLocal:                want.NoLocal,
			RetainAsPublished:      want.RetainAsPublished,
			RetainHandling:         want.RetainHandling,
			SubscriptionIdentifier: want.SubscriptionIdentifier,
		})

		err := s.broker.registries.Topics.Subscribe(&topic.Subscription{
			ClientID:               s.clientID,
			TopicFilter:            want.TopicFilter,
			QoS:                    byte(want.QoS),
			NoLocal:                want.NoLocal,
			RetainAsPublished:      want.RetainAsPublished,
			RetainHandling:         want.RetainHandling,
			SubscriptionIdentifier: want.SubscriptionIdentifier,
		})
		if err != nil {
			codes[i] = encoding.ReasonTopicFilterInvalid
			continue
		}
		codes[i] = reasonForQoS(want.QoS)

		if want.RetainHandling != 2 {
			s.sendRetained(want.TopicFilter)
		}
	}

	return s.writePacket(&encoding.SubackPacket{PacketID: pkt.PacketID, ReasonCodes: codes})
}

// sendRetained delivers retained messages matching filter at subscribe time.
func (s *MQTTSession) sendRetained(filter string) {
	msgs, err := s.broker.registries.Retained.Match(context.Background(), filter, wildcardMatcher{})
	if err != nil {
		return
	}
	for _, msg := range msgs {
		payload, err := compress.Decompress(msg.Payload)
		if err != nil {
			continue
		}
		out := *msg
		out.Payload = payload
		_ = s.deliver(&out)
	}
}

// deliver forwards msg to this client, routing it through the outbound
// qos.Handler for QoS1/2 so retries and dup tracking apply, and writing
// QoS0 directly since there is nothing to track.
func (s *MQTTSession) deliver(msg *message.Message) error {
	switch msg.QoS {
	case encoding.QoS1:
		_, err := s.out.PublishQoS1(msg.Topic, msg.Payload, msg.Retain, msg.Properties)
		return err
	case encoding.QoS2:
		_, err := s.out.PublishQoS2(msg.Topic, msg.Payload, msg.Retain, msg.Properties)
		return err
	default:
		return s.writePacket(&encoding.PublishPacket{
			FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0, Retain: msg.Retain},
			TopicName:   msg.Topic,
			Payload:     msg.Payload,
		})
	}
}

func (s *MQTTSession) handleUnsubscribe(r *bytes.Reader, fh *encoding.FixedHeader) error {
	pkt, err := encoding.ParseUnsubscribePacket(r, fh)
	if err != nil {
		return err
	}

	codes := make([]encoding.ReasonCode, len(pkt.TopicFilters))
	for i, filter := range pkt.TopicFilters {
		s.sess.RemoveSubscription(filter)
		if s.broker.registries.Topics.Unsubscribe(s.clientID, filter) {
			codes[i] = encoding.ReasonSuccess
		} else {
			codes[i] = encoding.ReasonNoSubscriptionExisted
		}
	}

	return s.writePacket(&encoding.UnsubackPacket{PacketID: pkt.PacketID, ReasonCodes: codes})
}

// OnDisconnected handles transport-level connection loss: no DISCONNECT
// packet arrived, so the will message (if any) is always eligible.
func (s *MQTTSession) OnDisconnected(cause error) {
	_ = s.teardown(context.Background(), true, cause)
}

// OnTimeout handles a keepalive expiry: no traffic within 1.5x the
// negotiated keep-alive is treated as an abnormal disconnect.
func (s *MQTTSession) OnTimeout() {
	_ = s.teardown(context.Background(), true, errKeepAliveExpired)
	_ = s.transport.Close()
}

var errKeepAliveExpired = errors.New("engine: keepalive expired")

func (s *MQTTSession) teardown(ctx context.Context, sendWill bool, cause error) error {
	if !s.connected {
		return nil
	}
	s.connected = false

	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}

	s.broker.unregister(s.clientID, s)
	s.broker.registries.Topics.UnsubscribeAll(s.clientID)
	s.in.Close()
	s.out.Close()
	s.broker.registries.Hooks.OnDisconnect(&hook.Client{ID: s.clientID}, cause, sendWill)

	return s.broker.registries.Clients.DisconnectSession(ctx, s.clientID, sendWill)
}

type encodablePacket interface {
	Encode(w io.Writer) error
}

func (s *MQTTSession) writePacket(p encodablePacket) error {
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		return err
	}
	_, err := s.transport.Write(buf.Bytes())
	return err
}

func reasonForQoS(q encoding.QoS) encoding.ReasonCode {
	switch q {
	case encoding.QoS1:
		return encoding.ReasonGrantedQoS1
	case encoding.QoS2:
		return encoding.ReasonGrantedQoS2
	default:
		return encoding.ReasonGrantedQoS0
	}
}
