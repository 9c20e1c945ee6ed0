package hook

import (
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/ironvale/iotcore/encoding"
)

// SentryHook forwards abnormal disconnects and packet-processing failures
// to Sentry, tagging each event with the client ID so a single session's
// error trail can be grepped in one place.
type SentryHook struct {
	*Base
}

// NewSentryHook builds a hook reporting through the already-initialized
// default Sentry client (sentry.Init is the caller's responsibility, since
// DSN/environment/release belong to process configuration, not a hook).
func NewSentryHook() *SentryHook {
	return &SentryHook{Base: &Base{id: "sentry"}}
}

func (h *SentryHook) Provides(event Event) bool {
	return event == OnDisconnect || event == OnPacketProcessed
}

// OnDisconnect reports any non-nil disconnect cause, skipping the
// well-behaved DISCONNECT and EOF paths callers pass as nil.
func (h *SentryHook) OnDisconnect(client *Client, err error, expire bool) error {
	if err == nil {
		return nil
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("client_id", client.ID)
		scope.SetExtra("expire", expire)
		sentry.CaptureException(err)
	})
	return nil
}

// OnPacketProcessed reports packet-handling failures, which otherwise only
// surface as a closed connection and a log line.
func (h *SentryHook) OnPacketProcessed(client *Client, packetType encoding.PacketType, err error) error {
	if err == nil {
		return nil
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("client_id", client.ID)
		scope.SetTag("packet_type", packetType.String())
		sentry.CaptureException(err)
	})
	return nil
}

// Flush blocks up to timeout for queued events to reach Sentry, useful at
// shutdown.
func Flush(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}
