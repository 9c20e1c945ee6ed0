package topic

import (
	"github.com/ironvale/iotcore/types/message"
)

// Subscription represents an active subscription with MQTT 5.0 options.
type Subscription struct {
	ClientID               string
	TopicFilter            string
	QoS                    byte
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
	SubscriptionIdentifier uint32
}

// RetainedMessage represents a retained message
type RetainedMessage struct {
	Message *message.Message
}

// SubscriberInfo contains subscriber metadata for routing
type SubscriberInfo struct {
	ClientID               string
	QoS                    byte
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
	SubscriptionIdentifier uint32
}

// Alias manages topic alias mapping for MQTT 5.0
type Alias struct {
	maxAlias uint16
	aliases  map[uint16]string
}

// NewTopicAlias creates a new topic alias manager
func NewTopicAlias(maxAlias uint16) *Alias {
	return &Alias{
		maxAlias: maxAlias,
		aliases:  make(map[uint16]string),
	}
}

// Set maps an alias to a topic
func (ta *Alias) Set(alias uint16, topic string) bool {
	if alias == 0 || alias > ta.maxAlias {
		return false
	}
	ta.aliases[alias] = topic
	return true
}

// Get retrieves the topic for an alias
func (ta *Alias) Get(alias uint16) (string, bool) {
	topic, ok := ta.aliases[alias]
	return topic, ok
}

// Clear removes all aliases
func (ta *Alias) Clear() {
	ta.aliases = make(map[uint16]string)
}
