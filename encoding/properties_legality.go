package encoding

// commandSet is a small fixed set of packet types a property is legal on.
// Modeled the same way propertySpecs maps an identifier to its shape: here
// the value describes where the identifier is allowed to appear instead of
// how it is encoded.
type commandSet map[PacketType]bool

func commands(types ...PacketType) commandSet {
	set := make(commandSet, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

// propertyLegality maps each property identifier to the packet types it may
// appear on. Properties absent from this map (only PropWillDelayInterval,
// see below) are rejected everywhere by ValidateCommandLegality.
//
// PropWillDelayInterval is special: it is only legal inside the Will
// properties of a CONNECT packet, never on CONNECT's own property list, so
// it is validated separately by ValidateWillPropertyLegality instead of
// appearing here.
var propertyLegality = map[PropertyID]commandSet{
	PropPayloadFormatIndicator:          commands(PUBLISH),
	PropMessageExpiryInterval:           commands(PUBLISH),
	PropContentType:                     commands(PUBLISH),
	PropResponseTopic:                   commands(PUBLISH),
	PropCorrelationData:                 commands(PUBLISH),
	PropSubscriptionIdentifier:          commands(PUBLISH, SUBSCRIBE),
	PropSessionExpiryInterval:           commands(CONNECT, CONNACK, DISCONNECT),
	PropAssignedClientIdentifier:        commands(CONNACK),
	PropServerKeepAlive:                 commands(CONNACK),
	PropAuthenticationMethod:            commands(CONNECT, CONNACK, AUTH),
	PropAuthenticationData:              commands(CONNECT, CONNACK, AUTH),
	PropRequestProblemInformation:       commands(CONNECT),
	PropRequestResponseInformation:      commands(CONNECT),
	PropResponseInformation:             commands(CONNACK),
	PropServerReference:                 commands(CONNACK, DISCONNECT),
	PropReasonString: commands(
		CONNACK, PUBACK, PUBREC, PUBREL, PUBCOMP,
		SUBACK, UNSUBACK, DISCONNECT, AUTH,
	),
	PropReceiveMaximum:                  commands(CONNECT, CONNACK),
	PropTopicAliasMaximum:               commands(CONNECT, CONNACK),
	PropTopicAlias:                      commands(PUBLISH),
	PropMaximumQoS:                      commands(CONNACK),
	PropRetainAvailable:                 commands(CONNACK),
	PropUserProperty: commands(
		CONNECT, CONNACK, PUBLISH, PUBACK, PUBREC, PUBREL, PUBCOMP,
		SUBSCRIBE, SUBACK, UNSUBSCRIBE, UNSUBACK, DISCONNECT, AUTH,
	),
	PropMaximumPacketSize:               commands(CONNECT, CONNACK),
	PropWildcardSubscriptionAvailable:   commands(CONNACK),
	PropSubscriptionIdentifierAvailable: commands(CONNACK),
	PropSharedSubscriptionAvailable:     commands(CONNACK),
}

// ValidateCommandLegality checks that every property in props is permitted
// on the given packet type. A property appearing where it is not permitted
// is a protocol violation, not a malformed-packet one: the property itself
// decoded fine, it just doesn't belong here.
func ValidateCommandLegality(props *Properties, command PacketType) error {
	if props == nil {
		return nil
	}
	for _, prop := range props.Properties {
		set, ok := propertyLegality[prop.ID]
		if !ok {
			return NewProtocolError(ErrInvalidPropertyID, prop.ID.String()+" has no defined command legality")
		}
		if !set[command] {
			return NewProtocolError(ErrPropertyNotAllowed, prop.ID.String()+" not allowed on "+command.String())
		}
	}
	return nil
}

// ValidateWillPropertyLegality checks the property list carried inside a
// CONNECT packet's Will properties, which has its own legal set distinct
// from the CONNECT packet's own properties (e.g. PropWillDelayInterval is
// only legal here, never on CONNECT's top-level properties).
func ValidateWillPropertyLegality(props *Properties) error {
	if props == nil {
		return nil
	}
	willAllowed := map[PropertyID]bool{
		PropPayloadFormatIndicator: true,
		PropMessageExpiryInterval:  true,
		PropContentType:            true,
		PropResponseTopic:          true,
		PropCorrelationData:        true,
		PropWillDelayInterval:      true,
		PropUserProperty:           true,
	}
	for _, prop := range props.Properties {
		if !willAllowed[prop.ID] {
			return NewProtocolError(ErrPropertyNotAllowed, prop.ID.String()+" not allowed in Will properties")
		}
	}
	return nil
}
