package engine

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ironvale/iotcore/encoding"
	"github.com/ironvale/iotcore/modbus"
	"github.com/ironvale/iotcore/types/message"
)

// ModbusBridge republishes a ModbusMaster's end-of-cycle Snapshot onto the
// broker as a retained, CBOR-encoded PUBLISH, giving MQTT subscribers a
// compact, schema-stable view of the polled slave without depending on
// JSON's text overhead.
type ModbusBridge struct {
	broker      *Broker
	topicPrefix string
}

// NewModbusBridge builds a bridge publishing under
// "<topicPrefix>/<slaveID>", e.g. "modbus/12".
func NewModbusBridge(broker *Broker, topicPrefix string) *ModbusBridge {
	return &ModbusBridge{broker: broker, topicPrefix: topicPrefix}
}

// Attach wires the bridge as master's publish callback.
func (br *ModbusBridge) Attach(master *ModbusMaster) {
	master.OnPublish(br.publishSnapshot)
}

func (br *ModbusBridge) publishSnapshot(snap modbus.Snapshot) {
	payload, err := cbor.Marshal(snap.Values)
	if err != nil {
		return
	}

	topic := fmt.Sprintf("%s/%d", br.topicPrefix, snap.SlaveID)
	msg := message.NewMessage(0, topic, payload, encoding.QoS0, true, nil).WithOrigin(message.ModbusOrigin)
	_ = br.broker.publish("", msg)
}
