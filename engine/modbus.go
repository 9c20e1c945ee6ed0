package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/ironvale/iotcore/modbus"
	"github.com/ironvale/iotcore/network"
	"github.com/ironvale/iotcore/pkg/logger"
	"github.com/ironvale/iotcore/pkg/metrics"
)

var (
	errModbusConnectionClosed = errors.New("engine: modbus connection closed")
	errModbusResponseTimeout  = errors.New("engine: modbus response timeout")
)

// ModbusConnection is the per-slave transport the Scheduler drives: it
// satisfies modbus.Transport (Send/Receive) over a dialed *network.Connection,
// and satisfies engine.Sink so the same accept/teardown vocabulary used for
// MQTT applies here too, even though the master opens the connection rather
// than accepting one.
type ModbusConnection struct {
	conn *network.Connection

	rx     chan []byte
	closed chan struct{}
}

func newModbusConnection(conn *network.Connection) *ModbusConnection {
	c := &ModbusConnection{
		conn:   conn,
		rx:     make(chan []byte, 1),
		closed: make(chan struct{}),
	}
	go c.pump()
	return c
}

// pump is the connection's only reader: Modbus request/response is
// synchronous and single-outstanding per slave, so one frame read at a
// time is handed to whichever Receive call is currently waiting.
func (c *ModbusConnection) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			close(c.closed)
			return
		}
		if n == 0 {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])

		select {
		case c.rx <- frame:
		case <-c.closed:
			return
		}
	}
}

// Send writes frame to the slave.
func (c *ModbusConnection) Send(ctx context.Context, frame []byte) error {
	_, err := c.conn.Write(frame)
	return err
}

// Receive waits up to timeout for the next frame pump reads off the wire.
func (c *ModbusConnection) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-c.rx:
		return frame, nil
	case <-c.closed:
		return nil, errModbusConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errModbusResponseTimeout
	}
}

func (c *ModbusConnection) Close() error {
	return c.conn.Close()
}

func (c *ModbusConnection) OnConnected(remote net.Addr) {}
func (c *ModbusConnection) OnRxData(data []byte) error  { return nil }
func (c *ModbusConnection) OnDisconnected(cause error)   {}
func (c *ModbusConnection) OnTimeout()                   {}

// ModbusMaster is the composition root for the polling-master service: it
// dials (and redials, via network.Reconnector's Backoff) a single slave
// link and drives a modbus.Scheduler's Tick loop over it. One ModbusMaster
// exists per configured link; a link may carry several slaves per the
// scheduler's own multi-slave support.
type ModbusMaster struct {
	address         string
	scheduler       *modbus.Scheduler
	pollInterval    time.Duration
	timeoutResponse time.Duration
	log             *logger.SlogLogger

	reconnector *network.Reconnector
	cancel      context.CancelFunc
}

// NewModbusMaster builds a master for one TCP link. cfg is checked with
// modbus.Config.Verify() inside modbus.NewScheduler, and its error is
// returned.
func NewModbusMaster(address string, cfg modbus.Config, pollInterval, timeoutResponse time.Duration, log *logger.SlogLogger) (*ModbusMaster, error) {
	scheduler, err := modbus.NewScheduler(cfg, log)
	if err != nil {
		return nil, err
	}
	scheduler.OnTickResult = func(outcome string) {
		metrics.ModbusTicksTotal.WithLabelValues(outcome).Inc()
	}
	scheduler.OnPublish = func(snap modbus.Snapshot) {
		metrics.ModbusCyclesTotal.Inc()
	}

	return &ModbusMaster{
		address:         address,
		scheduler:       scheduler,
		pollInterval:    pollInterval,
		timeoutResponse: timeoutResponse,
		log:             log,
	}, nil
}

// OnPublish registers the callback the scheduler invokes at the end of
// every full poll cycle, alongside the cycle counter already wired in
// NewModbusMaster.
func (m *ModbusMaster) OnPublish(cb func(modbus.Snapshot)) {
	m.scheduler.OnPublish = func(snap modbus.Snapshot) {
		metrics.ModbusCyclesTotal.Inc()
		cb(snap)
	}
}

// Run dials the slave link, reconnecting with exponential backoff on
// failure, and ticks the scheduler on pollInterval until ctx is canceled.
func (m *ModbusMaster) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	reconnector, err := network.NewReconnector(ctx, network.DefaultRecoveryConfig(), func() (*network.Connection, error) {
		netConn, err := net.Dial("tcp", m.address)
		if err != nil {
			return nil, err
		}
		return network.NewConnection(netConn, m.address, &network.ConnectionConfig{
			KeepAlive: 30 * time.Second,
		}), nil
	})
	if err != nil {
		return err
	}
	m.reconnector = reconnector

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	var mbConn *ModbusConnection
	for {
		select {
		case <-ctx.Done():
			if mbConn != nil {
				_ = mbConn.Close()
			}
			return ctx.Err()
		case <-ticker.C:
			if mbConn == nil {
				conn, err := reconnector.Connect()
				if err != nil {
					m.log.Warn("modbus link unavailable, will retry", "address", m.address, "error", err)
					continue
				}
				mbConn = newModbusConnection(conn)
			}

			select {
			case <-mbConn.closed:
				m.log.Warn("modbus link closed, reconnecting", "address", m.address)
				mbConn = nil
				continue
			default:
			}

			m.scheduler.Tick(ctx, mbConn, m.timeoutResponse)
		}
	}
}

// Close stops Run and releases the active connection.
func (m *ModbusMaster) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.reconnector != nil {
		m.reconnector.Close()
	}
	return nil
}
