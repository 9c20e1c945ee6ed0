package engine

import (
	"context"
	"time"

	"github.com/ironvale/iotcore/network"
	"golang.org/x/sync/errgroup"
)

// Engine supervises a Broker's MQTT listener together with any number of
// Modbus masters, so a single ctx cancellation (or a single failure among
// them) brings the whole process down cleanly instead of leaving orphaned
// goroutines behind.
type Engine struct {
	broker   *Broker
	listener *network.Listener
	bufSize  int
	masters  []*ModbusMaster

	graceful *network.GracefulShutdown
}

// NewEngine builds an Engine around an already-constructed Broker and
// Listener; masters are added via AddModbusMaster before Run.
func NewEngine(broker *Broker, listener *network.Listener, bufSize int) *Engine {
	return &Engine{broker: broker, listener: listener, bufSize: bufSize}
}

// WithGracefulShutdown gives connected clients a bounded drain window
// before the broker forces every socket closed: each live connection in
// pool gets a DISCONNECT(ServerShuttingDown) (via broker.SendDisconnect)
// and is then closed by the server; timeout bounds how long the DISCONNECT
// send may take for each connection. Without this, Run's ctx.Done() handler just slams the listener and
// broker shut with no warning to still-connected clients.
func (e *Engine) WithGracefulShutdown(pool *network.Pool, timeout time.Duration) *Engine {
	dm := network.NewDisconnectManager(timeout)
	dm.OnDisconnect(e.broker.SendDisconnect)
	e.graceful = network.NewGracefulShutdown(pool, dm, timeout)
	return e
}

// AddModbusMaster registers a master to be started alongside the broker.
func (e *Engine) AddModbusMaster(m *ModbusMaster) {
	e.masters = append(e.masters, m)
}

// Run starts the broker and every registered Modbus master, and blocks
// until ctx is canceled or any of them returns an error, at which point
// the rest are torn down.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.broker.Serve(e.listener, e.bufSize)
	})

	for _, m := range e.masters {
		m := m
		g.Go(func() error {
			return m.Run(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		_ = e.listener.Close()
		if e.graceful != nil {
			_ = e.graceful.Shutdown(context.Background())
		}
		_ = e.broker.Close()
		for _, m := range e.masters {
			_ = m.Close()
		}
		return ctx.Err()
	})

	return g.Wait()
}
