package modbus

import (
	"context"
	"time"

	"github.com/ironvale/iotcore/pkg/logger"
)

// Size caps: bits ≤
// 2000, registers ≤ 125."
const (
	MaxBitQuantity      = 2000
	MaxRegisterQuantity = 125
)

// PollCursor is the scheduler's position: which slave, which map within
// that slave. It advances map-by-map and rolls over to (0,0) at cycle end.
type PollCursor struct {
	SlaveIndex int
	MapIndex   int
}

type mapState struct {
	cfg      MappingConfig
	disabled bool
}

type varState struct {
	cfg      ConversionConfig
	disabled bool
}

type slaveState struct {
	data *SlaveData
	cfg  SlaveConfig
	maps []mapState
	vars []varState
}

// Transport is the byte-level collaborator the scheduler drives: send the
// built request ADU and read back the response ADU within timeout. It is
// an interface, never a concrete socket type, keeping transport out of
// scope here: reconnection/backoff lives in the caller.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// Snapshot is the cycle-end, JSON-shaped publish event: one per slave,
// decoded per its conversion list.
type Snapshot struct {
	SlaveID uint8
	Values  map[string]interface{}
}

// Scheduler is the Modbus ModbusScheduler component: validates the
// configured maps and variables at start, then cyclically polls and
// decodes values, publishing a Snapshot at the end of each full cycle.
type Scheduler struct {
	protocol Protocol
	slaves   []*slaveState
	cursor   PollCursor
	txnID    uint16
	log      *logger.SlogLogger

	OnPublish func(Snapshot)

	// OnTickResult, if set, is called once per Tick with a short outcome
	// label ("ok", "timeout", "exception", "idle", "error"), letting a
	// caller track per-tick metrics without the scheduler depending on
	// any particular metrics library.
	OnTickResult func(outcome string)
}

func (s *Scheduler) reportTick(outcome string) {
	if s.OnTickResult != nil {
		s.OnTickResult(outcome)
	}
}

// NewScheduler validates cfg's maps and variables at construction time
// and returns a ready-to-run Scheduler.
func NewScheduler(cfg Config, log *logger.SlogLogger) (*Scheduler, error) {
	if err := cfg.Verify(); err != nil {
		return nil, err
	}

	s := &Scheduler{protocol: cfg.Protocol, log: log}
	for _, sc := range cfg.Slaves {
		data := NewSlaveData(sc.ID)
		st := &slaveState{data: data, cfg: sc}

		for _, m := range sc.Mapping {
			ms := mapState{cfg: m}
			if int(m.Address)+int(m.Size) > 0x10000 {
				ms.disabled = true
			} else {
				for addr := int(m.Address); addr < int(m.Address)+int(m.Size); addr++ {
					if !data.MarkBusy(m.Type, addr) {
						ms.disabled = true
					}
				}
			}
			st.maps = append(st.maps, ms)
		}

		for _, v := range sc.Conversion {
			vs := varState{cfg: v}
			width := v.Format.Width()
			if width == 0 {
				width = 1 // bool/16-bit occupy a single cell
			}
			if !data.IsBusy(v.Type, int(v.Address)) {
				vs.disabled = true
			}
			for i := 0; i < width; i++ {
				addr := int(v.Address) + i
				if addr >= 0x10000 || !data.MarkCompound(v.Type, addr) {
					vs.disabled = true
				}
			}
			st.vars = append(st.vars, vs)
		}

		s.slaves = append(s.slaves, st)
	}
	return s, nil
}

// Tick runs one scheduler step: build a request for the current map,
// exchange it over transport, store the response, then advance the
// cursor. At the end of a full cycle it runs the publish phase and resets
// the cursor to (0,0).
func (s *Scheduler) Tick(ctx context.Context, transport Transport, timeoutResponse time.Duration) {
	if len(s.slaves) == 0 {
		return
	}

	st := s.slaves[s.cursor.SlaveIndex]
	if s.cursor.MapIndex >= len(st.maps) {
		s.advanceSlave()
		return
	}

	mp := st.maps[s.cursor.MapIndex]
	if mp.disabled {
		s.advanceMap()
		return
	}

	quantity := mp.cfg.Size
	if mp.cfg.Type == Coil || mp.cfg.Type == DiscreteInput {
		if quantity > MaxBitQuantity {
			s.log.Warn("map exceeds bit quantity cap, skipping", "slave", st.cfg.ID, "size", quantity)
			s.reportTick("error")
			s.advanceMap()
			return
		}
	} else if quantity > MaxRegisterQuantity {
		s.log.Warn("map exceeds register quantity cap, skipping", "slave", st.cfg.ID, "size", quantity)
		s.reportTick("error")
		s.advanceMap()
		return
	}

	s.txnID++
	req := Request{
		UnitID:       st.cfg.ID,
		FunctionCode: mp.cfg.Type.FunctionCode(),
		Address:      mp.cfg.Address,
		Quantity:     quantity,
	}

	adu, err := BuildADU(s.protocol, s.txnID, req)
	if err != nil {
		s.log.Error("failed to build request", "error", err)
		s.reportTick("error")
		s.advanceMap()
		return
	}
	if err := transport.Send(ctx, adu); err != nil {
		s.log.Warn("connection loss sending request, idling", "error", err)
		s.reportTick("idle")
		return
	}

	frame, err := transport.Receive(ctx, timeoutResponse)
	if err != nil {
		s.log.Warn("response timeout, advancing past map", "slave", st.cfg.ID, "map", s.cursor.MapIndex)
		s.reportTick("timeout")
		s.advanceMap()
		return
	}

	resp, err := ParseADU(s.protocol, frame)
	if err != nil {
		s.log.Warn("malformed response, discarding", "error", err)
		s.reportTick("error")
		s.advanceMap()
		return
	}
	if resp.UnitID != st.cfg.ID {
		s.log.Warn("slave id mismatch, discarding", "got", resp.UnitID, "want", st.cfg.ID)
		s.reportTick("error")
		s.advanceMap()
		return
	}
	if resp.IsException() {
		s.log.Warn("exception response", "function", mp.cfg.Type.FunctionCode(), "exception", resp.Exception())
		s.reportTick("exception")
		s.advanceMap()
		return
	}
	if resp.FunctionCode != mp.cfg.Type.FunctionCode() {
		s.log.Warn("function code mismatch, discarding", "got", resp.FunctionCode, "want", mp.cfg.Type.FunctionCode())
		s.reportTick("error")
		s.advanceMap()
		return
	}

	expected := ExpectedByteCount(mp.cfg.Type, quantity)
	if len(resp.Data) < 1 || int(resp.Data[0]) != expected || len(resp.Data)-1 != expected {
		s.log.Warn("byte count mismatch, discarding", "slave", st.cfg.ID)
		s.reportTick("error")
		s.advanceMap()
		return
	}

	s.store(st, mp.cfg, resp.Data[1:])
	s.reportTick("ok")
	s.advanceMap()
}

func (s *Scheduler) store(st *slaveState, mp MappingConfig, payload []byte) {
	switch mp.Type {
	case Coil, DiscreteInput:
		for i := 0; i < int(mp.Size); i++ {
			byteIdx, bit := i/8, uint(i%8)
			value := payload[byteIdx]&(1<<bit) != 0
			st.data.SetBit(mp.Type, int(mp.Address)+i, value)
		}
	case InputRegister:
		for i := 0; i < int(mp.Size); i++ {
			reg := uint16(payload[i*2])<<8 | uint16(payload[i*2+1])
			st.data.SetInputRegister(int(mp.Address)+i, reg)
		}
	case HoldingRegister:
		for i := 0; i < int(mp.Size); i++ {
			reg := uint16(payload[i*2])<<8 | uint16(payload[i*2+1])
			st.data.SetHoldingRegister(int(mp.Address)+i, reg)
		}
	}
}

func (s *Scheduler) advanceMap() {
	st := s.slaves[s.cursor.SlaveIndex]
	s.cursor.MapIndex++
	if s.cursor.MapIndex >= len(st.maps) {
		s.advanceSlave()
	}
}

func (s *Scheduler) advanceSlave() {
	s.cursor.MapIndex = 0
	s.cursor.SlaveIndex++
	if s.cursor.SlaveIndex >= len(s.slaves) {
		s.publish()
		s.cursor = PollCursor{}
	}
}

// publish runs the ValueDecoder over every enabled conversion variable for
// every slave and invokes OnPublish with the resulting snapshot,
// §4.9: "the value is published unconditionally at cycle end" regardless
// of the updated flag (which is still cleared here, matching "cleared on
// read").
func (s *Scheduler) publish() {
	if s.OnPublish == nil {
		return
	}
	for _, st := range s.slaves {
		values := make(map[string]interface{}, len(st.vars))
		for _, v := range st.vars {
			if v.disabled {
				continue
			}
			value, err := s.decodeVariable(st.data, v.cfg)
			if err != nil {
				s.log.Warn("failed to decode variable", "id", v.cfg.ID, "error", err)
				continue
			}
			values[v.cfg.ID] = value
		}
		s.OnPublish(Snapshot{SlaveID: st.data.SlaveID, Values: values})
	}
}

func (s *Scheduler) decodeVariable(data *SlaveData, cfg ConversionConfig) (interface{}, error) {
	if cfg.Format == FormatBool {
		value := data.Bit(cfg.Type, int(cfg.Address))
		data.Updated(cfg.Type, int(cfg.Address))
		return value, nil
	}

	width := cfg.Format.Width()
	table := data.RegisterTable(cfg.Type)
	registers := make([]uint16, width)
	for i := 0; i < width; i++ {
		registers[i] = table[int(cfg.Address)+i]
	}
	data.Updated(cfg.Type, int(cfg.Address))
	return DecodeValue(cfg.Format, registers, cfg.defaultEndian(), cfg.defaultMultiplier())
}

// Cursor returns the scheduler's current position, useful for tests and
// diagnostics.
func (s *Scheduler) Cursor() PollCursor {
	return s.cursor
}
