package ioengine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	mb "github.com/goburrow/modbus"
	"golang.org/x/time/rate"

	"modbus-gateway/internal/metrics"
	"modbus-gateway/internal/regmodel"
)

// handlerWithConn is the subset of goburrow/modbus handlers the engine needs
// for lifecycle management, matching internal/collector/client.go's pattern.
type handlerWithConn interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

func newHandler(conn *regmodel.Connection) (handlerWithConn, string, error) {
	timeout := conn.ConnectionTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	switch strings.ToLower(conn.Protocol) {
	case "tcp":
		addr := fmt.Sprintf("%s:%d", conn.Host, conn.Port)
		h := mb.NewTCPClientHandler(addr)
		h.Timeout = timeout
		return h, addr, nil
	case "rtu":
		if strings.TrimSpace(conn.SerialDevice) == "" {
			return nil, "", fmt.Errorf("connection %s: serial_device required for rtu", conn.Name)
		}
		h := mb.NewRTUClientHandler(conn.SerialDevice)
		if conn.BaudRate > 0 {
			h.BaudRate = conn.BaudRate
		}
		if conn.DataBits > 0 {
			h.DataBits = conn.DataBits
		}
		if conn.StopBits > 0 {
			h.StopBits = conn.StopBits
		}
		if conn.Parity != "" {
			h.Parity = conn.Parity
		}
		h.Timeout = timeout
		return h, conn.SerialDevice, nil
	default:
		return nil, "", fmt.Errorf("connection %s: unsupported protocol %q", conn.Name, conn.Protocol)
	}
}

// Worker owns one Modbus connection context and services the poll/set
// channels of its Connection, per spec.md §4.3 and §5.
type Worker struct {
	ID   int
	Conn *regmodel.Connection

	PollCh    <-chan *WorkItem
	SetCh     <-chan *WorkItem
	RespCh    chan<- *WorkItem
	ControlCh <-chan int
	Pool      *Pool
	Limiter   *rate.Limiter

	handler handlerWithConn
	client  mb.Client
	addr    string

	Jobs, Fails uint64
	ConnectDur  time.Duration
}

func NewWorker(id int, conn *regmodel.Connection, pollCh, setCh <-chan *WorkItem, respCh chan<- *WorkItem, controlCh <-chan int, pool *Pool, limiter *rate.Limiter) *Worker {
	return &Worker{
		ID: id, Conn: conn,
		PollCh: pollCh, SetCh: setCh, RespCh: respCh, ControlCh: controlCh,
		Pool: pool, Limiter: limiter,
	}
}

// connect dials with up to 5 attempts spaced 200ms apart, per spec.md §4.3.
// A failure after all attempts leaves the worker entering its main loop
// anyway; reconnection is then attempted on demand.
func (w *Worker) connect(ctx context.Context) error {
	h, addr, err := newHandler(w.Conn)
	if err != nil {
		return err
	}
	w.handler = h
	w.addr = addr
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if err := h.Connect(); err == nil {
			w.client = mb.NewClient(h)
			w.ConnectDur = time.Since(start)
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.client = mb.NewClient(h)
	w.ConnectDur = time.Since(start)
	return lastErr
}

func (w *Worker) reconnect() error {
	if w.handler != nil {
		w.handler.Close()
	}
	h, addr, err := newHandler(w.Conn)
	if err != nil {
		return err
	}
	w.handler = h
	w.addr = addr
	if err := h.Connect(); err != nil {
		return err
	}
	w.client = mb.NewClient(h)
	return nil
}

// Run is the worker's main loop: block on the control signal with a 100ms
// timeout, then prefer the set channel over the poll channel on each wake,
// per spec.md §4.3.
func (w *Worker) Run(ctx context.Context) {
	if err := w.connect(ctx); err != nil {
		log.Printf("ioengine: worker %d initial connect %s failed: %v", w.ID, w.addr, err)
	}
	defer func() {
		if w.handler != nil {
			w.handler.Close()
		}
	}()

	timer := time.NewTimer(100 * time.Millisecond)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-w.ControlCh:
			if !ok || sig == 0 {
				return
			}
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(100 * time.Millisecond)

		w.drain()
	}
}

func (w *Worker) drain() {
	for {
		select {
		case item := <-w.SetCh:
			w.service(item)
			continue
		default:
		}
		select {
		case item := <-w.PollCh:
			w.service(item)
			continue
		default:
		}
		return
	}
}

func (w *Worker) service(item *WorkItem) {
	item.TRun = time.Now()
	if item.Local {
		w.serviceLocal(item)
	} else {
		w.serviceWire(item)
	}
	item.TDone = time.Now()
	w.Jobs++
	if item.Err != nil {
		w.Fails++
	}
	select {
	case w.RespCh <- item:
	default:
		w.RespCh <- item
	}
}

// serviceWire dispatches to the matching Modbus primitive, applying retry
// policy and bad-register discovery per spec.md §4.3.
func (w *Worker) serviceWire(item *WorkItem) {
	maxTries := w.Conn.MaxIOTries
	if maxTries <= 0 {
		maxTries = 10
	}
	for item.IOTries < maxTries {
		item.IOTries++
		item.TIo = time.Now()
		metrics.IOTries.WithLabelValues(w.Conn.Name).Inc()
		err := w.execute(item)
		metrics.ObserveWire(w.Conn.Name, item.RegisterType.String(), time.Since(item.TIo))
		if err == nil {
			item.Err = nil
			item.Errno = 0
			return
		}
		item.Err = err
		switch classify(err) {
		case classBadFD:
			time.Sleep(200 * time.Millisecond)
			continue
		case classSocketInvalid, classInProgress:
			if rerr := w.reconnect(); rerr != nil {
				item.Err = rerr
			}
			continue
		case classTimeout:
			time.Sleep(200 * time.Millisecond)
			continue
		case classBadDataAddress, classIllegalDataValue:
			w.discoverBadRegisters(item)
			metrics.DisabledRegisters.WithLabelValues(w.Conn.Name).Set(float64(len(item.DisabledRegisters)))
			return
		case classPleaseFlush:
			w.flush()
			continue
		default:
			continue
		}
	}
}

func (w *Worker) flush() {
	if w.handler != nil {
		w.handler.Close()
		w.handler.Connect()
	}
}

// discoverBadRegisters binary-searches a failed range to isolate the
// offending offset(s), per spec.md §4.3's bad-register discovery.
func (w *Worker) discoverBadRegisters(item *WorkItem) {
	if item.DisabledRegisters == nil {
		item.DisabledRegisters = make(map[int]bool)
	}
	var probe func(offset, count int)
	probe = func(offset, count int) {
		if count <= 0 {
			return
		}
		if count == 1 {
			if item.DisabledRegisters[offset] {
				return
			}
			if _, err := w.readRaw(item.RegisterType, uint16(offset), 1); err != nil {
				item.DisabledRegisters[offset] = true
				if item.Group != nil {
					if p := item.Group.PointAt(offset); p != nil && p.AutoDisable {
						p.IsEnabled = false
					}
				}
			}
			return
		}
		half := count / 2
		if _, err := w.readRaw(item.RegisterType, uint16(offset), uint16(half)); err != nil {
			probe(offset, half)
		}
		rest := count - half
		if _, err := w.readRaw(item.RegisterType, uint16(offset+half), uint16(rest)); err != nil {
			probe(offset+half, rest)
		}
	}
	probe(item.Offset, item.NumRegisters)
}

func (w *Worker) readRaw(rt regmodel.RegisterType, offset, count uint16) ([]byte, error) {
	switch rt {
	case regmodel.Holding:
		return w.client.ReadHoldingRegisters(offset, count)
	case regmodel.Input:
		return w.client.ReadInputRegisters(offset, count)
	case regmodel.Coil:
		return w.client.ReadCoils(offset, count)
	case regmodel.DiscreteInput:
		return w.client.ReadDiscreteInputs(offset, count)
	}
	return nil, fmt.Errorf("unsupported register type %v", rt)
}

// execute performs exactly one wire attempt for item, setting the unit id
// to the work item's device_id and honoring off_by_one.
func (w *Worker) execute(item *WorkItem) error {
	offset := uint16(item.WireOffset())
	switch h := w.handler.(type) {
	case *mb.TCPClientHandler:
		h.SlaveId = byte(item.DeviceID)
	case *mb.RTUClientHandler:
		h.SlaveId = byte(item.DeviceID)
	}

	switch item.Type {
	case Get, GetMulti, BitGet, BitGetMulti:
		count := uint16(item.NumRegisters)
		if count == 0 {
			count = uint16(len(item.Buf16))
			if count == 0 {
				count = 1
			}
		}
		data, err := w.readRaw(item.RegisterType, offset, count)
		if err != nil {
			return err
		}
		unpackRegisters(item, data)
		return nil
	case Set, SetMulti, BitSet, BitSetMulti:
		return w.writeItem(item, offset)
	case Noop:
		return nil
	default:
		return fmt.Errorf("unsupported work type %v", item.Type)
	}
}

func (w *Worker) writeItem(item *WorkItem, offset uint16) error {
	if w.Limiter != nil {
		w.Limiter.Wait(context.Background())
	}
	switch item.RegisterType {
	case regmodel.Coil:
		if len(item.Buf8) == 0 {
			return fmt.Errorf("set %s: empty coil buffer", item.WorkName)
		}
		val := uint16(0)
		if item.Buf8[0] != 0 {
			val = 0xFF00
		}
		_, err := w.client.WriteSingleCoil(offset, val)
		return err
	case regmodel.Holding:
		if w.Conn.AllowMultiSets && len(item.Buf16) > 1 {
			if _, err := w.client.WriteMultipleRegisters(offset, uint16(len(item.Buf16)), packRegisters(item.Buf16)); err == nil {
				return nil
			}
			return w.writeDecomposed(item, offset)
		}
		return w.writeDecomposed(item, offset)
	default:
		return fmt.Errorf("register type %v is not writable", item.RegisterType)
	}
}

// writeDecomposed writes one io_point at a time, choosing write_register vs
// write_registers based on each point's multi_write_op_code hint.
func (w *Worker) writeDecomposed(item *WorkItem, base uint16) error {
	wordIdx := 0
	for _, p := range item.Items {
		off := base + uint16(p.Offset-item.Offset)
		var err error
		if p.Size == 1 && p.MultiWriteOpCode == 0 {
			_, err = w.client.WriteSingleRegister(off, item.Buf16[wordIdx])
		} else {
			hi := wordIdx + p.Size
			if hi > len(item.Buf16) {
				hi = len(item.Buf16)
			}
			_, err = w.client.WriteMultipleRegisters(off, uint16(hi-wordIdx), packRegisters(item.Buf16[wordIdx:hi]))
		}
		wordIdx += p.Size
		if err != nil {
			return err
		}
	}
	return nil
}

// serviceLocal bypasses the Modbus primitive entirely, copying between the
// io_point's in-memory cache and the work buffers: used for shadow-mode
// heartbeat reads and replyto-only reads of already-cached state.
func (w *Worker) serviceLocal(item *WorkItem) {
	switch item.Type {
	case Get, GetMulti, BitGet, BitGetMulti:
		// Each point's words land at p.Offset - item.Offset, the same
		// layout a wire read produces and collate.Format expects.
		item.Buf16 = item.Buf16[:0]
		for _, p := range item.Items {
			lo := p.Offset - item.Offset
			if lo < 0 {
				continue
			}
			for len(item.Buf16) < lo+p.Size {
				item.Buf16 = append(item.Buf16, 0)
			}
			for i := 0; i < p.Size; i++ {
				shift := uint((p.Size - 1 - i) * 16)
				item.Buf16[lo+i] = uint16(p.LastRawVal >> shift)
			}
		}
	case Set, SetMulti, BitSet, BitSetMulti:
		idx := 0
		for _, p := range item.Items {
			var raw uint64
			for i := 0; i < p.Size && idx < len(item.Buf16); i++ {
				raw = raw<<16 | uint64(item.Buf16[idx])
				idx++
			}
			p.LastRawVal = raw
			p.HasLast = true
		}
	}
	item.Err = nil
}

func packRegisters(words []uint16) []byte {
	buf := make([]byte, len(words)*2)
	for i, w16 := range words {
		buf[i*2] = byte(w16 >> 8)
		buf[i*2+1] = byte(w16)
	}
	return buf
}

func unpackRegisters(item *WorkItem, data []byte) {
	item.Buf16 = item.Buf16[:0]
	item.Buf8 = item.Buf8[:0]
	switch item.RegisterType {
	case regmodel.Coil, regmodel.DiscreteInput:
		item.Buf8 = append(item.Buf8, data...)
	default:
		for i := 0; i+1 < len(data); i += 2 {
			item.Buf16 = append(item.Buf16, uint16(data[i])<<8|uint16(data[i+1]))
		}
	}
}
