// Package emergency implements the CANopen EMCY protocol (CiA 301 §7.2.7):
// an inhibit-time-throttled FIFO producer and a consumer that tracks the
// error register (0x1001) and pre-defined error field (0x1003).
package emergency

import (
	"fmt"
	"sync"
	"time"

	conode "github.com/canopen-go/conode"
	"github.com/canopen-go/conode/pkg/od"
	log "github.com/sirupsen/logrus"
)

// Event is delivered for every received emergency, including the node's own
// when it is echoed back by the bus.
type Event struct {
	CobId        uint32
	Code         uint16
	Register     byte
	Info         [5]byte
}

// EventCallback is notified on every received EMCY frame.
type EventCallback func(Event)

type job struct {
	code uint16
	info []byte
}

// EMCY produces and consumes emergency messages.
type EMCY struct {
	bus *conode.BusManager
	log *log.Entry

	nodeId        uint8
	cobId         uint32
	producerOk    bool
	inhibit       time.Duration
	lastSend      time.Time

	errorRegister *od.Variable
	errorField    *od.Entry

	mu       sync.Mutex
	queue    chan job
	cancelRx func()
	stopCh   chan struct{}
	running  bool

	onEvent EventCallback
}

// NewEMCY builds an EMCY engine from 0x1001 (error register, mandatory),
// 0x1014 (COB-ID EMCY, mandatory) and the optional 0x1015 (inhibit time)
// and 0x1003 (pre-defined error field) entries.
func NewEMCY(bus *conode.BusManager, dict *od.ObjectDictionary, nodeId uint8) (*EMCY, error) {
	errorRegister, err := dict.Variable(od.EntryErrorRegister, 0)
	if err != nil {
		return nil, fmt.Errorf("emergency: error register (0x1001) is required: %w", err)
	}
	cobIdVar, err := dict.Variable(od.EntryCobIdEMCY, 0)
	if err != nil {
		return nil, fmt.Errorf("emergency: COB-ID EMCY (0x1014) is required: %w", err)
	}
	cobIdVal, err := cobIdVar.Value()
	if err != nil {
		return nil, err
	}
	raw, _ := cobIdVal.(uint64)
	if raw&0x80000000 != 0 {
		return nil, fmt.Errorf("emergency: COB-ID EMCY invalid bit is set")
	}
	if raw&0x20000000 != 0 {
		return nil, fmt.Errorf("emergency: extended (29-bit) EMCY frames are not supported")
	}
	cobId := conode.DefaultCobId(uint32(raw)&0x7FF, nodeId)
	if cobId == 0 {
		return nil, fmt.Errorf("emergency: effective COB-ID EMCY is zero")
	}

	e := &EMCY{
		bus:           bus,
		log:           log.WithFields(log.Fields{"component": "emergency", "nodeId": nodeId}),
		nodeId:        nodeId,
		cobId:         cobId,
		producerOk:    true,
		errorRegister: errorRegister,
		queue:         make(chan job, 32),
	}

	if inhibitVar, err := dict.Variable(od.EntryInhibitTimeEMCY, 0); err == nil {
		if v, err := inhibitVar.Value(); err == nil {
			if u, ok := v.(uint64); ok {
				e.inhibit = time.Duration(u) * 100 * time.Microsecond
			}
		}
	}
	if errorField, err := dict.Entry(od.EntryPredefinedErrorField); err == nil {
		e.errorField = errorField
	}
	return e, nil
}

// OnEvent registers the callback invoked for every received emergency.
func (e *EMCY) OnEvent(cb EventCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = cb
}

// Start subscribes to this node's own COB-ID EMCY (so it also observes its
// own emergency echoed back) and launches the FIFO send worker.
func (e *EMCY) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	cancel, err := e.bus.Subscribe(e.cobId, conode.FrameListenerFunc(e.handle))
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.cancelRx = cancel
	stop := e.stopCh
	e.mu.Unlock()

	go e.worker(stop)
	return nil
}

// Stop cancels the subscription and drains the send worker.
func (e *EMCY) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	if e.cancelRx != nil {
		e.cancelRx()
		e.cancelRx = nil
	}
	stop := e.stopCh
	e.stopCh = nil
	e.mu.Unlock()

	if stop != nil {
		close(stop)
	}
}

// Write enqueues an emergency to send. info is zero-padded to 5 bytes; it is
// an error if it exceeds 5 bytes.
func (e *EMCY) Write(code uint16, info []byte) error {
	if len(info) > 5 {
		return fmt.Errorf("emergency: info field exceeds 5 bytes")
	}
	select {
	case e.queue <- job{code: code, info: append([]byte(nil), info...)}:
		return nil
	default:
		return fmt.Errorf("emergency: producer queue full")
	}
}

func (e *EMCY) worker(stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case j := <-e.queue:
			e.throttle(stop)
			e.send(j)
		}
	}
}

func (e *EMCY) throttle(stop chan struct{}) {
	if e.inhibit <= 0 {
		return
	}
	elapsed := time.Since(e.lastSend)
	if elapsed >= e.inhibit {
		return
	}
	select {
	case <-time.After(e.inhibit - elapsed):
	case <-stop:
	}
}

func (e *EMCY) send(j job) {
	frame := conode.NewFrame(e.cobId, 8)
	frame.Data[0] = byte(j.code)
	frame.Data[1] = byte(j.code >> 8)
	frame.Data[2] = e.errorRegister.Raw()[0]
	copy(frame.Data[3:8], j.info)
	e.lastSend = time.Now()
	if err := e.bus.Send(frame); err != nil {
		e.log.WithError(err).Warn("failed to send emergency")
	}
}

func (e *EMCY) handle(frame conode.Frame) {
	if frame.DLC != 8 {
		return
	}
	event := Event{
		CobId:    frame.ID,
		Code:     uint16(frame.Data[0]) | uint16(frame.Data[1])<<8,
		Register: frame.Data[2],
	}
	copy(event.Info[:], frame.Data[3:8])

	if frame.ID&0xF == uint32(e.nodeId) {
		_ = e.errorRegister.ForceWrite([]byte{event.Register})
		e.recordError(event.Code)
	}

	e.mu.Lock()
	cb := e.onEvent
	e.mu.Unlock()
	if cb != nil {
		cb(event)
	}
}

// recordError shifts the pre-defined error field down by one (dropping the
// oldest entry), stores code at sub-index 1, and bumps sub-index 0's count.
func (e *EMCY) recordError(code uint16) {
	if e.errorField == nil {
		return
	}
	maxSub := e.errorField.MaxSubIndex()
	if maxSub == 0 {
		return
	}
	for i := maxSub; i > 1; i-- {
		prev, err := e.errorField.Sub(i - 1)
		if err != nil {
			continue
		}
		cur, err := e.errorField.Sub(i)
		if err != nil {
			continue
		}
		_ = cur.ForceWrite(prev.Raw())
	}
	first, err := e.errorField.Sub(1)
	if err == nil {
		raw, _ := od.Encode(uint32(code), od.UNSIGNED32)
		_ = first.ForceWrite(raw)
	}

	countVar, err := e.errorField.Sub(0)
	if err != nil {
		return
	}
	v, err := countVar.Value()
	if err != nil {
		return
	}
	count, _ := v.(uint64)
	if count < uint64(maxSub) {
		raw, _ := od.Encode(uint8(count+1), od.UNSIGNED8)
		_ = countVar.ForceWrite(raw)
	}
}
