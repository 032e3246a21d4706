package pdo

import (
	"fmt"
	"sync"
	"time"

	conode "github.com/canopen-go/conode"
	"github.com/canopen-go/conode/pkg/od"
	syncpkg "github.com/canopen-go/conode/pkg/sync"
	log "github.com/sirupsen/logrus"
)

// syncCounterReset/WaitForStart mirror the sentinel values used to drive the
// cyclic-SYNC countdown before the first transmission (spec §4.10.3).
const (
	syncCounterReset        = 255
	syncCounterWaitForStart = 254
)

// TPDO produces a PDO frame from its mapped object dictionary entries,
// driven by its configured transmission type.
type TPDO struct {
	bus *conode.BusManager
	log *log.Entry

	mu         sync.Mutex
	m          *pdoMap
	lastSent   []byte
	sendDue    bool
	syncEngine *syncpkg.SYNC
	syncCh     chan uint8
	cancelSync func()
	observerID int

	syncCounter   uint8
	started       bool
	timerInhibit  *time.Timer
	timerEvent    *time.Timer
	inhibitActive bool
	running       bool
}

// NewTPDO builds a TPDO from the 0x18xx communication parameter entry and
// its sibling 0x1Axx mapping parameter entry.
func NewTPDO(bus *conode.BusManager, dict *od.ObjectDictionary, commEntry, mapEntry *od.Entry, predefinedId uint16, nodeId uint8, syncEngine *syncpkg.SYNC) (*TPDO, error) {
	m, err := buildMap(dict, commEntry, mapEntry, predefinedId, nodeId)
	if err != nil {
		return nil, err
	}
	return &TPDO{
		bus:         bus,
		log:         log.WithFields(log.Fields{"component": "tpdo", "cobId": fmt.Sprintf("x%x", m.cobId)}),
		m:           m,
		syncEngine:  syncEngine,
		syncCounter: syncCounterReset,
	}, nil
}

// Start begins transmission per the configured transmission type.
func (t *TPDO) Start() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = true
	tt := t.m.transmissionType
	t.mu.Unlock()

	switch {
	case tt <= TransmissionTypeSyncMax:
		if t.syncEngine == nil {
			return fmt.Errorf("pdo: TPDO x%x needs a SYNC producer for transmission type %d", t.m.cobId, tt)
		}
		t.syncCh, t.cancelSync = t.syncEngine.Subscribe()
		go t.syncLoop()
	case tt == TransmissionTypeEventLo || tt == TransmissionTypeEventHi:
		switch {
		case t.m.eventTimeMs > 0:
			t.mu.Lock()
			t.timerEvent = time.AfterFunc(time.Duration(t.m.eventTimeMs)*time.Millisecond, t.eventTimerFired)
			t.mu.Unlock()
		default:
			for i := range t.m.entries {
				entry := t.m.entries[i]
				entry.variable.SetObserver(od.UpdateObserverFunc(func([]byte) error {
					t.onEntryChanged()
					return nil
				}))
			}
		}
	default:
		return fmt.Errorf("pdo: unsupported transmission type x%x", tt)
	}
	return nil
}

// Stop cancels every subscription and timer.
func (t *TPDO) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	if t.cancelSync != nil {
		t.cancelSync()
		t.cancelSync = nil
	}
	if t.timerInhibit != nil {
		t.timerInhibit.Stop()
	}
	if t.timerEvent != nil {
		t.timerEvent.Stop()
	}
	for i := range t.m.entries {
		t.m.entries[i].variable.SetObserver(nil)
	}
}

func (t *TPDO) syncLoop() {
	for counter := range t.syncCh {
		t.onSync(counter)
	}
}

func (t *TPDO) onSync(counter uint8) {
	t.mu.Lock()
	tt := t.m.transmissionType

	if tt == TransmissionTypeAcyclic {
		due := t.sendDue
		t.mu.Unlock()
		if due {
			t.send(false)
		}
		return
	}

	if t.syncCounter == syncCounterReset {
		if t.syncEngine.CounterOverflow() != 0 && t.m.syncStart != 0 {
			t.syncCounter = syncCounterWaitForStart
		} else {
			t.syncCounter = tt
		}
	}

	switch t.syncCounter {
	case syncCounterWaitForStart:
		if counter == t.m.syncStart {
			t.syncCounter = tt
			t.mu.Unlock()
			t.send(false)
			return
		}
	case 1:
		t.syncCounter = tt
		t.mu.Unlock()
		t.send(false)
		return
	default:
		t.syncCounter--
	}
	t.mu.Unlock()
}

// onEntryChanged implements both the plain event-driven case (inhibitTime
// == 0: every change sends immediately) and the inhibited case (a change
// arriving inside an active inhibit window is coalesced: send() re-arms
// inhibitActive and inhibitTimerFired drains sendDue once the window ends).
func (t *TPDO) onEntryChanged() {
	t.mu.Lock()
	if t.inhibitActive {
		t.sendDue = true
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.send(false)
}

func (t *TPDO) eventTimerFired() {
	t.send(false)
	t.mu.Lock()
	if t.running && t.m.eventTimeMs > 0 {
		t.timerEvent.Reset(time.Duration(t.m.eventTimeMs) * time.Millisecond)
	}
	t.mu.Unlock()
}

func (t *TPDO) inhibitTimerFired() {
	t.mu.Lock()
	due := t.sendDue
	t.inhibitActive = false
	t.mu.Unlock()
	if due {
		t.send(false)
	}
}

// send assembles the payload and transmits it, unless updateOnly is set and
// nothing changed since the last transmission.
func (t *TPDO) send(updateOnly bool) {
	t.mu.Lock()
	if !t.m.valid {
		t.mu.Unlock()
		return
	}
	payload := t.m.read()
	if updateOnly && t.lastSent != nil && string(payload) == string(t.lastSent) {
		t.mu.Unlock()
		return
	}
	t.lastSent = payload
	t.sendDue = false
	if t.m.inhibitTimeUs > 0 {
		t.inhibitActive = true
		if t.timerInhibit == nil {
			t.timerInhibit = time.AfterFunc(time.Duration(t.m.inhibitTimeUs)*time.Microsecond, t.inhibitTimerFired)
		} else {
			t.timerInhibit.Reset(time.Duration(t.m.inhibitTimeUs) * time.Microsecond)
		}
	}
	cobId := t.m.cobId
	t.mu.Unlock()

	frame := conode.NewFrame(cobId, uint8(len(payload)))
	copy(frame.Data[:], payload)
	if err := t.bus.Send(frame); err != nil {
		t.log.WithError(err).Warn("failed to send TPDO")
	}
}

// SendAsync requests an immediate transmission, honoring any active inhibit
// window. Intended for event-driven TPDOs triggered by application code.
func (t *TPDO) SendAsync() {
	t.mu.Lock()
	if t.inhibitActive {
		t.sendDue = true
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.send(false)
}
