package pdo

import (
	"fmt"
	"sync"

	conode "github.com/canopen-go/conode"
	"github.com/canopen-go/conode/pkg/od"
	syncpkg "github.com/canopen-go/conode/pkg/sync"
	log "github.com/sirupsen/logrus"
)

// UpdateCallback is invoked after an RPDO reception updates one or more
// mapped entries (spec §4.10.2).
type UpdateCallback func(updated []*od.Variable, cobId uint32)

// RPDO consumes PDO frames on its configured COB-ID and copies the payload
// into mapped object dictionary entries.
type RPDO struct {
	bus *conode.BusManager
	log *log.Entry

	mu          sync.Mutex
	m           *pdoMap
	synchronous bool
	pending     []byte
	onUpdate    UpdateCallback

	syncEngine *syncpkg.SYNC
	syncCh     chan uint8
	cancelSync func()
	cancelRx   func()
	running    bool
}

// NewRPDO builds an RPDO from the 0x14xx communication parameter entry and
// its sibling 0x16xx mapping parameter entry. syncEngine may be nil if this
// RPDO's transmission type never requires SYNC gating.
func NewRPDO(bus *conode.BusManager, dict *od.ObjectDictionary, commEntry, mapEntry *od.Entry, predefinedId uint16, nodeId uint8, syncEngine *syncpkg.SYNC, onUpdate UpdateCallback) (*RPDO, error) {
	m, err := buildMap(dict, commEntry, mapEntry, predefinedId, nodeId)
	if err != nil {
		return nil, err
	}
	return &RPDO{
		bus:         bus,
		log:         log.WithFields(log.Fields{"component": "rpdo", "cobId": fmt.Sprintf("x%x", m.cobId)}),
		m:           m,
		synchronous: m.transmissionType <= TransmissionTypeSyncMax,
		onUpdate:    onUpdate,
		syncEngine:  syncEngine,
	}, nil
}

// Start subscribes to the mapped COB-ID and, for synchronous transmission
// types, to the SYNC tick.
func (r *RPDO) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()

	cancel, err := r.bus.Subscribe(r.m.cobId, conode.FrameListenerFunc(r.handle))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cancelRx = cancel
	r.mu.Unlock()

	if r.synchronous && r.syncEngine != nil {
		r.syncCh, r.cancelSync = r.syncEngine.Subscribe()
		go r.syncLoop()
	}
	return nil
}

// Stop cancels the frame and SYNC subscriptions.
func (r *RPDO) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	if r.cancelRx != nil {
		r.cancelRx()
		r.cancelRx = nil
	}
	if r.cancelSync != nil {
		r.cancelSync()
		r.cancelSync = nil
	}
	r.pending = nil
}

func (r *RPDO) handle(frame conode.Frame) {
	r.mu.Lock()
	if !r.m.valid {
		r.mu.Unlock()
		return
	}
	if int(frame.DLC) != r.m.dataLength {
		r.mu.Unlock()
		r.log.WithFields(log.Fields{"got": frame.DLC, "want": r.m.dataLength}).Warn("RPDO length mismatch")
		return
	}
	payload := append([]byte(nil), frame.Data[:frame.DLC]...)
	if r.synchronous {
		r.pending = payload
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.apply(payload)
}

func (r *RPDO) syncLoop() {
	for range r.syncCh {
		r.mu.Lock()
		payload := r.pending
		r.pending = nil
		r.mu.Unlock()
		if payload != nil {
			r.apply(payload)
		}
	}
}

func (r *RPDO) apply(payload []byte) {
	changed := r.m.write(payload)
	if len(changed) == 0 || r.onUpdate == nil {
		return
	}
	r.onUpdate(changed, r.m.cobId)
}
