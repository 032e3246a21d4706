// Package node assembles one Object Dictionary and every protocol engine
// into a single running CANopen device, the way the teacher's
// pkg/node/local.go wires a LocalNode together.
package node

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	conode "github.com/canopen-go/conode"
	"github.com/canopen-go/conode/pkg/emergency"
	"github.com/canopen-go/conode/pkg/heartbeat"
	"github.com/canopen-go/conode/pkg/lss"
	"github.com/canopen-go/conode/pkg/nmt"
	"github.com/canopen-go/conode/pkg/od"
	"github.com/canopen-go/conode/pkg/pdo"
	"github.com/canopen-go/conode/pkg/sdo"
	syncpkg "github.com/canopen-go/conode/pkg/sync"
	timepkg "github.com/canopen-go/conode/pkg/time"
)

// maxPdoSlots bounds how many 0x14xx/0x16xx (and 0x18xx/0x1Axx) entries are
// probed when building RPDOs/TPDOs: 512 covers every standard-range PDO
// communication/mapping pair, matching the teacher's initPDO loop.
const maxPdoSlots = 512

// Config holds the per-device knobs that are not themselves stored in the
// Object Dictionary.
type Config struct {
	NMTControl   uint16
	TimeInterval time.Duration
	LSSStore     func(nodeId uint8) error
}

// Device is a CiA 301 compliant CANopen node: one Object Dictionary plus
// every protocol engine the dictionary's content asks for. Entries that are
// absent from the dictionary leave the corresponding engine nil rather than
// failing construction, since most of them are optional per spec §2.
type Device struct {
	bus    *conode.BusManager
	OD     *od.ObjectDictionary
	log    *slog.Logger
	nodeId uint8
	cfg    Config

	NMT       *nmt.NMT
	Heartbeat *heartbeat.Consumer
	EMCY      *emergency.EMCY
	SYNC      *syncpkg.SYNC
	TIME      *timepkg.TIME
	SDOClient *sdo.Client
	SDOServer *sdo.Server
	LSSSlave  *lss.Slave
	RPDOs     []*pdo.RPDO
	TPDOs     []*pdo.TPDO

	mu      sync.Mutex
	running bool
}

// New builds a Device around bus and dict for nodeId, constructing every
// protocol engine the dictionary supports and wiring NMT reset commands to
// rebuild the communication-layer engines.
func New(bus *conode.BusManager, dict *od.ObjectDictionary, nodeId uint8, cfg Config, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Device{
		bus:    bus,
		OD:     dict,
		log:    logger.With("component", "node", "nodeId", nodeId),
		nodeId: nodeId,
		cfg:    cfg,
	}

	lssSlave, err := lss.NewSlave(bus, dict, nodeId, cfg.LSSStore)
	if err != nil {
		return nil, fmt.Errorf("node: LSS slave: %w", err)
	}
	d.LSSSlave = lssSlave
	lssSlave.OnNodeId(func(newNodeId uint8) {
		d.mu.Lock()
		d.nodeId = newNodeId
		d.mu.Unlock()
	})

	if err := d.buildCommunicationEngines(); err != nil {
		return nil, err
	}
	d.NMT.OnReset(d.handleReset)

	if err := d.buildPDOs(); err != nil {
		return nil, err
	}
	return d, nil
}

// buildCommunicationEngines constructs NMT, heartbeat consumer, EMCY, SYNC,
// TIME and the SDO client/server. NMT and EMCY are mandatory per CiA 301;
// SYNC and TIME are skipped (left nil) when their backing OD entry is
// absent. The heartbeat consumer and the SDO client/server are always built.
func (d *Device) buildCommunicationEngines() error {
	emcy, err := emergency.NewEMCY(d.bus, d.OD, d.nodeId)
	if err != nil {
		return fmt.Errorf("node: EMCY: %w", err)
	}
	d.EMCY = emcy

	nm, err := nmt.NewNMT(d.bus, d.OD, d.nodeId, d.cfg.NMTControl)
	if err != nil {
		return fmt.Errorf("node: NMT: %w", err)
	}
	d.NMT = nm

	if hb, err := heartbeat.NewConsumer(d.bus, d.OD); err == nil {
		d.Heartbeat = hb
	}
	if sy, err := syncpkg.NewSYNC(d.bus, d.OD, d.nodeId); err == nil {
		d.SYNC = sy
	}
	if tm, err := timepkg.NewTIME(d.bus, d.OD, d.nodeId, d.cfg.TimeInterval); err == nil {
		d.TIME = tm
	}

	// A server is always built: when no 0x1200..0x127F entry is configured,
	// sdo.NewServer falls back to the standard default endpoint (§4.9.3).
	d.SDOServer = sdo.NewServer(d.bus, d.OD, d.nodeId)
	d.SDOClient = sdo.NewClient(d.bus, d.OD, d.nodeId)
	return nil
}

// buildPDOs probes every standard-range 0x14xx/0x16xx and 0x18xx/0x1Axx
// pair, stopping at the first missing entry (no holes in mapping, as the
// teacher's initPDO does).
func (d *Device) buildPDOs() error {
	d.RPDOs = nil
	for i := uint16(0); i < maxPdoSlots; i++ {
		commEntry, err := d.OD.Entry(od.EntryRPDOCommunicationStart + i)
		if err != nil {
			break
		}
		mapEntry, err := d.OD.Entry(od.EntryRPDOMappingStart + i)
		if err != nil {
			break
		}
		predefinedId := uint16(0x200 + (i%4)*0x100 + (i / 4))
		rpdo, err := pdo.NewRPDO(d.bus, d.OD, commEntry, mapEntry, predefinedId, d.nodeId, d.SYNC, nil)
		if err != nil {
			d.log.Warn("RPDO build stopped", "index", i, "error", err)
			break
		}
		d.RPDOs = append(d.RPDOs, rpdo)
	}

	d.TPDOs = nil
	for i := uint16(0); i < maxPdoSlots; i++ {
		commEntry, err := d.OD.Entry(od.EntryTPDOCommunicationStart + i)
		if err != nil {
			break
		}
		mapEntry, err := d.OD.Entry(od.EntryTPDOMappingStart + i)
		if err != nil {
			break
		}
		predefinedId := uint16(0x180 + (i%4)*0x100 + (i / 4))
		tpdo, err := pdo.NewTPDO(d.bus, d.OD, commEntry, mapEntry, predefinedId, d.nodeId, d.SYNC)
		if err != nil {
			d.log.Warn("TPDO build stopped", "index", i, "error", err)
			break
		}
		d.TPDOs = append(d.TPDOs, tpdo)
	}
	return nil
}

// Start brings every engine online: LSS slave first (so it can answer
// configuration requests even before the node boots), then NMT (which
// emits the boot-up heartbeat), then everything else.
func (d *Device) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.mu.Unlock()

	starters := []func() error{d.LSSSlave.Start, d.NMT.Start, d.EMCY.Start}
	for _, start := range starters {
		if err := start(); err != nil {
			return err
		}
	}
	if d.Heartbeat != nil {
		if err := d.Heartbeat.Start(); err != nil {
			return err
		}
	}
	if d.SYNC != nil {
		if err := d.SYNC.Start(); err != nil {
			return err
		}
	}
	if d.TIME != nil {
		if err := d.TIME.Start(); err != nil {
			return err
		}
	}
	if err := d.SDOServer.Start(); err != nil {
		return err
	}
	for _, r := range d.RPDOs {
		if err := r.Start(); err != nil {
			return err
		}
	}
	for _, tp := range d.TPDOs {
		if err := tp.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop tears down every engine, in roughly the reverse order Start brought
// them up.
func (d *Device) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	for _, tp := range d.TPDOs {
		tp.Stop()
	}
	for _, r := range d.RPDOs {
		r.Stop()
	}
	d.SDOServer.Stop()
	d.SDOClient.Close()
	if d.TIME != nil {
		d.TIME.Stop()
	}
	if d.SYNC != nil {
		d.SYNC.Stop()
	}
	if d.Heartbeat != nil {
		d.Heartbeat.Stop()
	}
	d.EMCY.Stop()
	d.NMT.Stop()
	d.LSSSlave.Stop()
}

// handleReset answers an NMT reset-node/reset-communication command (CiA
// 301 §7.2.8.3.1.3): every communication-layer engine and PDO is rebuilt
// from the Object Dictionary's current content and restarted. Reset-node
// is treated identically to reset-communication, since this stack keeps no
// separate "application layer" state to additionally clear.
func (d *Device) handleReset(kind nmt.ResetKind) {
	d.log.Info("NMT reset requested", "kind", kind)
	d.Stop()
	if err := d.buildCommunicationEngines(); err != nil {
		d.log.Error("failed to rebuild communication engines on reset", "error", err)
		return
	}
	d.NMT.OnReset(d.handleReset)
	if err := d.buildPDOs(); err != nil {
		d.log.Error("failed to rebuild PDOs on reset", "error", err)
		return
	}
	if err := d.Start(); err != nil {
		d.log.Error("failed to restart after reset", "error", err)
	}
}

// NodeId returns the device's currently active node-id, which may change
// at runtime if LSS configures a new one.
func (d *Device) NodeId() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nodeId
}
