package sdo

import (
	"encoding/binary"
	"sync"

	conode "github.com/canopen-go/conode"
	"github.com/canopen-go/conode/pkg/od"
	log "github.com/sirupsen/logrus"
)

// serverEndpoint is one configured (or default) {cobIdRx, cobIdTx} pair the
// server listens and replies on (spec §4.9.1).
type serverEndpoint struct {
	cobIdRx uint32
	cobIdTx uint32
}

// transfer tracks the single in-flight segmented session on one endpoint.
// Only one client is expected to use a given endpoint at a time, so a
// segmented download/upload fully owns its endpoint until it completes.
type transfer struct {
	active   bool
	download bool // true: accumulating a download; false: draining an upload
	index    uint16
	subIndex uint8
	toggle   byte
	buf      []byte // download: accumulator; upload: remaining bytes to send
	size     uint32
	haveSize bool
}

// Server answers SDO requests against an ObjectDictionary on behalf of one
// node-id, over every configured server endpoint (0x1200..0x127F), or the
// standard default endpoint if none is configured.
type Server struct {
	bus    *conode.BusManager
	od     *od.ObjectDictionary
	nodeId uint8
	log    *log.Entry

	mu        sync.Mutex
	transfers map[uint32]*transfer
	cancels   []func()
}

// NewServer builds an SDO server bound to bus, dict and this device's
// nodeId.
func NewServer(bus *conode.BusManager, dict *od.ObjectDictionary, nodeId uint8) *Server {
	return &Server{
		bus:       bus,
		od:        dict,
		nodeId:    nodeId,
		log:       log.WithField("component", "sdo-server"),
		transfers: map[uint32]*transfer{},
	}
}

// Start subscribes to every configured server endpoint's rx COB-ID.
func (s *Server) Start() error {
	for _, ep := range s.endpoints() {
		ep := ep
		cancel, err := s.bus.Subscribe(ep.cobIdRx, conode.FrameListenerFunc(func(frame conode.Frame) {
			s.handle(ep, frame.Data)
		}))
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.cancels = append(s.cancels, cancel)
		s.mu.Unlock()
	}
	return nil
}

// Stop removes every endpoint subscription.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
}

// endpoints reads every configured SDO server parameter entry
// (0x1200..0x127F); if none is present, the standard default endpoint for
// this node-id is used.
func (s *Server) endpoints() []serverEndpoint {
	var out []serverEndpoint
	if s.od != nil {
		for index := od.EntrySDOServerStart; index <= od.EntrySDOServerEnd; index++ {
			entry, err := s.od.Entry(index)
			if err != nil {
				continue
			}
			rxVar, errRx := entry.Sub(1)
			txVar, errTx := entry.Sub(2)
			if errRx != nil || errTx != nil {
				continue
			}
			rxVal, _ := rxVar.Value()
			txVal, _ := txVar.Value()
			rx, _ := rxVal.(uint64)
			tx, _ := txVal.(uint64)
			out = append(out, serverEndpoint{cobIdRx: uint32(rx) & 0x7FF, cobIdTx: uint32(tx) & 0x7FF})
		}
	}
	if len(out) == 0 {
		out = append(out, serverEndpoint{
			cobIdRx: conode.CobIdSDORxBase | uint32(s.nodeId),
			cobIdTx: conode.CobIdSDOTxBase | uint32(s.nodeId),
		})
	}
	return out
}

func (s *Server) handle(ep serverEndpoint, data [8]byte) {
	b0 := data[0]
	ccs := commandSpecifier(b0)

	switch ccs {
	case ccsInitiateDownload:
		s.handleInitiateDownload(ep, data)
	case ccsDownloadSegment:
		s.handleDownloadSegment(ep, data)
	case ccsInitiateUpload:
		s.handleInitiateUpload(ep, data)
	case ccsUploadSegment:
		s.handleUploadSegment(ep, data)
	case csAbort:
		s.mu.Lock()
		delete(s.transfers, ep.cobIdRx)
		s.mu.Unlock()
	default:
		s.sendAbort(ep, binary.LittleEndian.Uint16(data[1:3]), data[3], AbortCmd)
	}
}

func (s *Server) handleInitiateDownload(ep serverEndpoint, data [8]byte) {
	b0 := data[0]
	index := binary.LittleEndian.Uint16(data[1:3])
	subIndex := data[3]

	variable, err := s.lookupWritable(index, subIndex)
	if err != nil {
		s.sendAbort(ep, index, subIndex, abortFromODError(err))
		return
	}

	if b0&0x02 != 0 {
		n := 4
		if b0&0x01 != 0 {
			n = 4 - int((b0>>2)&0x03)
		}
		if err := variable.Write(data[4 : 4+n]); err != nil {
			s.sendAbort(ep, index, subIndex, abortFromODError(err))
			return
		}
		s.sendDownloadInitiateAck(ep, index, subIndex)
		return
	}

	t := &transfer{active: true, download: true, index: index, subIndex: subIndex}
	if b0&0x01 != 0 {
		t.size = binary.LittleEndian.Uint32(data[4:8])
		t.haveSize = true
	}
	s.mu.Lock()
	s.transfers[ep.cobIdRx] = t
	s.mu.Unlock()
	s.sendDownloadInitiateAck(ep, index, subIndex)
}

func (s *Server) handleDownloadSegment(ep serverEndpoint, data [8]byte) {
	b0 := data[0]
	s.mu.Lock()
	t, ok := s.transfers[ep.cobIdRx]
	s.mu.Unlock()
	if !ok || !t.active || !t.download {
		s.sendAbort(ep, 0, 0, AbortCmd)
		return
	}
	toggle := (b0 >> 4) & 0x01
	if toggle != t.toggle {
		s.clearTransfer(ep)
		s.sendAbort(ep, t.index, t.subIndex, AbortToggleBit)
		return
	}
	count := 7 - int((b0>>1)&0x07)
	t.buf = append(t.buf, data[1:1+count]...)

	last := b0&0x01 != 0
	if last {
		variable, err := s.lookupWritable(t.index, t.subIndex)
		if err == nil {
			if t.haveSize && uint32(len(t.buf)) != t.size {
				err = AbortTypeMismatch
			} else {
				err = variable.Write(t.buf)
			}
		}
		s.clearTransfer(ep)
		if err != nil {
			if code, ok := err.(SDOAbortCode); ok {
				s.sendAbort(ep, 0, 0, code)
			} else {
				s.sendAbort(ep, 0, 0, abortFromODError(err))
			}
			return
		}
		s.sendDownloadSegmentAck(ep, toggle)
		return
	}

	t.toggle ^= 1
	s.sendDownloadSegmentAck(ep, toggle)
}

func (s *Server) handleInitiateUpload(ep serverEndpoint, data [8]byte) {
	index := binary.LittleEndian.Uint16(data[1:3])
	subIndex := data[3]

	variable, err := s.lookupReadable(index, subIndex)
	if err != nil {
		s.sendAbort(ep, index, subIndex, abortFromODError(err))
		return
	}
	raw, err := variable.Read()
	if err != nil {
		s.sendAbort(ep, index, subIndex, abortFromODError(err))
		return
	}

	if len(raw) <= 4 {
		var resp [8]byte
		n := len(raw)
		resp[0] = scsInitiateUpload<<5 | 0x02 | byte((4-n)<<2) | 0x01
		binary.LittleEndian.PutUint16(resp[1:3], index)
		resp[3] = subIndex
		copy(resp[4:4+n], raw)
		s.send(ep.cobIdTx, resp)
		return
	}

	var resp [8]byte
	resp[0] = scsInitiateUpload<<5 | 0x01
	binary.LittleEndian.PutUint16(resp[1:3], index)
	resp[3] = subIndex
	binary.LittleEndian.PutUint32(resp[4:8], uint32(len(raw)))
	s.send(ep.cobIdTx, resp)

	s.mu.Lock()
	s.transfers[ep.cobIdRx] = &transfer{active: true, download: false, index: index, subIndex: subIndex, buf: raw}
	s.mu.Unlock()
}

func (s *Server) handleUploadSegment(ep serverEndpoint, data [8]byte) {
	b0 := data[0]
	s.mu.Lock()
	t, ok := s.transfers[ep.cobIdRx]
	s.mu.Unlock()
	if !ok || !t.active || t.download {
		s.sendAbort(ep, 0, 0, AbortCmd)
		return
	}
	toggle := (b0 >> 4) & 0x01
	if toggle != t.toggle {
		s.clearTransfer(ep)
		s.sendAbort(ep, t.index, t.subIndex, AbortToggleBit)
		return
	}

	n := len(t.buf)
	if n > 7 {
		n = 7
	}
	last := n == len(t.buf)

	var resp [8]byte
	resp[0] = toggle<<4 | byte((7-n)<<1)
	if last {
		resp[0] |= 0x01
	}
	copy(resp[1:1+n], t.buf[:n])
	s.send(ep.cobIdTx, resp)

	t.buf = t.buf[n:]
	t.toggle ^= 1
	if last {
		s.clearTransfer(ep)
	}
}

func (s *Server) lookupWritable(index uint16, subIndex uint8) (*od.Variable, error) {
	if s.od == nil {
		return nil, od.ErrDoesNotExist
	}
	v, err := s.od.Variable(index, subIndex)
	if err != nil {
		return nil, err
	}
	if v.AccessType() == od.AccessRO || v.AccessType() == od.AccessConst {
		return nil, od.ErrReadOnly
	}
	return v, nil
}

func (s *Server) lookupReadable(index uint16, subIndex uint8) (*od.Variable, error) {
	if s.od == nil {
		return nil, od.ErrDoesNotExist
	}
	v, err := s.od.Variable(index, subIndex)
	if err != nil {
		return nil, err
	}
	if v.AccessType() == od.AccessWO {
		return nil, od.ErrWriteOnly
	}
	return v, nil
}

func (s *Server) clearTransfer(ep serverEndpoint) {
	s.mu.Lock()
	delete(s.transfers, ep.cobIdRx)
	s.mu.Unlock()
}

func (s *Server) sendDownloadInitiateAck(ep serverEndpoint, index uint16, subIndex uint8) {
	var resp [8]byte
	resp[0] = scsInitiateDownload << 5
	binary.LittleEndian.PutUint16(resp[1:3], index)
	resp[3] = subIndex
	s.send(ep.cobIdTx, resp)
}

func (s *Server) sendDownloadSegmentAck(ep serverEndpoint, toggle byte) {
	var resp [8]byte
	resp[0] = scsDownloadSegment<<5 | toggle<<4
	s.send(ep.cobIdTx, resp)
}

func (s *Server) sendAbort(ep serverEndpoint, index uint16, subIndex uint8, code SDOAbortCode) {
	s.clearTransfer(ep)
	s.send(ep.cobIdTx, abortFrameData(index, subIndex, code))
	s.log.WithFields(log.Fields{"index": index, "subindex": subIndex, "code": code}).Debug("sdo abort sent")
}

func (s *Server) send(cobId uint32, data [8]byte) {
	frame := conode.NewFrame(cobId, 8)
	frame.Data = data
	if err := s.bus.Send(frame); err != nil {
		s.log.WithError(err).Warn("failed to send SDO response")
	}
}
