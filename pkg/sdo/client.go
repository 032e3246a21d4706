package sdo

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	conode "github.com/canopen-go/conode"
	"github.com/canopen-go/conode/pkg/od"
	log "github.com/sirupsen/logrus"
)

// DefaultTimeout is used when a caller passes timeout <= 0 (spec §4.9.7
// default of 30s; callers pass a time.Duration).
const DefaultTimeout = 30 * time.Second

// Endpoint identifies the pair of CAN IDs a client uses to talk to one SDO
// server: Tx is the ID the client transmits requests on, Rx is the ID it
// receives responses on.
type Endpoint struct {
	Tx uint32
	Rx uint32
}

// session serializes every transfer addressed to one server: the queueing
// rule of spec §4.9.6 is expressed here as a plain mutex, since only one
// transfer may be in flight on an endpoint at a time.
type session struct {
	mu     sync.Mutex
	ep     Endpoint
	respCh chan [8]byte
	cancel func()
}

// Client is an SDO client: it can address any number of servers, each
// identified by its node-id (serverId), serializing transfers per server.
type Client struct {
	bus    *conode.BusManager
	od     *od.ObjectDictionary
	nodeId uint8
	log    *log.Entry

	mu       sync.Mutex
	sessions map[uint8]*session
}

// NewClient builds an SDO client bound to bus and nodeId (this device's own
// node-id; it is stored but takes no part in transfers or logging).
func NewClient(bus *conode.BusManager, dict *od.ObjectDictionary, nodeId uint8) *Client {
	return &Client{
		bus:      bus,
		od:       dict,
		nodeId:   nodeId,
		log:      log.WithField("component", "sdo-client"),
		sessions: map[uint8]*session{},
	}
}

// Upload reads index/subIndex from serverId, blocking until the transfer
// completes, aborts, or timeout elapses. A timeout <= 0 uses DefaultTimeout.
func (c *Client) Upload(serverId uint8, index uint16, subIndex uint8, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s, err := c.sessionFor(serverId)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var req [8]byte
	req[0] = ccsInitiateUpload << 5
	binary.LittleEndian.PutUint16(req[1:3], index)
	req[3] = subIndex
	if err := c.send(s.ep.Tx, req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var accumulator []byte
	toggle := byte(0)
	var sizeIndicated uint32
	haveSize := false
	segmented := false

	for {
		select {
		case <-timer.C:
			return nil, AbortTimeout
		case resp := <-s.respCh:
			b0 := resp[0]
			if commandSpecifier(b0) == csAbort {
				return nil, abortCodeFromFrame(resp)
			}

			if !segmented && accumulator == nil {
				if commandSpecifier(b0) != scsInitiateUpload {
					c.abort(s.ep.Tx, index, subIndex, AbortCmd)
					return nil, AbortCmd
				}
				if b0&0x02 != 0 {
					// Expedited: size = 4 - n if size indicated, else 4.
					size := 4
					if b0&0x01 != 0 {
						size = 4 - int((b0>>2)&0x03)
					}
					return append([]byte(nil), resp[4:4+size]...), nil
				}
				// Segmented initiate.
				if b0&0x01 != 0 {
					sizeIndicated = binary.LittleEndian.Uint32(resp[4:8])
					haveSize = true
				}
				segmented = true
				accumulator = []byte{}
				if err := c.sendUploadSegmentRequest(s.ep.Tx, toggle); err != nil {
					return nil, err
				}
				timer.Reset(timeout)
				continue
			}

			// Segment response.
			if commandSpecifier(b0) != scsUploadSegment {
				c.abort(s.ep.Tx, index, subIndex, AbortCmd)
				return nil, AbortCmd
			}
			if (b0>>4)&0x01 != toggle {
				c.abort(s.ep.Tx, index, subIndex, AbortToggleBit)
				return nil, AbortToggleBit
			}
			count := 7 - int((b0>>1)&0x07)
			accumulator = append(accumulator, resp[1:1+count]...)

			if b0&0x01 != 0 {
				if haveSize && uint32(len(accumulator)) != sizeIndicated {
					return nil, AbortTypeMismatch
				}
				return accumulator, nil
			}
			toggle ^= 1
			if err := c.sendUploadSegmentRequest(s.ep.Tx, toggle); err != nil {
				return nil, err
			}
			timer.Reset(timeout)
		}
	}
}

func (c *Client) sendUploadSegmentRequest(cobId uint32, toggle byte) error {
	var req [8]byte
	req[0] = ccsUploadSegment<<5 | toggle<<4
	return c.send(cobId, req)
}

// Download writes data to index/subIndex on serverId, blocking until the
// transfer completes, aborts, or timeout elapses.
func (c *Client) Download(serverId uint8, index uint16, subIndex uint8, data []byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s, err := c.sessionFor(serverId)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if len(data) <= 4 {
		var req [8]byte
		n := len(data)
		req[0] = 0x20 | byte((4-n)<<2) | 0x03
		binary.LittleEndian.PutUint16(req[1:3], index)
		req[3] = subIndex
		copy(req[4:4+n], data)
		if err := c.send(s.ep.Tx, req); err != nil {
			return err
		}
		return c.awaitDownloadInitiateAck(s, index, subIndex, timer, timeout)
	}

	var req [8]byte
	req[0] = ccsInitiateDownload << 5
	binary.LittleEndian.PutUint16(req[1:3], index)
	req[3] = subIndex
	binary.LittleEndian.PutUint32(req[4:8], uint32(len(data)))
	if err := c.send(s.ep.Tx, req); err != nil {
		return err
	}
	if err := c.awaitDownloadInitiateAck(s, index, subIndex, timer, timeout); err != nil {
		return err
	}

	toggle := byte(0)
	offset := 0
	for offset < len(data) {
		remaining := len(data) - offset
		n := remaining
		if n > 7 {
			n = 7
		}
		last := offset+n >= len(data)
		var seg [8]byte
		seg[0] = byte((7-n)<<1) | toggle<<4
		if last {
			seg[0] |= 0x01
		}
		copy(seg[1:1+n], data[offset:offset+n])
		if err := c.send(s.ep.Tx, seg); err != nil {
			return err
		}

		select {
		case <-timer.C:
			return AbortTimeout
		case resp := <-s.respCh:
			b0 := resp[0]
			if commandSpecifier(b0) == csAbort {
				return abortCodeFromFrame(resp)
			}
			if commandSpecifier(b0) != scsDownloadSegment || (b0>>4)&0x01 != toggle {
				c.abort(s.ep.Tx, index, subIndex, AbortCmd)
				return AbortCmd
			}
		}
		timer.Reset(timeout)
		toggle ^= 1
		offset += n
	}
	return nil
}

func (c *Client) awaitDownloadInitiateAck(s *session, index uint16, subIndex uint8, timer *time.Timer, timeout time.Duration) error {
	select {
	case <-timer.C:
		return AbortTimeout
	case resp := <-s.respCh:
		b0 := resp[0]
		if commandSpecifier(b0) == csAbort {
			return abortCodeFromFrame(resp)
		}
		if commandSpecifier(b0) != scsInitiateDownload {
			c.abort(s.ep.Tx, index, subIndex, AbortCmd)
			return AbortCmd
		}
		timer.Reset(timeout)
		return nil
	}
}

func (c *Client) abort(cobId uint32, index uint16, subIndex uint8, code SDOAbortCode) {
	_ = c.send(cobId, abortFrameData(index, subIndex, code))
}

func (c *Client) send(cobId uint32, data [8]byte) error {
	frame := conode.NewFrame(cobId, 8)
	frame.Data = data
	return c.bus.Send(frame)
}

func (c *Client) sessionFor(serverId uint8) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[serverId]; ok {
		return s, nil
	}

	ep := c.resolveEndpoint(serverId)
	s := &session{ep: ep, respCh: make(chan [8]byte, 1)}
	cancel, err := c.bus.Subscribe(ep.Rx, conode.FrameListenerFunc(func(frame conode.Frame) {
		select {
		case s.respCh <- frame.Data:
		default:
		}
	}))
	if err != nil {
		return nil, fmt.Errorf("sdo: subscribing client endpoint: %w", err)
	}
	s.cancel = cancel
	c.sessions[serverId] = s
	return s, nil
}

// resolveEndpoint looks up a configured SDO client parameter entry
// (0x1280..0x12FF) whose sub3 equals serverId; if none matches, it
// synthesizes the standard default endpoint (spec §4.9.1).
func (c *Client) resolveEndpoint(serverId uint8) Endpoint {
	if c.od != nil {
		for index := od.EntrySDOClientStart; index <= od.EntrySDOClientEnd; index++ {
			entry, err := c.od.Entry(index)
			if err != nil {
				continue
			}
			serverVar, err := entry.Sub(3)
			if err != nil {
				continue
			}
			v, err := serverVar.Value()
			if err != nil {
				continue
			}
			id, _ := v.(uint64)
			if uint8(id) != serverId {
				continue
			}
			txVar, errTx := entry.Sub(1)
			rxVar, errRx := entry.Sub(2)
			if errTx != nil || errRx != nil {
				continue
			}
			txVal, _ := txVar.Value()
			rxVal, _ := rxVar.Value()
			tx, _ := txVal.(uint64)
			rx, _ := rxVal.(uint64)
			return Endpoint{Tx: uint32(tx) & 0x7FF, Rx: uint32(rx) & 0x7FF}
		}
	}
	return Endpoint{
		Tx: conode.CobIdSDORxBase | uint32(serverId),
		Rx: conode.CobIdSDOTxBase | uint32(serverId),
	}
}

// Close releases every endpoint subscription.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		if s.cancel != nil {
			s.cancel()
		}
	}
	c.sessions = map[uint8]*session{}
}
