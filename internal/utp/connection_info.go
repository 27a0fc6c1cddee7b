package utp

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// tagEntry is one peer's routing state within a ConnectionInfo: the actual
// UDP port it is currently observed sending from, and whether the engine
// has reached its firewall/accept callback for this peer yet.
type tagEntry struct {
	actualPort int
	active     bool
}

// ConnectionInfo is the per-local-UDP-port demultiplexing cache: the
// specification's central data structure for the UTP multiplexer. One
// instance exists per bound local UDP port for as long as any UtpHandle or
// live engine session references that port.
type ConnectionInfo struct {
	log *zap.Logger

	localPort int
	conn      *net.UDPConn

	mu            sync.Mutex
	peers         map[string]map[Tag]*tagEntry // peer_ip -> tag -> entry
	engineSockets map[uint32]struct{}          // live kcp conv ids bound to this port
	numHandles    int

	onEmpty func(*ConnectionInfo)
}

func newConnectionInfo(log *zap.Logger, port int, conn *net.UDPConn, onEmpty func(*ConnectionInfo)) *ConnectionInfo {
	return &ConnectionInfo{
		log:           log,
		localPort:     port,
		conn:          conn,
		peers:         make(map[string]map[Tag]*tagEntry),
		engineSockets: make(map[uint32]struct{}),
		onEmpty:       onEmpty,
	}
}

// onInboundDatagram implements §4.5's inbound handling: locate or create
// the peer's tag entry, and detect and log a NAT rebind by updating the
// entry's actual port. It returns nothing: the caller hands every non-ping
// datagram carrying a full tag to the engine.
func (ci *ConnectionInfo) onInboundDatagram(srcIP net.IP, srcPort int, tag Tag) {
	key := srcIP.String()

	ci.mu.Lock()
	defer ci.mu.Unlock()

	byTag := ci.peers[key]
	if byTag == nil {
		byTag = make(map[Tag]*tagEntry)
		ci.peers[key] = byTag
	}

	entry, ok := byTag[tag]
	if !ok {
		byTag[tag] = &tagEntry{actualPort: srcPort, active: false}
		return
	}
	if entry.actualPort != srcPort {
		if ci.log != nil {
			ci.log.Info("utp: peer NAT rebind detected",
				zap.String("peer_ip", key),
				zap.Int("old_port", entry.actualPort),
				zap.Int("new_port", srcPort))
		}
		entry.actualPort = srcPort
	}
}

// markActive is called once the engine's firewall/accept callback for this
// peer+tag has actually fired, per step 3 of §4.5's inbound algorithm.
func (ci *ConnectionInfo) markActive(srcIP net.IP, tag Tag) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if byTag := ci.peers[srcIP.String()]; byTag != nil {
		if e := byTag[tag]; e != nil {
			e.active = true
		}
	}
}

// reapInactive removes a tag entry the engine's firewall callback never
// reached -- step 3's "if active is still false, remove it".
func (ci *ConnectionInfo) reapInactive(srcIP net.IP, tag Tag) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if byTag := ci.peers[srcIP.String()]; byTag != nil {
		if e := byTag[tag]; e != nil && !e.active {
			delete(byTag, tag)
		}
	}
}

// resolvePeerPortByIP returns the actual UDP port last observed for any
// tag tracked against srcIP. A ConnectionInfo normally tracks a single live
// tag per peer IP for a given logical stream, so "any" is the peer's
// current mapped port; this is what outbound delivery translates through
// when a peer's NAT has rebound since the stream was established.
func (ci *ConnectionInfo) resolvePeerPortByIP(srcIP net.IP) (int, bool) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	byTag := ci.peers[srcIP.String()]
	for _, e := range byTag {
		return e.actualPort, true
	}
	return 0, false
}

// resolvePeerPort translates a tag-addressed peer back to its actual UDP
// port for outbound delivery, per §4.5's outbound handling.
func (ci *ConnectionInfo) resolvePeerPort(srcIP net.IP, tag Tag) (int, bool) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	byTag := ci.peers[srcIP.String()]
	if byTag == nil {
		return 0, false
	}
	e := byTag[tag]
	if e == nil {
		return 0, false
	}
	return e.actualPort, true
}

func (ci *ConnectionInfo) addEngineSocket(conv uint32) {
	ci.mu.Lock()
	ci.engineSockets[conv] = struct{}{}
	ci.mu.Unlock()
}

func (ci *ConnectionInfo) removeEngineSocket(conv uint32) {
	ci.mu.Lock()
	delete(ci.engineSockets, conv)
	empty := len(ci.engineSockets) == 0 && ci.numHandles == 0
	ci.mu.Unlock()
	if empty {
		ci.scheduleTeardown(gracefulCloseDelay)
	}
}

func (ci *ConnectionInfo) acquireHandle() {
	ci.mu.Lock()
	ci.numHandles++
	ci.mu.Unlock()
}

func (ci *ConnectionInfo) releaseHandle(abrupt bool) {
	ci.mu.Lock()
	ci.numHandles--
	empty := ci.numHandles == 0 && len(ci.engineSockets) == 0
	ci.mu.Unlock()
	if empty {
		delay := gracefulCloseDelay
		if abrupt {
			delay = abortCloseDelay
		}
		ci.scheduleTeardown(delay)
	}
}

const (
	abortCloseDelay    = 250 * time.Millisecond
	gracefulCloseDelay = time.Second
)

// scheduleTeardown lets the engine flush before the underlying UDP socket
// is actually released, matching §4.5's "Lifecycles" grace-delay note. If
// a handle or engine socket shows up again before the delay elapses, the
// teardown is skipped.
func (ci *ConnectionInfo) scheduleTeardown(delay time.Duration) {
	time.AfterFunc(delay, func() {
		ci.mu.Lock()
		stillEmpty := ci.numHandles == 0 && len(ci.engineSockets) == 0
		ci.mu.Unlock()
		if stillEmpty && ci.onEmpty != nil {
			ci.onEmpty(ci)
		}
	})
}

// numHandlesAndSockets reports the liveness counters the exists-iff
// invariant is defined over.
func (ci *ConnectionInfo) numHandlesAndSockets() (handles, sockets int) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.numHandles, len(ci.engineSockets)
}
