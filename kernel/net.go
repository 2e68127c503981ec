package main

// UDP networking (C12 net.rs supplement). Grounded on
// original_source/kernel/src/net/sockets.rs's OpenSockets/AssignedSocket
// pair: a port-keyed map of per-socket datagram queues, acquire-or-fail on
// bind, FIFO delivery with truncation to the reader's buffer (UDP framing
// semantics), and removal from the table when the owning socket closes.
//
// The Ethernet/ARP/IPv4/UDP framing itself is out of scope (spec.md
// Non-goals): NetDevice is the seam a real driver or qemutest's loopback
// stub plugs into.
//
// Both the per-socket datagram queue and the port table itself are fixed-
// size (MaxSocketQueue slots per socket, MaxSockets sockets system-wide,
// MaxDatagramSize bytes per queued payload) and linear-scanned, matching
// the bounded-table idiom used everywhere else in this package instead of
// a Go map plus append-grown slices.

type NetDevice interface {
	Send(destIP [4]byte, destPort, srcPort uint16, payload []byte) error
}

type PortTable interface {
	Acquire(port uint16) (*UDPSocket, bool)
	Deliver(fromIP [4]byte, fromPort, toPort uint16, payload []byte) bool
}

type datagram struct {
	inUse    bool
	fromIP   [4]byte
	fromPort uint16
	data     [MaxDatagramSize]byte
	length   int
}

// UDPSocket is one bound port's receive queue plus enough of its owning
// device to send from it.
type UDPSocket struct {
	inUse   bool
	port    uint16
	lock    SpinLock
	queue   [MaxSocketQueue]datagram
	qHead   int
	qCount  int
	waiters ThreadQueue
	closed  bool
	table   *portTableState
	device  NetDevice
}

func (s *UDPSocket) Send(destIP [4]byte, destPort uint16, payload []byte) error {
	return s.device.Send(destIP, destPort, s.port, payload)
}

// TryRecv pops the oldest queued datagram, truncating to len(out) per UDP's
// no-partial-read-across-datagrams rule (the remainder of an oversized
// datagram is discarded, matching original_source's get_datagram).
func (s *UDPSocket) TryRecv(out []byte) (n int, fromIP [4]byte, fromPort uint16, ok bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.qCount == 0 {
		return 0, [4]byte{}, 0, false
	}
	d := &s.queue[s.qHead]
	s.qHead = (s.qHead + 1) % MaxSocketQueue
	s.qCount--
	n = copy(out, d.data[:d.length])
	fromIP, fromPort = d.fromIP, d.fromPort
	*d = datagram{}
	return n, fromIP, fromPort, true
}

// HasDatagram reports whether TryRecv would return data immediately — used
// by ppoll's readiness check.
func (s *UDPSocket) HasDatagram() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.qCount > 0
}

func (s *UDPSocket) registerWaiter(t *Thread) {
	s.lock.Lock()
	s.waiters.Remove(t)
	s.waiters.Add(t)
	s.lock.Unlock()
}

func (s *UDPSocket) forgetWaiter(t *Thread) {
	s.lock.Lock()
	s.waiters.Remove(t)
	s.lock.Unlock()
}

// Close removes the socket from its port table and wakes every waiter so
// a blocked Recvfrom future observes EBADF instead of hanging forever
// (spec.md §9's resolved open question on close-while-blocked).
func (s *UDPSocket) Close() {
	s.lock.Lock()
	s.closed = true
	head := s.waiters.DrainAll()
	s.lock.Unlock()

	s.table.release(s.port)
	WakeChain(head)
}

// portTableState binds ports to sockets in a fixed MaxSockets-entry array,
// linear-scanned by port number, instead of a map[uint16]*UDPSocket. The
// UDPSocket records themselves live in the same array (embedded by value)
// so acquiring a port never asks the Go allocator for a fresh socket.
type portTableState struct {
	lock    SpinLock
	sockets [MaxSockets]UDPSocket
	device  NetDevice
}

func newPortTable(device NetDevice) *portTableState {
	return &portTableState{device: device}
}

// Acquire binds port, failing if it is already owned (spec.md §6: ports are
// handed out at most once at a time) or if the socket table is full.
func (pt *portTableState) Acquire(port uint16) (*UDPSocket, bool) {
	pt.lock.Lock()
	defer pt.lock.Unlock()
	free := -1
	for i := range pt.sockets {
		if pt.sockets[i].inUse && pt.sockets[i].port == port {
			return nil, false
		}
		if !pt.sockets[i].inUse && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return nil, false
	}
	pt.sockets[free] = UDPSocket{inUse: true, port: port, table: pt, device: pt.device}
	return &pt.sockets[free], true
}

// Deliver enqueues an inbound datagram on toPort's socket, if one is bound.
// Reports whether any listener received it. Payloads longer than
// MaxDatagramSize are truncated, matching a real UDP MTU's own framing
// limit rather than an unbounded copy.
func (pt *portTableState) Deliver(fromIP [4]byte, fromPort, toPort uint16, payload []byte) bool {
	pt.lock.Lock()
	var s *UDPSocket
	for i := range pt.sockets {
		if pt.sockets[i].inUse && pt.sockets[i].port == toPort {
			s = &pt.sockets[i]
			break
		}
	}
	pt.lock.Unlock()
	if s == nil {
		return false
	}

	s.lock.Lock()
	if s.qCount >= MaxSocketQueue {
		s.lock.Unlock()
		return false
	}
	tail := (s.qHead + s.qCount) % MaxSocketQueue
	d := &s.queue[tail]
	d.inUse = true
	d.fromIP = fromIP
	d.fromPort = fromPort
	d.length = copy(d.data[:], payload)
	s.qCount++
	head := s.waiters.DrainAll()
	s.lock.Unlock()

	WakeChain(head)
	return true
}

func (pt *portTableState) release(port uint16) {
	pt.lock.Lock()
	for i := range pt.sockets {
		if pt.sockets[i].inUse && pt.sockets[i].port == port {
			pt.sockets[i] = UDPSocket{}
			break
		}
	}
	pt.lock.Unlock()
}

var portTable OnceCell[*portTableState]

// InitNetworking installs device as the outbound path for every socket
// this core opens and prepares the port table netDeviceIRQHandler (C7)
// eventually dispatches inbound frames into.
func InitNetworking(device NetDevice) {
	portTable.Init(newPortTable(device))
}
