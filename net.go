package neoflow

// net.go contains code and data structures supporting the simulation of
// packets moving through the fat-tree.  A packet is moved hop by hop along
// its shortest path route; each hop costs the transmission time on the egress
// interface (after any packet already queued there), the link latency, and at
// a switch the service time of its forwarding engines.  Every switch that
// forwards a packet offers it to the node's forwarding observer, if one is
// subscribed.

import (
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/google/gopacket/layers"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"k8s.io/klog/v2"
)

// defaultTTL is the time-to-live a host puts in the packets it sends
const defaultTTL = 64

type devCode int

const (
	hostCode devCode = iota
	edgeCode
	coreCode
)

// devCodeFromTier returns the devCode corresponding to a tier name
func devCodeFromTier(tier string) devCode {
	switch tier {
	case EdgeTier:
		return edgeCode
	case CoreTier:
		return coreCode
	}
	return hostCode
}

func (dc devCode) String() string {
	switch dc {
	case edgeCode:
		return EdgeTier
	case coreCode:
		return CoreTier
	}
	return HostTier
}

// ForwardFunc is called for every packet a node forwards, with the packet's network
// header, its payload (transport header and data) and the index of the interface
// it arrived on.  The payload must not be modified or retained.  A non-nil error
// aborts the run.
type ForwardFunc func(hdr *layers.IPv4, payload []byte, ingress int) error

// ReceiveFunc is called when a packet reaches the host it is addressed to
type ReceiveFunc func(evtMgr *evtm.EventManager, hdr *layers.IPv4, payload []byte)

// Subscription is the handle returned by SubscribeForward. Closing it
// removes the observer from the node.
type Subscription struct {
	node *Node
	fn   ForwardFunc
}

// Node returns the node subscribed to
func (sub *Subscription) Node() *Node {
	return sub.node
}

// Close unsubscribes.  Closing an already closed subscription does nothing.
func (sub *Subscription) Close() error {
	if sub.node != nil && sub.node.observer == sub {
		sub.node.observer = nil
	}
	sub.node = nil
	return nil
}

// The intrfcStruct holds information about a network interface embedded in a node
type intrfcStruct struct {
	number  int           // index of the interface on its node
	name    string        // unique name, node name and index
	node    *Node         // node holding the interface
	addr    netip.Addr    // address assigned to the interface
	peer    *intrfcStruct // the interface at the other end of the link
	bndwdth DataRate      // transmission rate
	latency float64       // seconds for the leading bit to cross the link
	empties float64       // time when another packet can start transmission
	packets int           // packets transmitted
	bytes   uint64        // bytes transmitted, network header included
}

// Node is a host or a switch
type Node struct {
	name      string
	id        int
	code      devCode
	pod       int
	intrfcs   []*intrfcStruct
	toward    map[int]*intrfcStruct // neighbor id -> interface on the link to it
	observer  *Subscription
	sched     *TaskScheduler
	host      *Host // set on hosts
	forwarded int
}

// Name is the unique name of the node
func (n *Node) Name() string {
	return n.name
}

// ID is the unique integer id of the node, also used to name report files
func (n *Node) ID() int {
	return n.id
}

// Tier is one of HostTier, EdgeTier, CoreTier
func (n *Node) Tier() string {
	return n.code.String()
}

// Pod is the pod index of a host or edge switch, -1 for a core switch
func (n *Node) Pod() int {
	return n.pod
}

// Forwards is true for nodes that forward packets (switches)
func (n *Node) Forwards() bool {
	return n.code != hostCode
}

// Forwarded is the number of packets the node has forwarded
func (n *Node) Forwarded() int {
	return n.forwarded
}

// NumIntrfcs is the number of interfaces on the node
func (n *Node) NumIntrfcs() int {
	return len(n.intrfcs)
}

// SubscribeForward registers fn as the node's forwarding observer.  A node has at most
// one observer; a second subscription fails with ErrObserverRegistered, and
// subscribing to a node that does not forward fails with ErrNotForwarding.
func (n *Node) SubscribeForward(fn ForwardFunc) (*Subscription, error) {
	if !n.Forwards() {
		return nil, fmt.Errorf("%s: %w", n.name, ErrNotForwarding)
	}
	if n.observer != nil {
		return nil, fmt.Errorf("%s: %w", n.name, ErrObserverRegistered)
	}
	sub := &Subscription{node: n, fn: fn}
	n.observer = sub
	return sub, nil
}

// addIntrfc appends a new interface to the node
func (n *Node) addIntrfc(addr netip.Addr, bndwdth DataRate, latency float64) *intrfcStruct {
	intrfc := new(intrfcStruct)
	intrfc.number = len(n.intrfcs)
	intrfc.name = fmt.Sprintf("%s-intrfc-%d", n.name, intrfc.number)
	intrfc.node = n
	intrfc.addr = addr
	intrfc.bndwdth = bndwdth
	intrfc.latency = latency
	n.intrfcs = append(n.intrfcs, intrfc)
	return intrfc
}

// Host is an end host of the fat-tree
type Host struct {
	*Node
	Addr     netip.Addr
	Index    int
	receiver ReceiveFunc
}

// SetReceiver sets the function called for packets delivered to the host
func (h *Host) SetReceiver(fn ReceiveFunc) {
	h.receiver = fn
}

// netPacket is a packet in flight
type netPacket struct {
	hdr     *layers.IPv4
	payload []byte
	route   []int // node ids from source host to destination host
	hop     int   // index into route of the node holding the packet
	ingress int   // interface the packet arrived on at route[hop]
}

// Network holds the run-time representation of the fat-tree
type Network struct {
	name        string
	nodes       []*Node
	byName      map[string]*Node
	pods        [][]*Host
	hostByAddr  map[netip.Addr]*Host
	routes      *routeTable
	switchDelay float64
	traceMgr    *TraceManager
	sent        int
	delivered   int
	expired     int
}

// CreateNetwork builds the run-time network from its description
func CreateNetwork(cfg *TopoCfg, tc *TopologyConfig, traceMgr *TraceManager) (*Network, error) {
	useNanosecondClock()
	if len(cfg.Links) > maxLinks {
		return nil, fmt.Errorf("%w: %d links, at most %d can be addressed", ErrInvalidConfig, len(cfg.Links), maxLinks)
	}

	ns := new(Network)
	ns.name = cfg.Name
	ns.byName = make(map[string]*Node)
	ns.hostByAddr = make(map[netip.Addr]*Host)
	ns.routes = createRouteTable()
	ns.switchDelay = tc.SwitchDelay.Seconds()
	ns.traceMgr = traceMgr

	numNodes := len(cfg.Hosts) + len(cfg.Switches)
	ns.nodes = make([]*Node, numNodes)

	ns.pods = make([][]*Host, cfg.NumPods)
	for pod := range ns.pods {
		ns.pods[pod] = make([]*Host, cfg.HostsPerPod)
	}

	for _, hd := range cfg.Hosts {
		if hd.Pod < 0 || hd.Pod >= cfg.NumPods || hd.Index < 0 || hd.Index >= cfg.HostsPerPod {
			return nil, fmt.Errorf("host %s at pod %d index %d is outside the fat-tree", hd.Name, hd.Pod, hd.Index)
		}
		node, err := ns.addNode(hd.Name, hd.ID, hostCode, hd.Pod)
		if err != nil {
			return nil, err
		}
		host := &Host{Node: node, Index: hd.Index}
		node.host = host
		ns.pods[hd.Pod][hd.Index] = host
	}

	coreIdx := make(map[string]int)
	for _, sd := range cfg.Switches {
		code := devCodeFromTier(sd.Tier)
		if code == hostCode {
			return nil, fmt.Errorf("switch %s has unknown tier %q", sd.Name, sd.Tier)
		}
		node, err := ns.addNode(sd.Name, sd.ID, code, sd.Pod)
		if err != nil {
			return nil, err
		}
		node.sched = CreateTaskScheduler(tc.SwitchCores)
		if code == coreCode {
			coreIdx[sd.Name] = len(coreIdx)
		}
	}

	for _, ld := range cfg.Links {
		if err := ns.addLink(&ld, coreIdx); err != nil {
			return nil, err
		}
	}

	for pod := range ns.pods {
		for idx, host := range ns.pods[pod] {
			if host == nil {
				return nil, fmt.Errorf("no host at pod %d index %d", pod, idx)
			}
			if len(host.intrfcs) != 1 {
				return nil, fmt.Errorf("host %s has %d interfaces, expected 1", host.name, len(host.intrfcs))
			}
			host.Addr = host.intrfcs[0].addr
			if other, present := ns.hostByAddr[host.Addr]; present {
				return nil, fmt.Errorf("hosts %s and %s share address %s", other.name, host.name, host.Addr)
			}
			ns.hostByAddr[host.Addr] = host
		}
	}

	for _, node := range ns.nodes {
		traceMgr.AddName(node.id, node.name, node.Tier())
	}

	klog.V(2).InfoS("Built network", "name", ns.name, "pods", cfg.NumPods, "hostsPerPod", cfg.HostsPerPod,
		"cores", cfg.NumCores, "links", len(cfg.Links))
	return ns, nil
}

// addNode creates a node and indexes it by id and name
func (ns *Network) addNode(name string, id int, code devCode, pod int) (*Node, error) {
	if id < 0 || id >= len(ns.nodes) {
		return nil, fmt.Errorf("device %s has id %d outside [0,%d)", name, id, len(ns.nodes))
	}
	if ns.nodes[id] != nil {
		return nil, fmt.Errorf("devices %s and %s share id %d", ns.nodes[id].name, name, id)
	}
	if _, present := ns.byName[name]; present {
		return nil, fmt.Errorf("duplicated device name %s", name)
	}
	node := &Node{name: name, id: id, code: code, pod: pod, toward: make(map[int]*intrfcStruct)}
	ns.nodes[id] = node
	ns.byName[name] = node
	ns.routes.names[id] = name
	return node, nil
}

// addLink creates the interfaces at both ends of a link and the graph edge between them
func (ns *Network) addLink(ld *LinkDesc, coreIdx map[string]int) error {
	var ends [2]*Node
	var addrs [2]netip.Addr
	for idx := range ld.Ends {
		node, present := ns.byName[ld.Ends[idx]]
		if !present {
			return fmt.Errorf("link %s names unknown device %s", ld.Network, ld.Ends[idx])
		}
		addr, err := netip.ParseAddr(ld.Addrs[idx])
		if err != nil {
			return fmt.Errorf("link %s: %w", ld.Network, err)
		}
		ends[idx] = node
		addrs[idx] = addr
	}

	if ld.Bandwidth > 0 && ld.Bandwidth.TxTime(minDatagramLen) < tickSeconds {
		return fmt.Errorf("link %s at %s puts a %d byte packet on the wire in under a clock tick: %w",
			ld.Network, ld.Bandwidth, minDatagramLen, ErrBelowClockTick)
	}

	latency := ld.Latency.Seconds()
	intrfcA := ends[0].addIntrfc(addrs[0], ld.Bandwidth, latency)
	intrfcB := ends[1].addIntrfc(addrs[1], ld.Bandwidth, latency)
	intrfcA.peer = intrfcB
	intrfcB.peer = intrfcA
	ends[0].toward[ends[1].id] = intrfcA
	ends[1].toward[ends[0].id] = intrfcB

	weight := 1.0
	for _, end := range ends {
		if idx, present := coreIdx[end.name]; present {
			weight += coreTieBreak * float64(idx)
		}
	}
	ns.routes.addEdge(ends[0].id, ends[1].id, weight)
	return nil
}

// Name is the name of the topology the network was built from
func (ns *Network) Name() string {
	return ns.name
}

// Pods returns the hosts, pod by pod, in index order
func (ns *Network) Pods() [][]*Host {
	return ns.pods
}

// Nodes returns every node, ordered by id
func (ns *Network) Nodes() []*Node {
	return ns.nodes
}

// Switches returns the edge and core switches, ordered by id
func (ns *Network) Switches() []*Node {
	switches := make([]*Node, 0)
	for _, node := range ns.nodes {
		if node.Forwards() {
			switches = append(switches, node)
		}
	}
	return switches
}

// NodeByName looks a node up by its name
func (ns *Network) NodeByName(name string) (*Node, bool) {
	node, present := ns.byName[name]
	return node, present
}

// NodeByID looks a node up by its id
func (ns *Network) NodeByID(id int) (*Node, bool) {
	if id < 0 || id >= len(ns.nodes) {
		return nil, false
	}
	return ns.nodes[id], true
}

// HostByAddr looks a host up by its address
func (ns *Network) HostByAddr(addr netip.Addr) (*Host, bool) {
	host, present := ns.hostByAddr[addr]
	return host, present
}

// Route returns the names of the nodes a packet from src to dst passes through, inclusive
func (ns *Network) Route(src, dst *Node) ([]string, error) {
	seq, err := ns.routes.route(src.id, dst.id)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(seq))
	for idx, id := range seq {
		names[idx] = ns.nodes[id].name
	}
	return names, nil
}

// Stats reports packets sent by hosts, delivered to hosts, and dropped for TTL expiry
func (ns *Network) Stats() (sent, delivered, expired int) {
	return ns.sent, ns.delivered, ns.expired
}

// Send puts a packet carrying payload (a transport header and its data) into the network
// at host src, addressed to dst.  The packet starts moving at the current simulation time.
func (ns *Network) Send(evtMgr *evtm.EventManager, src *Host, dst netip.Addr, proto Protocol, payload []byte) error {
	dstHost, present := ns.hostByAddr[dst]
	if !present {
		return fmt.Errorf("no host has address %s", dst)
	}
	route, err := ns.routes.route(src.id, dstHost.id)
	if err != nil {
		return err
	}
	hdr := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      defaultTTL,
		Protocol: layers.IPProtocol(proto),
		SrcIP:    net.IP(src.Addr.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
		Length:   uint16(ipv4HeaderLen + len(payload)),
	}
	pkt := &netPacket{hdr: hdr, payload: payload, route: route, hop: 0, ingress: -1}
	ns.sent += 1
	ns.traceMgr.AddTrace(evtMgr.CurrentTime(), src.id, "send", -1, "", int(hdr.Length))

	if len(route) == 1 {
		ns.deliver(evtMgr, src.Node, pkt)
		return nil
	}
	ns.transmit(evtMgr, pkt)
	return nil
}

// transmit queues the packet on the interface from route[hop] toward route[hop+1]
// and schedules its arrival there
func (ns *Network) transmit(evtMgr *evtm.EventManager, pkt *netPacket) {
	node := ns.nodes[pkt.route[pkt.hop]]
	intrfc, present := node.toward[pkt.route[pkt.hop+1]]
	if !present {
		panic(fmt.Errorf("route step from %s has no interface toward device %d", node.name, pkt.route[pkt.hop+1]))
	}

	now := evtMgr.CurrentSeconds()
	srt := now
	if intrfc.empties > srt {
		srt = intrfc.empties
	}
	intrfc.empties = roundFloat(srt+intrfc.bndwdth.TxTime(int(pkt.hdr.Length)), rdigits)
	intrfc.packets += 1
	intrfc.bytes += uint64(pkt.hdr.Length)

	pkt.hop += 1
	pkt.ingress = intrfc.peer.number
	delay := roundFloat(intrfc.empties+intrfc.latency-now, rdigits)
	evtMgr.Schedule(ns, pkt, arriveAtNode, vrtime.SecondsToTime(delay))
}

// arriveAtNode is the event handler for a packet reaching the next node on its route
func arriveAtNode(evtMgr *evtm.EventManager, context any, data any) any {
	ns := context.(*Network)
	pkt := data.(*netPacket)
	node := ns.nodes[pkt.route[pkt.hop]]

	if pkt.hop == len(pkt.route)-1 {
		ns.deliver(evtMgr, node, pkt)
		return nil
	}

	pkt.hdr.TTL -= 1
	if pkt.hdr.TTL == 0 {
		ns.expired += 1
		klog.V(4).InfoS("Dropped packet with expired TTL", "node", node.name)
		return nil
	}

	if node.observer != nil {
		if err := node.observer.fn(pkt.hdr, pkt.payload, pkt.ingress); err != nil {
			panic(fmt.Errorf("forwarding at %s: %w", node.name, err))
		}
	}
	node.forwarded += 1
	if ns.traceMgr.Active() {
		ns.traceMgr.AddTrace(evtMgr.CurrentTime(), node.id, "forward", pkt.ingress,
			fmt.Sprintf("%s>%s", pkt.hdr.SrcIP, pkt.hdr.DstIP), int(pkt.hdr.Length))
	}

	if ns.switchDelay > 0.0 && node.sched != nil {
		node.sched.Schedule(evtMgr, ns.switchDelay, ns, pkt, leaveNode)
		return nil
	}
	ns.transmit(evtMgr, pkt)
	return nil
}

// leaveNode is called when a switch has finished serving a packet
func leaveNode(evtMgr *evtm.EventManager, context any, data any) any {
	ns := context.(*Network)
	ns.transmit(evtMgr, data.(*netPacket))
	return nil
}

// deliver hands a packet to the receiver of its destination host
func (ns *Network) deliver(evtMgr *evtm.EventManager, node *Node, pkt *netPacket) {
	ns.delivered += 1
	ns.traceMgr.AddTrace(evtMgr.CurrentTime(), node.id, "receive", pkt.ingress, "", int(pkt.hdr.Length))
	host := node.host
	if host != nil && host.receiver != nil {
		host.receiver(evtMgr, pkt.hdr, pkt.payload)
	}
}

// PrintRoutingTables writes, for every switch, the next hop and egress interface
// it uses toward every host
func (ns *Network) PrintRoutingTables(w io.Writer) error {
	for _, node := range ns.Switches() {
		if _, err := fmt.Fprintf(w, "Node: %d (%s)\n", node.id, node.name); err != nil {
			return err
		}
		for _, pod := range ns.pods {
			for _, host := range pod {
				seq, err := ns.routes.route(node.id, host.id)
				if err != nil {
					return err
				}
				nxt := ns.nodes[seq[1]]
				if _, err := fmt.Fprintf(w, "%-15s %-10s %d\n", host.Addr, nxt.name, node.toward[nxt.id].number); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
