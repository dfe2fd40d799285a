package neoflow

// flow.go holds the transport the traffic generator hands its flows to.  A flow
// becomes a constant-rate UDP sender on the source host and a packet sink on the
// destination host's port.  The sender emits fixed-size datagrams, one every
// packetSize*8/bandwidth seconds, the first at the flow's start time, until its
// stop time (or until it has sent MaxBytes).

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"
)

const (
	ipv4HeaderLen = 20
	udpHeaderLen  = 8
	// largest datagram data that fits a maximum-length IPv4 packet
	maxUDPData = 65535 - ipv4HeaderLen - udpHeaderLen
	// smallest packet a sender puts on a link, one byte of data
	minDatagramLen = ipv4HeaderLen + udpHeaderLen + 1

	// source ports are drawn from the ephemeral range, per source host
	ephemeralPortFirst = 49152
	ephemeralPortLast  = 65535
)

// FlowInstaller creates the sender/receiver pair for a flow
type FlowInstaller interface {
	InstallFlow(spec FlowSpec) error
}

// PacketSink counts what arrives at one port of one host
type PacketSink struct {
	Host      *Host
	Port      uint16
	RxPackets uint64
	RxBytes   uint64
}

// onOffSender is the state of one constant-rate UDP sender
type onOffSender struct {
	spec     FlowSpec
	srcPort  uint16
	pktSize  int
	maxBytes uint64
	packets  uint64
	txBytes  uint64
	tr       *Transport
}

type sinkKey struct {
	hostID int
	port   uint16
}

// Transport installs UDP flows on the hosts of a network
type Transport struct {
	evtMgr    *evtm.EventManager
	ns        *Network
	pktSize   int
	maxBytes  uint64
	data      []byte
	ephemeral map[int]int // last source port handed out, by host id
	senders   []*onOffSender
	sinks     map[sinkKey]*PacketSink
	skipped   int
	unclaimed uint64
}

// CreateTransport is a constructor.  It becomes the receiver of every host in ns.
func CreateTransport(evtMgr *evtm.EventManager, ns *Network, pktSize int, maxBytes uint64) *Transport {
	tr := new(Transport)
	tr.evtMgr = evtMgr
	tr.ns = ns
	tr.pktSize = pktSize
	tr.maxBytes = maxBytes
	tr.data = make([]byte, pktSize)
	tr.ephemeral = make(map[int]int)
	tr.senders = make([]*onOffSender, 0)
	tr.sinks = make(map[sinkKey]*PacketSink)

	for _, pod := range ns.Pods() {
		for _, host := range pod {
			host := host
			host.SetReceiver(func(evtMgr *evtm.EventManager, hdr *layers.IPv4, payload []byte) {
				tr.receive(host, payload)
			})
		}
	}
	return tr
}

// InstallFlow creates the sink for the flow's destination port, if there is not one
// already, and schedules the sender's first packet at the flow's start time.  A flow
// with no bandwidth or an empty active period sends nothing and is skipped.  A flow
// whose packets would be closer together than one clock tick is refused.
func (tr *Transport) InstallFlow(spec FlowSpec) error {
	if spec.Src == nil || spec.Dst == nil {
		return fmt.Errorf("flow needs both a source and a destination host")
	}
	if spec.Bandwidth == 0 || !(spec.Stop > spec.Start) {
		tr.skipped += 1
		klog.V(4).InfoS("Skipped empty flow", "src", spec.Src.Name(), "dst", spec.Dst.Name(), "port", spec.Port)
		return nil
	}
	if gap := packetGap(tr.pktSize, spec.Bandwidth); gap < tickSeconds {
		return fmt.Errorf("flow from %s to %s at %d bps sends every %gs: %w",
			spec.Src.Name(), spec.Dst.Name(), spec.Bandwidth, gap, ErrBelowClockTick)
	}

	key := sinkKey{hostID: spec.Dst.ID(), port: spec.Port}
	if _, present := tr.sinks[key]; !present {
		tr.sinks[key] = &PacketSink{Host: spec.Dst, Port: spec.Port}
	}

	snd := &onOffSender{spec: spec, srcPort: tr.nextEphemeral(spec.Src), pktSize: tr.pktSize,
		maxBytes: tr.maxBytes, tr: tr}
	tr.senders = append(tr.senders, snd)

	delay := roundFloat(spec.Start-tr.evtMgr.CurrentSeconds(), rdigits)
	if delay < 0.0 {
		delay = 0.0
	}
	tr.evtMgr.Schedule(snd, nil, sendPacket, vrtime.SecondsToTime(delay))
	return nil
}

// nextEphemeral hands out the host's next source port, wrapping within the ephemeral range
func (tr *Transport) nextEphemeral(host *Host) uint16 {
	port, present := tr.ephemeral[host.ID()]
	if !present {
		port = ephemeralPortFirst
	}
	port += 1
	if port > ephemeralPortLast {
		port = ephemeralPortFirst
	}
	tr.ephemeral[host.ID()] = port
	return uint16(port)
}

// packetGap is the time between the starts of successive packets of pktSize bytes at bps
func packetGap(pktSize int, bps uint64) float64 {
	return float64(8*pktSize) / float64(bps)
}

// sendTime is when the sender's n-th packet (counting from 0) is due.  Times are
// taken from the start rather than from the previous packet, so rounding to the
// clock tick does not accumulate.
func (snd *onOffSender) sendTime(n uint64) float64 {
	return snd.spec.Start + float64(n)*packetGap(snd.pktSize, snd.spec.Bandwidth)
}

// sendPacket is the event handler that emits one datagram and schedules the next
func sendPacket(evtMgr *evtm.EventManager, context any, data any) any {
	snd := context.(*onOffSender)
	if snd.sendTime(snd.packets) >= snd.spec.Stop {
		return nil
	}

	size := snd.pktSize
	if snd.maxBytes > 0 {
		if snd.txBytes >= snd.maxBytes {
			return nil
		}
		if remaining := snd.maxBytes - snd.txBytes; remaining < uint64(size) {
			size = int(remaining)
		}
	}

	datagram, err := buildDatagram(snd.srcPort, snd.spec.Port, snd.tr.data[:size])
	if err != nil {
		panic(err)
	}
	if err := snd.tr.ns.Send(evtMgr, snd.spec.Src, snd.spec.Dst.Addr, ProtocolUDP, datagram); err != nil {
		panic(err)
	}
	snd.packets += 1
	snd.txBytes += uint64(size)

	if snd.maxBytes > 0 && snd.txBytes >= snd.maxBytes {
		return nil
	}
	next := snd.sendTime(snd.packets)
	if next < snd.spec.Stop {
		delay := roundFloat(next-evtMgr.CurrentSeconds(), rdigits)
		if delay < 0.0 {
			delay = 0.0
		}
		evtMgr.Schedule(snd, nil, sendPacket, vrtime.SecondsToTime(delay))
	}
	return nil
}

// buildDatagram serializes a UDP header in front of data
func buildDatagram(srcPort, dstPort uint16, data []byte) ([]byte, error) {
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, udp, gopacket.Payload(data)); err != nil {
		return nil, fmt.Errorf("serializing datagram to port %d: %w", dstPort, err)
	}
	return buf.Bytes(), nil
}

// receive credits a delivered datagram to the sink bound to its destination port
func (tr *Transport) receive(host *Host, payload []byte) {
	udp := &layers.UDP{}
	if err := udp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		tr.unclaimed += 1
		return
	}
	sink, present := tr.sinks[sinkKey{hostID: host.ID(), port: uint16(udp.DstPort)}]
	if !present {
		tr.unclaimed += 1
		return
	}
	sink.RxPackets += 1
	sink.RxBytes += uint64(len(udp.Payload))
}

// Sinks returns every sink, ordered by host id then port
func (tr *Transport) Sinks() []*PacketSink {
	sinks := make([]*PacketSink, 0, len(tr.sinks))
	for _, sink := range tr.sinks {
		sinks = append(sinks, sink)
	}
	slices.SortFunc(sinks, func(a, b *PacketSink) int {
		if a.Host.ID() != b.Host.ID() {
			return a.Host.ID() - b.Host.ID()
		}
		return int(a.Port) - int(b.Port)
	})
	return sinks
}

// TransportStats summarizes what the transport sent and received
type TransportStats struct {
	Flows     int
	Skipped   int
	TxPackets uint64
	TxBytes   uint64
	RxPackets uint64
	RxBytes   uint64
	Unclaimed uint64
}

// Stats totals the counters of every sender and sink
func (tr *Transport) Stats() TransportStats {
	stats := TransportStats{Flows: len(tr.senders), Skipped: tr.skipped, Unclaimed: tr.unclaimed}
	for _, snd := range tr.senders {
		stats.TxPackets += snd.packets
		stats.TxBytes += snd.txBytes
	}
	for _, sink := range tr.sinks {
		stats.RxPackets += sink.RxPackets
		stats.RxBytes += sink.RxBytes
	}
	return stats
}
