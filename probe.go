package neoflow

// probe.go holds the probes that account for the packets a switch forwards.
// A probe is the sole forwarding observer of its node; for every packet it
// reads the transport ports out of the payload, without touching the payload,
// and adds the packet to the counters of its flow.

import (
	"fmt"
	"net/netip"
	"path/filepath"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"k8s.io/klog/v2"
)

// Probe is implemented by FlowMapProbe and FlowRadarProbe only
type Probe interface {
	// Node is the node the probe is attached to
	Node() *Node

	// OnForward accounts for one forwarded packet
	OnForward(hdr *layers.IPv4, payload []byte, ingress int) error

	// Table is the exact flow table the probe has built
	Table() *FlowTable

	// Export writes the flow table to <dir>/<nodeId>-<suffix> and returns the file name
	Export(dir, suffix string) (string, error)

	// Close detaches the probe from its node
	Close() error

	isProbe()
}

// probeBase holds what every probe has: its node, its subscription and its flow table
type probeBase struct {
	node  *Node
	sub   *Subscription
	table *FlowTable
}

func (pb *probeBase) isProbe() {}

// attach makes fn the forwarding observer of the probe's node
func (pb *probeBase) attach(fn ForwardFunc) error {
	sub, err := pb.node.SubscribeForward(fn)
	if err != nil {
		return fmt.Errorf("attaching probe: %w", err)
	}
	pb.sub = sub
	klog.V(2).InfoS("Attached probe", "node", pb.node.Name(), "id", pb.node.ID())
	return nil
}

// Node returns the node the probe observes
func (pb *probeBase) Node() *Node {
	return pb.node
}

// Table returns the probe's flow table
func (pb *probeBase) Table() *FlowTable {
	return pb.table
}

// Export writes the flow table.  It does not change the table, so two exports with
// no packets between them write identical files.
func (pb *probeBase) Export(dir, suffix string) (string, error) {
	filename := reportFileName(dir, pb.node.ID(), suffix)
	if err := writeFlowReport(filename, pb.node, pb.table.Entries()); err != nil {
		return "", err
	}
	return filename, nil
}

// Close releases the subscription
func (pb *probeBase) Close() error {
	if pb.sub == nil {
		return nil
	}
	err := pb.sub.Close()
	pb.sub = nil
	return err
}

// reportFileName gives the name of a node's report
func reportFileName(dir string, nodeID int, suffix string) string {
	return filepath.Join(dir, fmt.Sprintf("%d-%s", nodeID, suffix))
}

// FlowMapProbe keeps an exact map from flow identity to counters
type FlowMapProbe struct {
	probeBase
}

// AttachFlowMapProbe creates a FlowMapProbe and subscribes it to node's forwarding
func AttachFlowMapProbe(node *Node) (*FlowMapProbe, error) {
	fmp := new(FlowMapProbe)
	fmp.node = node
	fmp.table = CreateFlowTable()
	if err := fmp.attach(fmp.OnForward); err != nil {
		return nil, err
	}
	return fmp, nil
}

// OnForward adds the packet to its flow's record.  The ingress interface is not used.
func (fmp *FlowMapProbe) OnForward(hdr *layers.IPv4, payload []byte, ingress int) error {
	key, err := flowKeyOf(hdr, payload)
	if err != nil {
		return err
	}
	fmp.table.Account(key, len(payload))
	return nil
}

// flowKeyOf reads the flow identity of a packet from its network header and the
// leading transport header of its payload.  payload is only read.
func flowKeyOf(hdr *layers.IPv4, payload []byte) (FlowKey, error) {
	proto := Protocol(hdr.Protocol)
	key := FlowKey{Protocol: proto}

	switch proto {
	case ProtocolUDP:
		udp := &layers.UDP{}
		if err := udp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return FlowKey{}, fmt.Errorf("decoding UDP header: %w", err)
		}
		key.SrcPort = uint16(udp.SrcPort)
		key.DstPort = uint16(udp.DstPort)
	case ProtocolTCP:
		tcp := &layers.TCP{}
		if err := tcp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return FlowKey{}, fmt.Errorf("decoding TCP header: %w", err)
		}
		key.SrcPort = uint16(tcp.SrcPort)
		key.DstPort = uint16(tcp.DstPort)
	default:
		return FlowKey{}, fmt.Errorf("%s from %s to %s: %w", proto, hdr.SrcIP, hdr.DstIP, ErrUnsupportedProtocol)
	}

	src, ok := netip.AddrFromSlice(hdr.SrcIP)
	if !ok {
		return FlowKey{}, fmt.Errorf("malformed source address %v", hdr.SrcIP)
	}
	dst, ok := netip.AddrFromSlice(hdr.DstIP)
	if !ok {
		return FlowKey{}, fmt.Errorf("malformed destination address %v", hdr.DstIP)
	}
	key.SrcAddr = src.Unmap()
	key.DstAddr = dst.Unmap()
	return key, nil
}

// AttachProbe attaches a probe of the strategy named in pc to node
func AttachProbe(node *Node, pc *ProbeConfig) (Probe, error) {
	switch pc.Strategy {
	case StrategyFlowMap, "":
		fmp, err := AttachFlowMapProbe(node)
		if err != nil {
			return nil, err
		}
		return fmp, nil
	case StrategyFlowRadar:
		frp, err := AttachFlowRadarProbe(node, &pc.FlowRadar)
		if err != nil {
			return nil, err
		}
		return frp, nil
	}
	return nil, fmt.Errorf("%w: unknown probe strategy %q", ErrInvalidConfig, pc.Strategy)
}
