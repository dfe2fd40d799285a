package neoflow

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func testTopologyConfig(pods, hosts, cores int) *TopologyConfig {
	return &TopologyConfig{
		NumPods:      pods,
		HostsPerPod:  hosts,
		NumCores:     cores,
		LinkRate:     10 * Gbps,
		CoreLinkRate: 10 * Gbps,
		LinkDelay:    time.Microsecond,
		SwitchCores:  1,
	}
}

func newTestNetwork(t *testing.T, pods, hosts, cores int) *Network {
	t.Helper()
	tc := testTopologyConfig(pods, hosts, cores)
	ns, err := CreateNetwork(CreateFatTreeCfg("test", tc), tc, CreateTraceManager("test", false))
	require.NoError(t, err)
	return ns
}

func ipv4Header(proto Protocol, src, dst netip.Addr, payloadLen int) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      defaultTTL,
		Protocol: layers.IPProtocol(proto),
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
		Length:   uint16(ipv4HeaderLen + payloadLen),
	}
}

// udpPacket builds the network header and payload of a UDP datagram carrying dataLen bytes
func udpPacket(t *testing.T, src, dst string, sport, dport uint16, dataLen int) (*layers.IPv4, []byte) {
	t.Helper()
	payload, err := buildDatagram(sport, dport, make([]byte, dataLen))
	require.NoError(t, err)
	return ipv4Header(ProtocolUDP, netip.MustParseAddr(src), netip.MustParseAddr(dst), len(payload)), payload
}

// tcpPacket builds the network header and payload of a TCP segment carrying dataLen bytes
func tcpPacket(t *testing.T, src, dst string, sport, dport uint16, dataLen int) (*layers.IPv4, []byte) {
	t.Helper()
	tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), Seq: 1, ACK: true, Window: 1024}
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, tcp, gopacket.Payload(make([]byte, dataLen)))
	require.NoError(t, err)
	payload := buf.Bytes()
	return ipv4Header(ProtocolTCP, netip.MustParseAddr(src), netip.MustParseAddr(dst), len(payload)), payload
}

// testPods builds pods of hosts that are not attached to any network
func testPods(pods, hosts int) [][]*Host {
	rtn := make([][]*Host, pods)
	id := 0
	for pod := range rtn {
		rtn[pod] = make([]*Host, hosts)
		for idx := range rtn[pod] {
			node := &Node{name: HostName(pod, idx), id: id, code: hostCode, pod: pod}
			rtn[pod][idx] = &Host{Node: node, Index: idx,
				Addr: netip.AddrFrom4([4]byte{10, byte(pod), byte(idx), 1})}
			node.host = rtn[pod][idx]
			id += 1
		}
	}
	return rtn
}

// recordingInstaller keeps every flow it is given
type recordingInstaller struct {
	specs []FlowSpec
}

func (ri *recordingInstaller) InstallFlow(spec FlowSpec) error {
	ri.specs = append(ri.specs, spec)
	return nil
}

// runWithin fails the test if fn has not returned after limit of wall clock time
func runWithin(t *testing.T, limit time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(limit):
		t.Fatalf("still running after %s", limit)
	}
}
