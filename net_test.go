package neoflow

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/iti/evt/evtm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFatTreeDescription(t *testing.T) {
	tc := testTopologyConfig(2, 2, 1)
	cfg := CreateFatTreeCfg("small", tc)

	require.Len(t, cfg.Hosts, 4)
	require.Len(t, cfg.Switches, 3)
	require.Len(t, cfg.Links, 6)

	assert.Equal(t, HostDesc{Name: "host-0-0", ID: 0, Pod: 0, Index: 0, Addr: "10.0.0.1"}, cfg.Hosts[0])
	assert.Equal(t, HostDesc{Name: "host-1-0", ID: 2, Pod: 1, Index: 0, Addr: "10.0.3.1"}, cfg.Hosts[2])
	assert.Equal(t, SwitchDesc{Name: "edge-1", ID: 5, Tier: EdgeTier, Pod: 1}, cfg.Switches[1])
	assert.Equal(t, SwitchDesc{Name: "core-0", ID: 6, Tier: CoreTier, Pod: -1}, cfg.Switches[2])
	assert.Equal(t, [2]string{"edge-0", "core-0"}, cfg.Links[2].Ends)
	assert.Equal(t, "10.0.2.0/24", cfg.Links[2].Network)
	assert.Equal(t, [2]string{"10.0.2.1", "10.0.2.2"}, cfg.Links[2].Addrs)
}

func TestTopologyRoundTrip(t *testing.T) {
	cfg := CreateFatTreeCfg("small", testTopologyConfig(2, 2, 2))
	for _, name := range []string{"topo.yaml", "topo.json"} {
		t.Run(name, func(t *testing.T) {
			filename := t.TempDir() + "/" + name
			require.NoError(t, cfg.WriteToFile(filename))
			back, err := ReadTopoCfg(filename, isYAMLFile(filename), nil)
			require.NoError(t, err)
			assert.Equal(t, cfg, back)
		})
	}
	assert.Error(t, cfg.WriteToFile(t.TempDir()+"/topo.txt"))
}

func TestNetworkRoutes(t *testing.T) {
	ns := newTestNetwork(t, 4, 2, 2)
	pods := ns.Pods()
	require.Len(t, pods, 4)

	route, err := ns.Route(pods[0][0].Node, pods[3][1].Node)
	require.NoError(t, err)
	assert.Equal(t, []string{"host-0-0", "edge-0", "core-0", "edge-3", "host-3-1"}, route)

	route, err = ns.Route(pods[3][1].Node, pods[0][0].Node)
	require.NoError(t, err)
	assert.Equal(t, []string{"host-3-1", "edge-3", "core-0", "edge-0", "host-0-0"}, route)

	route, err = ns.Route(pods[2][0].Node, pods[2][1].Node)
	require.NoError(t, err)
	assert.Equal(t, []string{"host-2-0", "edge-2", "host-2-1"}, route)

	seq, err := ns.routes.route(pods[0][0].ID(), pods[3][1].ID())
	require.NoError(t, err)
	assert.Equal(t, "host-0-0,edge-0,core-0,edge-3,host-3-1", ShowPath(seq, ns.routes.names))

	var buf bytes.Buffer
	require.NoError(t, ns.PrintRoutingTables(&buf))
	assert.Contains(t, buf.String(), "Node: 8 (edge-0)")
}

func TestNetworkLookups(t *testing.T) {
	ns := newTestNetwork(t, 2, 2, 1)
	assert.Len(t, ns.Nodes(), 7)
	assert.Len(t, ns.Switches(), 3)

	host, present := ns.HostByAddr(netip.MustParseAddr("10.0.4.1"))
	require.True(t, present)
	assert.Equal(t, "host-1-1", host.Name())
	assert.Equal(t, 1, host.Pod())
	assert.Equal(t, 1, host.Index)

	node, present := ns.NodeByName("core-0")
	require.True(t, present)
	assert.Equal(t, 6, node.ID())
	assert.Equal(t, CoreTier, node.Tier())
	assert.True(t, node.Forwards())
	assert.Equal(t, 2, node.NumIntrfcs())

	_, present = ns.NodeByID(7)
	assert.False(t, present)
}

func TestSubscribeForward(t *testing.T) {
	ns := newTestNetwork(t, 2, 2, 1)
	edge, _ := ns.NodeByName("edge-0")
	noop := func(*layers.IPv4, []byte, int) error { return nil }

	sub, err := edge.SubscribeForward(noop)
	require.NoError(t, err)
	assert.Equal(t, edge, sub.Node())

	_, err = edge.SubscribeForward(noop)
	assert.ErrorIs(t, err, ErrObserverRegistered)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	_, err = edge.SubscribeForward(noop)
	assert.NoError(t, err)

	_, err = ns.Pods()[0][0].SubscribeForward(noop)
	assert.ErrorIs(t, err, ErrNotForwarding)
}

type observed struct {
	node    string
	ingress int
	length  int
	ttl     uint8
}

func TestNetworkForwarding(t *testing.T) {
	ns := newTestNetwork(t, 2, 2, 1)
	pods := ns.Pods()
	src, dst := pods[0][0], pods[1][1]

	seen := make([]observed, 0)
	for _, node := range ns.Switches() {
		node := node
		_, err := node.SubscribeForward(func(hdr *layers.IPv4, payload []byte, ingress int) error {
			seen = append(seen, observed{node: node.Name(), ingress: ingress, length: len(payload), ttl: hdr.TTL})
			return nil
		})
		require.NoError(t, err)
	}

	var arrival float64
	var received []byte
	dst.SetReceiver(func(evtMgr *evtm.EventManager, hdr *layers.IPv4, payload []byte) {
		arrival = evtMgr.CurrentSeconds()
		received = payload
	})

	evtMgr := evtm.New()
	payload, err := buildDatagram(49153, 1, make([]byte, 100))
	require.NoError(t, err)
	require.NoError(t, ns.Send(evtMgr, src, dst.Addr, ProtocolUDP, payload))
	evtMgr.Run(1.0)

	require.Equal(t, payload, received)
	assert.Equal(t, []observed{
		{node: "edge-0", ingress: 0, length: 108, ttl: 63},
		{node: "core-0", ingress: 0, length: 108, ttl: 62},
		{node: "edge-1", ingress: 2, length: 108, ttl: 61},
	}, seen)

	// four hops of 128 bytes at 10Gbps plus 1us of latency each
	assert.InDelta(t, 4*(1.024e-7+1e-6), arrival, 1e-8)

	sent, delivered, expired := ns.Stats()
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, expired)
	for _, node := range ns.Switches() {
		assert.Equal(t, 1, node.Forwarded(), node.Name())
	}
}

func TestNetworkSwitchService(t *testing.T) {
	tc := testTopologyConfig(2, 2, 1)
	tc.SwitchDelay = 10 * time.Microsecond
	ns, err := CreateNetwork(CreateFatTreeCfg("slow", tc), tc, CreateTraceManager("slow", false))
	require.NoError(t, err)
	pods := ns.Pods()

	arrivals := make([]float64, 0)
	pods[0][1].SetReceiver(func(evtMgr *evtm.EventManager, hdr *layers.IPv4, payload []byte) {
		arrivals = append(arrivals, evtMgr.CurrentSeconds())
	})

	evtMgr := evtm.New()
	payload, err := buildDatagram(49153, 1, make([]byte, 100))
	require.NoError(t, err)
	require.NoError(t, ns.Send(evtMgr, pods[0][0], pods[0][1].Addr, ProtocolUDP, payload))
	require.NoError(t, ns.Send(evtMgr, pods[0][0], pods[0][1].Addr, ProtocolUDP, payload))
	evtMgr.Run(1.0)

	require.Len(t, arrivals, 2)
	hop := 1.024e-7 + 1e-6
	assert.InDelta(t, 2*hop+10e-6, arrivals[0], 1e-8)
	// the second packet waits for the switch's only forwarding engine
	assert.InDelta(t, 2*hop+20e-6, arrivals[1], 1e-8)
}

func TestNetworkObserverErrorAbortsRun(t *testing.T) {
	ns := newTestNetwork(t, 2, 2, 1)
	pods := ns.Pods()
	edge, _ := ns.NodeByName("edge-0")
	probe, err := AttachFlowMapProbe(edge)
	require.NoError(t, err)

	evtMgr := evtm.New()
	require.NoError(t, ns.Send(evtMgr, pods[0][0], pods[0][1].Addr, Protocol(1), make([]byte, 64)))

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		evtMgr.Run(1.0)
	}()
	require.NotNil(t, recovered)
	rerr, ok := recovered.(error)
	require.True(t, ok)
	assert.True(t, errors.Is(rerr, ErrUnsupportedProtocol))
	assert.Equal(t, 0, probe.Table().Len())
}

func TestNetworkTrace(t *testing.T) {
	tc := testTopologyConfig(2, 2, 1)
	tm := CreateTraceManager("traced", true)
	ns, err := CreateNetwork(CreateFatTreeCfg("traced", tc), tc, tm)
	require.NoError(t, err)
	pods := ns.Pods()

	evtMgr := evtm.New()
	require.NoError(t, ns.Send(evtMgr, pods[0][0], pods[0][1].Addr, ProtocolUDP, make([]byte, 64)))
	evtMgr.Run(1.0)

	assert.Equal(t, NameType{Name: "edge-0", Type: EdgeTier}, tm.NameByID[4])
	require.Len(t, tm.Traces[0], 1)
	assert.Equal(t, "send", tm.Traces[0][0].Op)
	require.Len(t, tm.Traces[4], 1)
	assert.Equal(t, "forward", tm.Traces[4][0].Op)
	assert.Equal(t, "10.0.0.1>10.0.1.1", tm.Traces[4][0].Flow)
	require.Len(t, tm.Traces[1], 1)
	assert.Equal(t, "receive", tm.Traces[1][0].Op)

	filename := t.TempDir() + "/trace.yaml"
	written, err := tm.WriteToFile(filename)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = CreateTraceManager("off", false).WriteToFile(filename)
	require.NoError(t, err)
	assert.False(t, written)
}

func TestTaskScheduler(t *testing.T) {
	ts := CreateTaskScheduler(2)
	evtMgr := evtm.New()
	done := make([]float64, 0)
	complete := func(evtMgr *evtm.EventManager, context any, data any) any {
		done = append(done, evtMgr.CurrentSeconds())
		return nil
	}
	assert.True(t, ts.Schedule(evtMgr, 1.0, nil, nil, complete))
	assert.True(t, ts.Schedule(evtMgr, 1.0, nil, nil, complete))
	assert.False(t, ts.Schedule(evtMgr, 1.0, nil, nil, complete))
	assert.Equal(t, 1, ts.Waiting())
	evtMgr.Run(10.0)

	assert.Equal(t, 3, ts.Served())
	assert.Equal(t, 0, ts.Waiting())
	require.Len(t, done, 3)
	assert.InDelta(t, 2.0, done[2], 1e-9)
}

func TestNetworkRejectsSubTickLinks(t *testing.T) {
	tc := testTopologyConfig(2, 2, 1)
	tc.CoreLinkRate = 1000 * Gbps
	_, err := CreateNetwork(CreateFatTreeCfg("fast", tc), tc, CreateTraceManager("fast", false))
	assert.ErrorIs(t, err, ErrBelowClockTick)
}

func TestLinkNetworkRange(t *testing.T) {
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), linkNetwork(0))
	assert.Equal(t, netip.MustParsePrefix("10.1.0.0/24"), linkNetwork(256))
	assert.Equal(t, netip.MustParsePrefix("10.255.255.0/24"), linkNetwork(maxLinks-1))
}
