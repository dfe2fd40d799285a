package neoflow

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(src, dst string, proto Protocol, sport, dport uint16) FlowKey {
	return FlowKey{SrcAddr: netip.MustParseAddr(src), DstAddr: netip.MustParseAddr(dst),
		Protocol: proto, SrcPort: sport, DstPort: dport}
}

func TestFlowKeyString(t *testing.T) {
	key := testKey("10.0.0.1", "10.0.3.1", ProtocolUDP, 49153, 7)
	assert.Equal(t, "10.0.0.1 10.0.3.1 UDP 49153 7", key.String())
	assert.Equal(t, "TCP", ProtocolTCP.String())
	assert.Equal(t, "PROTO1", Protocol(1).String())
	assert.Equal(t, "PckCnt 3 ByteCnt 1560", FlowRecord{PacketCount: 3, ByteCount: 1560}.String())
}

func TestFlowKeyDirectional(t *testing.T) {
	key := testKey("10.0.0.1", "10.0.3.1", ProtocolUDP, 49153, 7)
	rev := key.Reverse()
	assert.NotEqual(t, key, rev)
	assert.Equal(t, key, rev.Reverse())

	ft := CreateFlowTable()
	ft.Account(key, 100)
	ft.Account(rev, 100)
	assert.Equal(t, 2, ft.Len())
}

func TestFlowTableAccount(t *testing.T) {
	ft := CreateFlowTable()
	key := testKey("10.0.0.1", "10.0.3.1", ProtocolUDP, 49153, 7)

	_, present := ft.Lookup(key)
	assert.False(t, present)

	ft.Account(key, 520)
	ft.Account(key, 300)
	rec, present := ft.Lookup(key)
	require.True(t, present)
	assert.Equal(t, FlowRecord{PacketCount: 2, ByteCount: 820}, rec)

	// Lookup hands out copies
	rec.PacketCount = 100
	rec, _ = ft.Lookup(key)
	assert.Equal(t, uint64(2), rec.PacketCount)
}

func TestFlowTableOrder(t *testing.T) {
	keys := []FlowKey{
		testKey("10.0.1.1", "10.0.0.1", ProtocolUDP, 1, 1),
		testKey("10.0.0.1", "10.0.3.1", ProtocolUDP, 49153, 8),
		testKey("10.0.0.1", "10.0.3.1", ProtocolTCP, 49153, 9),
		testKey("10.0.0.1", "10.0.3.1", ProtocolUDP, 49153, 7),
		testKey("10.0.0.1", "10.0.2.1", ProtocolUDP, 50000, 7),
		testKey("10.0.0.1", "10.0.3.1", ProtocolUDP, 49152, 100),
	}
	ft := CreateFlowTable()
	for _, key := range keys {
		ft.Account(key, 1)
	}

	expected := []FlowKey{
		testKey("10.0.0.1", "10.0.2.1", ProtocolUDP, 50000, 7),
		testKey("10.0.0.1", "10.0.3.1", ProtocolTCP, 49153, 9),
		testKey("10.0.0.1", "10.0.3.1", ProtocolUDP, 49152, 100),
		testKey("10.0.0.1", "10.0.3.1", ProtocolUDP, 49153, 7),
		testKey("10.0.0.1", "10.0.3.1", ProtocolUDP, 49153, 8),
		testKey("10.0.1.1", "10.0.0.1", ProtocolUDP, 1, 1),
	}
	assert.Equal(t, expected, ft.Keys())

	entries := ft.Entries()
	require.Len(t, entries, len(expected))
	for idx, entry := range entries {
		assert.Equal(t, expected[idx], entry.Key)
		assert.Equal(t, FlowRecord{PacketCount: 1, ByteCount: 1}, entry.Record)
	}
}
