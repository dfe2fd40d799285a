package neoflow

// flowkey.go holds the canonical identity of a flow, the counters kept
// for it, and the table that maps one to the other

import (
	"fmt"
	"net/netip"

	"golang.org/x/exp/slices"
)

// Protocol is the IP protocol number carried in the network header
type Protocol uint8

const (
	ProtocolTCP Protocol = 6
	ProtocolUDP Protocol = 17
)

// String gives the name used in report files
func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	}
	return fmt.Sprintf("PROTO%d", uint8(p))
}

// Supported is true for the transport protocols a probe can account for
func (p Protocol) Supported() bool {
	return p == ProtocolTCP || p == ProtocolUDP
}

// FlowKey is the 5-tuple identity of a flow.  It is a comparable value, so equality
// is field-wise, and it is directional: the reverse direction of a conversation
// is a different key.
type FlowKey struct {
	SrcAddr  netip.Addr
	DstAddr  netip.Addr
	Protocol Protocol
	SrcPort  uint16
	DstPort  uint16
}

// String renders the key as "<src> <dst> <PROTO> <sport> <dport>"
func (fk FlowKey) String() string {
	return fmt.Sprintf("%s %s %s %d %d", fk.SrcAddr, fk.DstAddr, fk.Protocol, fk.SrcPort, fk.DstPort)
}

// Reverse returns the key of the opposite direction
func (fk FlowKey) Reverse() FlowKey {
	return FlowKey{SrcAddr: fk.DstAddr, DstAddr: fk.SrcAddr, Protocol: fk.Protocol,
		SrcPort: fk.DstPort, DstPort: fk.SrcPort}
}

// compareFlowKeys orders keys by source address, destination address,
// protocol, source port and destination port
func compareFlowKeys(a, b FlowKey) int {
	if c := a.SrcAddr.Compare(b.SrcAddr); c != 0 {
		return c
	}
	if c := a.DstAddr.Compare(b.DstAddr); c != 0 {
		return c
	}
	if a.Protocol != b.Protocol {
		return int(a.Protocol) - int(b.Protocol)
	}
	if a.SrcPort != b.SrcPort {
		return int(a.SrcPort) - int(b.SrcPort)
	}
	return int(a.DstPort) - int(b.DstPort)
}

// FlowRecord holds the cumulative counters of one flow
type FlowRecord struct {
	PacketCount uint64
	ByteCount   uint64
}

// String renders the record as "PckCnt <n> ByteCnt <n>"
func (fr FlowRecord) String() string {
	return fmt.Sprintf("PckCnt %d ByteCnt %d", fr.PacketCount, fr.ByteCount)
}

// FlowTable maps flow identities to their counters. Entries are created on the
// first packet of a flow and afterwards are only ever incremented.
type FlowTable struct {
	flows map[FlowKey]*FlowRecord
}

// CreateFlowTable is a constructor
func CreateFlowTable() *FlowTable {
	ft := new(FlowTable)
	ft.flows = make(map[FlowKey]*FlowRecord)
	return ft
}

// Account adds one packet of the given size to the flow's record,
// creating a zero-valued record first if the flow is new
func (ft *FlowTable) Account(key FlowKey, bytes int) *FlowRecord {
	rec, present := ft.flows[key]
	if !present {
		rec = new(FlowRecord)
		ft.flows[key] = rec
	}
	rec.PacketCount += 1
	rec.ByteCount += uint64(bytes)
	return rec
}

// Lookup returns a copy of the record for key, if there is one
func (ft *FlowTable) Lookup(key FlowKey) (FlowRecord, bool) {
	rec, present := ft.flows[key]
	if !present {
		return FlowRecord{}, false
	}
	return *rec, true
}

// Len is the number of distinct flows seen
func (ft *FlowTable) Len() int {
	return len(ft.flows)
}

// Keys returns every key in the table in export order
func (ft *FlowTable) Keys() []FlowKey {
	keys := make([]FlowKey, 0, len(ft.flows))
	for key := range ft.flows {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, compareFlowKeys)
	return keys
}

// Entries returns (key, record) pairs in export order.  The records are copies.
func (ft *FlowTable) Entries() []FlowEntry {
	keys := ft.Keys()
	entries := make([]FlowEntry, len(keys))
	for idx, key := range keys {
		entries[idx] = FlowEntry{Key: key, Record: *ft.flows[key]}
	}
	return entries
}

// FlowEntry pairs a key with a snapshot of its counters
type FlowEntry struct {
	Key    FlowKey
	Record FlowRecord
}
