package neoflow

// flowradar.go holds the FlowRadar probe.  Next to the exact flow table it keeps
// the reduced-memory encoding a switch would keep in hardware: a bloom filter
// that recognizes flows already seen, and a counting table of cells into which
// every flow is XOR-ed (in cellHashes cells, one per partition of the table) and
// whose packet and byte counters every packet of the flow adds to.  Decoding
// repeatedly finds a cell holding a single flow, reads that flow's counters
// from it, and removes the flow from its other cells.

import (
	"encoding/binary"
	"hash/fnv"
	"net/netip"

	"github.com/google/gopacket/layers"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"
)

// flowIDLen is the length of an encoded flow key: two 16 byte addresses,
// the protocol and two ports
const flowIDLen = 16 + 16 + 1 + 2 + 2

type flowID [flowIDLen]byte

// seeds of the cell hashes are offset from those of the filter hashes
const cellSeedBase = 1 << 16

func encodeFlowKey(key FlowKey) flowID {
	var id flowID
	src := key.SrcAddr.As16()
	dst := key.DstAddr.As16()
	copy(id[0:16], src[:])
	copy(id[16:32], dst[:])
	id[32] = byte(key.Protocol)
	binary.BigEndian.PutUint16(id[33:35], key.SrcPort)
	binary.BigEndian.PutUint16(id[35:37], key.DstPort)
	return id
}

func decodeFlowID(id flowID) FlowKey {
	var key FlowKey
	key.SrcAddr = netip.AddrFrom16([16]byte(id[0:16])).Unmap()
	key.DstAddr = netip.AddrFrom16([16]byte(id[16:32])).Unmap()
	key.Protocol = Protocol(id[32])
	key.SrcPort = binary.BigEndian.Uint16(id[33:35])
	key.DstPort = binary.BigEndian.Uint16(id[35:37])
	return key
}

// hashFlowID is FNV-1a over the seed followed by the flow id
func hashFlowID(id flowID, seed uint32) uint64 {
	var sb [4]byte
	binary.BigEndian.PutUint32(sb[:], seed)
	h := fnv.New64a()
	h.Write(sb[:])
	h.Write(id[:])
	return h.Sum64()
}

// frCell is one cell of the counting table
type frCell struct {
	FlowXOR     flowID
	FlowCount   int
	PacketCount uint64
	ByteCount   uint64
}

// FlowRadarProbe accounts for flows both exactly and in a FlowRadar encoding
type FlowRadarProbe struct {
	probeBase
	filter       []uint64
	filterBits   int
	filterHashes int
	cells        []frCell
	cellHashes   int
	partSize     int
	encoded      int
}

// AttachFlowRadarProbe creates a FlowRadarProbe sized by fc and subscribes it to node's forwarding
func AttachFlowRadarProbe(node *Node, fc *FlowRadarConfig) (*FlowRadarProbe, error) {
	frp := new(FlowRadarProbe)
	frp.node = node
	frp.table = CreateFlowTable()

	frp.filterBits = max(fc.FilterBits, 1)
	frp.filterHashes = max(fc.FilterHashes, 1)
	frp.filter = make([]uint64, (frp.filterBits+63)/64)

	frp.cellHashes = max(fc.CellHashes, 1)
	frp.partSize = max(fc.Cells/frp.cellHashes, 1)
	frp.cells = make([]frCell, frp.partSize*frp.cellHashes)

	if err := frp.attach(frp.OnForward); err != nil {
		return nil, err
	}
	return frp, nil
}

// OnForward adds the packet to the exact table and to the encoding
func (frp *FlowRadarProbe) OnForward(hdr *layers.IPv4, payload []byte, ingress int) error {
	key, err := flowKeyOf(hdr, payload)
	if err != nil {
		return err
	}
	frp.table.Account(key, len(payload))

	id := encodeFlowKey(key)
	if !frp.testAndSet(id) {
		frp.encoded += 1
		for idx := 0; idx < frp.cellHashes; idx++ {
			cell := &frp.cells[frp.cellIndex(id, idx)]
			xorFlowID(&cell.FlowXOR, &id)
			cell.FlowCount += 1
		}
	}
	for idx := 0; idx < frp.cellHashes; idx++ {
		cell := &frp.cells[frp.cellIndex(id, idx)]
		cell.PacketCount += 1
		cell.ByteCount += uint64(len(payload))
	}
	return nil
}

// testAndSet reports whether the filter already held id, and adds it
func (frp *FlowRadarProbe) testAndSet(id flowID) bool {
	present := true
	for idx := 0; idx < frp.filterHashes; idx++ {
		bit := hashFlowID(id, uint32(idx)) % uint64(frp.filterBits)
		word, mask := bit/64, uint64(1)<<(bit%64)
		if frp.filter[word]&mask == 0 {
			present = false
			frp.filter[word] |= mask
		}
	}
	return present
}

// cellIndex is the cell of id in partition part
func (frp *FlowRadarProbe) cellIndex(id flowID, part int) int {
	offset := hashFlowID(id, uint32(cellSeedBase+part)) % uint64(frp.partSize)
	return part*frp.partSize + int(offset)
}

func xorFlowID(dst, src *flowID) {
	for idx := range dst {
		dst[idx] ^= src[idx]
	}
}

// Encoded is the number of flows the filter took to be new
func (frp *FlowRadarProbe) Encoded() int {
	return frp.encoded
}

// Decode recovers flows and their counters from the counting table, in export order.
// The second return is the number of cells still holding flows once no cell with a
// single flow remains; when it is zero every encoded flow was recovered.
func (frp *FlowRadarProbe) Decode() ([]FlowEntry, int) {
	cells := make([]frCell, len(frp.cells))
	copy(cells, frp.cells)

	entries := make([]FlowEntry, 0)
	for progress := true; progress; {
		progress = false
		for cIdx := range cells {
			if cells[cIdx].FlowCount != 1 {
				continue
			}
			id := cells[cIdx].FlowXOR
			if !frp.holds(id, cIdx) {
				continue
			}
			pckts, bytes := cells[cIdx].PacketCount, cells[cIdx].ByteCount
			for part := 0; part < frp.cellHashes; part++ {
				cell := &cells[frp.cellIndex(id, part)]
				xorFlowID(&cell.FlowXOR, &id)
				cell.FlowCount -= 1
				cell.PacketCount -= pckts
				cell.ByteCount -= bytes
			}
			entries = append(entries, FlowEntry{Key: decodeFlowID(id),
				Record: FlowRecord{PacketCount: pckts, ByteCount: bytes}})
			progress = true
		}
	}

	remaining := 0
	for cIdx := range cells {
		if cells[cIdx].FlowCount != 0 {
			remaining += 1
		}
	}
	slices.SortFunc(entries, func(a, b FlowEntry) int {
		return compareFlowKeys(a.Key, b.Key)
	})
	return entries, remaining
}

// holds checks that id hashes to cell cIdx, which a corrupted pure cell would not
func (frp *FlowRadarProbe) holds(id flowID, cIdx int) bool {
	part := cIdx / frp.partSize
	return frp.cellIndex(id, part) == cIdx
}

// ExportMeasurement writes the decoded flows to <dir>/<nodeId>-<suffix>, in the
// same layout Export uses for the exact table
func (frp *FlowRadarProbe) ExportMeasurement(dir, suffix string) (string, error) {
	entries, remaining := frp.Decode()
	if remaining > 0 {
		klog.InfoS("FlowRadar decoding incomplete", "node", frp.node.Name(), "decoded", len(entries),
			"encoded", frp.encoded, "undecodedCells", remaining)
	}
	filename := reportFileName(dir, frp.node.ID(), suffix)
	if err := writeFlowReport(filename, frp.node, entries); err != nil {
		return "", err
	}
	return filename, nil
}
