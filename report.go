package neoflow

// report.go writes and reads the per-node flow reports.  The text layout is
//
//	TotalFlowCnt <n>
//	<src> <dst> <PROTO> <sport> <dport> PckCnt <n> ByteCnt <n>
//	...
//
// with flows in export order.  A file name ending in .yaml, .yml or .json gets
// the same content as a structured document instead.

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FlowReportEntry is one flow of a structured report
type FlowReportEntry struct {
	Src         string `json:"src" yaml:"src"`
	Dst         string `json:"dst" yaml:"dst"`
	Protocol    string `json:"protocol" yaml:"protocol"`
	SrcPort     uint16 `json:"sport" yaml:"sport"`
	DstPort     uint16 `json:"dport" yaml:"dport"`
	PacketCount uint64 `json:"pckcnt" yaml:"pckcnt"`
	ByteCount   uint64 `json:"bytecnt" yaml:"bytecnt"`
}

// FlowReport is the structured form of a node's report
type FlowReport struct {
	Node         string            `json:"node" yaml:"node"`
	NodeID       int               `json:"nodeid" yaml:"nodeid"`
	TotalFlowCnt int               `json:"totalflowcnt" yaml:"totalflowcnt"`
	Flows        []FlowReportEntry `json:"flows" yaml:"flows"`
}

// writeFlowReport writes the entries of node's table to filename
func writeFlowReport(filename string, node *Node, entries []FlowEntry) error {
	if isYAMLFile(filename) || isJSONFile(filename) {
		rpt := FlowReport{Node: node.Name(), NodeID: node.ID(), TotalFlowCnt: len(entries),
			Flows: make([]FlowReportEntry, len(entries))}
		for idx, entry := range entries {
			rpt.Flows[idx] = FlowReportEntry{
				Src:         entry.Key.SrcAddr.String(),
				Dst:         entry.Key.DstAddr.String(),
				Protocol:    entry.Key.Protocol.String(),
				SrcPort:     entry.Key.SrcPort,
				DstPort:     entry.Key.DstPort,
				PacketCount: entry.Record.PacketCount,
				ByteCount:   entry.Record.ByteCount,
			}
		}
		return writeDocument(filename, &rpt)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "TotalFlowCnt %d\n", len(entries))
	for _, entry := range entries {
		fmt.Fprintf(&buf, "%s %s\n", entry.Key, entry.Record)
	}
	if err := os.WriteFile(filename, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing report of %s: %w", node.Name(), err)
	}
	return nil
}

// ReadFlowReport reads back a text report
func ReadFlowReport(filename string) ([]FlowEntry, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, fmt.Errorf("%s: empty report", filename)
	}
	var total int
	if _, err := fmt.Sscanf(scanner.Text(), "TotalFlowCnt %d", &total); err != nil {
		return nil, fmt.Errorf("%s: bad first line: %w", filename, err)
	}

	entries := make([]FlowEntry, 0, total)
	for lineNo := 2; scanner.Scan(); lineNo++ {
		entry, err := parseReportLine(scanner.Text())
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", filename, lineNo, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(entries) != total {
		return nil, fmt.Errorf("%s: TotalFlowCnt %d but %d flows listed", filename, total, len(entries))
	}
	return entries, nil
}

// ReadFlowReportDocument reads back a yaml or json report
func ReadFlowReportDocument(filename string) (*FlowReport, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	rpt := new(FlowReport)
	if isJSONFile(filename) {
		err = json.Unmarshal(data, rpt)
	} else {
		err = yaml.Unmarshal(data, rpt)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return rpt, nil
}

// parseReportLine reads "<src> <dst> <PROTO> <sport> <dport> PckCnt <n> ByteCnt <n>"
func parseReportLine(line string) (FlowEntry, error) {
	fields := strings.Fields(line)
	if len(fields) != 9 || fields[5] != "PckCnt" || fields[7] != "ByteCnt" {
		return FlowEntry{}, fmt.Errorf("malformed flow line %q", line)
	}
	var entry FlowEntry
	var err error
	if entry.Key.SrcAddr, err = netip.ParseAddr(fields[0]); err != nil {
		return FlowEntry{}, err
	}
	if entry.Key.DstAddr, err = netip.ParseAddr(fields[1]); err != nil {
		return FlowEntry{}, err
	}
	switch fields[2] {
	case "UDP":
		entry.Key.Protocol = ProtocolUDP
	case "TCP":
		entry.Key.Protocol = ProtocolTCP
	default:
		return FlowEntry{}, fmt.Errorf("protocol %s: %w", fields[2], ErrUnsupportedProtocol)
	}
	ports := [2]*uint16{&entry.Key.SrcPort, &entry.Key.DstPort}
	for idx, port := range ports {
		v, err := strconv.ParseUint(fields[3+idx], 10, 16)
		if err != nil {
			return FlowEntry{}, err
		}
		*port = uint16(v)
	}
	if entry.Record.PacketCount, err = strconv.ParseUint(fields[6], 10, 64); err != nil {
		return FlowEntry{}, err
	}
	if entry.Record.ByteCount, err = strconv.ParseUint(fields[8], 10, 64); err != nil {
		return FlowEntry{}, err
	}
	return entry, nil
}
