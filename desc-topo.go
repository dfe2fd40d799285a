package neoflow

// desc-topo.go holds the pointer-free description of a fat-tree network.
// The description is what gets written out (and read back) as yaml or json;
// net.go turns it into the run-time structures the simulation moves packets through.

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// device tiers of a fat-tree
const (
	HostTier = "host"
	EdgeTier = "edge"
	CoreTier = "core"
)

// HostDesc describes an end host.  Pod and Index locate it in the fat-tree,
// Addr is the address of its (only) interface.
type HostDesc struct {
	Name  string `json:"name" yaml:"name"`
	ID    int    `json:"id" yaml:"id"`
	Pod   int    `json:"pod" yaml:"pod"`
	Index int    `json:"index" yaml:"index"`
	Addr  string `json:"addr" yaml:"addr"`
}

// SwitchDesc describes an edge or core switch. Pod is -1 for core switches.
type SwitchDesc struct {
	Name string `json:"name" yaml:"name"`
	ID   int    `json:"id" yaml:"id"`
	Tier string `json:"tier" yaml:"tier"`
	Pod  int    `json:"pod" yaml:"pod"`
}

// LinkDesc describes a point-to-point link.  Each link is its own /24 network;
// Ends[0] gets host address .1 and Ends[1] gets .2
type LinkDesc struct {
	Network   string        `json:"network" yaml:"network"`
	Ends      [2]string     `json:"ends" yaml:"ends"`
	Addrs     [2]string     `json:"addrs" yaml:"addrs"`
	Bandwidth DataRate      `json:"bandwidth" yaml:"bandwidth"`
	Latency   time.Duration `json:"latency" yaml:"latency"`
}

// TopoCfg is the complete description of a fat-tree
type TopoCfg struct {
	Name        string       `json:"name" yaml:"name"`
	NumPods     int          `json:"numpods" yaml:"numpods"`
	HostsPerPod int          `json:"hostsperpod" yaml:"hostsperpod"`
	NumCores    int          `json:"numcores" yaml:"numcores"`
	Hosts       []HostDesc   `json:"hosts" yaml:"hosts"`
	Switches    []SwitchDesc `json:"switches" yaml:"switches"`
	Links       []LinkDesc   `json:"links" yaml:"links"`
}

// HostName gives the default name of the host at (pod, index)
func HostName(pod, index int) string {
	return fmt.Sprintf("host-%d-%d", pod, index)
}

// EdgeName gives the default name of the edge switch of a pod
func EdgeName(pod int) string {
	return fmt.Sprintf("edge-%d", pod)
}

// CoreName gives the default name of a core switch
func CoreName(idx int) string {
	return fmt.Sprintf("core-%d", idx)
}

// maxLinks is the number of /24 link networks there are in 10.0.0.0/8
const maxLinks = 1 << 16

// linkNetwork returns the prefix of the n-th link network, counting up from 10.0.0.0/24
// one /24 at a time.  n must be below maxLinks.
func linkNetwork(n int) netip.Prefix {
	addr := netip.AddrFrom4([4]byte{10, byte((n >> 8) & 0xff), byte(n & 0xff), 0})
	return netip.PrefixFrom(addr, 24)
}

// CreateFatTreeCfg builds the description of a fat-tree with numPods pods of hostsPerPod
// hosts each.  Every host has a link to its pod's edge switch, every edge switch
// has a link to every core switch.  Device ids follow creation order: hosts pod by
// pod, then edge switches, then core switches.
func CreateFatTreeCfg(name string, tc *TopologyConfig) *TopoCfg {
	cfg := new(TopoCfg)
	cfg.Name = name
	cfg.NumPods = tc.NumPods
	cfg.HostsPerPod = tc.HostsPerPod
	cfg.NumCores = tc.NumCores
	cfg.Hosts = make([]HostDesc, 0, tc.NumPods*tc.HostsPerPod)
	cfg.Switches = make([]SwitchDesc, 0, tc.NumPods+tc.NumCores)
	cfg.Links = make([]LinkDesc, 0, tc.NumPods*(tc.HostsPerPod+tc.NumCores))

	id := 0
	for pod := 0; pod < tc.NumPods; pod++ {
		for idx := 0; idx < tc.HostsPerPod; idx++ {
			cfg.Hosts = append(cfg.Hosts, HostDesc{Name: HostName(pod, idx), ID: id, Pod: pod, Index: idx})
			id += 1
		}
	}
	for pod := 0; pod < tc.NumPods; pod++ {
		cfg.Switches = append(cfg.Switches, SwitchDesc{Name: EdgeName(pod), ID: id, Tier: EdgeTier, Pod: pod})
		id += 1
	}
	for core := 0; core < tc.NumCores; core++ {
		cfg.Switches = append(cfg.Switches, SwitchDesc{Name: CoreName(core), ID: id, Tier: CoreTier, Pod: -1})
		id += 1
	}

	// links are numbered pod by pod, the host links first then the uplinks,
	// so that addresses come out the same way regardless of core count
	hostIdx := 0
	for pod := 0; pod < tc.NumPods; pod++ {
		for idx := 0; idx < tc.HostsPerPod; idx++ {
			link := cfg.addLink(HostName(pod, idx), EdgeName(pod), tc.LinkRate, tc.LinkDelay)
			cfg.Hosts[hostIdx].Addr = link.Addrs[0]
			hostIdx += 1
		}
		for core := 0; core < tc.NumCores; core++ {
			cfg.addLink(EdgeName(pod), CoreName(core), tc.CoreLinkRate, tc.LinkDelay)
		}
	}
	return cfg
}

// addLink appends a link on the next free /24
func (cfg *TopoCfg) addLink(end0, end1 string, bndwdth DataRate, latency time.Duration) *LinkDesc {
	prefix := linkNetwork(len(cfg.Links))
	first := prefix.Addr().Next()
	second := first.Next()
	cfg.Links = append(cfg.Links, LinkDesc{
		Network:   prefix.String(),
		Ends:      [2]string{end0, end1},
		Addrs:     [2]string{first.String(), second.String()},
		Bandwidth: bndwdth,
		Latency:   latency,
	})
	return &cfg.Links[len(cfg.Links)-1]
}

// WriteToFile serializes the TopoCfg and writes to the file whose name is given as an input argument.
// Extension of the file name selects whether serialization is to json or to yaml format.
func (cfg *TopoCfg) WriteToFile(filename string) error {
	return writeDocument(filename, cfg)
}

// ReadTopoCfg deserializes a slice of bytes into a TopoCfg.  If the input arg of bytes
// is empty, the file whose name is given as an argument is read.
func ReadTopoCfg(filename string, useYAML bool, dict []byte) (*TopoCfg, error) {
	var err error

	// read from the file only if the byte slice is empty
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("topology description %s: %w", filename, err)
		}
	}
	example := TopoCfg{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, err
	}
	return &example, nil
}

// isYAMLFile and isJSONFile classify a file name by its extension
func isYAMLFile(filename string) bool {
	pathExt := strings.ToLower(path.Ext(filename))
	return pathExt == ".yaml" || pathExt == ".yml"
}

func isJSONFile(filename string) bool {
	return strings.ToLower(path.Ext(filename)) == ".json"
}

// writeDocument serializes v to json or yaml, chosen by the extension of filename,
// and writes the result to that file
func writeDocument(filename string, v any) error {
	var bytes []byte
	var merr error

	switch {
	case isYAMLFile(filename):
		bytes, merr = yaml.Marshal(v)
	case isJSONFile(filename):
		bytes, merr = json.MarshalIndent(v, "", "\t")
	default:
		return fmt.Errorf("%s: extension must be one of .yaml, .yml or .json", filename)
	}
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0644)
}
