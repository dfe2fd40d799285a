package neoflow

// config.go holds the experiment configuration: the fat-tree to build, the traffic to
// generate over it, where to put probes, and how long to run.  A configuration is
// read from a yaml file; anything the file leaves out keeps its default.

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// generator modes
const (
	ModeMixed    = "mixed"
	ModeAllPairs = "all-pairs"
)

// probe strategies
const (
	StrategyFlowMap   = "flowmap"
	StrategyFlowRadar = "flowradar"
	StrategyNone      = "none"
)

// TopologyConfig describes the fat-tree
type TopologyConfig struct {
	NumPods      int           `yaml:"num_pods"`
	HostsPerPod  int           `yaml:"hosts_per_pod"`
	NumCores     int           `yaml:"num_cores"`
	LinkRate     DataRate      `yaml:"link_rate"`
	CoreLinkRate DataRate      `yaml:"core_link_rate"`
	LinkDelay    time.Duration `yaml:"link_delay"`
	// service time of a switch for one packet; zero forwards without queueing
	SwitchDelay time.Duration `yaml:"switch_delay"`
	SwitchCores int           `yaml:"switch_cores"`
	// print the forwarding table of every node once the network is built
	PrintRoutes bool `yaml:"print_routes"`
}

// GeneratorConfig describes the synthetic traffic
type GeneratorConfig struct {
	Mode                   string        `yaml:"mode"`
	ExpectedFlowsPerSwitch int           `yaml:"expected_flows_per_switch"`
	IntervalTime           time.Duration `yaml:"interval_time"`
	DataRate               DataRate      `yaml:"data_rate"`
	VirtualIntervals       int           `yaml:"virtual_intervals"`
	PacketSize             int           `yaml:"packet_size"`
	// MaxBytes caps what each sender transmits; zero means no cap
	MaxBytes uint64 `yaml:"max_bytes"`
	// Seed names the random number stream the generator draws from
	Seed string `yaml:"seed"`
}

// FlowRadarConfig sizes the FlowRadar encoding
type FlowRadarConfig struct {
	FilterBits   int `yaml:"filter_bits"`
	FilterHashes int `yaml:"filter_hashes"`
	Cells        int `yaml:"cells"`
	CellHashes   int `yaml:"cell_hashes"`
}

// ProbeConfig says which nodes carry probes and where their reports go
type ProbeConfig struct {
	Strategy string `yaml:"strategy"`
	// names of the nodes to probe; empty means every switch
	Nodes        []string        `yaml:"nodes"`
	ReportDir    string          `yaml:"report_dir"`
	ReportSuffix string          `yaml:"report_suffix"`
	FlowRadar    FlowRadarConfig `yaml:"flowradar"`
}

// SimulationConfig bounds the run and names its optional outputs
type SimulationConfig struct {
	Name string `yaml:"name"`
	// StopTime ends the run; zero runs the traffic plan plus one interval
	StopTime     time.Duration `yaml:"stop_time"`
	TraceFile    string        `yaml:"trace_file"`
	TopologyFile string        `yaml:"topology_file"`
}

// Config is the top-level configuration of an experiment
type Config struct {
	Topology   TopologyConfig   `yaml:"topology"`
	Generator  GeneratorConfig  `yaml:"generator"`
	Probes     ProbeConfig      `yaml:"probes"`
	Simulation SimulationConfig `yaml:"simulation"`
}

// DefaultConfig returns the configuration of the canonical experiment: eight pods of
// twenty hosts, 10Gbps links, a thousand flows per switch over one 50ms interval,
// flow-map probes on every switch
func DefaultConfig() *Config {
	return &Config{
		Topology: TopologyConfig{
			NumPods:      8,
			HostsPerPod:  20,
			NumCores:     1,
			LinkRate:     10 * Gbps,
			CoreLinkRate: 100 * Gbps,
			LinkDelay:    time.Microsecond,
			SwitchCores:  1,
		},
		Generator: GeneratorConfig{
			Mode:                   ModeMixed,
			ExpectedFlowsPerSwitch: 1000,
			IntervalTime:           50 * time.Millisecond,
			DataRate:               10 * Gbps,
			VirtualIntervals:       1,
			PacketSize:             512,
			Seed:                   "neoflow",
		},
		Probes: ProbeConfig{
			Strategy:     StrategyFlowMap,
			ReportDir:    ".",
			ReportSuffix: "flowstats.txt",
			FlowRadar: FlowRadarConfig{
				FilterBits:   1 << 16,
				FilterHashes: 4,
				Cells:        4096,
				CellHashes:   3,
			},
		},
		Simulation: SimulationConfig{
			Name: "neoflow",
		},
	}
}

// LoadConfig reads the configuration from a YAML file.  Fields the file does not
// set keep the values of DefaultConfig.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem with the configuration, each wrapping ErrInvalidConfig.
// Nothing is built or scheduled from a configuration that fails validation.
func (cfg *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
	}

	tc := &cfg.Topology
	if tc.NumPods < 2 {
		invalid("topology needs at least 2 pods, has %d", tc.NumPods)
	}
	if tc.HostsPerPod < 2 {
		invalid("topology needs at least 2 hosts per pod, has %d", tc.HostsPerPod)
	}
	if tc.NumCores < 1 {
		invalid("topology needs at least 1 core switch, has %d", tc.NumCores)
	}
	if tc.LinkRate == 0 || tc.CoreLinkRate == 0 {
		invalid("link rates must be positive")
	}
	if tc.LinkDelay < 0 || tc.SwitchDelay < 0 {
		invalid("delays must not be negative")
	}
	for _, rate := range []DataRate{tc.LinkRate, tc.CoreLinkRate} {
		if rate > 0 && rate.TxTime(minDatagramLen) < tickSeconds {
			invalid("link rate %s sends a packet in under a clock tick", rate)
		}
	}
	if links := tc.NumPods * (tc.HostsPerPod + tc.NumCores); links > maxLinks {
		invalid("topology needs %d links, at most %d can be addressed", links, maxLinks)
	}

	gc := &cfg.Generator
	switch gc.Mode {
	case ModeMixed, ModeAllPairs:
	default:
		invalid("unknown generator mode %q", gc.Mode)
	}
	if gc.ExpectedFlowsPerSwitch < 0 {
		invalid("expected flows per switch must not be negative, is %d", gc.ExpectedFlowsPerSwitch)
	}
	if gc.IntervalTime <= 0 {
		invalid("interval time must be positive, is %s", gc.IntervalTime)
	}
	if gc.DataRate == 0 {
		invalid("host data rate must be positive")
	}
	if gc.VirtualIntervals < 1 {
		invalid("at least 1 virtual interval is needed, have %d", gc.VirtualIntervals)
	}
	if gc.PacketSize < 1 || gc.PacketSize > maxUDPData {
		invalid("packet size %d is outside [1,%d]", gc.PacketSize, maxUDPData)
	} else if gc.DataRate > 0 {
		// a lone elephant may draw up to ten times 80% of the host rate
		if gap := packetGap(gc.PacketSize, 8*gc.DataRate.BitRate()); gap < tickSeconds {
			invalid("host data rate %s can draw flows sending in under a clock tick", gc.DataRate)
		}
	}

	pc := &cfg.Probes
	switch pc.Strategy {
	case StrategyFlowMap, StrategyNone:
	case StrategyFlowRadar:
		fr := &pc.FlowRadar
		if fr.FilterBits < 1 || fr.FilterHashes < 1 || fr.Cells < 1 || fr.CellHashes < 1 {
			invalid("flowradar sizes must be positive")
		}
	default:
		invalid("unknown probe strategy %q", pc.Strategy)
	}
	if pc.Strategy != StrategyNone && pc.ReportSuffix == "" {
		invalid("report suffix must not be empty")
	}

	if cfg.Simulation.StopTime < 0 {
		invalid("stop time must not be negative")
	}
	return errors.Join(errs...)
}
