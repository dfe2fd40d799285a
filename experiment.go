package neoflow

// experiment.go has code that builds the data structures of an experiment from
// its configuration, runs the simulation, and writes the results

import (
	"fmt"
	"os"

	"github.com/iti/evt/evtm"
	"k8s.io/klog/v2"
)

// Experiment holds everything one run needs
type Experiment struct {
	cfg       *Config
	evtMgr    *evtm.EventManager
	topo      *TopoCfg
	net       *Network
	transport *Transport
	gen       *FlowGenerator
	probes    []Probe
	traceMgr  *TraceManager
	stopTime  float64
	ran       bool
}

// BuildExperiment validates the configuration and assembles the network, the
// transport, the traffic generator and the probes.  Nothing is scheduled yet.
func BuildExperiment(cfg *Config) (*Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	useNanosecondClock()
	xp := new(Experiment)
	xp.cfg = cfg
	xp.evtMgr = evtm.New()
	xp.traceMgr = CreateTraceManager(cfg.Simulation.Name, cfg.Simulation.TraceFile != "")
	xp.topo = CreateFatTreeCfg(cfg.Simulation.Name, &cfg.Topology)

	var err error
	xp.net, err = CreateNetwork(xp.topo, &cfg.Topology, xp.traceMgr)
	if err != nil {
		return nil, fmt.Errorf("building network: %w", err)
	}
	if cfg.Topology.PrintRoutes {
		if err := xp.net.PrintRoutingTables(os.Stdout); err != nil {
			return nil, err
		}
	}

	gc := &cfg.Generator
	xp.transport = CreateTransport(xp.evtMgr, xp.net, gc.PacketSize, gc.MaxBytes)
	xp.gen, err = CreateFlowGenerator(gc, xp.net.Pods(), xp.transport)
	if err != nil {
		return nil, err
	}

	if err := xp.attachProbes(&cfg.Probes); err != nil {
		xp.Close()
		return nil, err
	}

	// unless told otherwise, run the traffic plan and then one more interval to drain the network
	xp.stopTime = cfg.Simulation.StopTime.Seconds()
	if !(xp.stopTime > 0.0) {
		xp.stopTime = float64(gc.VirtualIntervals+1) * gc.IntervalTime.Seconds()
	}

	klog.InfoS("Experiment built", "name", cfg.Simulation.Name, "hosts", len(xp.topo.Hosts),
		"switches", len(xp.topo.Switches), "probes", len(xp.probes), "stopTime", xp.stopTime)
	return xp, nil
}

// attachProbes puts a probe on every named node, or on every switch when none are named
func (xp *Experiment) attachProbes(pc *ProbeConfig) error {
	if pc.Strategy == StrategyNone {
		return nil
	}
	nodes := xp.net.Switches()
	if len(pc.Nodes) > 0 {
		nodes = make([]*Node, 0, len(pc.Nodes))
		for _, name := range pc.Nodes {
			node, present := xp.net.NodeByName(name)
			if !present {
				return fmt.Errorf("%w: no node named %s to probe", ErrInvalidConfig, name)
			}
			nodes = append(nodes, node)
		}
	}
	for _, node := range nodes {
		probe, err := AttachProbe(node, pc)
		if err != nil {
			return err
		}
		xp.probes = append(xp.probes, probe)
	}
	return nil
}

// Network returns the simulated network
func (xp *Experiment) Network() *Network {
	return xp.net
}

// Generator returns the traffic generator
func (xp *Experiment) Generator() *FlowGenerator {
	return xp.gen
}

// Transport returns the transport the generator installs flows on
func (xp *Experiment) Transport() *Transport {
	return xp.transport
}

// Probes returns the attached probes, in node id order unless nodes were named
func (xp *Experiment) Probes() []Probe {
	return xp.probes
}

// Run starts the traffic generator, runs the simulation to its stop time and writes
// the reports.  A fatal condition raised while the simulation runs (an unsupported
// protocol at a probe, an exhausted port space) ends the run and is returned.
func (xp *Experiment) Run() (err error) {
	if xp.ran {
		return fmt.Errorf("experiment %s has already run", xp.cfg.Simulation.Name)
	}
	xp.ran = true

	if err := xp.simulate(); err != nil {
		klog.ErrorS(err, "Run aborted", "name", xp.cfg.Simulation.Name)
		return err
	}

	sent, delivered, expired := xp.net.Stats()
	stats := xp.transport.Stats()
	klog.InfoS("Run complete", "flows", stats.Flows, "skippedFlows", stats.Skipped, "packetsSent", sent,
		"packetsDelivered", delivered, "ttlExpired", expired, "rxBytes", stats.RxBytes)

	_, err = xp.WriteResults()
	return err
}

// simulate runs the event loop, turning a panic raised by an event handler into an error
func (xp *Experiment) simulate() (err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok {
				err = fmt.Errorf("simulation aborted: %w", rerr)
			} else {
				err = fmt.Errorf("simulation aborted: %v", r)
			}
		}
	}()
	xp.gen.Start(xp.evtMgr)
	xp.evtMgr.Run(xp.stopTime)
	return nil
}

// WriteResults exports the report of every probe, the FlowRadar measurements, the
// trace and the topology description, and returns the names of the files written
func (xp *Experiment) WriteResults() ([]string, error) {
	files := make([]string, 0, len(xp.probes))
	pc := &xp.cfg.Probes
	if len(xp.probes) > 0 {
		if err := os.MkdirAll(pc.ReportDir, 0755); err != nil {
			return nil, err
		}
	}
	for _, probe := range xp.probes {
		filename, err := probe.Export(pc.ReportDir, pc.ReportSuffix)
		if err != nil {
			return files, err
		}
		files = append(files, filename)

		if frp, ok := probe.(*FlowRadarProbe); ok {
			filename, err = frp.ExportMeasurement(pc.ReportDir, "radar-"+pc.ReportSuffix)
			if err != nil {
				return files, err
			}
			files = append(files, filename)
		}
	}

	if sc := &xp.cfg.Simulation; sc.TraceFile != "" {
		if _, err := xp.traceMgr.WriteToFile(sc.TraceFile); err != nil {
			return files, err
		}
		files = append(files, sc.TraceFile)
	}
	if sc := &xp.cfg.Simulation; sc.TopologyFile != "" {
		if err := xp.topo.WriteToFile(sc.TopologyFile); err != nil {
			return files, err
		}
		files = append(files, sc.TopologyFile)
	}
	klog.V(1).InfoS("Results written", "files", len(files), "dir", pc.ReportDir)
	return files, nil
}

// Close detaches every probe
func (xp *Experiment) Close() {
	for _, probe := range xp.probes {
		probe.Close()
	}
}
