package neoflow

// generator.go synthesizes the traffic of an experiment.  A target number of flows
// per switch is partitioned into flows that stay inside a pod and flows that cross
// to a pod in the opposite half of the fat-tree, spread evenly over the hosts and
// over a number of virtual intervals.  In every interval each host starts its share
// of flows, a fifth of them elephants and the rest mice, each at a bandwidth drawn
// from its class's bounded exponential distribution and at a start time jittered
// after the interval's start.  All of them stop at the interval's end.

import (
	"fmt"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
	"k8s.io/klog/v2"
)

// SizeClass selects the bandwidth distribution a flow draws from
type SizeClass int

const (
	Elephant SizeClass = iota
	Mouse
)

func (sc SizeClass) String() string {
	if sc == Elephant {
		return "elephant"
	}
	return "mouse"
}

// FlowSpec is what the generator hands the transport for one flow.  Start and Stop
// are absolute simulation times in seconds, Bandwidth is in bits per second.
type FlowSpec struct {
	Src       *Host
	Dst       *Host
	Bandwidth uint64
	Port      uint16
	Start     float64
	Stop      float64
	Class     SizeClass
}

// Partition holds the flow counts derived from the generator's configuration
type Partition struct {
	InterPodFlowsPerSwitch          int
	InterPodFlowsPerHost            int
	InterPodFlowsPerHostPerInterval int
	IntraPodFlowsPerSwitch          int
	IntraPodFlowsPerHost            int
	IntraPodFlowsPerHostPerInterval int
	// split of one host's flows over the whole run, which sets the class means
	ElephantsPerHost int
	MicePerHost      int
}

// ComputePartition derives the flow counts, all with integer division
func ComputePartition(numPods, hostsPerPod, target, intervals int) (Partition, error) {
	if numPods < 1 || hostsPerPod < 1 || intervals < 1 || target < 0 {
		return Partition{}, fmt.Errorf("%w: cannot partition %d flows over %d pods of %d hosts in %d intervals",
			ErrInvalidConfig, target, numPods, hostsPerPod, intervals)
	}
	var pt Partition
	pt.InterPodFlowsPerSwitch = target / numPods
	pt.InterPodFlowsPerHost = pt.InterPodFlowsPerSwitch / hostsPerPod
	pt.InterPodFlowsPerHostPerInterval = pt.InterPodFlowsPerHost / intervals
	pt.IntraPodFlowsPerSwitch = target - 2*pt.InterPodFlowsPerSwitch
	if pt.IntraPodFlowsPerSwitch < 0 {
		pt.IntraPodFlowsPerSwitch = 0
	}
	pt.IntraPodFlowsPerHost = pt.IntraPodFlowsPerSwitch / hostsPerPod
	pt.IntraPodFlowsPerHostPerInterval = pt.IntraPodFlowsPerHost / intervals

	// the class means spread a host's bandwidth over all of its flows, not one interval's
	total := pt.InterPodFlowsPerHost + pt.IntraPodFlowsPerHost
	pt.ElephantsPerHost = elephantCount(total)
	pt.MicePerHost = total * 8 / 10
	return pt, nil
}

// elephantCount is the number of the first n flows that are elephants
func elephantCount(n int) int {
	return n * 2 / 10
}

// InterPodSelector picks the destinations of one source host's inter-pod flows.
// A source in the lower half of the pods sends to the upper half and vice versa.
// Successive calls visit the opposite pods in turn, advancing a separate host
// cursor in each, so every opposite host is chosen once before any is chosen again.
type InterPodSelector struct {
	halfPods    int
	base        int
	hostsPerPod int
	nextPod     int
	nextHost    []int
}

// CreateInterPodSelector is a constructor
func CreateInterPodSelector(numPods, hostsPerPod, srcPod int) *InterPodSelector {
	sel := new(InterPodSelector)
	sel.halfPods = numPods / 2
	sel.hostsPerPod = hostsPerPod
	if srcPod < sel.halfPods {
		sel.base = sel.halfPods
	}
	sel.nextHost = make([]int, sel.halfPods)
	return sel
}

// Next returns the (pod, host) of the next destination
func (sel *InterPodSelector) Next() (int, int) {
	pod := sel.base + sel.nextPod
	host := sel.nextHost[sel.nextPod]
	sel.nextHost[sel.nextPod] = (host + 1) % sel.hostsPerPod
	sel.nextPod = (sel.nextPod + 1) % sel.halfPods
	return pod, host
}

// IntraPodSelector picks the destinations of one source host's intra-pod flows,
// round robin over the other hosts of its pod
type IntraPodSelector struct {
	hostsPerPod int
	src         int
	next        int
}

// CreateIntraPodSelector is a constructor
func CreateIntraPodSelector(hostsPerPod, srcHost int) *IntraPodSelector {
	return &IntraPodSelector{hostsPerPod: hostsPerPod, src: srcHost}
}

// Next returns the index of the next destination host, never the source
func (sel *IntraPodSelector) Next() int {
	if sel.next == sel.src {
		sel.next = (sel.next + 1) % sel.hostsPerPod
	}
	host := sel.next
	sel.next = (sel.next + 1) % sel.hostsPerPod
	return host
}

// all-pairs flows start at allPairsBase and each subsequent flow from the
// same source asks for allPairsStep more
const (
	allPairsBase = 100 * Kbps
	allPairsStep = 100
)

// FlowGenerator holds the state of the traffic generator for a whole run
type FlowGenerator struct {
	mode         string
	pods         [][]*Host
	hostsPerPod  int
	intervals    int
	intervalTime float64
	installer    FlowInstaller
	ports        *PortAllocator
	part         Partition

	rng         *rngstream.RngStream
	elephantBps *BoundedExp
	mouseBps    *BoundedExp
	jitter      *BoundedExp

	idx       int // next interval to generate
	elephants int
	mice      int
}

// CreateFlowGenerator checks that the pods and configuration can be partitioned
// and prepares the distributions.  Nothing is installed until Advance or Start.
func CreateFlowGenerator(gc *GeneratorConfig, pods [][]*Host, installer FlowInstaller) (*FlowGenerator, error) {
	if len(pods) < 2 {
		return nil, fmt.Errorf("%w: at least 2 pods are needed, have %d", ErrInvalidConfig, len(pods))
	}
	hostsPerPod := len(pods[0])
	for idx, pod := range pods {
		if len(pod) != hostsPerPod {
			return nil, fmt.Errorf("%w: pod %d has %d hosts, pod 0 has %d", ErrInvalidConfig, idx, len(pod), hostsPerPod)
		}
	}
	if hostsPerPod < 2 {
		return nil, fmt.Errorf("%w: at least 2 hosts per pod are needed, have %d", ErrInvalidConfig, hostsPerPod)
	}
	if gc.IntervalTime <= 0 {
		return nil, fmt.Errorf("%w: interval time must be positive", ErrInvalidConfig)
	}
	if gc.DataRate == 0 {
		return nil, fmt.Errorf("%w: host data rate must be positive", ErrInvalidConfig)
	}
	part, err := ComputePartition(len(pods), hostsPerPod, gc.ExpectedFlowsPerSwitch, gc.VirtualIntervals)
	if err != nil {
		return nil, err
	}

	fg := new(FlowGenerator)
	fg.mode = gc.Mode
	if fg.mode == "" {
		fg.mode = ModeMixed
	}
	fg.pods = pods
	fg.hostsPerPod = hostsPerPod
	fg.intervals = gc.VirtualIntervals
	fg.intervalTime = gc.IntervalTime.Seconds()
	fg.installer = installer
	fg.ports = CreatePortAllocator()
	fg.part = part

	seed := gc.Seed
	if seed == "" {
		seed = "neoflow"
	}
	fg.rng = rngstream.New(seed)

	rate := float64(gc.DataRate.BitRate())
	elephantMean := 0.8 * rate / float64(max(part.ElephantsPerHost, 1))
	mouseMean := 0.2 * rate / float64(max(part.MicePerHost, 1))
	fg.elephantBps = CreateBoundedExp(elephantMean, 10*elephantMean, fg.rng)
	fg.mouseBps = CreateBoundedExp(mouseMean, 10*mouseMean, fg.rng)
	fg.jitter = CreateBoundedExp(fg.intervalTime/8.0, fg.intervalTime/4.0, fg.rng)

	klog.InfoS("Flow generator configured", "mode", fg.mode, "pods", len(pods), "hostsPerPod", hostsPerPod,
		"intervals", fg.intervals, "interPodPerHostPerInterval", part.InterPodFlowsPerHostPerInterval,
		"intraPodPerHostPerInterval", part.IntraPodFlowsPerHostPerInterval)
	klog.V(2).InfoS("Flow size classes", "elephantMeanBps", elephantMean, "elephants", part.ElephantsPerHost,
		"mouseMeanBps", mouseMean, "mice", part.MicePerHost)
	return fg, nil
}

// Partition returns the flow counts in use
func (fg *FlowGenerator) Partition() Partition {
	return fg.part
}

// Ports gives access to the destination port counters
func (fg *FlowGenerator) Ports() *PortAllocator {
	return fg.ports
}

// Interval is the index of the next interval Advance will generate
func (fg *FlowGenerator) Interval() int {
	return fg.idx
}

// Counts reports how many elephant and mouse flows have been installed
func (fg *FlowGenerator) Counts() (elephants, mice int) {
	return fg.elephants, fg.mice
}

// Advance generates the flows of the next interval, which starts at now, for every
// source host in pod-major order.  It reports whether intervals remain after this one.
// Advancing past the last interval does nothing.
func (fg *FlowGenerator) Advance(now float64) (bool, error) {
	if fg.idx >= fg.intervals {
		return false, nil
	}
	klog.V(2).InfoS("Generating interval", "interval", fg.idx, "start", now)

	stop := now + fg.intervalTime
	for srcPod := range fg.pods {
		for srcHost := range fg.pods[srcPod] {
			var err error
			if fg.mode == ModeAllPairs {
				if fg.idx == 0 {
					err = fg.setupAllPairsFrom(srcPod, srcHost, now, stop)
				}
			} else {
				err = fg.setupFlowsFrom(srcPod, srcHost, now, stop)
			}
			if err != nil {
				return false, err
			}
		}
	}
	fg.idx += 1
	return fg.idx < fg.intervals, nil
}

// setupFlowsFrom installs one interval's inter-pod then intra-pod flows of a source host
func (fg *FlowGenerator) setupFlowsFrom(srcPod, srcHost int, start, stop float64) error {
	src := fg.pods[srcPod][srcHost]

	inter := CreateInterPodSelector(len(fg.pods), fg.hostsPerPod, srcPod)
	numFlows := fg.part.InterPodFlowsPerHostPerInterval
	threshold := elephantCount(numFlows)
	for iF := 0; iF < numFlows; iF++ {
		dstPod, dstHost := inter.Next()
		if err := fg.installFlow(src, dstPod, dstHost, iF < threshold, start, stop); err != nil {
			return err
		}
	}

	intra := CreateIntraPodSelector(fg.hostsPerPod, srcHost)
	numFlows = fg.part.IntraPodFlowsPerHostPerInterval
	threshold = elephantCount(numFlows)
	for iF := 0; iF < numFlows; iF++ {
		if err := fg.installFlow(src, srcPod, intra.Next(), iF < threshold, start, stop); err != nil {
			return err
		}
	}
	return nil
}

// installFlow takes a port from the destination's counter, draws bandwidth and jitter,
// and hands the flow to the installer
func (fg *FlowGenerator) installFlow(src *Host, dstPod, dstHost int, elephant bool, start, stop float64) error {
	dst := fg.pods[dstPod][dstHost]
	if dst == src {
		return fmt.Errorf("flow from %s selected its own source as destination", src.Name())
	}
	port, err := fg.ports.Next(dstPod, dstHost)
	if err != nil {
		return err
	}
	spec := FlowSpec{Src: src, Dst: dst, Port: port, Stop: stop}
	if elephant {
		spec.Class = Elephant
		spec.Bandwidth = fg.elephantBps.Integer()
		fg.elephants += 1
	} else {
		spec.Class = Mouse
		spec.Bandwidth = fg.mouseBps.Integer()
		fg.mice += 1
	}
	spec.Start = roundFloat(start+fg.jitter.Value(), rdigits)

	klog.V(4).InfoS("Flow", "src", src.Name(), "dst", dst.Name(), "port", port, "class", spec.Class,
		"bps", spec.Bandwidth, "start", spec.Start, "stop", spec.Stop)
	return fg.installer.InstallFlow(spec)
}

// setupAllPairsFrom installs one low-rate flow from the source host to every other host
func (fg *FlowGenerator) setupAllPairsFrom(srcPod, srcHost int, start, stop float64) error {
	src := fg.pods[srcPod][srcHost]
	bps := uint64(allPairsBase)
	for dstPod := range fg.pods {
		for dstHost := range fg.pods[dstPod] {
			if dstPod == srcPod && dstHost == srcHost {
				continue
			}
			port, err := fg.ports.Next(dstPod, dstHost)
			if err != nil {
				return err
			}
			bps += allPairsStep
			spec := FlowSpec{Src: src, Dst: fg.pods[dstPod][dstHost], Bandwidth: bps, Port: port,
				Start: start, Stop: stop, Class: Mouse}
			fg.mice += 1
			if err := fg.installer.InstallFlow(spec); err != nil {
				return err
			}
		}
	}
	return nil
}

// Start generates the first interval at the current simulation time and arranges for
// each later one to be generated an interval time after its predecessor
func (fg *FlowGenerator) Start(evtMgr *evtm.EventManager) {
	evtMgr.Schedule(fg, nil, generateInterval, vrtime.SecondsToTime(0.0))
}

// generateInterval is the event handler that advances the generator one interval
func generateInterval(evtMgr *evtm.EventManager, context any, data any) any {
	fg := context.(*FlowGenerator)
	more, err := fg.Advance(evtMgr.CurrentSeconds())
	if err != nil {
		panic(err)
	}
	if more {
		evtMgr.Schedule(fg, nil, generateInterval, vrtime.SecondsToTime(fg.intervalTime))
	} else {
		klog.InfoS("All flows generated", "elephants", fg.elephants, "mice", fg.mice)
	}
	return nil
}
