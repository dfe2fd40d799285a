package neoflow

import (
	"math"
	"testing"
	"time"

	"github.com/iti/evt/evtm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGeneratorConfig(target, intervals int) *GeneratorConfig {
	return &GeneratorConfig{
		Mode:                   ModeMixed,
		ExpectedFlowsPerSwitch: target,
		IntervalTime:           10 * time.Millisecond,
		DataRate:               Gbps,
		VirtualIntervals:       intervals,
		PacketSize:             512,
		Seed:                   "generator-test",
	}
}

func TestComputePartition(t *testing.T) {
	pt, err := ComputePartition(8, 20, 1000, 1)
	require.NoError(t, err)
	assert.Equal(t, 125, pt.InterPodFlowsPerSwitch)
	assert.Equal(t, 6, pt.InterPodFlowsPerHost)
	assert.Equal(t, 6, pt.InterPodFlowsPerHostPerInterval)
	assert.Equal(t, 750, pt.IntraPodFlowsPerSwitch)
	assert.Equal(t, 37, pt.IntraPodFlowsPerHost)
	assert.Equal(t, 37, pt.IntraPodFlowsPerHostPerInterval)
	assert.Equal(t, 8, pt.ElephantsPerHost)
	assert.Equal(t, 34, pt.MicePerHost)

	pt, err = ComputePartition(8, 20, 1000, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, pt.InterPodFlowsPerHostPerInterval)
	assert.Equal(t, 9, pt.IntraPodFlowsPerHostPerInterval)
	// the class counts come from all 43 flows of a host, whatever the interval count
	assert.Equal(t, 8, pt.ElephantsPerHost)
	assert.Equal(t, 34, pt.MicePerHost)
}

func TestComputePartitionInvalid(t *testing.T) {
	tests := []struct {
		name                            string
		pods, hosts, target, intervals int
	}{
		{name: "no pods", pods: 0, hosts: 20, target: 1000, intervals: 1},
		{name: "no hosts", pods: 8, hosts: 0, target: 1000, intervals: 1},
		{name: "no intervals", pods: 8, hosts: 20, target: 1000, intervals: 0},
		{name: "negative target", pods: 8, hosts: 20, target: -1, intervals: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputePartition(tt.pods, tt.hosts, tt.target, tt.intervals)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestIntraPodSelector(t *testing.T) {
	for hosts := 2; hosts <= 8; hosts++ {
		for src := 0; src < hosts; src++ {
			sel := CreateIntraPodSelector(hosts, src)
			for round := 0; round < 3; round++ {
				seen := make(map[int]bool)
				for i := 0; i < hosts-1; i++ {
					dst := sel.Next()
					require.NotEqual(t, src, dst, "hosts %d src %d", hosts, src)
					require.False(t, seen[dst], "hosts %d src %d repeated %d", hosts, src, dst)
					seen[dst] = true
				}
				assert.Len(t, seen, hosts-1)
			}
		}
	}
}

func TestInterPodSelector(t *testing.T) {
	for pods := 2; pods <= 8; pods += 2 {
		half := pods / 2
		for hosts := 1; hosts <= 5; hosts++ {
			for srcPod := 0; srcPod < pods; srcPod++ {
				sel := CreateInterPodSelector(pods, hosts, srcPod)
				for round := 0; round < 2; round++ {
					seen := make(map[hostIdx]bool)
					for i := 0; i < half*hosts; i++ {
						pod, host := sel.Next()
						require.NotEqual(t, srcPod < half, pod < half, "pods %d src pod %d got pod %d", pods, srcPod, pod)
						hi := hostIdx{pod: pod, host: host}
						require.False(t, seen[hi], "pods %d hosts %d src pod %d repeated %v", pods, hosts, srcPod, hi)
						seen[hi] = true
					}
					assert.Len(t, seen, half*hosts)
				}
			}
		}
	}
}

func TestInterPodSelectorSpreadsOverPods(t *testing.T) {
	sel := CreateInterPodSelector(8, 20, 1)
	expected := [][2]int{{4, 0}, {5, 0}, {6, 0}, {7, 0}, {4, 1}, {5, 1}}
	for _, exp := range expected {
		pod, host := sel.Next()
		assert.Equal(t, exp, [2]int{pod, host})
	}
}

func TestCreateFlowGeneratorInvalid(t *testing.T) {
	gc := testGeneratorConfig(100, 1)
	unequal := testPods(2, 3)
	unequal[1] = unequal[1][:2]

	tests := []struct {
		name string
		pods [][]*Host
		gc   func() *GeneratorConfig
	}{
		{name: "one pod", pods: testPods(1, 4), gc: func() *GeneratorConfig { return gc }},
		{name: "one host per pod", pods: testPods(4, 1), gc: func() *GeneratorConfig { return gc }},
		{name: "unequal pods", pods: unequal, gc: func() *GeneratorConfig { return gc }},
		{name: "no intervals", pods: testPods(2, 2), gc: func() *GeneratorConfig { return testGeneratorConfig(100, 0) }},
		{name: "no interval time", pods: testPods(2, 2), gc: func() *GeneratorConfig {
			c := testGeneratorConfig(100, 1)
			c.IntervalTime = 0
			return c
		}},
		{name: "no data rate", pods: testPods(2, 2), gc: func() *GeneratorConfig {
			c := testGeneratorConfig(100, 1)
			c.DataRate = 0
			return c
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			installer := &recordingInstaller{}
			_, err := CreateFlowGenerator(tt.gc(), tt.pods, installer)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Empty(t, installer.specs)
		})
	}
}

func TestFlowGeneratorAdvance(t *testing.T) {
	pods := testPods(4, 3)
	installer := &recordingInstaller{}
	fg, err := CreateFlowGenerator(testGeneratorConfig(120, 2), pods, installer)
	require.NoError(t, err)

	pt := fg.Partition()
	require.Equal(t, 5, pt.InterPodFlowsPerHostPerInterval)
	require.Equal(t, 10, pt.IntraPodFlowsPerHostPerInterval)
	perInterval := 12 * 15

	more, err := fg.Advance(0.0)
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, installer.specs, perInterval)
	assert.Equal(t, 1, fg.Interval())

	elephantBound := uint64(math.Round(10 * 0.8 * 1e9 / float64(pt.ElephantsPerHost)))
	mouseBound := uint64(math.Round(10 * 0.2 * 1e9 / float64(pt.MicePerHost)))
	elephants := 0
	for _, spec := range installer.specs {
		assert.NotEqual(t, spec.Src, spec.Dst)
		assert.GreaterOrEqual(t, spec.Start, 0.0)
		assert.LessOrEqual(t, spec.Start, 0.0025)
		assert.Equal(t, 0.01, spec.Stop)
		if spec.Class == Elephant {
			elephants += 1
			assert.LessOrEqual(t, spec.Bandwidth, elephantBound)
		} else {
			assert.LessOrEqual(t, spec.Bandwidth, mouseBound)
		}
		if spec.Src.Pod() != spec.Dst.Pod() {
			assert.NotEqual(t, spec.Src.Pod() < 2, spec.Dst.Pod() < 2)
		}
	}
	// per host: 1 of 5 inter-pod flows and 2 of 10 intra-pod flows
	assert.Equal(t, 12*3, elephants)

	// pod-major, host-minor, inter-pod flows first
	assert.Equal(t, pods[0][0], installer.specs[0].Src)
	assert.Equal(t, pods[0][0], installer.specs[14].Src)
	assert.Equal(t, pods[0][1], installer.specs[15].Src)
	assert.Equal(t, 2, installer.specs[0].Dst.Pod())
	assert.Equal(t, 0, installer.specs[5].Dst.Pod())

	more, err = fg.Advance(0.01)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, installer.specs, 2*perInterval)
	for _, spec := range installer.specs[perInterval:] {
		assert.GreaterOrEqual(t, spec.Start, 0.01)
		assert.Equal(t, 0.02, spec.Stop)
	}

	// past the last interval nothing happens
	more, err = fg.Advance(0.02)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Len(t, installer.specs, 2*perInterval)

	e, m := fg.Counts()
	assert.Equal(t, 2*perInterval, e+m)
}

func TestFlowGeneratorPortsNeverReused(t *testing.T) {
	pods := testPods(4, 3)
	installer := &recordingInstaller{}
	fg, err := CreateFlowGenerator(testGeneratorConfig(120, 3), pods, installer)
	require.NoError(t, err)
	for more := true; more; {
		more, err = fg.Advance(float64(fg.Interval()) * 0.01)
		require.NoError(t, err)
	}

	ports := make(map[*Host][]uint16)
	for _, spec := range installer.specs {
		ports[spec.Dst] = append(ports[spec.Dst], spec.Port)
	}
	require.Len(t, ports, 12)
	for dst, seq := range ports {
		for idx, port := range seq {
			require.Equal(t, uint16(idx+1), port, "destination %s", dst.Name())
		}
		assert.Equal(t, len(seq)+1, fg.Ports().Peek(dst.Pod(), dst.Index))
	}
}

func TestFlowGeneratorPortExhaustion(t *testing.T) {
	pods := testPods(2, 2)
	installer := &recordingInstaller{}
	fg, err := CreateFlowGenerator(testGeneratorConfig(8, 1), pods, installer)
	require.NoError(t, err)
	require.Equal(t, 2, fg.Partition().InterPodFlowsPerHostPerInterval)

	// the first flow of host-0-0 goes to host-1-0
	for i := 0; i < maxPort; i++ {
		_, err := fg.Ports().Next(1, 0)
		require.NoError(t, err)
	}
	_, err = fg.Advance(0.0)
	assert.ErrorIs(t, err, ErrPortSpaceExhausted)
	assert.Empty(t, installer.specs)
}

func TestFlowGeneratorAllPairs(t *testing.T) {
	pods := testPods(2, 2)
	installer := &recordingInstaller{}
	gc := testGeneratorConfig(0, 2)
	gc.Mode = ModeAllPairs
	fg, err := CreateFlowGenerator(gc, pods, installer)
	require.NoError(t, err)

	more, err := fg.Advance(0.0)
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, installer.specs, 4*3)
	for idx, spec := range installer.specs {
		assert.NotEqual(t, spec.Src, spec.Dst)
		assert.Equal(t, uint64(100000+100*(idx%3+1)), spec.Bandwidth)
		assert.Equal(t, 0.0, spec.Start)
		assert.Equal(t, 0.01, spec.Stop)
	}
	for _, pod := range pods {
		for _, host := range pod {
			assert.Equal(t, 4, fg.Ports().Peek(host.Pod(), host.Index))
		}
	}

	// only the first interval carries flows
	more, err = fg.Advance(0.01)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Len(t, installer.specs, 4*3)
}

func TestFlowGeneratorStart(t *testing.T) {
	pods := testPods(2, 2)
	installer := &recordingInstaller{}
	fg, err := CreateFlowGenerator(testGeneratorConfig(40, 3), pods, installer)
	require.NoError(t, err)
	perInterval := 4 * (fg.Partition().InterPodFlowsPerHostPerInterval + fg.Partition().IntraPodFlowsPerHostPerInterval)
	require.Greater(t, perInterval, 0)

	evtMgr := evtm.New()
	fg.Start(evtMgr)
	evtMgr.Run(1.0)

	assert.Equal(t, 3, fg.Interval())
	require.Len(t, installer.specs, 3*perInterval)
	for idx, spec := range installer.specs {
		interval := idx / perInterval
		assert.InDelta(t, 0.01*float64(interval+1), spec.Stop, 1e-9)
		assert.GreaterOrEqual(t, spec.Start, 0.01*float64(interval)-1e-9)
	}
}
