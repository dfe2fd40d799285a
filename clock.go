package neoflow

import (
	"github.com/iti/evt/vrtime"
)

// Simulation time is counted in nanosecond ticks.  A full size packet spends
// about 400ns on a 10Gbps link, well under vrtime's default microsecond tick.
const ticksPerSecond = 1_000_000_000

// tickSeconds is the shortest non-zero delay the clock can hold
const tickSeconds = 1.0 / ticksPerSecond

// useNanosecondClock sets the resolution of vrtime.  It must run before any
// event is scheduled.
func useNanosecondClock() {
	vrtime.SetTicksPerSecond(ticksPerSecond)
}
