package neoflow

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DataRate is a bit rate in bits per second
type DataRate uint64

const (
	Bps  DataRate = 1
	Kbps          = 1000 * Bps
	Mbps          = 1000 * Kbps
	Gbps          = 1000 * Mbps
)

// rate suffixes accepted by ParseDataRate, longest first so that "kbps"
// is not taken for "bps"
var rateUnits = []struct {
	suffix string
	scale  float64
}{
	{"Gibps", 1 << 30}, {"Mibps", 1 << 20}, {"Kibps", 1 << 10},
	{"GiB/s", 8 * (1 << 30)}, {"MiB/s", 8 * (1 << 20)}, {"KiB/s", 8 * (1 << 10)},
	{"Gbps", 1e9}, {"Mbps", 1e6}, {"kbps", 1e3}, {"Kbps", 1e3},
	{"Gb/s", 1e9}, {"Mb/s", 1e6}, {"kb/s", 1e3},
	{"GB/s", 8e9}, {"MB/s", 8e6}, {"kB/s", 8e3}, {"KB/s", 8e3}, {"B/s", 8},
	{"bps", 1}, {"b/s", 1},
}

// ParseDataRate reads rates written the way experiment descriptions usually
// write them, "10Gbps", "100kbps", "1.5Mb/s", "125MB/s".  A bare number is bits per second.
func ParseDataRate(s string) (DataRate, error) {
	str := strings.TrimSpace(s)
	if len(str) == 0 {
		return 0, fmt.Errorf("empty data rate")
	}
	scale := 1.0
	for _, unit := range rateUnits {
		if strings.HasSuffix(str, unit.suffix) {
			scale = unit.scale
			str = strings.TrimSpace(strings.TrimSuffix(str, unit.suffix))
			break
		}
	}
	v, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0, fmt.Errorf("data rate %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("data rate %q is negative", s)
	}
	return DataRate(v * scale), nil
}

// BitRate returns the rate as bits per second
func (dr DataRate) BitRate() uint64 {
	return uint64(dr)
}

// TxTime is the number of seconds needed to put the given number of bytes on the wire
func (dr DataRate) TxTime(bytes int) float64 {
	if dr == 0 {
		return 0.0
	}
	return float64(8*bytes) / float64(dr)
}

func (dr DataRate) String() string {
	switch {
	case dr >= 1e9 && dr%1e9 == 0:
		return fmt.Sprintf("%dGbps", uint64(dr/1e9))
	case dr >= 1e6 && dr%1e6 == 0:
		return fmt.Sprintf("%dMbps", uint64(dr/1e6))
	case dr >= 1e3 && dr%1e3 == 0:
		return fmt.Sprintf("%dkbps", uint64(dr/1e3))
	}
	return fmt.Sprintf("%dbps", uint64(dr))
}

// MarshalYAML writes the rate in its string form
func (dr DataRate) MarshalYAML() (any, error) {
	return dr.String(), nil
}

// UnmarshalYAML accepts either a rate string or a plain number of bits per second
func (dr *DataRate) UnmarshalYAML(value *yaml.Node) error {
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}
	v, err := ParseDataRate(str)
	if err != nil {
		return err
	}
	*dr = v
	return nil
}
