package capture

import (
	"fmt"
	"runtime"
	"strings"
)

// Filter returns the BPF expression selecting the packets Decode cares
// about: both directions of the probed TCP flows and ICMP destination
// unreachable messages sent to the source.
func (d *Decoder) Filter() string {
	unreachable := "icmp and icmp[0] == 3"
	if d.Destination.Is6() {
		unreachable = "icmp6 and icmp6[0] == 1"
	}

	var portRange string
	last := d.ports.base + d.ports.count - 1
	// libpcap on OpenBSD does not support "portrange" syntax
	if runtime.GOOS == "openbsd" {
		clauses := make([]string, 0, d.ports.count)
		for p := uint32(d.ports.base); p <= uint32(last); p++ {
			clauses = append(clauses, fmt.Sprintf("port %d", p))
		}
		portRange = "(" + strings.Join(clauses, " or ") + ")"
	} else {
		portRange = fmt.Sprintf("portrange %d-%d", d.ports.base, last)
	}

	flows := fmt.Sprintf("tcp and host %v and host %v and port %d and %s",
		d.Source, d.Destination, d.Port, portRange)

	return fmt.Sprintf("(%s) or (dst host %v and %s)", flows, d.Source, unreachable)
}
