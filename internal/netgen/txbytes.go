package netgen

import psnet "github.com/shirou/gopsutil/v4/net"

// ReadNICTxBytes samples the cumulative tx-byte counter for iface, or the
// first non-loopback interface with counters when iface is empty. Mirrors
// internal/sensors's own interface-selection logic (duplicated rather than
// imported to keep netgen decoupled from the sensors package).
func ReadNICTxBytes(iface string) (uint64, bool) {
	stats, err := psnet.IOCounters(true)
	if err != nil || len(stats) == 0 {
		return 0, false
	}
	for _, st := range stats {
		if iface != "" {
			if st.Name == iface {
				return st.BytesSent, true
			}
			continue
		}
		if st.Name == "lo" || st.Name == "lo0" {
			continue
		}
		return st.BytesSent, true
	}
	return 0, false
}
