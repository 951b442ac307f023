package netgen

import "net/netip"

// documentationPrefixes lists IANA special-purpose ranges that pass Go's
// own IsPrivate/IsLoopback/etc checks but are still unsuitable as a real
// external egress target: CGNAT shared space, RFC2544 benchmarking space,
// and the three TEST-NET blocks plus the IPv6 documentation prefix.
// Grounded on original_source/loadshaper.py's is_external_address, which
// special-cases 100.64.0.0/10 and 2001:db8::/32 the same way; the extra
// TEST-NET/benchmark ranges below are IANA reservations the original
// omits but that the same reasoning applies to (see DESIGN.md).
var documentationPrefixes = mustPrefixes(
	"100.64.0.0/10",   // CGNAT (RFC 6598)
	"198.18.0.0/15",   // benchmarking (RFC 2544)
	"192.0.2.0/24",    // TEST-NET-1
	"198.51.100.0/24", // TEST-NET-2
	"203.0.113.0/24",  // TEST-NET-3
	"2001:db8::/32",   // IPv6 documentation
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			panic(err)
		}
		out = append(out, p)
	}
	return out
}

// IsExternal reports whether addr is a legitimate external egress target:
// not private, loopback, link-local, multicast, unspecified, or one of
// the documentation/benchmark/CGNAT ranges above.
func IsExternal(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified() {
		return false
	}
	for _, p := range documentationPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

// IsExternalString parses s and applies IsExternal; invalid addresses are
// treated as non-external.
func IsExternalString(s string) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	return IsExternal(addr)
}
