package netgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsExternalString_RejectsPrivateAndSpecial(t *testing.T) {
	cases := []string{
		"10.0.0.1",
		"192.168.1.1",
		"127.0.0.1",
		"169.254.1.1",
		"224.0.0.1",
		"0.0.0.0",
		"100.64.0.1",   // CGNAT
		"198.18.0.1",   // benchmarking
		"192.0.2.1",    // TEST-NET-1
		"198.51.100.1", // TEST-NET-2
		"203.0.113.1",  // TEST-NET-3
		"2001:db8::1",  // IPv6 documentation
		"::1",
	}
	for _, c := range cases {
		assert.Falsef(t, IsExternalString(c), "expected %s to be non-external", c)
	}
}

func TestIsExternalString_AcceptsPublicAddresses(t *testing.T) {
	cases := []string{"8.8.8.8", "1.1.1.1", "2606:4700:4700::1111"}
	for _, c := range cases {
		assert.Truef(t, IsExternalString(c), "expected %s to be external", c)
	}
}

func TestIsExternalString_InvalidAddressIsNotExternal(t *testing.T) {
	assert.False(t, IsExternalString("not-an-address"))
}
