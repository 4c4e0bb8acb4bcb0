package transporttest

import "strings"

// Banner is the reset reply of the emulated adapter.
const Banner = "ELM327 v1.5"

// Prompted appends the CR CR > trailer the adapter prints after a reply.
func Prompted(s string) Reply { return Text(s + "\r\r>") }

// ELM327 returns a Handler emulating an adapter: AT configuration commands
// answer OK, ATZ/ATI print Banner, ATRV and ATDPN give fixed readings, other
// AT commands get "?" and diagnostic requests get NO DATA. Entries in
// overrides (keys canonicalized with Canon) take precedence.
func ELM327(overrides map[string]Reply) Handler {
	over := make(map[string]Reply, len(overrides))
	for k, v := range overrides {
		over[Canon(k)] = v
	}
	return func(cmd string) Reply {
		c := Canon(cmd)
		if r, ok := over[c]; ok {
			return r
		}
		switch {
		case c == "ATZ":
			return Prompted("\r\r" + Banner)
		case c == "ATI":
			return Prompted(Banner)
		case c == "ATRV":
			return Prompted("12.6V")
		case c == "ATDPN":
			return Prompted("A6")
		case isConfigAT(c):
			return Prompted("OK")
		case strings.HasPrefix(c, "AT"):
			return Prompted("?")
		default:
			return Prompted("NO DATA")
		}
	}
}

var configPrefixes = []string{
	"ATE", "ATL", "ATS0", "ATS1", "ATH", "ATSP", "ATSH", "ATCRA", "ATFCSH",
	"ATFCSD", "ATFCSM", "ATST", "ATCAF", "ATAT", "ATD",
}

func isConfigAT(c string) bool {
	for _, p := range configPrefixes {
		if strings.HasPrefix(c, p) {
			return true
		}
	}
	return false
}
