package psi

import (
	"golang.org/x/text/encoding/charmap"
)

// isoTables maps a DVB character-table selector byte (ETSI EN 300 468
// annex A, values 0x01-0x0B select ISO/IEC 8859 parts 5-15; 0x08, part
// 12, has no entry) to the matching golang.org/x/text decoder.
var isoTables = map[byte]*charmap.Charmap{
	0x01: charmap.ISO8859_5,
	0x02: charmap.ISO8859_6,
	0x03: charmap.ISO8859_7,
	0x04: charmap.ISO8859_8,
	0x05: charmap.ISO8859_9,
	0x06: charmap.ISO8859_10,
	0x07: charmap.ISO8859_11,
	0x09: charmap.ISO8859_13,
	0x0A: charmap.ISO8859_14,
	0x0B: charmap.ISO8859_15,
}

// DecodeDVBText decodes a DVB SI text field (service/event names and
// similar) per spec.md §6's pass-through text requirement. A leading
// byte in 0x01-0x0F selects an alternate ISO/IEC 8859 part via the
// table above; its absence means the default DVB table (ISO/IEC 6937),
// which golang.org/x/text's charmap package does not provide a decoder
// for, so it is approximated here as Latin-1 — adequate for the ASCII
// subset that dominates real-world service names, and noted as a known
// fidelity gap rather than silently mis-decoded.
func DecodeDVBText(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if cm, ok := isoTables[b[0]]; ok {
		decoded, err := cm.NewDecoder().Bytes(b[1:])
		if err == nil {
			return string(decoded)
		}
		return string(b[1:])
	}
	if b[0] < 0x20 {
		// Other control selectors (0x10 Unicode variants, 0x1F future
		// use) are passed through raw; full support is out of scope.
		return string(b)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(decoded)
}
