package psi

import "testing"

func TestDecodeDVBText_DefaultTable(t *testing.T) {
	if got := DecodeDVBText([]byte("Hello")); got != "Hello" {
		t.Fatalf("DecodeDVBText(default) = %q, want %q", got, "Hello")
	}
}

func TestDecodeDVBText_EmptyInput(t *testing.T) {
	if got := DecodeDVBText(nil); got != "" {
		t.Fatalf("DecodeDVBText(nil) = %q, want empty", got)
	}
}

func TestDecodeDVBText_ISO8859Selector(t *testing.T) {
	// Selector byte 0x05 selects ISO/IEC 8859-9 (Turkish); 0x41-0x5A are
	// plain ASCII letters in every Latin charmap table, so this also
	// exercises the selector-byte stripping without depending on any
	// single table's non-ASCII code points.
	in := append([]byte{0x05}, []byte("ISTANBUL")...)
	if got := DecodeDVBText(in); got != "ISTANBUL" {
		t.Fatalf("DecodeDVBText(selector 0x05) = %q, want %q", got, "ISTANBUL")
	}
}

func TestDecodeDVBText_UnknownSelectorFallsBackToRaw(t *testing.T) {
	// Selector byte 0x10 is a two-byte encoding-identifier escape this
	// package doesn't special-case; it falls through the low-control-code
	// guard (0x10 >= 0x20 is false) and is returned as-is.
	in := []byte{0x10, 'x'}
	got := DecodeDVBText(in)
	if got != string(in) {
		t.Fatalf("DecodeDVBText(unknown selector) = %q, want raw passthrough %q", got, string(in))
	}
}
