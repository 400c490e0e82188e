package psi

import "testing"

func buildEITSection(tsID, onID uint16) []byte {
	payload := []byte{byte(tsID >> 8), byte(tsID), byte(onID >> 8), byte(onID), 0x00, TableIDEITActual}
	return Encode(Section{
		TableID:                TableIDEITActual,
		SectionSyntaxIndicator: true,
		TableIDExtension:       0x0001, // service_id
		CurrentNext:            true,
		Payload:                payload,
	})
}

func TestRewriteEITTSID(t *testing.T) {
	sec := buildEITSection(0x0010, 0x0002)

	rewritten, err := RewriteEITTSID(sec, 0x00AA)
	if err != nil {
		t.Fatalf("RewriteEITTSID: %v", err)
	}
	if _, _, err := Decode(rewritten); err != nil {
		t.Fatalf("rewritten section fails CRC validation: %v", err)
	}

	onid, ok := EITOriginalNetworkID(rewritten)
	if !ok || onid != 0x0002 {
		t.Fatalf("EITOriginalNetworkID = 0x%04x, ok=%v, want 0x0002", onid, ok)
	}

	gotTSID := uint16(rewritten[8])<<8 | uint16(rewritten[9])
	if gotTSID != 0x00AA {
		t.Fatalf("rewritten TSID = 0x%04x, want 0x00AA", gotTSID)
	}
}

func TestRewriteEITTSID_TooShort(t *testing.T) {
	if _, err := RewriteEITTSID([]byte{0x4E, 0x00}, 1); err == nil {
		t.Fatal("RewriteEITTSID accepted a too-short section")
	}
}

func TestIsEITActual(t *testing.T) {
	cases := map[uint8]bool{
		TableIDEITActual: true,
		0x50:             true,
		0x5F:             true,
		TableIDEITOther:  false,
		0x60:             false,
	}
	for tableID, want := range cases {
		if got := IsEITActual(tableID); got != want {
			t.Fatalf("IsEITActual(0x%02x) = %v, want %v", tableID, got, want)
		}
	}
}
