package psi

import (
	"reflect"
	"testing"
)

// round-trips below compare via re-parsing the encoded wire bytes rather
// than comparing raw bytes, since table Encode methods range over Go
// maps (program/service/transport loops) in non-deterministic order.

func TestPAT_EncodeParseRoundTrip(t *testing.T) {
	in := PAT{
		TransportStreamID: 0x0001,
		Version:           3,
		Programs:          map[uint16]uint16{1: 0x0020, 2: 0x0030, 0: 0x0010},
	}
	sec, _, err := Decode(in.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	out, err := ParsePAT(sec)
	if err != nil {
		t.Fatalf("ParsePAT: %v", err)
	}
	if out.TransportStreamID != in.TransportStreamID || out.Version != in.Version {
		t.Fatalf("got %+v, want %+v", out, in)
	}
	if !reflect.DeepEqual(out.Programs, in.Programs) {
		t.Fatalf("Programs mismatch: got %v, want %v", out.Programs, in.Programs)
	}
}

func TestCAT_EncodeParseRoundTrip(t *testing.T) {
	in := CAT{
		Version:     2,
		Descriptors: []Descriptor{{Tag: DescriptorTagCA, Payload: []byte{0x06, 0x01, 0xE1, 0x11}}},
	}
	sec, _, err := Decode(in.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	out, err := ParseCAT(sec)
	if err != nil {
		t.Fatalf("ParseCAT: %v", err)
	}
	if out.Version != in.Version || len(out.Descriptors) != 1 {
		t.Fatalf("got %+v, want %+v", out, in)
	}
	pids := out.EMMPIDs()
	if len(pids) != 1 || pids[0] != 0x0111 {
		t.Fatalf("EMMPIDs = %v, want [0x0111]", pids)
	}
}

func TestSDT_EncodeParseRoundTrip(t *testing.T) {
	in := SDT{
		TransportStreamID: 1,
		OriginalNetworkID: 2,
		Version:           1,
		Services: map[uint16]SDTService{
			10: {ServiceID: 10, EITScheduleFlag: true, EITPresentFollowing: true, RunningStatus: 4, FreeCAMode: false},
			20: {ServiceID: 20, RunningStatus: 4, FreeCAMode: true},
		},
	}
	sec, _, err := Decode(in.Encode(true))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if sec.TableID != TableIDSDTActual {
		t.Fatalf("table_id = 0x%02x, want SDT-actual", sec.TableID)
	}
	out, err := ParseSDT(sec)
	if err != nil {
		t.Fatalf("ParseSDT: %v", err)
	}
	if out.OriginalNetworkID != in.OriginalNetworkID || len(out.Services) != len(in.Services) {
		t.Fatalf("got %+v, want %+v", out, in)
	}
	for id, svc := range in.Services {
		got, ok := out.Services[id]
		if !ok {
			t.Fatalf("service %d missing after round-trip", id)
		}
		if got.EITScheduleFlag != svc.EITScheduleFlag || got.EITPresentFollowing != svc.EITPresentFollowing ||
			got.RunningStatus != svc.RunningStatus || got.FreeCAMode != svc.FreeCAMode {
			t.Fatalf("service %d mismatch: got %+v, want %+v", id, got, svc)
		}
	}
}

func TestNIT_EncodeParseRoundTrip(t *testing.T) {
	in := NIT{
		NetworkID:          7,
		Version:            1,
		NetworkDescriptors: []Descriptor{{Tag: 0x40, Payload: []byte("net")}},
		Transports: map[uint16]NITTransport{
			100: {TransportStreamID: 100, OriginalNetworkID: 7, Descriptors: nil},
		},
	}
	sec, _, err := Decode(in.Encode(true))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if sec.TableID != TableIDNITActual {
		t.Fatalf("table_id = 0x%02x, want NIT-actual", sec.TableID)
	}
	out, err := ParseNIT(sec)
	if err != nil {
		t.Fatalf("ParseNIT: %v", err)
	}
	if out.NetworkID != in.NetworkID || len(out.Transports) != 1 {
		t.Fatalf("got %+v, want %+v", out, in)
	}
	if tr := out.Transports[100]; tr.OriginalNetworkID != 7 {
		t.Fatalf("transport 100 ONID = %d, want 7", tr.OriginalNetworkID)
	}
}

func TestBAT_EncodeParseRoundTrip(t *testing.T) {
	in := BAT{
		BouquetID:          42,
		Version:            0,
		BouquetDescriptors: nil,
		Transports: map[uint16]NITTransport{
			5: {TransportStreamID: 5, OriginalNetworkID: 1},
		},
	}
	sec, _, err := Decode(in.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	out, err := ParseBAT(sec)
	if err != nil {
		t.Fatalf("ParseBAT: %v", err)
	}
	if out.BouquetID != in.BouquetID || len(out.Transports) != 1 {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestPMT_EncodeParseRoundTrip(t *testing.T) {
	in := PMT{
		ProgramNumber: 1,
		Version:       2,
		PCRPID:        0x100,
		ProgramInfo:   []Descriptor{{Tag: DescriptorTagCA, Payload: []byte{0x06, 0x01, 0xE1, 0x11}}},
		Streams: []PMTStream{
			{StreamType: 0x02, PID: 0x101, Descriptors: nil},
			{StreamType: 0x0F, PID: 0x102, Descriptors: []Descriptor{{Tag: 0x05, Payload: []byte("AC-3")}}},
		},
	}
	sec, _, err := Decode(in.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	out, err := ParsePMT(sec)
	if err != nil {
		t.Fatalf("ParsePMT: %v", err)
	}
	if out.ProgramNumber != in.ProgramNumber || out.PCRPID != in.PCRPID || len(out.Streams) != 2 {
		t.Fatalf("got %+v, want %+v", out, in)
	}
	if pids := out.ESPIDs(); len(pids) != 2 || pids[0] != 0x101 || pids[1] != 0x102 {
		t.Fatalf("ESPIDs = %v, want [0x101 0x102]", pids)
	}
}

func TestParsePMT_RejectsWrongTableID(t *testing.T) {
	sec := Section{TableID: TableIDPAT, SectionSyntaxIndicator: true, Payload: []byte{0xE0, 0x00, 0xF0, 0x00}}
	if _, err := ParsePMT(sec); err == nil {
		t.Fatal("ParsePMT accepted a non-PMT table_id")
	}
}

func TestParseBAT_RejectsWrongTableID(t *testing.T) {
	sec := Section{TableID: TableIDNITActual, SectionSyntaxIndicator: true, Payload: []byte{0xF0, 0x00, 0xF0, 0x00}}
	if _, err := ParseBAT(sec); err == nil {
		t.Fatal("ParseBAT accepted a non-BAT table_id")
	}
}
