package psimerge

import (
	"io"
	"log/slog"
	"testing"

	"github.com/gotsp/tsproc/internal/psi"
	"github.com/gotsp/tsproc/internal/tspacket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// feedSection packetizes sec onto pid and runs every resulting packet
// through feed, letting the Merger's own demux reconstruct the section.
func feedSection(feed func(*tspacket.Packet), pid uint16, sec []byte) {
	p := psi.NewPacketizer(pid, psi.StuffingAlways)
	p.SetSections([][]byte{sec})
	n := len(sec)/(tspacket.Size-5) + 2
	for i := 0; i < n; i++ {
		pkt := p.NextPacket()
		feed(&pkt)
	}
}

func TestMerger_PAT_UnionAndConflict(t *testing.T) {
	m := New(Config{Options: MergePAT, MainTSID: 1, Logger: discardLogger()})

	mainPAT := psi.PAT{TransportStreamID: 1, Programs: map[uint16]uint16{1: 0x100, 2: 0x200}}
	mergePAT := psi.PAT{TransportStreamID: 2, Programs: map[uint16]uint16{2: 0x999, 3: 0x300}}

	feedSection(m.ProcessMain, psi.PIDPAT, mainPAT.Encode())
	feedSection(m.ProcessMerge, psi.PIDPAT, mergePAT.Encode())

	if m.patPkt.Empty() {
		t.Fatal("expected the PAT packetizer to carry a merged section after both sides reported")
	}

	// Drain the merged PAT section back out through a fresh demux.
	d := psi.NewDemux()
	var got []byte
	for i := 0; i < 4 && got == nil; i++ {
		pkt := m.patPkt.NextPacket()
		for _, sec := range d.Feed(psi.PIDPAT, &pkt) {
			got = sec
		}
	}
	if got == nil {
		t.Fatal("did not recover a merged PAT section")
	}
	sec, _, err := psi.Decode(got)
	if err != nil {
		t.Fatalf("Decode merged PAT: %v", err)
	}
	pat, err := psi.ParsePAT(sec)
	if err != nil {
		t.Fatalf("ParsePAT: %v", err)
	}
	if pat.Programs[1] != 0x100 {
		t.Errorf("program 1 (main only) = 0x%x, want 0x100", pat.Programs[1])
	}
	if pat.Programs[2] != 0x200 {
		t.Errorf("program 2 (conflict) = 0x%x, want main's 0x200 (merge-side dropped)", pat.Programs[2])
	}
	if pat.Programs[3] != 0x300 {
		t.Errorf("program 3 (merge only) = 0x%x, want 0x300", pat.Programs[3])
	}
}

func TestMerger_CAT_UnionAndConflict(t *testing.T) {
	m := New(Config{Options: MergeCAT, MainTSID: 1, Logger: discardLogger()})

	mainCAT := psi.CAT{Descriptors: []psi.Descriptor{
		{Tag: psi.DescriptorTagCA, Payload: []byte{0x00, 0x01, 0xE1, 0x11}}, // ca_pid 0x111
	}}
	mergeCAT := psi.CAT{Descriptors: []psi.Descriptor{
		{Tag: psi.DescriptorTagCA, Payload: []byte{0x00, 0x02, 0xE1, 0x11}}, // conflicting ca_pid 0x111
		{Tag: psi.DescriptorTagCA, Payload: []byte{0x00, 0x03, 0xE2, 0x22}}, // new ca_pid 0x222
	}}

	feedSection(m.ProcessMain, psi.PIDCAT, mainCAT.Encode())
	feedSection(m.ProcessMerge, psi.PIDCAT, mergeCAT.Encode())

	if m.catPkt.Empty() {
		t.Fatal("expected the CAT packetizer to carry a merged section after both sides reported")
	}

	d := psi.NewDemux()
	var got []byte
	for i := 0; i < 4 && got == nil; i++ {
		pkt := m.catPkt.NextPacket()
		for _, sec := range d.Feed(psi.PIDCAT, &pkt) {
			got = sec
		}
	}
	if got == nil {
		t.Fatal("did not recover a merged CAT section")
	}
	sec, _, err := psi.Decode(got)
	if err != nil {
		t.Fatalf("Decode merged CAT: %v", err)
	}
	cat, err := psi.ParseCAT(sec)
	if err != nil {
		t.Fatalf("ParseCAT: %v", err)
	}
	pids := cat.EMMPIDs()
	seen := map[uint16]int{}
	for _, pid := range pids {
		seen[pid]++
	}
	if seen[0x111] != 1 {
		t.Errorf("ca_pid 0x111 appears %d times, want 1 (conflicting merge-side entry dropped)", seen[0x111])
	}
	if seen[0x222] != 1 {
		t.Errorf("ca_pid 0x222 appears %d times, want 1 (new merge-side entry kept)", seen[0x222])
	}
}

func TestMerger_SDT_UnionAndConflict(t *testing.T) {
	m := New(Config{Options: MergeSDT, MainTSID: 1, Logger: discardLogger()})

	mainSDT := psi.SDT{
		TransportStreamID: 1,
		OriginalNetworkID: 1,
		Services: map[uint16]psi.SDTService{
			1: {ServiceID: 1, RunningStatus: 4},
			2: {ServiceID: 2, RunningStatus: 4},
		},
	}
	mergeSDT := psi.SDT{
		TransportStreamID: 2,
		OriginalNetworkID: 1,
		Services: map[uint16]psi.SDTService{
			2: {ServiceID: 2, RunningStatus: 1}, // conflicting service_id, dropped
			3: {ServiceID: 3, RunningStatus: 4}, // new, kept
		},
	}

	feedSection(m.ProcessMain, psi.PIDSDT, mainSDT.Encode(true))
	feedSection(m.ProcessMerge, psi.PIDSDT, mergeSDT.Encode(true))

	if m.sdtBatPkt.Empty() {
		t.Fatal("expected the shared SDT/BAT packetizer to carry a merged section after both sides reported")
	}

	d := psi.NewDemux()
	var got []byte
	for i := 0; i < 4 && got == nil; i++ {
		pkt := m.sdtBatPkt.NextPacket()
		for _, sec := range d.Feed(psi.PIDSDT, &pkt) {
			got = sec
		}
	}
	if got == nil {
		t.Fatal("did not recover a merged SDT section")
	}
	sec, _, err := psi.Decode(got)
	if err != nil {
		t.Fatalf("Decode merged SDT: %v", err)
	}
	sdt, err := psi.ParseSDT(sec)
	if err != nil {
		t.Fatalf("ParseSDT: %v", err)
	}
	if svc, ok := sdt.Services[2]; !ok || svc.RunningStatus != 4 {
		t.Errorf("service 2 (conflict) = %+v, want main's RunningStatus 4 (merge-side dropped)", svc)
	}
	if _, ok := sdt.Services[3]; !ok {
		t.Error("service 3 (merge only) missing from merged SDT")
	}
	if _, ok := sdt.Services[1]; !ok {
		t.Error("service 1 (main only) missing from merged SDT")
	}
}

func TestMerger_NIT_MergeAndVersionGating(t *testing.T) {
	m := New(Config{Options: MergeNIT, MainTSID: 1, Logger: discardLogger()})

	mainNIT := psi.NIT{
		NetworkID: 1,
		Transports: map[uint16]psi.NITTransport{
			1: {TransportStreamID: 1, OriginalNetworkID: 1},
		},
	}
	feedSection(m.ProcessMain, psi.PIDNIT, mainNIT.Encode(true))

	// A merge-side NIT that contributes no transports at all must not bump
	// the merged version: rebuildNIT's changed-gate sees nothing new,
	// unlike the unconditional NextVersion call this replaced.
	emptyMergeNIT := psi.NIT{NetworkID: 2, Transports: map[uint16]psi.NITTransport{}}
	feedSection(m.ProcessMerge, psi.PIDNIT, emptyMergeNIT.Encode(true))
	if m.mergedVersion.nit != 0 {
		t.Fatalf("version bumped on a merge-side NIT with no transports: got %d, want 0", m.mergedVersion.nit)
	}
	versionBefore := m.mergedVersion.nit

	// A merge-side NIT that actually contributes a new transport must bump
	// the version.
	mergeNIT := psi.NIT{
		NetworkID: 2,
		Transports: map[uint16]psi.NITTransport{
			2: {TransportStreamID: 2, OriginalNetworkID: 2},
		},
	}
	feedSection(m.ProcessMerge, psi.PIDNIT, mergeNIT.Encode(true))
	if m.mergedVersion.nit == versionBefore {
		t.Fatal("version did not bump after an actual NIT content change")
	}

	d := psi.NewDemux()
	var got []byte
	for i := 0; i < 4 && got == nil; i++ {
		pkt := m.nitPkt.NextPacket()
		for _, sec := range d.Feed(psi.PIDNIT, &pkt) {
			got = sec
		}
	}
	if got == nil {
		t.Fatal("did not recover a merged NIT section")
	}
	sec, _, err := psi.Decode(got)
	if err != nil {
		t.Fatalf("Decode merged NIT: %v", err)
	}
	nit, err := psi.ParseNIT(sec)
	if err != nil {
		t.Fatalf("ParseNIT: %v", err)
	}
	if _, ok := nit.Transports[1]; !ok {
		t.Error("transport 1 (main) missing from merged NIT")
	}
	if _, ok := nit.Transports[2]; !ok {
		t.Error("transport 2 (merge) missing from merged NIT")
	}
}

func TestMerger_BAT_PerBouquet(t *testing.T) {
	m := New(Config{Options: MergeBAT, MainTSID: 1, Logger: discardLogger()})

	mainBAT1 := psi.BAT{
		BouquetID: 10,
		Transports: map[uint16]psi.NITTransport{
			1: {TransportStreamID: 1, OriginalNetworkID: 1},
		},
	}
	mergeBAT1 := psi.BAT{
		BouquetID: 10,
		Transports: map[uint16]psi.NITTransport{
			2: {TransportStreamID: 2, OriginalNetworkID: 1},
		},
	}
	mainBAT2 := psi.BAT{
		BouquetID: 20,
		Transports: map[uint16]psi.NITTransport{
			3: {TransportStreamID: 3, OriginalNetworkID: 1},
		},
	}

	feedSection(m.ProcessMain, psi.PIDSDT, mainBAT1.Encode())
	feedSection(m.ProcessMain, psi.PIDSDT, mainBAT2.Encode())
	feedSection(m.ProcessMerge, psi.PIDSDT, mergeBAT1.Encode())

	if m.sdtBatPkt.Empty() {
		t.Fatal("expected the shared SDT/BAT packetizer to carry merged BAT sections")
	}

	d := psi.NewDemux()
	found := map[uint16]psi.BAT{}
	for i := 0; i < 8 && len(found) < 2; i++ {
		pkt := m.sdtBatPkt.NextPacket()
		for _, sec := range d.Feed(psi.PIDSDT, &pkt) {
			if len(sec) == 0 || sec[0] != psi.TableIDBATFirst {
				continue
			}
			s, _, err := psi.Decode(sec)
			if err != nil {
				continue
			}
			bat, err := psi.ParseBAT(s)
			if err != nil {
				continue
			}
			found[bat.BouquetID] = bat
		}
	}

	bat10, ok := found[10]
	if !ok {
		t.Fatal("bouquet 10 missing from merged output")
	}
	if _, ok := bat10.Transports[1]; !ok {
		t.Error("bouquet 10: transport 1 (main) missing")
	}
	if _, ok := bat10.Transports[2]; !ok {
		t.Error("bouquet 10: transport 2 (merge) missing")
	}

	bat20, ok := found[20]
	if !ok {
		t.Fatal("bouquet 20 (main-only, no merge-side counterpart) missing from merged output")
	}
	if _, ok := bat20.Transports[3]; !ok {
		t.Error("bouquet 20: transport 3 missing")
	}
}

func TestMerger_TDT_NulledByDefault(t *testing.T) {
	m := New(Config{MainTSID: 1, Logger: discardLogger()})
	var pkt tspacket.Packet
	pkt[0] = tspacket.SyncByte
	pkt.SetPID(psi.PIDTDT)
	pkt[3] = 0x10

	m.ProcessMain(&pkt)
	if pkt.PID() != tspacket.NullPID {
		t.Fatal("expected main-side TDT to be nulled without KEEP_MAIN_TDT")
	}
}

func TestMerger_TDT_KeptWhenOptionSet(t *testing.T) {
	m := New(Config{Options: KeepMainTDT, MainTSID: 1, Logger: discardLogger()})
	var pkt tspacket.Packet
	pkt[0] = tspacket.SyncByte
	pkt.SetPID(psi.PIDTDT)
	pkt[3] = 0x10

	m.ProcessMain(&pkt)
	if !pkt.IsValid() {
		t.Fatal("expected main-side TDT to pass through with KEEP_MAIN_TDT")
	}
}

func TestMerger_EIT_FIFOAndTSIDRewrite(t *testing.T) {
	m := New(Config{Options: MergeEIT, MainTSID: 0xAAAA, EITBacklog: 4, Logger: discardLogger()})

	section := psi.Encode(psi.Section{
		TableID:                psi.TableIDEITActual,
		SectionSyntaxIndicator: true,
		TableIDExtension:       1,
		CurrentNext:            true,
		Payload:                []byte{0x00, 0x01, 0x00, 0x02, 0x00, psi.TableIDEITActual},
	})
	feedSection(m.ProcessMerge, psi.PIDEIT, section)

	if got := m.EITPending(); got == 0 {
		t.Fatal("expected a queued EIT section after merge-side feed")
	}

	pkt := m.EITPacket()
	if !pkt.IsValid() {
		t.Fatal("EITPacket returned an invalid packet despite a pending section")
	}
	d := psi.NewDemux()
	var got []byte
	for _, sec := range d.Feed(psi.PIDEIT, &pkt) {
		got = sec
	}
	if got == nil {
		t.Fatal("could not recover the re-emitted EIT section")
	}
	tsID := uint16(got[8])<<8 | uint16(got[9])
	if tsID != 0xAAAA {
		t.Fatalf("re-emitted EIT TS id = 0x%04x, want 0xAAAA", tsID)
	}
}

func TestMerger_EIT_MergePIDAlwaysNulled(t *testing.T) {
	m := New(Config{MainTSID: 1, Logger: discardLogger()})
	var pkt tspacket.Packet
	pkt[0] = tspacket.SyncByte
	pkt.SetPID(psi.PIDEIT)
	pkt[3] = 0x10

	m.ProcessMerge(&pkt)
	if pkt.PID() != tspacket.NullPID {
		t.Fatal("merge-side EIT PID should always be replaced with null (re-emission happens on the FIFO's own packetizer)")
	}
}
