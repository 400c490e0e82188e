// Package psi implements the PSI/SI table domain model of spec.md §3 and
// §4.7: PAT/CAT/NIT/SDT/BAT/EIT section parsing and encoding, version
// bookkeeping, a cycling packetizer, and DVB SI text decoding. Table
// identifiers and section framing follow spec.md §6's "standard MPEG/DVB
// layout" requirement bit-for-bit; merge semantics live in
// internal/psimerge.
package psi

import (
	"encoding/binary"
	"fmt"

	"github.com/asticode/go-astikit"
)

// Standard DVB/MPEG-2 PIDs carrying PSI/SI tables.
const (
	PIDPAT = 0x0000
	PIDCAT = 0x0001
	PIDNIT = 0x0010
	PIDSDT = 0x0011
	PIDBAT = 0x0011 // shares PID 0x0011 with SDT, distinguished by table_id
	PIDEIT = 0x0012
	PIDTDT = 0x0014
	PIDTOT = 0x0014 // shares PID 0x0014 with TDT, distinguished by table_id
)

// Standard table_id values this package recognizes.
const (
	TableIDPAT        = 0x00
	TableIDCAT        = 0x01
	TableIDPMT        = 0x02
	TableIDNITActual  = 0x40
	TableIDNITOther   = 0x41
	TableIDSDTActual  = 0x42
	TableIDSDTOther   = 0x46
	TableIDBATFirst   = 0x4A
	TableIDEITActual  = 0x4E // plus schedule ranges 0x50-0x5F, not distinguished here
	TableIDEITOther   = 0x4F
	TableIDTDT        = 0x70
	TableIDTOT        = 0x73
)

// Section is the generic MPEG-2 long-form section syntax (table_id
// through CRC_32), shared by PAT/CAT/NIT/SDT/BAT. EIT sections are kept
// as opaque blobs (see eit.go) since the merger never inspects their
// event list, only rewrites two header bytes.
type Section struct {
	TableID                uint8
	SectionSyntaxIndicator bool
	TableIDExtension       uint16 // transport_stream_id / program_number / service_id / bouquet_id
	VersionNumber          uint8  // 5 bits, modulo-32 per spec.md §3
	CurrentNext            bool
	SectionNumber          uint8
	LastSectionNumber      uint8
	Payload                []byte // table-specific bytes between last_section_number and CRC_32
}

// Encode serializes s into its full wire bytes, including CRC_32, using
// astikit.BitsWriter for the byte-level assembly (the teacher pack's own
// go-astits muxer example constructs exactly this kind of writer over a
// bytes.Buffer before computing the section CRC).
func Encode(s Section) []byte {
	body := make([]byte, 0, 5+len(s.Payload))
	body = append(body, byte(s.TableIDExtension>>8), byte(s.TableIDExtension))
	vByte := byte(0xC0) | (s.VersionNumber&0x1F)<<1
	if s.CurrentNext {
		vByte |= 0x01
	}
	body = append(body, vByte, s.SectionNumber, s.LastSectionNumber)
	body = append(body, s.Payload...)

	sectionLength := uint16(len(body)+4) & 0x0FFF // +4 for the trailing CRC_32

	var buf bitsBuffer
	bw := astikit.NewBitsWriter(astikit.BitsWriterOptions{Writer: &buf})
	bw.Write(s.TableID)
	b0 := byte(0x30) // reserved bits '11'
	if s.SectionSyntaxIndicator {
		b0 |= 0x80
	}
	b0 |= byte(sectionLength >> 8 & 0x0F)
	bw.Write(b0)
	bw.Write(byte(sectionLength))
	bw.Write(body)

	out := buf.Bytes()
	crc := CRC32(out)
	var crcBytes [4]byte
	binary.BigEndian.PutUint32(crcBytes[:], crc)
	return append(out, crcBytes[:]...)
}

// Decode parses one section starting at the front of data (data may
// contain trailing bytes belonging to later sections or stuffing; only
// the declared section_length is consumed). Returns the parsed section
// and the number of bytes consumed.
func Decode(data []byte) (Section, int, error) {
	if len(data) < 8 {
		return Section{}, 0, fmt.Errorf("psi: section header truncated (%d bytes)", len(data))
	}
	tableID := data[0]
	ssi := data[1]&0x80 != 0
	length := int(data[1]&0x0F)<<8 | int(data[2])
	total := 3 + length
	if len(data) < total {
		return Section{}, 0, fmt.Errorf("psi: section body truncated (want %d, have %d)", total, len(data))
	}
	if length < 9 { // table_id_extension(2)+version/current(1)+secnum(1)+lastsecnum(1)+crc(4)
		return Section{}, 0, fmt.Errorf("psi: section_length %d too small", length)
	}
	full := data[:total]
	gotCRC := binary.BigEndian.Uint32(full[total-4:])
	wantCRC := CRC32(full[:total-4])
	if gotCRC != wantCRC {
		return Section{}, 0, fmt.Errorf("psi: crc mismatch (table_id 0x%02x)", tableID)
	}

	tableIDExt := binary.BigEndian.Uint16(data[3:5])
	version := (data[5] >> 1) & 0x1F
	current := data[5]&0x01 != 0
	secNum := data[6]
	lastSecNum := data[7]
	payload := append([]byte(nil), data[8:total-4]...)

	return Section{
		TableID:                tableID,
		SectionSyntaxIndicator: ssi,
		TableIDExtension:       tableIDExt,
		VersionNumber:          version,
		CurrentNext:            current,
		SectionNumber:          secNum,
		LastSectionNumber:      lastSecNum,
		Payload:                payload,
	}, total, nil
}

// NextVersion increments a 5-bit version number modulo 32, per spec.md
// §3's "monotonically incremented version number modulo 32".
func NextVersion(v uint8) uint8 {
	return (v + 1) & 0x1F
}

// bitsBuffer is a minimal growable byte sink satisfying io.Writer, used
// as the backing store for astikit.BitsWriter during section assembly.
type bitsBuffer struct {
	b []byte
}

func (w *bitsBuffer) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func (w *bitsBuffer) Bytes() []byte {
	return w.b
}
