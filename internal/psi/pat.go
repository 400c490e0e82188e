package psi

import (
	"encoding/binary"
	"fmt"
)

// PAT is the parsed Program Association Table, per spec.md §3's "PSI
// state" entry for PAT.
type PAT struct {
	TransportStreamID uint16
	Version           uint8
	Programs          map[uint16]uint16 // program_number -> PMT PID (program 0 -> network PID)
}

// ParsePAT decodes a PAT section's payload (the bytes between
// last_section_number and CRC_32: a sequence of program_number(2) +
// reserved(3 bits) + PID(13 bits)).
func ParsePAT(s Section) (PAT, error) {
	if s.TableID != TableIDPAT {
		return PAT{}, fmt.Errorf("psi: not a PAT section (table_id 0x%02x)", s.TableID)
	}
	if len(s.Payload)%4 != 0 {
		return PAT{}, fmt.Errorf("psi: malformed PAT payload length %d", len(s.Payload))
	}
	pat := PAT{
		TransportStreamID: s.TableIDExtension,
		Version:           s.VersionNumber,
		Programs:          make(map[uint16]uint16, len(s.Payload)/4),
	}
	for i := 0; i < len(s.Payload); i += 4 {
		program := binary.BigEndian.Uint16(s.Payload[i : i+2])
		pid := binary.BigEndian.Uint16(s.Payload[i+2:i+4]) & 0x1FFF
		pat.Programs[program] = pid
	}
	return pat, nil
}

// Encode serializes the PAT back into a single section (real streams may
// split a PAT across sections when it grows past ~1021 bytes of
// payload; this engine's target programs-per-stream counts stay well
// under that in practice, and spec.md's merge rules operate at the
// program-map level, not the section-fragmentation level).
func (p PAT) Encode() []byte {
	payload := make([]byte, 0, len(p.Programs)*4)
	for program, pid := range p.Programs {
		var b [4]byte
		binary.BigEndian.PutUint16(b[0:2], program)
		binary.BigEndian.PutUint16(b[2:4], pid|0xE000)
		payload = append(payload, b[:]...)
	}
	return Encode(Section{
		TableID:                TableIDPAT,
		SectionSyntaxIndicator: true,
		TableIDExtension:       p.TransportStreamID,
		VersionNumber:          p.Version,
		CurrentNext:            true,
		Payload:                payload,
	})
}
