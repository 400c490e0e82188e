package psi

import (
	"encoding/binary"
	"fmt"
)

// PMTStream is one elementary_PID entry in a PMT's stream loop.
type PMTStream struct {
	StreamType  uint8
	PID         uint16
	Descriptors []Descriptor
}

// PMT is the parsed Program Map Table for one program, the sibling PAT
// names by program_number. It is what ties a program's PCR_PID to its
// elementary streams (spec.md §4.8's "PMT parsing tracks, per PID, which
// PID carries its PCR").
type PMT struct {
	ProgramNumber uint16
	Version       uint8
	PCRPID        uint16
	ProgramInfo   []Descriptor
	Streams       []PMTStream
}

// ParsePMT decodes a PMT section's payload: PCR_PID(13 bits) +
// program_info_length(12 bits) + program descriptors, followed by a
// stream loop of stream_type(1) + elementary_PID(13 bits) +
// ES_info_length(12 bits) + descriptors, repeated to the end of payload.
func ParsePMT(s Section) (PMT, error) {
	if s.TableID != TableIDPMT {
		return PMT{}, fmt.Errorf("psi: not a PMT section (table_id 0x%02x)", s.TableID)
	}
	if len(s.Payload) < 4 {
		return PMT{}, fmt.Errorf("psi: malformed PMT payload length %d", len(s.Payload))
	}
	pcrPID := binary.BigEndian.Uint16(s.Payload[0:2]) & 0x1FFF
	programInfoLen := int(binary.BigEndian.Uint16(s.Payload[2:4]) & 0x0FFF)
	if len(s.Payload) < 4+programInfoLen {
		return PMT{}, fmt.Errorf("psi: truncated PMT program_info")
	}
	programInfo, err := DecodeDescriptors(s.Payload[4 : 4+programInfoLen])
	if err != nil {
		return PMT{}, err
	}

	pmt := PMT{
		ProgramNumber: s.TableIDExtension,
		Version:       s.VersionNumber,
		PCRPID:        pcrPID,
		ProgramInfo:   programInfo,
	}

	rest := s.Payload[4+programInfoLen:]
	for len(rest) > 0 {
		if len(rest) < 5 {
			return PMT{}, fmt.Errorf("psi: truncated PMT stream entry")
		}
		streamType := rest[0]
		pid := binary.BigEndian.Uint16(rest[1:3]) & 0x1FFF
		esInfoLen := int(binary.BigEndian.Uint16(rest[3:5]) & 0x0FFF)
		if len(rest) < 5+esInfoLen {
			return PMT{}, fmt.Errorf("psi: truncated PMT ES descriptors")
		}
		descs, err := DecodeDescriptors(rest[5 : 5+esInfoLen])
		if err != nil {
			return PMT{}, err
		}
		pmt.Streams = append(pmt.Streams, PMTStream{StreamType: streamType, PID: pid, Descriptors: descs})
		rest = rest[5+esInfoLen:]
	}
	return pmt, nil
}

// ESPIDs returns the elementary stream PIDs declared in the PMT's stream
// loop, the set pcrmerge.Merger.ObservePMT wants for one PCR_PID.
func (p PMT) ESPIDs() []uint16 {
	out := make([]uint16, len(p.Streams))
	for i, st := range p.Streams {
		out[i] = st.PID
	}
	return out
}

// Encode serializes the PMT back into a single section.
func (p PMT) Encode() []byte {
	programInfo := EncodeDescriptors(p.ProgramInfo)
	payload := make([]byte, 0, 4+len(programInfo)+len(p.Streams)*5)

	var pcrBytes [2]byte
	binary.BigEndian.PutUint16(pcrBytes[:], p.PCRPID|0xE000)
	payload = append(payload, pcrBytes[:]...)

	var infoLenBytes [2]byte
	binary.BigEndian.PutUint16(infoLenBytes[:], uint16(len(programInfo))&0x0FFF|0xF000)
	payload = append(payload, infoLenBytes[:]...)
	payload = append(payload, programInfo...)

	for _, st := range p.Streams {
		descs := EncodeDescriptors(st.Descriptors)
		payload = append(payload, st.StreamType)

		var pidBytes [2]byte
		binary.BigEndian.PutUint16(pidBytes[:], st.PID|0xE000)
		payload = append(payload, pidBytes[:]...)

		var esLenBytes [2]byte
		binary.BigEndian.PutUint16(esLenBytes[:], uint16(len(descs))&0x0FFF|0xF000)
		payload = append(payload, esLenBytes[:]...)
		payload = append(payload, descs...)
	}

	return Encode(Section{
		TableID:                TableIDPMT,
		SectionSyntaxIndicator: true,
		TableIDExtension:       p.ProgramNumber,
		VersionNumber:          p.Version,
		CurrentNext:            true,
		Payload:                payload,
	})
}
