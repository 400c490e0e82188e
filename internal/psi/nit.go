package psi

import (
	"encoding/binary"
	"fmt"
)

// NITTransport is one transport_stream entry within a NIT or BAT
// section, per spec.md §4.7's NIT/BAT merge rule (transports merged by
// transport_stream_id).
type NITTransport struct {
	TransportStreamID uint16
	OriginalNetworkID uint16
	Descriptors       []Descriptor
}

// NIT is the parsed Network Information Table (actual network only).
type NIT struct {
	NetworkID          uint16
	Version            uint8
	NetworkDescriptors []Descriptor
	Transports         map[uint16]NITTransport // keyed by transport_stream_id
}

// ParseNIT decodes a NIT section's payload: reserved(4)+network_descriptors_length(12)
// + network_descriptors + reserved(4)+transport_stream_loop_length(12) +
// a sequence of transport entries.
func ParseNIT(s Section) (NIT, error) {
	if s.TableID != TableIDNITActual && s.TableID != TableIDNITOther {
		return NIT{}, fmt.Errorf("psi: not a NIT section (table_id 0x%02x)", s.TableID)
	}
	transports, netDescs, err := parseTransportLoop(s.Payload)
	if err != nil {
		return NIT{}, err
	}
	return NIT{
		NetworkID:          s.TableIDExtension,
		Version:            s.VersionNumber,
		NetworkDescriptors: netDescs,
		Transports:         transports,
	}, nil
}

// parseTransportLoop parses the common NIT/BAT payload shape:
// descriptors_length(12 bits) + descriptors, then
// transport_stream_loop_length(12 bits) + transport entries.
func parseTransportLoop(payload []byte) (map[uint16]NITTransport, []Descriptor, error) {
	if len(payload) < 2 {
		return nil, nil, fmt.Errorf("psi: truncated descriptor-loop length")
	}
	descLen := int(binary.BigEndian.Uint16(payload[0:2]) & 0x0FFF)
	if len(payload) < 2+descLen+2 {
		return nil, nil, fmt.Errorf("psi: truncated descriptor loop")
	}
	netDescs, err := DecodeDescriptors(payload[2 : 2+descLen])
	if err != nil {
		return nil, nil, err
	}
	data := payload[2+descLen:]
	loopLen := int(binary.BigEndian.Uint16(data[0:2]) & 0x0FFF)
	if len(data) < 2+loopLen {
		return nil, nil, fmt.Errorf("psi: truncated transport loop")
	}
	data = data[2 : 2+loopLen]

	transports := make(map[uint16]NITTransport)
	for len(data) > 0 {
		if len(data) < 6 {
			return nil, nil, fmt.Errorf("psi: truncated transport entry")
		}
		tsID := binary.BigEndian.Uint16(data[0:2])
		onID := binary.BigEndian.Uint16(data[2:4])
		tDescLen := int(binary.BigEndian.Uint16(data[4:6]) & 0x0FFF)
		if len(data) < 6+tDescLen {
			return nil, nil, fmt.Errorf("psi: truncated transport descriptors")
		}
		descs, err := DecodeDescriptors(data[6 : 6+tDescLen])
		if err != nil {
			return nil, nil, err
		}
		transports[tsID] = NITTransport{TransportStreamID: tsID, OriginalNetworkID: onID, Descriptors: descs}
		data = data[6+tDescLen:]
	}
	return transports, netDescs, nil
}

func encodeTransportLoop(netDescs []Descriptor, transports map[uint16]NITTransport) []byte {
	netDescBytes := EncodeDescriptors(netDescs)
	out := make([]byte, 2, 4+len(netDescBytes)+len(transports)*8)
	binary.BigEndian.PutUint16(out[0:2], uint16(len(netDescBytes))|0xF000)
	out = append(out, netDescBytes...)

	var loop []byte
	for tsID, t := range transports {
		descBytes := EncodeDescriptors(t.Descriptors)
		var head [6]byte
		binary.BigEndian.PutUint16(head[0:2], tsID)
		binary.BigEndian.PutUint16(head[2:4], t.OriginalNetworkID)
		binary.BigEndian.PutUint16(head[4:6], uint16(len(descBytes))|0xF000)
		loop = append(loop, head[:]...)
		loop = append(loop, descBytes...)
	}
	var loopLenField [2]byte
	binary.BigEndian.PutUint16(loopLenField[:], uint16(len(loop))|0xF000)
	out = append(out, loopLenField[:]...)
	out = append(out, loop...)
	return out
}

// Encode serializes the NIT back to a section. actual selects whether
// this is NIT-actual or NIT-other.
func (n NIT) Encode(actual bool) []byte {
	tableID := uint8(TableIDNITActual)
	if !actual {
		tableID = TableIDNITOther
	}
	return Encode(Section{
		TableID:                tableID,
		SectionSyntaxIndicator: true,
		TableIDExtension:       n.NetworkID,
		VersionNumber:          n.Version,
		CurrentNext:            true,
		Payload:                encodeTransportLoop(n.NetworkDescriptors, n.Transports),
	})
}
