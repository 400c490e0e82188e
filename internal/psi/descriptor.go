package psi

import "fmt"

// Descriptor is a generic MPEG/DVB descriptor: one byte tag, one byte
// length, and tag-specific payload. The merger never needs to interpret
// most descriptor payloads, only compare/copy them wholesale and pick
// specific fields (ca_pid, service name) out of a few well-known tags.
type Descriptor struct {
	Tag     uint8
	Payload []byte
}

// Well-known descriptor tags this package inspects.
const (
	DescriptorTagCA      = 0x09
	DescriptorTagService = 0x48
)

// EncodeDescriptors serializes the descriptor list.
func EncodeDescriptors(list []Descriptor) []byte {
	out := make([]byte, 0, len(list)*4)
	for _, d := range list {
		out = append(out, d.Tag, byte(len(d.Payload)))
		out = append(out, d.Payload...)
	}
	return out
}

// DecodeDescriptors parses a tag/length/payload list occupying the whole
// of data.
func DecodeDescriptors(data []byte) ([]Descriptor, error) {
	var out []Descriptor
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, fmt.Errorf("psi: truncated descriptor header")
		}
		tag := data[0]
		l := int(data[1])
		if len(data) < 2+l {
			return nil, fmt.Errorf("psi: truncated descriptor payload (tag 0x%02x)", tag)
		}
		out = append(out, Descriptor{Tag: tag, Payload: append([]byte(nil), data[2:2+l]...)})
		data = data[2+l:]
	}
	return out, nil
}

// CAPID extracts the ca_pid field from a CA descriptor (tag 0x09):
// CA_system_ID (2 bytes) + reserved(3 bits) + CA_PID (13 bits) + private data.
func (d Descriptor) CAPID() (pid uint16, ok bool) {
	if d.Tag != DescriptorTagCA || len(d.Payload) < 4 {
		return 0, false
	}
	pid = (uint16(d.Payload[2])<<8 | uint16(d.Payload[3])) & 0x1FFF
	return pid, true
}

// CASystemID extracts the CA_system_id field from a CA descriptor.
func (d Descriptor) CASystemID() (id uint16, ok bool) {
	if d.Tag != DescriptorTagCA || len(d.Payload) < 2 {
		return 0, false
	}
	return uint16(d.Payload[0])<<8 | uint16(d.Payload[1]), true
}

// ServiceName extracts and decodes the service_name field from a service
// descriptor (tag 0x48): service_type(1) + provider_name(len+text) +
// service_name(len+text).
func (d Descriptor) ServiceName() (string, bool) {
	if d.Tag != DescriptorTagService || len(d.Payload) < 2 {
		return "", false
	}
	p := d.Payload[1:]
	provLen := int(p[0])
	if len(p) < 1+provLen+1 {
		return "", false
	}
	p = p[1+provLen:]
	nameLen := int(p[0])
	if len(p) < 1+nameLen {
		return "", false
	}
	return DecodeDVBText(p[1 : 1+nameLen]), true
}
