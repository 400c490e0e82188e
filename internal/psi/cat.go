package psi

import "fmt"

// CAT is the parsed Conditional Access Table: a flat list of CA
// descriptors keyed by ca_pid for the merger's conflict detection
// (spec.md §4.7 "CAT: union of CA descriptors by ca_pid").
type CAT struct {
	Version     uint8
	Descriptors []Descriptor
}

// ParseCAT decodes a CAT section's payload (a bare descriptor list).
func ParseCAT(s Section) (CAT, error) {
	if s.TableID != TableIDCAT {
		return CAT{}, fmt.Errorf("psi: not a CAT section (table_id 0x%02x)", s.TableID)
	}
	descs, err := DecodeDescriptors(s.Payload)
	if err != nil {
		return CAT{}, err
	}
	return CAT{Version: s.VersionNumber, Descriptors: descs}, nil
}

// Encode serializes the CAT.
func (c CAT) Encode() []byte {
	return Encode(Section{
		TableID:                TableIDCAT,
		SectionSyntaxIndicator: true,
		TableIDExtension:       0xFFFF, // reserved, all CAT sections share table_id_extension 0xFFFF
		VersionNumber:          c.Version,
		CurrentNext:            true,
		Payload:                EncodeDescriptors(c.Descriptors),
	})
}

// EMMPIDs returns the set of ca_pid values present in the table, the key
// the merger uses to detect conflicting EMM PIDs across two streams.
func (c CAT) EMMPIDs() []uint16 {
	var out []uint16
	for _, d := range c.Descriptors {
		if pid, ok := d.CAPID(); ok {
			out = append(out, pid)
		}
	}
	return out
}
