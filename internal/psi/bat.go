package psi

import "fmt"

// BAT is the parsed Bouquet Association Table for one bouquet_id, per
// spec.md §3's "for BAT a map keyed by bouquet_id" and §4.7's "BAT:
// merged per bouquet_id independently; same transport-description logic
// as NIT". Reuses NIT's transport-loop shape since BAT sections have
// identical framing to NIT sections but for bouquets instead of networks.
type BAT struct {
	BouquetID          uint16
	Version            uint8
	BouquetDescriptors []Descriptor
	Transports         map[uint16]NITTransport
}

// ParseBAT decodes one BAT section.
func ParseBAT(s Section) (BAT, error) {
	if s.TableID != TableIDBATFirst {
		return BAT{}, fmt.Errorf("psi: not a BAT section (table_id 0x%02x)", s.TableID)
	}
	transports, descs, err := parseTransportLoop(s.Payload)
	if err != nil {
		return BAT{}, err
	}
	return BAT{
		BouquetID:          s.TableIDExtension,
		Version:            s.VersionNumber,
		BouquetDescriptors: descs,
		Transports:         transports,
	}, nil
}

// Encode serializes the BAT back to a section.
func (b BAT) Encode() []byte {
	return Encode(Section{
		TableID:                TableIDBATFirst,
		SectionSyntaxIndicator: true,
		TableIDExtension:       b.BouquetID,
		VersionNumber:          b.Version,
		CurrentNext:            true,
		Payload:                encodeTransportLoop(b.BouquetDescriptors, b.Transports),
	})
}
