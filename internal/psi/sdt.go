package psi

import (
	"encoding/binary"
	"fmt"
)

// SDTService is one service entry within an SDT section.
type SDTService struct {
	ServiceID           uint16
	EITScheduleFlag     bool
	EITPresentFollowing bool
	RunningStatus       uint8 // 3 bits
	FreeCAMode          bool
	Descriptors         []Descriptor
}

// SDT is the parsed Service Description Table (actual TS only; spec.md
// §3 tracks one "current valid" SDT-actual instance per input stream).
type SDT struct {
	TransportStreamID uint16
	OriginalNetworkID uint16
	Version           uint8
	Services          map[uint16]SDTService
}

// ParseSDT decodes an SDT-actual section's payload: original_network_id
// (2) + reserved(1) + a sequence of service entries.
func ParseSDT(s Section) (SDT, error) {
	if s.TableID != TableIDSDTActual && s.TableID != TableIDSDTOther {
		return SDT{}, fmt.Errorf("psi: not an SDT section (table_id 0x%02x)", s.TableID)
	}
	if len(s.Payload) < 3 {
		return SDT{}, fmt.Errorf("psi: malformed SDT payload length %d", len(s.Payload))
	}
	sdt := SDT{
		TransportStreamID: s.TableIDExtension,
		OriginalNetworkID: binary.BigEndian.Uint16(s.Payload[0:2]),
		Version:           s.VersionNumber,
		Services:          make(map[uint16]SDTService),
	}
	data := s.Payload[3:]
	for len(data) > 0 {
		if len(data) < 5 {
			return SDT{}, fmt.Errorf("psi: truncated SDT service entry")
		}
		svc := SDTService{
			ServiceID:           binary.BigEndian.Uint16(data[0:2]),
			EITScheduleFlag:     data[2]&0x02 != 0,
			EITPresentFollowing: data[2]&0x01 != 0,
			RunningStatus:       data[3] >> 5,
			FreeCAMode:          data[3]&0x10 != 0,
		}
		descLen := int(data[3]&0x0F)<<8 | int(data[4])
		if len(data) < 5+descLen {
			return SDT{}, fmt.Errorf("psi: truncated SDT descriptor list")
		}
		descs, err := DecodeDescriptors(data[5 : 5+descLen])
		if err != nil {
			return SDT{}, err
		}
		svc.Descriptors = descs
		sdt.Services[svc.ServiceID] = svc
		data = data[5+descLen:]
	}
	return sdt, nil
}

// Encode serializes the SDT back to a section. actual selects whether
// this is the SDT-actual or SDT-other table_id.
func (t SDT) Encode(actual bool) []byte {
	payload := make([]byte, 3, 3+len(t.Services)*8)
	binary.BigEndian.PutUint16(payload[0:2], t.OriginalNetworkID)
	payload[2] = 0xFF
	for id, svc := range t.Services {
		descBytes := EncodeDescriptors(svc.Descriptors)
		var head [5]byte
		binary.BigEndian.PutUint16(head[0:2], id)
		head[2] = 0xFC
		if svc.EITScheduleFlag {
			head[2] |= 0x02
		}
		if svc.EITPresentFollowing {
			head[2] |= 0x01
		}
		head[3] = svc.RunningStatus<<5 | byte(len(descBytes)>>8&0x0F)
		if svc.FreeCAMode {
			head[3] |= 0x10
		}
		head[4] = byte(len(descBytes))
		payload = append(payload, head[:]...)
		payload = append(payload, descBytes...)
	}
	tableID := uint8(TableIDSDTActual)
	if !actual {
		tableID = TableIDSDTOther
	}
	return Encode(Section{
		TableID:                tableID,
		SectionSyntaxIndicator: true,
		TableIDExtension:       t.TransportStreamID,
		VersionNumber:          t.Version,
		CurrentNext:            true,
		Payload:                payload,
	})
}
