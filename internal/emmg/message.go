// Package emmg implements the engine's EMMG/PDG side of the EMMG/PDG↔MUX
// protocol (spec.md §6): a TCP control session exchanging TLV messages
// with a MUX peer (channel_setup, stream_setup, bandwidth_request/
// allocation, stream_close), plus a TCP or UDP data_provision channel
// carrying EMM/ECM sections or whole TS packets. The engine always plays
// the EMMG/PDG role; the MUX is the remote peer.
package emmg

import (
	"encoding/binary"
	"fmt"
)

// ProtocolVersion selects which of EMMG/PDG↔MUX protocol versions 1-5 a
// Client speaks. Versions differ only in a handful of optional
// parameters, not in overall message shape, so it is threaded as a
// single parameter through encode/decode rather than modeled as five
// separate message sets.
type ProtocolVersion uint8

const (
	ProtocolV1 ProtocolVersion = 1
	ProtocolV2 ProtocolVersion = 2
	ProtocolV3 ProtocolVersion = 3
	ProtocolV4 ProtocolVersion = 4
	ProtocolV5 ProtocolVersion = 5
)

// Tag identifies a message type within the EMMG/PDG↔MUX control session.
type Tag uint16

const (
	TagChannelSetup         Tag = 0x0001
	TagChannelTest          Tag = 0x0002
	TagChannelStatus        Tag = 0x0003
	TagChannelClose         Tag = 0x0004
	TagChannelError         Tag = 0x0005
	TagStreamSetup          Tag = 0x0011
	TagStreamTest           Tag = 0x0012
	TagStreamStatus         Tag = 0x0013
	TagStreamCloseRequest   Tag = 0x0014
	TagStreamCloseResponse  Tag = 0x0015
	TagStreamError          Tag = 0x0016
	TagStreamBWRequest      Tag = 0x0017
	TagStreamBWAllocation   Tag = 0x0018
	TagDataProvision        Tag = 0x0019
)

// Parameter tags carried as TLV fields inside a Message's body.
const (
	ParamClientID          uint16 = 0x0001
	ParamSectionTSPID      uint16 = 0x0002
	ParamDataChannelID     uint16 = 0x0003
	ParamDataStreamID      uint16 = 0x0004
	ParamDataID            uint16 = 0x0005
	ParamBandwidth         uint16 = 0x0007
	ParamDataType          uint16 = 0x000B
	ParamDataProvisionData uint16 = 0x000C
	ParamClientIDExtension uint16 = 0x000F
)

// Parameter is one TLV field within a Message.
type Parameter struct {
	Tag   uint16
	Value []byte
}

// Message is one EMMG/PDG↔MUX control-session PDU.
type Message struct {
	Version    ProtocolVersion
	Tag        Tag
	Parameters []Parameter
}

// Param returns the first parameter with the given tag, if present.
func (m Message) Param(tag uint16) ([]byte, bool) {
	for _, p := range m.Parameters {
		if p.Tag == tag {
			return p.Value, true
		}
	}
	return nil, false
}

// ParamUint16 returns a 2-byte parameter as a uint16.
func (m Message) ParamUint16(tag uint16) (uint16, bool) {
	v, ok := m.Param(tag)
	if !ok || len(v) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(v), true
}

// ParamUint32 returns a 4-byte parameter as a uint32.
func (m Message) ParamUint32(tag uint16) (uint32, bool) {
	v, ok := m.Param(tag)
	if !ok || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

func u16Param(tag uint16, v uint16) Parameter {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return Parameter{Tag: tag, Value: b[:]}
}

func u32Param(tag uint16, v uint32) Parameter {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return Parameter{Tag: tag, Value: b[:]}
}

// Encode serializes a Message to its wire form: version(1) + tag(2) +
// body_length(2) + a sequence of TLV parameters, each tag(2)+length(2)+value.
func Encode(m Message) []byte {
	var body []byte
	for _, p := range m.Parameters {
		var head [4]byte
		binary.BigEndian.PutUint16(head[0:2], p.Tag)
		binary.BigEndian.PutUint16(head[2:4], uint16(len(p.Value)))
		body = append(body, head[:]...)
		body = append(body, p.Value...)
	}
	out := make([]byte, 5, 5+len(body))
	out[0] = byte(m.Version)
	binary.BigEndian.PutUint16(out[1:3], uint16(m.Tag))
	binary.BigEndian.PutUint16(out[3:5], uint16(len(body)))
	out = append(out, body...)
	return out
}

// Decode parses one Message from data, returning the number of bytes
// consumed. data may contain more than one message; the caller uses the
// returned length to advance past this one.
func Decode(data []byte) (Message, int, error) {
	if len(data) < 5 {
		return Message{}, 0, fmt.Errorf("emmg: truncated message header (%d bytes)", len(data))
	}
	version := ProtocolVersion(data[0])
	tag := Tag(binary.BigEndian.Uint16(data[1:3]))
	bodyLen := int(binary.BigEndian.Uint16(data[3:5]))
	if len(data) < 5+bodyLen {
		return Message{}, 0, fmt.Errorf("emmg: truncated message body (want %d, have %d)", bodyLen, len(data)-5)
	}
	body := data[5 : 5+bodyLen]

	var params []Parameter
	for len(body) > 0 {
		if len(body) < 4 {
			return Message{}, 0, fmt.Errorf("emmg: truncated parameter header")
		}
		pTag := binary.BigEndian.Uint16(body[0:2])
		pLen := int(binary.BigEndian.Uint16(body[2:4]))
		if len(body) < 4+pLen {
			return Message{}, 0, fmt.Errorf("emmg: truncated parameter value")
		}
		params = append(params, Parameter{Tag: pTag, Value: append([]byte(nil), body[4:4+pLen]...)})
		body = body[4+pLen:]
	}
	return Message{Version: version, Tag: tag, Parameters: params}, 5 + bodyLen, nil
}
