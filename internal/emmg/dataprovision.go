package emmg

import (
	"encoding/binary"
	"fmt"
	"net"
)

// DataType distinguishes what data_provision carries: PSI/SI sections
// (EMM/ECM) or whole TS packets, per spec.md §6.
type DataType uint8

const (
	DataTypeSections DataType = 0
	DataTypePackets  DataType = 1
)

// DataSender delivers data_provision payloads to the MUX on the data
// channel negotiated by Client.StreamSetup, over whichever transport the
// channel_setup/stream_setup exchange selected.
type DataSender interface {
	// Send wraps one payload (a PSI/SI section or a run of TS packets,
	// per the stream's negotiated DataType) in a data_provision message
	// and transmits it.
	Send(channelID, streamID uint16, dataID uint16, payload []byte) error
	Close() error
}

// tcpDataSender sends data_provision as framed Messages over a TCP
// connection, reusing emmg's own TLV wire format.
type tcpDataSender struct {
	version ProtocolVersion
	conn    net.Conn
}

// NewTCPDataSender opens a TCP data_provision channel to address.
func NewTCPDataSender(address string, version ProtocolVersion) (DataSender, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("emmg: dial data channel %s: %w", address, err)
	}
	return &tcpDataSender{version: version, conn: conn}, nil
}

func (s *tcpDataSender) Send(channelID, streamID, dataID uint16, payload []byte) error {
	m := Message{
		Version: s.version,
		Tag:     TagDataProvision,
		Parameters: []Parameter{
			u16Param(ParamDataChannelID, channelID),
			u16Param(ParamDataStreamID, streamID),
			u16Param(ParamDataID, dataID),
			{Tag: ParamDataProvisionData, Value: payload},
		},
	}
	_, err := s.conn.Write(Encode(m))
	return err
}

func (s *tcpDataSender) Close() error { return s.conn.Close() }

// udpDataSender sends data_provision payloads as raw UDP datagrams: each
// datagram is channel_id(2) + stream_id(2) + data_id(2) + payload, since
// UDP's own framing makes the TLV control-session envelope unnecessary
// (spec.md §6: "either TCP or UDP data_provision").
type udpDataSender struct {
	conn *net.UDPConn
}

// NewUDPDataSender opens a UDP data_provision channel to address.
func NewUDPDataSender(address string) (DataSender, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("emmg: resolve data channel %s: %w", address, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("emmg: dial data channel %s: %w", address, err)
	}
	return &udpDataSender{conn: conn}, nil
}

func (s *udpDataSender) Send(channelID, streamID, dataID uint16, payload []byte) error {
	buf := make([]byte, 6+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], channelID)
	binary.BigEndian.PutUint16(buf[2:4], streamID)
	binary.BigEndian.PutUint16(buf[4:6], dataID)
	copy(buf[6:], payload)
	_, err := s.conn.Write(buf)
	return err
}

func (s *udpDataSender) Close() error { return s.conn.Close() }
