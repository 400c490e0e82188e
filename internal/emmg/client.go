package emmg

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gotsp/tsproc/internal/tserr"
)

// Config configures a Client's control-session connection to a MUX peer.
type Config struct {
	Address         string // MUX control-session host:port
	Version         ProtocolVersion
	ClientID        uint32
	DialTimeout     time.Duration // 0 uses DefaultDialTimeout
	ResponseTimeout time.Duration // 0 uses DefaultResponseTimeout
	Logger          *slog.Logger
}

const (
	DefaultDialTimeout     = 5 * time.Second
	DefaultResponseTimeout = 5 * time.Second
)

// Client is the engine's EMMG/PDG side of one EMMG/PDG↔MUX control
// session: it dials the MUX, performs channel_setup and per-stream
// stream_setup/bandwidth handshakes, and lets the caller push
// data_provision traffic on the negotiated data channel.
type Client struct {
	cfg Config
	log *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// NewClient creates a Client for cfg. Dial must be called before use.
func NewClient(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{cfg: cfg, log: cfg.Logger.With("component", "emmg")}
}

// Dial opens the TCP control session to the configured MUX address.
func (c *Client) Dial(ctx context.Context) error {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return fmt.Errorf("emmg: dial %s: %w", c.cfg.Address, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.r = bufio.NewReader(conn)
	c.mu.Unlock()
	c.log.Info("emmg: control session established", "address", c.cfg.Address, "version", c.cfg.Version)
	return nil
}

// Close ends the control session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// send writes one Message to the control connection.
func (c *Client) send(m Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("emmg: not connected")
	}
	_, err := conn.Write(Encode(m))
	return err
}

// recv reads one Message from the control connection, applying the
// configured response timeout.
func (c *Client) recv() (Message, error) {
	c.mu.Lock()
	conn, r := c.conn, c.r
	c.mu.Unlock()
	if conn == nil {
		return Message{}, fmt.Errorf("emmg: not connected")
	}
	conn.SetReadDeadline(time.Now().Add(c.cfg.ResponseTimeout))
	defer conn.SetReadDeadline(time.Time{})
	return readMessage(r)
}

// readMessage reads exactly one framed Message off r, first the 5-byte
// header (to learn the body length), then the body.
func readMessage(r *bufio.Reader) (Message, error) {
	header := make([]byte, 5)
	if _, err := readFull(r, header); err != nil {
		return Message{}, err
	}
	bodyLen := int(header[3])<<8 | int(header[4])
	buf := make([]byte, 5+bodyLen)
	copy(buf, header)
	if bodyLen > 0 {
		if _, err := readFull(r, buf[5:]); err != nil {
			return Message{}, err
		}
	}
	msg, _, err := Decode(buf)
	return msg, err
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// ChannelSetup sends a channel_setup request and waits for channel_status.
func (c *Client) ChannelSetup(channelID uint16) error {
	m := Message{
		Version: c.cfg.Version,
		Tag:     TagChannelSetup,
		Parameters: []Parameter{
			u32Param(ParamClientID, c.cfg.ClientID),
			u16Param(ParamDataChannelID, channelID),
		},
	}
	if err := c.send(m); err != nil {
		return err
	}
	resp, err := c.recv()
	if err != nil {
		return err
	}
	if resp.Tag == TagChannelError {
		return fmt.Errorf("emmg: channel_setup refused by MUX: %w", tserr.ErrPluginStart)
	}
	if resp.Tag != TagChannelStatus {
		return fmt.Errorf("emmg: unexpected response tag 0x%04x to channel_setup", resp.Tag)
	}
	return nil
}

// ChannelClose tears down the control channel.
func (c *Client) ChannelClose(channelID uint16) error {
	return c.send(Message{
		Version:    c.cfg.Version,
		Tag:        TagChannelClose,
		Parameters: []Parameter{u32Param(ParamClientID, c.cfg.ClientID), u16Param(ParamDataChannelID, channelID)},
	})
}

// StreamSetup sends a stream_setup request and waits for stream_status.
func (c *Client) StreamSetup(channelID, streamID uint16, dataID uint16) error {
	m := Message{
		Version: c.cfg.Version,
		Tag:     TagStreamSetup,
		Parameters: []Parameter{
			u32Param(ParamClientID, c.cfg.ClientID),
			u16Param(ParamDataChannelID, channelID),
			u16Param(ParamDataStreamID, streamID),
			u16Param(ParamDataID, dataID),
		},
	}
	if err := c.send(m); err != nil {
		return err
	}
	resp, err := c.recv()
	if err != nil {
		return err
	}
	if resp.Tag == TagStreamError {
		return fmt.Errorf("emmg: stream_setup refused by MUX: %w", tserr.ErrPluginStart)
	}
	if resp.Tag != TagStreamStatus {
		return fmt.Errorf("emmg: unexpected response tag 0x%04x to stream_setup", resp.Tag)
	}
	return nil
}

// RequestBandwidth sends a stream_BW_request and waits for the MUX's
// stream_BW_allocation, returning the allocated bandwidth in bits/sec.
func (c *Client) RequestBandwidth(channelID, streamID uint16, requestedBps uint32) (uint32, error) {
	m := Message{
		Version: c.cfg.Version,
		Tag:     TagStreamBWRequest,
		Parameters: []Parameter{
			u16Param(ParamDataChannelID, channelID),
			u16Param(ParamDataStreamID, streamID),
			u32Param(ParamBandwidth, requestedBps),
		},
	}
	if err := c.send(m); err != nil {
		return 0, err
	}
	resp, err := c.recv()
	if err != nil {
		return 0, err
	}
	if resp.Tag != TagStreamBWAllocation {
		return 0, fmt.Errorf("emmg: unexpected response tag 0x%04x to stream_BW_request", resp.Tag)
	}
	allocated, _ := resp.ParamUint32(ParamBandwidth)
	return allocated, nil
}

// StreamClose sends a stream_close_request and waits for the response.
func (c *Client) StreamClose(channelID, streamID uint16) error {
	m := Message{
		Version:    c.cfg.Version,
		Tag:        TagStreamCloseRequest,
		Parameters: []Parameter{u16Param(ParamDataChannelID, channelID), u16Param(ParamDataStreamID, streamID)},
	}
	if err := c.send(m); err != nil {
		return err
	}
	resp, err := c.recv()
	if err != nil {
		return err
	}
	if resp.Tag != TagStreamCloseResponse {
		return fmt.Errorf("emmg: unexpected response tag 0x%04x to stream_close_request", resp.Tag)
	}
	return nil
}
