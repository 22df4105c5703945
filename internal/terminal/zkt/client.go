// Package zkt speaks the ZKTeco-style binary terminal protocol: fixed
// command/reply frames over TCP with a 16-bit additive checksum. The
// protocol has no incremental log fetch, so the full attendance buffer is
// read and filtered against the watermark client-side.
package zkt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	attendance "attendance-cloud/internal/attendance/domain"
	masterdata "attendance-cloud/internal/masterdata/domain"
	"attendance-cloud/internal/terminal"
)

const (
	frameMagic = 0x5A50

	cmdConnect    = 0x03E8
	cmdReadLog    = 0x03F0
	cmdDisconnect = 0x03E9

	replyOK     = 0x07D0
	replyError  = 0x07D1
	replyUnauth = 0x07D5

	// Log records are fixed width: 9-byte NUL-padded user id, 4-byte
	// device-local timestamp, 1-byte status, 2 reserved bytes.
	recordSize = 16

	maxFramePayload = 32 * 1024
)

// Adapter connects to family-zkt terminals.
type Adapter struct {
	timeout time.Duration
	loc     *time.Location
}

// NewAdapter constructs an adapter. Timestamps on the wire are naive
// device-local wall-clock values and are normalized into loc.
func NewAdapter(timeout time.Duration, loc *time.Location) *Adapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Adapter{timeout: timeout, loc: loc}
}

// Connect dials the device and performs the connect handshake.
func (a *Adapter) Connect(ctx context.Context, device masterdata.Device) (terminal.Conn, error) {
	dialer := net.Dialer{Timeout: a.timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", device.Addr())
	if err != nil {
		return nil, terminal.ClassifyNetErr(err)
	}

	conn := &Conn{
		device:  device,
		conn:    netConn,
		timeout: a.timeout,
		loc:     a.loc,
	}
	reply, _, err := conn.roundTrip(cmdConnect, nil)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}
	if reply != replyOK {
		_ = netConn.Close()
		return nil, terminal.Terminal(fmt.Errorf("zkt: handshake rejected with reply 0x%04X", reply))
	}
	return conn, nil
}

// Conn is an open session with one zkt terminal.
type Conn struct {
	device  masterdata.Device
	conn    net.Conn
	timeout time.Duration
	loc     *time.Location
	closed  bool
}

// FetchPunchesSince reads the full attendance log and drops entries at or
// before the watermark.
func (c *Conn) FetchPunchesSince(ctx context.Context, watermark time.Time) ([]attendance.RawPunch, error) {
	if c == nil || c.conn == nil {
		return nil, terminal.Terminal(errors.New("zkt: connection not open"))
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return nil, terminal.ClassifyNetErr(err)
		}
	}

	reply, payload, err := c.roundTrip(cmdReadLog, nil)
	if err != nil {
		return nil, err
	}
	switch reply {
	case replyOK:
	case replyUnauth:
		return nil, terminal.Terminal(errors.New("zkt: device refused log read"))
	default:
		return nil, terminal.Terminal(fmt.Errorf("zkt: unexpected reply 0x%04X", reply))
	}
	if len(payload)%recordSize != 0 {
		return nil, terminal.Terminal(fmt.Errorf("zkt: truncated log payload of %d bytes", len(payload)))
	}

	var punches []attendance.RawPunch
	for offset := 0; offset < len(payload); offset += recordSize {
		punch, err := c.decodeRecord(payload[offset : offset+recordSize])
		if err != nil {
			return nil, err
		}
		if !watermark.IsZero() && !punch.Timestamp.After(watermark) {
			continue
		}
		punches = append(punches, punch)
	}
	return punches, nil
}

// Close sends the disconnect verb best-effort and closes the socket.
func (c *Conn) Close() error {
	if c == nil || c.conn == nil || c.closed {
		return nil
	}
	c.closed = true
	_, _, _ = c.roundTrip(cmdDisconnect, nil)
	return c.conn.Close()
}

func (c *Conn) decodeRecord(raw []byte) (attendance.RawPunch, error) {
	userID := string(bytes.TrimRight(raw[:9], "\x00"))
	if userID == "" {
		return attendance.RawPunch{}, terminal.Terminal(errors.New("zkt: record with empty user id"))
	}
	seconds := binary.LittleEndian.Uint32(raw[9:13])
	status := decodeStatus(raw[13])

	// The wire timestamp is device-local wall-clock seconds; rebuild the
	// instant in the canonical location before it leaves the adapter.
	naive := time.Unix(int64(seconds), 0).UTC()
	ts := time.Date(naive.Year(), naive.Month(), naive.Day(), naive.Hour(), naive.Minute(), naive.Second(), 0, c.loc)

	return attendance.RawPunch{
		DeviceID:     c.device.ID,
		DeviceUserID: userID,
		Timestamp:    ts.UTC(),
		StatusCode:   status,
	}, nil
}

func decodeStatus(raw byte) attendance.PunchStatus {
	switch raw {
	case 0:
		return attendance.PunchStatusCheckIn
	case 1:
		return attendance.PunchStatusCheckOut
	default:
		return attendance.PunchStatusUnknown
	}
}

func (c *Conn) roundTrip(command uint16, payload []byte) (uint16, []byte, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, nil, terminal.ClassifyNetErr(err)
	}
	if err := writeFrame(c.conn, command, payload); err != nil {
		return 0, nil, terminal.ClassifyNetErr(err)
	}
	reply, body, err := readFrame(c.conn)
	if err != nil {
		return 0, nil, err
	}
	if reply == replyError {
		return reply, nil, terminal.Terminal(errors.New("zkt: device reported command error"))
	}
	return reply, body, nil
}

// Frame layout: magic(2) command(2) length(2) checksum(2) payload(length),
// all fields little-endian.
func writeFrame(w io.Writer, command uint16, payload []byte) error {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint16(header[0:2], frameMagic)
	binary.LittleEndian.PutUint16(header[2:4], command)
	binary.LittleEndian.PutUint16(header[4:6], uint16(len(payload)))
	binary.LittleEndian.PutUint16(header[6:8], checksum(payload))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func readFrame(r io.Reader) (uint16, []byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, terminal.ClassifyNetErr(err)
	}
	if binary.LittleEndian.Uint16(header[0:2]) != frameMagic {
		return 0, nil, terminal.Terminal(errors.New("zkt: bad frame magic"))
	}
	command := binary.LittleEndian.Uint16(header[2:4])
	length := int(binary.LittleEndian.Uint16(header[4:6]))
	sum := binary.LittleEndian.Uint16(header[6:8])
	if length > maxFramePayload {
		return 0, nil, terminal.Terminal(fmt.Errorf("zkt: oversized frame of %d bytes", length))
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, terminal.ClassifyNetErr(err)
	}
	if checksum(payload) != sum {
		return 0, nil, terminal.Terminal(errors.New("zkt: frame checksum mismatch"))
	}
	return command, payload, nil
}

func checksum(payload []byte) uint16 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return uint16(sum & 0xFFFF)
}
