// Package modbus implements the Modbus/TCP subset the gateway needs:
// holding-register reads and writes (function codes 0x03, 0x06, 0x10) over
// an MBAP-framed TCP connection. Framing is done directly over net.Conn;
// the protocol surface is deliberately tiny.
package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Function codes.
const (
	fcReadHoldingRegisters   = 0x03
	fcWriteSingleRegister    = 0x06
	fcWriteMultipleRegisters = 0x10
)

// MaxReadRegisters is the protocol limit for a single FC3 request.
const MaxReadRegisters = 125

const mbapHeaderLen = 7

// ExceptionError is a Modbus exception response (function code with the high
// bit set). It is a protocol-level failure, distinct from transport errors.
type ExceptionError struct {
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception: function=0x%02x code=0x%02x (%s)", e.Function, e.Code, exceptionName(e.Code))
}

func exceptionName(code byte) string {
	switch code {
	case 0x01:
		return "illegal function"
	case 0x02:
		return "illegal data address"
	case 0x03:
		return "illegal data value"
	case 0x04:
		return "server device failure"
	case 0x06:
		return "server device busy"
	default:
		return "unknown"
	}
}

// Client is a single Modbus/TCP connection. It is not safe for concurrent
// use; the device service serializes access per PLC.
type Client struct {
	conn    net.Conn
	timeout time.Duration
	unitID  byte
	txn     uint16
}

// Dial opens a Modbus/TCP connection. The timeout bounds the dial and every
// subsequent request/response round trip.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("modbus dial %s: %w", addr, err)
	}
	return &Client{conn: conn, timeout: timeout, unitID: 1}, nil
}

// Close shuts the connection down.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ReadHoldingRegisters issues FC3 for count registers starting at the
// zero-based address.
func (c *Client) ReadHoldingRegisters(address, count int) ([]uint16, error) {
	if count < 1 || count > MaxReadRegisters {
		return nil, fmt.Errorf("modbus: read count %d out of range [1..%d]", count, MaxReadRegisters)
	}
	pdu := make([]byte, 5)
	pdu[0] = fcReadHoldingRegisters
	binary.BigEndian.PutUint16(pdu[1:3], uint16(address))
	binary.BigEndian.PutUint16(pdu[3:5], uint16(count))

	resp, err := c.roundTrip(pdu)
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 || int(resp[1]) != 2*count || len(resp) < 2+2*count {
		return nil, fmt.Errorf("modbus: short FC3 response (%d bytes)", len(resp))
	}
	words := make([]uint16, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(resp[2+2*i : 4+2*i])
	}
	return words, nil
}

// WriteSingleRegister issues FC6 at the zero-based address.
func (c *Client) WriteSingleRegister(address int, value uint16) error {
	pdu := make([]byte, 5)
	pdu[0] = fcWriteSingleRegister
	binary.BigEndian.PutUint16(pdu[1:3], uint16(address))
	binary.BigEndian.PutUint16(pdu[3:5], value)

	resp, err := c.roundTrip(pdu)
	if err != nil {
		return err
	}
	if len(resp) < 5 {
		return fmt.Errorf("modbus: short FC6 response (%d bytes)", len(resp))
	}
	echoAddr := int(binary.BigEndian.Uint16(resp[1:3]))
	echoVal := binary.BigEndian.Uint16(resp[3:5])
	if echoAddr != address || echoVal != value {
		return fmt.Errorf("modbus: FC6 echo mismatch (addr %d val %d)", echoAddr, echoVal)
	}
	return nil
}

// WriteMultipleRegisters issues FC16 at the zero-based address.
func (c *Client) WriteMultipleRegisters(address int, values []uint16) error {
	if len(values) == 0 || len(values) > 123 {
		return fmt.Errorf("modbus: write count %d out of range [1..123]", len(values))
	}
	pdu := make([]byte, 6+2*len(values))
	pdu[0] = fcWriteMultipleRegisters
	binary.BigEndian.PutUint16(pdu[1:3], uint16(address))
	binary.BigEndian.PutUint16(pdu[3:5], uint16(len(values)))
	pdu[5] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(pdu[6+2*i:8+2*i], v)
	}

	resp, err := c.roundTrip(pdu)
	if err != nil {
		return err
	}
	if len(resp) < 5 {
		return fmt.Errorf("modbus: short FC16 response (%d bytes)", len(resp))
	}
	return nil
}

// roundTrip frames the PDU with an MBAP header, sends it, and reads the
// matching response PDU. Exception responses come back as *ExceptionError.
func (c *Client) roundTrip(pdu []byte) ([]byte, error) {
	c.txn++
	txn := c.txn

	frame := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], txn)
	// Protocol identifier 0 = Modbus.
	binary.BigEndian.PutUint16(frame[2:4], 0)
	binary.BigEndian.PutUint16(frame[4:6], uint16(1+len(pdu)))
	frame[6] = c.unitID
	copy(frame[mbapHeaderLen:], pdu)

	deadline := time.Now().Add(c.timeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("modbus write: %w", err)
	}

	header := make([]byte, mbapHeaderLen)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, fmt.Errorf("modbus read header: %w", err)
	}
	if got := binary.BigEndian.Uint16(header[0:2]); got != txn {
		return nil, fmt.Errorf("modbus: transaction id mismatch (sent %d, got %d)", txn, got)
	}
	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || length > 256 {
		return nil, fmt.Errorf("modbus: bad frame length %d", length)
	}
	resp := make([]byte, length-1)
	if _, err := io.ReadFull(c.conn, resp); err != nil {
		return nil, fmt.Errorf("modbus read body: %w", err)
	}

	if resp[0]&0x80 != 0 {
		if len(resp) < 2 {
			return nil, fmt.Errorf("modbus: truncated exception response")
		}
		return nil, &ExceptionError{Function: resp[0] &^ 0x80, Code: resp[1]}
	}
	if resp[0] != pdu[0] {
		return nil, fmt.Errorf("modbus: function echo mismatch (sent 0x%02x, got 0x%02x)", pdu[0], resp[0])
	}
	return resp, nil
}
