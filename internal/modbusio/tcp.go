// Package modbusio implements the gateway's Modbus TCP collaborator: a
// single-slave client speaking MBAP-framed Modbus TCP over a net.Conn, with
// transaction-id matching and connect/disconnect reporting for the gateway's
// connectivity tracker.
package modbusio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agms-cesar/knot-virtualthing/internal/gateway"
)

// Modbus TCP MBAP framing constants.
const (
	mbapHeaderLength   = 7
	maxPDULength       = 253
	maxTCPFrameLength  = mbapHeaderLength + maxPDULength
	protocolIdentifier = 0x0000
)

// Function codes used by the gateway. The protocol defines many more; the
// gateway only ever reads holding registers/coils and writes single
// registers/coils, so that is all this client implements.
const (
	funcReadCoils             = 0x01
	funcReadHoldingRegisters  = 0x03
	funcWriteSingleCoil       = 0x05
	funcWriteSingleRegister   = 0x06
	exceptionBit         byte = 0x80
)

// Config configures a Client.
type Config struct {
	Address    string
	UnitID     uint8
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Log        *logrus.Entry

	// OnUp and OnDown, if set, are called after a successful dial and after
	// a connection is lost or closed, respectively. The gateway wires these
	// to Gateway.NotifyModbusUp.
	OnUp   func()
	OnDown func()
}

// Client is a Modbus TCP client for one slave device, implementing
// gateway.ModbusLink. It never dials on its own: Dial must be called before
// first use and again to reconnect, so callers drive reconnection explicitly
// rather than the client retrying forever in the background, matching the
// gateway's event-driven connectivity model.
type Client struct {
	cfg Config
	log *logrus.Entry

	mu            sync.Mutex
	conn          net.Conn
	transactionID uint32
	closed        int32
}

var _ gateway.ModbusLink = (*Client)(nil)

// NewClient creates a Client. Dial must be called before ReadSensor/
// WriteSensor will succeed.
func NewClient(cfg Config) *Client {
	if cfg.UnitID == 0 {
		cfg.UnitID = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{cfg: cfg, log: log}
}

// Dial connects (or reconnects) to the slave and reports the result through
// OnUp/OnDown.
func (c *Client) Dial(ctx context.Context) error {
	d := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		if c.cfg.OnDown != nil {
			c.cfg.OnDown()
		}
		return fmt.Errorf("dialing modbus slave %s: %w", c.cfg.Address, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	atomic.StoreInt32(&c.closed, 0)
	c.mu.Unlock()

	c.log.WithField("addr", c.cfg.Address).Info("modbus link up")
	if c.cfg.OnUp != nil {
		c.cfg.OnUp()
	}
	return nil
}

// SetCallbacks installs the connect/disconnect reporting functions. Must be
// called before Dial for the first dial to report through them.
func (c *Client) SetCallbacks(onUp, onDown func()) {
	c.cfg.OnUp = onUp
	c.cfg.OnDown = onDown
}

// Close implements gateway.ModbusLink.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	if c.cfg.OnDown != nil {
		c.cfg.OnDown()
	}
	return conn.Close()
}

// ReadSensor implements gateway.ModbusLink. kind selects what is read: bool
// sources read the single coil at Source.RegAddr; int and float sources read
// the one holding register (16 bits) at Source.RegAddr, as a signed value for
// int and as the unsigned register value for float. Source.BitOffset is not
// used, and string sources are rejected.
func (c *Client) ReadSensor(ctx context.Context, src gateway.ModbusSource, kind gateway.ValueKind) (gateway.Value, error) {
	if kind == gateway.KindBool {
		bits, err := c.readCoils(ctx, src.RegAddr, 1)
		if err != nil {
			return gateway.Value{}, err
		}
		return gateway.Value{Kind: gateway.KindBool, B: bits[0]}, nil
	}

	regs, err := c.readHoldingRegisters(ctx, src.RegAddr, 1)
	if err != nil {
		return gateway.Value{}, err
	}
	raw := regs[0]

	switch kind {
	case gateway.KindInt:
		return gateway.Value{Kind: gateway.KindInt, Int: int64(int16(raw))}, nil
	case gateway.KindFloat:
		return gateway.Value{Kind: gateway.KindFloat, F: float64(raw)}, nil
	default:
		return gateway.Value{}, fmt.Errorf("modbusio: unsupported value kind %s for register read", kind)
	}
}

// WriteSensor implements gateway.ModbusLink.
func (c *Client) WriteSensor(ctx context.Context, src gateway.ModbusSource, kind gateway.ValueKind, v gateway.Value) error {
	switch kind {
	case gateway.KindBool:
		return c.writeSingleCoil(ctx, src.RegAddr, v.B)
	case gateway.KindInt:
		return c.writeSingleRegister(ctx, src.RegAddr, uint16(v.Int))
	case gateway.KindFloat:
		return c.writeSingleRegister(ctx, src.RegAddr, uint16(v.F))
	default:
		return fmt.Errorf("modbusio: unsupported value kind %s for register write", kind)
	}
}

func (c *Client) readCoils(ctx context.Context, addr uint16, quantity uint16) ([]bool, error) {
	req := make([]byte, 4)
	binary.BigEndian.PutUint16(req[0:2], addr)
	binary.BigEndian.PutUint16(req[2:4], quantity)

	resp, err := c.sendAndReceive(ctx, funcReadCoils, req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 || int(resp[0]) != len(resp)-1 {
		return nil, fmt.Errorf("modbusio: malformed read-coils response")
	}
	bits := make([]bool, quantity)
	for i := range bits {
		byteIdx := 1 + i/8
		bits[i] = resp[byteIdx]&(1<<uint(i%8)) != 0
	}
	return bits, nil
}

func (c *Client) readHoldingRegisters(ctx context.Context, addr uint16, quantity uint16) ([]uint16, error) {
	req := make([]byte, 4)
	binary.BigEndian.PutUint16(req[0:2], addr)
	binary.BigEndian.PutUint16(req[2:4], quantity)

	resp, err := c.sendAndReceive(ctx, funcReadHoldingRegisters, req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 || int(resp[0]) != int(quantity)*2 || len(resp) != 1+int(resp[0]) {
		return nil, fmt.Errorf("modbusio: malformed read-holding-registers response")
	}
	regs := make([]uint16, quantity)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(resp[1+2*i : 3+2*i])
	}
	return regs, nil
}

func (c *Client) writeSingleCoil(ctx context.Context, addr uint16, on bool) error {
	value := uint16(0x0000)
	if on {
		value = 0xFF00
	}
	req := make([]byte, 4)
	binary.BigEndian.PutUint16(req[0:2], addr)
	binary.BigEndian.PutUint16(req[2:4], value)
	_, err := c.sendAndReceive(ctx, funcWriteSingleCoil, req)
	return err
}

func (c *Client) writeSingleRegister(ctx context.Context, addr uint16, value uint16) error {
	req := make([]byte, 4)
	binary.BigEndian.PutUint16(req[0:2], addr)
	binary.BigEndian.PutUint16(req[2:4], value)
	_, err := c.sendAndReceive(ctx, funcWriteSingleRegister, req)
	return err
}

// sendAndReceive sends one request PDU and returns the response PDU's data
// (function code stripped), retrying the round trip up to MaxRetries times
// on transport errors or a mismatched transaction id.
func (c *Client) sendAndReceive(ctx context.Context, funcCode byte, data []byte) ([]byte, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("modbusio: not connected")
	}

	pdu := append([]byte{funcCode}, data...)

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		txID := uint16(atomic.AddUint32(&c.transactionID, 1))
		if err := c.sendFrame(conn, txID, pdu); err != nil {
			lastErr = err
			c.retryWait(ctx)
			continue
		}

		respTxID, respPDU, err := c.receiveFrame(conn)
		if err != nil {
			lastErr = err
			c.retryWait(ctx)
			continue
		}
		if respTxID != txID {
			lastErr = fmt.Errorf("modbusio: transaction id mismatch: sent %04x, got %04x", txID, respTxID)
			continue
		}
		if len(respPDU) == 0 {
			lastErr = fmt.Errorf("modbusio: empty response PDU")
			continue
		}
		if respPDU[0] == funcCode|exceptionBit {
			code := byte(0)
			if len(respPDU) > 1 {
				code = respPDU[1]
			}
			return nil, fmt.Errorf("modbusio: slave exception 0x%02x for function 0x%02x", code, funcCode)
		}
		if respPDU[0] != funcCode {
			lastErr = fmt.Errorf("modbusio: unexpected function code in response: got 0x%02x, want 0x%02x", respPDU[0], funcCode)
			continue
		}
		return respPDU[1:], nil
	}

	if c.cfg.OnDown != nil {
		c.cfg.OnDown()
	}
	return nil, fmt.Errorf("modbusio: request failed after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

func (c *Client) retryWait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.cfg.RetryDelay):
	}
}

func (c *Client) sendFrame(conn net.Conn, txID uint16, pdu []byte) error {
	if len(pdu) == 0 || len(pdu) > maxPDULength {
		return fmt.Errorf("modbusio: pdu length %d out of range", len(pdu))
	}
	frame := make([]byte, mbapHeaderLength+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], txID)
	binary.BigEndian.PutUint16(frame[2:4], protocolIdentifier)
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(pdu)+1))
	frame[6] = c.cfg.UnitID
	copy(frame[mbapHeaderLength:], pdu)

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
		return err
	}
	_, err := conn.Write(frame)
	return err
}

func (c *Client) receiveFrame(conn net.Conn) (uint16, []byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
		return 0, nil, err
	}

	header := make([]byte, mbapHeaderLength)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, nil, fmt.Errorf("modbusio: reading MBAP header: %w", err)
	}

	txID := binary.BigEndian.Uint16(header[0:2])
	proto := binary.BigEndian.Uint16(header[2:4])
	length := binary.BigEndian.Uint16(header[4:6])
	if proto != protocolIdentifier {
		return 0, nil, fmt.Errorf("modbusio: unexpected protocol identifier 0x%04x", proto)
	}
	if length == 0 || length > maxPDULength+1 {
		return 0, nil, fmt.Errorf("modbusio: invalid length field %d", length)
	}

	pduLen := int(length) - 1
	pdu := make([]byte, pduLen)
	if pduLen > 0 {
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return 0, nil, fmt.Errorf("modbusio: reading PDU: %w", err)
		}
	}
	return txID, pdu, nil
}
