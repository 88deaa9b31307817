// Package gdbrsp implements the subset of the GDB remote serial protocol
// needed for live memory acquisition: packet framing with checksums, memory
// read/write commands and 32-bit register access on top of them.
//
// See https://sourceware.org/gdb/onlinedocs/gdb/Overview.html#Overview for
// the wire format.
package gdbrsp

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cesanta/errors"
	"github.com/sirupsen/logrus"
)

// DefaultRequestTimeout bounds each command/response exchange. A stalled
// server surfaces as a ProtoError, not a hang.
const DefaultRequestTimeout = 2 * time.Second

// ConnectError reports a failure to establish or verify the connection to
// the debug probe server. It is fatal to startup.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("cannot connect to gdb server at %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtoError reports a single failed command/response exchange. The caller
// decides whether to retry, skip or fall back; the connection itself is
// assumed to still be usable.
type ProtoError struct {
	Context  string
	Cmd      string
	Response string
}

func (e *ProtoError) Error() string {
	return fmt.Sprintf("gdb protocol error (%s): cmd %q, response %q", e.Context, e.Cmd, e.Response)
}

// Conn is a connection to a GDB remote protocol server. All operations are
// synchronous and blocking; Conn performs no internal retry or backoff. Once
// acquisition starts the connection is owned by the worker goroutine and
// must not be used concurrently.
type Conn struct {
	conn net.Conn
	rdr  *bufio.Reader

	outbuf bytes.Buffer

	requestTimeout time.Duration

	log *logrus.Entry
}

// Dial opens a TCP stream to the server and confirms a target is attached
// with a status query. Any failure is a ConnectError.
func Dial(host string, port int, requestTimeout time.Duration, log *logrus.Entry) (*Conn, error) {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	netConn, err := net.DialTimeout("tcp", addr, requestTimeout)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	c := &Conn{
		conn:           netConn,
		rdr:            bufio.NewReader(netConn),
		requestTimeout: requestTimeout,
		log:            log,
	}

	// Status query doubles as the attach handshake.
	if _, err := c.SendCommand("?"); err != nil {
		netConn.Close()
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	c.log.Debugf("connected to gdb server at %s", addr)
	return c, nil
}

// Close closes the underlying stream. The caller must ensure the worker has
// exited first.
func (c *Conn) Close() error {
	return c.conn.Close()
}

var hexdigit = []byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'}

func checksum(cmd []byte) byte {
	var sum byte
	for _, b := range cmd {
		sum += b
	}
	return sum
}

// SendCommand frames cmd as $<cmd>#<checksum>, writes it and returns the
// payload of the framed response. It does not retry.
func (c *Conn) SendCommand(cmd string) ([]byte, error) {
	c.outbuf.Reset()
	c.outbuf.WriteByte('$')
	c.outbuf.WriteString(cmd)
	sum := checksum([]byte(cmd))
	c.outbuf.WriteByte('#')
	c.outbuf.WriteByte(hexdigit[sum>>4])
	c.outbuf.WriteByte(hexdigit[sum&0xf])

	if err := c.conn.SetDeadline(time.Now().Add(c.requestTimeout)); err != nil {
		return nil, errors.Annotatef(err, "failed to set deadline for %q", cmd)
	}

	c.log.Debugf("<- %s", c.outbuf.String())
	if _, err := c.conn.Write(c.outbuf.Bytes()); err != nil {
		return nil, errors.Annotatef(err, "failed to send %q", cmd)
	}

	resp, err := c.recv()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read response to %q", cmd)
	}
	c.log.Debugf("-> %s", string(resp))
	return resp, nil
}

// recv reads one framed response and extracts its payload. The raw byte
// sequence is scanned for the frame: acknowledgement characters and anything
// else preceding the final '$' are discarded, and the two checksum
// characters after '#' are consumed but not verified.
func (c *Conn) recv() ([]byte, error) {
	raw, err := c.rdr.ReadBytes('#')
	if err != nil {
		return nil, err
	}
	cksum := make([]byte, 2)
	if _, err := io.ReadFull(c.rdr, cksum); err != nil {
		return nil, err
	}

	start := bytes.LastIndexByte(raw, '$')
	if start < 0 {
		return nil, &ProtoError{Context: "recv", Response: string(raw)}
	}
	// strip the '$' and the trailing '#'
	return raw[start+1 : len(raw)-1], nil
}

// ReadMemory issues m<addr>,<len> and decodes the hex payload. A server
// error code (Exx) yields an empty slice and no error: the caller decides
// whether missing data is fatal. A malformed or short payload is a
// ProtoError.
func (c *Conn) ReadMemory(address uint64, length int) ([]byte, error) {
	cmd := fmt.Sprintf("m%x,%x", address, length)
	resp, err := c.SendCommand(cmd)
	if err != nil {
		return nil, err
	}

	if isErrorReply(resp) {
		c.log.Debugf("read of 0x%x,%d refused: %s", address, length, string(resp))
		return nil, nil
	}

	data := make([]byte, hex.DecodedLen(len(resp)))
	n, err := hex.Decode(data, resp)
	if err != nil {
		return nil, &ProtoError{Context: "read memory", Cmd: cmd, Response: string(resp)}
	}
	if n < length {
		return nil, &ProtoError{Context: "short memory read", Cmd: cmd, Response: string(resp)}
	}
	return data[:length], nil
}

// WriteMemory issues M<addr>,<len>:<hexdata> and reports whether the server
// acknowledged the write.
func (c *Conn) WriteMemory(address uint64, data []byte) (bool, error) {
	cmd := fmt.Sprintf("M%x,%x:%s", address, len(data), hex.EncodeToString(data))
	resp, err := c.SendCommand(cmd)
	if err != nil {
		return false, err
	}
	return bytes.Contains(resp, []byte("OK")), nil
}

// ReadRegister reads a 32-bit little-endian value from a memory mapped
// register. Register reads double as best-effort probes during trace
// configuration, so any failure yields 0 rather than an error.
func (c *Conn) ReadRegister(address uint64) uint32 {
	data, err := c.ReadMemory(address, 4)
	if err != nil || len(data) != 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(data)
}

// WriteRegister writes a 32-bit little-endian value to a memory mapped
// register. A transport failure or a missing acknowledgement is an error.
func (c *Conn) WriteRegister(address uint64, value uint32) error {
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], value)
	ok, err := c.WriteMemory(address, data[:])
	if err != nil {
		return errors.Trace(err)
	}
	if !ok {
		return &ProtoError{Context: "register write not acknowledged", Cmd: fmt.Sprintf("M%x,4", address)}
	}
	return nil
}

// isErrorReply reports whether resp is an Exx error code reply.
func isErrorReply(resp []byte) bool {
	if len(resp) != 3 || resp[0] != 'E' {
		return false
	}
	for _, b := range resp[1:] {
		if !((b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')) {
			return false
		}
	}
	return true
}
