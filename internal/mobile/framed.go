// Package mobile implements the TCP ingest server for mobile devices:
// a framed wire protocol carrying metadata, audio, video and user data,
// pumped through FIFOs into an FFmpeg muxer that republishes to RTMP.
package mobile

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Frame layout: [type:u8][length:u32 big-endian][payload].
const HeaderSize = 5

// maxFrameSize rejects absurd length fields before allocating.
const maxFrameSize = 16 << 20

// FrameType is the first header byte.
type FrameType byte

// Wire frame types.
const (
	FrameMetadata FrameType = 0
	FrameVideo    FrameType = 1
	FrameAudio    FrameType = 2
	FrameUserdata FrameType = 3
)

// String names the frame type for logs.
func (t FrameType) String() string {
	switch t {
	case FrameMetadata:
		return "metadata"
	case FrameVideo:
		return "video"
	case FrameAudio:
		return "audio"
	case FrameUserdata:
		return "userdata"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// ErrSocketClosed is returned when the peer closes mid-frame or the
// read deadline expires.
var ErrSocketClosed = errors.New("socket closed")

// Envelope is the JSON body of metadata and userdata frames.
type Envelope struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// DecodeEnvelope parses a metadata/userdata payload.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return &e, nil
}

// FramedConn reads and writes protocol frames over one connection.
// Reads are bounded by the configured timeout; writes are serialized.
type FramedConn struct {
	conn        net.Conn
	r           *bufio.Reader
	readTimeout time.Duration

	writeMu sync.Mutex
}

// NewFramedConn wraps a connection. readTimeout bounds every frame
// read; zero disables the deadline.
func NewFramedConn(conn net.Conn, readTimeout time.Duration) *FramedConn {
	return &FramedConn{
		conn:        conn,
		r:           bufio.NewReader(conn),
		readTimeout: readTimeout,
	}
}

// ReadFrame reads the next complete frame. A closed peer, a partial
// frame at EOF, or an expired deadline all yield ErrSocketClosed.
func (c *FramedConn) ReadFrame() (FrameType, []byte, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, nil, fmt.Errorf("setting read deadline: %w", err)
		}
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrSocketClosed, err)
	}

	typ := FrameType(header[0])
	size := binary.BigEndian.Uint32(header[1:])
	if size > maxFrameSize {
		return 0, nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrSocketClosed, err)
	}
	return typ, payload, nil
}

// WriteFrame sends one frame.
func (c *FramedConn) WriteFrame(typ FrameType, payload []byte) error {
	header := make([]byte, HeaderSize, HeaderSize+len(payload))
	header[0] = byte(typ)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(append(header, payload...)); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// WriteMetadata sends a metadata frame with an action envelope.
func (c *FramedConn) WriteMetadata(action string, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encoding metadata content: %w", err)
	}
	body, err := json.Marshal(Envelope{Type: action, Content: raw})
	if err != nil {
		return fmt.Errorf("encoding metadata envelope: %w", err)
	}
	return c.WriteFrame(FrameMetadata, body)
}

// Close closes the underlying connection.
func (c *FramedConn) Close() error {
	return c.conn.Close()
}
