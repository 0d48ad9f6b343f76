// Package wire implements the frontend binary protocol's MessageCodec: a
// length-prefixed, tagged frame format shared by every client/server
// message kind in spec.md §4.1 and §6. The codec itself is mechanical —
// it has no knowledge of what a Parse or Execute payload means, only how
// to find frame boundaries in a byte stream.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Kind tags a frame's message type. Tag assignments are fixed for the
// latest stable protocol version per spec.md §9's Open Question
// resolution — cross-version negotiation is out of scope for this core.
type Kind byte

// Client -> server message kinds.
const (
	KindClientHandshake       Kind = 'V'
	KindAuthenticationResp    Kind = 'p'
	KindParse                 Kind = 'P'
	KindExecute               Kind = 'O'
	KindSync                  Kind = 'S'
	KindFlush                 Kind = 'F'
	KindTerminate             Kind = 'X'
	KindDumpBlock             Kind = '>'
	KindRestoreBlock          Kind = '<'
)

// Server -> client message kinds.
const (
	KindServerHandshake        Kind = 'v'
	KindAuthenticationRequired Kind = 'R'
	KindAuthenticationOk       Kind = 'A'
	KindParameterStatus        Kind = 'S' // distinct direction; see Message.Dir
	KindServerKeyData          Kind = 'K'
	KindReadyForCommand        Kind = 'Z'
	KindCommandDataDescription Kind = 'T'
	KindData                   Kind = 'D'
	KindCommandComplete        Kind = 'C'
	KindStateDataDescription   Kind = 's'
	KindErrorResponse          Kind = 'E'
	KindLogMessage             Kind = 'L'
)

// MaxFrameLength bounds the payload a single frame may carry. Frames
// whose declared length exceeds this are rejected as BadFrame without
// buffering the (attacker-controlled) payload.
const MaxFrameLength = 64 << 20 // 64 MiB

// headerLen is kind(1) + length(4); length includes the header itself.
const headerLen = 5

// Message is a decoded, fully-framed wire message: a tagged byte kind
// plus its payload (header and length field stripped).
type Message struct {
	Kind    Kind
	Payload []byte
}

// BadFrame is returned when a frame's declared length is out of bounds.
type BadFrame struct {
	Length uint32
}

func (e *BadFrame) Error() string {
	return fmt.Sprintf("wire: bad frame length %d (header=%d max=%d)", e.Length, headerLen, headerLen+MaxFrameLength)
}

// Truncated is returned when the stream ends mid-frame.
type Truncated struct {
	Wanted, Got int
}

func (e *Truncated) Error() string {
	return fmt.Sprintf("wire: truncated frame: wanted %d bytes, got %d", e.Wanted, e.Got)
}

// Encode appends the framed encoding of kind+payload to dst and returns
// the extended slice. length_including_header = headerLen + len(payload).
func Encode(dst []byte, kind Kind, payload []byte) []byte {
	dst = append(dst, byte(kind))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(headerLen+len(payload)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, payload...)
	return dst
}

// Decoder turns a byte stream into a sequence of fully-framed Messages.
// It buffers partial reads across calls to Next; a single Read may yield
// zero, one, or many complete messages depending on how much the
// underlying reader handed back.
type Decoder struct {
	r   *bufio.Reader
	buf []byte // growable scratch buffer reused across frames
}

// NewDecoder wraps r with frame decoding. r is read in bufio-sized
// chunks; callers should not read from the underlying connection
// directly once wrapped.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 32*1024)}
}

// Next blocks until one complete frame is available, returning io.EOF
// (wrapped) if the stream ends cleanly between frames, or *Truncated if
// it ends mid-frame.
func (d *Decoder) Next() (Message, error) {
	header, err := d.readExactly(headerLen)
	if err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, err
	}

	kind := Kind(header[0])
	length := binary.BigEndian.Uint32(header[1:5])
	if length < headerLen || uint64(length)-headerLen > MaxFrameLength {
		return Message{}, &BadFrame{Length: length}
	}

	payloadLen := int(length) - headerLen
	payload, err := d.readExactly(payloadLen)
	if err != nil {
		return Message{}, err
	}

	// Copy out of the scratch buffer: the next Next() call reuses it.
	out := make([]byte, payloadLen)
	copy(out, payload)
	return Message{Kind: kind, Payload: out}, nil
}

func (d *Decoder) readExactly(n int) ([]byte, error) {
	if cap(d.buf) < n {
		d.buf = make([]byte, n)
	}
	buf := d.buf[:n]
	read, err := io.ReadFull(d.r, buf)
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, &Truncated{Wanted: n, Got: read}
		}
		return nil, err
	}
	return buf, nil
}

// Encoder buffers and flushes framed messages to an io.Writer.
type Encoder struct {
	w   *bufio.Writer
	buf []byte
}

// NewEncoder wraps w with frame encoding. Messages are buffered until
// Flush is called, matching the Sync-boundary flush semantics of §5:
// a Sync flushes all pending effects.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriterSize(w, 32*1024)}
}

// Write frames and buffers one message. It does not flush.
func (e *Encoder) Write(kind Kind, payload []byte) error {
	e.buf = Encode(e.buf[:0], kind, payload)
	_, err := e.w.Write(e.buf)
	return err
}

// Flush pushes all buffered frames to the underlying writer.
func (e *Encoder) Flush() error {
	return e.w.Flush()
}
