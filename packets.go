package tftp

import (
	"bytes"
	"encoding/binary"
)

const terminator = 0x00

// PeekOp reads the leading opcode of a datagram and validates it against
// the five legal values.
func PeekOp(buf []byte) (OpCode, error) {
	if len(buf) < 2 {
		return 0, ErrBadPacket
	}
	op := OpCode(binary.BigEndian.Uint16(buf[0:2]))
	if op < OpReadRequest || op > OpError {
		return 0, ErrBadPacket
	}
	return op, nil
}

// Request is a read or write request (opcodes 1 and 2). It opens a
// transfer and carries the filename and the negotiated mode.
type Request struct {
	Op       OpCode
	Filename string
	Mode     Mode
}

// fits reports whether the serialized request stays inside one datagram.
// The longest filename for OCTET mode is 502 bytes.
func (r Request) fits() bool {
	return fixedRequestBytes+len(r.Filename)+len(r.Mode.String()) < MaxPacketSize
}

// Encode writes the request into buf and returns the byte count.
func (r Request) Encode(buf []byte) (int, error) {
	if r.Op != OpReadRequest && r.Op != OpWriteRequest {
		return 0, ErrBadRequest
	}
	if !r.fits() {
		return 0, ErrBadRequest
	}
	mode := r.Mode.String()
	need := fixedRequestBytes + len(r.Filename) + len(mode)
	if len(buf) < need {
		return 0, ErrBadRequest
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(r.Op))
	head := 2
	head += copy(buf[head:], r.Filename)
	buf[head] = terminator
	head++
	head += copy(buf[head:], mode)
	buf[head] = terminator
	head++
	return head, nil
}

// RequestFromBytes parses an inbound request: two NUL-terminated ASCII
// strings following the opcode.
func RequestFromBytes(buf []byte) (Request, error) {
	op, err := PeekOp(buf)
	if err != nil {
		return Request{}, err
	}
	if op != OpReadRequest && op != OpWriteRequest {
		return Request{}, ErrBadPacket
	}
	filename, next, err := parseString(buf, 2)
	if err != nil {
		return Request{}, err
	}
	modeString, _, err := parseString(buf, next)
	if err != nil {
		return Request{}, err
	}
	mode, err := ParseMode(modeString)
	if err != nil {
		return Request{}, ErrBadPacket
	}
	return Request{Op: op, Filename: filename, Mode: mode}, nil
}

// parseString scans a NUL-terminated string and returns it together with
// the offset just past the terminator.
func parseString(buf []byte, start int) (string, int, error) {
	for i := start; i < len(buf); i++ {
		if buf[i] == terminator {
			return string(buf[start:i]), i + 1, nil
		}
	}
	return "", 0, ErrBadPacket
}

// Data carries one block of file payload. Block numbering starts at 1;
// the payload is at most MaxDataSize bytes and a shorter payload marks
// the final block of a transfer.
type Data struct {
	Block   uint16
	Payload []byte
}

func (d Data) Encode(buf []byte) (int, error) {
	if len(d.Payload) > MaxDataSize {
		return 0, ErrBadRequest
	}
	need := fixedDataBytes + len(d.Payload)
	if len(buf) < need {
		return 0, ErrBadRequest
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpData))
	binary.BigEndian.PutUint16(buf[2:4], d.Block)
	copy(buf[fixedDataBytes:], d.Payload)
	return need, nil
}

// DataFromBytes parses a Data packet of the given datagram length. The
// returned payload aliases buf.
func DataFromBytes(buf []byte, length int) (Data, error) {
	if length < fixedDataBytes || length > MaxPacketSize || length > len(buf) {
		return Data{}, ErrBadPacket
	}
	op, err := PeekOp(buf)
	if err != nil || op != OpData {
		return Data{}, ErrBadPacket
	}
	return Data{
		Block:   binary.BigEndian.Uint16(buf[2:4]),
		Payload: buf[fixedDataBytes:length],
	}, nil
}

// Ack acknowledges one block. Block 0 acknowledges the request itself.
type Ack struct {
	Block uint16
}

func (a Ack) Encode(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, ErrBadRequest
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpAck))
	binary.BigEndian.PutUint16(buf[2:4], a.Block)
	return 4, nil
}

func AckFromBytes(buf []byte) (Ack, error) {
	if len(buf) < 4 {
		return Ack{}, ErrBadPacket
	}
	op, err := PeekOp(buf)
	if err != nil || op != OpAck {
		return Ack{}, ErrBadPacket
	}
	return Ack{Block: binary.BigEndian.Uint16(buf[2:4])}, nil
}

// ErrorPacket terminates a transfer with a code and a human readable
// message. The message is NUL-terminated on the wire.
type ErrorPacket struct {
	Code    ErrorCode
	Message string
}

func (e ErrorPacket) Encode(buf []byte) (int, error) {
	need := 4 + len(e.Message) + 1
	if need > MaxPacketSize || len(buf) < need {
		return 0, ErrBadRequest
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpError))
	binary.BigEndian.PutUint16(buf[2:4], uint16(e.Code))
	head := 4
	head += copy(buf[head:], e.Message)
	buf[head] = terminator
	head++
	return head, nil
}

// ErrorFromBytes parses an Error packet. Unrecognized codes collapse to
// Undefined, and a missing NUL ends the message at the datagram length.
func ErrorFromBytes(buf []byte, length int) (ErrorPacket, error) {
	if length < 4 || length > MaxPacketSize || length > len(buf) {
		return ErrorPacket{}, ErrBadPacket
	}
	op, err := PeekOp(buf)
	if err != nil || op != OpError {
		return ErrorPacket{}, ErrBadPacket
	}
	code := ErrorCode(binary.BigEndian.Uint16(buf[2:4]))
	if code > ErrCodeNoSuchUser {
		code = ErrCodeUndefined
	}
	message := buf[4:length]
	if i := bytes.IndexByte(message, terminator); i >= 0 {
		message = message[:i]
	}
	return ErrorPacket{Code: code, Message: string(message)}, nil
}
