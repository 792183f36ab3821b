// Package tftp implements the packet codec and transfer state machine of
// the Trivial File Transfer Protocol (RFC 1350).
//
// The package is network agnostic. It turns received datagrams into state
// transitions and produces the next outgoing datagram into a caller
// supplied buffer; sockets, timers, retransmission and file storage stay
// with the caller.
package tftp

import "math"

// Role is the engine's local perspective on the active transfer. A peer's
// write request makes the local machine a reader and vice versa.
type Role uint8

const (
	RoleIdle Role = iota
	// RoleReader expects inbound Data and emits Acknowledgements.
	RoleReader
	// RoleWriter expects inbound Acknowledgements and emits Data.
	RoleWriter
)

func (r Role) String() string {
	switch r {
	case RoleReader:
		return "Reader"
	case RoleWriter:
		return "Writer"
	default:
		return "Idle"
	}
}

// Machine drives exactly one transfer at a time. It is fully synchronous
// and not safe for concurrent use; a caller serving several peers runs
// one Machine per peer.
//
// File buffers are borrowed from the caller for the duration of a
// transfer and dropped as soon as the machine returns to idle.
type Machine struct {
	role  Role
	mode  Mode
	block uint16
	in    *[]byte
	out   []byte
}

// New returns an idle machine in binary mode.
func New() *Machine {
	return &Machine{}
}

// Reset forces the machine back to idle and drops any borrowed file
// reference. The mode survives so a caller can configure it once.
func (m *Machine) Reset() {
	m.role = RoleIdle
	m.block = 0
	m.in = nil
	m.out = nil
}

// Busy reports whether a transfer is in progress.
func (m *Machine) Busy() bool {
	return m.role != RoleIdle
}

// Role returns the machine's current role.
func (m *Machine) Role() Role {
	return m.role
}

// Mode returns the transfer representation in effect.
func (m *Machine) Mode() Mode {
	return m.mode
}

// SetMode selects the transfer representation. The mode is fixed once a
// transfer is active.
func (m *Machine) SetMode(mode Mode) error {
	if m.Busy() {
		return ErrBusy
	}
	m.mode = mode
	return nil
}

// InitiateWrite encodes a write request for filename into tx and attaches
// file as the outgoing source. The first accepted inbound message is the
// acknowledgement of the request itself (block 0).
func (m *Machine) InitiateWrite(filename string, file []byte, tx []byte) (int, error) {
	if m.Busy() {
		return 0, ErrBusy
	}
	if len(file) > maxFileSize {
		return 0, ErrBadRequest
	}
	n, err := Request{Op: OpWriteRequest, Filename: filename, Mode: m.mode}.Encode(tx)
	if err != nil {
		return 0, err
	}
	m.out = file
	m.role = RoleWriter
	m.block = 0
	return n, nil
}

// InitiateRead encodes a read request for filename into tx and attaches
// file as the incoming sink. The first accepted inbound message is Data
// block 1.
func (m *Machine) InitiateRead(filename string, file *[]byte, tx []byte) (int, error) {
	if m.Busy() {
		return 0, ErrBusy
	}
	if file != nil && len(*file) > maxFileSize {
		return 0, ErrBadRequest
	}
	n, err := Request{Op: OpReadRequest, Filename: filename, Mode: m.mode}.Encode(tx)
	if err != nil {
		return 0, err
	}
	m.in = file
	m.role = RoleReader
	m.block = 1
	return n, nil
}

// ListenForRequest parses an inbound request while idle and adopts the
// inverse role: a peer write request makes this machine the reader, a
// peer read request makes it the writer. The filename is returned for
// the caller to resolve; the transfer continues with ReplyAsWriter or
// ReplyAsReader once a file is attached.
func (m *Machine) ListenForRequest(rx []byte) (string, error) {
	if m.Busy() {
		return "", ErrBusy
	}
	op, err := PeekOp(rx)
	if err != nil {
		return "", ErrBadPacket
	}
	switch op {
	case OpWriteRequest, OpReadRequest:
		req, err := RequestFromBytes(rx)
		if err != nil {
			return "", err
		}
		m.mode = req.Mode
		if op == OpWriteRequest {
			m.role = RoleReader
		} else {
			m.role = RoleWriter
		}
		return req.Filename, nil
	default:
		// Transfer traffic with nothing pending.
		return "", ErrNoConnection
	}
}

// ReplyAsWriter attaches the file to serve after ListenForRequest decided
// the local role is writer, and encodes Data block 1 into tx.
func (m *Machine) ReplyAsWriter(file []byte, tx []byte) (int, error) {
	if m.role != RoleWriter {
		return 0, ErrNoConnection
	}
	if len(file) > maxFileSize {
		return 0, ErrBadRequest
	}
	m.out = file
	m.block = 1
	return m.sendBlock(tx)
}

// ReplyAsReader attaches the file to receive after ListenForRequest
// decided the local role is reader, and encodes an acknowledgement of
// the request (block 0) into tx. Data block 1 is expected next.
func (m *Machine) ReplyAsReader(file *[]byte, tx []byte) (int, error) {
	if m.role != RoleReader {
		return 0, ErrNoConnection
	}
	m.in = file
	n, err := Ack{Block: 0}.Encode(tx)
	if err != nil {
		return 0, err
	}
	m.block = 1
	return n, nil
}

// Process consumes one inbound datagram of the given length while a
// transfer is active and encodes the reply, if any, into tx. A zero byte
// count with a nil error means the transfer completed and the machine is
// idle again.
func (m *Machine) Process(rx []byte, length int, tx []byte) (int, error) {
	if !m.Busy() {
		return 0, ErrNoConnection
	}
	if length > MaxPacketSize {
		return m.Abort(ErrCodeIllegalOperation, "datagram exceeds packet size", tx)
	}
	if length < 0 || length > len(rx) {
		return 0, ErrBadPacket
	}
	op, err := PeekOp(rx[:length])
	if err != nil {
		return 0, ErrBadPacket
	}
	switch op {
	case OpAck:
		if m.role != RoleWriter {
			return 0, ErrBadPacket
		}
		return m.handleAck(rx[:length], tx)
	case OpData:
		if m.role != RoleReader {
			return 0, ErrBadPacket
		}
		return m.handleData(rx, length, tx)
	case OpError:
		pkt, err := ErrorFromBytes(rx, length)
		if err != nil {
			return 0, ErrBadPacket
		}
		m.Reset()
		return 0, &PeerError{Code: pkt.Code, Message: pkt.Message}
	default:
		// A request arrived mid-transfer.
		return 0, ErrBusy
	}
}

// Abort encodes an Error packet into tx and unconditionally resets the
// machine. Callable in any state.
func (m *Machine) Abort(code ErrorCode, message string, tx []byte) (int, error) {
	if message == "" {
		message = "unknown error"
	}
	n, err := ErrorPacket{Code: code, Message: message}.Encode(tx)
	m.Reset()
	return n, err
}

// handleAck verifies the acknowledged block and emits the next Data
// packet, terminating when the file is exhausted or the block counter
// would wrap.
func (m *Machine) handleAck(rx []byte, tx []byte) (int, error) {
	ack, err := AckFromBytes(rx)
	if err != nil {
		return 0, err
	}
	if ack.Block != m.block {
		return 0, ErrBadPacket
	}
	if m.block == math.MaxUint16 {
		// The next block number is unrepresentable; terminate rather
		// than reuse one.
		m.Reset()
		return 0, nil
	}
	m.block++
	return m.sendBlock(tx)
}

// sendBlock encodes the current block of the outgoing file. Block n
// carries file bytes [(n-1)*MaxDataSize, n*MaxDataSize).
func (m *Machine) sendBlock(tx []byte) (int, error) {
	if m.out == nil {
		return 0, ErrNoFile
	}
	offset := (int(m.block) - 1) * MaxDataSize
	if offset >= len(m.out) {
		// Transfer complete.
		m.Reset()
		return 0, nil
	}
	end := offset + MaxDataSize
	if end > len(m.out) {
		end = len(m.out)
	}
	return Data{Block: m.block, Payload: m.out[offset:end]}.Encode(tx)
}

// handleData verifies the inbound block, appends its payload to the
// incoming file and acknowledges it. A payload shorter than MaxDataSize
// is the final block.
func (m *Machine) handleData(rx []byte, length int, tx []byte) (int, error) {
	data, err := DataFromBytes(rx, length)
	if err != nil {
		return 0, err
	}
	if data.Block != m.block {
		return 0, ErrBadPacket
	}
	if m.in == nil {
		return 0, ErrNoFile
	}
	*m.in = append(*m.in, data.Payload...)
	n, err := Ack{Block: m.block}.Encode(tx)
	if err != nil {
		return 0, err
	}
	if len(data.Payload) < MaxDataSize || m.block == math.MaxUint16 {
		m.Reset()
	} else {
		m.block++
	}
	return n, nil
}
