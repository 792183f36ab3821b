package tftp

import (
	"fmt"
	"strings"
)

const (
	// MaxPacketSize is the largest datagram RFC 1350 allows on the wire.
	MaxPacketSize = 512

	fixedRequestBytes = 4
	fixedDataBytes    = 4

	// MaxDataSize is the payload capacity of a Data packet after its
	// 2-byte opcode and 2-byte block header.
	MaxDataSize = MaxPacketSize - fixedDataBytes
)

// maxFileSize is the largest file a 16-bit block counter can address.
const maxFileSize = 65535 * MaxDataSize

// OpCode identifies the packet kind carried in the two leading bytes of
// every TFTP datagram.
type OpCode uint16

const (
	OpReadRequest OpCode = iota + 1
	OpWriteRequest
	OpData
	OpAck
	OpError
)

func (op OpCode) String() string {
	switch op {
	case OpReadRequest:
		return "RRQ"
	case OpWriteRequest:
		return "WRQ"
	case OpData:
		return "DATA"
	case OpAck:
		return "ACK"
	case OpError:
		return "ERROR"
	default:
		return fmt.Sprintf("OpCode(%d)", uint16(op))
	}
}

// Mode is the transfer representation negotiated by a request. The mode
// string is matched case-insensitively on the wire and defaults to binary.
type Mode uint8

const (
	// ModeBinary transfers the raw 8-bit bytes of the file ("OCTET").
	ModeBinary Mode = iota
	// ModeText transfers netascii text ("NETASCII").
	ModeText
)

const (
	binaryModeString = "OCTET"
	textModeString   = "NETASCII"
)

func (m Mode) String() string {
	if m == ModeText {
		return textModeString
	}
	return binaryModeString
}

// ParseMode maps a wire mode string to a Mode, ignoring case.
func ParseMode(s string) (Mode, error) {
	switch {
	case strings.EqualFold(s, binaryModeString):
		return ModeBinary, nil
	case strings.EqualFold(s, textModeString):
		return ModeText, nil
	default:
		return ModeBinary, fmt.Errorf("tftp: unknown transfer mode %q", s)
	}
}

// ErrorCode is the wire-level code carried by an Error packet.
type ErrorCode uint16

const (
	ErrCodeUndefined ErrorCode = iota
	ErrCodeFileNotFound
	ErrCodeAccessViolation
	ErrCodeDiskFull
	ErrCodeIllegalOperation
	ErrCodeUnknownTransferID
	ErrCodeFileAlreadyExists
	ErrCodeNoSuchUser
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeUndefined:
		return "Undefined"
	case ErrCodeFileNotFound:
		return "FileNotFound"
	case ErrCodeAccessViolation:
		return "AccessViolation"
	case ErrCodeDiskFull:
		return "DiskFull"
	case ErrCodeIllegalOperation:
		return "IllegalOperation"
	case ErrCodeUnknownTransferID:
		return "UnknownTransferId"
	case ErrCodeFileAlreadyExists:
		return "FileAlreadyExists"
	case ErrCodeNoSuchUser:
		return "NoSuchUser"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint16(c))
	}
}
