package tftp

import (
	"errors"
	"fmt"
)

var (
	// ErrBadRequest reports a transfer that could not be started because
	// the filename or the file does not fit the wire format.
	ErrBadRequest = errors.New("tftp: request is badly formed")

	// ErrBadPacket reports an inbound datagram that failed structural
	// validation. The machine state is unchanged and no reply is produced.
	ErrBadPacket = errors.New("tftp: packet failed to parse")

	// ErrBusy reports an operation that requires an idle machine while a
	// transfer is in progress, or a request arriving mid-transfer.
	ErrBusy = errors.New("tftp: transfer already in progress")

	// ErrNoConnection reports an operation that requires an active
	// transfer while the machine is idle, or a role mismatch on reply.
	ErrNoConnection = errors.New("tftp: no transfer in progress")

	// ErrNoFile reports a transfer step attempted before a file buffer
	// was attached.
	ErrNoFile = errors.New("tftp: no file attached to transfer")
)

// PeerError carries an Error packet received from the remote peer. The
// machine has already returned to idle when this surfaces.
type PeerError struct {
	Code    ErrorCode
	Message string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("tftp: peer error %d (%s): %s", uint16(e.Code), e.Code, e.Message)
}
