package tftp

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func ackFrame(block uint16) []byte {
	return []byte{0, byte(OpAck), byte(block >> 8), byte(block)}
}

func dataFrame(block uint16, payload []byte) []byte {
	frame := []byte{0, byte(OpData), byte(block >> 8), byte(block)}
	return append(frame, payload...)
}

func TestWriteTransfer(t *testing.T) {
	file := make([]byte, 1024)
	for i := range file {
		file[i] = byte(i)
	}
	tx := make([]byte, MaxPacketSize)
	m := New()

	n, err := m.InitiateWrite("ABCDE", file, tx)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 2, 'A', 'B', 'C', 'D', 'E', 0, 'O', 'C', 'T', 'E', 'T', 0}
	if diff := cmp.Diff(want, tx[:n]); diff != "" {
		t.Fatalf("request frame mismatch (-want +got):\n%s", diff)
	}
	if m.Role() != RoleWriter {
		t.Fatalf("role = %v, want Writer", m.Role())
	}

	// Ack for the request itself yields a full Data packet for block 1.
	frame := ackFrame(0)
	n, err = m.Process(frame, len(frame), tx)
	if err != nil {
		t.Fatal(err)
	}
	if n != MaxPacketSize {
		t.Fatalf("block 1 is %d bytes, want %d", n, MaxPacketSize)
	}
	if !bytes.Equal(tx[:4], []byte{0, 3, 0, 1}) {
		t.Fatalf("block 1 header = %v", tx[:4])
	}
	if !bytes.Equal(tx[4:n], file[:MaxDataSize]) {
		t.Fatal("block 1 payload does not match file bytes")
	}

	frame = ackFrame(1)
	n, err = m.Process(frame, len(frame), tx)
	if err != nil {
		t.Fatal(err)
	}
	if n != MaxPacketSize || !bytes.Equal(tx[4:n], file[MaxDataSize:2*MaxDataSize]) {
		t.Fatal("block 2 payload does not match file bytes")
	}

	// 1024 = 508 + 508 + 8: the final block is short.
	frame = ackFrame(2)
	n, err = m.Process(frame, len(frame), tx)
	if err != nil {
		t.Fatal(err)
	}
	if n != fixedDataBytes+8 || !bytes.Equal(tx[4:n], file[2*MaxDataSize:]) {
		t.Fatalf("final block is %d bytes", n)
	}

	frame = ackFrame(3)
	n, err = m.Process(frame, len(frame), tx)
	if err != nil || n != 0 {
		t.Fatalf("completion returned (%d, %v), want (0, nil)", n, err)
	}
	if m.Busy() {
		t.Error("machine still busy after completion")
	}
}

func TestWriteBlockMismatchLeavesStateUnchanged(t *testing.T) {
	tx := make([]byte, MaxPacketSize)
	m := New()
	if _, err := m.InitiateWrite("f", make([]byte, 100), tx); err != nil {
		t.Fatal(err)
	}

	stale := ackFrame(5)
	if _, err := m.Process(stale, len(stale), tx); !errors.Is(err, ErrBadPacket) {
		t.Fatalf("got %v, want ErrBadPacket", err)
	}
	if !m.Busy() {
		t.Fatal("mismatched ack reset the machine")
	}

	// The expected ack still advances the transfer.
	frame := ackFrame(0)
	n, err := m.Process(frame, len(frame), tx)
	if err != nil || n != fixedDataBytes+100 {
		t.Fatalf("got (%d, %v) after valid ack", n, err)
	}
}

func TestReadTransfer(t *testing.T) {
	tx := make([]byte, MaxPacketSize)
	m := New()

	var file []byte
	n, err := m.InitiateRead("ABCDE", &file, tx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 14 || tx[1] != byte(OpReadRequest) {
		t.Fatalf("request frame is %v", tx[:n])
	}
	if m.Role() != RoleReader {
		t.Fatalf("role = %v, want Reader", m.Role())
	}

	first := bytes.Repeat([]byte{0x5A}, MaxDataSize)
	frame := dataFrame(1, first)
	n, err = m.Process(frame, len(frame), tx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tx[:n], []byte{0, 4, 0, 1}) {
		t.Fatalf("ack frame = %v", tx[:n])
	}
	if len(file) != MaxDataSize || !m.Busy() {
		t.Fatalf("after full block: %d bytes buffered, busy=%v", len(file), m.Busy())
	}

	second := bytes.Repeat([]byte{0x5A}, 300)
	second[0] = 0xA5
	frame = dataFrame(2, second)
	n, err = m.Process(frame, len(frame), tx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tx[:n], []byte{0, 4, 0, 2}) {
		t.Fatalf("ack frame = %v", tx[:n])
	}
	if m.Busy() {
		t.Error("short block did not end the transfer")
	}
	want := append(bytes.Repeat([]byte{0x5A}, MaxDataSize), second...)
	if !bytes.Equal(file, want) {
		t.Error("received file does not match sent blocks")
	}
}

func TestReadZeroLengthBlockTerminates(t *testing.T) {
	tx := make([]byte, MaxPacketSize)
	m := New()
	var file []byte
	if _, err := m.InitiateRead("f", &file, tx); err != nil {
		t.Fatal(err)
	}

	full := dataFrame(1, bytes.Repeat([]byte{1}, MaxDataSize))
	if _, err := m.Process(full, len(full), tx); err != nil {
		t.Fatal(err)
	}
	if !m.Busy() {
		t.Fatal("full block terminated the transfer")
	}

	empty := dataFrame(2, nil)
	n, err := m.Process(empty, len(empty), tx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tx[:n], []byte{0, 4, 0, 2}) {
		t.Fatalf("ack frame = %v", tx[:n])
	}
	if m.Busy() {
		t.Error("zero-length block did not end the transfer")
	}
	if len(file) != MaxDataSize {
		t.Errorf("file holds %d bytes, want %d", len(file), MaxDataSize)
	}
}

func TestPeerErrorResets(t *testing.T) {
	tx := make([]byte, MaxPacketSize)
	m := New()
	if _, err := m.InitiateWrite("f", make([]byte, 2048), tx); err != nil {
		t.Fatal(err)
	}

	frame := append([]byte{0, 5, 0, 2}, "denied"...)
	frame = append(frame, 0)
	n, err := m.Process(frame, len(frame), tx)
	if n != 0 {
		t.Errorf("produced %d outbound bytes, want 0", n)
	}
	var peerErr *PeerError
	if !errors.As(err, &peerErr) {
		t.Fatalf("got %v, want PeerError", err)
	}
	if peerErr.Code != ErrCodeAccessViolation || peerErr.Message != "denied" {
		t.Errorf("surfaced %v %q", peerErr.Code, peerErr.Message)
	}
	if m.Busy() {
		t.Error("machine still busy after peer error")
	}
}

func TestListenAdoptsInverseRole(t *testing.T) {
	tx := make([]byte, MaxPacketSize)

	rrq := make([]byte, MaxPacketSize)
	n, err := (Request{Op: OpReadRequest, Filename: "boot.img", Mode: ModeBinary}).Encode(rrq)
	if err != nil {
		t.Fatal(err)
	}

	m := New()
	filename, err := m.ListenForRequest(rrq[:n])
	if err != nil {
		t.Fatal(err)
	}
	if filename != "boot.img" {
		t.Errorf("filename = %q", filename)
	}
	if m.Role() != RoleWriter {
		t.Fatalf("peer RRQ produced role %v, want Writer", m.Role())
	}

	// Replying with the wrong role must fail instead of silently acking.
	var sink []byte
	if _, err := m.ReplyAsReader(&sink, tx); !errors.Is(err, ErrNoConnection) {
		t.Errorf("ReplyAsReader on writer role: got %v, want ErrNoConnection", err)
	}

	n, err = m.ReplyAsWriter([]byte("payload"), tx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tx[:n], append([]byte{0, 3, 0, 1}, "payload"...)) {
		t.Errorf("reply frame = %v", tx[:n])
	}
}

func TestListenOnWriteRequest(t *testing.T) {
	tx := make([]byte, MaxPacketSize)
	wrq := make([]byte, MaxPacketSize)
	n, err := (Request{Op: OpWriteRequest, Filename: "up.bin", Mode: ModeText}).Encode(wrq)
	if err != nil {
		t.Fatal(err)
	}

	m := New()
	if _, err := m.ListenForRequest(wrq[:n]); err != nil {
		t.Fatal(err)
	}
	if m.Role() != RoleReader {
		t.Fatalf("peer WRQ produced role %v, want Reader", m.Role())
	}
	if m.Mode() != ModeText {
		t.Errorf("negotiated mode = %v, want Text", m.Mode())
	}

	var file []byte
	n, err = m.ReplyAsReader(&file, tx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tx[:n], []byte{0, 4, 0, 0}) {
		t.Fatalf("reply frame = %v, want ack 0", tx[:n])
	}

	// The peer now sends data starting at block 1.
	frame := dataFrame(1, []byte("contents"))
	n, err = m.Process(frame, len(frame), tx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tx[:n], []byte{0, 4, 0, 1}) || string(file) != "contents" {
		t.Errorf("ack frame %v, file %q", tx[:n], file)
	}
}

func TestListenRejectsTransferTraffic(t *testing.T) {
	m := New()
	if _, err := m.ListenForRequest(ackFrame(1)); !errors.Is(err, ErrNoConnection) {
		t.Errorf("ack while idle: got %v, want ErrNoConnection", err)
	}
	if _, err := m.ListenForRequest([]byte{0, 9, 0, 0}); !errors.Is(err, ErrBadPacket) {
		t.Errorf("bad opcode while idle: got %v, want ErrBadPacket", err)
	}
	if m.Busy() {
		t.Error("rejected datagrams changed the state")
	}
}

func TestRequestMidTransferIsBusy(t *testing.T) {
	tx := make([]byte, MaxPacketSize)
	m := New()
	if _, err := m.InitiateWrite("f", make([]byte, 10), tx); err != nil {
		t.Fatal(err)
	}

	rrq := []byte{0, 1, 'f', 0, 'O', 'C', 'T', 'E', 'T', 0}
	if _, err := m.Process(rrq, len(rrq), tx); !errors.Is(err, ErrBusy) {
		t.Errorf("got %v, want ErrBusy", err)
	}
	if _, err := m.ListenForRequest(rrq); !errors.Is(err, ErrBusy) {
		t.Errorf("got %v, want ErrBusy", err)
	}
	if _, err := m.InitiateRead("g", nil, tx); !errors.Is(err, ErrBusy) {
		t.Errorf("got %v, want ErrBusy", err)
	}
	if !m.Busy() {
		t.Error("state changed")
	}
}

func TestProcessWhileIdle(t *testing.T) {
	tx := make([]byte, MaxPacketSize)
	m := New()
	frame := ackFrame(0)
	if _, err := m.Process(frame, len(frame), tx); !errors.Is(err, ErrNoConnection) {
		t.Errorf("got %v, want ErrNoConnection", err)
	}
}

func TestOversizedDatagramAborts(t *testing.T) {
	tx := make([]byte, MaxPacketSize)
	m := New()
	if _, err := m.InitiateWrite("f", make([]byte, 10), tx); err != nil {
		t.Fatal(err)
	}

	huge := make([]byte, MaxPacketSize+1)
	n, err := m.Process(huge, len(huge), tx)
	if err != nil {
		t.Fatal(err)
	}
	pkt, err := ErrorFromBytes(tx, n)
	if err != nil {
		t.Fatal(err)
	}
	if pkt.Code != ErrCodeIllegalOperation {
		t.Errorf("abort code = %v, want IllegalOperation", pkt.Code)
	}
	if m.Busy() {
		t.Error("machine still busy after oversized datagram")
	}
}

func TestProcessWithoutFile(t *testing.T) {
	tx := make([]byte, MaxPacketSize)
	rrq := []byte{0, 1, 'f', 0, 'O', 'C', 'T', 'E', 'T', 0}

	m := New()
	if _, err := m.ListenForRequest(rrq); err != nil {
		t.Fatal(err)
	}
	// The caller skipped ReplyAsWriter, so no file is attached yet.
	frame := ackFrame(0)
	if _, err := m.Process(frame, len(frame), tx); !errors.Is(err, ErrNoFile) {
		t.Errorf("got %v, want ErrNoFile", err)
	}
}

func TestBlockWrapTerminatesWriter(t *testing.T) {
	tx := make([]byte, MaxPacketSize)
	m := New()
	m.role = RoleWriter
	m.out = make([]byte, 16)
	m.block = math.MaxUint16

	frame := ackFrame(math.MaxUint16)
	n, err := m.Process(frame, len(frame), tx)
	if err != nil || n != 0 {
		t.Fatalf("got (%d, %v), want (0, nil)", n, err)
	}
	if m.Busy() {
		t.Error("machine still busy after block wrap")
	}
}

func TestInitiateRejectsOversizedFile(t *testing.T) {
	tx := make([]byte, MaxPacketSize)
	m := New()
	file := make([]byte, maxFileSize+1)
	if _, err := m.InitiateWrite("f", file, tx); !errors.Is(err, ErrBadRequest) {
		t.Errorf("got %v, want ErrBadRequest", err)
	}
	if m.Busy() {
		t.Error("rejected request changed the state")
	}
}

func TestInitiateRejectsOversizedFilename(t *testing.T) {
	tx := make([]byte, MaxPacketSize)
	m := New()
	name := string(make([]byte, 600))
	if _, err := m.InitiateWrite(name, nil, tx); !errors.Is(err, ErrBadRequest) {
		t.Errorf("got %v, want ErrBadRequest", err)
	}
}

func TestSetMode(t *testing.T) {
	tx := make([]byte, MaxPacketSize)
	m := New()
	if m.Mode() != ModeBinary {
		t.Fatalf("default mode = %v, want Binary", m.Mode())
	}
	if err := m.SetMode(ModeText); err != nil {
		t.Fatal(err)
	}

	n, err := m.InitiateRead("f", nil, tx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(tx[:n], []byte("NETASCII")) {
		t.Error("text mode request does not carry NETASCII")
	}
	if err := m.SetMode(ModeBinary); !errors.Is(err, ErrBusy) {
		t.Errorf("mode change mid-transfer: got %v, want ErrBusy", err)
	}
}

func TestAbortAndResetAreIdempotent(t *testing.T) {
	tx := make([]byte, MaxPacketSize)
	m := New()

	// Abort while idle still emits the error packet.
	n, err := m.Abort(ErrCodeDiskFull, "", tx)
	if err != nil {
		t.Fatal(err)
	}
	pkt, err := ErrorFromBytes(tx, n)
	if err != nil || pkt.Code != ErrCodeDiskFull || pkt.Message != "unknown error" {
		t.Errorf("abort frame decoded as %v %q (%v)", pkt.Code, pkt.Message, err)
	}

	var file []byte
	if _, err := m.InitiateRead("f", &file, tx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Abort(ErrCodeUndefined, "caller timeout", tx); err != nil {
		t.Fatal(err)
	}
	if m.Busy() || m.in != nil || m.out != nil {
		t.Error("abort left residual state")
	}

	m.Reset()
	m.Reset()
	if m.Busy() || m.in != nil || m.out != nil {
		t.Error("reset left residual state")
	}
}
