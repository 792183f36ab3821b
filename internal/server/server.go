package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pktwerk/tftp"
)

// Server answers TFTP requests on a main port and runs every transfer on
// its own transfer-id port with a dedicated engine instance, per the
// RFC 1350 TID model.
type Server struct {
	store   Store
	options *Options
	tids    *TIDAllocator

	mu   sync.Mutex
	conn *net.UDPConn
}

func New(store Store, opts ...func(*Options)) *Server {
	options := NewDefaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	log.SetFormatter(&log.TextFormatter{
		ForceColors: true,
	})

	return &Server{
		store:   store,
		options: options,
		tids:    NewTIDAllocator(options.TIDMin, options.TIDMax),
	}
}

// LocalAddr reports the bound main address once Serve is listening.
func (server *Server) LocalAddr() net.Addr {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.conn == nil {
		return nil
	}
	return server.conn.LocalAddr()
}

// Close stops the request listener. Running transfers finish on their
// own TID sockets.
func (server *Server) Close() error {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.conn == nil {
		return nil
	}
	return server.conn.Close()
}

// Serve listens for requests and spawns one goroutine per transfer.
func (server *Server) Serve() error {
	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%v:%v", server.options.Address, server.options.Port))
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	server.mu.Lock()
	server.conn = conn
	server.mu.Unlock()

	log.WithField("Address", conn.LocalAddr().String()).Info("Started listening")

	for {
		buf := make([]byte, tftp.MaxPacketSize)
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.WithError(err).Error("Could not retrieve UDP packet")
			continue
		}
		go server.handleRequest(addr, buf[:n])
	}
}

// handleRequest runs one complete transfer against a single peer.
func (server *Server) handleRequest(peer *net.UDPAddr, req []byte) {
	machine := tftp.New()

	filename, err := machine.ListenForRequest(req)
	if err != nil {
		log.WithError(err).WithField("Peer", peer.String()).Warn("Dropping malformed request")
		return
	}

	port, err := server.tids.Acquire()
	if err != nil {
		log.WithError(err).WithField("Peer", peer.String()).Error("Could not allocate transfer id")
		return
	}
	defer server.tids.Release(port)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(server.options.Address), Port: port})
	if err != nil {
		log.WithError(err).WithField("Port", port).Error("Could not bind transfer id port")
		return
	}
	defer conn.Close()

	logger := log.WithFields(log.Fields{
		"Peer": peer.String(),
		"File": filename,
		"Role": machine.Role().String(),
		"Mode": machine.Mode().String(),
		"TID":  port,
	})
	logger.Info("Starting transfer")

	tx := make([]byte, tftp.MaxPacketSize)
	var incoming []byte
	var n int

	switch machine.Role() {
	case tftp.RoleWriter:
		// The peer asked to read; serve the stored file.
		data, err := server.store.ReadFile(filename)
		if err != nil {
			server.refuse(conn, peer, machine, err, logger)
			return
		}
		if data == nil {
			data = []byte{}
		}
		n, err = machine.ReplyAsWriter(data, tx)
		if err != nil {
			server.refuse(conn, peer, machine, err, logger)
			return
		}
	case tftp.RoleReader:
		// The peer asked to write; receive into memory, commit at the end.
		if !server.options.Overwrite {
			if _, err := server.store.ReadFile(filename); err == nil {
				server.refuse(conn, peer, machine, ErrExists, logger)
				return
			}
		}
		incoming = make([]byte, 0, tftp.MaxDataSize)
		n, err = machine.ReplyAsReader(&incoming, tx)
		if err != nil {
			server.refuse(conn, peer, machine, err, logger)
			return
		}
	}

	if n == 0 {
		// Empty file: the transfer finished before it began.
		logger.Info("Transfer complete")
		return
	}

	if err := server.drive(conn, peer, machine, tx, n, logger); err != nil {
		logger.WithError(err).Warn("Transfer failed")
		return
	}

	if incoming != nil {
		if err := server.store.WriteFile(filename, incoming); err != nil {
			logger.WithError(err).Error("Could not store upload")
			return
		}
	}
	logger.Info("Transfer complete")
}

// drive pumps datagrams through the engine until the transfer completes.
// The last transmitted datagram is cached and resent on read deadline,
// per the RFC's retransmission advice; the engine itself stays silent on
// duplicates.
func (server *Server) drive(conn *net.UDPConn, peer *net.UDPAddr, machine *tftp.Machine, tx []byte, n int, logger *log.Entry) error {
	if _, err := conn.WriteToUDP(tx[:n], peer); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	last := n

	rx := make([]byte, tftp.MaxPacketSize+1)
	retries := 0

	for machine.Busy() {
		if err := conn.SetReadDeadline(time.Now().Add(server.options.Timeout)); err != nil {
			return err
		}
		r, addr, err := conn.ReadFromUDP(rx)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if retries >= server.options.Retries {
					if cnt, aerr := machine.Abort(tftp.ErrCodeUndefined, "transfer timed out", tx); aerr == nil {
						conn.WriteToUDP(tx[:cnt], peer)
					}
					return errors.New("peer timed out")
				}
				retries++
				if _, err := conn.WriteToUDP(tx[:last], peer); err != nil {
					return fmt.Errorf("resend: %w", err)
				}
				continue
			}
			return err
		}

		if addr.Port != peer.Port || !addr.IP.Equal(peer.IP) {
			rejectStray(conn, addr, logger)
			continue
		}

		out, err := machine.Process(rx[:r], r, tx)
		switch {
		case err == nil:
		case errors.Is(err, tftp.ErrBadPacket):
			// Mismatched or malformed datagrams are dropped without reply.
			logger.Debug("Dropped bad packet")
			continue
		case errors.Is(err, tftp.ErrBusy):
			logger.Warn("Peer sent a request mid-transfer")
			continue
		default:
			var peerErr *tftp.PeerError
			if errors.As(err, &peerErr) {
				return fmt.Errorf("peer aborted: %w", peerErr)
			}
			return err
		}

		retries = 0
		if out > 0 {
			if _, err := conn.WriteToUDP(tx[:out], peer); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			last = out
		}
	}
	return nil
}

// refuse maps a local failure to a wire error code, sends the error
// packet and resets the engine.
func (server *Server) refuse(conn *net.UDPConn, peer *net.UDPAddr, machine *tftp.Machine, cause error, logger *log.Entry) {
	code := tftp.ErrCodeUndefined
	switch {
	case errors.Is(cause, ErrNotFound):
		code = tftp.ErrCodeFileNotFound
	case errors.Is(cause, ErrExists):
		code = tftp.ErrCodeFileAlreadyExists
	case errors.Is(cause, ErrOutsideRoot):
		code = tftp.ErrCodeAccessViolation
	case errors.Is(cause, tftp.ErrBadRequest):
		code = tftp.ErrCodeIllegalOperation
	}

	var tx [tftp.MaxPacketSize]byte
	n, err := machine.Abort(code, cause.Error(), tx[:])
	if err != nil {
		logger.WithError(err).Error("Could not encode refusal")
		return
	}
	conn.WriteToUDP(tx[:n], peer)
	logger.WithError(cause).WithField("Code", code.String()).Warn("Refused transfer")
}

// rejectStray answers a datagram from an unexpected source with an
// UnknownTransferId error without touching the running transfer.
func rejectStray(conn *net.UDPConn, addr *net.UDPAddr, logger *log.Entry) {
	var buf [tftp.MaxPacketSize]byte
	n, err := (tftp.ErrorPacket{Code: tftp.ErrCodeUnknownTransferID, Message: "unknown transfer id"}).Encode(buf[:])
	if err != nil {
		return
	}
	conn.WriteToUDP(buf[:n], addr)
	logger.WithField("Stray", addr.String()).Warn("Rejected datagram from unknown transfer id")
}
