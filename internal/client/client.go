package client

import (
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pktwerk/tftp"
)

const (
	defaultTimeout = 5 * time.Second
	defaultRetries = 5
)

// Client performs TFTP transfers against a remote server. The zero value
// is usable; the fields tune the mode and the retransmission policy.
type Client struct {
	Timeout time.Duration
	Retries int
	Mode    tftp.Mode
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

func (c *Client) retries() int {
	if c.Retries <= 0 {
		return defaultRetries
	}
	return c.Retries
}

// Get fetches filename from the server at address and returns its bytes.
func (c *Client) Get(address, filename string) ([]byte, error) {
	machine := tftp.New()
	if err := machine.SetMode(c.Mode); err != nil {
		return nil, err
	}

	var file []byte
	tx := make([]byte, tftp.MaxPacketSize)
	n, err := machine.InitiateRead(filename, &file, tx)
	if err != nil {
		return nil, err
	}

	if err := c.run(machine, address, filename, tx, n); err != nil {
		return nil, err
	}
	return file, nil
}

// Put stores data under filename on the server at address.
func (c *Client) Put(address, filename string, data []byte) error {
	machine := tftp.New()
	if err := machine.SetMode(c.Mode); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}

	tx := make([]byte, tftp.MaxPacketSize)
	n, err := machine.InitiateWrite(filename, data, tx)
	if err != nil {
		return err
	}
	return c.run(machine, address, filename, tx, n)
}

// run sends the request to the server's main port, locks onto the
// transfer id the server answers from, and pumps the engine until the
// transfer completes. The last transmitted datagram is cached and
// resent on read deadline.
func (c *Client) run(machine *tftp.Machine, address, filename string, tx []byte, n int) error {
	serverAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("resolve server address: %w", err)
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("open socket: %w", err)
	}
	defer conn.Close()

	logger := log.WithFields(log.Fields{
		"Server": serverAddr.String(),
		"File":   filename,
	})

	if _, err := conn.WriteToUDP(tx[:n], serverAddr); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	last := n

	// The peer TID is unknown until the server's first reply.
	var peer *net.UDPAddr
	rx := make([]byte, tftp.MaxPacketSize+1)
	retries := 0

	for machine.Busy() {
		if err := conn.SetReadDeadline(time.Now().Add(c.timeout())); err != nil {
			return err
		}
		r, addr, err := conn.ReadFromUDP(rx)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if retries >= c.retries() {
					return errors.New("client: transfer timed out")
				}
				retries++
				dest := serverAddr
				if peer != nil {
					dest = peer
				}
				if _, err := conn.WriteToUDP(tx[:last], dest); err != nil {
					return fmt.Errorf("resend: %w", err)
				}
				continue
			}
			return err
		}

		if peer == nil {
			if !addr.IP.Equal(serverAddr.IP) {
				rejectStray(conn, addr)
				continue
			}
			peer = addr
			logger.WithField("Peer", peer.String()).Debug("Locked transfer id")
		} else if addr.Port != peer.Port || !addr.IP.Equal(peer.IP) {
			rejectStray(conn, addr)
			continue
		}

		out, err := machine.Process(rx[:r], r, tx)
		switch {
		case err == nil:
		case errors.Is(err, tftp.ErrBadPacket):
			logger.Debug("Dropped bad packet")
			continue
		default:
			var peerErr *tftp.PeerError
			if errors.As(err, &peerErr) {
				return peerErr
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

// rejectStray answers a datagram from an unexpected source with an
// UnknownTransferId error without touching the running transfer.
func rejectStray(conn *net.UDPConn, addr *net.UDPAddr) {
	var buf [tftp.MaxPacketSize]byte
	n, err := (tftp.ErrorPacket{Code: tftp.ErrCodeUnknownTransferID, Message: "unknown transfer id"}).Encode(buf[:])
	if err != nil {
		return
	}
	conn.WriteToUDP(buf[:n], addr)
}
