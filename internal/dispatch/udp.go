package dispatch

import (
	"context"
	"fmt"
	"net"
)

// UDPSender writes each payload as a single datagram on a fresh socket.
// No reply is read.
type UDPSender struct {
	Dialer net.Dialer
}

// Send dials addr, writes payload once and closes the socket.
func (s *UDPSender) Send(ctx context.Context, addr string, payload []byte) error {
	conn, err := s.Dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(dl); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write %s: %w", addr, err)
	}
	return nil
}
