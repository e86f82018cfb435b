package ingest

import (
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/vehicle-control/vcc/internal/wire"
)

// maxDatagram bounds a single data frame off the wire.
const maxDatagram = 65535

// Listener receives data frames over UDP and feeds them to a Handler.
type Listener struct {
	handler *Handler
	conn    *net.UDPConn
	done    chan struct{}
}

// Listen binds the UDP address and starts the receive loop in the
// background. Close stops it.
func Listen(addr string, h *Handler) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving telemetry address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("binding telemetry socket: %w", err)
	}
	l := &Listener{handler: h, conn: conn, done: make(chan struct{})}
	go l.loop()
	return l, nil
}

// Addr returns the bound address, useful when listening on port 0.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Close stops the receive loop and waits for it to exit.
func (l *Listener) Close() error {
	err := l.conn.Close()
	<-l.done
	return err
}

func (l *Listener) loop() {
	defer close(l.done)
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("telemetry socket read: %v", err)
			continue
		}
		frame, err := wire.DecodeDataFrame(buf[:n])
		if err != nil {
			log.Printf("dropping undecodable data frame (%d bytes): %v", n, err)
			continue
		}
		l.handler.Apply(frame)
	}
}
