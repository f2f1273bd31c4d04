package rtpingest

import (
	"fmt"
	"math/rand"
	"net"
)

// Sockets holds the three UDP sockets one streaming session needs: the
// bulk audio data channel, the control channel (used for resend
// requests), and the timing channel.
type Sockets struct {
	Data    *net.UDPConn
	Control *net.UDPConn
	Timing  *net.UDPConn

	DataPort    int
	ControlPort int
	TimingPort  int
}

// PortWindow is the [Base, Base+Range) window port allocation draws
// from, starting at a random offset and falling back sequentially.
type PortWindow struct {
	Base  int
	Range int
}

func (w PortWindow) bind(localIP net.IP) (*net.UDPConn, int, error) {
	if w.Range <= 0 {
		return nil, 0, fmt.Errorf("rtpingest: invalid port window range %d", w.Range)
	}
	offset := rand.Intn(w.Range)
	for count := 0; count < w.Range; count++ {
		port := w.Base + ((offset + count) % w.Range)
		addr := &net.UDPAddr{IP: localIP, Port: port}
		conn, err := net.ListenUDP("udp", addr)
		if err == nil {
			return conn, port, nil
		}
	}
	return nil, 0, fmt.Errorf("rtpingest: no free port in window [%d, %d)", w.Base, w.Base+w.Range)
}

// OpenSockets binds the data, control, and timing sockets
// independently, each drawing from its own random-offset scan of the
// window.
func OpenSockets(localIP net.IP, window PortWindow) (*Sockets, error) {
	data, dataPort, err := window.bind(localIP)
	if err != nil {
		return nil, fmt.Errorf("rtpingest: data socket: %w", err)
	}
	control, controlPort, err := window.bind(localIP)
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("rtpingest: control socket: %w", err)
	}
	timing, timingPort, err := window.bind(localIP)
	if err != nil {
		data.Close()
		control.Close()
		return nil, fmt.Errorf("rtpingest: timing socket: %w", err)
	}
	return &Sockets{
		Data: data, Control: control, Timing: timing,
		DataPort: dataPort, ControlPort: controlPort, TimingPort: timingPort,
	}, nil
}

// Close tears down all three sockets, ignoring individual close errors.
func (s *Sockets) Close() {
	s.Data.Close()
	s.Control.Close()
	s.Timing.Close()
}
