package modbus

import (
	"net"
	"sync"
)

// FramerFunc wraps an accepted connection in a Transport. The default
// produces MBAP framing; NewRTUStreamTransport or
// NewASCIIStreamTransport can be substituted to tunnel serial framings
// over TCP.
type FramerFunc func(conn net.Conn) Transport

// TCPListener accepts Modbus/TCP connections and registers each as a
// transport with a Server. The server's poll loop then owns the
// connection and drops it once the peer goes away.
type TCPListener struct {
	Address string
	Logger  logger
	// Framer wraps accepted connections; nil means MBAP.
	Framer FramerFunc

	mu sync.Mutex
	ln net.Listener
}

// NewTCPListener returns a listener for the given address, e.g. ":502".
func NewTCPListener(address string) *TCPListener {
	return &TCPListener{Address: address}
}

// Start begins listening and feeding accepted connections to srv.
func (l *TCPListener) Start(srv *Server) error {
	ln, err := net.Listen("tcp", l.Address)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	go l.acceptLoop(ln, srv)
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (l *TCPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *TCPListener) acceptLoop(ln net.Listener, srv *Server) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		l.logf("modbus: accepted connection from %v", conn.RemoteAddr())
		var t Transport
		if l.Framer != nil {
			t = l.Framer(conn)
		} else {
			tcp := NewTCPConnTransport(conn)
			tcp.Logger = l.Logger
			t = tcp
		}
		srv.AddTransport(t)
	}
}

func (l *TCPListener) logf(format string, v ...interface{}) {
	if l.Logger != nil {
		l.Logger.Printf(format, v...)
	}
}

// Close stops accepting. Connections already handed to the server stay
// up until the server drops them.
func (l *TCPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	err := l.ln.Close()
	l.ln = nil
	return err
}
