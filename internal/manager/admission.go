package manager

import (
	"net"
	"time"

	"github.com/cuemby/dswarm/internal/wire"
)

// admission is a fully-classified incoming connection, handed from the
// I/O-only greet goroutine to the loop goroutine for the state
// mutation spec.md sec 5 reserves to the single logical actor.
type admission struct {
	conn     *wire.Conn
	greeting *wire.Message
	isStatus bool
}

// acceptNewConnections accepts up to maxNewWorkersPerIteration pending
// connections without blocking (spec.md sec 4.10 step 8). Each
// accepted connection is handed off to greet, which does blocking I/O
// on its own goroutine and reports back over m.admitCh; no connection
// state is touched outside the loop goroutine.
func (m *Manager) acceptNewConnections() {
	tl, ok := m.listener.(*net.TCPListener)
	if !ok {
		return
	}
	for i := 0; i < maxNewWorkersPerIteration; i++ {
		if err := tl.SetDeadline(time.Now()); err != nil {
			return
		}
		conn, err := tl.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return
			}
			m.logger.Warn().Err(err).Msg("accept failed")
			return
		}
		wire.SetKeepAlive(conn)
		go m.greet(conn)
	}
}

// greet reads a connecting socket's first line and classifies it per
// spec.md sec 4.5 ("Worker admission"). It performs no state mutation
// itself; admitWorker/admitStatusRequest on the loop goroutine do.
func (m *Manager) greet(conn net.Conn) {
	c := wire.NewConn(conn)
	line, err := c.ReadLine(time.Now().Add(m.cfg.Tunables.ShortTimeout))
	if err != nil {
		m.logger.Debug().Err(err).Str("addr", conn.RemoteAddr().String()).Msg("greeting read failed")
		_ = c.Close()
		return
	}

	msg, err := wire.ParseLine(line)
	if err != nil {
		m.logger.Debug().Err(err).Msg("unparseable greeting")
		_ = c.Close()
		return
	}

	switch msg.Kind {
	case wire.KindGreeting:
		select {
		case m.admitCh <- admission{conn: c, greeting: msg}:
		case <-m.stop:
			_ = c.Close()
		}
	case wire.KindHTTPGet, wire.KindQueueStatus, wire.KindWorkerStatus, wire.KindTaskStatus,
		wire.KindWableStatus, wire.KindResourcesStatus:
		select {
		case m.admitCh <- admission{conn: c, greeting: msg, isStatus: true}:
		case <-m.stop:
			_ = c.Close()
		}
	default:
		m.logger.Debug().Str("kind", string(msg.Kind)).Msg("unexpected first line, closing")
		_ = c.Close()
	}
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

