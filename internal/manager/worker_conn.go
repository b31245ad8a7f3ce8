package manager

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cuemby/dswarm/internal/config"
	"github.com/cuemby/dswarm/internal/metrics"
	"github.com/cuemby/dswarm/internal/types"
	"github.com/cuemby/dswarm/internal/wire"
)

// workerMsg is one decoded inbound line (plus any framed payload) from
// an established worker connection, fanned in to the loop goroutine so
// that only it ever mutates manager state (spec.md sec 5 "no
// worker threads, no shared-state concurrency inside the core").
type workerMsg struct {
	key     string
	msg     *wire.Message
	payload []byte
	err     error // non-nil means the connection is dead; msg/payload are zero
}

// handleAdmission runs on the loop goroutine and performs the state
// mutation that greet's I/O could not safely do itself.
func (m *Manager) handleAdmission(a admission) {
	if a.isStatus {
		m.handleStatusRequest(a.conn, a.greeting)
		return
	}
	m.admitWorker(a.conn, a.greeting)
}

func (m *Manager) admitWorker(c *wire.Conn, msg *wire.Message) {
	version, err := msg.IntField(0)
	host := hostOf(c.RemoteAddr())
	if err != nil || version != protocolVersion {
		m.logger.Warn().Str("host", host).Msg("protocol version mismatch, blocking")
		m.blocklist.Block(host, "protocol version mismatch", time.Now().Add(time.Hour))
		m.txn.WriteWorkerEvent("", c.RemoteAddr().String(), "REJECTED", "protocol_mismatch")
		_ = c.Close()
		return
	}

	if m.blocklist.IsBlocked(host, time.Now()) {
		_ = c.Close()
		return
	}

	m.nextWorkerSerial++
	key := fmt.Sprintf("%s#%d", c.RemoteAddr().String(), m.nextWorkerSerial)

	// Greeting is `dataswarm V HOST OS ARCH VER`; record the worker's
	// self-reported identity alongside its connection-derived Key
	// (spec.md sec 4.1 "record identity").
	w := &types.Worker{
		Key:             key,
		RemoteAddr:      c.RemoteAddr(),
		Type:            types.WorkerTypeWorker,
		Hostname:        msg.Field(1),
		OS:              msg.Field(2),
		Arch:            msg.Field(3),
		Version:         msg.Field(4),
		Features:        make(map[string]struct{}),
		Cache:           make(map[string]types.CacheEntry),
		CurrentTasks:    make(map[int64]*types.Task),
		TaskBoxes:       make(map[int64]types.ResourceSpec),
		ConnectedAt:     time.Now(),
		LastMsgRecvTime: time.Now(),
	}

	m.workers[key] = w
	m.conns[key] = c

	metrics.WorkersConnected.WithLabelValues("worker").Inc()
	m.txn.WriteWorkerEvent(key, c.RemoteAddr().String(), "CONNECTED", "")
	m.logger.Info().Str("worker", key).Msg("worker connected")

	go m.readWorker(key, c)
}

// readWorker is the per-connection I/O goroutine: it only reads,
// parses and forwards to m.inbound. It never touches manager state.
func (m *Manager) readWorker(key string, c *wire.Conn) {
	readTimeout := m.cfg.Tunables.KeepaliveTimeout
	if readTimeout <= 0 {
		readTimeout = 24 * time.Hour
	}
	for {
		line, err := c.ReadLine(time.Now().Add(readTimeout))
		if err != nil {
			m.send(workerMsg{key: key, err: err})
			return
		}

		msg, err := wire.ParseLine(line)
		if err != nil {
			m.send(workerMsg{key: key, err: err})
			return
		}

		idx := wire.PayloadLenFieldIndex(msg.Kind)
		var payload []byte
		if idx >= 0 {
			n, perr := msg.IntField(idx)
			if perr != nil {
				m.send(workerMsg{key: key, err: perr})
				return
			}
			payload, err = c.ReadPayload(n, time.Now().Add(transferDeadline(n, m.cfg.Tunables)))
			if err != nil {
				m.send(workerMsg{key: key, err: err})
				return
			}
		}

		m.send(workerMsg{key: key, msg: msg, payload: payload})
	}
}

func (m *Manager) send(wm workerMsg) {
	select {
	case m.inbound <- wm:
	case <-m.stop:
	}
}

// handleWorkerMsg dispatches one decoded inbound message on the loop
// goroutine (spec.md sec 5 "within one worker connection, messages are
// processed strictly in arrival order").
func (m *Manager) handleWorkerMsg(wm workerMsg) {
	w, ok := m.workers[wm.key]
	if !ok {
		return // worker already removed (e.g. raced with a keepalive cull)
	}

	if wm.err != nil {
		reason := "disconnect"
		if !errors.Is(wm.err, io.EOF) {
			reason = "protocol_error"
		}
		m.removeWorker(w, reason)
		return
	}

	w.LastMsgRecvTime = time.Now()

	switch wm.msg.Kind {
	case wire.KindAlive:
		// keepalive reply; LastMsgRecvTime above already satisfies it
	case wire.KindInfo:
		m.handleInfo(w, wm.msg)
	case wire.KindResource:
		m.handleResource(w, wm.msg)
	case wire.KindFeature:
		if name := wm.msg.Field(0); name != "" {
			w.Features[name] = struct{}{}
		}
	case wire.KindCacheUpdate:
		m.handleCacheUpdate(w, wm.msg)
	case wire.KindTransferAddress:
		w.TransferAddr = wm.msg.Field(0)
		w.TransferPort = portOfField(wm.msg.Field(1))
	case wire.KindAvailableResults:
		m.handleAvailableResults(w)
	case wire.KindResult:
		m.handleResult(w, wm.msg, wm.payload)
	case wire.KindUpdate:
		m.handleUpdate(w, wm.msg, wm.payload)
	case wire.KindEnd:
		m.handleSendResultsEnd(w)
	case wire.KindName:
		// `name` is a project-name query, not a factory assignment;
		// reply with the manager's configured name (spec.md sec 4.1).
		if c, ok := m.conns[w.Key]; ok {
			deadline := time.Now().Add(m.cfg.Tunables.ShortTimeout)
			_ = c.WriteLine(deadline, wire.NameLine(m.cfg.Name))
		}
	default:
		m.logger.Debug().Str("kind", string(wm.msg.Kind)).Str("worker", w.Key).Msg("unhandled message kind")
	}
}

// handleInfo processes `info KEY VALUE` (spec.md sec 4.1). Most keys
// just record a field; idle-disconnecting and end_of_resource_update
// trigger an action instead of a plain assignment.
func (m *Manager) handleInfo(w *types.Worker, msg *wire.Message) {
	switch msg.Field(0) {
	case "hostname":
		w.Hostname = msg.Field(1)
	case "os-name":
		w.OS = msg.Field(1)
	case "arch-name":
		w.Arch = msg.Field(1)
	case "worker-version":
		w.Version = msg.Field(1)
	case "worker-id":
		w.WorkerID = msg.Field(1)
	case "from-factory":
		w.Factory = msg.Field(1)
	case "idle-disconnecting":
		m.removeWorker(w, "idle_disconnecting")
	case "end_of_resource_update":
		recountInUse(w)
		m.txn.WriteWorkerResources(w.Key, w.Resources)
	}
}

// handleResource processes `resource NAME TOTAL [SMALLEST] [LARGEST]`
// (spec.md sec 4.1, invariant 1: replacing a resource counter must
// preserve inuse, which is derived state owned by recountInUse, not by
// this message). `resource tag X` is an opaque worker-assigned tag, not
// a counted dimension, and carries no totals to apply.
func (m *Manager) handleResource(w *types.Worker, msg *wire.Message) {
	name := msg.Field(0)
	if name == "tag" {
		return
	}

	total, err := msg.IntField(1)
	if err != nil {
		return
	}
	smallest := total
	if v, serr := msg.IntField(2); serr == nil {
		smallest = v
	}
	largest := total
	if v, lerr := msg.IntField(3); lerr == nil {
		largest = v
	}

	apply := func(c *types.ResourceCounter) {
		c.Total = total
		c.Smallest = smallest
		c.Largest = largest
	}
	switch name {
	case "cores":
		apply(&w.Resources.Cores)
	case "memory":
		apply(&w.Resources.Memory)
	case "disk":
		apply(&w.Resources.Disk)
	case "gpus":
		apply(&w.Resources.GPUs)
	case "workers":
		apply(&w.Resources.Workers)
	}
	m.txn.WriteWorkerResources(w.Key, w.Resources)
}

// handleAvailableResults implements spec.md sec 4.10 step 3 / sec 4.7:
// a worker announcing available_results is drained with a
// `send_results -1` request for every finished task it's holding.
func (m *Manager) handleAvailableResults(w *types.Worker) {
	w.LastUpdateMsgTime = time.Now()
	c, ok := m.conns[w.Key]
	if !ok {
		return
	}
	deadline := time.Now().Add(m.cfg.Tunables.ShortTimeout)
	_ = c.WriteLine(deadline, wire.SendResultsRequest(-1))
}

func portOfField(s string) int {
	var p int
	_, _ = fmt.Sscanf(s, "%d", &p)
	return p
}

func transferDeadline(n int64, t config.Tunables) time.Duration {
	if n <= 0 {
		return t.ShortTimeout
	}
	rate := t.DefaultTransferRate
	if rate <= 0 {
		rate = 1 << 20
	}
	d := time.Duration(n/rate) * time.Second
	if d < t.MinTransferTimeout {
		d = t.MinTransferTimeout
	}
	return d
}
