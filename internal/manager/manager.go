// Package manager implements the single-threaded cooperative event
// loop that ties together the wire codec, scheduler, category/
// blocklist/factory tables and txn/perf logs into the cluster manager
// core (spec.md sec 4.10, component C9). Grounded on the shape of
// warren's pkg/manager.Manager (one struct owning every subsystem,
// constructed once in NewManager) but replacing Raft/FSM/gRPC
// coordination with the single-process task-dispatch loop this
// contract describes.
package manager

import (
	"fmt"
	"net"
	"time"

	"github.com/cuemby/dswarm/internal/bstore"
	"github.com/cuemby/dswarm/internal/catalog"
	"github.com/cuemby/dswarm/internal/config"
	"github.com/cuemby/dswarm/internal/log"
	"github.com/cuemby/dswarm/internal/scheduler"
	"github.com/cuemby/dswarm/internal/txnlog"
	"github.com/cuemby/dswarm/internal/types"
	"github.com/cuemby/dswarm/internal/wire"
	"github.com/rs/zerolog"
)

const (
	protocolVersion = 1

	maxNewWorkersPerIteration   = 10
	updateInterval              = 60 * time.Second
	resourceMeasurementInterval = 30 * time.Second
	largeTaskCheckInterval      = 3 * time.Minute
	loadAlpha                   = 0.05
)

// Manager is the cluster task-dispatch core. Every field below is
// touched only from the goroutine running Run; external callers
// (Submit/Cancel, the HTTP status handlers) hand requests across
// channels rather than locking, preserving the single-threaded
// cooperative model spec.md sec 5 requires.
type Manager struct {
	cfg    *config.Config
	logger zerolog.Logger

	listener net.Listener

	sched      *scheduler.Scheduler
	categories *catalog.CategoryTable
	blocklist  *catalog.Blocklist
	factories  *catalog.FactoryRegistry

	txn  *txnlog.TxnLog
	perf *txnlog.PerfLog

	tasks      map[int64]*types.Task
	readyOrder []int64 // READY task ids; popReadyTask sorts by priority (stable) before each pop
	workers    map[string]*types.Worker
	nextTaskID int64
	nextWorkerSerial int64

	submitCh chan submitRequest
	cancelCh chan cancelRequest
	waitCh   chan waitRequest
	inbound  chan workerMsg
	admitCh  chan admission
	conns    map[string]*wire.Conn

	waiters        []waiter
	completedQueue []*types.Task

	lastCatalogPush     time.Time
	lastResourceSample  time.Time
	lastLargeTaskCheck  time.Time
	busyWaiting         bool
	load                float64

	startTime time.Time

	stop chan struct{}
	done chan struct{}
}

type submitRequest struct {
	task  *types.Task
	reply chan int64
}

type cancelRequest struct {
	taskID int64
	reply  chan bool
}

type waitRequest struct {
	timeout time.Duration
	tag     string
	reply   chan *types.Task
}

// waiter is a pending Wait() call the loop goroutine owns until it is
// satisfied by a matching completed task or its deadline passes.
type waiter struct {
	deadline time.Time
	tag      string
	reply    chan *types.Task
}

// New constructs a Manager bound to cfg, recovering persisted
// categories and blocklist entries from store (store may be nil to
// disable persistence, e.g. in tests).
func New(cfg *config.Config, store *bstore.Store) (*Manager, error) {
	txn, err := txnlog.OpenTxnLog(cfg.DataDir + "/txn.log")
	if err != nil {
		return nil, fmt.Errorf("opening txn log: %w", err)
	}
	perf, err := txnlog.OpenPerfLog(cfg.DataDir + "/perf.log")
	if err != nil {
		return nil, fmt.Errorf("opening perf log: %w", err)
	}

	m := &Manager{
		cfg:        cfg,
		logger:     log.WithComponent("manager"),
		sched:      scheduler.New(scheduler.AlgorithmFCFS, time.Now().UnixNano()),
		categories: catalog.NewCategoryTable(store),
		blocklist:  catalog.NewBlocklist(store),
		factories:  catalog.NewFactoryRegistry(),
		txn:        txn,
		perf:       perf,
		tasks:      make(map[int64]*types.Task),
		workers:    make(map[string]*types.Worker),
		conns:      make(map[string]*wire.Conn),
		nextTaskID: 1,
		submitCh:   make(chan submitRequest),
		cancelCh:   make(chan cancelRequest),
		waitCh:     make(chan waitRequest),
		inbound:    make(chan workerMsg, 256),
		admitCh:    make(chan admission, 32),
		startTime:  time.Now(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	return m, nil
}

// Listen opens the manager's TCP listener, resolving an ephemeral port
// when cfg.ListenAddr requests one (spec.md sec 6 "Listener").
func (m *Manager) Listen() error {
	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", m.cfg.ListenAddr, err)
	}
	m.listener = ln
	m.logger.Info().Str("addr", ln.Addr().String()).Msg("manager listening")
	return nil
}

// Addr returns the listener's bound address. Valid only after Listen.
func (m *Manager) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Close releases the listener and log files. Call after
// Run has returned.
func (m *Manager) Close() error {
	if m.listener != nil {
		_ = m.listener.Close()
	}
	_ = m.txn.Close()
	_ = m.perf.Close()
	return nil
}

// Shutdown signals Run to stop after finishing its current iteration
// and waits for it to exit.
func (m *Manager) Shutdown() {
	close(m.stop)
	<-m.done
}
