// Package supervisor is the master process that forks workers,
// monitors their heartbeat and memory, and orchestrates shutdown. The
// master launches os.Args[0] again via os/exec with WorkerIDEnv set in
// the child's environment, standing in for a fork(2)-based preforking
// cluster master.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/validana-io/vserver/pkg/config"
)

const (
	// missThreshold is the consecutive-missed-heartbeat count that
	// triggers a graceful-then-hard-kill of a worker.
	missThreshold = 3

	// healthKillGrace is how long an unhealthy worker is given to exit
	// after a graceful shutdown request before being SIGKILLed.
	healthKillGrace = 10 * time.Second

	// cooldownRespawn is the respawn delay for workers that exit with a
	// code in [50,60), the range workers use to ask to stay down briefly.
	cooldownRespawn = 30 * time.Second
	// fastRespawn is the respawn delay for any other exit.
	fastRespawn = 1 * time.Second

	// shutdownGraceWait/shutdownHardWait bound how long the master
	// waits for workers to exit on its own SIGINT/SIGTERM before
	// SIGKILLing stragglers. Graceful gets materially longer than the
	// health-driven kill budget; hard uses the same 10s budget as an
	// unhealthy-worker kill.
	shutdownGraceWait = 30 * time.Second
	shutdownHardWait  = healthKillGrace
)

// Master owns the supervisor side of the process tree: it keeps exactly
// workerCount worker processes alive (respawning on unexpected exit)
// until a permanent shutdown is requested.
type Master struct {
	executable  string
	workerCount int
	env         []string
	maxMemoryMB int64
	log         *slog.Logger

	mu           sync.Mutex
	workers      map[int32]*workerProc
	shuttingDown bool
	anyForceKill bool

	exitEvents chan workerExit
}

type workerExit struct {
	id  int32
	err error
}

// New constructs a Master from the master's resolved configuration.
// reg must already have Load succeeded.
func New(reg *config.Registry, log *slog.Logger) (*Master, error) {
	if log == nil {
		log = slog.Default()
	}
	executable, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("supervisor: resolve executable: %w", err)
	}
	count := config.ResolveWorkerCount(reg.GetInt(config.KeyWorkers))
	if count < 1 {
		count = 1
	}
	return &Master{
		executable:  executable,
		workerCount: count,
		env:         reg.ExportEnv(),
		maxMemoryMB: int64(reg.GetNumber(config.KeyMaxMemory)),
		log:         log,
		workers:     make(map[int32]*workerProc),
		exitEvents:  make(chan workerExit, 8),
	}, nil
}

// Run forks workerCount workers and supervises them until ctx is
// cancelled or the process receives SIGINT/SIGTERM, then returns the
// exit code the process should terminate with: 0 if every worker
// exited on its own, 1 if any required a SIGKILL.
func (m *Master) Run(ctx context.Context) int {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for i := int32(0); i < int32(m.workerCount); i++ {
		m.launch(i)
	}

	healthTicker := time.NewTicker(heartbeatInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdownAll(true, shutdownGraceWait)
			return m.exitCode()

		case sig := <-sigCh:
			graceful := sig == syscall.SIGINT
			wait := shutdownHardWait
			if graceful {
				wait = shutdownGraceWait
			}
			m.log.Info("supervisor received signal, shutting down workers", "signal", sig.String(), "graceful", graceful)
			m.shutdownAll(graceful, wait)
			return m.exitCode()

		case ev := <-m.exitEvents:
			m.handleExit(ev)

		case <-healthTicker.C:
			m.checkHealth()
		}
	}
}

func (m *Master) launch(id int32) {
	wp, err := spawnWorker(id, m.executable, m.env)
	if err != nil {
		m.log.Error("failed to spawn worker, retrying shortly", "worker", id, "error", err)
		time.AfterFunc(fastRespawn, func() { m.launch(id) })
		return
	}
	m.mu.Lock()
	m.workers[id] = wp
	m.mu.Unlock()
	m.log.Info("worker started", "worker", id, "pid", wp.cmd.Process.Pid)

	go func() {
		err := <-wp.exitErr
		wp.markExited()
		m.exitEvents <- workerExit{id: id, err: err}
	}()
}

func (m *Master) handleExit(ev workerExit) {
	m.mu.Lock()
	wp := m.workers[ev.id]
	if wp != nil && wp.wasForceKilled() {
		m.anyForceKill = true
	}
	delete(m.workers, ev.id)
	shuttingDown := m.shuttingDown
	m.mu.Unlock()

	code := exitCodeOf(ev.err)
	m.log.Info("worker exited", "worker", ev.id, "code", code, "error", ev.err)

	if shuttingDown {
		return
	}

	delay := fastRespawn
	if code >= 50 && code < 60 {
		delay = cooldownRespawn
	}
	m.log.Info("respawning worker", "worker", ev.id, "delay", delay)
	time.AfterFunc(delay, func() { m.launch(ev.id) })
}

// checkHealth runs once per heartbeatInterval: any worker at or past
// missThreshold consecutive misses, or reporting memory over the
// configured limit, is asked to shut down gracefully with a hard-kill
// backstop.
func (m *Master) checkHealth() {
	now := time.Now()
	m.mu.Lock()
	workers := make([]*workerProc, 0, len(m.workers))
	for _, wp := range m.workers {
		workers = append(workers, wp)
	}
	m.mu.Unlock()

	for _, wp := range workers {
		h := wp.checkLiveness(now)
		unhealthy := h.MissedHeartbeats >= missThreshold
		overMemory := m.maxMemoryMB > 0 && h.MemoryMB > m.maxMemoryMB
		if !unhealthy && !overMemory {
			continue
		}
		m.log.Warn("worker unhealthy, requesting shutdown",
			"worker", h.ID, "missedHeartbeats", h.MissedHeartbeats,
			"memoryMB", h.MemoryMB, "overMemory", overMemory)
		wp.requestShutdown(syscall.SIGINT, healthKillGrace)
	}
}

// shutdownAll asks every live worker to exit (SIGINT if graceful,
// SIGTERM if hard) and blocks until they have all exited or wait
// elapses, SIGKILLing any still alive at that point.
func (m *Master) shutdownAll(graceful bool, wait time.Duration) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.shuttingDown = true
	workers := make([]*workerProc, 0, len(m.workers))
	for _, wp := range m.workers {
		workers = append(workers, wp)
	}
	m.mu.Unlock()

	sig := syscall.SIGINT
	if !graceful {
		sig = syscall.SIGTERM
	}
	for _, wp := range workers {
		wp.requestShutdown(sig, wait)
	}

	deadline := time.After(wait)
	for {
		m.mu.Lock()
		remaining := len(m.workers)
		m.mu.Unlock()
		if remaining == 0 {
			return
		}
		select {
		case ev := <-m.exitEvents:
			m.handleExit(ev)
		case <-deadline:
			m.killRemaining()
			return
		}
	}
}

func (m *Master) killRemaining() {
	m.mu.Lock()
	workers := make([]*workerProc, 0, len(m.workers))
	for _, wp := range m.workers {
		workers = append(workers, wp)
	}
	if len(workers) > 0 {
		m.anyForceKill = true
	}
	m.mu.Unlock()
	for _, wp := range workers {
		wp.requestShutdown(syscall.SIGKILL, 0)
	}
}

func (m *Master) exitCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.anyForceKill {
		return 1
	}
	return 0
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	type exitCoder interface{ ExitCode() int }
	if ec, ok := err.(exitCoder); ok {
		return ec.ExitCode()
	}
	return -1
}
