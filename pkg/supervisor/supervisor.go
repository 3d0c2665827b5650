/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

//go:build linux

// Package supervisor starts frameserver processes, watches their liveness
// and recovers when one dies: its segments are torn down, adoptable
// subsegments held by other processes are handed to a replacement.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	oshealth "github.com/srediag/shmif/internal/health"
	"github.com/srediag/shmif/internal/logging"
	"github.com/srediag/shmif/pkg/config"
	"github.com/srediag/shmif/pkg/event"
	"github.com/srediag/shmif/pkg/health"
	"github.com/srediag/shmif/pkg/lifecycle"
	"github.com/srediag/shmif/pkg/segment"
	"github.com/srediag/shmif/pkg/shm"
	"github.com/srediag/shmif/pkg/transport"
	"github.com/srediag/shmif/plugin"
)

const (
	// child descriptors after stdio
	sideChildFd   = 3
	regionChildFd = 4

	breakerTrips    = 3
	breakerCooldown = 30 * time.Second
	killGrace       = 2 * time.Second
	handoverPoll    = 10 * time.Millisecond
	reapGrace       = 100 * time.Millisecond
)

var (
	ErrSupervisorClosed = errors.New("supervisor closed")
	ErrUnknownProcess   = errors.New("unknown process")
	ErrExitedEarly      = errors.New("frameserver exited before ack")
)

// SystemEvent is a process-level notice for the application: a PeerDead
// when a frameserver died, an Adopted for every orphan a replacement took.
type SystemEvent struct {
	ProcessID string
	PID       int
	Segment   segment.Handle
	Event     event.Event
	At        time.Time
}

// Options configure a Supervisor.
type Options struct {
	Registerer prometheus.Registerer
}

// Supervisor owns frameserver processes spawned against one Manager.
type Supervisor struct {
	m   *segment.Manager
	cfg *config.Config

	procs   cmap.ConcurrentMap[string, *Process]
	outbox  *queue.RingBuffer
	pool    *ants.Pool
	breaker *gobreaker.CircuitBreaker
	metrics *Metrics
	dropLim *rate.Limiter

	closeOnce sync.Once
	closed    atomic.Bool
}

func New(m *segment.Manager, opts Options) (*Supervisor, error) {
	cfg := m.Config()
	pool, err := ants.NewPool(cfg.ProbeWorkers, ants.WithPanicHandler(func(r interface{}) {
		logging.Internal.Errorf("liveness probe panicked: %v", r)
	}))
	if err != nil {
		return nil, fmt.Errorf("probe pool: %w", err)
	}
	s := &Supervisor{
		m:       m,
		cfg:     cfg,
		procs:   cmap.New[*Process](),
		outbox:  queue.NewRingBuffer(cfg.OutboxCap),
		pool:    pool,
		metrics: NewMetrics(opts.Registerer),
		dropLim: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "respawn",
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerTrips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Internal.Warnf("%s breaker %s -> %s", name, from, to)
		},
	})
	return s, nil
}

func (s *Supervisor) Manager() *segment.Manager {
	return s.m
}

func (s *Supervisor) Metrics() *Metrics {
	return s.metrics
}

// Spawn opens a primary segment and starts a frameserver on it. It returns
// once the frameserver acknowledged the segment; on any failure the
// segment is torn down and the process killed.
func (s *Supervisor) Spawn(ctx context.Context, args SpawnArgs) (*Process, error) {
	p, err := s.spawn(ctx, args)
	if err != nil {
		s.metrics.Spawns.WithLabelValues("failed").Inc()
		return nil, err
	}
	s.metrics.Spawns.WithLabelValues("ok").Inc()
	return p, nil
}

func (s *Supervisor) spawn(ctx context.Context, args SpawnArgs) (*Process, error) {
	if s.closed.Load() {
		return nil, ErrSupervisorClosed
	}
	var opts []segment.OpenOption
	if args.Geometry != nil {
		opts = append(opts, segment.WithGeometry(*args.Geometry))
	}
	h, err := s.m.OpenSegment(ctx, segment.Primary, args.Kind, opts...)
	if err != nil {
		return nil, err
	}
	p, err := s.launch(ctx, args, h)
	if err != nil {
		_ = s.m.Fail(h, err)
		return nil, err
	}
	if err := s.m.AwaitActive(p.untilExit(ctx)); err != nil {
		p.kill(killGrace)
		err = p.explain(err)
		_ = s.m.Fail(h, err)
		return nil, err
	}
	s.register(p)
	logging.Internal.Infof("frameserver %s started: pid %d segment %s", p.id, p.PID(), h)
	return p, nil
}

// launch starts args.Path bound to the existing segment h.
func (s *Supervisor) launch(ctx context.Context, args SpawnArgs, h segment.Handle) (*Process, error) {
	key, err := s.m.Key(h)
	if err != nil {
		return nil, err
	}
	local, remote, err := transport.Pair()
	if err != nil {
		return nil, err
	}
	if err := s.m.BindSideChannel(h, local); err != nil {
		_ = local.Close()
		_ = remote.Close()
		return nil, err
	}

	files := []*os.File{remote}
	childKey := key
	env := append(os.Environ(), args.Env...)
	env = append(env, plugin.EnvSockFd+"="+strconv.Itoa(sideChildFd))
	if key.Type == shm.MemMapTypeMemFd {
		fd, err := unix.Dup(key.Fd)
		if err != nil {
			_ = remote.Close()
			return nil, fmt.Errorf("dup region: %w", err)
		}
		files = append(files, os.NewFile(uintptr(fd), "shmif-region"))
		childKey = key.WithFd(regionChildFd)
		env = append(env, plugin.EnvFd+"="+strconv.Itoa(regionChildFd))
	}
	env = append(env, plugin.EnvKey+"="+childKey.String())

	cmd := exec.Command(args.Path, args.Args...)
	cmd.Dir = args.Dir
	cmd.Env = env
	cmd.Stdout = args.Stdout
	cmd.Stderr = args.Stderr
	cmd.ExtraFiles = files
	cmd.WaitDelay = killGrace
	err = cmd.Start()
	for _, f := range files {
		_ = f.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", args.Path, err)
	}
	p := &Process{
		id:      uuid.NewString(),
		args:    args,
		cmd:     cmd,
		primary: h,
		tracker: health.NewTracker(s.cfg.MissedResponseLimit),
		started: time.Now(),
		exited:  make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

// untilExit derives a context that ends when p exits.
func (p *Process) untilExit(ctx context.Context) (context.Context, segment.Handle) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		select {
		case <-p.exited:
		case <-ctx.Done():
		}
	}()
	return ctx, p.primary
}

func (p *Process) explain(err error) error {
	select {
	case <-p.exited:
		return fmt.Errorf("%w: pid %d: %v", ErrExitedEarly, p.PID(), p.exitErr)
	default:
		return err
	}
}

func (s *Supervisor) register(p *Process) {
	s.procs.Set(p.id, p)
	s.metrics.Processes.Set(float64(s.procs.Count()))
}

func (s *Supervisor) unregister(p *Process) {
	s.procs.Remove(p.id)
	s.metrics.Processes.Set(float64(s.procs.Count()))
}

// Process returns the supervised process with id.
func (s *Supervisor) Process(id string) (*Process, bool) {
	return s.procs.Get(id)
}

// Processes returns every supervised process.
func (s *Supervisor) Processes() []*Process {
	out := make([]*Process, 0, s.procs.Count())
	for _, p := range s.procs.Items() {
		out = append(out, p)
	}
	return out
}

// Run probes every process each LivenessInterval until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.LivenessInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Probe(ctx)
		}
	}
}

// Probe runs one liveness round over all processes and handles the deaths
// it finds.
func (s *Supervisor) Probe(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range s.Processes() {
		p := p
		wg.Add(1)
		if err := s.pool.Submit(func() {
			defer wg.Done()
			s.probe(ctx, p)
		}); err != nil {
			wg.Done()
			logging.Internal.Warnf("probe of %s not scheduled: %v", p.id, err)
		}
	}
	wg.Wait()
}

func (s *Supervisor) probe(ctx context.Context, p *Process) {
	if p.dying.Load() {
		return
	}
	cause, err := s.check(ctx, p)
	if err != nil {
		s.handleDeath(ctx, p, cause, err)
	}
}

// check returns a cause and an error once p is found dead.
func (s *Supervisor) check(ctx context.Context, p *Process) (string, error) {
	select {
	case <-p.exited:
		return "exit", fmt.Errorf("%w: pid %d exited: %v", shm.ErrPeerDead, p.PID(), p.exitErr)
	default:
	}
	if !oshealth.ProcessAlive(ctx, p.PID()) {
		// a zombie is reaped by wait shortly
		select {
		case <-p.exited:
			return "exit", fmt.Errorf("%w: pid %d exited: %v", shm.ErrPeerDead, p.PID(), p.exitErr)
		case <-time.After(reapGrace):
		}
		return "gone", fmt.Errorf("%w: pid %d gone", shm.ErrPeerDead, p.PID())
	}
	err := shm.Guard(p.PID(), "probe", func() error {
		seg, ok := s.m.Get(p.primary)
		if !ok || seg.State() == lifecycle.Closed || seg.State() == lifecycle.Closing {
			if ok && seg.CloseReason() != nil {
				return seg.CloseReason()
			}
			return fmt.Errorf("%w: segment %s closed", shm.ErrPeerDead, p.primary)
		}
		if !seg.Alive() {
			return fmt.Errorf("%w: dead-man flag cleared", shm.ErrPeerDead)
		}
		if err := s.m.Pump(p.primary); err != nil {
			return err
		}
		if sent := p.sentNonce.Load(); sent != 0 {
			if seg.LastPong() == sent {
				p.tracker.Hit()
			} else {
				s.metrics.ProbeMisses.Inc()
				if p.tracker.Miss() == health.Dead {
					return fmt.Errorf("%w: %d pings unanswered", shm.ErrPeerTimeout, p.tracker.Misses())
				}
			}
		}
		n := p.nonce.Add(1)
		ok, err := s.m.Ping(p.primary, n)
		if err != nil {
			return err
		}
		if ok {
			p.sentNonce.Store(n)
		}
		return nil
	})
	var fault *shm.RecoverableFault
	switch {
	case err == nil:
		return "", nil
	case errors.As(err, &fault):
		return "fault", err
	case errors.Is(err, shm.ErrPeerTimeout):
		return "unresponsive", err
	case errors.Is(err, shm.ErrPeerDead):
		return "dead-man", err
	}
	return "protocol", err
}

// handleDeath tears down what the dead process held and, when allowed,
// starts a replacement that adopts the orphans.
func (s *Supervisor) handleDeath(ctx context.Context, p *Process, cause string, reason error) {
	if !p.dying.CompareAndSwap(false, true) {
		return
	}
	pid := p.PID()
	p.tracker.MarkDead(reason.Error())
	s.unregister(p)
	s.metrics.Deaths.WithLabelValues(cause).Inc()
	logging.Internal.Warnf("frameserver %s (pid %d) dead: %v", p.id, pid, reason)

	var orphans []segment.Handle
	recoverable := s.cfg.AdoptOrphans && p.args.Respawn
	if recoverable {
		orphans = s.detachOrphans(ctx, p)
	}
	if !errors.Is(reason, shm.ErrPeerDead) {
		reason = fmt.Errorf("%w: %v", shm.ErrPeerDead, reason)
	}
	_ = s.m.Fail(p.primary, reason)
	p.kill(killGrace)
	kind := shm.KindOf(reason)
	s.post(SystemEvent{ProcessID: p.id, PID: pid, Segment: p.primary, Event: event.PeerDead(pid, uint32(kind))})
	if !recoverable {
		return
	}

	np, err := s.respawn(ctx, p)
	if err != nil {
		logging.Internal.Errorf("frameserver %s not replaced: %v", p.id, err)
		for _, o := range orphans {
			s.metrics.Adoptions.WithLabelValues("failed").Inc()
			_ = s.m.Close(o)
		}
		return
	}
	adopted := 0
	for _, o := range orphans {
		if err := s.m.Adopt(ctx, o, np.primary); err != nil {
			logging.Internal.Warnf("orphan %s not adopted: %v", o, err)
			s.metrics.Adoptions.WithLabelValues("failed").Inc()
			_ = s.m.Close(o)
			continue
		}
		adopted++
		s.metrics.Adoptions.WithLabelValues("ok").Inc()
		seg, _ := s.m.Get(o)
		s.post(SystemEvent{ProcessID: np.id, PID: np.PID(), Segment: o, Event: event.Adopted(seg.PeerPID(), np.PID())})
	}
	if adopted > 0 {
		p.tracker.MarkAdopted()
	}
}

// detachOrphans cuts loose the direct subsegments of p that another live
// process holds and whose kind survives its parent.
func (s *Supervisor) detachOrphans(ctx context.Context, p *Process) []segment.Handle {
	var out []segment.Handle
	pid := p.PID()
	for _, h := range s.m.Children(p.primary) {
		seg, ok := s.m.Get(h)
		if !ok || !seg.Surface().Adoptable() || !seg.State().Live() {
			continue
		}
		owner := seg.PeerPID()
		if owner == 0 || owner == pid || !seg.Alive() || !oshealth.ProcessAlive(ctx, owner) {
			continue
		}
		if err := s.m.Detach(h); err != nil {
			logging.Internal.Warnf("orphan %s not detached: %v", h, err)
			continue
		}
		out = append(out, h)
	}
	return out
}

func (s *Supervisor) respawn(ctx context.Context, p *Process) (*Process, error) {
	var np *Process
	_, err := s.breaker.Execute(func() (interface{}, error) {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 50 * time.Millisecond
		b := backoff.WithContext(backoff.WithMaxRetries(eb, s.cfg.RespawnMaxRetries), ctx)
		return nil, backoff.Retry(func() error {
			var err error
			np, err = s.spawn(ctx, p.args)
			if errors.Is(err, ErrSupervisorClosed) {
				return backoff.Permanent(err)
			}
			return err
		}, b)
	})
	if err != nil {
		s.metrics.Respawns.WithLabelValues("failed").Inc()
		return nil, err
	}
	np.restarts = p.restarts + 1
	s.metrics.Respawns.WithLabelValues("ok").Inc()
	logging.Internal.Infof("frameserver %s replaced by %s (pid %d)", p.id, np.id, np.PID())
	return np, nil
}

// Restart replaces the process id with a fresh instance on the same
// primary segment. The running instance is told to hand over and the
// successor's Ack takes the segment without renegotiating it.
func (s *Supervisor) Restart(ctx context.Context, id string) (*Process, error) {
	p, ok := s.procs.Get(id)
	if !ok || !p.dying.CompareAndSwap(false, true) {
		return nil, ErrUnknownProcess
	}
	s.unregister(p)
	if err := s.m.BeginHandover(p.primary); err != nil {
		p.kill(killGrace)
		return nil, err
	}
	np, err := s.launch(ctx, p.args, p.primary)
	if err == nil {
		err = s.awaitHandover(ctx, np)
		if err != nil {
			np.kill(killGrace)
		}
	}
	if err != nil {
		_ = s.m.Fail(p.primary, err)
		p.kill(killGrace)
		s.metrics.Spawns.WithLabelValues("failed").Inc()
		return nil, err
	}
	np.restarts = p.restarts + 1
	s.register(np)
	s.metrics.Spawns.WithLabelValues("ok").Inc()
	go func() {
		select {
		case <-p.exited:
		case <-time.After(s.cfg.WaitTimeout):
			p.kill(killGrace)
		}
	}()
	logging.Internal.Infof("frameserver %s handed over to %s (pid %d)", p.id, np.id, np.PID())
	return np, nil
}

func (s *Supervisor) awaitHandover(ctx context.Context, np *Process) error {
	ctx, h := np.untilExit(ctx)
	deadline := time.Now().Add(s.cfg.WaitTimeout)
	for {
		seg, ok := s.m.Get(np.primary)
		if !ok {
			return segment.ErrUnknownHandle
		}
		if seg.PeerPID() == np.PID() {
			return nil
		}
		if err := s.m.Pump(h); err != nil {
			return np.explain(err)
		}
		if err := ctx.Err(); err != nil {
			return np.explain(err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s: handover ack: %w", h, shm.ErrPeerTimeout)
		}
		time.Sleep(handoverPoll)
	}
}

// Stop closes the primary segment of id, which tells the frameserver to
// exit, and kills it if it does not within WaitTimeout.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	p, ok := s.procs.Get(id)
	if !ok {
		return ErrUnknownProcess
	}
	if !p.dying.CompareAndSwap(false, true) {
		return nil
	}
	s.unregister(p)
	_ = s.m.Close(p.primary)
	select {
	case <-p.exited:
	case <-ctx.Done():
		p.kill(killGrace)
	case <-time.After(s.cfg.WaitTimeout):
		p.kill(killGrace)
	}
	return nil
}

func (s *Supervisor) post(ev SystemEvent) {
	ev.At = time.Now()
	ok, err := s.outbox.Offer(ev)
	if err != nil || !ok {
		s.metrics.Dropped.Inc()
		logging.Internal.LimitedWarnf(s.dropLim, "system event outbox full, dropping %s", ev.Event)
	}
}

// NextEvent waits up to timeout for the next SystemEvent. A zero timeout
// only checks.
func (s *Supervisor) NextEvent(timeout time.Duration) (SystemEvent, bool) {
	if timeout <= 0 {
		if s.outbox.Len() == 0 {
			return SystemEvent{}, false
		}
		timeout = time.Millisecond
	}
	item, err := s.outbox.Poll(timeout)
	if err != nil {
		return SystemEvent{}, false
	}
	ev, ok := item.(SystemEvent)
	return ev, ok
}

// Close stops every process and releases the probe pool. The Manager is
// left to the caller.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		for _, p := range s.Processes() {
			_ = s.Stop(context.Background(), p.id)
		}
		s.pool.Release()
		s.outbox.Dispose()
	})
	return nil
}
