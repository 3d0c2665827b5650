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

package segment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/srediag/shmif/internal/logging"
	"github.com/srediag/shmif/pkg/config"
	"github.com/srediag/shmif/pkg/event"
	"github.com/srediag/shmif/pkg/lifecycle"
	"github.com/srediag/shmif/pkg/security"
	"github.com/srediag/shmif/pkg/shm"
)

const (
	// pumpSlice bounds one blocking step of an event pump so callers can
	// interleave other checks.
	pumpSlice = 10 * time.Millisecond
	// keyRetries bounds attempts to find an unused region name.
	keyRetries = 4
	// ownerReqBit marks request ids allocated by the owner, keeping them
	// apart from ids chosen by the peer.
	ownerReqBit = 1 << 31
)

var (
	ErrManagerClosed = errors.New("segment manager closed")
	ErrUnknownHandle = errors.New("unknown segment handle")
	ErrNotActive     = errors.New("segment not active")
	ErrNoParent      = errors.New("subsegment needs a live parent")

	errPeerExit     = errors.New("peer exited")
	errParentClosed = errors.New("parent closed")
)

// Auditor receives security-relevant segment events.
type Auditor interface {
	LogEvent(event string, details map[string]interface{}) error
}

// Options configure a Manager. Every field is optional.
type Options struct {
	Config     *config.Config
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
	Meter      metric.Meter
	Auditor    Auditor
	// PID is written to headers as the owner pid. Defaults to os.Getpid().
	PID int
}

// ResizeResult reports the outcome of a resize negotiation.
type ResizeResult struct {
	Accepted   bool
	Generation uint64
	Geometry   shm.Geometry
	Reason     shm.ErrorKind
}

// Manager is the owner side of every segment in this process: it allocates
// regions, runs negotiation and keeps the segment tree.
type Manager struct {
	cfg       *config.Config
	mapType   shm.MemMapType
	limits    shm.Limits
	pid       int
	validator security.CookieValidator

	// mu guards the arena and the tree links. It is never held while
	// waiting on shared memory.
	mu     sync.Mutex
	arena  *arena
	closed bool

	metrics *Metrics
	tel     telemetry
	audit   Auditor
}

func NewManager(opts Options) (*Manager, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := config.VerifyConfig(cfg); err != nil {
		return nil, err
	}
	mt, err := cfg.MapType()
	if err != nil {
		return nil, err
	}
	pid := opts.PID
	if pid == 0 {
		pid = os.Getpid()
	}
	return &Manager{
		cfg:       cfg,
		mapType:   mt,
		limits:    cfg.Limits(),
		pid:       pid,
		validator: security.CookieValidator{Expected: shm.ProtocolCookie},
		arena:     newArena(cfg.MaxSegments),
		metrics:   NewMetrics(opts.Registerer),
		tel:       newTelemetry(opts.Tracer, opts.Meter),
		audit:     opts.Auditor,
	}, nil
}

func (m *Manager) Config() *config.Config {
	return m.cfg
}

func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// OpenOption adjusts OpenSegment.
type OpenOption func(*openOptions)

type openOptions struct {
	geometry *shm.Geometry
	parent   Handle
	side     SideChannel
}

// WithGeometry replaces the kind's default geometry.
func WithGeometry(g shm.Geometry) OpenOption {
	return func(o *openOptions) { o.geometry = &g }
}

// WithParent places a Subsegment under parent.
func WithParent(parent Handle) OpenOption {
	return func(o *openOptions) { o.parent = parent }
}

// WithSideChannel binds the descriptor channel to the peer.
func WithSideChannel(sc SideChannel) OpenOption {
	return func(o *openOptions) { o.side = sc }
}

// OpenSegment allocates a segment in state Requested. The caller hands its
// Key to the peer, which answers with an Ack.
func (m *Manager) OpenSegment(ctx context.Context, role Role, kind Kind, opts ...OpenOption) (h Handle, err error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	ctx, span := m.tel.start(ctx, "segment.open", nil,
		attribute.String("shmif.kind", kind.String()), attribute.String("shmif.role", role.String()))
	defer func() { endSpan(span, err) }()

	var parent *Segment
	if role == Subsegment {
		if parent = m.lookup(o.parent); parent == nil || !parent.State().Live() {
			return Handle{}, ErrNoParent
		}
	}
	s, err := m.create(ctx, role, kind, o.geometry, parent)
	if err != nil {
		return Handle{}, err
	}
	if o.side != nil {
		m.mu.Lock()
		s.side = o.side
		m.mu.Unlock()
	}
	span.SetAttributes(attribute.String("shmif.segment", s.handle.String()))
	return s.handle, nil
}

// create reserves an arena slot, links the segment under parent and maps
// its region.
func (m *Manager) create(ctx context.Context, role Role, kind Kind, g *shm.Geometry, parent *Segment) (*Segment, error) {
	surface, err := SurfaceFor(kind)
	if err != nil {
		return nil, err
	}
	geom := surface.Default()
	if g != nil {
		geom = *g
	}
	if err := surface.Accept(geom); err != nil {
		return nil, err
	}
	if _, err := shm.ComputeLayout(geom, m.limits); err != nil {
		return nil, err
	}

	s := &Segment{
		role:     role,
		surface:  surface,
		machine:  lifecycle.NewMachine(lifecycle.Requested),
		created:  time.Now(),
		resizeCh: make(chan event.Event, 1),
		metrics:  m.metrics,
		dropLim:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
	if parent != nil {
		m.expireRequests(parent)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if parent != nil {
		if n := m.treeSizeLocked(m.rootLocked(parent)) - 1; n >= m.cfg.MaxSubsegments {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %d subsegments in tree of %s", shm.ErrResourceExhausted, n, parent.handle)
		}
	}
	if _, err := m.arena.insert(s); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if parent != nil {
		s.parent = parent.handle
		parent.children = append(parent.children, s.handle)
	}
	m.mu.Unlock()

	region, err := m.createRegion(ctx, geom, kind)
	if err != nil {
		m.closeSegment(s, err)
		return nil, err
	}
	region.Events().SetEnqueueTimeout(m.cfg.EnqueueTimeout)
	s.mu.Lock()
	s.region = region
	s.mu.Unlock()

	m.metrics.SegmentsOpen.WithLabelValues(kind.String()).Inc()
	m.metrics.Transitions.WithLabelValues(lifecycle.Requested.String()).Inc()
	logging.Internal.Infof("segment %s opened: %s %s %s key=%s", s.handle, role, kind, geom, region.Key())
	m.auditEvent("segment.open", s, map[string]interface{}{"key": region.Key().String(), "geometry": geom.String()})
	return s, nil
}

// expireRequests closes subsegments in the tree of s that were offered
// more than WaitTimeout ago and never acknowledged.
func (m *Manager) expireRequests(s *Segment) {
	var stale []*Segment
	m.mu.Lock()
	m.walkLocked(m.rootLocked(s), func(x *Segment) {
		if x.role == Subsegment && m.requestExpired(x) {
			stale = append(stale, x)
		}
	})
	m.mu.Unlock()
	for _, x := range stale {
		m.expire(x)
	}
}

func (m *Manager) requestExpired(s *Segment) bool {
	return s.State() == lifecycle.Requested && time.Since(s.created) > m.cfg.WaitTimeout
}

func (m *Manager) expire(s *Segment) {
	m.metrics.SubsegmentResults.WithLabelValues("owner", shm.KindPeerTimeout.String()).Inc()
	m.closeSegment(s, fmt.Errorf("%s: ack: %w", s.handle, shm.ErrPeerTimeout))
}

func (m *Manager) createRegion(ctx context.Context, g shm.Geometry, kind Kind) (*shm.Region, error) {
	prefix := "shmif"
	if m.mapType == shm.MemMapTypeDevShmFile {
		prefix = m.cfg.ShareMemoryPathPrefix
	}
	var region *shm.Region
	op := func() error {
		r, err := shm.CreateRegion(ctx, shm.RegionOptions{
			Name:     security.NewKeyName(prefix, m.pid),
			Type:     m.mapType,
			Limits:   m.limits,
			Geometry: g,
			Kind:     uint32(kind),
			OwnerPID: m.pid,
		})
		if err == nil {
			region = r
			return nil
		}
		if errors.Is(err, os.ErrExist) {
			logging.Internal.Debugf("region name collision, retrying: %v", err)
			return err
		}
		return backoff.Permanent(err)
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(eb, keyRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("create region: %w", err)
	}
	return region, nil
}

// RequestSubsegment asks the peer of parent to take a new child segment.
// A full tree fails synchronously with ErrResourceExhausted; otherwise the
// returned Future resolves once the child is Active or closed.
func (m *Manager) RequestSubsegment(ctx context.Context, parent Handle, kind Kind) (f *Future, err error) {
	p := m.lookup(parent)
	ctx, span := m.tel.start(ctx, "segment.subsegment", p, attribute.String("shmif.child_kind", kind.String()))
	defer func() { endSpan(span, err) }()
	if p == nil || !p.State().Live() {
		return nil, ErrNoParent
	}

	m.mu.Lock()
	p.nextReq++
	reqID := ownerReqBit | p.nextReq
	m.mu.Unlock()

	p.mu.RLock()
	if p.region == nil {
		p.mu.RUnlock()
		return nil, ErrNoParent
	}
	child, err := m.grantLocked(ctx, p, p.region, kind, reqID)
	p.mu.RUnlock()
	if err != nil {
		m.closeOnFault(p, err)
		m.metrics.SubsegmentResults.WithLabelValues("owner", shm.KindOf(err).String()).Inc()
		return nil, err
	}
	m.metrics.SubsegmentResults.WithLabelValues("owner", "granted").Inc()
	return child.future, nil
}

// grantLocked creates a child of p and announces it to p's peer. The
// caller holds p.mu shared.
func (m *Manager) grantLocked(ctx context.Context, p *Segment, region *shm.Region, kind Kind, reqID uint32) (*Segment, error) {
	child, err := m.create(ctx, Subsegment, kind, nil, p)
	if err != nil {
		return nil, err
	}
	child.mu.RLock()
	key := child.region.Key()
	child.mu.RUnlock()

	m.mu.Lock()
	child.reqID = reqID
	child.future = newFuture(m, child.handle, kind)
	side := p.side
	m.mu.Unlock()

	q := region.Events()
	err = m.touch(p, "announce", func() (err error) {
		if key.Type == shm.MemMapTypeMemFd && side != nil {
			if err = q.Enqueue(event.FDTransfer(reqID)); err == nil {
				err = side.SendHandle(reqID, key.Fd)
			}
		}
		if err == nil {
			err = q.Enqueue(event.NewSegment(uint32(kind), reqID, key.String()))
		}
		return err
	})
	if err != nil {
		err = fmt.Errorf("announce %s: %w", child.handle, err)
		m.closeSegment(child, err)
		return nil, err
	}
	return child, nil
}

// Resize proposes g to the peer and waits up to WaitTimeout for its answer.
// A rejected proposal is not an error; the result keeps the prior
// generation and carries the peer's reason.
func (m *Manager) Resize(ctx context.Context, h Handle, g shm.Geometry) (res ResizeResult, err error) {
	s := m.lookup(h)
	ctx, span := m.tel.start(ctx, "segment.resize", s, geometryAttrs(g)...)
	defer func() { endSpan(span, err) }()
	if s == nil {
		return res, ErrUnknownHandle
	}

	s.mu.RLock()
	region := s.region
	if region == nil {
		s.mu.RUnlock()
		return res, shm.ErrRegionClosed
	}
	res.Generation = region.Generation()
	res.Geometry = region.Geometry()
	if err = s.surface.Accept(g); err == nil {
		_, err = region.Validate(g)
	}
	if err != nil {
		s.mu.RUnlock()
		res.Reason = shm.KindOf(err)
		m.metrics.Resizes.WithLabelValues("owner", "invalid").Inc()
		return res, err
	}
	if err = s.machine.TransitionFrom(lifecycle.Active, lifecycle.Resizing); err != nil {
		s.mu.RUnlock()
		return res, err
	}
	m.metrics.Transitions.WithLabelValues(lifecycle.Resizing.String()).Inc()
	select {
	case <-s.resizeCh:
	default:
	}
	err = m.touch(s, "resize", func() error {
		return region.Events().Enqueue(event.ResizeProposal(g.ResizePayload(res.Generation, shm.KindNone)))
	})
	s.mu.RUnlock()
	if err != nil {
		m.endResize(s)
		m.closeOnFault(s, err)
		return res, err
	}

	reply, err := m.awaitResize(ctx, s)
	if err != nil {
		m.endResize(s)
		res.Reason = shm.KindOf(err)
		if !errors.Is(err, shm.ErrPeerDead) {
			// a peer that already echoed Accepted holds its buffers until told otherwise
			m.withRegion(s, func(r *shm.Region) {
				_, _ = r.Events().TryEnqueue(event.ResizeRejected(g.ResizePayload(res.Generation, shm.KindPeerTimeout)))
			})
		}
		m.metrics.Resizes.WithLabelValues("owner", "timeout").Inc()
		return res, err
	}
	r := reply.Resize()
	if reply.Kind == event.KindResizeRejected {
		m.endResize(s)
		res.Reason = shm.ErrorKind(r.Reason)
		m.metrics.Resizes.WithLabelValues("owner", "rejected").Inc()
		logging.Protocol.Debugf("segment %s: peer rejected %s: %s", s.handle, g, res.Reason)
		return res, nil
	}

	s.mu.RLock()
	region = s.region
	if region == nil {
		s.mu.RUnlock()
		return res, shm.ErrRegionClosed
	}
	var (
		gen       uint64
		committed shm.Geometry
	)
	err = m.touch(s, "resize", func() (err error) {
		if gen, err = region.Commit(g); err != nil {
			return err
		}
		committed = region.Geometry()
		if cerr := region.Events().Enqueue(event.ResizeAccepted(committed.ResizePayload(gen, shm.KindNone))); cerr != nil {
			logging.Internal.Warnf("segment %s: resize confirmation not delivered: %v", s.handle, cerr)
		}
		return nil
	})
	s.mu.RUnlock()
	m.endResize(s)
	if err != nil {
		m.closeOnFault(s, err)
		return res, err
	}
	m.metrics.Resizes.WithLabelValues("owner", "accepted").Inc()
	return ResizeResult{Accepted: true, Generation: gen, Geometry: committed}, nil
}

func (m *Manager) endResize(s *Segment) {
	if s.machine.TransitionFrom(lifecycle.Resizing, lifecycle.Active) == nil {
		m.metrics.Transitions.WithLabelValues(lifecycle.Active.String()).Inc()
	}
}

// withRegion runs fn while the region of s stays mapped. fn is skipped once
// the segment is unmapped. A fault inside fn closes the segment.
func (m *Manager) withRegion(s *Segment, fn func(*shm.Region)) {
	s.mu.RLock()
	var err error
	if s.region != nil {
		region := s.region
		err = m.touch(s, "region", func() error {
			fn(region)
			return nil
		})
	}
	s.mu.RUnlock()
	m.closeOnFault(s, err)
}

// touch runs fn, which reads or writes the shared memory of s, with memory
// faults reported as the death of its peer. Callers hold s.mu shared and
// call closeOnFault once they released it.
func (m *Manager) touch(s *Segment, op string, fn func() error) error {
	err := shm.Guard(s.PeerPID(), op, fn)
	if fault, ok := err.(*shm.RecoverableFault); ok {
		m.metrics.Faults.Inc()
		logging.Internal.Errorf("segment %s: %v", s.handle, fault)
		return fmt.Errorf("%s: %w: %w", s.handle, shm.ErrPeerDead, fault)
	}
	return err
}

func (m *Manager) closeOnFault(s *Segment, err error) {
	var fault *shm.RecoverableFault
	if errors.As(err, &fault) {
		m.closeSegment(s, err)
	}
}

func (m *Manager) awaitResize(ctx context.Context, s *Segment) (event.Event, error) {
	deadline := time.Now().Add(m.cfg.WaitTimeout)
	for {
		select {
		case ev := <-s.resizeCh:
			return ev, nil
		case <-ctx.Done():
			return event.Event{}, ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			return event.Event{}, fmt.Errorf("%s: resize answer: %w", s.handle, shm.ErrPeerTimeout)
		}
		if err := m.pumpSegment(s, pumpSlice); err != nil {
			return event.Event{}, err
		}
	}
}

// Close tears down h and its subtree. Closing a closed or unknown handle is
// a no-op.
func (m *Manager) Close(h Handle) error {
	if s := m.lookup(h); s != nil {
		m.closeSegment(s, nil)
	}
	return nil
}

// Fail tears down h and its subtree because its peer failed. A reason
// wrapping shm.ErrPeerDead queues a PeerDead event for the application.
func (m *Manager) Fail(h Handle, reason error) error {
	if reason == nil {
		return m.Close(h)
	}
	s := m.lookup(h)
	if s == nil {
		return ErrUnknownHandle
	}
	m.closeSegment(s, reason)
	return nil
}

// closeSegment moves s through Closing to Closed. reason is nil for an
// explicit close. Callers must not hold s.mu.
func (m *Manager) closeSegment(s *Segment, reason error) {
	if !s.machine.BeginClose() {
		return
	}
	if reason != nil {
		s.closeErr.Store(&reason)
	}
	m.metrics.Transitions.WithLabelValues(lifecycle.Closing.String()).Inc()

	m.mu.Lock()
	kids := append([]Handle(nil), s.children...)
	m.mu.Unlock()
	for _, k := range kids {
		if c := m.lookup(k); c != nil {
			m.closeSegment(c, errParentClosed)
		}
	}

	s.mu.RLock()
	if region := s.region; region != nil {
		// the peer may have broken the mapping already; unmapping is all that is left then
		_ = shm.Guard(s.PeerPID(), "close", func() error {
			if reason == nil {
				_, _ = region.Events().TryEnqueue(event.Exit(0))
			}
			region.MarkDead()
			return nil
		})
	}
	s.mu.RUnlock()

	// waits in flight hold mu shared and return once they see the flag
	s.mu.Lock()
	region := s.region
	s.region = nil
	s.mu.Unlock()
	mapped := region != nil
	if mapped {
		if err := region.Close(); err != nil {
			logging.Internal.Warnf("segment %s: unmap: %v", s.handle, err)
		}
	}

	m.mu.Lock()
	side := s.side
	s.side = nil
	if p := m.arena.get(s.parent); p != nil {
		p.children = removeHandle(p.children, s.handle)
	}
	s.parent = Handle{}
	m.mu.Unlock()
	if side != nil {
		_ = side.Close()
	}

	if errors.Is(reason, shm.ErrPeerDead) {
		s.push(event.PeerDead(s.PeerPID(), uint32(shm.KindPeerDead)))
	}
	_ = s.machine.Transition(lifecycle.Closed)
	if s.future != nil {
		if reason == nil {
			s.future.resolve(shm.ErrRegionClosed)
		} else {
			s.future.resolve(reason)
		}
	}
	if mapped {
		m.metrics.SegmentsOpen.WithLabelValues(s.Kind().String()).Dec()
	}
	m.metrics.Transitions.WithLabelValues(lifecycle.Closed.String()).Inc()
	m.metrics.Closes.WithLabelValues(closeLabel(reason)).Inc()
	logging.Internal.Infof("segment %s closed: %v", s.handle, reasonText(reason))
	m.auditEvent("segment.close", s, map[string]interface{}{"reason": reasonText(reason)})
}

func closeLabel(reason error) string {
	switch {
	case reason == nil:
		return "explicit"
	case errors.Is(reason, errPeerExit):
		return "exit"
	case errors.Is(reason, errParentClosed):
		return "parent"
	}
	return shm.KindOf(reason).String()
}

func reasonText(reason error) string {
	if reason == nil {
		return "closed by owner"
	}
	return reason.Error()
}

func removeHandle(hs []Handle, h Handle) []Handle {
	for i, x := range hs {
		if x == h {
			return append(hs[:i], hs[i+1:]...)
		}
	}
	return hs
}

// PollEvents runs negotiation on everything the peer sent and returns the
// events meant for the application. Once the segment is closed and its
// backlog drained it returns the close reason.
func (m *Manager) PollEvents(h Handle) ([]event.Event, error) {
	s := m.lookup(h)
	if s == nil {
		return nil, ErrUnknownHandle
	}
	err := m.pumpSegment(s, 0)
	evs := s.takeBacklog()
	if err != nil && len(evs) == 0 {
		return nil, err
	}
	return evs, nil
}

// WaitEvents is PollEvents that waits up to timeout for the first event.
func (m *Manager) WaitEvents(ctx context.Context, h Handle, timeout time.Duration) ([]event.Event, error) {
	s := m.lookup(h)
	if s == nil {
		return nil, ErrUnknownHandle
	}
	deadline := time.Now().Add(timeout)
	for {
		err := m.pumpSegment(s, pumpSlice)
		evs := s.takeBacklog()
		if len(evs) > 0 {
			return evs, nil
		}
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
	}
}

// Pump runs negotiation on pending events without taking the backlog.
func (m *Manager) Pump(h Handle) error {
	s := m.lookup(h)
	if s == nil {
		return ErrUnknownHandle
	}
	return m.pumpSegment(s, 0)
}

func (m *Manager) pumpSegment(s *Segment, wait time.Duration) error {
	s.mu.RLock()
	region := s.region
	if region == nil {
		s.mu.RUnlock()
		if r := s.CloseReason(); r != nil {
			return r
		}
		return shm.ErrRegionClosed
	}
	s.evMu.Lock()
	fatal := m.touch(s, "pump", func() error { return m.drain(s, region, wait) })
	s.evMu.Unlock()
	s.mu.RUnlock()
	if fatal != nil {
		m.closeSegment(s, fatal)
	}
	return fatal
}

// drain handles events until the queue is empty. The caller holds s.mu
// shared and s.evMu.
func (m *Manager) drain(s *Segment, region *shm.Region, wait time.Duration) error {
	q := region.Events()
	for i := 0; ; i++ {
		var (
			ev  event.Event
			ok  bool
			err error
		)
		if i == 0 && wait > 0 {
			var res shm.WaitResult
			ev, res, err = q.Wait(wait)
			if err == nil && res == shm.Dead {
				return fmt.Errorf("%s: %w", s.handle, shm.ErrPeerDead)
			}
			ok = err == nil && res == shm.Ready
			if err == nil && !ok {
				return nil
			}
		} else {
			ev, ok, err = q.Poll()
		}
		if err != nil {
			return fmt.Errorf("%s: %w", s.handle, err)
		}
		if !ok {
			if !region.Alive() {
				return fmt.Errorf("%s: %w", s.handle, shm.ErrPeerDead)
			}
			return nil
		}
		m.metrics.Events.WithLabelValues(ev.Category.String()).Inc()
		logging.Protocol.Tracef("segment %s <- %s", s.handle, ev)
		if err := m.handle(s, region, ev); err != nil {
			return err
		}
	}
}

// AwaitActive drives negotiation of h until it is Active.
func (m *Manager) AwaitActive(ctx context.Context, h Handle) error {
	deadline := time.Now().Add(m.cfg.WaitTimeout)
	for {
		s := m.lookup(h)
		if s == nil {
			return ErrUnknownHandle
		}
		switch st := s.State(); {
		case st.Live():
			return nil
		case st == lifecycle.Closing || st == lifecycle.Closed:
			if r := s.CloseReason(); r != nil {
				return r
			}
			return shm.ErrRegionClosed
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s: ack: %w", h, shm.ErrPeerTimeout)
		}
		if err := m.pumpSegment(s, pumpSlice); err != nil {
			return err
		}
	}
}

// WaitData waits up to timeout for a frame on channel ch of h. A Ready frame
// stays owned by the caller until Release.
func (m *Manager) WaitData(h Handle, ch shm.ChannelKind, timeout time.Duration) (shm.WaitResult, error) {
	s := m.lookup(h)
	if s == nil {
		return shm.Dead, ErrUnknownHandle
	}
	s.mu.RLock()
	if s.region == nil {
		s.mu.RUnlock()
		return shm.Dead, shm.ErrRegionClosed
	}
	if st := s.State(); !st.Live() {
		s.mu.RUnlock()
		return shm.Timeout, fmt.Errorf("%s is %s: %w", h, st, ErrNotActive)
	}
	start := time.Now()
	region := s.region
	var res shm.WaitResult
	err := m.touch(s, "wait-data", func() error {
		res = region.Channel(ch).Acquire(timeout)
		return nil
	})
	s.mu.RUnlock()
	if err != nil {
		m.closeOnFault(s, err)
		return shm.Dead, err
	}
	m.tel.recordWait(s, ch, res, time.Since(start))
	if res == shm.Dead {
		err := fmt.Errorf("%s: %w", h, shm.ErrPeerDead)
		m.closeSegment(s, err)
		return res, err
	}
	return res, nil
}

// Channel returns the data channel ch of h for reading a frame. Reads of
// its Bytes outside ReadFrame are not protected against a peer that breaks
// the mapping.
func (m *Manager) Channel(h Handle, ch shm.ChannelKind) (*shm.Channel, error) {
	s := m.lookup(h)
	if s == nil {
		return nil, ErrUnknownHandle
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.region == nil {
		return nil, shm.ErrRegionClosed
	}
	return s.region.Channel(ch), nil
}

// Release hands channel ch of h back to the producer.
func (m *Manager) Release(h Handle, ch shm.ChannelKind) error {
	s := m.lookup(h)
	if s == nil {
		return ErrUnknownHandle
	}
	s.mu.RLock()
	region := s.region
	if region == nil {
		s.mu.RUnlock()
		return shm.ErrRegionClosed
	}
	err := m.touch(s, "release", func() error {
		region.Channel(ch).Release()
		return nil
	})
	s.mu.RUnlock()
	m.closeOnFault(s, err)
	return err
}

// ReadFrame runs fn on the acquired frame of channel ch of h. A fault while
// fn reads the frame closes the segment and is returned as ErrPeerDead.
func (m *Manager) ReadFrame(h Handle, ch shm.ChannelKind, fn func(frame []byte) error) error {
	s := m.lookup(h)
	if s == nil {
		return ErrUnknownHandle
	}
	s.mu.RLock()
	region := s.region
	if region == nil {
		s.mu.RUnlock()
		return shm.ErrRegionClosed
	}
	err := m.touch(s, "read-frame", func() error {
		c := region.Channel(ch)
		if !c.Ready() {
			return fmt.Errorf("%s: %s frame not acquired: %w", h, ch, ErrNotActive)
		}
		b := c.Bytes()
		if n := c.Used(); n < len(b) {
			b = b[:n]
		}
		return fn(b)
	})
	s.mu.RUnlock()
	m.closeOnFault(s, err)
	return err
}

// Notify sends ev to the peer of h under the event's saturation policy.
func (m *Manager) Notify(h Handle, ev event.Event) error {
	s := m.lookup(h)
	if s == nil {
		return ErrUnknownHandle
	}
	s.mu.RLock()
	region := s.region
	if region == nil {
		s.mu.RUnlock()
		return shm.ErrRegionClosed
	}
	err := m.touch(s, "notify", func() error { return region.Events().Enqueue(ev) })
	s.mu.RUnlock()
	m.closeOnFault(s, err)
	return err
}

// Ping sends a liveness probe without blocking. It reports false when the
// peer's queue is full.
func (m *Manager) Ping(h Handle, nonce uint32) (bool, error) {
	s := m.lookup(h)
	if s == nil {
		return false, ErrUnknownHandle
	}
	s.mu.RLock()
	region := s.region
	if region == nil {
		s.mu.RUnlock()
		return false, shm.ErrRegionClosed
	}
	var ok bool
	err := m.touch(s, "ping", func() (err error) {
		ok, err = region.Events().TryEnqueue(event.Ping(nonce))
		return err
	})
	s.mu.RUnlock()
	m.closeOnFault(s, err)
	return ok, err
}

// Key returns the reference the peer of h maps.
func (m *Manager) Key(h Handle) (shm.Key, error) {
	s := m.lookup(h)
	if s == nil {
		return shm.Key{}, ErrUnknownHandle
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.region == nil {
		return shm.Key{}, shm.ErrRegionClosed
	}
	return s.region.Key(), nil
}

// Geometry returns the committed geometry and generation of h.
func (m *Manager) Geometry(h Handle) (shm.Geometry, uint64, error) {
	s := m.lookup(h)
	if s == nil {
		return shm.Geometry{}, 0, ErrUnknownHandle
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.region == nil {
		return shm.Geometry{}, 0, shm.ErrRegionClosed
	}
	return s.region.Geometry(), s.region.Generation(), nil
}

// State returns the state of h. Unknown and stale handles are Closed.
func (m *Manager) State(h Handle) lifecycle.State {
	if s := m.lookup(h); s != nil {
		return s.State()
	}
	return lifecycle.Closed
}

// Get returns the segment behind h.
func (m *Manager) Get(h Handle) (*Segment, bool) {
	s := m.lookup(h)
	return s, s != nil
}

func (m *Manager) lookup(h Handle) *Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.arena.get(h)
}

// Children returns the direct children of h.
func (m *Manager) Children(h Handle) []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.arena.get(h); s != nil {
		return append([]Handle(nil), s.children...)
	}
	return nil
}

// Parent returns the parent of h, the zero Handle for roots.
func (m *Manager) Parent(h Handle) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.arena.get(h); s != nil {
		return s.parent
	}
	return Handle{}
}

// Tree returns h and all its descendants, parents before children.
func (m *Manager) Tree(h Handle) []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.arena.get(h)
	if s == nil {
		return nil
	}
	var out []Handle
	m.walkLocked(s, func(x *Segment) { out = append(out, x.handle) })
	return out
}

func (m *Manager) walkLocked(s *Segment, fn func(*Segment)) {
	fn(s)
	for _, c := range s.children {
		if cs := m.arena.get(c); cs != nil {
			m.walkLocked(cs, fn)
		}
	}
}

func (m *Manager) rootLocked(s *Segment) *Segment {
	for {
		p := m.arena.get(s.parent)
		if p == nil {
			return s
		}
		s = p
	}
}

func (m *Manager) treeSizeLocked(s *Segment) int {
	n := 0
	m.walkLocked(s, func(*Segment) { n++ })
	return n
}

// Segments returns every segment that is not Closed.
func (m *Manager) Segments() []*Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Segment
	m.arena.each(func(s *Segment) { out = append(out, s) })
	return out
}

// Capacity returns open segments and the arena limit.
func (m *Manager) Capacity() (open, limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.arena.open(), m.arena.max
}

// BindSideChannel sets the descriptor channel of h, closing a previous one.
func (m *Manager) BindSideChannel(h Handle, sc SideChannel) error {
	m.mu.Lock()
	s := m.arena.get(h)
	if s == nil {
		m.mu.Unlock()
		return ErrUnknownHandle
	}
	old := s.side
	s.side = sc
	m.mu.Unlock()
	if old != nil && old != sc {
		_ = old.Close()
	}
	return nil
}

// BeginHandover tells the current peer of h to stop and arms the segment
// for an Ack from its successor.
func (m *Manager) BeginHandover(h Handle) error {
	s := m.lookup(h)
	if s == nil {
		return ErrUnknownHandle
	}
	if st := s.State(); !st.Live() {
		return fmt.Errorf("%s is %s: %w", h, st, ErrNotActive)
	}
	s.evMu.Lock()
	s.expectAck = true
	s.evMu.Unlock()
	_ = m.Notify(h, event.Handover())
	m.auditEvent("segment.handover", s, nil)
	return nil
}

// Detach cuts a live subsegment loose from its parent and moves it to
// Adopting. Its peer keeps running.
func (m *Manager) Detach(h Handle) error {
	s := m.lookup(h)
	if s == nil {
		return ErrUnknownHandle
	}
	st := s.State()
	if err := s.machine.TransitionFrom(st, lifecycle.Adopting); err != nil {
		return err
	}
	m.metrics.Transitions.WithLabelValues(lifecycle.Adopting.String()).Inc()
	m.mu.Lock()
	if p := m.arena.get(s.parent); p != nil {
		p.children = removeHandle(p.children, s.handle)
	}
	s.parent = Handle{}
	m.mu.Unlock()
	logging.Internal.Infof("segment %s detached for adoption", h)
	return nil
}

// Adopt re-parents a detached segment under newParent, returns it to Active
// and tells its peer with an Adopted event.
func (m *Manager) Adopt(ctx context.Context, h, newParent Handle) (err error) {
	s := m.lookup(h)
	_, span := m.tel.start(ctx, "segment.adopt", s, attribute.String("shmif.parent", newParent.String()))
	defer func() { endSpan(span, err) }()
	if s == nil {
		return ErrUnknownHandle
	}
	if st := s.State(); st != lifecycle.Adopting {
		return fmt.Errorf("%w: adopt %s in state %s", lifecycle.ErrIllegalTransition, h, st)
	}
	m.mu.Lock()
	p := m.arena.get(newParent)
	if p == nil || !p.State().Live() {
		m.mu.Unlock()
		return ErrNoParent
	}
	s.parent = p.handle
	p.children = append(p.children, s.handle)
	m.mu.Unlock()

	if err = s.machine.TransitionFrom(lifecycle.Adopting, lifecycle.Active); err != nil {
		return err
	}
	m.metrics.Transitions.WithLabelValues(lifecycle.Active.String()).Inc()
	if nerr := m.Notify(h, event.Adopted(s.PeerPID(), p.PeerPID())); nerr != nil {
		logging.Internal.Warnf("segment %s: adopted notice not delivered: %v", h, nerr)
	}
	m.auditEvent("segment.adopt", s, map[string]interface{}{"parent": p.handle.String()})
	return nil
}

// Shutdown closes every segment and refuses new ones.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	for _, s := range m.Segments() {
		m.closeSegment(s, nil)
	}
}

func (m *Manager) auditEvent(name string, s *Segment, details map[string]interface{}) {
	if m.audit == nil {
		return
	}
	if details == nil {
		details = map[string]interface{}{}
	}
	details["segment"] = s.handle.String()
	details["kind"] = s.Kind().String()
	details["peer_pid"] = s.PeerPID()
	if err := m.audit.LogEvent(name, details); err != nil {
		logging.Internal.Warnf("audit %s: %v", name, err)
	}
}
