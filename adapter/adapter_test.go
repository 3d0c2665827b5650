//go:build linux

package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/srediag/shmif/pkg/config"
	"github.com/srediag/shmif/pkg/health"
	"github.com/srediag/shmif/pkg/segment"
	"github.com/srediag/shmif/pkg/supervisor"
)

type AdapterTestSuite struct {
	suite.Suite
	ctx  context.Context
	logs *observer.ObservedLogs
	m    *segment.Manager
	sup  *supervisor.Supervisor
}

func (s *AdapterTestSuite) SetupTest() {
	s.ctx = context.Background()
	core, logs := observer.New(zapcore.InfoLevel)
	s.logs = logs

	c := config.DefaultConfig()
	c.MaxRegionSize = 4 << 20
	c.MaxWidth = 640
	c.MaxHeight = 480
	c.MaxSegments = 2
	c.MaxSubsegments = 1
	var err error
	s.m, err = segment.NewManager(ManagerOptions(c, prometheus.NewRegistry(), NewZapAudit(zap.New(core))))
	s.Require().NoError(err)
	s.sup, err = supervisor.New(s.m, supervisor.Options{Registerer: prometheus.NewRegistry()})
	s.Require().NoError(err)
}

func (s *AdapterTestSuite) TearDownTest() {
	_ = s.sup.Close()
	s.m.Shutdown()
}

func (s *AdapterTestSuite) get(h http.Handler, path string) int {
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, path, nil))
	return rw.Code
}

func (s *AdapterTestSuite) TestAuditFields() {
	s.NoError(NewZapAudit(nil).LogEvent("noop", nil))

	_, err := s.m.OpenSegment(s.ctx, segment.Primary, segment.Application)
	s.Require().NoError(err)
	entries := s.logs.FilterMessage("segment.open").All()
	s.Require().Len(entries, 1)
	fields := entries[0].ContextMap()
	s.Equal("application", fields["kind"])
	s.Contains(fields, "segment")
	s.Equal("audit", entries[0].LoggerName)
}

func (s *AdapterTestSuite) TestHealthReadiness() {
	h := NewHealth(s.sup)
	s.Equal(http.StatusOK, s.get(h.Handler(), "/live"))
	s.Equal(http.StatusOK, s.get(h.Handler(), "/ready"))

	for i := 0; i < 2; i++ {
		_, err := s.m.OpenSegment(s.ctx, segment.Primary, segment.Application)
		s.Require().NoError(err)
	}
	s.Error(h.Ready())
	s.Equal(http.StatusServiceUnavailable, s.get(h.Handler(), "/ready"))
	s.Equal(http.StatusOK, s.get(h.Handler(), "/live"))
}

func (s *AdapterTestSuite) TestHealthUnknownProcess() {
	h := NewHealth(s.sup)
	l, err := h.Liveness("nope")
	s.ErrorIs(err, supervisor.ErrUnknownProcess)
	s.Equal(health.Dead, l)
}

type fakeLifecycle struct {
	failing map[string]bool
	seen    []string
}

func (f *fakeLifecycle) Spawn(context.Context, supervisor.SpawnArgs) (*supervisor.Process, error) {
	return nil, errors.New("not supported")
}

func (f *fakeLifecycle) Stop(context.Context, string) error {
	return nil
}

func (f *fakeLifecycle) Restart(ctx context.Context, id string) (*supervisor.Process, error) {
	f.seen = append(f.seen, id)
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("no deadline")
	}
	if f.failing[id] {
		return nil, errors.New("restart " + id + " failed")
	}
	return &supervisor.Process{}, nil
}

func (s *AdapterTestSuite) TestHotReload() {
	lc := &fakeLifecycle{failing: map[string]bool{"b": true}}
	r := NewHotReload(lc, func() []string { return []string{"a", "b", "c"} }, time.Second)

	_, err := r.ReloadPlugin(s.ctx, "a")
	s.NoError(err)
	lc.seen = nil

	err = r.ReloadAll(s.ctx)
	s.Require().Error(err)
	s.Contains(err.Error(), "restart b failed")
	s.Equal([]string{"a", "b", "c"}, lc.seen)
}

func TestAdapterTestSuite(t *testing.T) {
	suite.Run(t, new(AdapterTestSuite))
}
