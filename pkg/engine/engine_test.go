package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/bleguard/internal/testutils"
	"github.com/srg/bleguard/pkg/config"
	"github.com/srg/bleguard/pkg/device"
	"github.com/srg/bleguard/pkg/events"
	"github.com/srg/bleguard/pkg/health"
)

const (
	devA device.DeviceID = "aa:aa:aa:aa:aa:aa"
	devB device.DeviceID = "bb:bb:bb:bb:bb:bb"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// EngineTestSuite runs the engine against a FakeRadio with millisecond timings.
type EngineTestSuite struct {
	suite.Suite
	helper   *testutils.TestHelper
	radio    *testutils.FakeRadio
	cfg      config.ReconnectConfig
	engine   *Engine
	recorder *testutils.EventRecorder
}

func (s *EngineTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.radio = testutils.NewFakeRadio(true)
	s.cfg = config.ReconnectConfig{
		MaxAttempts:         5,
		BaseDelay:           5 * time.Millisecond,
		MaxDelay:            40 * time.Millisecond,
		Jitter:              0,
		ConnectionTimeout:   5 * time.Second,
		RSSIPollInterval:    10 * time.Millisecond,
		HealthCheckInterval: time.Hour,
		StaleTimeout:        30 * time.Second,
		AutoReconnect:       true,
		PauseOnAdapterOff:   true,
	}
	s.engine = nil
	s.recorder = nil
}

func (s *EngineTestSuite) TearDownTest() {
	if s.engine != nil {
		s.engine.Close()
	}
	if s.recorder != nil {
		s.recorder.Close()
	}
}

// start builds and starts an engine with the current suite config.
func (s *EngineTestSuite) start(opts ...Option) *Engine {
	e, err := New(s.radio, s.cfg, s.helper.Logger, opts...)
	s.Require().NoError(err)
	s.engine = e
	s.recorder = testutils.NewEventRecorder(e.Bus())
	e.Start(context.Background())
	s.recorder.WaitFor(s.T(), events.WorkerStarted, 1)
	return e
}

func (s *EngineTestSuite) connected(e *Engine, p device.Peripheral) {
	s.radio.EmitConnected(p)
	s.Require().Eventually(func() bool {
		return e.HealthStatuses()[p.ID()] == health.Healthy
	}, time.Second, time.Millisecond, "device %s MUST become healthy after connecting", p.ID())
}

// TestNew_ValidatesInput verifies construction errors.
func (s *EngineTestSuite) TestNew_ValidatesInput() {
	_, err := New(nil, s.cfg, nil)
	s.Require().Error(err)

	bad := s.cfg
	bad.MaxAttempts = 0
	_, err = New(s.radio, bad, nil)
	s.Require().Error(err)
	s.Assert().Contains(err.Error(), "max_attempts")
}

// TestIdempotentLifecycle verifies that double start and double stop are harmless.
func (s *EngineTestSuite) TestIdempotentLifecycle() {
	// GOAL: Verify Start/Stop idempotency
	//
	// TEST SCENARIO: Start twice → one workerStarted, one radio subscription → Stop twice → one workerStopped

	e := s.start()
	e.Start(context.Background())

	time.Sleep(20 * time.Millisecond)
	s.Assert().Equal(1, s.recorder.Count(events.WorkerStarted), "second Start MUST NOT emit workerStarted")
	s.Assert().Equal(1, s.radio.SubscriberCount(), "second Start MUST NOT subscribe twice")
	s.Assert().True(e.IsRunning())

	e.Stop()
	e.Stop()
	s.recorder.WaitFor(s.T(), events.WorkerStopped, 1)
	time.Sleep(20 * time.Millisecond)
	s.Assert().Equal(1, s.recorder.Count(events.WorkerStopped), "second Stop MUST be a no-op")
	s.Assert().Equal(0, s.radio.SubscriberCount(), "Stop MUST unsubscribe from the radio")
	s.Assert().False(e.IsRunning())

	fresh, err := New(s.radio, s.cfg, nil)
	s.Require().NoError(err)
	fresh.Stop()
	s.Assert().False(fresh.IsRunning(), "Stop before Start MUST be a no-op")
}

// TestScheduleBeforeStartIsIgnored verifies that operations need a running engine.
func (s *EngineTestSuite) TestScheduleBeforeStartIsIgnored() {
	e, err := New(s.radio, s.cfg, s.helper.Logger)
	s.Require().NoError(err)

	e.ScheduleReconnection(device.NewPeripheral(devA, ""), true)
	e.StartLivenessPolling([]device.Peripheral{device.NewPeripheral(devA, "")})
	e.RecordDataReceived(devA)

	time.Sleep(20 * time.Millisecond)
	s.Assert().Empty(e.ActiveRetries())
	s.Assert().Empty(e.HealthStatuses())
	s.Assert().Equal(0, s.radio.TotalConnects())
}

// TestNoDuplicateInFlightAttempts verifies first-writer-wins scheduling.
func (s *EngineTestSuite) TestNoDuplicateInFlightAttempts() {
	// GOAL: Verify that a second schedule while active is ignored
	//
	// TEST SCENARIO: Schedule twice back to back → one attemptStarted → one connect

	s.cfg.BaseDelay = 30 * time.Millisecond
	s.cfg.MaxDelay = 30 * time.Millisecond
	e := s.start()
	p := device.NewPeripheral(devA, "")

	e.ScheduleReconnection(p, false)
	e.ScheduleReconnection(p, true)

	s.Assert().Equal([]device.DeviceID{devA}, e.ActiveRetries())
	s.Require().Eventually(func() bool { return s.radio.ConnectCount(devA) == 1 }, time.Second, time.Millisecond)

	e.ScheduleReconnection(p, true)
	time.Sleep(60 * time.Millisecond)
	s.Assert().Equal(1, s.recorder.Count(events.AttemptStarted, devA), "duplicate requests MUST NOT start attempts")
	s.Assert().Equal(1, s.radio.ConnectCount(devA), "duplicate requests MUST NOT connect")
}

// TestTerminalAfterMaxAttempts verifies the give-up path and a fresh cycle afterwards.
func (s *EngineTestSuite) TestTerminalAfterMaxAttempts() {
	// GOAL: Verify that exhausting maxAttempts is terminal until scheduled again
	//
	// TEST SCENARIO: maxAttempts=3, every connect fails → 3 started/failed pairs, 1 gaveUp → schedule again → attempt 1

	s.cfg.MaxAttempts = 3
	s.radio.OnConnect(devA, testutils.ConnectFail)
	e := s.start()
	p := device.NewPeripheral(devA, "")

	e.ScheduleReconnection(p, true)

	gaveUp := s.recorder.WaitFor(s.T(), events.GaveUp, 1, devA)
	time.Sleep(30 * time.Millisecond)

	s.Assert().Equal([]int{1, 2, 3}, s.recorder.Attempts(devA))
	failed := s.recorder.Filter(events.Failed, devA)
	s.Require().Len(failed, 3)
	s.Assert().True(failed[0].WillRetry)
	s.Assert().True(failed[1].WillRetry)
	s.Assert().False(failed[2].WillRetry, "the last failure MUST NOT promise a retry")
	for _, ev := range failed {
		s.Assert().ErrorIs(ev.Err, device.ErrConnectionFailed)
	}

	s.Require().Len(s.recorder.Filter(events.GaveUp, devA), 1, "gaveUp MUST be emitted exactly once")
	s.Assert().Equal(3, gaveUp[0].TotalAttempts)
	s.Assert().ErrorIs(gaveUp[0].Err, device.ErrMaxAttemptsExceeded)
	s.Assert().Equal(3, s.radio.ConnectCount(devA))
	s.Assert().Empty(e.ActiveRetries(), "a given-up device MUST NOT stay active")

	// A new request starts a fresh cycle.
	s.radio.OnConnect(devA, testutils.ConnectHang)
	e.ScheduleReconnection(p, true)
	started := s.recorder.WaitFor(s.T(), events.AttemptStarted, 4, devA)
	s.Assert().Equal(1, started[3].Attempt, "a new cycle MUST restart from attempt 1")
}

// TestBackoffDelaysInEvents verifies that attempts carry the exponential delay.
func (s *EngineTestSuite) TestBackoffDelaysInEvents() {
	s.cfg.MaxAttempts = 4
	s.radio.OnConnect(devA, testutils.ConnectFail)
	e := s.start()

	e.ScheduleReconnection(device.NewPeripheral(devA, ""), true)
	s.recorder.WaitFor(s.T(), events.GaveUp, 1, devA)

	var delays []time.Duration
	for _, ev := range s.recorder.Filter(events.AttemptStarted, devA) {
		delays = append(delays, ev.Delay)
		s.Assert().Equal(4, ev.MaxAttempts)
	}
	s.Assert().Equal([]time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, delays)
}

// TestConnectionTimeout verifies the timeout watchdog.
func (s *EngineTestSuite) TestConnectionTimeout() {
	// GOAL: Verify that an attempt without outcome fails with a timeout and is disconnected
	//
	// TEST SCENARIO: connects hang, timeout 20ms, maxAttempts 2 → two timeout failures → gaveUp

	s.cfg.MaxAttempts = 2
	s.cfg.ConnectionTimeout = 20 * time.Millisecond
	e := s.start()

	e.ScheduleReconnection(device.NewPeripheral(devA, ""), true)
	s.recorder.WaitFor(s.T(), events.GaveUp, 1, devA)

	failed := s.recorder.Filter(events.Failed, devA)
	s.Require().Len(failed, 2)
	for _, ev := range failed {
		s.Assert().ErrorIs(ev.Err, device.ErrConnectionTimeout)
	}
	s.Assert().Equal(2, s.radio.DisconnectCount(devA), "each timed-out attempt MUST be disconnected")
}

// TestLateTimeoutEchoIgnored verifies that the disconnect requested on timeout does
// not fail the next attempt.
func (s *EngineTestSuite) TestLateTimeoutEchoIgnored() {
	// GOAL: Verify that a clean disconnect echo arriving during the next attempt is ignored
	//
	// TEST SCENARIO: attempt 1 times out → attempt 2 connecting → clean disconnect echo →
	//                attempt 2 connects → succeeded after 2 attempts with one failure

	s.cfg.ConnectionTimeout = 50 * time.Millisecond
	e := s.start()

	p := device.NewPeripheral(devA, "")
	e.ScheduleReconnection(p, true)
	s.recorder.WaitFor(s.T(), events.Failed, 1, devA)
	s.Require().Eventually(func() bool { return s.radio.ConnectCount(devA) == 2 }, time.Second, time.Millisecond)

	s.radio.EmitDisconnected(p, nil)
	s.radio.EmitConnected(p)

	succeeded := s.recorder.WaitFor(s.T(), events.Succeeded, 1, devA)
	s.Assert().Equal(2, succeeded[0].TotalAttempts, "echo MUST NOT consume an attempt")
	failed := s.recorder.Filter(events.Failed, devA)
	s.Require().Len(failed, 1)
	s.Assert().ErrorIs(failed[0].Err, device.ErrConnectionTimeout)
	s.Assert().Equal(2, s.radio.ConnectCount(devA))
}

// TestSuccessResetsRetry verifies the success path.
func (s *EngineTestSuite) TestSuccessResetsRetry() {
	// GOAL: Verify that a connection ends the retry cycle and starts health tracking
	//
	// TEST SCENARIO: first connect fails, second succeeds → succeeded{totalAttempts:2} → healthy, no active retry

	s.radio.OnConnect(devA, func(r *testutils.FakeRadio, p device.Peripheral, call int) {
		if call == 1 {
			r.EmitDisconnected(p, device.ErrConnectionFailed)
			return
		}
		r.EmitConnected(p)
	})
	e := s.start()

	e.ScheduleReconnection(device.NewPeripheral(devA, ""), true)
	succeeded := s.recorder.WaitFor(s.T(), events.Succeeded, 1, devA)

	s.Assert().Equal(2, succeeded[0].TotalAttempts)
	s.Assert().Empty(e.ActiveRetries())
	s.Assert().Equal(health.Healthy, e.HealthStatuses()[devA])

	changed := s.recorder.WaitFor(s.T(), events.HealthChanged, 1, devA)
	s.Assert().Equal(health.Disconnected, changed[0].PreviousHealth)
	s.Assert().Equal(health.Healthy, changed[0].Health)
}

// TestUnexpectedDisconnectSchedulesImmediateRetry verifies the link-loss path.
func (s *EngineTestSuite) TestUnexpectedDisconnectSchedulesImmediateRetry() {
	e := s.start()
	p := device.NewPeripheral(devA, "")
	s.connected(e, p)

	s.radio.EmitDisconnected(p, device.ErrUnexpectedDisconnection)

	started := s.recorder.WaitFor(s.T(), events.AttemptStarted, 1, devA)
	s.Assert().Equal(1, started[0].Attempt)
	s.Assert().Equal(time.Duration(0), started[0].Delay, "link loss MUST retry immediately")
	s.Assert().Equal(health.Disconnected, e.HealthStatuses()[devA])
}

// TestRequestedDisconnectDoesNotRetry verifies that a clean disconnect is final.
func (s *EngineTestSuite) TestRequestedDisconnectDoesNotRetry() {
	e := s.start()
	p := device.NewPeripheral(devA, "")
	s.connected(e, p)
	s.radio.SetRSSI(devA, -60)

	s.radio.EmitDisconnected(p, nil)

	s.Require().Eventually(func() bool {
		return e.HealthStatuses()[devA] == health.Disconnected
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	s.Assert().Equal(0, s.recorder.Count(events.AttemptStarted))
	s.Assert().Empty(e.ActiveRetries())
}

// TestAutoReconnectDisabled verifies that scheduling is a no-op when disabled.
func (s *EngineTestSuite) TestAutoReconnectDisabled() {
	s.cfg.AutoReconnect = false
	e := s.start()
	p := device.NewPeripheral(devA, "")
	s.connected(e, p)

	e.ScheduleReconnection(p, true)
	s.radio.EmitDisconnected(p, device.ErrUnexpectedDisconnection)

	time.Sleep(30 * time.Millisecond)
	s.Assert().Equal(0, s.recorder.Count(events.AttemptStarted))
	s.Assert().Equal(0, s.radio.TotalConnects())
}

// TestCancelReconnection verifies explicit cancellation.
func (s *EngineTestSuite) TestCancelReconnection() {
	// GOAL: Verify that cancel stops a waiting attempt and is idempotent
	//
	// TEST SCENARIO: schedule with 30ms delay → cancel twice → no connect happens

	s.cfg.BaseDelay = 30 * time.Millisecond
	s.cfg.MaxDelay = 30 * time.Millisecond
	e := s.start()

	e.ScheduleReconnection(device.NewPeripheral(devA, ""), false)
	e.ScheduleReconnection(device.NewPeripheral(devB, ""), false)
	e.CancelReconnection(devA)
	e.CancelReconnection(devA)
	e.CancelReconnection("unknown")

	s.Assert().Equal([]device.DeviceID{devB}, e.ActiveRetries())
	s.Require().Eventually(func() bool { return s.radio.ConnectCount(devB) == 1 }, time.Second, time.Millisecond)
	s.Assert().Equal(0, s.radio.ConnectCount(devA), "a cancelled attempt MUST NOT connect")

	e.CancelAll()
	e.CancelAll()
	s.Assert().Empty(e.ActiveRetries())
	s.Assert().Equal(1, s.radio.DisconnectCount(devB), "cancelling an in-flight connect MUST abort it")
}

// TestStopCancelsEverything verifies that Stop cancels pending attempts.
func (s *EngineTestSuite) TestStopCancelsEverything() {
	s.cfg.BaseDelay = 30 * time.Millisecond
	s.cfg.MaxDelay = 30 * time.Millisecond
	e := s.start()

	e.ScheduleReconnection(device.NewPeripheral(devA, ""), false)
	e.Stop()

	time.Sleep(60 * time.Millisecond)
	s.Assert().Equal(0, s.radio.TotalConnects(), "Stop MUST cancel waiting attempts")
	s.Assert().Empty(e.ActiveRetries())
	s.recorder.WaitFor(s.T(), events.WorkerStopped, 1)
}

// TestPauseResumeKeepsAttemptCount verifies the adapter coordinator.
func (s *EngineTestSuite) TestPauseResumeKeepsAttemptCount() {
	// GOAL: Verify that an adapter outage pauses retries without losing their progress
	//
	// TEST SCENARIO: attempt 1 fails, attempt 2 in flight → adapter off → attempt 2 torn
	//                down, no connects → adapter on → attempt 2 fails, next attempt is 3

	s.radio.OnConnect(devA, func(r *testutils.FakeRadio, p device.Peripheral, call int) {
		if call == 1 {
			r.EmitDisconnected(p, device.ErrConnectionFailed)
		}
	})
	e := s.start()

	e.ScheduleReconnection(device.NewPeripheral(devA, ""), true)
	s.Require().Eventually(func() bool { return s.radio.ConnectCount(devA) == 2 }, time.Second, time.Millisecond)

	s.radio.SetAdapterState(device.AdapterPoweredOff)
	s.recorder.WaitFor(s.T(), events.AdapterStateChanged, 1)
	s.Require().Eventually(func() bool {
		return len(e.PendingReconnections()) == 1
	}, time.Second, time.Millisecond, "active retry MUST be parked")
	s.Assert().Equal([]device.DeviceID{devA}, e.ActiveRetries(), "parked retry MUST stay active")
	s.Assert().Equal(1, s.radio.DisconnectCount(devA), "in-flight connect MUST be torn down on pause")

	// A duplicate request while parked is still suppressed.
	e.ScheduleReconnection(device.NewPeripheral(devA, ""), true)
	time.Sleep(50 * time.Millisecond)
	s.Assert().Equal(2, s.radio.ConnectCount(devA), "no connect MUST happen while the adapter is off")

	s.radio.SetAdapterState(device.AdapterPoweredOn)

	started := s.recorder.WaitFor(s.T(), events.AttemptStarted, 3, devA)
	s.Assert().Equal(3, started[2].Attempt, "resumed attempt MUST continue the count")

	failed := s.recorder.Filter(events.Failed, devA)
	s.Require().Len(failed, 2, "every started attempt MUST be paired with a failure")
	s.Assert().Equal(2, failed[1].Attempt)
	s.Assert().ErrorIs(failed[1].Err, device.ErrAdapterUnavailable)
	s.Assert().True(failed[1].WillRetry)
	s.Require().Eventually(func() bool { return s.radio.ConnectCount(devA) == 3 }, time.Second, time.Millisecond)
	s.Assert().Equal([][]device.DeviceID{{devA}}, s.radio.Retrieved(), "resume MUST retrieve fresh handles")
	s.Assert().Empty(e.PendingReconnections())
}

// TestResumeAtLastAttemptGivesUp verifies that an outage during the final attempt ends the cycle.
func (s *EngineTestSuite) TestResumeAtLastAttemptGivesUp() {
	// GOAL: Verify that the abandoned final attempt is reported before giving up
	//
	// TEST SCENARIO: maxAttempts 2, attempt 1 fails, attempt 2 in flight → adapter off →
	//                adapter on → failed(2, adapter unavailable) → gaveUp, no new connect

	s.cfg.MaxAttempts = 2
	s.radio.OnConnect(devA, func(r *testutils.FakeRadio, p device.Peripheral, call int) {
		if call == 1 {
			r.EmitDisconnected(p, device.ErrConnectionFailed)
		}
	})
	e := s.start()

	e.ScheduleReconnection(device.NewPeripheral(devA, ""), true)
	s.Require().Eventually(func() bool { return s.radio.ConnectCount(devA) == 2 }, time.Second, time.Millisecond)

	s.radio.SetAdapterState(device.AdapterPoweredOff)
	s.Require().Eventually(func() bool {
		return len(e.PendingReconnections()) == 1
	}, time.Second, time.Millisecond)
	s.radio.SetAdapterState(device.AdapterPoweredOn)

	gaveUp := s.recorder.WaitFor(s.T(), events.GaveUp, 1, devA)
	s.Assert().Equal(2, gaveUp[0].TotalAttempts)

	s.Assert().Len(s.recorder.Filter(events.AttemptStarted, devA), 2)
	failed := s.recorder.Filter(events.Failed, devA)
	s.Require().Len(failed, 2, "final attempt MUST be reported as failed")
	s.Assert().Equal(2, failed[1].Attempt)
	s.Assert().ErrorIs(failed[1].Err, device.ErrAdapterUnavailable)
	s.Assert().False(failed[1].WillRetry)
	s.Assert().Equal(2, s.radio.ConnectCount(devA))
	s.Assert().Empty(e.ActiveRetries())
}

// TestScheduleWhileAdapterOffParks verifies that new requests wait for the adapter.
func (s *EngineTestSuite) TestScheduleWhileAdapterOffParks() {
	s.radio = testutils.NewFakeRadio(false)
	e := s.start()

	e.ScheduleReconnection(device.NewPeripheral(devA, ""), true)
	s.Assert().Equal([]device.DeviceID{devA}, e.PendingReconnections())
	s.Assert().Equal(0, s.recorder.Count(events.AttemptStarted))

	s.radio.SetAdapterState(device.AdapterPoweredOn)
	started := s.recorder.WaitFor(s.T(), events.AttemptStarted, 1, devA)
	s.Assert().Equal(1, started[0].Attempt)
	s.Require().Eventually(func() bool { return s.radio.ConnectCount(devA) == 1 }, time.Second, time.Millisecond)
}

// TestAdapterOffWithoutPauseFails verifies the non-pausing configuration.
func (s *EngineTestSuite) TestAdapterOffWithoutPauseFails() {
	s.cfg.PauseOnAdapterOff = false
	s.cfg.MaxAttempts = 1
	s.radio = testutils.NewFakeRadio(false)
	e := s.start()

	e.ScheduleReconnection(device.NewPeripheral(devA, ""), true)

	failed := s.recorder.WaitFor(s.T(), events.Failed, 1, devA)
	s.Assert().ErrorIs(failed[0].Err, device.ErrAdapterUnavailable)
	s.recorder.WaitFor(s.T(), events.GaveUp, 1, devA)
	s.Assert().Equal(0, s.radio.TotalConnects())
}

// TestIndependenceAcrossDevices verifies that one device giving up leaves others alone.
func (s *EngineTestSuite) TestIndependenceAcrossDevices() {
	// GOAL: Verify per-device isolation
	//
	// TEST SCENARIO: B connected with RSSI -50 and polled → A exhausts attempts →
	//                B keeps health, RSSI and has no retry

	s.cfg.MaxAttempts = 2
	s.radio.OnConnect(devA, testutils.ConnectFail)
	s.radio.SetRSSI(devB, -50)
	e := s.start()

	b := device.NewPeripheral(devB, "")
	s.connected(e, b)
	e.StartLivenessPolling([]device.Peripheral{b})
	s.recorder.WaitFor(s.T(), events.RSSIUpdated, 1, devB)

	e.ScheduleReconnection(device.NewPeripheral(devA, ""), true)
	s.recorder.WaitFor(s.T(), events.GaveUp, 1, devA)

	s.Assert().Equal(health.Healthy, e.HealthStatuses()[devB])
	s.Assert().Equal(-50, e.RSSIValues()[devB])
	s.Assert().Empty(e.ActiveRetries())
	s.Assert().Equal(0, s.recorder.Count(events.AttemptStarted, devB))
	s.Assert().Equal(0, s.recorder.Count(events.Failed, devB))

	for _, ds := range e.Snapshot() {
		if ds.ID == devB {
			s.Assert().Equal(0, ds.Attempts)
			s.Require().NotNil(ds.RSSI)
			s.Assert().Equal(-50, *ds.RSSI)
		}
	}
}

// TestHealthTransitions verifies the monitor thresholds and recovery.
func (s *EngineTestSuite) TestHealthTransitions() {
	// GOAL: Verify the two-tier classifier as driven by the monitor
	//
	// TEST SCENARIO: staleTimeout=30s; ticks at 14s, 16s, 31s → healthy, warning, stale → data → healthy

	clock := newFakeClock()
	e := s.start(WithClock(clock.Now))
	p := device.NewPeripheral(devA, "")
	s.connected(e, p)
	t0 := clock.Now()
	ctx := context.Background()

	e.checkHealth(ctx, t0.Add(14*time.Second))
	s.Assert().Equal(health.Healthy, e.HealthStatuses()[devA])

	e.checkHealth(ctx, t0.Add(16*time.Second))
	s.Assert().Equal(health.Warning, e.HealthStatuses()[devA])
	warning := s.recorder.WaitFor(s.T(), events.HealthWarning, 1, devA)
	s.Assert().Equal(16*time.Second, warning[0].Elapsed)
	s.Assert().Contains(warning[0].Reason, "16s")

	e.checkHealth(ctx, t0.Add(20*time.Second))
	e.checkHealth(ctx, t0.Add(31*time.Second))
	s.Assert().Equal(health.Stale, e.HealthStatuses()[devA])
	s.recorder.WaitFor(s.T(), events.ConnectionStale, 1, devA)

	e.checkHealth(ctx, t0.Add(45*time.Second))
	clock.Set(t0.Add(46 * time.Second))
	e.RecordDataReceived(devA)
	s.Assert().Equal(health.Healthy, e.HealthStatuses()[devA], "data MUST restore Healthy immediately")

	time.Sleep(20 * time.Millisecond)
	s.Assert().Equal(1, s.recorder.Count(events.HealthWarning), "warning MUST be announced once")
	s.Assert().Equal(1, s.recorder.Count(events.ConnectionStale), "stale MUST be announced once")
}

// TestNotificationsAreLivenessSignals verifies radio data handling.
func (s *EngineTestSuite) TestNotificationsAreLivenessSignals() {
	clock := newFakeClock()
	e := s.start(WithClock(clock.Now))
	a := device.NewPeripheral(devA, "")
	s.connected(e, a)
	t0 := clock.Now()

	e.checkHealth(context.Background(), t0.Add(20*time.Second))
	s.Require().Equal(health.Warning, e.HealthStatuses()[devA])

	// Corrupted payloads do not count; devB's data marks the point the pump has reached.
	clock.Set(t0.Add(21 * time.Second))
	s.radio.EmitCorrupted(a)
	s.radio.EmitData(device.NewPeripheral(devB, ""), []byte{1})
	s.Require().Eventually(func() bool {
		_, ok := e.HealthStatuses()[devB]
		return ok
	}, time.Second, time.Millisecond)
	s.Assert().Equal(health.Warning, e.HealthStatuses()[devA], "corrupted data MUST NOT count as liveness")

	s.radio.EmitData(a, []byte{0x06, 0x48})
	s.Require().Eventually(func() bool {
		return e.HealthStatuses()[devA] == health.Healthy
	}, time.Second, time.Millisecond, "notifications MUST restore Healthy")
}

// TestLivenessPolling verifies RSSI polling, replacement and stop.
func (s *EngineTestSuite) TestLivenessPolling() {
	// GOAL: Verify that the poller reads connected devices and can be replaced
	//
	// TEST SCENARIO: poll A → RSSI cached → restart with B only → A reads stop → stop → B reads stop

	s.radio.SetRSSI(devA, -42)
	s.radio.SetRSSI(devB, -70)
	e := s.start()
	a := device.NewPeripheral(devA, "")
	b := device.NewPeripheral(devB, "")
	s.connected(e, a)
	s.connected(e, b)

	e.StartLivenessPolling([]device.Peripheral{a})
	s.recorder.WaitFor(s.T(), events.RSSIUpdated, 2, devA)
	s.Assert().Equal(-42, e.RSSIValues()[devA])

	e.StartLivenessPolling([]device.Peripheral{b})
	s.recorder.WaitFor(s.T(), events.RSSIUpdated, 2, devB)
	readsA := s.radio.RSSIReads(devA)
	time.Sleep(40 * time.Millisecond)
	s.Assert().Equal(readsA, s.radio.RSSIReads(devA), "replaced loop MUST stop polling A")

	e.StopLivenessPolling()
	e.StopLivenessPolling()
	time.Sleep(20 * time.Millisecond)
	readsB := s.radio.RSSIReads(devB)
	time.Sleep(40 * time.Millisecond)
	s.Assert().Equal(readsB, s.radio.RSSIReads(devB), "stopped loop MUST NOT poll")
}

// TestLivenessSkipsDisconnected verifies that only connected handles are polled.
func (s *EngineTestSuite) TestLivenessSkipsDisconnected() {
	s.radio.SetRSSI(devA, -42)
	e := s.start()

	e.StartLivenessPolling([]device.Peripheral{device.NewPeripheral(devA, "")})
	time.Sleep(40 * time.Millisecond)
	s.Assert().Equal(0, s.radio.RSSIReads(devA), "a disconnected device MUST NOT be polled")

	s.connected(e, device.NewPeripheral(devA, ""))
	s.recorder.WaitFor(s.T(), events.RSSIUpdated, 1, devA)
}

// TestRSSIErrorsAreContained verifies that a failing read does not stop the loop.
func (s *EngineTestSuite) TestRSSIErrorsAreContained() {
	s.radio.SetRSSIError(devA, device.ErrNotConnected)
	s.radio.SetRSSI(devB, -55)
	e := s.start()
	a := device.NewPeripheral(devA, "")
	b := device.NewPeripheral(devB, "")
	s.connected(e, a)
	s.connected(e, b)

	e.StartLivenessPolling([]device.Peripheral{a, b})
	s.recorder.WaitFor(s.T(), events.RSSIUpdated, 3, devB)
	s.Assert().Equal(0, s.recorder.Count(events.RSSIUpdated, devA))
	_, hasA := e.RSSIValues()[devA]
	s.Assert().False(hasA)
}

// TestPullSubscription verifies the iterator adapter over the engine's bus.
func (s *EngineTestSuite) TestPullSubscription() {
	e := s.start()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan events.Event, 1)
	go func() {
		for ev := range e.Events(ctx) {
			if ev.Type == events.Succeeded {
				got <- ev
				return
			}
		}
	}()

	s.Require().Eventually(func() bool { return e.Bus().SubscriberCount() == 2 }, time.Second, time.Millisecond)
	s.radio.EmitConnected(device.NewPeripheral(devA, ""))

	select {
	case ev := <-got:
		s.Assert().Equal(devA, ev.Device)
		s.Assert().Equal(0, ev.TotalAttempts)
	case <-ctx.Done():
		s.Fail("pull subscriber MUST see the succeeded event")
	}
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func TestSeverityLogging(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	radio := testutils.NewFakeRadio(true)
	e, err := New(radio, config.DefaultReconnect(), logger)
	if err != nil {
		t.Fatal(err)
	}

	hook := &levelHook{}
	logger.AddHook(hook)

	e.logErrorLocked(device.NewConnectionTimeout(devA, time.Second), nil, "timeout")
	e.logErrorLocked(device.NewConnectionFailed(devA, nil), nil, "failed")
	e.logErrorLocked(device.NewMaxAttemptsExceeded(devA, 3, nil), nil, "gave up")
	e.logErrorLocked(nil, nil, "nothing")

	if got, want := hook.levels(), []logrus.Level{logrus.WarnLevel, logrus.ErrorLevel, logrus.ErrorLevel}; !equalLevels(got, want) {
		t.Fatalf("levels = %v, want %v", got, want)
	}
}

type levelHook struct {
	mu     sync.Mutex
	logged []logrus.Level
}

func (h *levelHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *levelHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logged = append(h.logged, entry.Level)
	return nil
}

func (h *levelHook) levels() []logrus.Level {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]logrus.Level(nil), h.logged...)
}

func equalLevels(a, b []logrus.Level) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
