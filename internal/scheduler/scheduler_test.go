package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/creditmeter/internal/clock"
	walletdomain "github.com/smallbiznis/creditmeter/internal/wallet/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type sweeperStub struct {
	walletdomain.Service

	reservationCalls int
	walletCalls      int
	reservationErr   error
	walletErr        error
}

func (s *sweeperStub) SweepExpiredReservations(ctx context.Context) (int64, error) {
	s.reservationCalls++
	return 2, s.reservationErr
}

func (s *sweeperStub) SweepExpiredWallets(ctx context.Context) (int64, error) {
	s.walletCalls++
	return 1, s.walletErr
}

func newScheduler(t *testing.T, stub *sweeperStub) *Scheduler {
	t.Helper()
	s, err := New(Params{
		Log:       zap.NewNop(),
		Clock:     clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
		WalletSvc: stub,
		Config:    Config{RunInterval: time.Millisecond, JobTimeout: time.Second},
	})
	assert.NoError(t, err)
	return s
}

func TestScheduler_RunOnceRunsAllJobs(t *testing.T) {
	stub := &sweeperStub{}
	s := newScheduler(t, stub)

	assert.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 1, stub.reservationCalls)
	assert.Equal(t, 1, stub.walletCalls)
}

func TestScheduler_RunOnceJoinsFailures(t *testing.T) {
	boom := errors.New("sweep blew up")
	stub := &sweeperStub{reservationErr: boom}
	s := newScheduler(t, stub)

	err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)

	// A failing job does not stop the remaining ones.
	assert.Equal(t, 1, stub.walletCalls)
}

func TestScheduler_TimeoutIsSoftFailure(t *testing.T) {
	stub := &sweeperStub{reservationErr: context.DeadlineExceeded}
	s := newScheduler(t, stub)

	assert.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 1, stub.walletCalls)
}

func TestScheduler_RunForeverStopsOnCancel(t *testing.T) {
	stub := &sweeperStub{}
	s := newScheduler(t, stub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunForever(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
	assert.GreaterOrEqual(t, stub.reservationCalls, 1)
}

func TestScheduler_NewValidatesDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop(), Clock: clock.NewFakeClock(time.Now())})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, 30*time.Second, cfg.JobTimeout)

	cfg = Config{RunInterval: time.Hour, JobTimeout: time.Minute}.withDefaults()
	assert.Equal(t, time.Hour, cfg.RunInterval)
	assert.Equal(t, time.Minute, cfg.JobTimeout)
}
