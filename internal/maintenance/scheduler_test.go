package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/mossy-p/campus-signaling/config"
)

type fakeLoader struct {
	calls atomic.Int32
	err   error
}

func (f *fakeLoader) Load(context.Context) error {
	f.calls.Add(1)
	return f.err
}

type fakeSweeper struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSweeper) SweepPresence(context.Context) (int, error) {
	f.calls.Add(1)
	return 0, f.err
}

func TestRunOnceAggregatesErrors(t *testing.T) {
	loader := &fakeLoader{err: errors.New("db down")}
	sweeper := &fakeSweeper{err: errors.New("redis down")}

	s := NewScheduler(config.MaintenanceConfig{}, loader, sweeper)
	err := s.RunOnce(context.Background())
	require.Error(t, err)
	require.Len(t, multierr.Errors(err), 2)
	require.EqualValues(t, 1, loader.calls.Load())
	require.EqualValues(t, 1, sweeper.calls.Load())
}

func TestRunOnceSkipsMissingJobs(t *testing.T) {
	loader := &fakeLoader{}
	s := NewScheduler(config.MaintenanceConfig{}, loader, nil)
	require.NoError(t, s.RunOnce(context.Background()))
	require.EqualValues(t, 1, loader.calls.Load())
}

func TestStartRunsJobsOnSchedule(t *testing.T) {
	loader := &fakeLoader{}
	sweeper := &fakeSweeper{}

	s := NewScheduler(config.MaintenanceConfig{
		PreferencesRefresh: "@every 1s",
		PresenceSweep:      "@every 1s",
	}, loader, sweeper)
	require.NoError(t, s.Start())
	t.Cleanup(func() { <-s.Stop().Done() })

	require.Eventually(t, func() bool {
		return loader.calls.Load() > 0 && sweeper.calls.Load() > 0
	}, 3*time.Second, 50*time.Millisecond)
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := NewScheduler(config.MaintenanceConfig{PreferencesRefresh: "every now and then"}, &fakeLoader{}, nil)
	require.Error(t, s.Start())
}
