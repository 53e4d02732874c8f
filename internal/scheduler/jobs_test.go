package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ergetie/darkstar-sub001/internal/config"
	"github.com/ergetie/darkstar-sub001/internal/modules/learning"
	"github.com/ergetie/darkstar-sub001/internal/modules/reflex"
)

type fakeRunner struct {
	trigger string
	err     error
}

func (f *fakeRunner) Run(_ context.Context, trigger string) (*learning.Run, error) {
	f.trigger = trigger
	if f.err != nil {
		return nil, f.err
	}
	return &learning.Run{ID: "run-1", Status: learning.RunCompleted}, nil
}

func TestNightlyLearningJobRunsScheduledTrigger(t *testing.T) {
	runner := &fakeRunner{}
	job := NewNightlyLearningJob(runner, zerolog.Nop())

	require.NoError(t, job.Run())
	assert.Equal(t, "scheduled", runner.trigger)
	assert.Equal(t, "nightly_learning", job.Name())
}

func TestNightlyLearningJobPropagatesFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("planner unreachable")}
	job := NewNightlyLearningJob(runner, zerolog.Nop())
	assert.Error(t, job.Run())
}

type fakeSweeper struct {
	decisions []reflex.Decision
	calls     int
}

func (f *fakeSweeper) Sweep(_ config.Tuning) ([]reflex.Decision, error) {
	f.calls++
	return f.decisions, nil
}

func TestReflexSweepJobLoadsConfigAndSweeps(t *testing.T) {
	sweeper := &fakeSweeper{decisions: []reflex.Decision{
		{Analyzer: "safety", Action: reflex.ActionAdjust, Applied: true},
		{Analyzer: "roi", Action: reflex.ActionNone},
	}}
	job := NewReflexSweepJob(sweeper, func() (config.Tuning, error) {
		return config.DefaultTuning(), nil
	}, zerolog.Nop())

	require.NoError(t, job.Run())
	assert.Equal(t, 1, sweeper.calls)
}

func TestReflexSweepJobFailsWhenConfigUnreadable(t *testing.T) {
	sweeper := &fakeSweeper{}
	job := NewReflexSweepJob(sweeper, func() (config.Tuning, error) {
		return config.Tuning{}, errors.New("bad yaml")
	}, zerolog.Nop())

	assert.Error(t, job.Run())
	assert.Equal(t, 0, sweeper.calls)
}
