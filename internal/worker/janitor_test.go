package worker

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/logger"
	"reward-distributor/internal/ratelimit"
)

type countingJobs struct {
	pruned, cachePruned, recovered, totals int
}

func (c *countingJobs) PrunePreviews(context.Context) (int, error) {
	c.pruned++
	return 3, nil
}

func (c *countingJobs) PruneCache() int {
	c.cachePruned++
	return 0
}

func (c *countingJobs) RecoverPending(_ context.Context, limit int) (int, error) {
	c.recovered += limit
	return 0, nil
}

func (c *countingJobs) RunningTotal(context.Context) (domain.Amount, error) {
	c.totals++
	return 42, nil
}

func TestJanitor_RunOnce(t *testing.T) {
	jobs := &countingJobs{}
	clock := clockwork.NewFakeClock()
	limiter := ratelimit.New(ratelimit.Config{Rate: ratelimit.PerMinute(60), Burst: 1, IdleTTL: time.Minute, Clock: clock})
	limiter.Allow("1.2.3.4")
	clock.Advance(2 * time.Minute)

	j, err := NewJanitor(context.Background(), JanitorOptions{
		Previews:     jobs,
		Snapshots:    jobs,
		Totals:       jobs,
		Limiters:     map[string]*ratelimit.Limiter{"ip": limiter},
		RecoverLimit: 5,
		Logger:       logger.NewTest(),
	})
	require.NoError(t, err)

	j.RunOnce(context.Background())

	assert.Equal(t, 1, jobs.pruned)
	assert.Equal(t, 1, jobs.cachePruned)
	assert.Equal(t, 5, jobs.recovered)
	assert.Equal(t, 1, jobs.totals)
	assert.Zero(t, limiter.Len(), "idle key pruned")
}

func TestJanitor_RejectsBadSpec(t *testing.T) {
	_, err := NewJanitor(context.Background(), JanitorOptions{Spec: "every minute", Logger: logger.NewTest()})
	assert.Error(t, err)
}

func TestJanitor_StartStop(t *testing.T) {
	j, err := NewJanitor(context.Background(), JanitorOptions{Logger: logger.NewTest()})
	require.NoError(t, err)
	j.Start()
	j.Stop()
}
