package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/file-relay-go/internal/config"
)

// Sweeper removes expired sessions and reports how many it removed.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// SweepJob runs a Sweeper on a fixed interval. Retrieval checks expiry on its
// own, so a late or failed sweep only delays reclaiming storage.
type SweepJob struct {
	sweeper  Sweeper
	interval time.Duration
	timeout  time.Duration
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSweepJob(sweeper Sweeper, interval time.Duration) *SweepJob {
	return &SweepJob{
		sweeper:  sweeper,
		interval: interval,
		timeout:  config.SweepTimeout,
		done:     make(chan struct{}),
	}
}

func (j *SweepJob) Start() {
	j.wg.Add(1)
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("sweep job started")
}

// Stop ends the job and waits for an in-flight sweep to finish.
func (j *SweepJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
		log.Info().Msg("sweep job stopped")
	})
}

func (j *SweepJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *SweepJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	count, err := j.sweeper.Sweep(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to sweep expired sessions")
	} else if count > 0 {
		log.Info().Int64("count", count).Msg("swept expired sessions")
	}
}
