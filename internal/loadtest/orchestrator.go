package loadtest

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/studiowebux/shinycannon/internal/config"
	"github.com/studiowebux/shinycannon/internal/history"
	"github.com/studiowebux/shinycannon/internal/observability"
	"github.com/studiowebux/shinycannon/internal/output"
	"github.com/studiowebux/shinycannon/internal/player"
	"github.com/studiowebux/shinycannon/internal/recording"
	"github.com/studiowebux/shinycannon/internal/version"
)

// statsInterval is how often the progress line is logged.
const statsInterval = 5 * time.Second

// Options configures an endurance run.
type Options struct {
	Args    config.Args
	Argv    string
	Entries []recording.Entry
	Creds   *config.Credentials
	Log     zerolog.Logger
	Metrics *observability.Metrics // optional
	History *history.Store        // optional
}

// Orchestrator ramps workers up at a staggered cadence, keeps the target
// concurrency for the loaded duration, then drains.
type Orchestrator struct {
	opts           Options
	script         []player.Event
	warmupInterval time.Duration

	stats   *Stats
	latency *Latency

	keepWorking atomic.Bool
	sessionNum  atomic.Int64
	runID       int64
}

// New validates the recording and prepares the shared script.
func New(opts Options) (*Orchestrator, error) {
	if err := recording.Validate(opts.Entries); err != nil {
		return nil, err
	}
	script, err := player.BuildScript(opts.Entries)
	if err != nil {
		return nil, err
	}

	warmupInterval := time.Duration(opts.Args.StartIntervalMs) * time.Millisecond
	if warmupInterval == 0 && opts.Args.Workers > 0 {
		warmupInterval = recording.Duration(opts.Entries) / time.Duration(opts.Args.Workers)
	}

	return &Orchestrator{
		opts:           opts,
		script:         script,
		warmupInterval: warmupInterval,
		stats:          NewStats(),
		latency:        NewLatency(),
	}, nil
}

// Run blocks until every worker has drained. Session failures never abort
// the run; only setup errors are returned.
func (o *Orchestrator) Run() error {
	if o.opts.History != nil {
		run := &history.Run{
			Argv:          o.opts.Argv,
			TargetURL:     o.opts.Args.AppURL,
			RecordingPath: o.opts.Args.RecordingPath,
			Workers:       o.opts.Args.Workers,
			StartedAt:     time.Now(),
			Status:        "running",
		}
		if err := o.opts.History.CreateRun(run); err != nil {
			return err
		}
		o.runID = run.ID
	}

	if o.opts.Metrics != nil {
		o.opts.Metrics.Serve(o.opts.Args.MetricsAddr, func(err error) {
			o.opts.Log.Error().Err(err).Msg("metrics server failed")
		})
	}

	stopTicker := make(chan struct{})
	go o.showStats(stopTicker)

	loadedDuration := time.Duration(o.opts.Args.LoadedDurationMinutes * float64(time.Minute))
	o.keepWorking.Store(loadedDuration > 0)

	var warmup sync.WaitGroup
	warmup.Add(o.opts.Args.Workers)

	var g errgroup.Group
	for w := 0; w < o.opts.Args.Workers; w++ {
		g.Go(func() error {
			o.worker(w, &warmup)
			return nil
		})
	}

	warmup.Wait()
	o.opts.Log.Info().Msg("all workers started")

	if loadedDuration > 0 {
		time.Sleep(loadedDuration)
		o.keepWorking.Store(false)
	}

	g.Wait()
	close(stopTicker)

	o.summarize()
	return nil
}

// worker replays the first session with its staggered start delay, then
// keeps restarting sessions in place until the stop flag drops.
func (o *Orchestrator) worker(w int, warmup *sync.WaitGroup) {
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(warmup.Done) }

	o.runSession(w, 0, time.Duration(w)*o.warmupInterval, release)
	// A first session that dies before its start delay elapses must still
	// release the warmup latch or the load window never opens.
	release()

	for iteration := 1; o.keepWorking.Load(); iteration++ {
		o.runSession(w, iteration, 0, nil)
	}
}

func (o *Orchestrator) runSession(workerID, iteration int, startDelay time.Duration, onStarted func()) {
	sessionID := int(o.sessionNum.Add(1) - 1)
	startedAt := time.Now()

	writer, err := output.NewWriter(o.opts.Args.OutputDir, sessionID, workerID, iteration, o.opts.Argv, o.opts.Args.JSONString())
	if err != nil {
		o.opts.Log.Error().Err(err).Int("session", sessionID).Msg("failed to create session output")
		return
	}
	defer writer.Close()

	sess, err := player.NewSession(player.Params{
		ID:        sessionID,
		WorkerID:  workerID,
		Iteration: iteration,
		AppURL:    o.opts.Args.AppURL,
		Creds:     o.opts.Creds,
		Out:       writer,
		Log:       o.opts.Log,
		Reporter:  reporter{stats: o.stats, metrics: o.opts.Metrics},
		Metrics:   o.opts.Metrics,
		UserAgent: version.UserAgent(),
	})
	if err != nil {
		o.opts.Log.Error().Err(err).Int("session", sessionID).Msg("failed to create session")
		return
	}

	runErr := sess.Run(o.script, startDelay, onStarted)

	durationMs := time.Since(startedAt).Milliseconds() - startDelay.Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}
	o.latency.Add(durationMs)

	if o.opts.History != nil {
		outcome, failure := "done", ""
		if runErr != nil {
			outcome, failure = "failed", runErr.Error()
		}
		rec := &history.SessionRecord{
			RunID:      o.runID,
			SessionID:  sessionID,
			WorkerID:   workerID,
			Iteration:  iteration,
			Outcome:    outcome,
			DurationMs: durationMs,
			Failure:    failure,
			StartedAt:  startedAt,
		}
		if err := o.opts.History.RecordSession(rec); err != nil {
			o.opts.Log.Warn().Err(err).Msg("failed to record session history")
		}
	}
}

func (o *Orchestrator) showStats(stop <-chan struct{}) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.opts.Log.Info().Msg(o.stats.String())
		case <-stop:
			return
		}
	}
}

// summarize logs the final counters and latency profile and closes out the
// history run record.
func (o *Orchestrator) summarize() {
	run, done, fail := o.stats.Snapshot()
	o.opts.Log.Info().
		Int("running", run).
		Int("done", done).
		Int("failed", fail).
		Int64("min_ms", o.latency.Min()).
		Int64("max_ms", o.latency.Max()).
		Float64("avg_ms", o.latency.Avg()).
		Int64("p50_ms", o.latency.P50()).
		Int64("p95_ms", o.latency.P95()).
		Int64("p99_ms", o.latency.P99()).
		Msg("load test complete")
	fmt.Println(o.stats.String())

	if o.opts.History != nil {
		now := time.Now()
		err := o.opts.History.FinishRun(&history.Run{
			ID:            o.runID,
			CompletedAt:   &now,
			Status:        "completed",
			SessionsDone:  done,
			SessionsFail:  fail,
			AvgDurationMs: o.latency.Avg(),
			MinDurationMs: o.latency.Min(),
			MaxDurationMs: o.latency.Max(),
			P50DurationMs: o.latency.P50(),
			P95DurationMs: o.latency.P95(),
			P99DurationMs: o.latency.P99(),
		})
		if err != nil {
			o.opts.Log.Warn().Err(err).Msg("failed to finish run history")
		}
	}
}

// reporter fans session transitions out to the counters and, when enabled,
// the Prometheus gauges.
type reporter struct {
	stats   *Stats
	metrics *observability.Metrics
}

func (r reporter) Running() {
	r.stats.Running()
	if r.metrics != nil {
		r.metrics.SessionsRunning.Inc()
	}
}

func (r reporter) Done() {
	r.stats.Done()
	if r.metrics != nil {
		r.metrics.SessionsRunning.Dec()
		r.metrics.SessionsTotal.WithLabelValues("done").Inc()
	}
}

func (r reporter) Failed() {
	r.stats.Failed()
	if r.metrics != nil {
		r.metrics.SessionsRunning.Dec()
		r.metrics.SessionsTotal.WithLabelValues("failed").Inc()
	}
}
