// Package player replays a recorded script as one virtual-user session:
// token substitution, HTTP calls through a per-session cookie jar, a single
// WebSocket with a filtered receive queue, and per-event timing output.
package player

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/studiowebux/shinycannon/internal/auth"
	"github.com/studiowebux/shinycannon/internal/config"
	"github.com/studiowebux/shinycannon/internal/observability"
	"github.com/studiowebux/shinycannon/internal/output"
)

// receiveQueueCapacity bounds the frames buffered between the WebSocket
// reader and the run loop. Overflow is a fatal session error.
const receiveQueueCapacity = 5

// httpTimeout bounds every HTTP request a session issues.
const httpTimeout = 60 * time.Second

// AllowedTokens is the closed set of placeholders a recording may reference.
var AllowedTokens = map[string]bool{
	"WORKER":        true,
	"TOKEN":         true,
	"ROBUST_ID":     true,
	"SOCKJSID":      true,
	"SESSION":       true,
	"UPLOAD_URL":    true,
	"UPLOAD_JOB_ID": true,
}

// Reporter receives session state transitions.
type Reporter interface {
	Running()
	Done()
	Failed()
}

// Params bundles everything a session needs at construction.
type Params struct {
	ID        int
	WorkerID  int
	Iteration int
	AppURL    string
	Creds     *config.Credentials
	Out       *output.Writer
	Log       zerolog.Logger
	Reporter  Reporter
	Metrics   *observability.Metrics
	UserAgent string
}

// Session is the per-virtual-user state, exclusively owned by one worker
// for the lifetime of one script iteration.
type Session struct {
	id        int
	workerID  int
	iteration int

	httpURL string
	wsURL   string

	creds     *config.Credentials
	userAgent string

	log      zerolog.Logger
	out      *output.Writer
	reporter Reporter
	metrics  *observability.Metrics

	jar    http.CookieJar
	client *http.Client

	dict map[string]string

	ws        *websocket.Conn
	closing   atomic.Bool
	recvQueue chan string

	interrupted chan struct{}
	failOnce    sync.Once
	failure     error

	started        bool
	lastEventEnded int64
}

// NewSession builds a session with a fresh cookie jar and the token
// dictionary seeded with the random per-session identifiers.
func NewSession(p Params) (*Session, error) {
	wsURL, err := deriveWSURL(p.AppURL)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &Session{
		id:        p.ID,
		workerID:  p.WorkerID,
		iteration: p.Iteration,
		httpURL:   strings.TrimSuffix(p.AppURL, "/"),
		wsURL:     strings.TrimSuffix(wsURL, "/"),
		creds:     p.Creds,
		userAgent: p.UserAgent,
		log:       p.Log,
		out:       p.Out,
		reporter:  p.Reporter,
		metrics:   p.Metrics,
		jar:       jar,
		client:    &http.Client{Jar: jar, Timeout: httpTimeout},
		dict: map[string]string{
			"ROBUST_ID": randomHex(18),
			"SOCKJSID":  "000/" + randomHex(8),
		},
		recvQueue:   make(chan string, receiveQueueCapacity),
		interrupted: make(chan struct{}),
	}, nil
}

// Client exposes the cookie-jarred HTTP client (the auth probe shares it).
func (s *Session) Client() *http.Client { return s.client }

func deriveWSURL(appURL string) (string, error) {
	switch {
	case strings.HasPrefix(appURL, "http://"):
		return "ws://" + strings.TrimPrefix(appURL, "http://"), nil
	case strings.HasPrefix(appURL, "https://"):
		return "wss://" + strings.TrimPrefix(appURL, "https://"), nil
	default:
		return "", fmt.Errorf("app url must be http or https: %s", appURL)
	}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return hex.EncodeToString(buf)[:n]
}

// fail latches the first failure and wakes a receive blocked in the run
// loop. Later calls are no-ops.
func (s *Session) fail(err error) {
	s.failOnce.Do(func() {
		s.failure = err
		close(s.interrupted)
	})
}

// failed returns the latched failure, if any.
func (s *Session) failed() error {
	select {
	case <-s.interrupted:
		return s.failure
	default:
		return nil
	}
}

// receive blocks until a consumable frame arrives or the failure latch is
// set.
func (s *Session) receive() (string, error) {
	select {
	case msg := <-s.recvQueue:
		return msg, nil
	case <-s.interrupted:
		return "", s.failure
	}
}

// sleep waits for d unless the failure latch trips first.
func (s *Session) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-s.interrupted:
	}
}

// closeWS tears down the WebSocket if one is open. Used by WS_CLOSE and by
// every abnormal exit path.
func (s *Session) closeWS() {
	if s.ws == nil {
		return
	}
	s.closing.Store(true)
	s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.ws.Close()
	s.ws = nil
}

func (s *Session) countEvent(name string) {
	if s.metrics != nil {
		s.metrics.EventsTotal.WithLabelValues(name).Inc()
	}
}

// Run replays the script. startDelay staggers ramp-up; onStarted (optional)
// fires once the delay has elapsed, before the first event plays.
func (s *Session) Run(script []Event, startDelay time.Duration, onStarted func()) error {
	defer s.closeWS()

	s.out.Event("PLAYER_SESSION_CREATE", 0, "")

	if err := auth.MaybeLogin(s.client, s.httpURL, s.creds, s.userAgent, s.log); err != nil {
		err = fmt.Errorf("login failed: %w", err)
		s.out.Event("PLAYBACK_FAIL", 0, err.Error())
		s.log.Error().Err(err).Int("session", s.id).Msg("session login failed")
		return err
	}

	if startDelay > 0 {
		s.out.Event("PLAYBACK_START_INTERVAL_START", 0, "")
		s.sleep(startDelay)
		s.out.Event("PLAYBACK_START_INTERVAL_END", 0, "")
	}
	if onStarted != nil {
		onStarted()
	}

	s.reporter.Running()
	s.started = true

	for _, ev := range script {
		if err := s.failed(); err != nil {
			return s.abort(ev, err)
		}

		if sleepFor := ev.SleepBefore(s); sleepFor > 0 {
			s.out.Event("PLAYBACK_SLEEPBEFORE_START", ev.LineNumber(), "")
			s.sleep(sleepFor)
			s.out.Event("PLAYBACK_SLEEPBEFORE_END", ev.LineNumber(), "")
		}

		if err := s.failed(); err != nil {
			return s.abort(ev, err)
		}

		s.out.Event(ev.Name()+"_START", ev.LineNumber(), "")
		s.countEvent(ev.Name())
		if err := ev.Handle(s); err != nil {
			return s.abort(ev, err)
		}
		s.out.Event(ev.Name()+"_END", ev.LineNumber(), "")

		s.lastEventEnded = ev.Created()
	}

	s.reporter.Done()
	s.out.Event("PLAYBACK_DONE", 0, "")
	s.log.Debug().Int("session", s.id).Int("worker", s.workerID).Int("iteration", s.iteration).Msg("session done")
	return nil
}

// abort records the failure against the event being played and transitions
// the session to failed.
func (s *Session) abort(ev Event, err error) error {
	s.fail(err)
	s.out.Event("PLAYBACK_FAIL", ev.LineNumber(), err.Error())
	if s.started {
		s.reporter.Failed()
	}
	s.log.Warn().Err(err).
		Int("session", s.id).
		Int("worker", s.workerID).
		Int("iteration", s.iteration).
		Int("line", ev.LineNumber()).
		Msg("session failed")
	return err
}
