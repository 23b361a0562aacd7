package player

import (
	"fmt"
	"time"

	"github.com/studiowebux/shinycannon/internal/recording"
)

// Event is one step of the replay script. Events are immutable and shared
// across all sessions; all mutable state lives on the Session.
type Event interface {
	Name() string
	Created() int64
	LineNumber() int
	SleepBefore(s *Session) time.Duration
	Handle(s *Session) error
}

type base struct {
	name    string
	created int64
	line    int
}

func (b base) Name() string                      { return b.name }
func (b base) Created() int64                    { return b.created }
func (b base) LineNumber() int                   { return b.line }
func (b base) SleepBefore(s *Session) time.Duration { return 0 }

// recordedGap is the recording-time distance to the previous event, clamped
// non-negative so slow handlers never push playback ahead of the recording.
func (b base) recordedGap(s *Session) time.Duration {
	gap := b.created - s.lastEventEnded
	if gap < 0 {
		gap = 0
	}
	return time.Duration(gap) * time.Millisecond
}

// Req is an ordinary HTTP GET for a static asset or API path.
type Req struct {
	base
	URL    string
	Method string
	Status int
}

// Requests recorded after the WebSocket opened keep their recorded pacing.
func (e Req) SleepBefore(s *Session) time.Duration {
	if s.ws == nil {
		return 0
	}
	return e.recordedGap(s)
}

func (e Req) Handle(s *Session) error {
	_, err := s.get(e.URL, e.Status)
	return err
}

// ReqHome is the initial page GET; the response HTML may carry the worker id.
type ReqHome struct {
	base
	URL    string
	Method string
	Status int
}

func (e ReqHome) Handle(s *Session) error {
	body, err := s.get(e.URL, e.Status)
	if err != nil {
		return err
	}
	s.extractWorker(body)
	return nil
}

// ReqSinf is the SockJS info probe.
type ReqSinf struct {
	base
	URL    string
	Method string
	Status int
}

func (e ReqSinf) Handle(s *Session) error {
	_, err := s.get(e.URL, e.Status)
	return err
}

// ReqTok fetches a token string; the body becomes the TOKEN token.
type ReqTok struct {
	base
	URL    string
	Method string
	Status int
}

func (e ReqTok) Handle(s *Session) error {
	body, err := s.get(e.URL, e.Status)
	if err != nil {
		return err
	}
	s.dict["TOKEN"] = string(body)
	return nil
}

// ReqPostUpload posts the recorded file content to the discovered upload URL.
type ReqPostUpload struct {
	base
	Status  int
	DataB64 string
}

func (e ReqPostUpload) Handle(s *Session) error {
	return s.postUpload(e.DataB64, e.Status)
}

// WSOpen opens the single session WebSocket.
type WSOpen struct {
	base
	URL string
}

func (e WSOpen) Handle(s *Session) error {
	return s.openWS(e.URL)
}

// WSRecv expects the next consumable frame and compares it structurally.
type WSRecv struct {
	base
	Message string
}

func (e WSRecv) Handle(s *Session) error {
	return s.expectFrame(e.Message)
}

// WSRecvInit expects the init frame and captures config.sessionId.
type WSRecvInit struct {
	base
	Message string
}

func (e WSRecvInit) Handle(s *Session) error {
	return s.expectInit()
}

// WSRecvBeginUpload expects the upload handshake and captures the job id
// and upload URL.
type WSRecvBeginUpload struct {
	base
	Message string
}

func (e WSRecvBeginUpload) Handle(s *Session) error {
	return s.expectBeginUpload()
}

// WSSend sends a tokenized frame at its recorded pacing.
type WSSend struct {
	base
	Message string
}

func (e WSSend) SleepBefore(s *Session) time.Duration { return e.recordedGap(s) }

func (e WSSend) Handle(s *Session) error {
	return s.sendFrame(e.Message)
}

// WSClose disconnects the WebSocket at its recorded pacing.
type WSClose struct {
	base
}

func (e WSClose) SleepBefore(s *Session) time.Duration { return e.recordedGap(s) }

func (e WSClose) Handle(s *Session) error {
	if s.ws == nil {
		return fmt.Errorf("no websocket to close")
	}
	s.closeWS()
	return nil
}

// BuildScript converts loaded recording entries into replayable events.
func BuildScript(entries []recording.Entry) ([]Event, error) {
	script := make([]Event, 0, len(entries))
	for _, entry := range entries {
		b := base{name: entry.Type, created: entry.Created, line: entry.LineNumber}
		switch entry.Type {
		case recording.TypeReq:
			script = append(script, Req{base: b, URL: entry.URL, Method: entry.Method, Status: entry.StatusCode})
		case recording.TypeReqHome:
			script = append(script, ReqHome{base: b, URL: entry.URL, Method: entry.Method, Status: entry.StatusCode})
		case recording.TypeReqSinf:
			script = append(script, ReqSinf{base: b, URL: entry.URL, Method: entry.Method, Status: entry.StatusCode})
		case recording.TypeReqTok:
			script = append(script, ReqTok{base: b, URL: entry.URL, Method: entry.Method, Status: entry.StatusCode})
		case recording.TypeReqPostUpload:
			script = append(script, ReqPostUpload{base: b, Status: entry.StatusCode, DataB64: entry.DataB64})
		case recording.TypeWSOpen:
			script = append(script, WSOpen{base: b, URL: entry.URL})
		case recording.TypeWSRecv:
			script = append(script, WSRecv{base: b, Message: entry.Message})
		case recording.TypeWSRecvInit:
			script = append(script, WSRecvInit{base: b, Message: entry.Message})
		case recording.TypeWSRecvBeginUp:
			script = append(script, WSRecvBeginUpload{base: b, Message: entry.Message})
		case recording.TypeWSSend:
			script = append(script, WSSend{base: b, Message: entry.Message})
		case recording.TypeWSClose:
			script = append(script, WSClose{base: b})
		default:
			return nil, fmt.Errorf("line %d: unknown event type %q", entry.LineNumber, entry.Type)
		}
	}
	return script, nil
}
