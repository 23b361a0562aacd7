package player

import (
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jmespath/go-jmespath"

	"github.com/studiowebux/shinycannon/internal/tokens"
	"github.com/studiowebux/shinycannon/internal/wire"
)

const wsHandshakeTimeout = 45 * time.Second

// openWS dials the recorded WebSocket path. The dialer shares the session's
// cookie jar so authentication cookies reach the handshake.
func (s *Session) openWS(rawPath string) error {
	if s.ws != nil {
		return fmt.Errorf("websocket already open")
	}

	path, err := tokens.Substitute(rawPath, AllowedTokens, s.dict)
	if err != nil {
		return err
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: wsHandshakeTimeout,
		Jar:              s.jar,
	}
	header := http.Header{}
	header.Set("User-Agent", s.userAgent)

	conn, resp, err := dialer.Dial(s.wsURL+path, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial %s (HTTP %d): %w", path, resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial %s: %w", path, err)
	}

	s.ws = conn
	go s.readLoop(conn)
	return nil
}

// readLoop runs on its own goroutine for the lifetime of the connection.
// Ignorable frames are dropped before the queue; a full queue or an
// unparseable frame fails the session.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !s.closing.Load() {
				s.fail(fmt.Errorf("websocket closed unexpectedly: %w", err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		msg := string(data)
		ignore, err := wire.CanIgnore(msg)
		if err != nil {
			s.fail(err)
			return
		}
		if ignore {
			s.log.Debug().Str("frame", truncate(msg, 120)).Msg("ignoring frame")
			continue
		}

		select {
		case s.recvQueue <- msg:
		default:
			s.fail(fmt.Errorf("receive queue overflow (capacity %d)", receiveQueueCapacity))
			return
		}
	}
}

// sendFrame substitutes tokens into the recorded message and sends it as a
// text frame.
func (s *Session) sendFrame(rawMessage string) error {
	if s.ws == nil {
		return fmt.Errorf("websocket not open")
	}
	msg, err := tokens.Substitute(rawMessage, AllowedTokens, s.dict)
	if err != nil {
		return err
	}
	if err := s.ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return fmt.Errorf("websocket send: %w", err)
	}
	return nil
}

// expectFrame takes the next consumable frame and compares it with the
// recorded one: literal equality for non-JSON frames, shallow key-set
// equality for objects. Value-level differences are logged, not fatal.
func (s *Session) expectFrame(rawExpected string) error {
	received, err := s.receive()
	if err != nil {
		return err
	}

	expected, err := tokens.Substitute(rawExpected, AllowedTokens, s.dict)
	if err != nil {
		return err
	}

	expectedObj := wire.Parse(expected)
	if expectedObj == nil {
		if received != expected {
			return fmt.Errorf("frame mismatch: expected %q, received %q", truncate(expected, 256), truncate(received, 256))
		}
		return nil
	}

	receivedObj := wire.Parse(received)
	if receivedObj == nil {
		return fmt.Errorf("expected an object frame, received %q", truncate(received, 256))
	}

	expectedKeys := sortedKeys(expectedObj)
	receivedKeys := sortedKeys(receivedObj)
	if !reflect.DeepEqual(expectedKeys, receivedKeys) {
		return fmt.Errorf("frame key mismatch: expected %v, received %v", expectedKeys, receivedKeys)
	}
	if !reflect.DeepEqual(expectedObj, receivedObj) {
		s.log.Debug().
			Strs("keys", receivedKeys).
			Msg("frame values differ from recording")
	}
	return nil
}

// expectInit takes the init frame and captures the session id.
func (s *Session) expectInit() error {
	obj, err := s.receiveObject()
	if err != nil {
		return err
	}
	sessionID, err := searchString(obj, "config.sessionId")
	if err != nil {
		return fmt.Errorf("init frame: %w", err)
	}
	s.dict["SESSION"] = sessionID
	return nil
}

// expectBeginUpload takes the upload handshake frame and captures the job
// id and upload URL.
func (s *Session) expectBeginUpload() error {
	obj, err := s.receiveObject()
	if err != nil {
		return err
	}
	jobID, err := searchString(obj, "response.value.jobId")
	if err != nil {
		return fmt.Errorf("upload frame: %w", err)
	}
	uploadURL, err := searchString(obj, "response.value.uploadUrl")
	if err != nil {
		return fmt.Errorf("upload frame: %w", err)
	}
	s.dict["UPLOAD_JOB_ID"] = jobID
	s.dict["UPLOAD_URL"] = uploadURL
	return nil
}

func (s *Session) receiveObject() (map[string]any, error) {
	received, err := s.receive()
	if err != nil {
		return nil, err
	}
	obj := wire.Parse(received)
	if obj == nil {
		return nil, fmt.Errorf("expected an object frame, received %q", truncate(received, 256))
	}
	return obj, nil
}

// searchString resolves a JMESPath expression to a string. Numeric values
// are formatted without a decimal point when integral.
func searchString(obj map[string]any, path string) (string, error) {
	value, err := jmespath.Search(path, obj)
	if err != nil {
		return "", fmt.Errorf("search %s: %w", path, err)
	}
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case nil:
		return "", fmt.Errorf("missing field %s", path)
	default:
		return "", fmt.Errorf("field %s has unexpected type %T", path, value)
	}
}

func sortedKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
