package player

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/studiowebux/shinycannon/internal/output"
	"github.com/studiowebux/shinycannon/internal/recording"
)

var upgrader = websocket.Upgrader{}

// fakeReporter counts session transitions.
type fakeReporter struct {
	mu      sync.Mutex
	running int
	done    int
	failed  int
}

func (r *fakeReporter) Running() { r.mu.Lock(); r.running++; r.mu.Unlock() }
func (r *fakeReporter) Done()    { r.mu.Lock(); r.done++; r.mu.Unlock() }
func (r *fakeReporter) Failed()  { r.mu.Lock(); r.failed++; r.mu.Unlock() }

func (r *fakeReporter) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running, r.done, r.failed
}

// newTestSession builds a session writing its CSV under a temp dir and
// returns the session plus the CSV path.
func newTestSession(t *testing.T, appURL string, reporter Reporter) (*Session, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, output.SessionsDirName), 0755); err != nil {
		t.Fatalf("Failed to create sessions dir: %v", err)
	}
	writer, err := output.NewWriter(dir, 0, 0, 0, "shinycannon test", "{}")
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	t.Cleanup(func() { writer.Close() })

	if reporter == nil {
		reporter = &fakeReporter{}
	}
	sess, err := NewSession(Params{
		AppURL:    appURL,
		Out:       writer,
		Log:       zerolog.Nop(),
		Reporter:  reporter,
		UserAgent: "shinycannon/test",
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return sess, filepath.Join(dir, output.SessionsDirName, "0_0_0.csv")
}

// csvEvents extracts the event column from a session CSV.
func csvEvents(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read CSV: %v", err)
	}
	var events []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "session_id,") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) >= 4 {
			events = append(events, fields[3])
		}
	}
	return events
}

func TestStatusEquals(t *testing.T) {
	cases := []struct {
		actual, expected int
		want             bool
	}{
		{200, 200, true},
		{200, 304, true},
		{304, 200, true},
		{404, 404, true},
		{200, 500, false},
		{500, 200, false},
		{304, 404, false},
	}
	for _, tc := range cases {
		if got := statusEquals(tc.actual, tc.expected); got != tc.want {
			t.Errorf("statusEquals(%d, %d) = %v, want %v", tc.actual, tc.expected, got, tc.want)
		}
	}
}

func TestDeriveWSURL(t *testing.T) {
	if got, _ := deriveWSURL("http://host:3838/app"); got != "ws://host:3838/app" {
		t.Errorf("Unexpected ws url: %s", got)
	}
	if got, _ := deriveWSURL("https://host/app"); got != "wss://host/app" {
		t.Errorf("Unexpected wss url: %s", got)
	}
	if _, err := deriveWSURL("ftp://host"); err == nil {
		t.Error("Expected error for non-http scheme")
	}
}

func TestSessionTokenDictionarySeed(t *testing.T) {
	sess, _ := newTestSession(t, "http://localhost:0", nil)
	if len(sess.dict["ROBUST_ID"]) != 18 {
		t.Errorf("ROBUST_ID should be 18 hex chars, got %q", sess.dict["ROBUST_ID"])
	}
	if !strings.HasPrefix(sess.dict["SOCKJSID"], "000/") || len(sess.dict["SOCKJSID"]) != 12 {
		t.Errorf("SOCKJSID should be 000/ plus 8 hex chars, got %q", sess.dict["SOCKJSID"])
	}
}

func TestSleepBefore_Policies(t *testing.T) {
	sess, _ := newTestSession(t, "http://localhost:0", nil)
	sess.lastEventEnded = 1000

	send := WSSend{base: base{created: 1250}}
	if got := send.SleepBefore(sess); got != 250*time.Millisecond {
		t.Errorf("WS_SEND should sleep the recorded gap, got %v", got)
	}

	late := WSSend{base: base{created: 900}}
	if got := late.SleepBefore(sess); got != 0 {
		t.Errorf("Negative gaps must clamp to zero, got %v", got)
	}

	closeEv := WSClose{base: base{created: 1500}}
	if got := closeEv.SleepBefore(sess); got != 500*time.Millisecond {
		t.Errorf("WS_CLOSE should sleep the recorded gap, got %v", got)
	}

	req := Req{base: base{created: 2000}}
	if got := req.SleepBefore(sess); got != 0 {
		t.Errorf("REQ before websocket open must not sleep, got %v", got)
	}
	sess.ws = &websocket.Conn{}
	if got := req.SleepBefore(sess); got != 1000*time.Millisecond {
		t.Errorf("REQ after websocket open should sleep the gap, got %v", got)
	}
	sess.ws = nil

	recv := WSRecv{base: base{created: 5000}}
	if got := recv.SleepBefore(sess); got != 0 {
		t.Errorf("WS_RECV must not sleep, got %v", got)
	}
}

func TestReceive_WakesOnFailure(t *testing.T) {
	sess, _ := newTestSession(t, "http://localhost:0", nil)
	errs := make(chan error, 1)
	go func() {
		_, err := sess.receive()
		errs <- err
	}()
	sess.fail(fmt.Errorf("boom"))
	select {
	case err := <-errs:
		if err == nil || err.Error() != "boom" {
			t.Errorf("Expected boom, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("receive did not wake on failure")
	}
}

// shinyHandler is a minimal dev-server stand-in: home page plus a SockJS
// websocket that plays the init exchange.
func shinyHandler(t *testing.T, homeBody string, extraFrames []string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(homeBody))
	})
	mux.HandleFunc("/websocket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`a["0|m|{\"config\":{\"sessionId\":\"abc\"}}"]`))
		for _, frame := range extraFrames {
			conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}
		// Drain until the client disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	return mux
}

func basicScript(t *testing.T, extra ...recording.Entry) []Event {
	t.Helper()
	entries := []recording.Entry{
		{Type: recording.TypeReqHome, Created: 1000, LineNumber: 1, URL: "/", Method: "GET", StatusCode: 200},
		{Type: recording.TypeWSOpen, Created: 1000, LineNumber: 2, URL: "/websocket"},
		{Type: recording.TypeWSRecvInit, Created: 1000, LineNumber: 3, Message: `a["0|m|{\"config\":{\"sessionId\":\"x\"}}"]`},
	}
	entries = append(entries, extra...)
	entries = append(entries, recording.Entry{Type: recording.TypeWSClose, Created: 1000, LineNumber: len(entries) + 1})
	script, err := BuildScript(entries)
	if err != nil {
		t.Fatalf("BuildScript failed: %v", err)
	}
	return script
}

func TestRun_HappyPath(t *testing.T) {
	server := httptest.NewServer(shinyHandler(t, "<html><body>app</body></html>", nil))
	defer server.Close()

	reporter := &fakeReporter{}
	sess, csvPath := newTestSession(t, server.URL, reporter)

	script := basicScript(t, recording.Entry{
		Type: recording.TypeWSSend, Created: 1000, LineNumber: 4, Message: `{"method":"init"}`,
	})
	if err := sess.Run(script, 0, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{
		"PLAYER_SESSION_CREATE",
		"REQ_HOME_START", "REQ_HOME_END",
		"WS_OPEN_START", "WS_OPEN_END",
		"WS_RECV_INIT_START", "WS_RECV_INIT_END",
		"WS_SEND_START", "WS_SEND_END",
		"WS_CLOSE_START", "WS_CLOSE_END",
		"PLAYBACK_DONE",
	}
	got := csvEvents(t, csvPath)
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("Event sequence mismatch:\n got %v\nwant %v", got, want)
	}

	if sess.dict["SESSION"] != "abc" {
		t.Errorf("Expected SESSION=abc, got %q", sess.dict["SESSION"])
	}
	if running, done, failed := reporter.counts(); running != 1 || done != 1 || failed != 0 {
		t.Errorf("Unexpected transitions: %d/%d/%d", running, done, failed)
	}
}

func TestRun_WorkerIDExtraction(t *testing.T) {
	home := `<html><head><base href="_w_deadbeef/"></head></html>`
	server := httptest.NewServer(shinyHandler(t, home, nil))
	defer server.Close()

	sess, _ := newTestSession(t, server.URL, nil)
	if err := sess.Run(basicScript(t), 0, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sess.dict["WORKER"] != "deadbeef" {
		t.Errorf("Expected WORKER=deadbeef, got %q", sess.dict["WORKER"])
	}
}

func TestRun_StatusMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	reporter := &fakeReporter{}
	sess, csvPath := newTestSession(t, server.URL, reporter)

	script, err := BuildScript([]recording.Entry{
		{Type: recording.TypeReq, Created: 1000, LineNumber: 4, URL: "/data", Method: "GET", StatusCode: 200},
		{Type: recording.TypeWSClose, Created: 1000, LineNumber: 5},
	})
	if err != nil {
		t.Fatalf("BuildScript failed: %v", err)
	}

	if err := sess.Run(script, 0, nil); err == nil {
		t.Fatal("Expected run to fail on status mismatch")
	}

	events := csvEvents(t, csvPath)
	want := []string{"PLAYER_SESSION_CREATE", "REQ_START", "PLAYBACK_FAIL"}
	if strings.Join(events, " ") != strings.Join(want, " ") {
		t.Errorf("Expected %v, got %v", want, events)
	}
	if _, _, failed := reporter.counts(); failed != 1 {
		t.Error("Session must be counted as failed")
	}

	// The failing line number lands in the PLAYBACK_FAIL row.
	data, _ := os.ReadFile(csvPath)
	if !strings.Contains(string(data), "PLAYBACK_FAIL,") {
		t.Error("PLAYBACK_FAIL row missing")
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.Contains(line, "PLAYBACK_FAIL") {
			fields := strings.Split(line, ",")
			if fields[5] != "4" {
				t.Errorf("PLAYBACK_FAIL should carry line 4, got %s", fields[5])
			}
		}
	}
}

func TestRun_UnknownToken(t *testing.T) {
	server := httptest.NewServer(shinyHandler(t, "<html></html>", nil))
	defer server.Close()

	sess, csvPath := newTestSession(t, server.URL, nil)
	script := basicScript(t, recording.Entry{
		Type: recording.TypeWSSend, Created: 1000, LineNumber: 4, Message: `{"id":"${UNKNOWN}"}`,
	})

	err := sess.Run(script, 0, nil)
	if err == nil || !strings.Contains(err.Error(), "UNKNOWN") {
		t.Fatalf("Expected unknown token failure, got %v", err)
	}
	events := csvEvents(t, csvPath)
	if events[len(events)-1] != "PLAYBACK_FAIL" {
		t.Errorf("Last event should be PLAYBACK_FAIL, got %v", events)
	}
}

func TestRun_IgnorableFramesSkipped(t *testing.T) {
	extra := []string{
		"h",
		`a["ACK 42"]`,
		`a["0|m|{\"values\":{\"n\":1},\"errors\":[],\"inputMessages\":[]}"]`,
		`a["0|m|{\"progress\":{\"type\":\"binding\"}}"]`,
		`a["0|m|{\"values\":{\"n\":2},\"errors\":[],\"inputMessages\":[]}"]`,
	}
	server := httptest.NewServer(shinyHandler(t, "<html></html>", extra))
	defer server.Close()

	sess, _ := newTestSession(t, server.URL, nil)
	frame := `a["0|m|{\"values\":{\"n\":9},\"errors\":[],\"inputMessages\":[]}"]`
	script := basicScript(t,
		recording.Entry{Type: recording.TypeWSRecv, Created: 1000, LineNumber: 4, Message: frame},
		recording.Entry{Type: recording.TypeWSRecv, Created: 1000, LineNumber: 5, Message: frame},
	)
	if err := sess.Run(script, 0, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestRun_AtMostOneWebSocket(t *testing.T) {
	server := httptest.NewServer(shinyHandler(t, "<html></html>", nil))
	defer server.Close()

	sess, _ := newTestSession(t, server.URL, nil)
	script := basicScript(t, recording.Entry{
		Type: recording.TypeWSOpen, Created: 1000, LineNumber: 4, URL: "/websocket",
	})

	err := sess.Run(script, 0, nil)
	if err == nil || !strings.Contains(err.Error(), "already open") {
		t.Fatalf("Expected already-open failure, got %v", err)
	}
}

func TestReadLoop_QueueOverflow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < receiveQueueCapacity+1; i++ {
			conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"n":%d}`, i)))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	sess, _ := newTestSession(t, server.URL, nil)
	if err := sess.openWS("/"); err != nil {
		t.Fatalf("openWS failed: %v", err)
	}
	defer sess.closeWS()

	deadline := time.After(2 * time.Second)
	for {
		if err := sess.failed(); err != nil {
			if !strings.Contains(err.Error(), "overflow") {
				t.Fatalf("Expected overflow failure, got %v", err)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("Queue overflow was not detected")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestExpectFrame_KeySetComparison(t *testing.T) {
	sess, _ := newTestSession(t, "http://localhost:0", nil)

	// Same key set, different values: accepted.
	sess.recvQueue <- `a["0|m|{\"values\":{\"n\":2},\"errors\":[],\"inputMessages\":[]}"]`
	err := sess.expectFrame(`a["0|m|{\"values\":{\"n\":1},\"errors\":[],\"inputMessages\":[]}"]`)
	if err != nil {
		t.Errorf("Shallow key-set comparison should accept value differences: %v", err)
	}

	// Different key set: rejected.
	sess.recvQueue <- `a["0|m|{\"other\":1}"]`
	err = sess.expectFrame(`a["0|m|{\"values\":{},\"errors\":[],\"inputMessages\":[]}"]`)
	if err == nil || !strings.Contains(err.Error(), "key mismatch") {
		t.Errorf("Expected key mismatch, got %v", err)
	}
}

func TestExpectFrame_LiteralComparison(t *testing.T) {
	sess, _ := newTestSession(t, "http://localhost:0", nil)

	sess.recvQueue <- "o"
	if err := sess.expectFrame("o"); err != nil {
		t.Errorf("Literal match should pass: %v", err)
	}

	sess.recvQueue <- "something else"
	if err := sess.expectFrame("o"); err == nil {
		t.Error("Literal mismatch should fail")
	}
}

func TestUploadFlow(t *testing.T) {
	var uploaded []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html></html>"))
	})
	var serverURL string
	mux.HandleFunc("/upload/77", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		uploaded = body
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/websocket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`a["0|m|{\"config\":{\"sessionId\":\"abc\"}}"]`))
		frame := fmt.Sprintf(`{"response":{"value":{"jobId":77,"uploadUrl":"%s/upload/77"}}}`, serverURL)
		conn.WriteMessage(websocket.TextMessage, []byte(frame))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	serverURL = server.URL

	sess, _ := newTestSession(t, server.URL, nil)
	script := basicScript(t,
		recording.Entry{Type: recording.TypeWSRecvBeginUp, Created: 1000, LineNumber: 4, Message: "{}"},
		// "hello" in base64
		recording.Entry{Type: recording.TypeReqPostUpload, Created: 1000, LineNumber: 5, StatusCode: 200, DataB64: "aGVsbG8="},
	)
	if err := sess.Run(script, 0, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if sess.dict["UPLOAD_JOB_ID"] != "77" {
		t.Errorf("Expected UPLOAD_JOB_ID=77, got %q", sess.dict["UPLOAD_JOB_ID"])
	}
	if string(uploaded) != "hello" {
		t.Errorf("Expected uploaded body hello, got %q", uploaded)
	}
}

func TestRun_StartDelayEvents(t *testing.T) {
	server := httptest.NewServer(shinyHandler(t, "<html></html>", nil))
	defer server.Close()

	sess, csvPath := newTestSession(t, server.URL, nil)
	started := false
	err := sess.Run(basicScript(t), 20*time.Millisecond, func() { started = true })
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !started {
		t.Error("onStarted callback was not invoked")
	}

	events := csvEvents(t, csvPath)
	if events[1] != "PLAYBACK_START_INTERVAL_START" || events[2] != "PLAYBACK_START_INTERVAL_END" {
		t.Errorf("Start interval events missing: %v", events)
	}
}
