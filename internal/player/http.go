package player

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"regexp"

	"github.com/studiowebux/shinycannon/internal/tokens"
)

var workerPattern = regexp.MustCompile(`(?s)<base href="_w_([0-9a-z]+)/`)

// statusEquals treats 200 and 304 as interchangeable for GETs; otherwise
// the status must match exactly.
func statusEquals(actual, expected int) bool {
	if actual == expected {
		return true
	}
	return (actual == 200 || actual == 304) && (expected == 200 || expected == 304)
}

// get renders the recorded path, issues a GET through the session's cookie
// jar, verifies the status, and returns the body.
func (s *Session) get(rawPath string, expectedStatus int) ([]byte, error) {
	path, err := tokens.Substitute(rawPath, AllowedTokens, s.dict)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodGet, s.httpURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: failed to read body: %w", path, err)
	}
	if !statusEquals(resp.StatusCode, expectedStatus) {
		return nil, fmt.Errorf("GET %s: status %d, expected %d", path, resp.StatusCode, expectedStatus)
	}
	return body, nil
}

// extractWorker scrapes the worker id from the home page. Dev servers have
// no _w_ prefix, so a miss is not an error.
func (s *Session) extractWorker(body []byte) {
	if m := workerPattern.FindSubmatch(body); m != nil {
		s.dict["WORKER"] = string(m[1])
		s.log.Debug().Str("worker_token", s.dict["WORKER"]).Msg("extracted worker id")
	}
}

// postUpload sends the recorded upload bytes to the discovered upload URL.
// The status must match exactly; the 200/304 collapse applies to GETs only.
func (s *Session) postUpload(dataB64 string, expectedStatus int) error {
	uploadURL, ok := s.dict["UPLOAD_URL"]
	if !ok {
		return fmt.Errorf("upload url not discovered before POST")
	}

	data, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return fmt.Errorf("failed to decode upload data: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, uploadURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST upload: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != expectedStatus {
		return fmt.Errorf("POST upload: status %d, expected %d", resp.StatusCode, expectedStatus)
	}
	return nil
}
