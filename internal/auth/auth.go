// Package auth detects whether the target application sits behind RStudio
// Connect or Shiny Server Pro and primes the session cookie jar by logging
// in before playback.
package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/net/html"

	"github.com/studiowebux/shinycannon/internal/config"
)

// ServerType classifies the gateway in front of the application.
type ServerType int

const (
	ServerUnknown ServerType = iota
	ServerRSC
	ServerSSP
)

func (t ServerType) String() string {
	switch t {
	case ServerRSC:
		return "RStudio Connect"
	case ServerSSP:
		return "Shiny Server Pro"
	default:
		return "unknown"
	}
}

// MaybeLogin is a no-op unless credentials are provided and the application
// is protected.
func MaybeLogin(client *http.Client, appURL string, creds *config.Credentials, userAgent string, log zerolog.Logger) error {
	if creds == nil {
		return nil
	}
	protected, err := IsProtected(client, appURL, userAgent)
	if err != nil {
		return err
	}
	if !protected {
		log.Debug().Msg("application is not protected, skipping login")
		return nil
	}
	return PostLogin(client, appURL, creds.User, creds.Password, userAgent, log)
}

// IsProtected issues a GET and reports whether the target behaves as a
// gateway hiding the app (403 or 404).
func IsProtected(client *http.Client, appURL, userAgent string) (bool, error) {
	resp, err := doGet(client, appURL, userAgent)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound, nil
}

// ServedBy infers the server type from response headers and cookies.
func ServedBy(resp *http.Response) ServerType {
	poweredBy := resp.Header.Get("X-Powered-By")
	if poweredBy == "Express" || poweredBy == "Shiny Server Pro" {
		return ServerSSP
	}
	if resp.Header.Get("rscid") != "" {
		return ServerRSC
	}
	if strings.HasPrefix(resp.Header.Get("Server"), "RStudio Connect") {
		return ServerRSC
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "rscid" {
			return ServerRSC
		}
	}
	return ServerUnknown
}

// LoginURLFor derives the login endpoint. RSC mounts __login__ beside the
// dashboard even when the app is served under a reverse-proxy prefix, so
// paths deeper than two components drop their last two.
func LoginURLFor(appURL string, server ServerType) (string, error) {
	parsed, err := url.Parse(appURL)
	if err != nil {
		return "", fmt.Errorf("bad app url: %w", err)
	}

	switch server {
	case ServerRSC:
		parts := splitPath(parsed.Path)
		if len(parts) > 2 {
			parts = append(parts[:len(parts)-2], "__login__")
			parsed.Path = "/" + strings.Join(parts, "/")
		} else {
			parsed.Path = "/__login__"
		}
	case ServerSSP:
		parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/__login__"
	default:
		return "", fmt.Errorf("cannot derive login url for unknown server type")
	}
	return parsed.String(), nil
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// HiddenInputs collects the hidden form inputs of an SSP login page.
func HiddenInputs(body []byte) map[string]string {
	inputs := make(map[string]string)
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return inputs
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" {
			var typ, name, value string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "type":
					typ = attr.Val
				case "name":
					name = attr.Val
				case "value":
					value = attr.Val
				}
			}
			if typ == "hidden" && name != "" {
				inputs[name] = value
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return inputs
}

// PostLogin probes the server type and performs the matching login flow,
// leaving the auth cookies in the client's jar.
func PostLogin(client *http.Client, appURL, user, password, userAgent string, log zerolog.Logger) error {
	resp, err := doGet(client, appURL, userAgent)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read login probe body: %w", err)
	}

	server := ServedBy(resp)
	log.Debug().Stringer("server", server).Msg("detected server type")

	loginURL, err := LoginURLFor(appURL, server)
	if err != nil {
		return err
	}

	switch server {
	case ServerRSC:
		return loginRSC(client, appURL, loginURL, user, password, userAgent)
	case ServerSSP:
		return loginSSP(client, appURL, loginURL, user, password, userAgent, HiddenInputs(body))
	default:
		return fmt.Errorf("cannot login to unknown server type")
	}
}

func loginRSC(client *http.Client, appURL, loginURL, user, password, userAgent string) error {
	payload, err := json.Marshal(map[string]string{"username": user, "password": password})
	if err != nil {
		return fmt.Errorf("failed to encode login payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, loginURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	if err := checkLoginResponse(client, req); err != nil {
		return err
	}
	return requireCookie(client, appURL, "rsconnect")
}

func loginSSP(client *http.Client, appURL, loginURL, user, password, userAgent string, hidden map[string]string) error {
	form := url.Values{}
	form.Set("username", user)
	form.Set("password", password)
	for name, value := range hidden {
		form.Set(name, value)
	}

	req, err := http.NewRequest(http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	if err := checkLoginResponse(client, req); err != nil {
		return err
	}
	return requireCookie(client, appURL, "session_state")
}

func checkLoginResponse(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusFound {
		return fmt.Errorf("login returned status %d", resp.StatusCode)
	}
	return nil
}

// requireCookie verifies that the expected auth cookie landed in the jar.
func requireCookie(client *http.Client, appURL, name string) error {
	parsed, err := url.Parse(appURL)
	if err != nil {
		return fmt.Errorf("bad app url: %w", err)
	}
	if client.Jar == nil {
		return fmt.Errorf("http client has no cookie jar")
	}
	for _, cookie := range client.Jar.Cookies(parsed) {
		if cookie.Name == name {
			return nil
		}
	}
	return fmt.Errorf("login did not set %s cookie", name)
}

func doGet(client *http.Client, target, userAgent string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", target, err)
	}
	return resp, nil
}
