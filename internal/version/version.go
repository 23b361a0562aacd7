package version

import "fmt"

// Version is overridable at build time via -ldflags.
var Version = "1.0.0"

// UserAgent returns the User-Agent header value for outgoing HTTP requests
// and WebSocket handshakes.
func UserAgent() string {
	return fmt.Sprintf("shinycannon/%s", Version)
}
