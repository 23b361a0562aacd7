// Package tokens resolves ${NAME} placeholders in recorded URLs and
// WebSocket messages against a per-session dictionary.
package tokens

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Token placeholder pattern: ${NAME}
var tokenPattern = regexp.MustCompile(`\$\{([A-Z_]+)\}`)

// Extract returns the set of unique token names referenced by input.
func Extract(input string) map[string]bool {
	names := make(map[string]bool)
	for _, match := range tokenPattern.FindAllStringSubmatch(input, -1) {
		names[match[1]] = true
	}
	return names
}

// Substitute replaces every ${NAME} placeholder in input with dict[NAME].
// Every referenced name must be in allowed and present in dict; otherwise an
// error naming the offending tokens is returned.
func Substitute(input string, allowed map[string]bool, dict map[string]string) (string, error) {
	found := Extract(input)

	var unknown, missing []string
	for name := range found {
		if !allowed[name] {
			unknown = append(unknown, name)
		} else if _, ok := dict[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return "", fmt.Errorf("unknown tokens: %s", strings.Join(unknown, ", "))
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("tokens not yet discovered: %s", strings.Join(missing, ", "))
	}

	result := input
	for name := range found {
		// Literal, case-insensitive replacement. Names never contain
		// regex metacharacters ([A-Z_]+ only).
		re := regexp.MustCompile(`(?i)\$\{` + name + `\}`)
		result = re.ReplaceAllLiteralString(result, dict[name])
	}
	return result, nil
}
