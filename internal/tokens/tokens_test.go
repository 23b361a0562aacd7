package tokens

import (
	"strings"
	"testing"
)

func TestExtract(t *testing.T) {
	names := Extract("/app/${WORKER}/token/${TOKEN}?x=${WORKER}")
	if len(names) != 2 {
		t.Fatalf("Expected 2 unique names, got %d", len(names))
	}
	if !names["WORKER"] || !names["TOKEN"] {
		t.Errorf("Expected WORKER and TOKEN, got %v", names)
	}
}

func TestExtract_NoTokens(t *testing.T) {
	if names := Extract("/plain/path?q=1"); len(names) != 0 {
		t.Errorf("Expected no tokens, got %v", names)
	}
}

func TestExtract_LowercaseNotMatched(t *testing.T) {
	if names := Extract("${worker}"); len(names) != 0 {
		t.Errorf("Lowercase placeholder should not match, got %v", names)
	}
}

func TestSubstitute_RoundTrip(t *testing.T) {
	allowed := map[string]bool{"X": true}
	got, err := Substitute("${X}", allowed, map[string]string{"X": "value-123"})
	if err != nil {
		t.Fatalf("Substitute failed: %v", err)
	}
	if got != "value-123" {
		t.Errorf("Expected value-123, got %s", got)
	}
}

func TestSubstitute_Identity(t *testing.T) {
	got, err := Substitute("/no/tokens/here", map[string]bool{}, map[string]string{})
	if err != nil {
		t.Fatalf("Substitute failed: %v", err)
	}
	if got != "/no/tokens/here" {
		t.Errorf("Expected identity, got %s", got)
	}
}

func TestSubstitute_CaseInsensitiveReplacement(t *testing.T) {
	allowed := map[string]bool{"SESSION": true}
	got, err := Substitute("id=${SESSION}&sid=${session}", allowed, map[string]string{"SESSION": "abc"})
	if err != nil {
		t.Fatalf("Substitute failed: %v", err)
	}
	if got != "id=abc&sid=abc" {
		t.Errorf("Expected id=abc&sid=abc, got %s", got)
	}
}

func TestSubstitute_UnknownToken(t *testing.T) {
	allowed := map[string]bool{"WORKER": true}
	_, err := Substitute("${WORKER}/${BOGUS}", allowed, map[string]string{"WORKER": "w"})
	if err == nil {
		t.Fatal("Expected error for unknown token")
	}
	if !strings.Contains(err.Error(), "BOGUS") {
		t.Errorf("Error should name the offending token: %v", err)
	}
}

func TestSubstitute_MissingDictEntry(t *testing.T) {
	allowed := map[string]bool{"TOKEN": true}
	_, err := Substitute("${TOKEN}", allowed, map[string]string{})
	if err == nil {
		t.Fatal("Expected error for undiscovered token")
	}
	if !strings.Contains(err.Error(), "TOKEN") {
		t.Errorf("Error should name the missing token: %v", err)
	}
}

func TestSubstitute_MultipleOccurrences(t *testing.T) {
	allowed := map[string]bool{"WORKER": true}
	got, err := Substitute("/_w_${WORKER}/a/_w_${WORKER}/b", allowed, map[string]string{"WORKER": "deadbeef"})
	if err != nil {
		t.Fatalf("Substitute failed: %v", err)
	}
	if got != "/_w_deadbeef/a/_w_deadbeef/b" {
		t.Errorf("Unexpected result: %s", got)
	}
}
