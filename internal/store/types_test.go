package store

import (
	"encoding/json"
	"testing"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]string{
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusCancelled},
		{StatusRunning, StatusPassed},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusError},
		{StatusRunning, StatusTimedOut},
		{StatusRunning, StatusCancelled},
	}
	for _, tc := range allowed {
		if !CanTransition(tc[0], tc[1]) {
			t.Errorf("expected %s -> %s allowed", tc[0], tc[1])
		}
	}

	denied := [][2]string{
		{StatusQueued, StatusPassed},
		{StatusQueued, StatusFailed},
		{StatusPassed, StatusRunning},
		{StatusFailed, StatusQueued},
		{StatusCancelled, StatusRunning},
		{StatusTimedOut, StatusPassed},
		{StatusRunning, StatusQueued},
	}
	for _, tc := range denied {
		if CanTransition(tc[0], tc[1]) {
			t.Errorf("expected %s -> %s denied", tc[0], tc[1])
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, status := range []string{StatusPassed, StatusFailed, StatusError, StatusCancelled, StatusTimedOut} {
		if !IsTerminal(status) {
			t.Errorf("%s should be terminal", status)
		}
	}
	for _, status := range []string{StatusQueued, StatusRunning, ""} {
		if IsTerminal(status) {
			t.Errorf("%s should not be terminal", status)
		}
	}
}

func TestParseMetadataIgnoresUnknownFields(t *testing.T) {
	run := Run{Metadata: json.RawMessage(`{
		"source": "playground",
		"test_id": "t-1",
		"test_type": "browser",
		"location": "us-east",
		"someone_elses_field": {"nested": true}
	}`)}

	m := run.ParseMetadata()
	if m.Source != "playground" || m.TestID != "t-1" || m.TestType != "browser" {
		t.Fatalf("unexpected metadata: %+v", m)
	}
}

func TestParseMetadataEmpty(t *testing.T) {
	var run Run
	if m := run.ParseMetadata(); m != (RunMetadata{}) {
		t.Fatalf("expected zero metadata, got %+v", m)
	}
}
