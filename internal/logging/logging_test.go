package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestLevelFor(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want zerolog.Level
	}{
		{name: "development default", opts: Options{Environment: "development"}, want: zerolog.DebugLevel},
		{name: "production default", opts: Options{Environment: "production"}, want: zerolog.InfoLevel},
		{name: "explicit level", opts: Options{Environment: "development", Level: "WARN"}, want: zerolog.WarnLevel},
		{name: "invalid level falls back", opts: Options{Environment: "production", Level: "loud"}, want: zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := levelFor(tt.opts); got != tt.want {
				t.Fatalf("levelFor = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSetupCapturesJSON(t *testing.T) {
	var out, capture bytes.Buffer
	logger := Setup(Options{Environment: "production", Output: &out, Capture: &capture})
	logger.Debug().Msg("hidden")
	logger.Info().Str("timeslot_id", "ts-1").Msg("job scheduled")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(capture.Bytes()), &line); err != nil {
		t.Fatalf("capture is not a single JSON line: %v (%q)", err, capture.String())
	}
	if line["message"] != "job scheduled" || line["timeslot_id"] != "ts-1" {
		t.Fatalf("unexpected line %v", line)
	}
	if out.Len() == 0 {
		t.Fatal("expected output on the primary writer")
	}
}
