package streamjson

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/agentplane/agentplane/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestDecoder_SkipsNoise(t *testing.T) {
	input := strings.Join([]string{
		"starting agent...",
		`{"type":"system","subtype":"init"}`,
		"",
		"   ",
		"warning: something",
		`{"type":"assistant"}`,
		"not json at all {",
	}, "\n")

	d := NewDecoder(strings.NewReader(input), newTestLogger(t), "test")
	ctx := context.Background()

	var types []string
	for {
		record, err := d.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(record, &msg); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		types = append(types, msg.Type)
	}

	want := []string{"system", "assistant"}
	if len(types) != len(want) {
		t.Fatalf("Expected %d records, got %d: %v", len(want), len(types), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("Record %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestDecoder_LargeLine(t *testing.T) {
	// A record larger than the initial 64KB buffer must still decode.
	big := strings.Repeat("x", 200*1024)
	input := `{"type":"assistant","content":"` + big + `"}` + "\n"

	d := NewDecoder(strings.NewReader(input), newTestLogger(t), "test")
	record, err := d.Next(context.Background())
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(record) < len(big) {
		t.Errorf("Expected record to contain the large payload, got %d bytes", len(record))
	}
}

func TestDecoder_EOF(t *testing.T) {
	d := NewDecoder(strings.NewReader(""), newTestLogger(t), "test")
	if _, err := d.Next(context.Background()); err != io.EOF {
		t.Errorf("Expected io.EOF on empty stream, got %v", err)
	}
	// EOF is sticky.
	if _, err := d.Next(context.Background()); err != io.EOF {
		t.Errorf("Expected io.EOF on second call, got %v", err)
	}
}

func TestDecoder_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDecoder(strings.NewReader(`{"a":1}`+"\n"), newTestLogger(t), "test")
	if _, err := d.Next(ctx); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestDecoder_ForEach(t *testing.T) {
	input := `{"n":1}` + "\n" + `{"n":2}` + "\n" + `{"n":3}` + "\n"
	d := NewDecoder(strings.NewReader(input), newTestLogger(t), "test")

	var count int
	err := d.ForEach(context.Background(), func(record json.RawMessage) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 records, got %d", count)
	}
}
