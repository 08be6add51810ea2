// Package streamjson decodes line-delimited JSON from a byte stream. It
// tolerates non-JSON noise lines by logging and skipping them, which agent
// CLIs routinely emit on startup.
package streamjson

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
)

const (
	initialBufferSize = 64 * 1024
	maxLineSize       = 10 * 1024 * 1024
)

// Decoder yields one JSON record per non-empty line of the underlying
// stream. It is finite and not restartable.
type Decoder struct {
	scanner *bufio.Scanner
	logger  *logger.Logger
	done    bool
}

// NewDecoder creates a Decoder over r. The tag identifies the stream in
// log output.
func NewDecoder(r io.Reader, log *logger.Logger, tag string) *Decoder {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, initialBufferSize)
	scanner.Buffer(buf, maxLineSize)

	return &Decoder{
		scanner: scanner,
		logger:  log.WithFields(zap.String("component", "streamjson"), zap.String("stream", tag)),
	}
}

// Next returns the next JSON record, io.EOF when the stream ends, or the
// underlying read error. Non-JSON lines are logged at debug and skipped.
func (d *Decoder) Next(ctx context.Context) (json.RawMessage, error) {
	if d.done {
		return nil, io.EOF
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !d.scanner.Scan() {
			d.done = true
			if err := d.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}

		line := strings.TrimSpace(d.scanner.Text())
		if line == "" {
			continue
		}

		if !json.Valid([]byte(line)) {
			d.logger.Debug("skipping non-JSON line", zap.String("line", truncate(line, 200)))
			continue
		}

		return json.RawMessage(line), nil
	}
}

// ForEach drains the stream, invoking fn for every record. Stops on the
// first fn error or context cancellation; io.EOF is not an error.
func (d *Decoder) ForEach(ctx context.Context, fn func(record json.RawMessage) error) error {
	for {
		record, err := d.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(record); err != nil {
			return err
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
