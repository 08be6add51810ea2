package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/streamjson"
)

// WatchConfig tunes the shared watcher stream.
type WatchConfig struct {
	// Debounce delays content reads after a change so partial writes settle.
	Debounce time.Duration
	// Limits gates content delivery by size and extension.
	Limits ContentLimits
}

// watchEvent is one JSONL record emitted by the agentwatch helper.
type watchEvent struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// StartWatchStream runs the agentwatch helper inside sb rooted at root and
// forwards decoded events to callback. Both providers lack a native remote
// recursive watch, so they share this stream. The call returns once the
// helper reports readiness; ctx bounds only that wait. The helper process
// runs on its own context, owned by the returned stop function, so it
// outlives the caller's activation deadline.
func StartWatchStream(ctx context.Context, sb Sandbox, root string, cfg WatchConfig, log *logger.Logger, callback WatchCallback) (StopWatch, error) {
	watchCtx, cancel := context.WithCancel(context.Background())
	proc, err := sb.Exec(watchCtx, []string{"sh", WatchScriptPath(sb.GetBasePaths()), root, "1"})
	if err != nil {
		cancel()
		return nil, NewIOError("watch", root, err)
	}

	log = log.WithFields(zap.String("component", "sandbox-watch"), zap.String("root", root))
	decoder := streamjson.NewDecoder(proc.Stdout(), log, "watch:"+root)

	// The helper prints a ready line before any events. Killing the process
	// on ctx expiry unblocks the read; the watchdog ends with the wait so a
	// later caller-side cancellation cannot touch the running watcher.
	readyDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
			_ = proc.Kill()
		case <-readyDone:
		}
	}()
	record, err := decoder.Next(ctx)
	close(readyDone)
	if err != nil {
		cancel()
		_ = proc.Kill()
		return nil, NewIOError("watch", root, fmt.Errorf("watcher did not become ready: %w", err))
	}
	var ready watchEvent
	if err := json.Unmarshal(record, &ready); err != nil || ready.Type != "ready" {
		cancel()
		_ = proc.Kill()
		return nil, NewIOError("watch", root, fmt.Errorf("unexpected first watcher record: %s", string(record)))
	}

	w := &watchStream{
		sb:       sb,
		root:     root,
		cfg:      cfg,
		logger:   log,
		callback: callback,
		ctx:      watchCtx,
		pending:  make(map[string]*pendingChange),
	}

	go w.loop(decoder)

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			cancel()
			_ = proc.Kill()
		})
	}
	return stop, nil
}

type pendingChange struct {
	timer      *time.Timer
	changeType FileChangeType
	size       int64
}

type watchStream struct {
	sb       Sandbox
	root     string
	cfg      WatchConfig
	logger   *logger.Logger
	callback WatchCallback
	ctx      context.Context

	mu      sync.Mutex
	pending map[string]*pendingChange
}

func (w *watchStream) loop(decoder *streamjson.Decoder) {
	for {
		record, err := decoder.Next(w.ctx)
		if err == io.EOF || w.ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Warn("watch stream read error", zap.Error(err))
			return
		}

		var event watchEvent
		if err := json.Unmarshal(record, &event); err != nil {
			w.logger.Debug("dropping malformed watch record", zap.Error(err))
			continue
		}

		relPath := strings.TrimPrefix(event.Path, w.root)
		relPath = strings.TrimPrefix(relPath, "/")
		if relPath == "" {
			continue
		}

		switch event.Type {
		case "unlink":
			w.cancelPending(relPath)
			w.callback(FileChange{Type: FileRemoved, Path: relPath})
		case "add", "change":
			changeType := FileAdded
			if event.Type == "change" {
				changeType = FileChanged
			}
			w.schedule(relPath, changeType, event.Size)
		}
	}
}

// schedule arms (or re-arms) the per-path debounce timer. The content read
// happens after the debounce so partial writes settle first.
func (w *watchStream) schedule(relPath string, changeType FileChangeType, size int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[relPath]; ok {
		p.changeType = changeType
		p.size = size
		p.timer.Reset(w.cfg.Debounce)
		return
	}

	p := &pendingChange{changeType: changeType, size: size}
	p.timer = time.AfterFunc(w.cfg.Debounce, func() {
		w.fire(relPath)
	})
	w.pending[relPath] = p
}

func (w *watchStream) cancelPending(relPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[relPath]; ok {
		p.timer.Stop()
		delete(w.pending, relPath)
	}
}

func (w *watchStream) fire(relPath string) {
	w.mu.Lock()
	p, ok := w.pending[relPath]
	if ok {
		delete(w.pending, relPath)
	}
	w.mu.Unlock()
	if !ok || w.ctx.Err() != nil {
		return
	}

	var content *string
	if w.cfg.Limits.AllowsContent(relPath, p.size) {
		readCtx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
		c, err := w.sb.ReadFile(readCtx, w.root+"/"+relPath)
		cancel()
		if err != nil {
			w.logger.Debug("failed to read changed file", zap.String("path", relPath), zap.Error(err))
		} else {
			content = c
		}
	}

	w.callback(FileChange{Type: p.changeType, Path: relPath, Content: content})
}
