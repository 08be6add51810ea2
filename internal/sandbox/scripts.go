package sandbox

import (
	"context"
	"fmt"
	"path"
)

// WatchScriptName is the watcher helper installed under APP_DIR/bin. It scans
// a directory tree and emits one JSON line per file event on stdout:
//
//	{"type":"ready"}
//	{"type":"add","path":"/abs/path","size":123}
//	{"type":"change","path":"/abs/path","size":456}
//	{"type":"unlink","path":"/abs/path"}
//
// Providers with no native recursive watch run this inside the sandbox and
// decode its stdout. Paths containing double quotes or newlines are skipped.
const WatchScriptName = "agentwatch"

const watchScript = `#!/bin/sh
# agentwatch ROOT [INTERVAL] - emit JSONL file events for a directory tree.
set -u
ROOT="$1"
INTERVAL="${2:-1}"
PREV=$(mktemp)
CURR=$(mktemp)
trap 'rm -f "$PREV" "$CURR"' EXIT INT TERM

scan() {
  find "$ROOT" -type f -exec stat -c '%n|%Y|%s' {} \; 2>/dev/null | grep -v '"' | sort
}

scan > "$PREV"
printf '{"type":"ready"}\n'

while :; do
  sleep "$INTERVAL"
  scan > "$CURR"
  awk -F'|' '
    NR==FNR { prev[$1] = $2 "|" $3; next }
    {
      if (!($1 in prev))
        printf("{\"type\":\"add\",\"path\":\"%s\",\"size\":%s}\n", $1, $3)
      else if (prev[$1] != $2 "|" $3)
        printf("{\"type\":\"change\",\"path\":\"%s\",\"size\":%s}\n", $1, $3)
      seen[$1] = 1
    }
    END {
      for (p in prev)
        if (!(p in seen))
          printf("{\"type\":\"unlink\",\"path\":\"%s\"}\n", p)
    }' "$PREV" "$CURR"
  cp "$CURR" "$PREV"
done
`

// InstallScripts writes the helper scripts into the sandbox APP_DIR and
// marks them executable. Called by providers after sandbox creation.
func InstallScripts(ctx context.Context, sb Sandbox) error {
	binDir := path.Join(sb.GetBasePaths().AppDir, "bin")
	if err := sb.CreateDirectory(ctx, binDir); err != nil {
		return fmt.Errorf("failed to create script directory: %w", err)
	}

	scriptPath := path.Join(binDir, WatchScriptName)
	if err := sb.WriteFile(ctx, scriptPath, watchScript); err != nil {
		return fmt.Errorf("failed to install %s: %w", WatchScriptName, err)
	}

	proc, err := sb.Exec(ctx, []string{"chmod", "+x", scriptPath})
	if err != nil {
		return fmt.Errorf("failed to chmod %s: %w", WatchScriptName, err)
	}
	if err := proc.Wait(ctx); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", WatchScriptName, err)
	}
	return nil
}

// WatchScriptPath returns the installed path of the watcher helper.
func WatchScriptPath(paths BasePaths) string {
	return path.Join(paths.AppDir, "bin", WatchScriptName)
}
