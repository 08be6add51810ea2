package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Exec-based file operations shared by providers that expose a shell inside
// the sandbox. Write paths differ per provider (stdin transport), read paths
// do not.

// missingFileExit is the sentinel exit code for "file does not exist".
const missingFileExit = 44

// RunOutput executes argv and returns collected stdout plus the exit code.
func RunOutput(ctx context.Context, sb Sandbox, argv []string) (string, int, error) {
	proc, err := sb.Exec(ctx, argv)
	if err != nil {
		return "", -1, err
	}

	out, readErr := io.ReadAll(proc.Stdout())
	waitErr := proc.Wait(ctx)
	if readErr != nil {
		return "", proc.ExitCode(), readErr
	}
	if waitErr != nil && proc.ExitCode() < 0 {
		return string(out), -1, waitErr
	}
	return string(out), proc.ExitCode(), nil
}

// ExecReadFile reads a file via cat, returning nil when it does not exist.
func ExecReadFile(ctx context.Context, sb Sandbox, path string) (*string, error) {
	script := fmt.Sprintf(`if [ -f %s ]; then cat %s; else exit %d; fi`,
		shellQuote(path), shellQuote(path), missingFileExit)
	out, code, err := RunOutput(ctx, sb, []string{"sh", "-c", script})
	if err != nil {
		return nil, NewIOError("readFile", path, err)
	}
	switch code {
	case 0:
		return &out, nil
	case missingFileExit:
		return nil, nil
	default:
		return nil, NewIOError("readFile", path, fmt.Errorf("exit code %d", code))
	}
}

// ExecListFiles lists files under dir, optionally filtered by a shell glob.
// A missing directory yields an empty list.
func ExecListFiles(ctx context.Context, sb Sandbox, dir, pattern string) ([]string, error) {
	script := fmt.Sprintf(`[ -d %s ] || exit 0; find %s -type f`, shellQuote(dir), shellQuote(dir))
	if pattern != "" {
		script += fmt.Sprintf(` -name %s`, shellQuote(pattern))
	}
	out, code, err := RunOutput(ctx, sb, []string{"sh", "-c", script})
	if err != nil {
		return nil, NewIOError("listFiles", dir, err)
	}
	if code != 0 {
		return nil, NewIOError("listFiles", dir, fmt.Errorf("exit code %d", code))
	}

	var paths []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// ExecCreateDirectory runs mkdir -p.
func ExecCreateDirectory(ctx context.Context, sb Sandbox, path string) error {
	_, code, err := RunOutput(ctx, sb, []string{"mkdir", "-p", path})
	if err != nil {
		return NewIOError("createDirectory", path, err)
	}
	if code != 0 {
		return NewIOError("createDirectory", path, fmt.Errorf("exit code %d", code))
	}
	return nil
}

// shellQuote single-quotes s for safe interpolation into sh -c scripts.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
