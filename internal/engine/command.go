package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// waitDelay はキャンセル後に出力パイプの close を待つ上限です。
// 孫プロセスがパイプを掴んだままでも Wait がこの時間で戻ります。
const waitDelay = 2 * time.Second

func runCommand(ctx context.Context, engineName string, timeout time.Duration, path string, args ...string) (string, error) {
	if timeout <= 0 {
		return "", &EngineError{Engine: engineName, Reason: "timeout must be positive"}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	err := cmd.Run()
	if err == nil {
		return output.String(), nil
	}

	engErr := &EngineError{
		Engine: engineName,
		Output: output.String(),
		Err:    err,
	}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		engErr.TimedOut = true
		engErr.Reason = fmt.Sprintf("conversion exceeded %s", timeout)
	case ctx.Err() != nil:
		engErr.Reason = "conversion canceled"
	case errors.As(err, &exitErr):
		engErr.ExitCode = exitErr.ExitCode()
		engErr.Reason = "process exited with error"
	default:
		engErr.Reason = "failed to run process"
	}
	return "", engErr
}

func checkOutput(engineName, outputPath, processOutput string) error {
	info, err := os.Stat(outputPath)
	if err != nil {
		return &EngineError{Engine: engineName, Reason: "no output produced", Output: processOutput, Err: err}
	}
	if info.Size() == 0 {
		return &EngineError{Engine: engineName, Reason: "empty output produced", Output: processOutput}
	}
	return nil
}
