package scriptengine

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/kandev/sessiond/internal/common/coreerr"
)

// ExecutionRequest describes a single setup/test script invocation.
type ExecutionRequest struct {
	Script     string
	WorkingDir string
	Timeout    time.Duration
	ScriptType string // "setup" or "test", used only for error messages
}

// ExecutionResult carries the captured output of a completed script run.
type ExecutionResult struct {
	ExitCode int
	Output   string
}

// Run executes req.Script with /bin/sh -c in req.WorkingDir, in the same
// os/exec style internal/repoclone/clone.go uses for git: stdout and stderr
// captured together, a context bounded by req.Timeout when it is set, and
// the process's own environment unchanged.
func Run(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if req.Script == "" {
		return &ExecutionResult{}, nil
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", req.Script)
	cmd.Dir = req.WorkingDir
	cmd.Env = os.Environ()

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	result := &ExecutionResult{Output: buf.String()}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		return result, coreerr.Wrap(coreerr.ProvisioningFailed, req.ScriptType+" script failed: "+result.Output, err)
	}
	return result, nil
}
