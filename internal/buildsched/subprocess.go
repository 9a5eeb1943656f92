package buildsched

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"hmr/internal/config"
)

// Subprocess returns a BuildFunc that invokes a whitelisted compiler
// binary as a build job (spec §4.1's build scheduler drives "build-tool
// subprocesses"). It refuses to construct a job for a binary outside
// execCfg.AllowedBinaries and forwards only the environment variables
// execCfg.AllowedEnvVars names, the single whitelist/env-filtering
// concern the teacher's build-environment helper unified behind one
// entry point rather than letting each caller assemble its own exec.Cmd.
func Subprocess(execCfg config.ExecutionConfig, dir, binary string, args ...string) (BuildFunc, error) {
	if !execCfg.IsBinaryAllowed(binary) {
		return nil, fmt.Errorf("buildsched: binary %q is not in the allowed_binaries whitelist", binary)
	}
	env := filteredEnv(execCfg.AllowedEnvVars)
	timeout := time.Duration(execCfg.DefaultTimeoutMS) * time.Millisecond

	return func(ctx context.Context) (interface{}, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		cmd := exec.CommandContext(ctx, binary, args...)
		cmd.Dir = dir
		cmd.Env = env
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("%s %v: %w: %s", binary, args, err, stderr.String())
		}
		return stdout.Bytes(), nil
	}, nil
}

// filteredEnv assembles a subprocess environment forwarding only the
// whitelisted variable names present in the host process's environment.
func filteredEnv(allowed []string) []string {
	env := make([]string, 0, len(allowed))
	for _, name := range allowed {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}
