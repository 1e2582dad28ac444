package testharness

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// BuildBinaries compiles the examrun and mockengine binaries into outputDir
// and returns their paths.
func BuildBinaries(ctx context.Context, projectRoot, outputDir string) (examrun, mockengine string, err error) {
	if projectRoot == "" || outputDir == "" {
		return "", "", fmt.Errorf("project root and output directory are required")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create output directory: %w", err)
	}

	examrun = filepath.Join(outputDir, "examrun")
	mockengine = filepath.Join(outputDir, "mockengine")

	for _, target := range []struct{ out, pkg string }{
		{examrun, "./cmd/examrun"},
		{mockengine, "./cmd/mockengine"},
	} {
		if err := goBuild(ctx, projectRoot, target.out, target.pkg); err != nil {
			return "", "", err
		}
	}
	return examrun, mockengine, nil
}

func goBuild(ctx context.Context, projectRoot, out, pkg string) error {
	cmd := exec.CommandContext(ctx, "go", "build", "-trimpath", "-o", out, pkg)
	cmd.Dir = projectRoot
	cmd.Env = mergeEnv(os.Environ(), map[string]string{"CGO_ENABLED": "0"})

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("go build %s failed: %w\n%s", pkg, err, output)
	}
	return nil
}

// setEnv replaces key in env, or appends it
func setEnv(env []string, key, value string) []string {
	for i, kv := range env {
		if name, _, ok := strings.Cut(kv, "="); ok && name == key {
			env[i] = key + "=" + value
			return env
		}
	}
	return append(env, key+"="+value)
}
