package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"tangled.org/spindle/spindle/engine"
	"tangled.org/spindle/spindle/models"
)

var versionRe = regexp.MustCompile(`\d+(\.\d+)*`)

// tools that print their version with a subcommand instead of --version
var versionArgs = map[string][]string{
	"go": {"version"},
}

// aliases linked next to the provisioned binary
var aliases = map[string][]string{
	"python": {"python3"},
}

const pipShim = `#!/bin/sh
exec %q -m pip "$@"
`

// setup finds an installed binary of the requested tool version and links
// it into the instance's tool directory, which leads PATH for later steps.
func (e *Engine) setup(ctx context.Context, inst *instance, step models.Step, idx int, logger *models.JobLogger) error {
	out := logger.DataWriter(idx, "stdout")
	defer out.Flush()

	bin, version, err := findTool(ctx, step.Tool, step.Version)
	if err != nil {
		return err
	}

	for _, name := range append([]string{step.Tool}, aliases[step.Tool]...) {
		link := filepath.Join(inst.bin, name)
		os.Remove(link)
		if err := os.Symlink(bin, link); err != nil {
			return fmt.Errorf("linking %s: %w", name, err)
		}
	}

	if step.Tool == "python" {
		for _, name := range []string{"pip", "pip3"} {
			shim := fmt.Sprintf(pipShim, bin)
			if err := os.WriteFile(filepath.Join(inst.bin, name), []byte(shim), 0o755); err != nil {
				return fmt.Errorf("writing %s shim: %w", name, err)
			}
		}
	}

	fmt.Fprintf(out, "using %s %s from %s\n", step.Tool, version, bin)
	return nil
}

// findTool looks for tool on PATH, preferring version specific names like
// python3.9 over generic ones.
func findTool(ctx context.Context, tool, want string) (path, version string, err error) {
	want = strings.TrimSuffix(strings.TrimSpace(want), ".x")

	for _, name := range candidates(tool, want) {
		p, err := exec.LookPath(name)
		if err != nil {
			continue
		}

		v, err := toolVersion(ctx, tool, p)
		if err != nil {
			continue
		}
		if matchVersion(v, want) {
			return p, v, nil
		}
	}

	return "", "", fmt.Errorf("%w: %s %s not found on PATH", engine.ErrEnvironmentUnavailable, tool, want)
}

func candidates(tool, version string) []string {
	var names []string
	if version != "" {
		names = append(names, tool+version)
		if major, _, ok := strings.Cut(version, "."); ok {
			names = append(names, tool+major)
		}
	}
	return append(names, tool)
}

func toolVersion(ctx context.Context, tool, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	args, ok := versionArgs[tool]
	if !ok {
		args = []string{"--version"}
	}

	// some interpreters print their version on stderr
	out, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	if err != nil {
		return "", err
	}

	v := versionRe.FindString(string(out))
	if v == "" {
		return "", fmt.Errorf("no version in output of %s", path)
	}
	return v, nil
}

// matchVersion reports whether have satisfies want, where want may name
// only a prefix of the version components.
func matchVersion(have, want string) bool {
	return want == "" || have == want || strings.HasPrefix(have, want+".")
}
