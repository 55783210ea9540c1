package engine

import (
	"fmt"
	"maps"
	"slices"
)

type EnvVars []string

// ConstructEnvs converts a map of environment variables into a
// docker-friendly []string{"KEY=value", ...} slice, sorted by key.
func ConstructEnvs(envs map[string]string) EnvVars {
	var dockerEnvs EnvVars
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		dockerEnvs.AddEnv(k, envs[k])
	}
	return dockerEnvs
}

// Slice returns the EnvVar as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv adds a key=value string to the EnvVar.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}

// Merge layers the given maps over the variables already present; later
// maps win.
func (ev *EnvVars) Merge(envs ...map[string]string) {
	for _, m := range envs {
		for _, k := range slices.Sorted(maps.Keys(m)) {
			ev.AddEnv(k, m[k])
		}
	}
}
