package engine

import (
	"reflect"
	"testing"
)

func TestConstructEnvs(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]string
		want EnvVars
	}{
		{
			name: "empty input",
			in:   map[string]string{},
			want: EnvVars{},
		},
		{
			name: "single env var",
			in:   map[string]string{"FOO": "bar"},
			want: EnvVars{"FOO=bar"},
		},
		{
			name: "multiple env vars are sorted",
			in: map[string]string{
				"FOO": "bar",
				"BAZ": "qux",
			},
			want: EnvVars{"BAZ=qux", "FOO=bar"},
		},
		{
			name: "nil map",
			in:   nil,
			want: EnvVars{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConstructEnvs(tt.in)

			if got == nil {
				got = EnvVars{}
			}

			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ConstructEnvs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAddEnv(t *testing.T) {
	ev := EnvVars{}
	ev.AddEnv("FOO", "bar")
	ev.AddEnv("BAZ", "qux")

	want := EnvVars{"FOO=bar", "BAZ=qux"}
	if !reflect.DeepEqual(ev, want) {
		t.Errorf("AddEnv result = %v, want %v", ev, want)
	}
}

func TestMerge(t *testing.T) {
	ev := EnvVars{"PATH=/bin"}
	ev.Merge(map[string]string{"A": "1"}, map[string]string{"A": "2"})

	want := EnvVars{"PATH=/bin", "A=1", "A=2"}
	if !reflect.DeepEqual(ev, want) {
		t.Errorf("Merge result = %v, want %v", ev, want)
	}
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(&CommandError{ExitCode: 3}); got != 3 {
		t.Errorf("ExitCode = %d, want 3", got)
	}
	if got := ExitCode(ErrTimedOut); got != -1 {
		t.Errorf("ExitCode = %d, want -1", got)
	}
}
