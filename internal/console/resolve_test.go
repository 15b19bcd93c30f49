package console_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/peercall/internal/console"
)

func TestResolver(t *testing.T) {
	t.Parallel()

	peers := []string{"alice", "bob", "bobby"}
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{name: "exact beats prefix", input: "bob", want: "bob"},
		{name: "unique prefix", input: "ali", want: "alice"},
		{name: "prefix ignores case", input: "ALI", want: "alice"},
		{name: "ambiguous prefix", input: "bo", wantErr: console.ErrAmbiguous},
		{name: "transposed letters", input: "alcie", want: "alice"},
		{name: "unrelated", input: "zed", wantErr: console.ErrNoMatch},
		{name: "empty", input: "  ", wantErr: console.ErrNoMatch},
	}
	r := console.NewResolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := r.Resolve(tt.input, peers)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve(%q) err = %v, want %v", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestResolver_NoCandidates(t *testing.T) {
	t.Parallel()

	if _, err := console.NewResolver().Resolve("alice", nil); !errors.Is(err, console.ErrNoMatch) {
		t.Errorf("Resolve with no peers: err = %v, want ErrNoMatch", err)
	}
}

func TestResolver_StrictThresholds(t *testing.T) {
	t.Parallel()

	r := console.NewResolver(console.WithPhoneticThreshold(1.01), console.WithFuzzyThreshold(1.01))
	if _, err := r.Resolve("alcie", []string{"alice"}); !errors.Is(err, console.ErrNoMatch) {
		t.Errorf("Resolve(alcie) err = %v, want ErrNoMatch with unreachable thresholds", err)
	}
	// Prefix matching does not depend on thresholds.
	if got, err := r.Resolve("al", []string{"alice"}); err != nil || got != "alice" {
		t.Errorf("Resolve(al) = %q, %v", got, err)
	}
}
