//go:build !linux

package congestion

import (
	"os"
	"testing"
)

func Test_Set(t *testing.T) {
	// This is unsupported on non-Linux systems.
	err := Set(&os.File{}, "")
	if err != ErrNoSupport {
		t.Errorf("expected ErrNoSupport, got: %v", err)
	}
}

func Test_Get(t *testing.T) {
	cc, err := Get(&os.File{})
	if cc != "" {
		t.Errorf("unexpected value %q", cc)
	}
	if err != ErrNoSupport {
		t.Errorf("expected ErrNoSupport, got: %v", err)
	}
}
