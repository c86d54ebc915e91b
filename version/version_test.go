package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModuleVersionFallsBack(t *testing.T) {
	// Test binaries carry no release version, so the static fallback wins.
	assert.Equal(t, Version, ModuleVersion())
}
