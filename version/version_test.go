package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionInWorkingTree(t *testing.T) {
	// test binaries are built from the working tree
	assert.Equal(t, "dev", Version())
}
