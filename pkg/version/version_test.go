package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	b, c := Build, Commit
	defer func() { Build, Commit = b, c }()

	Build, Commit = "1.2.0", ""
	assert.Equal(t, "1.2.0", String())
	Commit = "abc123"
	assert.Equal(t, "1.2.0+abc123", String())
}
