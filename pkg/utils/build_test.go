package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/mod/semver"
)

func TestVersionIsSemantic(t *testing.T) {
	assert.Truef(t, semver.IsValid(Version), "Version %s is not a valid semantic version", Version)
}

func TestUptime(t *testing.T) {
	assert.Positive(t, Uptime())
}
