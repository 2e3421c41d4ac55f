package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTargetValidatorSchemes(t *testing.T) {
	v := NewTargetValidator(nil, nil)

	assert.NoError(t, v.Validate("http://api.example.com/users"))
	assert.NoError(t, v.Validate("https://api.example.com/users"))
	assert.Error(t, v.Validate("ftp://api.example.com/file"))
	assert.Error(t, v.Validate("file:///etc/passwd"))
	assert.Error(t, v.Validate("javascript:alert(1)"))
	assert.Error(t, v.Validate("://not-a-url"))
	assert.Error(t, v.Validate("https://"))
}

func TestTargetValidatorAllowList(t *testing.T) {
	v := NewTargetValidator([]string{"api.example.com", "*.trusted.io"}, nil)

	assert.NoError(t, v.Validate("https://api.example.com/v1"))
	assert.NoError(t, v.Validate("https://svc.trusted.io/v1"))
	assert.NoError(t, v.Validate("https://deep.svc.trusted.io/v1"))
	assert.Error(t, v.Validate("https://other.example.com/v1"))
	assert.Error(t, v.Validate("https://trusted.io.evil.net/v1"))
}

func TestTargetValidatorEmptyAllowListAllowsAll(t *testing.T) {
	v := NewTargetValidator(nil, nil)
	assert.NoError(t, v.Validate("https://anything.example.net/path"))
}

func TestTargetValidatorBlockedWins(t *testing.T) {
	// A host on both lists is rejected: the block list always wins.
	v := NewTargetValidator([]string{"*.example.com"}, []string{"internal.example.com"})

	assert.NoError(t, v.Validate("https://api.example.com/v1"))
	assert.Error(t, v.Validate("https://internal.example.com/v1"))
}

func TestTargetValidatorBlockedWildcard(t *testing.T) {
	v := NewTargetValidator(nil, []string{"*.internal"})

	assert.Error(t, v.Validate("http://db.internal/query"))
	assert.NoError(t, v.Validate("http://db.external/query"))
}

func TestTargetValidatorCaseInsensitiveHost(t *testing.T) {
	v := NewTargetValidator([]string{"api.example.com"}, nil)
	assert.NoError(t, v.Validate("https://API.Example.COM/v1"))
}
