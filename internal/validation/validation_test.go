package validation

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSample = errors.New("sample failure")

func TestError_Message(t *testing.T) {
	err := Errorf(errSample, "keystone", "%d hosts", 2)
	assert.Equal(t, "keystone: sample failure (2 hosts)", err.Error())

	assert.Equal(t, "sample failure", New(errSample, "").Error())
}

func TestError_MatchesSentinelThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("deploy: %w", New(errSample, "nova"))

	assert.ErrorIs(t, wrapped, errSample)
	assert.True(t, IsError(wrapped))
	assert.False(t, IsError(errSample))
}
