package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCurrent(t *testing.T) {
	info := Current()
	assert.True(t, strings.HasPrefix(info.Diffsync, DSCoreSemVer))
	assert.Equal(t, StoreProtocol.Uint64(), info.StoreProtocol)
	assert.Equal(t, FeederProtocol.Uint64(), info.FeederProtocol)
}
