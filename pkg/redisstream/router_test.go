package redisstream

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestIsBusyGroup(t *testing.T) {
	require.True(t, IsBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")))
	require.False(t, IsBusyGroup(errors.New("ERR no such key")))
	require.False(t, IsBusyGroup(nil))
}

func TestBuildPublisherRequiresAddr(t *testing.T) {
	_, err := BuildPublisher(Settings{})
	require.Error(t, err)
}
