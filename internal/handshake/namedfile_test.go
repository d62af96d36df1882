package handshake

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoldsteinE/memequeue/internal/ringmap"
)

func TestNamedFileOwnerThenPeer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.mem")

	owner, err := NamedFile(path, 1)
	require.NoError(t, err)
	defer owner.Close()

	require.True(t, owner.IsOwner())
	require.Equal(t, ringmap.PageSize(), owner.QueueSize())

	require.NoError(t, owner.MarkReady())

	peer, err := NamedFile(path, 1)
	require.NoError(t, err)
	defer peer.Close()

	require.False(t, peer.IsOwner())
	require.Equal(t, owner.QueueSize(), peer.QueueSize())
	require.NoError(t, peer.MarkReady())
}

func TestNamedFileMalformedSizeMatchesErrMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.mem")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(3))
	require.NoError(t, f.Close())

	// Hold the exclusive lock ourselves long enough for NamedFile to lose
	// the race and take the peer path, so it recovers this (too-small)
	// size instead of resizing the file as an owner would.
	fl := flock.New(path)
	locked, err := fl.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	errCh := make(chan error, 1)
	go func() {
		_, err := NamedFile(path, 1)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, fl.Unlock())

	err = <-errCh
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))

	var malformed *MalformedError
	require.True(t, errors.As(err, &malformed))
	assert.NotEmpty(t, malformed.Reason)
}

func TestNamedFileRoundsQueueSizeUpToPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.mem")

	owner, err := NamedFile(path, ringmap.PageSize()+1)
	require.NoError(t, err)
	defer owner.Close()

	require.Equal(t, 2*ringmap.PageSize(), owner.QueueSize())
}
