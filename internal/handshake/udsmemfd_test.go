package handshake

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/GoldsteinE/memequeue/internal/ringmap"
)

func TestUDSMemfdHandshakeAndFDExchange(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "q.sock")

	var owner, peer Result
	var ownerErr, peerErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		owner, ownerErr = UDSMemfd(sockPath, 1)
		if ownerErr == nil {
			ownerErr = owner.MarkReady()
		}
	}()
	go func() {
		defer wg.Done()
		peer, peerErr = UDSMemfd(sockPath, 1)
		if peerErr == nil {
			peerErr = peer.MarkReady()
		}
	}()
	wg.Wait()

	require.NoError(t, ownerErr)
	require.NoError(t, peerErr)
	defer owner.Close()
	defer peer.Close()

	require.NoError(t, peer.MarkReady())

	// Exactly one side should claim ownership.
	require.True(t, owner.IsOwner() != peer.IsOwner())
	require.Equal(t, ringmap.PageSize(), owner.QueueSize())
	require.Equal(t, owner.QueueSize(), peer.QueueSize())

	ownerExch := owner.(*udsMemfdResult)
	peerExch := peer.(*udsMemfdResult)

	var sendErr, recvErr error
	var gotFD int
	wg.Add(2)
	go func() {
		defer wg.Done()
		sendErr = ownerExch.SendFD(int(ownerExch.file.Fd()))
	}()
	go func() {
		defer wg.Done()
		gotFD, recvErr = peerExch.RecvFD()
	}()
	wg.Wait()

	require.NoError(t, sendErr)
	require.NoError(t, recvErr)
	require.Greater(t, gotFD, 0)
}
