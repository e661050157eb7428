package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrchat/internal/config"
	"github.com/ryandielhenn/zephyrchat/pkg/feed"
	"github.com/ryandielhenn/zephyrchat/pkg/peer"
	"github.com/ryandielhenn/zephyrchat/pkg/taskqueue"
)

func TestLoadSigner_FromSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	seed := "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f\n"
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	a, err := loadSigner(path)
	require.NoError(t, err)
	b, err := loadSigner(path)
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey(), b.PublicKey())

	require.NoError(t, os.WriteFile(path, []byte("zz"), 0o600))
	_, err = loadSigner(path)
	assert.Error(t, err)
}

func TestPeerConfig_BuildsRunnablePeer(t *testing.T) {
	cfg := config.Default()
	signer, err := loadSigner("")
	require.NoError(t, err)

	pcfg, err := peerConfig(cfg, signer)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.ModeAsync, pcfg.QueueMode)
	assert.Equal(t, 3, pcfg.Retry.Attempts)

	p, err := peer.New(feed.NewMemory(), pcfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.Polling.MessageInterval, p.PollInterval())
}

func TestRootCmd_FlagsReachConfig(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--topic", "ops", "--etcd", "http://a:2379,http://b:2379"}))

	v, err := config.New("")
	require.NoError(t, err)
	require.NoError(t, bindFlags(v, cmd))
	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, "ops", cfg.Peer.Topic)
	assert.Equal(t, []string{"http://a:2379", "http://b:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, "anonymous", cfg.Peer.Name)
}
