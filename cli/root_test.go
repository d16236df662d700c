package cli

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-dev/rivetkit-go/config"
)

func TestOpenFactorySelectsMemory(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Driver = "memory"
	cfg.Storage.WorkerPollInterval = 20 * time.Millisecond

	f, err := openFactory(context.Background(), cfg, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	defer f.Close()

	ns, err := f.Namespace("probe")
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, ns.WorkerPollInterval())
}

func TestOpenFactoryBoltRoundTrip(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Driver = "bolt"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "cli.db")

	f, err := openFactory(context.Background(), cfg, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	defer f.Close()

	ns, err := f.Namespace("probe")
	require.NoError(t, err)
	require.NoError(t, ns.Set(context.Background(), []byte("k"), []byte("v")))
	got, err := ns.Get(context.Background(), []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestSetupLoggerParsesLevel(t *testing.T) {
	entry := setupLogger(config.LoggingConfig{Level: "debug", Format: "text"})
	assert.Equal(t, logrus.DebugLevel, entry.Logger.GetLevel())

	entry = setupLogger(config.LoggingConfig{Level: "nonsense"})
	assert.Equal(t, logrus.InfoLevel, entry.Logger.GetLevel())
}
