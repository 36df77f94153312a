package mlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

func TestSetLogLevelIgnoresUnknownSubsystem(t *testing.T) {
	require.NotPanics(t, func() { SetLogLevel("ZZZZ", "debug") })
}

func TestSetLogLevelsAppliesToEverySubsystem(t *testing.T) {
	SetLogLevels("trace")
	for _, logger := range subsystemLoggers {
		require.Equal(t, btclog.LevelTrace, logger.Level())
	}
}

func TestInitLogRotatorCreatesLogDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "coreminer.log")
	require.NoError(t, InitLogRotator(path))
	defer Close()

	_, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
}

func TestDisabledLoggerDiscardsCalls(t *testing.T) {
	l := Disabled()
	require.NotPanics(t, func() {
		l.Tracef("x")
		l.Debugf("x")
		l.Infof("x")
		l.Warnf("x")
		l.Errorf("x")
		l.Criticalf("x")
	})
}
