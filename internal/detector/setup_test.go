package detector

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupStartup(t *testing.T) {
	grab := NewSimGrabber()
	s := NewSetup(grab, "/icc/config")

	require.NoError(t, s.Startup(1000))
	assert.Equal(t, "/icc/config/rap_1000ms.fmt", grab.FormatFile())
	assert.Equal(t, 640, s.SizeX())
	assert.Equal(t, 512, s.SizeY())

	// reconfiguring re-opens against the new format file
	require.NoError(t, s.Startup(100))
	assert.Equal(t, "/icc/config/rap_100ms.fmt", grab.FormatFile())

	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())
}

func TestSetupStartupOpenFails(t *testing.T) {
	grab := NewSimGrabber().SetOpenError(errors.New("driver not loaded"))
	s := NewSetup(grab, "/icc/config")
	assert.Error(t, s.Startup(1000))
}
