package frames

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameIDsIncrease(t *testing.T) {
	a := NewTranscriptionFrame(RoleUser, "hi", true)
	b := NewTranscriptionFrame(RoleUser, "hi", true)
	assert.Greater(t, b.ID(), a.ID())
}

func TestCategories(t *testing.T) {
	assert.Equal(t, SystemCategory, CategoryOf(NewCallStartFrame("s")))
	assert.Equal(t, SystemCategory, CategoryOf(NewErrorFrame(assert.AnError)))
	assert.Equal(t, ControlCategory, CategoryOf(NewSpeechStartedFrame(RoleUnknown)))
	assert.Equal(t, ControlCategory, CategoryOf(NewPhaseFrame("listening")))
	assert.Equal(t, DataCategory, CategoryOf(NewAudioFrame(nil, 16000, 1)))
	assert.Equal(t, DataCategory, CategoryOf(NewTurnFrame("t", RoleAgent, "ok", NewBaseFrame("x").PTS())))
}

func TestFatalErrorFrame(t *testing.T) {
	f := NewFatalErrorFrame(assert.AnError)
	assert.True(t, f.Fatal)
	assert.ErrorIs(t, f.Error, assert.AnError)
	assert.False(t, NewErrorFrame(assert.AnError).Fatal)
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "unknown", RoleUnknown.String())
	assert.Equal(t, "assistant", RoleAgent.String())
}
