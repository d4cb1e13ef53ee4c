package nudgematic

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piascik/liric/internal/timeutil"
)

// fakePIO simulates the USB-PIO board: after a move is commanded the settled
// line reads false for settlePolls input reads.
type fakePIO struct {
	mu          sync.Mutex
	outputs     []byte
	settlePolls int
	pending     int
	outputsErr  error
	inputsErr   error
	clock       *timeutil.MockClock
	advance     time.Duration
}

func (f *fakePIO) SetOutputs(pattern byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outputsErr != nil {
		return f.outputsErr
	}
	f.outputs = append(f.outputs, pattern)
	f.pending = f.settlePolls
	return nil
}

func (f *fakePIO) ReadInputs() (byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inputsErr != nil {
		return 0, f.inputsErr
	}
	if f.clock != nil {
		f.clock.Advance(f.advance)
	}
	if f.pending > 0 {
		f.pending--
		return 0x00, nil
	}
	return settledInputBit, nil
}

func (f *fakePIO) Close() error { return nil }

func TestParseOffsetSize(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want OffsetSize
	}{
		{"none", OffsetNone},
		{"small", OffsetSmall},
		{"large", OffsetLarge},
	} {
		got, err := ParseOffsetSize(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.in, got.String())
	}
	_, err := ParseOffsetSize("medium")
	assert.Error(t, err)
}

func TestSetPositionSettles(t *testing.T) {
	fake := &fakePIO{settlePolls: 3}
	c := New(fake, DefaultSettleTimeout, timeutil.RealClock{})
	require.NoError(t, c.SetOffsetSize(OffsetSmall))

	require.NoError(t, c.SetPosition(4))
	assert.Equal(t, 4, c.Position())
	assert.Equal(t, []byte{smallPatterns[4]}, fake.outputs)
}

func TestSetPositionLargePatterns(t *testing.T) {
	fake := &fakePIO{}
	c := New(fake, DefaultSettleTimeout, timeutil.RealClock{})
	require.NoError(t, c.SetOffsetSize(OffsetLarge))

	for i := 0; i < PositionCount; i++ {
		require.NoError(t, c.SetPosition(i))
	}
	assert.Equal(t, largePatterns[:], fake.outputs)
}

func TestSetPositionOffsetNoneStaysCentred(t *testing.T) {
	fake := &fakePIO{}
	c := New(fake, DefaultSettleTimeout, timeutil.RealClock{})
	require.NoError(t, c.SetOffsetSize(OffsetNone))

	require.NoError(t, c.SetPosition(0))
	require.NoError(t, c.SetPosition(5))
	assert.Equal(t, []byte{centrePattern, centrePattern}, fake.outputs)
	assert.Equal(t, 5, c.Position())
}

func TestSetPositionOutOfRange(t *testing.T) {
	fake := &fakePIO{}
	c := New(fake, DefaultSettleTimeout, timeutil.RealClock{})
	assert.Error(t, c.SetPosition(-1))
	assert.Error(t, c.SetPosition(PositionCount))
	assert.Empty(t, fake.outputs)
}

func TestSetPositionTimeout(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2024, 1, 15, 22, 0, 0, 0, time.UTC))
	fake := &fakePIO{settlePolls: 1 << 30, clock: clock, advance: time.Second}
	c := New(fake, 5*time.Second, clock)

	err := c.SetPosition(2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	// the stage is left reporting moving
	assert.Equal(t, -1, c.Position())
}

func TestSetPositionTransportErrors(t *testing.T) {
	fake := &fakePIO{outputsErr: errors.New("board gone")}
	c := New(fake, DefaultSettleTimeout, timeutil.RealClock{})
	assert.Error(t, c.SetPosition(1))

	fake = &fakePIO{inputsErr: errors.New("board gone")}
	c = New(fake, DefaultSettleTimeout, timeutil.RealClock{})
	assert.Error(t, c.SetPosition(1))
}

func TestPositionInitiallyMoving(t *testing.T) {
	c := New(&fakePIO{}, DefaultSettleTimeout, timeutil.RealClock{})
	assert.Equal(t, -1, c.Position())
}
