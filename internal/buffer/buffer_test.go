package buffer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillMono(s *Set, values []uint16) {
	copy(s.Mono(), values)
}

func TestAllocateValidation(t *testing.T) {
	_, err := New(0, 4)
	assert.Error(t, err)
	_, err = New(4, 0)
	assert.Error(t, err)
}

func TestAllocateReuseSameGeometry(t *testing.T) {
	s, err := New(4, 2)
	require.NoError(t, err)
	mono := s.Mono()
	require.NoError(t, s.Allocate(4, 2))
	// same geometry keeps the same underlying buffers
	assert.Same(t, &mono[0], &s.Mono()[0])

	require.NoError(t, s.Allocate(2, 2))
	assert.Equal(t, 4, s.PixelCount())
}

func TestCoaddAccumulateAndMean(t *testing.T) {
	s, err := New(2, 2)
	require.NoError(t, err)

	s.InitialiseCoadd()
	fillMono(s, []uint16{1, 2, 3, 4})
	s.AddMonoToCoadd()
	fillMono(s, []uint16{3, 4, 5, 6})
	s.AddMonoToCoadd()

	require.NoError(t, s.CreateMean(2))
	want := []float64{2, 3, 4, 5}
	if diff := cmp.Diff(want, s.Mean()); diff != "" {
		t.Errorf("mean image mismatch (-want +got):\n%s", diff)
	}
}

func TestInitialiseCoaddZeroes(t *testing.T) {
	s, err := New(2, 1)
	require.NoError(t, err)
	fillMono(s, []uint16{10, 10})
	s.InitialiseCoadd()
	s.AddMonoToCoadd()
	s.InitialiseCoadd()
	s.AddMonoToCoadd()
	require.NoError(t, s.CreateMean(1))
	assert.Equal(t, []float64{10, 10}, s.Mean())
}

func TestCreateMeanValidation(t *testing.T) {
	s, err := New(1, 1)
	require.NoError(t, err)
	assert.Error(t, s.CreateMean(0))
}

func TestMeanFlipX(t *testing.T) {
	s, err := New(3, 2)
	require.NoError(t, err)
	copy(s.Mean(), []float64{1, 2, 3, 4, 5, 6})
	s.MeanFlipX()
	assert.Equal(t, []float64{3, 2, 1, 6, 5, 4}, s.Mean())
}

func TestMeanFlipY(t *testing.T) {
	s, err := New(2, 3)
	require.NoError(t, err)
	copy(s.Mean(), []float64{1, 2, 3, 4, 5, 6})
	s.MeanFlipY()
	assert.Equal(t, []float64{5, 6, 3, 4, 1, 2}, s.Mean())

	// middle row of an odd height image does not move
}

func TestMeanSaturatedCoadds(t *testing.T) {
	// the accumulator must hold many full-scale 16-bit samples
	s, err := New(1, 1)
	require.NoError(t, err)
	s.InitialiseCoadd()
	fillMono(s, []uint16{65535})
	for i := 0; i < 1000; i++ {
		s.AddMonoToCoadd()
	}
	require.NoError(t, s.CreateMean(1000))
	assert.Equal(t, []float64{65535}, s.Mean())
}
