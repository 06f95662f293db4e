package deopt

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fernlang/fern/bytecode"
	"github.com/fernlang/fern/errz"
)

func metadataWithState(fid bytecode.FuncID, offset int, threshold uint32) *Metadata {
	return NewMetadata(fid, map[int]*FrameState{
		offset: {Version: DescriptorVersion, Resume: 3},
	}, threshold)
}

func TestOnGuardFailure(t *testing.T) {
	m := NewManager(zerolog.Nop())
	m.Register(7, metadataWithState(7, 5, 3))

	state, res, err := m.OnGuardFailure(7, 5)
	require.NoError(t, err)
	require.Equal(t, 3, state.Resume)
	require.True(t, res.ShouldRecompile)
	require.False(t, res.ShouldGiveUp)
	require.Equal(t, uint32(1), m.DeoptCount(7))
}

func TestGiveUpAtThreshold(t *testing.T) {
	m := NewManager(zerolog.Nop())
	m.Register(0, metadataWithState(0, 0, 3))

	for i := 0; i < 2; i++ {
		_, res, err := m.OnGuardFailure(0, 0)
		require.NoError(t, err)
		require.False(t, res.ShouldGiveUp)
	}
	_, res, err := m.OnGuardFailure(0, 0)
	require.NoError(t, err)
	require.True(t, res.ShouldGiveUp)
	require.False(t, res.ShouldRecompile)

	// Once over the threshold, every subsequent failure still says give up.
	_, res, err = m.OnGuardFailure(0, 0)
	require.NoError(t, err)
	require.True(t, res.ShouldGiveUp)
}

// Recompiling a function publishes new metadata, but the deopt count is a
// property of the function: it must survive the swap or give-up would never
// trigger for a function that deopts once per compilation.
func TestDeoptCountSurvivesRecompilation(t *testing.T) {
	m := NewManager(zerolog.Nop())
	m.Register(2, metadataWithState(2, 0, 10))
	_, _, err := m.OnGuardFailure(2, 0)
	require.NoError(t, err)
	_, _, err = m.OnGuardFailure(2, 0)
	require.NoError(t, err)

	m.Register(2, metadataWithState(2, 9, 10))
	require.Equal(t, uint32(2), m.DeoptCount(2))

	_, _, err = m.OnGuardFailure(2, 9)
	require.NoError(t, err)
	require.Equal(t, uint32(3), m.DeoptCount(2))
}

func TestGuardFailureWithoutMetadata(t *testing.T) {
	m := NewManager(zerolog.Nop())
	_, _, err := m.OnGuardFailure(9, 0)
	require.True(t, errz.IsKind(err, errz.ErrInternal))

	m.Register(9, metadataWithState(9, 4, 0))
	_, _, err = m.OnGuardFailure(9, 99)
	require.True(t, errz.IsKind(err, errz.ErrInternal), "unknown native offset has no frame state")
}

func TestInvalidateClearsCount(t *testing.T) {
	m := NewManager(zerolog.Nop())
	m.Register(1, metadataWithState(1, 0, 10))
	_, _, err := m.OnGuardFailure(1, 0)
	require.NoError(t, err)

	m.Invalidate(1)
	require.Nil(t, m.Lookup(1))
	require.Equal(t, uint32(0), m.DeoptCount(1))

	m.Register(1, metadataWithState(1, 0, 10))
	require.Equal(t, uint32(0), m.DeoptCount(1), "invalidation resets the give-up clock")
}

func TestZeroThresholdUsesDefault(t *testing.T) {
	md := NewMetadata(0, nil, 0)
	require.Equal(t, uint32(DefaultGiveUpThreshold), md.threshold)
}
