package runtime

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrintfBufferAppendAdvancesOffset(t *testing.T) {
	p := NewPrintfBuffer(64)
	require.False(t, p.Advanced())

	ok := p.Append([]byte("hello"))
	require.True(t, ok)
	require.True(t, p.Advanced())
}

func TestPrintfBufferAppendRejectsOverflow(t *testing.T) {
	p := NewPrintfBuffer(16)
	ok := p.Append(make([]byte, 32))
	require.False(t, ok)
	require.False(t, p.Advanced())
}

func TestPrintfBufferDrainResetsOffset(t *testing.T) {
	p := NewPrintfBuffer(64)
	require.True(t, p.Append([]byte("record")))

	p.Drain(slog.Default())
	require.False(t, p.Advanced())
}

func TestNewRuntimeAppliesOptions(t *testing.T) {
	r := New(WithThreadCap(4), WithPrintfBufferSize(128))
	require.Equal(t, 4, r.ThreadCap)
	require.NotNil(t, r.Printf)
	require.NotNil(t, r.Log)
}
