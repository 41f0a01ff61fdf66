package artifact

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypeValid(t *testing.T) {
	for _, typ := range []Type{TypeJSON, TypeText, TypeImage, TypePlot, TypeLog} {
		require.True(t, typ.Valid(), string(typ))
	}
	require.False(t, Type("").Valid())
	require.False(t, Type("binary").Valid())
}

func TestFilterMatches(t *testing.T) {
	ref := Ref{ID: "a1", Type: TypePlot, Size: 512}

	require.True(t, Filter{}.Matches(ref))
	require.True(t, Filter{Type: TypePlot}.Matches(ref))
	require.False(t, Filter{Type: TypeText}.Matches(ref))
	require.True(t, Filter{MinSize: 512}.Matches(ref))
	require.False(t, Filter{MinSize: 513}.Matches(ref))
	require.True(t, Filter{MaxSize: 512}.Matches(ref))
	require.False(t, Filter{MaxSize: 511}.Matches(ref))
	require.True(t, Filter{Type: TypePlot, MinSize: 100, MaxSize: 1024}.Matches(ref))
}

func TestSizeLimitErrorMessage(t *testing.T) {
	err := &SizeLimitError{Size: 10, Limit: 4}
	require.Contains(t, err.Error(), "10")
	require.Contains(t, err.Error(), "4")
}
