package xid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewUsesPrefix(t *testing.T) {
	id := New("kpi")
	require.True(t, strings.HasPrefix(id, "kpi_"), id)
	require.Len(t, id, len("kpi_")+26)
}

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := New("ds")
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}
