package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSession_AppendKeepsHistoryBounded(t *testing.T) {
	s := NewSession("user-1", 4, 2)

	for i := 0; i < 10; i++ {
		s.Append(Turn{
			ID:     fmt.Sprintf("t%d", i),
			At:     time.Now(),
			Input:  fmt.Sprintf("mensaje %d", i),
			Action: ActionDirectAnswer,
			Reply:  "ok",
		})
	}

	require.LessOrEqual(t, len(s.Turns), 4)
	require.NotEmpty(t, s.Summary, "overflow turns must fold into the summary")
	require.Equal(t, "t9", s.Turns[len(s.Turns)-1].ID)
	require.Equal(t, ActionDirectAnswer, s.LastIntent)
}

func TestSession_RecentReturnsNewestLast(t *testing.T) {
	s := NewSession("user-1", 10, 5)
	for i := 0; i < 5; i++ {
		s.Append(Turn{ID: fmt.Sprintf("t%d", i), Input: "x", Reply: "y"})
	}

	recent := s.Recent(2)
	require.Len(t, recent, 2)
	require.Equal(t, "t3", recent[0].ID)
	require.Equal(t, "t4", recent[1].ID)

	require.Len(t, s.Recent(0), 5)
	require.Len(t, s.Recent(100), 5)
}

func TestSplitQualifiedName(t *testing.T) {
	server, tool, ok := SplitQualifiedName("finanzas.registrar_transaccion")
	require.True(t, ok)
	require.Equal(t, "finanzas", server)
	require.Equal(t, "registrar_transaccion", tool)

	_, _, ok = SplitQualifiedName("sinpunto")
	require.False(t, ok)
	_, _, ok = SplitQualifiedName(".tool")
	require.False(t, ok)
	_, _, ok = SplitQualifiedName("server.")
	require.False(t, ok)
}
