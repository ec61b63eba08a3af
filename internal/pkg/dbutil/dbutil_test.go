package dbutil

import (
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func TestFinalizeRewritesLimitAndPlaceholders(t *testing.T) {
	query, args := Finalize("SELECT id FROM jobs WHERE status=? LIMIT ?,?", []interface{}{"INDEXED", 20, 10})
	require.Equal(t, "SELECT id FROM jobs WHERE status=$1 LIMIT $2 OFFSET $3", query)
	require.Equal(t, []interface{}{"INDEXED", 10, 20}, args)
}

func TestIsConflict(t *testing.T) {
	require.True(t, IsConflict(&pq.Error{Code: "23505"}))
	require.True(t, IsConflict(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	require.False(t, IsConflict(&pq.Error{Code: "23503"}))
	require.False(t, IsConflict(fmt.Errorf("boom")))
}
