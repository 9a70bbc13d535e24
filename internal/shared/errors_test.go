package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesKindAndCode(t *testing.T) {
	err := Conflict("already_canceled", "transfer already canceled")
	wrapped := fmt.Errorf("cancel: %w", err)

	require.ErrorIs(t, wrapped, ErrConflict)
	require.ErrorIs(t, wrapped, err)
	require.NotErrorIs(t, wrapped, ErrValidation)
	require.NotErrorIs(t, wrapped, Conflict("already_void", "other"))
}

func TestWithIDsCopies(t *testing.T) {
	base := NotFound("order_not_found", "order not found")
	withIDs := base.WithIDs(3, 7)

	require.Empty(t, base.IDs)
	require.Equal(t, []int64{3, 7}, withIDs.IDs)
	require.Equal(t, "order not found [3 7]", withIDs.Error())
	require.ErrorIs(t, withIDs, base)
}

func TestAsError(t *testing.T) {
	e, ok := AsError(fmt.Errorf("outer: %w", Forbidden("branch_scope", "no")))
	require.True(t, ok)
	require.Equal(t, KindForbidden, e.Kind)
	require.Equal(t, "forbidden", e.Kind.String())

	_, ok = AsError(errors.New("plain"))
	require.False(t, ok)
}

func TestActorBranchScope(t *testing.T) {
	branch := int64(5)
	scoped := Actor{ID: 9, BranchID: &branch}
	head := Actor{ID: 1}

	require.NoError(t, scoped.RequireBranch(5))
	require.ErrorIs(t, scoped.RequireBranch(6), ErrForbidden)
	require.NoError(t, head.RequireBranch(6))
	require.ErrorIs(t, Actor{}.Validate(), ErrActorRequired)
}
