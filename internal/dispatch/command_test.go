package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/troupe/internal/model"
)

func TestCommandExecutor(t *testing.T) {
	exec := CommandExecutor{Argv: []string{"sh", "-c", `printf '%s/%s/%s:' "$TROUPE_ROLE" "$TROUPE_DEPTH" "$TROUPE_PARENT"; cat`}}
	ctx := withParent(WithDepth(context.Background(), 2), "w1")

	out, err := exec.Execute(ctx, Call{Role: model.RoleSubworker, Input: "scan pkg/a\n"})
	require.NoError(t, err)
	assert.Equal(t, "subworker/2/w1:scan pkg/a", out)
}

func TestCommandExecutor_Failures(t *testing.T) {
	_, err := CommandExecutor{}.Execute(context.Background(), Call{})
	assert.ErrorContains(t, err, "not configured")

	_, err = CommandExecutor{Argv: []string{"sh", "-c", "echo boom >&2; exit 3"}}.Execute(context.Background(), Call{})
	assert.ErrorContains(t, err, "boom")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = CommandExecutor{Argv: []string{"sleep", "5"}}.Execute(ctx, Call{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
