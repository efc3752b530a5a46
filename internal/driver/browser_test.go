package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-desktop/internal/action"
)

func TestExecuteRejectsUnknownKind(t *testing.T) {
	d := &Driver{}
	_, err := d.Execute(context.Background(), action.Action{Kind: action.Kind("teleport")})
	var unknown action.ErrUnknownKind
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "teleport", unknown.Kind)
}

func TestExecuteDoneIsNoOp(t *testing.T) {
	d := &Driver{}
	res, err := d.Execute(context.Background(), action.Action{Kind: action.Done})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestMapKey(t *testing.T) {
	cases := map[string]string{
		"escape":    "Escape",
		"esc":       "Escape",
		"ENTER":     "Enter",
		"left":      "ArrowLeft",
		"page_down": "PageDown",
		"ctrl":      "Control",
		"alt":       "Alt",
		"win":       "Meta",
		"F4":        "F4",
		"z":         "z",
	}
	for in, want := range cases {
		assert.Equal(t, want, mapKey(in), "key %q", in)
	}
}
