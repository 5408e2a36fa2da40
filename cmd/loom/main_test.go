package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/app"
	_ "github.com/loomworks/loom/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	require.True(t, app.InTestMode())
	require.NotPanics(t, main)
}
