package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTree(t *testing.T) {
	app := newApp()

	var names []string
	for _, cmd := range app.Commands {
		names = append(names, cmd.Name)
		assert.NotNil(t, cmd.Action, cmd.Name)
	}
	assert.Equal(t, []string{"up", "down", "steps", "version", "force"}, names)

	var dbFlag bool
	for _, f := range app.Flags {
		for _, name := range f.Names() {
			if name == "database-url" {
				dbFlag = true
			}
		}
	}
	require.True(t, dbFlag)
}
