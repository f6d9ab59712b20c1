package cmd

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckard-mcp/deckard/pkg/version"
)

func TestRootCommandWiring(t *testing.T) {
	root := NewRootCmd()
	assert.Equal(t, "deckard", root.Use)

	var names []string
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"daemon", "proxy", "init", "search", "status", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestRootHasConfigFlag(t *testing.T) {
	root := NewRootCmd()
	flag := root.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "", flag.DefValue)
}

func TestSearchFlagDefaults(t *testing.T) {
	root := NewRootCmd()
	search, _, err := root.Find([]string{"search"})
	require.NoError(t, err)

	assert.Equal(t, "10", search.Flags().Lookup("limit").DefValue)
	assert.Equal(t, "0", search.Flags().Lookup("offset").DefValue)
	assert.Equal(t, "false", search.Flags().Lookup("regex").DefValue)
	assert.NotNil(t, search.Flags().Lookup("exclude"))
	assert.NotNil(t, search.Flags().Lookup("type"))
}

func TestSearchRequiresQueryArg(t *testing.T) {
	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"search"})

	err := root.Execute()
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), version.Version)
}

func TestVersionCommandJSON(t *testing.T) {
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--json"})

	require.NoError(t, root.Execute())

	var info map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, version.Version, info["version"])
}

func TestDaemonSubcommands(t *testing.T) {
	root := NewRootCmd()
	daemonCmd, _, err := root.Find([]string{"daemon"})
	require.NoError(t, err)

	var names []string
	for _, sub := range daemonCmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "stop")
	assert.Contains(t, names, "status")
}
