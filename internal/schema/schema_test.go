package schema

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTree() *cobra.Command {
	noop := func(*cobra.Command, []string) error { return nil }
	root := &cobra.Command{Use: "solswap"}
	root.PersistentFlags().Bool("yes", false, "confirm")

	swap := &cobra.Command{Use: "swap", Short: "swap commands"}
	quote := &cobra.Command{Use: "quote", Short: "quote a swap", RunE: noop}
	quote.Flags().String("amount", "", "input amount")
	quote.Flags().Int("slippage-bps", 50, "slippage tolerance")
	_ = quote.MarkFlagRequired("amount")
	execute := &cobra.Command{Use: "execute", Short: "execute a swap", Aliases: []string{"exec"}, RunE: noop}
	swap.AddCommand(quote, execute)
	root.AddCommand(swap)
	return root
}

func TestBuildDescribesSubtree(t *testing.T) {
	doc, err := Build(testTree(), "swap quote", Options{})
	require.NoError(t, err)

	assert.Equal(t, "swap quote", doc.Path)
	assert.True(t, doc.Runnable)
	require.Len(t, doc.Flags, 2)
	byName := map[string]Flag{}
	for _, f := range doc.Flags {
		byName[f.Name] = f
	}
	assert.True(t, byName["amount"].Required)
	assert.False(t, byName["slippage-bps"].Required)
	assert.Equal(t, "50", byName["slippage-bps"].Default)

	require.Len(t, doc.GlobalFlags, 1)
	assert.Equal(t, "yes", doc.GlobalFlags[0].Name)
}

func TestBuildMarksMutatingByRelativePath(t *testing.T) {
	var seen []string
	doc, err := Build(testTree(), "swap", Options{Mutating: func(path string) bool {
		seen = append(seen, path)
		return path == "swap execute"
	}})
	require.NoError(t, err)

	assert.False(t, doc.Runnable)
	require.Len(t, doc.Subcommands, 2)
	for _, sub := range doc.Subcommands {
		assert.Equal(t, sub.Path == "swap execute", sub.Mutating, sub.Path)
	}
	assert.ElementsMatch(t, []string{"swap", "swap quote", "swap execute"}, seen)
}

func TestBuildRootCarriesExitCodes(t *testing.T) {
	doc, err := Build(testTree(), "", Options{ExitCodes: []ExitCode{{Code: 24, Type: "no_route"}}})
	require.NoError(t, err)
	assert.Equal(t, "", doc.Path)
	assert.Empty(t, doc.Flags, "root persistent flags are listed once, as global flags")
	assert.Equal(t, []ExitCode{{Code: 24, Type: "no_route"}}, doc.ExitCodes)
}

func TestBuildResolvesAliasesAndRejectsUnknown(t *testing.T) {
	doc, err := Build(testTree(), "swap exec", Options{})
	require.NoError(t, err)
	assert.Equal(t, "swap execute", doc.Path)

	_, err = Build(testTree(), "swap nope", Options{})
	assert.EqualError(t, err, "command not found: swap nope")
}
