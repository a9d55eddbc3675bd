package main

import (
	"context"
	"flag"
	"testing"

	"github.com/google/subcommands"
	"github.com/stretchr/testify/assert"
)

func TestCommandsAreWellFormed(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range commands {
		assert.False(t, seen[c.Name()], "duplicate command %q", c.Name())
		seen[c.Name()] = true
		assert.Regexp(t, "^kpictl "+c.Name(), c.Usage())
		assert.NotEmpty(t, c.Synopsis(), "command %q has no synopsis", c.Name())
	}
}

func TestRequiredFlagsAreEnforced(t *testing.T) {
	cases := []subcommands.Command{&bootstrapAdminCmd{}, &importCmd{org: "org_1"}}
	for _, c := range cases {
		fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
		assert.Equal(t, subcommands.ExitUsageError, c.Execute(context.Background(), fs), c.Name())
	}
}
