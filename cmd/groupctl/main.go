package main

import (
    "log"

    "github.com/spf13/cobra"

    groupcli "github.com/amirimatin/go-group/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "groupctl",
        Short:         "go-group channel runner and management CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    groupcli.AddAll(root)
    return root
}
