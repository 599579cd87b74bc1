package main

import (
    "log"

    "github.com/spf13/cobra"

    gridcli "github.com/amirimatin/go-gridstate/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "gridctl",
        Short:         "grid cluster management CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    gridcli.AddAll(root)
    return root
}
