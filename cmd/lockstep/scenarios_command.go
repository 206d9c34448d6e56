package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newScenariosCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List configured scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			tbl := newStatTable("", label("Name"), count("Streams"), label("Layout"), label("Description"))
			for _, sc := range cfg.Scenarios {
				streams := make([]string, 0, len(sc.Streams))
				for _, st := range sc.Streams {
					streams = append(streams, st.Name+"/"+st.Kind)
				}
				tbl.add(sc.Name, strconv.Itoa(len(sc.Streams)), strings.Join(streams, " "), sc.Description)
			}
			if tbl.empty() {
				fmt.Fprintln(cmd.OutOrStdout(), "No scenarios configured")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), tbl.render())
			return nil
		},
	}
}
