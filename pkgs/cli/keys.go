package cli

import (
	"github.com/keskad/zwctl/pkgs/app"
	"github.com/spf13/cobra"
)

func NewKeysCommand(a *app.Controller) *cobra.Command {
	command := &cobra.Command{
		Use:   "keys",
		Short: "Manage the S0 network key",
	}
	command.AddCommand(newKeysSetCommand(a))
	return command
}

func newKeysSetCommand(a *app.Controller) *cobra.Command {
	return &cobra.Command{
		Use:   "set <hex>",
		Short: "Validate and print a new network key for .zwctl.yaml",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, args []string) error {
			if err := a.Initialize(); err != nil {
				return err
			}
			return a.KeysSetAction(args[0])
		},
	}
}
