package cli

import (
	"errors"

	"github.com/keskad/zwctl/pkgs/app"
	"github.com/spf13/cobra"
)

func NewRootCommand(a *app.Controller) *cobra.Command {
	command := &cobra.Command{
		Use:   "zwctl",
		Short: "Z-Wave controller runtime and CLI",
		RunE: func(command *cobra.Command, args []string) error {
			return errors.New("please select a command")
		},
	}

	command.PersistentFlags().BoolVarP(&a.Debug, "debug", "v", false, "Increase verbosity to the debug level")

	command.AddCommand(NewStartCommand(a))
	command.AddCommand(NewUnitsCommand(a))
	command.AddCommand(NewKeysCommand(a))

	return command
}
