package cli

import (
	"github.com/keskad/zwctl/pkgs/app"
	"github.com/spf13/cobra"
)

func NewStartCommand(a *app.Controller) *cobra.Command {
	command := &cobra.Command{
		Use:   "start",
		Short: "Open the serial port, bring the controller up, and run until interrupted",
		RunE: func(command *cobra.Command, args []string) error {
			if err := a.Initialize(); err != nil {
				return err
			}
			return a.StartAction()
		},
	}
	return command
}
