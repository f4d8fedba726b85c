package cli

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/keskad/zwctl/pkgs/app"
	"github.com/spf13/cobra"
)

func NewUnitsCommand(a *app.Controller) *cobra.Command {
	command := &cobra.Command{
		Use:   "units",
		Short: "Inspect and drive bound units",
		RunE: func(command *cobra.Command, args []string) error {
			return errors.New("please select a command")
		},
	}

	command.AddCommand(newUnitsListCommand(a))
	command.AddCommand(newUnitsReadCommand(a))
	command.AddCommand(newUnitsWriteCommand(a))
	return command
}

func newUnitsListCommand(a *app.Controller) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the statically configured units",
		RunE: func(command *cobra.Command, args []string) error {
			if err := a.Initialize(); err != nil {
				return err
			}
			return a.UnitsListAction()
		},
	}
}

func newUnitsReadCommand(a *app.Controller) *cobra.Command {
	var settleMs uint32

	command := &cobra.Command{
		Use:   "read <node> <field>",
		Short: "Read a field from a bound unit",
		Args:  cobra.ExactArgs(2),
		RunE: func(command *cobra.Command, args []string) error {
			node, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			if err := a.Initialize(); err != nil {
				return err
			}
			return a.UnitsReadAction(node, args[1], time.Millisecond*time.Duration(settleMs))
		},
	}
	command.Flags().Uint32VarP(&settleMs, "settle", "", 500, "Time in milliseconds to wait for the reply before printing")
	return command
}

func newUnitsWriteCommand(a *app.Controller) *cobra.Command {
	return &cobra.Command{
		Use:   "write <node> <field> <value>",
		Short: "Write a field on a bound unit",
		Args:  cobra.ExactArgs(3),
		RunE: func(command *cobra.Command, args []string) error {
			node, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			if err := a.Initialize(); err != nil {
				return err
			}
			return a.UnitsWriteAction(node, args[1], args[2])
		},
	}
}

func parseNodeID(raw string) (uint8, error) {
	n, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", raw, err)
	}
	return uint8(n), nil
}
