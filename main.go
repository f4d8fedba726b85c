package main

import (
	"os"

	"github.com/keskad/zwctl/pkgs/app"
	"github.com/keskad/zwctl/pkgs/cli"
	"github.com/keskad/zwctl/pkgs/output"
)

func main() {
	a := app.Controller{P: output.ConsolePrinter{}}
	cmd := cli.NewRootCommand(&a)
	args := os.Args
	if args != nil {
		args = args[1:]
		cmd.SetArgs(args)
	}
	err := cmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
