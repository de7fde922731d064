package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/root-talis/revise/cmd/revise/revisecmd"
)

func main() {
	cmd := revisecmd.New()

	parser := flags.NewParser(cmd, flags.Default)
	parser.NamespaceDelimiter = "-"

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
