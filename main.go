package main

import (
	"fmt"
	"os"

	"github.com/maestro-dev/maestro/internal/cmd"
	"github.com/maestro-dev/maestro/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		if errors.IsUserFacing(err) {
			fmt.Fprintf(os.Stderr, "%s: %v\n", errors.GetSeverity(err), err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
