package main

import (
	"os"

	"github.com/Iron-Ham/claudio-ide/internal/cmd"
	"github.com/Iron-Ham/claudio-ide/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(errors.ExitCode(err))
	}
}
