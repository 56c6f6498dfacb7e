package main

import (
	"errors"
	"fmt"
	"os"

	tberrors "timebrowse/internal/errors"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		var te *tberrors.TimebrowseError
		if errors.As(err, &te) {
			for _, fix := range te.SuggestedFixes {
				hint := fix.Description
				if fix.Command != "" {
					hint += ": " + fix.Command
				}
				fmt.Fprintln(os.Stderr, "  hint: "+hint)
			}
		}
		os.Exit(1)
	}
}
