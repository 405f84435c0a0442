package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the config preflight without executing the pipeline",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(_ *cobra.Command, _ []string) error {
	violations := cfg.Validate()
	if len(violations) == 0 {
		fmt.Println("config ok")
		return nil
	}

	for _, v := range violations {
		fmt.Printf("  - %s\n", v)
	}
	return eris.Errorf("config preflight failed with %d violation(s)", len(violations))
}
