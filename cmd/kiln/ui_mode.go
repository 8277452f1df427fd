package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// wantTUI reads --ui. With "auto" the progress view runs only when the
// command writes to a terminal and --quiet is off.
func wantTUI(cmd *cobra.Command) (bool, error) {
	value, err := cmd.Flags().GetString("ui")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	case "", "auto":
		f, ok := cmd.OutOrStdout().(*os.File)
		return ok && isTerminal(f) && !quiet(cmd), nil
	}
	return false, fmt.Errorf("invalid --ui value %q (expected auto|on|off)", value)
}
