package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"kiln/internal/link"
	"kiln/internal/target"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List supported targets",
	Args:  cobra.NoArgs,
	RunE:  runTargets,
}

type targetRow struct {
	triple  string
	pointer int
	flavor  string
	format  string
}

func runTargets(cmd *cobra.Command, _ []string) error {
	rows, err := collectTargets(target.Supported())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	header := lipgloss.NewStyle().Bold(true)
	fmt.Fprintln(out, header.Render(fmt.Sprintf("%-28s %-8s %-8s %s", "TRIPLE", "POINTER", "LINKER", "FORMAT")))
	for _, r := range rows {
		fmt.Fprintf(out, "%-28s %-8d %-8s %s\n", r.triple, r.pointer, r.flavor, r.format)
	}
	return nil
}

// collectTargets builds a machine per triple to report its real data
// layout.
func collectTargets(triples []target.Triple) ([]targetRow, error) {
	rows := make([]targetRow, 0, len(triples))
	for _, t := range triples {
		row, err := describeTarget(t)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func describeTarget(t target.Triple) (targetRow, error) {
	m, err := target.CreateFromDescriptor(target.Descriptor{Triple: t.String()})
	if err != nil {
		return targetRow{}, err
	}
	defer func() { _ = m.Dispose() }()
	dl, err := m.DataLayout()
	if err != nil {
		return targetRow{}, err
	}
	defer func() { _ = dl.Dispose() }()
	flavor, err := link.FlavorFor(t)
	if err != nil {
		return targetRow{}, err
	}
	return targetRow{
		triple:  t.String(),
		pointer: dl.PointerSize(),
		flavor:  flavor.String(),
		format:  string(flavor.Format()),
	}, nil
}
