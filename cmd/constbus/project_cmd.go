package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/constbus/pkg/stability"
)

// runProjectCmd implements `constbus project`.
//
// Reads a GovernanceWeightMatrix as JSON and prints the projection.
//
// Exit codes:
//
//	0 = projection converged
//	1 = projection did not converge (result still printed)
//	2 = input or runtime error
func runProjectCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("project", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var in string
	cmd.StringVar(&in, "in", "-", "Path to matrix JSON, - for stdin")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	r := stdin
	if in != "-" {
		f, err := os.Open(in)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		defer f.Close()
		r = f
	}

	var m stability.GovernanceWeightMatrix
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid matrix JSON: %v\n", err)
		return 2
	}
	p, err := stability.Project(m)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	data, _ := json.MarshalIndent(p, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	if err := p.NonConvergence(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Warning: %v\n", err)
		return 1
	}
	return 0
}
