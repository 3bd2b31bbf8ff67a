package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/constbus/pkg/merkle"
)

// runVerifyCmd implements `constbus verify`.
//
// Checks an inclusion proof, as returned by the ledger, against an
// independently obtained batch root.
//
// Exit codes:
//
//	0 = proof verifies
//	1 = proof does not verify
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		proofPath  string
		root       string
		jsonOutput bool
	)
	cmd.StringVar(&proofPath, "proof", "", "Path to inclusion proof JSON (REQUIRED)")
	cmd.StringVar(&root, "root", "", "Expected Merkle root, hex (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if proofPath == "" || root == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --proof and --root are required")
		return 2
	}

	data, err := os.ReadFile(proofPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var proof merkle.InclusionProof
	if err := json.Unmarshal(data, &proof); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid proof JSON: %v\n", err)
		return 2
	}

	ok := merkle.VerifyInclusionProof(proof, root)
	if jsonOutput {
		out, _ := json.Marshal(map[string]any{
			"verified":   ok,
			"leaf_index": proof.LeafIndex,
			"leaf_hash":  proof.LeafHash,
			"root":       root,
		})
		_, _ = fmt.Fprintln(stdout, string(out))
	} else if ok {
		_, _ = fmt.Fprintf(stdout, "OK: leaf %d is included under root %s\n", proof.LeafIndex, root)
	} else {
		_, _ = fmt.Fprintf(stdout, "FAIL: proof does not resolve to root %s\n", root)
	}
	if !ok {
		return 1
	}
	return 0
}
