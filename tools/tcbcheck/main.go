// Package main implements an import layering linter.
//
// The constitutional core (contracts, constitution, errors, hashing and the
// stability projector) must stay free of transport, storage and cloud
// packages, and the decision components must not reach up into the bus,
// the ledger or the orchestrator.
//
// Usage:
//
//	go run ./tools/tcbcheck [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const modulePath = "github.com/Mindburn-Labs/constbus/"

// rule forbids packages under Dirs from importing anything containing one
// of Forbidden.
type rule struct {
	Dirs      []string
	Forbidden []string
}

var (
	corePackages = []string{
		"pkg/contracts", "pkg/constitution", "pkg/errorir", "pkg/merkle",
		"pkg/stability", "pkg/canonicalize", "pkg/retry", "pkg/resiliency",
	}
	upperPackages = []string{modulePath + "pkg/bus", modulePath + "pkg/audit", modulePath + "pkg/workflow"}

	defaultRules = []rule{
		{
			Dirs: corePackages,
			Forbidden: append([]string{
				modulePath + "pkg/routing", modulePath + "pkg/validation", modulePath + "pkg/registry",
				"database/sql", "net/http", "cloud.google.com/", "github.com/aws/", "github.com/redis/",
			}, upperPackages...),
		},
		{
			Dirs:      []string{"pkg/validation", "pkg/routing", "pkg/registry"},
			Forbidden: upperPackages,
		},
	}
)

type violation struct {
	File   string
	Line   int
	Import string
	Rule   string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d imports %q (forbidden: %q)", v.File, v.Line, v.Import, v.Rule)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tcbcheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("root", ".", "Project root directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	violations, err := check(*root, defaultRules)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 2
	}
	for _, v := range violations {
		_, _ = fmt.Fprintf(stdout, "LAYER VIOLATION: %s\n", v)
	}
	if len(violations) > 0 {
		_, _ = fmt.Fprintf(stdout, "\n%d layering violation(s) found\n", len(violations))
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "Layering check passed")
	return 0
}

// check parses the imports of every non-test Go file under each rule's
// directories. Missing directories are skipped.
func check(root string, rules []rule) ([]violation, error) {
	var out []violation
	fset := token.NewFileSet()
	for _, r := range rules {
		for _, dir := range r.Dirs {
			base := filepath.Join(root, filepath.FromSlash(dir))
			if _, err := os.Stat(base); os.IsNotExist(err) {
				continue
			}
			err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if info.IsDir() {
					if info.Name() == "testdata" {
						return filepath.SkipDir
					}
					return nil
				}
				if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
					return nil
				}
				f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
				if err != nil {
					return fmt.Errorf("parse %s: %w", path, err)
				}
				for _, imp := range f.Imports {
					p := strings.Trim(imp.Path.Value, `"`)
					for _, frag := range r.Forbidden {
						if strings.Contains(p, frag) {
							rel, _ := filepath.Rel(root, path)
							out = append(out, violation{
								File:   filepath.ToSlash(rel),
								Line:   fset.Position(imp.Pos()).Line,
								Import: p,
								Rule:   frag,
							})
						}
					}
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out, nil
}
