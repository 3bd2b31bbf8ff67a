// Command doccheck validates documentation integrity: relative markdown
// links and backticked source paths in the repository's markdown files
// must point at files that exist.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	linkRe    = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	fileRefRe = regexp.MustCompile("`((?:pkg|cmd|tools|examples)/[a-zA-Z0-9_./-]+\\.(?:go|yaml|yml|toml|json|md))`")
)

func main() {
	root := "."
	if len(os.Args) > 1 {
		root = os.Args[1]
	}
	os.Exit(run(root, os.Stdout, os.Stderr))
}

func run(root string, stdout, stderr io.Writer) int {
	docs, err := markdownFiles(root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "walk error: %v\n", err)
		return 1
	}

	var issues []string
	for _, path := range docs {
		found, err := checkFile(root, path)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "read error: %v\n", err)
			return 1
		}
		issues = append(issues, found...)
	}

	if len(issues) > 0 {
		_, _ = fmt.Fprintln(stdout, "Documentation issues found:")
		for _, issue := range issues {
			_, _ = fmt.Fprintln(stdout, "  ", issue)
		}
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "Documentation check passed.")
	return 0
}

// markdownFiles returns the root-level markdown files plus everything
// under docs/.
func markdownFiles(root string) ([]string, error) {
	out, err := filepath.Glob(filepath.Join(root, "*.md"))
	if err != nil {
		return nil, err
	}
	docsDir := filepath.Join(root, "docs")
	if _, err := os.Stat(docsDir); err == nil {
		err = filepath.Walk(docsDir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && strings.HasSuffix(path, ".md") {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func checkFile(root, path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var issues []string
	rel, _ := filepath.Rel(root, path)
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		for _, m := range linkRe.FindAllStringSubmatch(line, -1) {
			link := m[2]
			if strings.Contains(link, "://") || strings.HasPrefix(link, "#") || strings.HasPrefix(link, "mailto:") {
				continue
			}
			link, _, _ = strings.Cut(link, "#")
			if !exists(filepath.Join(filepath.Dir(path), link)) && !exists(filepath.Join(root, link)) {
				issues = append(issues, fmt.Sprintf("%s:%d: broken link %q", rel, lineNum, link))
			}
		}

		for _, m := range fileRefRe.FindAllStringSubmatch(line, -1) {
			if !exists(filepath.Join(root, m[1])) {
				issues = append(issues, fmt.Sprintf("%s:%d: file ref %q not found", rel, lineNum, m[1]))
			}
		}
	}
	return issues, scanner.Err()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
