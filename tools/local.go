// Package tools provides a set of local workspace tools (file reading,
// writing, listing, text search, and test execution) ready to register on a
// toolbox.Registry. All file access is confined to a root directory.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mwickett/ratchet/toolbox"
)

const (
	defaultReadLimit   = 2000
	defaultMaxMatches  = 100
	defaultTestTimeout = 2 * time.Minute
)

// Options tunes the registered tools.
type Options struct {
	// TestCommand is the command run_tests executes, relative to the root.
	// Defaults to {"go", "test", "./..."}.
	TestCommand []string
	// TestTimeout bounds one run_tests invocation. Defaults to 2 minutes.
	TestTimeout time.Duration
}

// Register adds the local workspace tools to reg, rooted at root. Paths in
// tool arguments are resolved relative to root and may not escape it.
func Register(reg *toolbox.Registry, root string, opts *Options) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("tools: resolve root: %w", err)
	}
	o := Options{
		TestCommand: []string{"go", "test", "./..."},
		TestTimeout: defaultTestTimeout,
	}
	if opts != nil {
		if len(opts.TestCommand) > 0 {
			o.TestCommand = opts.TestCommand
		}
		if opts.TestTimeout > 0 {
			o.TestTimeout = opts.TestTimeout
		}
	}

	ws := &workspace{root: absRoot, opts: o}
	for _, c := range []toolbox.Contract{
		ws.readFile(),
		ws.writeFile(),
		ws.listFiles(),
		ws.searchText(),
		ws.runTests(),
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

type workspace struct {
	root string
	opts Options
}

// resolve joins a relative path onto the root and rejects escapes.
func (w *workspace) resolve(rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative to the workspace: %s", rel)
	}
	abs := filepath.Clean(filepath.Join(w.root, rel))
	if abs != w.root && !strings.HasPrefix(abs, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace: %s", rel)
	}
	return abs, nil
}

func (w *workspace) readFile() toolbox.Contract {
	return toolbox.Contract{
		Name:        "read_file",
		Description: "Read a file from the workspace. Returns line-numbered content.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path relative to the workspace root.",
				},
				"offset": map[string]any{
					"type":        "integer",
					"description": "1-based line number to start reading from.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of lines to read. Default: 2000.",
				},
			},
			"required": []string{"path"},
		},
		Handler: func(ctx context.Context, arguments json.RawMessage) (string, error) {
			var args struct {
				Path   string `json:"path"`
				Offset int    `json:"offset"`
				Limit  int    `json:"limit"`
			}
			if err := json.Unmarshal(arguments, &args); err != nil {
				return "", err
			}
			path, err := w.resolve(args.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}

			lines := strings.Split(string(data), "\n")
			start := args.Offset
			if start < 1 {
				start = 1
			}
			if start > len(lines) {
				return "", fmt.Errorf("offset %d is past the end of %s (%d lines)", start, args.Path, len(lines))
			}
			limit := args.Limit
			if limit <= 0 {
				limit = defaultReadLimit
			}
			end := start - 1 + limit
			if end > len(lines) {
				end = len(lines)
			}

			var sb strings.Builder
			for i := start - 1; i < end; i++ {
				fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
			}
			return sb.String(), nil
		},
	}
}

func (w *workspace) writeFile() toolbox.Contract {
	return toolbox.Contract{
		Name:        "write_file",
		Description: "Write content to a file. Creates the file and parent directories if needed.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path relative to the workspace root.",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "The full file content to write.",
				},
			},
			"required": []string{"path", "content"},
		},
		Handler: func(ctx context.Context, arguments json.RawMessage) (string, error) {
			var args struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(arguments, &args); err != nil {
				return "", err
			}
			path, err := w.resolve(args.Path)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), args.Path), nil
		},
	}
}

func (w *workspace) listFiles() toolbox.Contract {
	return toolbox.Contract{
		Name:        "list_files",
		Description: "List the entries of a workspace directory. Directories carry a trailing slash.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Directory relative to the workspace root. Default: the root.",
				},
			},
		},
		Handler: func(ctx context.Context, arguments json.RawMessage) (string, error) {
			var args struct {
				Path string `json:"path"`
			}
			if len(arguments) > 0 {
				if err := json.Unmarshal(arguments, &args); err != nil {
					return "", err
				}
			}
			path, err := w.resolve(args.Path)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "(empty directory)", nil
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return strings.Join(names, "\n"), nil
		},
	}
}

func (w *workspace) searchText() toolbox.Contract {
	return toolbox.Contract{
		Name:        "search_text",
		Description: "Search workspace files for a regex pattern. Returns matching lines with file paths and line numbers.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Regex pattern to search for.",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Directory to search, relative to the root. Default: the root.",
				},
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum number of matching lines. Default: 100.",
				},
			},
			"required": []string{"pattern"},
		},
		Handler: func(ctx context.Context, arguments json.RawMessage) (string, error) {
			var args struct {
				Pattern    string `json:"pattern"`
				Path       string `json:"path"`
				MaxResults int    `json:"max_results"`
			}
			if err := json.Unmarshal(arguments, &args); err != nil {
				return "", err
			}
			re, err := regexp.Compile(args.Pattern)
			if err != nil {
				return "", fmt.Errorf("invalid pattern: %w", err)
			}
			base, err := w.resolve(args.Path)
			if err != nil {
				return "", err
			}
			maxResults := args.MaxResults
			if maxResults <= 0 {
				maxResults = defaultMaxMatches
			}

			var matches []string
			err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					if strings.HasPrefix(d.Name(), ".") && path != base {
						return filepath.SkipDir
					}
					return nil
				}
				if len(matches) >= maxResults {
					return filepath.SkipAll
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return nil // unreadable files are skipped, not fatal
				}
				rel, _ := filepath.Rel(w.root, path)
				for i, line := range strings.Split(string(data), "\n") {
					if re.MatchString(line) {
						matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, i+1, line))
						if len(matches) >= maxResults {
							break
						}
					}
				}
				return nil
			})
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No matches found.", nil
			}
			out := strings.Join(matches, "\n")
			if len(matches) >= maxResults {
				out += fmt.Sprintf("\n(stopped at %d results)", maxResults)
			}
			return out, nil
		},
	}
}

func (w *workspace) runTests() toolbox.Contract {
	return toolbox.Contract{
		Name:        "run_tests",
		Description: "Run the workspace test suite. Returns combined output and the exit status.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"args": map[string]any{
					"type":        "array",
					"description": "Extra arguments appended to the test command.",
				},
			},
		},
		Handler: func(ctx context.Context, arguments json.RawMessage) (string, error) {
			var args struct {
				Args []string `json:"args"`
			}
			if len(arguments) > 0 {
				if err := json.Unmarshal(arguments, &args); err != nil {
					return "", err
				}
			}

			ctx, cancel := context.WithTimeout(ctx, w.opts.TestTimeout)
			defer cancel()

			argv := append(append([]string{}, w.opts.TestCommand...), args.Args...)
			cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
			cmd.Dir = w.root
			output, err := cmd.CombinedOutput()

			var sb strings.Builder
			sb.Write(output)
			switch {
			case ctx.Err() == context.DeadlineExceeded:
				fmt.Fprintf(&sb, "\n[tests timed out after %s; partial output above]", w.opts.TestTimeout)
			case err != nil:
				if exitErr, ok := err.(*exec.ExitError); ok {
					fmt.Fprintf(&sb, "\n[exit code: %d]", exitErr.ExitCode())
				} else {
					return "", err
				}
			default:
				sb.WriteString("\n[all tests passed]")
			}
			return sb.String(), nil
		},
	}
}
