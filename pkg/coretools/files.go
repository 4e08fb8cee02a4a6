package coretools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/harun/turnloop/pkg/tools"
)

type readFileRequest struct {
	Path     string `mapstructure:"path"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

func readFileTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "read_file",
		Description: "Read a text file from the workspace.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "max_bytes", Type: "integer", Description: "Maximum bytes to read (default 200000)", Default: DefaultMaxReadBytes},
		},
		Handler: func(ctx context.Context, tc tools.Context, input map[string]any) (any, error) {
			var req readFileRequest
			if err := decode(input, &req); err != nil {
				return nil, err
			}
			root, err := resolveWorkspaceRoot(tc, opts)
			if err != nil {
				return nil, err
			}
			target, err := resolvePathInWorkspace(root, req.Path)
			if err != nil {
				return nil, err
			}

			data, truncated, err := readFileWithLimit(target, req.MaxBytes)
			if err != nil {
				return nil, err
			}

			output := string(data)
			if truncated {
				output += fmt.Sprintf("\n... [file truncated at %d bytes]", len(data))
			}
			return tools.Result{
				Success: true,
				Output:  output,
				Data: map[string]any{
					"path":      relative(root, target),
					"bytes":     len(data),
					"truncated": truncated,
				},
			}, nil
		},
	}
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, false, err
	}
	if info.IsDir() {
		return nil, false, fmt.Errorf("%s is a directory", filepath.Base(path))
	}

	if limit <= 0 {
		limit = DefaultMaxReadBytes
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}

	extra := make([]byte, 1)
	n, _ := file.Read(extra)
	return buf.Bytes(), n > 0, nil
}

type writeFileRequest struct {
	Path    string `mapstructure:"path"`
	Content string `mapstructure:"content"`
	Append  bool   `mapstructure:"append"`
}

func writeFileTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace, creating parent directories.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append instead of overwrite (default false)"},
		},
		Handler: func(ctx context.Context, tc tools.Context, input map[string]any) (any, error) {
			var req writeFileRequest
			if err := decode(input, &req); err != nil {
				return nil, err
			}
			root, err := resolveWorkspaceRoot(tc, opts)
			if err != nil {
				return nil, err
			}
			target, err := resolvePathInWorkspace(root, req.Path)
			if err != nil {
				return nil, err
			}

			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, err
			}

			flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if req.Append {
				flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			}
			file, err := os.OpenFile(target, flags, 0o644)
			if err != nil {
				return nil, err
			}
			if _, err := file.WriteString(req.Content); err != nil {
				file.Close()
				return nil, err
			}
			if err := file.Close(); err != nil {
				return nil, err
			}

			verb := "Wrote"
			if req.Append {
				verb = "Appended"
			}
			return fmt.Sprintf("%s %d bytes to %s", verb, len(req.Content), relative(root, target)), nil
		},
	}
}

type listDirectoryRequest struct {
	Path       string `mapstructure:"path"`
	Recursive  bool   `mapstructure:"recursive"`
	MaxEntries int    `mapstructure:"max_entries"`
}

func listDirectoryTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "list_directory",
		Description: "List files and directories in the workspace. Directories end with a slash.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "Directory relative to the workspace (default root)"},
			{Name: "recursive", Type: "boolean", Description: "Descend into subdirectories (default false)"},
			{Name: "max_entries", Type: "integer", Description: "Maximum entries to return (default 500)", Default: DefaultMaxEntries},
		},
		Handler: func(ctx context.Context, tc tools.Context, input map[string]any) (any, error) {
			var req listDirectoryRequest
			if err := decode(input, &req); err != nil {
				return nil, err
			}
			root, err := resolveWorkspaceRoot(tc, opts)
			if err != nil {
				return nil, err
			}
			dir, err := resolveOptionalPath(root, req.Path)
			if err != nil {
				return nil, err
			}
			limit := req.MaxEntries
			if limit <= 0 {
				limit = DefaultMaxEntries
			}

			entries, truncated, err := listDirectory(ctx, dir, req.Recursive, limit)
			if err != nil {
				return nil, err
			}
			if len(entries) == 0 {
				return "(empty directory)", nil
			}

			output := strings.Join(entries, "\n")
			if truncated {
				output += fmt.Sprintf("\n... [listing truncated at %d entries]", limit)
			}
			return output, nil
		},
	}
}

var errLimitReached = errors.New("limit reached")

func listDirectory(ctx context.Context, dir string, recursive bool, limit int) ([]string, bool, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, false, err
	}
	if !info.IsDir() {
		return nil, false, fmt.Errorf("%s is not a directory", filepath.Base(dir))
	}

	var entries []string
	truncated := false
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == dir {
			return nil
		}
		if len(entries) >= limit {
			truncated = true
			return errLimitReached
		}

		name := relative(dir, path)
		if d.IsDir() {
			entries = append(entries, name+"/")
			if !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		entries = append(entries, name)
		return nil
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return nil, false, err
	}

	sort.Strings(entries)
	return entries, truncated, nil
}

type searchFilesRequest struct {
	Pattern         string `mapstructure:"pattern"`
	Path            string `mapstructure:"path"`
	Include         string `mapstructure:"include"`
	CaseInsensitive bool   `mapstructure:"case_insensitive"`
	MaxResults      int    `mapstructure:"max_results"`
}

func searchFilesTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "search_files",
		Description: "Search file contents in the workspace with a regular expression. Returns path:line: text matches.",
		Parameters: []tools.Parameter{
			{Name: "pattern", Type: "string", Description: "Regular expression (RE2 syntax)", Required: true},
			{Name: "path", Type: "string", Description: "Directory to search (default root)"},
			{Name: "include", Type: "string", Description: "Glob matched against file names, e.g. *.go"},
			{Name: "case_insensitive", Type: "boolean", Description: "Ignore case (default false)"},
			{Name: "max_results", Type: "integer", Description: "Maximum matches (default 100)", Default: DefaultMaxMatches},
		},
		Handler: func(ctx context.Context, tc tools.Context, input map[string]any) (any, error) {
			var req searchFilesRequest
			if err := decode(input, &req); err != nil {
				return nil, err
			}
			if req.Pattern == "" {
				return nil, fmt.Errorf("pattern is required")
			}
			expr := req.Pattern
			if req.CaseInsensitive {
				expr = "(?i)" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern: %w", err)
			}
			if req.Include != "" {
				if _, err := filepath.Match(req.Include, "x"); err != nil {
					return nil, fmt.Errorf("invalid include glob: %w", err)
				}
			}

			root, err := resolveWorkspaceRoot(tc, opts)
			if err != nil {
				return nil, err
			}
			dir, err := resolveOptionalPath(root, req.Path)
			if err != nil {
				return nil, err
			}
			limit := req.MaxResults
			if limit <= 0 {
				limit = DefaultMaxMatches
			}

			matches, truncated, err := searchFiles(ctx, root, dir, re, req.Include, limit)
			if err != nil {
				return nil, err
			}
			if len(matches) == 0 {
				return "No matches found.", nil
			}

			output := strings.Join(matches, "\n")
			if truncated {
				output += fmt.Sprintf("\n... [results truncated at %d matches]", limit)
			}
			return output, nil
		},
	}
}

func searchFiles(ctx context.Context, root, dir string, re *regexp.Regexp, include string, limit int) ([]string, bool, error) {
	var matches []string
	truncated := false

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if include != "" {
			if ok, _ := filepath.Match(include, d.Name()); !ok {
				return nil
			}
		}

		found, err := searchFile(path, re, limit-len(matches))
		if err != nil {
			return nil
		}
		for _, m := range found {
			matches = append(matches, relative(root, path)+":"+m)
		}
		if len(matches) >= limit {
			truncated = true
			return errLimitReached
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return nil, false, err
	}
	return matches, truncated, nil
}

// searchFile returns up to limit "line: text" matches. Binary files are
// skipped.
func searchFile(path string, re *regexp.Regexp, limit int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	head := make([]byte, 512)
	n, _ := file.Read(head)
	if bytes.IndexByte(head[:n], 0) >= 0 {
		return nil, nil
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var out []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if !re.MatchString(text) {
			continue
		}
		text = strings.TrimSpace(text)
		if len(text) > 300 {
			text = tools.Truncate(text, 300)
		}
		out = append(out, fmt.Sprintf("%d: %s", line, text))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
