package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goblinsan/multi-agent-machine-client/internal/ctxkeys"
	"github.com/sourcegraph/go-diff/diff"
	"go.uber.org/zap"
)

const devNull = "/dev/null"

// ErrHunkMismatch is returned when a hunk's context does not match the file.
var ErrHunkMismatch = errors.New("collab: hunk does not apply")

// UnifiedDiffApplier parses unified diffs with go-diff and applies them to
// files under a repository root.
type UnifiedDiffApplier struct {
	// HeadSHA, when set, reports the commit recorded in ApplyResult.
	HeadSHA func(ctx context.Context, repoRoot string) (string, error)

	logger *zap.Logger
}

var _ DiffApplier = (*UnifiedDiffApplier)(nil)

// NewUnifiedDiffApplier creates an applier.
func NewUnifiedDiffApplier(logger *zap.Logger) *UnifiedDiffApplier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UnifiedDiffApplier{logger: logger.With(zap.String("component", "diff_applier"))}
}

// ParseDiff parses a multi-file unified diff.
func (a *UnifiedDiffApplier) ParseDiff(text string) (*EditSpec, error) {
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(text)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("parse diff: %w", err)
	}
	if len(fileDiffs) == 0 {
		return nil, errors.New("parse diff: no file changes found")
	}

	spec := &EditSpec{Files: make([]FileEdit, 0, len(fileDiffs))}
	for _, fd := range fileDiffs {
		orig := stripDiffPrefix(fd.OrigName, "a/")
		next := stripDiffPrefix(fd.NewName, "b/")

		edit := FileEdit{Path: next, Operation: OpModify}
		switch {
		case fd.OrigName == devNull:
			edit.Operation = OpCreate
		case fd.NewName == devNull:
			edit.Path = orig
			edit.Operation = OpDelete
		case orig != next:
			edit.OldPath = orig
			edit.Operation = OpRename
		}

		for _, h := range fd.Hunks {
			edit.Hunks = append(edit.Hunks, EditHunk{
				OrigStart: h.OrigStartLine,
				OrigLines: h.OrigLines,
				NewStart:  h.NewStartLine,
				NewLines:  h.NewLines,
				Body:      string(h.Body),
			})
		}
		spec.Files = append(spec.Files, edit)
	}
	return spec, nil
}

// ApplyEditOps applies a JSON-encoded EditSpec under opts.RepoRoot. Paths
// that escape the root are rejected before any file is written.
func (a *UnifiedDiffApplier) ApplyEditOps(ctx context.Context, specJSON []byte, opts ApplyOptions) (ApplyResult, error) {
	var spec EditSpec
	if err := json.Unmarshal(specJSON, &spec); err != nil {
		return ApplyResult{}, fmt.Errorf("decode edit spec: %w", err)
	}
	if opts.RepoRoot == "" {
		return ApplyResult{}, errors.New("apply edits: repo root is required")
	}

	type pending struct {
		edit    FileEdit
		abs     string
		oldAbs  string
		content []byte
	}
	planned := make([]pending, 0, len(spec.Files))

	// compute every result first so a bad hunk leaves the tree untouched
	for _, edit := range spec.Files {
		if err := ctx.Err(); err != nil {
			return ApplyResult{}, err
		}
		abs, err := resolveInRoot(opts.RepoRoot, edit.Path)
		if err != nil {
			return ApplyResult{}, err
		}
		p := pending{edit: edit, abs: abs}

		source := abs
		if edit.Operation == OpRename {
			if p.oldAbs, err = resolveInRoot(opts.RepoRoot, edit.OldPath); err != nil {
				return ApplyResult{}, err
			}
			source = p.oldAbs
		}

		switch edit.Operation {
		case OpDelete:
		case OpCreate:
			p.content = newFileContent(edit.Hunks)
		case OpModify, OpRename:
			original, err := os.ReadFile(source)
			if err != nil {
				return ApplyResult{}, fmt.Errorf("read %s: %w", edit.Path, err)
			}
			if p.content, err = applyHunks(original, edit.Hunks); err != nil {
				return ApplyResult{}, fmt.Errorf("%s: %w", edit.Path, err)
			}
		default:
			return ApplyResult{}, fmt.Errorf("unknown edit operation %q for %s", edit.Operation, edit.Path)
		}
		planned = append(planned, p)
	}

	result := ApplyResult{Branch: opts.BranchName}
	for _, p := range planned {
		switch p.edit.Operation {
		case OpDelete:
			if err := os.Remove(p.abs); err != nil && !os.IsNotExist(err) {
				return result, fmt.Errorf("delete %s: %w", p.edit.Path, err)
			}
		default:
			if err := os.MkdirAll(filepath.Dir(p.abs), 0o755); err != nil {
				return result, fmt.Errorf("create dir for %s: %w", p.edit.Path, err)
			}
			if err := os.WriteFile(p.abs, p.content, 0o644); err != nil {
				return result, fmt.Errorf("write %s: %w", p.edit.Path, err)
			}
			if p.edit.Operation == OpRename {
				if err := os.Remove(p.oldAbs); err != nil && !os.IsNotExist(err) {
					return result, fmt.Errorf("remove %s: %w", p.edit.OldPath, err)
				}
				result.Changed = append(result.Changed, p.edit.OldPath)
			}
		}
		result.Changed = append(result.Changed, p.edit.Path)
	}

	if a.HeadSHA != nil {
		sha, err := a.HeadSHA(ctx, opts.RepoRoot)
		if err != nil {
			a.logger.Warn("could not resolve head sha", zap.Error(err))
		} else {
			result.SHA = sha
		}
	}

	a.logger.Info("edits applied", append(ctxkeys.Fields(ctx),
		zap.String("repo_root", opts.RepoRoot),
		zap.Strings("changed", result.Changed),
	)...)
	return result, nil
}

func stripDiffPrefix(name, prefix string) string {
	if name == devNull {
		return name
	}
	return strings.TrimPrefix(name, prefix)
}

func resolveInRoot(root, rel string) (string, error) {
	if rel == "" || rel == devNull {
		return "", fmt.Errorf("invalid edit path %q", rel)
	}
	abs := filepath.Join(root, filepath.FromSlash(rel))
	back, err := filepath.Rel(root, abs)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("edit path %q escapes repository root", rel)
	}
	return abs, nil
}

// hunkLines splits a hunk body into lines, dropping the trailing empty
// element and "\ No newline" markers.
func hunkLines(body string) []string {
	lines := strings.Split(strings.TrimSuffix(body, "\n"), "\n")
	out := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(l, `\`) {
			continue
		}
		out = append(out, l)
	}
	return out
}

func newFileContent(hunks []EditHunk) []byte {
	var b strings.Builder
	for _, h := range hunks {
		for _, line := range hunkLines(h.Body) {
			if strings.HasPrefix(line, "+") {
				b.WriteString(strings.TrimPrefix(line, "+"))
				b.WriteByte('\n')
			}
		}
	}
	return []byte(b.String())
}

// applyHunks applies hunks in order, checking context and removed lines
// against the original.
func applyHunks(original []byte, hunks []EditHunk) ([]byte, error) {
	origLines := strings.Split(string(original), "\n")
	newLines := make([]string, 0, len(origLines))

	origIdx := 0
	for _, h := range hunks {
		hunkStart := int(h.OrigStart) - 1
		if h.OrigLines == 0 {
			// pure insertion: OrigStart names the line after which to insert
			hunkStart = int(h.OrigStart)
		}
		if hunkStart < origIdx || hunkStart > len(origLines) {
			return nil, fmt.Errorf("%w: hunk at line %d out of order", ErrHunkMismatch, h.OrigStart)
		}
		for origIdx < hunkStart {
			newLines = append(newLines, origLines[origIdx])
			origIdx++
		}

		for _, line := range hunkLines(h.Body) {
			switch {
			case strings.HasPrefix(line, "+"):
				newLines = append(newLines, line[1:])
			case strings.HasPrefix(line, "-"):
				if origIdx >= len(origLines) || origLines[origIdx] != line[1:] {
					return nil, fmt.Errorf("%w: removed line %d differs", ErrHunkMismatch, origIdx+1)
				}
				origIdx++
			default:
				ctxLine := strings.TrimPrefix(line, " ")
				if origIdx >= len(origLines) || origLines[origIdx] != ctxLine {
					return nil, fmt.Errorf("%w: context line %d differs", ErrHunkMismatch, origIdx+1)
				}
				newLines = append(newLines, origLines[origIdx])
				origIdx++
			}
		}
	}

	newLines = append(newLines, origLines[origIdx:]...)
	return []byte(strings.Join(newLines, "\n")), nil
}
