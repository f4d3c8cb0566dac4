package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
)

// StagingDirName is the subdirectory under the upstream input root that
// holds staged batches.
const StagingDirName = "staging"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Result describes one staged batch.
type Result struct {
	BatchDir    string            // Absolute path of the batch directory
	StagedPaths []string          // Staged file paths, in input order
	SourceOf    map[string]string // staged path -> original source path
}

// Stager copies input files into a per-batch directory under the
// upstream input root so the graph runner can read them by relative
// path regardless of where the originals live.
type Stager struct {
	inputRoot string
	logger    arbor.ILogger
}

func New(inputRoot string, logger arbor.ILogger) *Stager {
	return &Stager{inputRoot: inputRoot, logger: logger}
}

// BatchToken returns a unique, sortable batch directory name.
func BatchToken(now time.Time) string {
	ms := now.UnixMilli()
	ns := now.UnixNano() % 1_000_000
	return fmt.Sprintf("%d_%06d", ms, ns)
}

// SanitizeName rewrites a filename so it is safe as an upstream-visible
// relative path component: unsafe characters become underscores, dots
// and underscores are stripped from both ends of the stem, and the
// extension is lowercased.
func SanitizeName(name string) string {
	base := filepath.Base(name)
	ext := strings.ToLower(filepath.Ext(base))
	if ext == "." {
		ext = ""
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	stem = unsafeChars.ReplaceAllString(stem, "_")
	stem = strings.Trim(stem, "._")
	if stem == "" {
		stem = "input"
	}
	return stem + ext
}

// Stage copies files into a fresh batch directory. Name collisions
// after sanitization get a __N suffix. Source modification times are
// preserved so downstream tools keep their ordering hints.
func (s *Stager) Stage(files []string) (*Result, error) {
	if len(files) == 0 {
		return &Result{SourceOf: map[string]string{}}, nil
	}

	batchDir := filepath.Join(s.inputRoot, StagingDirName, BatchToken(time.Now()))
	if err := os.MkdirAll(batchDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}

	result := &Result{
		BatchDir: batchDir,
		SourceOf: make(map[string]string, len(files)),
	}
	used := make(map[string]int, len(files))

	for _, src := range files {
		name := SanitizeName(src)
		if n, ok := used[name]; ok {
			used[name] = n + 1
			ext := filepath.Ext(name)
			name = fmt.Sprintf("%s__%d%s", strings.TrimSuffix(name, ext), n+1, ext)
		} else {
			used[name] = 1
		}

		dst := filepath.Join(batchDir, name)
		if err := copyPreservingMtime(src, dst); err != nil {
			return nil, fmt.Errorf("failed to stage %s: %w", src, err)
		}
		result.StagedPaths = append(result.StagedPaths, dst)
		result.SourceOf[dst] = src
	}

	if s.logger != nil {
		s.logger.Debug().
			Str("batch_dir", batchDir).
			Int("files", len(result.StagedPaths)).
			Msg("Staged input batch")
	}
	return result, nil
}

// RekeyOverrides remaps per-file parameter overrides keyed by original
// path or basename so they resolve against staged paths.
func (r *Result) RekeyOverrides(overrides map[string]map[string]any) map[string]map[string]any {
	if len(overrides) == 0 {
		return overrides
	}
	out := make(map[string]map[string]any, len(overrides))
	for staged, src := range r.SourceOf {
		if o, ok := overrides[src]; ok {
			out[staged] = o
			continue
		}
		if o, ok := overrides[filepath.Base(src)]; ok {
			out[staged] = o
		}
	}
	// Keys that never matched a staged file pass through untouched so
	// basename-style overrides for unstaged submissions keep working.
	for key, o := range overrides {
		matched := false
		for _, src := range r.SourceOf {
			if key == src || key == filepath.Base(src) {
				matched = true
				break
			}
		}
		if !matched {
			out[key] = o
		}
	}
	return out
}

func copyPreservingMtime(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
