// Package zips assembles downloadable result archives from merge trees
// and unpacks uploaded project archives, enforcing size and member caps
// in both directions.
package zips

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/maxwellcavalli/macs/workspace"
)

// Limits cap what goes into or comes out of an archive.
type Limits struct {
	MaxFiles     int
	MaxBytes     int64
	MaxFileBytes int64
	SkipSegments []string
	SkipSuffixes []string
}

// DefaultLimits mirror the server defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxFiles:     200,
		MaxBytes:     20 << 20,
		MaxFileBytes: 2 << 20,
		SkipSegments: []string{".git", "node_modules", "target", "build", ".gradle", "__pycache__"},
		SkipSuffixes: []string{".class", ".jar", ".pyc", ".zip", ".log"},
	}
}

// Assembler writes task result archives under a shared zip directory.
type Assembler struct {
	dir    string
	limits Limits
	logger *slog.Logger
}

// NewAssembler creates the zip directory if needed.
func NewAssembler(dir string, limits Limits, logger *slog.Logger) (*Assembler, error) {
	if dir == "" {
		return nil, fmt.Errorf("zip dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create zip dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{dir: dir, limits: limits, logger: logger}, nil
}

// Dir returns the zip output directory.
func (a *Assembler) Dir() string {
	return a.dir
}

func (a *Assembler) skip(rel string, size int64) (bool, string) {
	lower := strings.ToLower(rel)
	for _, seg := range a.limits.SkipSegments {
		if seg == "" {
			continue
		}
		if strings.HasPrefix(lower, seg+"/") || strings.Contains(lower, "/"+seg+"/") {
			return true, ""
		}
	}
	for _, suf := range a.limits.SkipSuffixes {
		if suf != "" && strings.HasSuffix(lower, suf) {
			return true, ""
		}
	}
	if a.limits.MaxFileBytes > 0 && size > a.limits.MaxFileBytes {
		return true, fmt.Sprintf("skipped oversize file %s (%d bytes)", rel, size)
	}
	return false, ""
}

// Build packs srcDir into <taskID>.zip. Returns the archive file name and
// any notes about skipped content. An empty tree yields no archive.
func (a *Assembler) Build(taskID, srcDir string) (string, []string, error) {
	var notes []string
	type member struct {
		rel  string
		path string
		size int64
	}
	var members []member
	var total int64

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if drop, note := a.skip(rel, info.Size()); drop {
			if note != "" {
				notes = append(notes, note)
			}
			return nil
		}
		if a.limits.MaxFiles > 0 && len(members) >= a.limits.MaxFiles {
			notes = append(notes, fmt.Sprintf("file cap %d reached, remaining files omitted", a.limits.MaxFiles))
			return filepath.SkipAll
		}
		if a.limits.MaxBytes > 0 && total+info.Size() > a.limits.MaxBytes {
			// the archive holds exactly the prefix accepted so far; no
			// later, smaller file may slip in past the cap
			notes = append(notes, fmt.Sprintf("size cap reached, omitted %s and all later files", rel))
			return filepath.SkipAll
		}
		total += info.Size()
		members = append(members, member{rel: rel, path: path, size: info.Size()})
		return nil
	})
	if err != nil {
		return "", notes, fmt.Errorf("scan merge tree: %w", err)
	}
	if len(members) == 0 {
		return "", notes, nil
	}

	name := taskID + ".zip"
	out, err := os.Create(filepath.Join(a.dir, name))
	if err != nil {
		return "", notes, fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, m := range members {
		w, err := zw.Create(m.rel)
		if err != nil {
			return "", notes, fmt.Errorf("add %s: %w", m.rel, err)
		}
		f, err := os.Open(m.path)
		if err != nil {
			return "", notes, fmt.Errorf("read %s: %w", m.rel, err)
		}
		_, err = io.Copy(w, f)
		_ = f.Close()
		if err != nil {
			return "", notes, fmt.Errorf("write %s: %w", m.rel, err)
		}
	}
	if err := zw.Close(); err != nil {
		return "", notes, fmt.Errorf("finish archive: %w", err)
	}
	a.logger.Info("archive built", "task", taskID, "files", len(members), "bytes", total)
	return name, notes, nil
}

// Upload extraction caps.
const (
	uploadMaxArchiveBytes = 10 << 20
	uploadMaxMembers      = 200
	uploadMaxTotalBytes   = 20 << 20
)

// Extract reads an uploaded zip into entries. A single top-level
// directory wrapping every member is flattened away. The archive itself,
// its member count and its uncompressed size are all capped.
func Extract(r io.ReaderAt, size int64) ([]workspace.UploadEntry, error) {
	if size > uploadMaxArchiveBytes {
		return nil, fmt.Errorf("archive too large: %d bytes (limit %d)", size, uploadMaxArchiveBytes)
	}
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	var files []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("archive has no files")
	}
	if len(files) > uploadMaxMembers {
		return nil, fmt.Errorf("archive has %d files (limit %d)", len(files), uploadMaxMembers)
	}

	prefix := commonRoot(files)
	var entries []workspace.UploadEntry
	var total int64
	for _, f := range files {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open member %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, uploadMaxTotalBytes-total+1))
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read member %s: %w", f.Name, err)
		}
		total += int64(len(data))
		if total > uploadMaxTotalBytes {
			return nil, fmt.Errorf("archive expands past %d bytes", uploadMaxTotalBytes)
		}
		rel := strings.TrimPrefix(filepath.ToSlash(f.Name), prefix)
		entries = append(entries, workspace.UploadEntry{
			RelPath: workspace.SanitizeRelPath(rel),
			Content: data,
		})
	}
	return entries, nil
}

// commonRoot returns "dir/" when every member lives under the same single
// top-level directory, else "".
func commonRoot(files []*zip.File) string {
	root := ""
	for _, f := range files {
		name := filepath.ToSlash(f.Name)
		idx := strings.Index(name, "/")
		if idx <= 0 {
			return ""
		}
		top := name[:idx+1]
		if root == "" {
			root = top
		} else if root != top {
			return ""
		}
	}
	return root
}
