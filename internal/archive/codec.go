package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apperrors "server-dr/internal/errors"
)

// Codec builds, validates and extracts archives
type Codec struct {
	Compression Compression
	Level       int
	// Key enables encryption on Build and is used to open encrypted archives; nil disables it
	Key KeySource
}

// BuildResult describes a finished archive
type BuildResult struct {
	Path      string        `json:"path"`
	Size      int64         `json:"size"`
	FileCount int           `json:"file_count"`
	Encrypted bool          `json:"encrypted"`
	Duration  time.Duration `json:"duration"`
}

// Entry is one member of an archive
type Entry struct {
	Name    string      `json:"name"`
	Size    int64       `json:"size"`
	Mode    fs.FileMode `json:"mode"`
	ModTime time.Time   `json:"mod_time"`
	IsDir   bool        `json:"is_dir"`
}

// ValidationReport is returned by a successful Validate
type ValidationReport struct {
	Path        string           `json:"path"`
	Encrypted   bool             `json:"encrypted"`
	Compression Compression      `json:"compression"`
	Entries     int              `json:"entries"`
	Components  []string         `json:"components"`
	Metadata    *ArchiveMetadata `json:"metadata"`
	Duration    time.Duration    `json:"duration"`
}

// NewCodec returns a codec for the given compression and optional key
func NewCodec(c Compression, level int, key KeySource) *Codec {
	return &Codec{Compression: c, Level: level, Key: key}
}

// Encrypts reports whether Build will encrypt
func (c *Codec) Encrypts() bool {
	return c.Key != nil
}

// Build packages stagingDir into outDir/name. The staging tree must already hold
// metadata/backup_info.json; it is written as the last tar member. The archive is
// written to a .partial file that is removed on any error or cancellation.
func (c *Codec) Build(ctx context.Context, stagingDir, outDir, name string) (result *BuildResult, err error) {
	start := time.Now()

	if _, statErr := os.Stat(filepath.Join(stagingDir, MetadataDir, MetadataFile)); statErr != nil {
		return nil, fmt.Errorf("staging tree has no %s: %w", MetadataPath, statErr)
	}
	comp, err := GetCompressor(c.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	finalPath := filepath.Join(outDir, name)
	partialPath := finalPath + partialSuffix

	file, err := os.OpenFile(partialPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive file: %w", err)
	}

	closers := []io.Closer{file}
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i].Close()
			}
			os.Remove(partialPath)
		}
	}()

	var sink io.Writer = file
	if c.Key != nil {
		enc, encErr := newEncryptWriter(file, c.Key)
		if encErr != nil {
			return nil, fmt.Errorf("failed to initialise encryption: %w", encErr)
		}
		closers = append(closers, enc)
		sink = enc
	}

	cw, err := comp.NewWriter(sink, c.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	closers = append(closers, cw)

	tw := tar.NewWriter(cw)
	closers = append(closers, tw)

	count, err := writeTree(ctx, tw, stagingDir)
	if err != nil {
		return nil, err
	}

	// close innermost first so every layer flushes its trailer
	for i := len(closers) - 1; i >= 1; i-- {
		if err = closers[i].Close(); err != nil {
			return nil, fmt.Errorf("failed to finalise archive: %w", err)
		}
	}
	closers = closers[:1]
	if err = file.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync archive: %w", err)
	}
	if err = file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close archive: %w", err)
	}
	closers = nil

	if err = os.Rename(partialPath, finalPath); err != nil {
		return nil, fmt.Errorf("failed to publish archive: %w", err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return nil, err
	}

	return &BuildResult{
		Path:      finalPath,
		Size:      info.Size(),
		FileCount: count,
		Encrypted: c.Key != nil,
		Duration:  time.Since(start),
	}, nil
}

func writeTree(ctx context.Context, tw *tar.Writer, root string) (int, error) {
	var paths []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == MetadataDir && d.IsDir() {
			return filepath.SkipDir
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk staging tree: %w", err)
	}

	paths = append(paths, MetadataDir, filepath.Join(MetadataDir, MetadataFile))

	count := 0
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if err := addEntry(tw, root, rel); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func addEntry(tw *tar.Writer, root, rel string) error {
	full := filepath.Join(root, rel)
	info, err := os.Lstat(full)
	if err != nil {
		return err
	}

	link := ""
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(full); err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("failed to build tar header for %s: %w", rel, err)
	}
	hdr.Name = filepath.ToSlash(rel)
	if info.IsDir() {
		hdr.Name += "/"
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to archive %s: %w", rel, err)
	}
	return nil
}

type openArchive struct {
	tar         *tar.Reader
	stream      io.Reader
	compression Compression
	encrypted   bool
	close       func()
}

// open builds the layered reader for path, detecting compression and encryption from its name
func (c *Codec) open(path string) (*openArchive, error) {
	comp, encrypted, err := Inspect(path)
	if err != nil {
		return nil, apperrors.NewCorruptArchiveError("unrecognised archive name", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var src io.Reader = file
	if encrypted {
		dec, err := newDecryptReader(file, c.Key)
		if err != nil {
			file.Close()
			return nil, err
		}
		src = dec
	}

	compressor, _ := GetCompressor(comp)
	cr, err := compressor.NewReader(src)
	if err != nil {
		file.Close()
		return nil, asCorrupt(err, "compressed stream header is invalid")
	}

	return &openArchive{
		tar:         tar.NewReader(cr),
		stream:      cr,
		compression: comp,
		encrypted:   encrypted,
		close: func() {
			cr.Close()
			file.Close()
		},
	}, nil
}

// walk visits every member; visit may consume the member's content. After the
// tar trailer the rest of the stream is drained so the final encrypted chunk
// and the compression footer are verified too.
func (c *Codec) walk(ctx context.Context, path string, visit func(*tar.Header, io.Reader) error) (Compression, bool, error) {
	a, err := c.open(path)
	if err != nil {
		return "", false, err
	}
	defer a.close()

	for {
		if err := ctx.Err(); err != nil {
			return a.compression, a.encrypted, err
		}
		hdr, err := a.tar.Next()
		if err == io.EOF {
			if _, err := io.Copy(io.Discard, a.stream); err != nil {
				return a.compression, a.encrypted, asCorrupt(err, "archive trailer is damaged")
			}
			return a.compression, a.encrypted, nil
		}
		if err != nil {
			return a.compression, a.encrypted, asCorrupt(err, "failed to read archive member")
		}
		if err := visit(hdr, a.tar); err != nil {
			return a.compression, a.encrypted, asCorrupt(err, fmt.Sprintf("failed to read %s", hdr.Name))
		}
	}
}

// asCorrupt keeps typed archive errors and classifies anything else as corruption
func asCorrupt(err error, msg string) error {
	if apperrors.IsType(err, apperrors.ErrorTypeDecryptionFailed) || apperrors.IsType(err, apperrors.ErrorTypeArchiveCorrupt) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	if errors.As(err, &pathErr) || errors.As(err, &linkErr) {
		// local filesystem failure while extracting, not archive damage
		return err
	}
	return apperrors.NewCorruptArchiveError(msg, err)
}

// List returns every member without extracting
func (c *Codec) List(ctx context.Context, path string) ([]Entry, error) {
	var entries []Entry
	_, _, err := c.walk(ctx, path, func(hdr *tar.Header, r io.Reader) error {
		entries = append(entries, Entry{
			Name:    strings.TrimSuffix(hdr.Name, "/"),
			Size:    hdr.Size,
			Mode:    hdr.FileInfo().Mode(),
			ModTime: hdr.ModTime,
			IsDir:   hdr.Typeflag == tar.TypeDir,
		})
		_, err := io.Copy(io.Discard, r)
		return err
	})
	return entries, err
}

// ReadMetadata returns the sidecar of an archive
func (c *Codec) ReadMetadata(ctx context.Context, path string) (*ArchiveMetadata, error) {
	var meta *ArchiveMetadata
	_, _, err := c.walk(ctx, path, func(hdr *tar.Header, r io.Reader) error {
		if hdr.Name != MetadataPath {
			_, err := io.Copy(io.Discard, r)
			return err
		}
		data, err := io.ReadAll(io.LimitReader(r, 1<<20))
		if err != nil {
			return err
		}
		meta, err = decodeMetadata(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, apperrors.NewCorruptArchiveError("archive has no "+MetadataPath, nil)
	}
	return meta, nil
}

// Validate reads the whole archive without extracting it. Every encrypted chunk is
// authenticated and every tar member is read; the sidecar must be present and
// every component it lists must have a subtree.
func (c *Codec) Validate(ctx context.Context, path string) (*ValidationReport, error) {
	start := time.Now()
	report := &ValidationReport{Path: path}

	topLevel := map[string]bool{}
	_, encrypted, err := c.walkWithMeta(ctx, path, report, topLevel)
	report.Encrypted = encrypted
	if err != nil {
		return nil, err
	}

	if report.Metadata == nil {
		return nil, apperrors.NewCorruptArchiveError("archive has no "+MetadataPath, nil)
	}
	for _, comp := range report.Metadata.Components {
		if !topLevel[comp] {
			return nil, apperrors.NewCorruptArchiveError(fmt.Sprintf("component %s listed in metadata is missing", comp), nil)
		}
	}

	for name := range topLevel {
		if name != MetadataDir {
			report.Components = append(report.Components, name)
		}
	}
	sort.Strings(report.Components)
	report.Duration = time.Since(start)
	return report, nil
}

func (c *Codec) walkWithMeta(ctx context.Context, path string, report *ValidationReport, topLevel map[string]bool) (Compression, bool, error) {
	comp, encrypted, err := c.walk(ctx, path, func(hdr *tar.Header, r io.Reader) error {
		report.Entries++
		name := strings.TrimSuffix(hdr.Name, "/")
		if first, _, _ := strings.Cut(name, "/"); first != "" {
			topLevel[first] = true
		}

		if name == MetadataPath {
			data, err := io.ReadAll(io.LimitReader(r, 1<<20))
			if err != nil {
				return err
			}
			meta, err := decodeMetadata(data)
			if err != nil {
				return err
			}
			report.Metadata = meta
			return nil
		}
		_, err := io.Copy(io.Discard, r)
		return err
	})
	report.Compression = comp
	return comp, encrypted, err
}

// Extract unpacks the archive into destDir and returns its metadata. Members that
// would escape destDir, directly or through a symlink, are rejected.
func (c *Codec) Extract(ctx context.Context, archivePath, destDir string) (*ArchiveMetadata, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create extraction directory: %w", err)
	}
	root, err := filepath.Abs(destDir)
	if err != nil {
		return nil, err
	}

	type dirTime struct {
		path string
		mod  time.Time
	}
	var dirs []dirTime

	_, _, err = c.walk(ctx, archivePath, func(hdr *tar.Header, r io.Reader) error {
		target, err := safeJoin(root, hdr.Name)
		if err != nil {
			return err
		}
		if err := noLinkedParents(root, target); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			dirs = append(dirs, dirTime{target, hdr.ModTime})
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, r); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			os.Chtimes(target, hdr.ModTime, hdr.ModTime)
		case tar.TypeSymlink:
			if err := checkLink(root, target, hdr.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			// devices, fifos and hard links are not produced by Build
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		os.Chtimes(dirs[i].path, dirs[i].mod, dirs[i].mod)
	}

	meta, err := ReadMetadataFile(root)
	if err != nil {
		return nil, apperrors.NewCorruptArchiveError("extracted archive has no readable metadata", err)
	}
	return meta, nil
}

func safeJoin(root, name string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(name))
	if clean == "/" {
		return "", apperrors.NewCorruptArchiveError(fmt.Sprintf("archive member has empty name %q", name), nil)
	}
	escapes := strings.HasPrefix(name, "/")
	for _, seg := range strings.Split(filepath.ToSlash(name), "/") {
		if seg == ".." {
			escapes = true
		}
	}
	target := filepath.Join(root, filepath.FromSlash(clean))
	if escapes || !within(root, target) {
		return "", apperrors.NewCorruptArchiveError(fmt.Sprintf("archive member %q escapes destination", name), nil)
	}
	return target, nil
}

// noLinkedParents rejects members whose path crosses a symlink already
// extracted under root, or which would overwrite one.
func noLinkedParents(root, target string) error {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return err
	}
	p := root
	for _, seg := range strings.Split(rel, string(filepath.Separator)) {
		p = filepath.Join(p, seg)
		info, err := os.Lstat(p)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return apperrors.NewCorruptArchiveError(fmt.Sprintf("archive member %s passes through symlink %s", target, p), nil)
		}
	}
	return nil
}

func checkLink(root, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return apperrors.NewCorruptArchiveError(fmt.Sprintf("symlink %s points to absolute path", target), nil)
	}
	resolved := filepath.Join(filepath.Dir(target), linkname)
	if !within(root, resolved) {
		return apperrors.NewCorruptArchiveError(fmt.Sprintf("symlink %s escapes destination", target), nil)
	}
	return nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
