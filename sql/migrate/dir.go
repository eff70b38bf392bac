// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package migrate

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

type (
	// Dir describes the methods needed for the Executor to
	// read and maintain a migration directory.
	Dir interface {
		// Open opens the named file in the directory.
		Open(name string) (fs.File, error)

		// WriteFile writes the given data to the named file.
		WriteFile(name string, b []byte) error

		// Files returns the batch files of the directory in
		// application order. Non-batch files are ignored.
		Files() ([]File, error)

		// Checksum computes a HashFile over the batch files.
		Checksum() (HashFile, error)
	}

	// File represents a single batch file.
	File interface {
		// Name returns the file name, e.g. "0001_initial.xml".
		Name() string

		// Desc returns the description part of the file name.
		Desc() string

		// Version returns the version part of the file name.
		Version() string

		// Bytes returns the raw content of the file.
		Bytes() []byte
	}
)

// Ext is the file extension batch files carry.
const Ext = ".xml"

// LocalDir implements Dir for a local migration directory.
type LocalDir struct {
	path string
}

var _ Dir = (*LocalDir)(nil)

// NewLocalDir returns a new local directory rooted at path.
func NewLocalDir(path string) (*LocalDir, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("sql/migrate: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("sql/migrate: %q is not a directory", path)
	}
	return &LocalDir{path: path}, nil
}

// Path returns the local path used for opening this directory.
func (d *LocalDir) Path() string {
	return d.path
}

// Open implements fs.FS.
func (d *LocalDir) Open(name string) (fs.File, error) {
	return os.Open(filepath.Join(d.path, name))
}

// WriteFile implements Dir.WriteFile.
func (d *LocalDir) WriteFile(name string, b []byte) error {
	return os.WriteFile(filepath.Join(d.path, name), b, 0644)
}

// Files implements Dir.Files. It looks for all files with an .xml
// suffix and orders them by version; files without a version prefix
// are not batch files and are skipped.
func (d *LocalDir) Files() ([]File, error) {
	names, err := fs.Glob(os.DirFS(d.path), "*"+Ext)
	if err != nil {
		return nil, err
	}
	files := make([]File, 0, len(names))
	for _, n := range names {
		b, err := os.ReadFile(filepath.Join(d.path, n))
		if err != nil {
			return nil, fmt.Errorf("sql/migrate: read file %q: %w", n, err)
		}
		f := NewLocalFile(n, b)
		if f.Version() == "" {
			continue
		}
		files = append(files, f)
	}
	sortFiles(files)
	return files, nil
}

// Checksum implements Dir.Checksum. It calculates the sum of all
// batch files in the directory.
func (d *LocalDir) Checksum() (HashFile, error) {
	files, err := d.Files()
	if err != nil {
		return nil, err
	}
	return NewHashFile(files)
}

// MemDir provides an in-memory Dir implementation.
type MemDir struct {
	files map[string][]byte
}

var _ Dir = (*MemDir)(nil)

// Open implements fs.FS.
func (d *MemDir) Open(name string) (fs.File, error) {
	b, ok := d.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return &memFile{name: name, Reader: *bytes.NewReader(b)}, nil
}

// WriteFile implements Dir.WriteFile.
func (d *MemDir) WriteFile(name string, b []byte) error {
	if d.files == nil {
		d.files = make(map[string][]byte)
	}
	d.files[name] = b
	return nil
}

// Files implements Dir.Files.
func (d *MemDir) Files() ([]File, error) {
	files := make([]File, 0, len(d.files))
	for n, b := range d.files {
		if !strings.HasSuffix(n, Ext) {
			continue
		}
		f := NewLocalFile(n, b)
		if f.Version() == "" {
			continue
		}
		files = append(files, f)
	}
	sortFiles(files)
	return files, nil
}

// Checksum implements Dir.Checksum.
func (d *MemDir) Checksum() (HashFile, error) {
	files, err := d.Files()
	if err != nil {
		return nil, err
	}
	return NewHashFile(files)
}

type memFile struct {
	name string
	bytes.Reader
}

func (f *memFile) Stat() (fs.FileInfo, error) { return f, nil }
func (f *memFile) Close() error               { return nil }
func (f *memFile) Name() string               { return f.name }
func (f *memFile) Size() int64                { return f.Reader.Size() }
func (f *memFile) Mode() fs.FileMode          { return 0644 }
func (f *memFile) ModTime() time.Time         { return time.Time{} }
func (f *memFile) IsDir() bool                { return false }
func (f *memFile) Sys() interface{}           { return nil }

// LocalFile is used by LocalDir to implement the File interface.
type LocalFile struct {
	n string
	b []byte
}

var _ File = (*LocalFile)(nil)

// NewLocalFile returns a file with the given name and contents.
func NewLocalFile(name string, b []byte) *LocalFile {
	return &LocalFile{n: name, b: b}
}

// Name implements File.Name.
func (f *LocalFile) Name() string {
	return f.n
}

// Bytes returns the raw representation of the batch file.
func (f *LocalFile) Bytes() []byte {
	return f.b
}

// Version of the file. The leading digits of the file name up to the
// first underscore, e.g. "0001" for "0001_initial.xml". Empty if the
// name does not start with a version.
func (f *LocalFile) Version() string {
	v, _, _ := strings.Cut(strings.TrimSuffix(f.n, Ext), "_")
	if v == "" {
		return ""
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return v
}

// Desc of the file. The part of the file name between the version
// prefix and the extension, e.g. "initial" for "0001_initial.xml".
func (f *LocalFile) Desc() string {
	_, d, ok := strings.Cut(strings.TrimSuffix(f.n, Ext), "_")
	if !ok {
		return ""
	}
	return d
}

// Batch files are applied in ascending version order. Versions are
// compared lexicographically; zero-padded naming keeps this stable.
func sortFiles(files []File) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].Version() != files[j].Version() {
			return files[i].Version() < files[j].Version()
		}
		return files[i].Name() < files[j].Name()
	})
}

// HashFileName of the migration directory integrity sum file.
const HashFileName = "strata.sum"

// HashFile represents the integrity sum file of a Dir.
type HashFile []struct{ N, H string }

// NewHashFile computes and returns a HashFile from the given files.
func NewHashFile(files []File) (HashFile, error) {
	var fh HashFile
	for _, f := range files {
		fh = append(fh, struct{ N, H string }{f.Name(), FileHash(f.Bytes())})
	}
	return fh, nil
}

// WriteSumFile writes the given HashFile to the Dir. If the file
// does not exist, it is created.
func WriteSumFile(dir Dir, sum HashFile) error {
	b, err := sum.MarshalText()
	if err != nil {
		return err
	}
	return dir.WriteFile(HashFileName, b)
}

// Sum returns the checksum of the represented hash file.
func (f HashFile) Sum() string {
	h := sha256.New()
	for _, f := range f {
		h.Write([]byte(f.N))
		h.Write([]byte(f.H))
	}
	return "h1:" + base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// MarshalText implements encoding.TextMarshaler.
func (f HashFile) MarshalText() ([]byte, error) {
	buf := new(bytes.Buffer)
	fmt.Fprintln(buf, f.Sum())
	for _, f := range f {
		fmt.Fprintf(buf, "%s %s\n", f.N, f.H)
	}
	return buf.Bytes(), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *HashFile) UnmarshalText(b []byte) error {
	sum, rest, ok := strings.Cut(string(b), "\n")
	if !ok || !strings.HasPrefix(sum, "h1:") {
		return ErrChecksumFormat
	}
	var fh HashFile
	for _, line := range strings.Split(rest, "\n") {
		if line == "" {
			continue
		}
		n, h, ok := strings.Cut(line, " ")
		if !ok || !strings.HasPrefix(h, "h1:") {
			return ErrChecksumFormat
		}
		fh = append(fh, struct{ N, H string }{n, h})
	}
	if fh.Sum() != sum {
		return ErrChecksumFormat
	}
	*f = fh
	return nil
}

// FileHash returns the checksum of a single file, in the same
// encoding used by the sum file.
func FileHash(b []byte) string {
	h := sha256.Sum256(b)
	return "h1:" + base64.StdEncoding.EncodeToString(h[:])
}

var (
	// ErrChecksumFormat is returned from Validate if the sum file is
	// malformed or its head sum does not match its entries.
	ErrChecksumFormat = errors.New("sql/migrate: checksum file format mismatch")

	// ErrChecksumMismatch is returned from Validate if the hash sums
	// of the sum file and the migration directory do not match.
	ErrChecksumMismatch = errors.New("sql/migrate: checksum mismatch")

	// ErrChecksumNotFound is returned from Validate if the sum file
	// does not exist for a non-empty migration directory.
	ErrChecksumNotFound = errors.New("sql/migrate: checksum file not found")
)

// Validate checks if the migration directory is in sync with its sum
// file. An empty directory without a sum file is considered valid.
func Validate(dir Dir) error {
	fh, err := readHashFile(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		files, err := dir.Files()
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return nil
		}
		return ErrChecksumNotFound
	case err != nil:
		return err
	}
	mh, err := dir.Checksum()
	if err != nil {
		return err
	}
	if fh.Sum() != mh.Sum() {
		return ErrChecksumMismatch
	}
	return nil
}

// readHashFile reads the HashFile from the given Dir.
func readHashFile(dir Dir) (HashFile, error) {
	f, err := dir.Open(HashFileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	var fh HashFile
	if err := fh.UnmarshalText(b); err != nil {
		return nil, err
	}
	return fh, nil
}
