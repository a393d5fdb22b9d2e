// Package artifact packages a model snapshot and its inference code into
// the tar.gz layout expected by the hosted inference runtime.
package artifact

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/hub"
)

const (
	// EntryPointName is the script the runtime loads from the code directory.
	EntryPointName = "inference.py"
	// CodeDir is where the runtime looks for custom inference code.
	CodeDir = "code"
)

var epoch = time.Unix(0, 0).UTC()

// Manifest describes a written archive.
type Manifest struct {
	Files  []string
	Size   int64
	SHA256 string
}

type entry struct {
	name string
	src  string // file on disk; empty when data is set
	data []byte
}

// Package writes snapshot plus entryPoint as a gzip-compressed tar to w.
// Model files sit at the archive root, code under code/. Entries are
// written in sorted order with fixed timestamps so equal inputs give equal
// archives.
func Package(snapshot hub.Snapshot, entryPoint []byte, w io.Writer) (Manifest, error) {
	if len(snapshot.Files) == 0 {
		return Manifest{}, fmt.Errorf("snapshot %s has no files", snapshot.ModelID)
	}
	if entryPoint == nil {
		entryPoint = DefaultEntryPoint()
	}
	if err := ValidateEntryPoint(entryPoint); err != nil {
		return Manifest{}, err
	}

	entries := make([]entry, 0, len(snapshot.Files)+2)
	for _, f := range snapshot.Files {
		if strings.HasPrefix(f, CodeDir+"/") {
			return Manifest{}, fmt.Errorf("model file %s collides with code directory", f)
		}
		entries = append(entries, entry{name: f, src: filepath.Join(snapshot.Dir, filepath.FromSlash(f))})
	}
	entries = append(entries,
		entry{name: CodeDir + "/" + EntryPointName, data: entryPoint},
		entry{name: CodeDir + "/requirements.txt", data: defaultRequirements},
	)
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	hash := sha256.New()
	counter := &countingWriter{}
	gz := gzip.NewWriter(io.MultiWriter(w, hash, counter))
	tw := tar.NewWriter(gz)

	m := Manifest{}
	for _, e := range entries {
		if err := writeEntry(tw, e); err != nil {
			return Manifest{}, fmt.Errorf("add %s: %w", e.name, err)
		}
		m.Files = append(m.Files, e.name)
	}
	if err := tw.Close(); err != nil {
		return Manifest{}, err
	}
	if err := gz.Close(); err != nil {
		return Manifest{}, err
	}
	m.Size = counter.n
	m.SHA256 = hex.EncodeToString(hash.Sum(nil))
	return m, nil
}

// PackageFile writes the archive to path, replacing any existing file only
// once the new archive is complete.
func PackageFile(snapshot hub.Snapshot, entryPoint []byte, path string) (Manifest, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Manifest{}, err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return Manifest{}, err
	}
	m, err := Package(snapshot, entryPoint, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return Manifest{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Manifest{}, err
	}
	return m, nil
}

func writeEntry(tw *tar.Writer, e entry) error {
	var r io.Reader
	var size int64
	if e.src != "" {
		f, err := os.Open(e.src)
		if err != nil {
			return err
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			return err
		}
		if !st.Mode().IsRegular() {
			return fmt.Errorf("%s is not a regular file", e.src)
		}
		r, size = f, st.Size()
	} else {
		r, size = bytes.NewReader(e.data), int64(len(e.data))
	}

	hdr := &tar.Header{
		Name:     e.name,
		Mode:     0o644,
		Size:     size,
		ModTime:  epoch,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := io.Copy(tw, r)
	return err
}

// Verify checks that r is a tar.gz with the layout the runtime needs:
// config.json, at least one weight file and an inference script that
// defines every handler.
func Verify(r io.Reader) error {
	gzReader, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("invalid gzip format: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	found := make(map[string]bool)
	weights := 0
	var script []byte

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("invalid tar format: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		name := header.Name
		if strings.HasPrefix(name, "/") || strings.Contains("/"+name+"/", "/../") {
			return fmt.Errorf("entry %q escapes the archive root", name)
		}
		found[name] = true
		if isWeightFile(name) {
			weights++
		}
		if name == CodeDir+"/"+EntryPointName {
			script, err = io.ReadAll(tarReader)
			if err != nil {
				return err
			}
		}
	}

	if !found["config.json"] {
		return fmt.Errorf("missing required file: config.json")
	}
	if weights == 0 {
		return fmt.Errorf("missing model weights")
	}
	if script == nil {
		return fmt.Errorf("missing required file: %s/%s", CodeDir, EntryPointName)
	}
	return ValidateEntryPoint(script)
}

func isWeightFile(name string) bool {
	if strings.Contains(name, "/") {
		return false
	}
	return strings.HasSuffix(name, ".safetensors") || strings.HasSuffix(name, ".bin")
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
