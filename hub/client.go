// Package hub downloads pre-trained model snapshots from a Hugging Face
// compatible model hub into a local cache.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/api"
)

// tokenizerFiles are fetched whenever the repo has them.
var tokenizerFiles = map[string]bool{
	"tokenizer.json":          true,
	"tokenizer_config.json":   true,
	"special_tokens_map.json": true,
	"added_tokens.json":       true,
	"vocab.json":              true,
	"vocab.txt":               true,
	"merges.txt":              true,
	"spiece.model":            true,
	"tokenizer.model":         true,
}

// modelFiles are the non-weight files needed to load the model.
var modelFiles = map[string]bool{
	"config.json":                  true,
	"generation_config.json":       true,
	"model.safetensors.index.json": true,
	"pytorch_model.bin.index.json": true,
}

// Snapshot is a model revision materialized in the local cache.
type Snapshot struct {
	ModelID  string
	Revision string
	Dir      string
	Files    []string // slash-separated, relative to Dir, sorted
}

// Client talks to the model hub.
type Client struct {
	baseURL  string
	token    string
	cacheDir string
	http     *http.Client
	logger   zerolog.Logger
}

// NewClient creates a hub client that caches snapshots under cacheDir.
func NewClient(baseURL, token, cacheDir string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		cacheDir: cacheDir,
		http:     &http.Client{Timeout: 30 * time.Minute},
		logger:   logger,
	}
}

// File is one entry of a model repo listing.
type File struct {
	RFilename string `json:"rfilename"`
	Size      int64  `json:"size"`
}

type modelInfo struct {
	ID       string `json:"id"`
	SHA      string `json:"sha"`
	Siblings []File `json:"siblings"`
}

// Fetch downloads the tokenizer and model files of modelID at revision.
// Files already in the cache with the advertised size are not downloaded again.
func (c *Client) Fetch(ctx context.Context, modelID, revision string) (Snapshot, error) {
	if modelID == "" {
		return Snapshot{}, &api.InvalidParameterError{Message: "model id is required"}
	}
	if revision == "" {
		revision = "main"
	}
	dir, err := c.SnapshotDir(modelID, revision)
	if err != nil {
		return Snapshot{}, err
	}

	info, err := c.modelInfo(ctx, modelID, revision)
	if err != nil {
		return Snapshot{}, err
	}

	wanted, err := SelectFiles(info.Siblings)
	if err != nil {
		return Snapshot{}, fmt.Errorf("model %s: %w", modelID, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{ModelID: modelID, Revision: revision, Dir: dir}
	for _, f := range wanted {
		dest := filepath.Join(dir, filepath.FromSlash(f.RFilename))
		if st, err := os.Stat(dest); err == nil && f.Size > 0 && st.Size() == f.Size {
			c.logger.Debug().Str("file", f.RFilename).Msg("cached")
			snap.Files = append(snap.Files, f.RFilename)
			continue
		}
		start := time.Now()
		n, err := c.download(ctx, modelID, revision, f.RFilename, dest)
		if err != nil {
			return Snapshot{}, err
		}
		c.logger.Info().Str("file", f.RFilename).Int64("bytes", n).Dur("dur", time.Since(start)).Msg("downloaded")
		snap.Files = append(snap.Files, f.RFilename)
	}
	sort.Strings(snap.Files)
	return snap, nil
}

// SnapshotDir returns the cache directory for a model revision. Ids or
// revisions that would resolve outside the cache are rejected.
func (c *Client) SnapshotDir(modelID, revision string) (string, error) {
	if err := checkName("model id", modelID); err != nil {
		return "", err
	}
	if err := checkName("revision", revision); err != nil {
		return "", err
	}
	return filepath.Join(c.cacheDir, strings.ReplaceAll(modelID, "/", "--"), revision), nil
}

// SelectFiles picks the tokenizer, config and weight files from a repo
// listing. Safetensors weights are preferred over pickled .bin weights.
func SelectFiles(siblings []File) ([]File, error) {
	hasSafetensors := false
	for _, s := range siblings {
		if strings.HasSuffix(s.RFilename, ".safetensors") && !strings.Contains(s.RFilename, "/") {
			hasSafetensors = true
		}
	}

	var out []File
	weights := 0
	for _, s := range siblings {
		if err := checkName("file name", s.RFilename); err != nil {
			return nil, err
		}
		// Only root-level files; subfolders hold alternative exports (onnx, tf, ...).
		if strings.Contains(s.RFilename, "/") {
			continue
		}
		name := s.RFilename
		switch {
		case tokenizerFiles[name], modelFiles[name]:
			out = append(out, s)
		case strings.HasSuffix(name, ".safetensors"):
			out = append(out, s)
			weights++
		case !hasSafetensors && strings.HasPrefix(name, "pytorch_model") && strings.HasSuffix(name, ".bin"):
			out = append(out, s)
			weights++
		}
	}
	if weights == 0 {
		return nil, &api.InvalidParameterError{Message: "no model weight files found"}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RFilename < out[j].RFilename })
	return out, nil
}

func checkName(what, name string) error {
	if name == "" || path.IsAbs(name) || strings.ContainsRune(name, '\\') {
		return &api.InvalidParameterError{Message: fmt.Sprintf("invalid %s %q", what, name)}
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." || seg == "." {
			return &api.InvalidParameterError{Message: fmt.Sprintf("invalid %s %q", what, name)}
		}
	}
	return nil
}

func (c *Client) modelInfo(ctx context.Context, modelID, revision string) (*modelInfo, error) {
	u := fmt.Sprintf("%s/api/models/%s/revision/%s?blobs=true", c.baseURL, modelID, url.PathEscape(revision))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model info %s: %w", modelID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusUnauthorized:
		return nil, &api.NotFoundError{Resource: "model", ID: modelID}
	default:
		return nil, fmt.Errorf("model info %s: status %d", modelID, resp.StatusCode)
	}

	var info modelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("model info %s: %w", modelID, err)
	}
	return &info, nil
}

// download writes the file to a temp path next to dest and renames it into
// place, so an interrupted download never looks cached.
func (c *Client) download(ctx context.Context, modelID, revision, name, dest string) (int64, error) {
	u := fmt.Sprintf("%s/%s/resolve/%s/%s", c.baseURL, modelID, url.PathEscape(revision), name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download %s: status %d", name, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("download %s: %w", name, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
