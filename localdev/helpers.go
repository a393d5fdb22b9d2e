// Package localdev runs the dashboard container on the developer machine.
package localdev

import (
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/api"
)

// DebugEnv is set to "true" inside the container when debug output is requested.
const DebugEnv = "DASHBOARD_DEBUG"

const (
	defaultName      = "smdash-dashboard"
	defaultMountPath = "/app"
)

// RunOptions describes one local dashboard container.
type RunOptions struct {
	Name          string
	Image         string
	HostPort      int
	ContainerPort int    // defaults to HostPort
	LocalDir      string // mounted at MountPath when set
	MountPath     string
	Env           map[string]string
	Debug         bool
}

// DashboardURL returns where the dashboard listening on port can be opened.
// Without a base URL that is localhost; with one (a notebook proxy) it is
// <base>/proxy/<port>/.
func DashboardURL(baseURL string, port int) (string, error) {
	if err := checkPort("port", port); err != nil {
		return "", err
	}
	p := strconv.Itoa(port)
	if baseURL == "" {
		return "http://localhost:" + p + "/", nil
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", &api.InvalidParameterError{Message: fmt.Sprintf("invalid base url %q", baseURL)}
	}
	return strings.TrimRight(baseURL, "/") + "/proxy/" + p + "/", nil
}

// RunCommand renders the docker run command line for opts, quoted for a
// POSIX shell.
func RunCommand(opts RunOptions) (string, error) {
	o, err := opts.normalize()
	if err != nil {
		return "", err
	}
	args := []string{"docker", "run", "--rm", "-d", "--name", o.Name,
		"-p", fmt.Sprintf("%d:%d", o.HostPort, o.ContainerPort)}
	if o.LocalDir != "" {
		args = append(args, "-v", o.LocalDir+":"+o.MountPath)
	}
	for _, kv := range o.envList() {
		args = append(args, "-e", kv)
	}
	args = append(args, o.Image)
	return shellquote.Join(args...), nil
}

// normalize validates opts and fills in defaults. LocalDir is made absolute.
func (o RunOptions) normalize() (RunOptions, error) {
	if o.Image == "" {
		return o, &api.InvalidParameterError{Message: "image is required"}
	}
	if o.ContainerPort == 0 {
		o.ContainerPort = o.HostPort
	}
	if err := checkPort("host port", o.HostPort); err != nil {
		return o, err
	}
	if err := checkPort("container port", o.ContainerPort); err != nil {
		return o, err
	}
	if o.Name == "" {
		o.Name = defaultName
	}
	if o.LocalDir != "" {
		abs, err := filepath.Abs(o.LocalDir)
		if err != nil {
			return o, fmt.Errorf("resolve %s: %w", o.LocalDir, err)
		}
		o.LocalDir = abs
		if o.MountPath == "" {
			o.MountPath = defaultMountPath
		}
	}
	return o, nil
}

// envList returns K=V pairs sorted by key, with the debug flag last.
func (o RunOptions) envList() []string {
	keys := make([]string, 0, len(o.Env))
	for k := range o.Env {
		if k == DebugEnv {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		out = append(out, k+"="+o.Env[k])
	}
	if o.Debug {
		out = append(out, DebugEnv+"=true")
	}
	return out
}

func checkPort(what string, port int) error {
	if port < 1 || port > 65535 {
		return &api.InvalidParameterError{Message: fmt.Sprintf("%s %d out of range", what, port)}
	}
	return nil
}
