package localdev

import (
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/api"
)

func TestDashboardURLContainsPort(t *testing.T) {
	tests := []struct {
		base string
		port int
		want string
	}{
		{"", 8501, "http://localhost:8501/"},
		{"https://d-abc.studio.us-east-1.sagemaker.aws/jupyter/default", 8501, "https://d-abc.studio.us-east-1.sagemaker.aws/jupyter/default/proxy/8501/"},
		{"https://d-abc.studio.us-east-1.sagemaker.aws/jupyter/default/", 8080, "https://d-abc.studio.us-east-1.sagemaker.aws/jupyter/default/proxy/8080/"},
	}
	for _, tt := range tests {
		got, err := DashboardURL(tt.base, tt.port)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.Contains(t, got, strconv.Itoa(tt.port))
	}
}

func TestDashboardURLInvalid(t *testing.T) {
	_, err := DashboardURL("", 0)
	assert.Error(t, err)
	_, err = DashboardURL("", 70000)
	assert.Error(t, err)
	_, err = DashboardURL("not a url", 8501)
	var invalid *api.InvalidParameterError
	assert.ErrorAs(t, err, &invalid)
}

func runArgs(t *testing.T, opts RunOptions) []string {
	t.Helper()
	cmd, err := RunCommand(opts)
	require.NoError(t, err)
	args, err := shellquote.Split(cmd)
	require.NoError(t, err)
	return args
}

func TestRunCommandMinimal(t *testing.T) {
	args := runArgs(t, RunOptions{Image: "smdash-dashboard:latest", HostPort: 8501})

	assert.Equal(t, []string{"docker", "run", "--rm", "-d", "--name", "smdash-dashboard",
		"-p", "8501:8501", "smdash-dashboard:latest"}, args)
	assert.NotContains(t, args, "-v")
	assert.NotContains(t, args, "-e")
}

func TestRunCommandWithLocalDir(t *testing.T) {
	dir := t.TempDir()
	args := runArgs(t, RunOptions{Image: "img", HostPort: 8080, ContainerPort: 8501, LocalDir: dir})

	assert.Contains(t, args, "8080:8501")
	i := indexOf(args, "-v")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, dir+":/app", args[i+1])
	assert.Equal(t, "img", args[len(args)-1])
}

func TestRunCommandRelativeDirIsAbsolute(t *testing.T) {
	args := runArgs(t, RunOptions{Image: "img", HostPort: 8501, LocalDir: "dashboard", MountPath: "/srv"})

	i := indexOf(args, "-v")
	require.GreaterOrEqual(t, i, 0)
	mount := args[i+1]
	assert.True(t, filepath.IsAbs(strings.TrimSuffix(mount, ":/srv")))
	assert.True(t, strings.HasSuffix(mount, ":/srv"))
}

func TestRunCommandDebug(t *testing.T) {
	args := runArgs(t, RunOptions{Image: "img", HostPort: 8501, Debug: true,
		Env: map[string]string{"ENDPOINT_NAME": "ep", "AWS_REGION": "us-east-1"}})

	assert.Equal(t, []string{"-e", "AWS_REGION=us-east-1", "-e", "ENDPOINT_NAME=ep", "-e", "DASHBOARD_DEBUG=true", "img"},
		args[len(args)-7:])

	noDebug := runArgs(t, RunOptions{Image: "img", HostPort: 8501})
	assert.NotContains(t, strings.Join(noDebug, " "), DebugEnv)

	envOnly := runArgs(t, RunOptions{Image: "img", HostPort: 8501, Env: map[string]string{DebugEnv: "true"}})
	assert.NotContains(t, strings.Join(envOnly, " "), DebugEnv)
}

func TestRunCommandQuotesValues(t *testing.T) {
	cmd, err := RunCommand(RunOptions{Image: "img", HostPort: 8501, Env: map[string]string{"GREETING": "hello world"}})
	require.NoError(t, err)
	assert.Contains(t, cmd, "'GREETING=hello world'")
}

func TestRunCommandValidation(t *testing.T) {
	_, err := RunCommand(RunOptions{HostPort: 8501})
	assert.Error(t, err)
	_, err = RunCommand(RunOptions{Image: "img"})
	assert.Error(t, err)
	_, err = RunCommand(RunOptions{Image: "img", HostPort: 8501, ContainerPort: -1})
	assert.Error(t, err)
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
