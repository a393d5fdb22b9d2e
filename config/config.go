// Package config loads smdash settings from the environment and an
// optional YAML file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultInferenceImageTag is the Hugging Face PyTorch inference DLC tag used
// when SMDASH_INFERENCE_IMAGE is not set.
const DefaultInferenceImageTag = "huggingface-pytorch-inference:2.1.0-transformers4.37.0-gpu-py310-cu118-ubuntu20.04"

// Config holds every resource identifier the deployment workflow touches.
type Config struct {
	Region    string `yaml:"region"`
	AccountID string `yaml:"account_id"`

	// Model hub
	ModelID       string `yaml:"model_id"`
	ModelRevision string `yaml:"model_revision"`
	HubURL        string `yaml:"hub_url"`
	HubToken      string `yaml:"-"`
	CacheDir      string `yaml:"cache_dir"`

	// Artifact storage
	Bucket         string `yaml:"bucket"`
	ArtifactPrefix string `yaml:"artifact_prefix"`

	// Hosted endpoint
	EndpointName   string `yaml:"endpoint_name"`
	RoleARN        string `yaml:"role_arn"`
	InstanceType   string `yaml:"instance_type"`
	InstanceCount  int    `yaml:"instance_count"`
	InferenceImage string `yaml:"inference_image"`

	// Dashboard container
	Repository    string `yaml:"repository"`
	ImageTag      string `yaml:"image_tag"`
	DashboardDir  string `yaml:"dashboard_dir"`
	DashboardPort int    `yaml:"dashboard_port"`
	DashboardURL  string `yaml:"url"`

	// Container service
	Cluster string `yaml:"cluster"`
	Service string `yaml:"service"`
	LBName  string `yaml:"lb_name"`
	LBDNS   string `yaml:"lb_dns"`

	StateFile   string `yaml:"state_file"`
	EndpointURL string `yaml:"endpoint_url"` // Custom endpoint URL for simulator mode
}

// FromEnv loads configuration from environment variables.
func FromEnv() Config {
	return Config{
		Region:         envOrDefault("AWS_REGION", "us-east-1"),
		AccountID:      os.Getenv("AWS_ACCOUNT_ID"),
		ModelID:        envOrDefault("SMDASH_MODEL_ID", "gpt2"),
		ModelRevision:  envOrDefault("SMDASH_MODEL_REVISION", "main"),
		HubURL:         envOrDefault("SMDASH_HUB_URL", "https://huggingface.co"),
		HubToken:       os.Getenv("HF_TOKEN"),
		CacheDir:       envOrDefault("SMDASH_CACHE_DIR", defaultDir("cache")),
		Bucket:         os.Getenv("SMDASH_BUCKET"),
		ArtifactPrefix: envOrDefault("SMDASH_ARTIFACT_PREFIX", "smdash/models"),
		EndpointName:   envOrDefault("SMDASH_ENDPOINT_NAME", "smdash-text-generation"),
		RoleARN:        os.Getenv("SMDASH_ROLE_ARN"),
		InstanceType:   envOrDefault("SMDASH_INSTANCE_TYPE", "ml.g4dn.xlarge"),
		InstanceCount:  envOrDefaultInt("SMDASH_INSTANCE_COUNT", 1),
		InferenceImage: os.Getenv("SMDASH_INFERENCE_IMAGE"),
		Repository:     envOrDefault("SMDASH_ECR_REPOSITORY", "smdash-dashboard"),
		ImageTag:       envOrDefault("SMDASH_IMAGE_TAG", "latest"),
		DashboardDir:   envOrDefault("SMDASH_DASHBOARD_DIR", "dashboard"),
		DashboardPort:  envOrDefaultInt("SMDASH_DASHBOARD_PORT", 8501),
		DashboardURL:   os.Getenv("SMDASH_URL"),
		Cluster:        os.Getenv("SMDASH_ECS_CLUSTER"),
		Service:        os.Getenv("SMDASH_ECS_SERVICE"),
		LBName:         os.Getenv("SMDASH_LB_NAME"),
		LBDNS:          os.Getenv("SMDASH_LB_DNS"),
		StateFile:      envOrDefault("SMDASH_STATE_FILE", defaultDir("state.json")),
		EndpointURL:    os.Getenv("SMDASH_ENDPOINT_URL"),
	}
}

// Load reads a YAML config file and overlays any values set in the
// environment. An empty path is the same as FromEnv.
func Load(path string) (Config, error) {
	env := FromEnv()
	if path == "" {
		return env, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return merge(file, env), nil
}

// merge starts from the file values and lets non-empty environment
// variables win. Defaults from FromEnv only fill fields the file left empty;
// a variable that is set but empty does not blank a file value.
func merge(file, env Config) Config {
	out := file
	pick := func(dst *string, key, envVal string) {
		if os.Getenv(key) != "" || *dst == "" {
			*dst = envVal
		}
	}
	pickInt := func(dst *int, key string, envVal int) {
		if os.Getenv(key) != "" || *dst == 0 {
			*dst = envVal
		}
	}

	pick(&out.Region, "AWS_REGION", env.Region)
	pick(&out.AccountID, "AWS_ACCOUNT_ID", env.AccountID)
	pick(&out.ModelID, "SMDASH_MODEL_ID", env.ModelID)
	pick(&out.ModelRevision, "SMDASH_MODEL_REVISION", env.ModelRevision)
	pick(&out.HubURL, "SMDASH_HUB_URL", env.HubURL)
	out.HubToken = env.HubToken
	pick(&out.CacheDir, "SMDASH_CACHE_DIR", env.CacheDir)
	pick(&out.Bucket, "SMDASH_BUCKET", env.Bucket)
	pick(&out.ArtifactPrefix, "SMDASH_ARTIFACT_PREFIX", env.ArtifactPrefix)
	pick(&out.EndpointName, "SMDASH_ENDPOINT_NAME", env.EndpointName)
	pick(&out.RoleARN, "SMDASH_ROLE_ARN", env.RoleARN)
	pick(&out.InstanceType, "SMDASH_INSTANCE_TYPE", env.InstanceType)
	pickInt(&out.InstanceCount, "SMDASH_INSTANCE_COUNT", env.InstanceCount)
	pick(&out.InferenceImage, "SMDASH_INFERENCE_IMAGE", env.InferenceImage)
	pick(&out.Repository, "SMDASH_ECR_REPOSITORY", env.Repository)
	pick(&out.ImageTag, "SMDASH_IMAGE_TAG", env.ImageTag)
	pick(&out.DashboardDir, "SMDASH_DASHBOARD_DIR", env.DashboardDir)
	pickInt(&out.DashboardPort, "SMDASH_DASHBOARD_PORT", env.DashboardPort)
	pick(&out.DashboardURL, "SMDASH_URL", env.DashboardURL)
	pick(&out.Cluster, "SMDASH_ECS_CLUSTER", env.Cluster)
	pick(&out.Service, "SMDASH_ECS_SERVICE", env.Service)
	pick(&out.LBName, "SMDASH_LB_NAME", env.LBName)
	pick(&out.LBDNS, "SMDASH_LB_DNS", env.LBDNS)
	pick(&out.StateFile, "SMDASH_STATE_FILE", env.StateFile)
	pick(&out.EndpointURL, "SMDASH_ENDPOINT_URL", env.EndpointURL)
	return out
}

// Validate checks required configuration.
func (c Config) Validate() error {
	if c.DashboardPort < 1 || c.DashboardPort > 65535 {
		return fmt.Errorf("dashboard port %d out of range", c.DashboardPort)
	}
	if c.DashboardURL != "" {
		u, err := url.Parse(c.DashboardURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("SMDASH_URL %q is not an absolute URL", c.DashboardURL)
		}
	}
	if c.SimulatorMode() {
		return nil // simulator mode: skip infra checks
	}
	if c.Bucket == "" {
		return fmt.Errorf("SMDASH_BUCKET is required")
	}
	if c.ModelID == "" {
		return fmt.Errorf("SMDASH_MODEL_ID is required")
	}
	if c.EndpointName == "" {
		return fmt.Errorf("SMDASH_ENDPOINT_NAME is required")
	}
	if c.RoleARN == "" {
		return fmt.Errorf("SMDASH_ROLE_ARN is required")
	}
	if c.InstanceCount < 1 {
		return fmt.Errorf("instance count must be at least 1")
	}
	return nil
}

// SimulatorMode reports whether AWS calls go to a local simulator.
func (c Config) SimulatorMode() bool {
	return c.EndpointURL != ""
}

// ImageURI returns the registry reference for the dashboard image.
func (c Config) ImageURI() (string, error) {
	if c.AccountID == "" {
		return "", fmt.Errorf("AWS account id is not set")
	}
	if c.Repository == "" {
		return "", fmt.Errorf("SMDASH_ECR_REPOSITORY is required")
	}
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com/%s:%s", c.AccountID, c.Region, c.Repository, c.tag()), nil
}

// LocalImage returns the local tag used for docker build/run.
func (c Config) LocalImage() string {
	return c.Repository + ":" + c.tag()
}

func (c Config) tag() string {
	if c.ImageTag == "" {
		return "latest"
	}
	return c.ImageTag
}

// ArtifactKey returns the object key of the packaged model archive.
func (c Config) ArtifactKey() string {
	prefix := strings.Trim(c.ArtifactPrefix, "/")
	if prefix == "" {
		return "model.tar.gz"
	}
	return prefix + "/model.tar.gz"
}

// InferenceImageURI returns the runtime container used by the hosted model.
// The default DLC lives in the AWS deep learning containers account.
func (c Config) InferenceImageURI() string {
	if c.InferenceImage != "" {
		return c.InferenceImage
	}
	return fmt.Sprintf("763104351884.dkr.ecr.%s.amazonaws.com/%s", c.Region, DefaultInferenceImageTag)
}

func defaultDir(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".smdash", name)
	}
	return filepath.Join(home, ".smdash", name)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
