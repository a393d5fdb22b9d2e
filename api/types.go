package api

// GenerateRequest is the prompt sent to the text-generation endpoint.
type GenerateRequest struct {
	Prompt       string  `json:"prompt"`
	MaxNewTokens int     `json:"max_new_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	TopP         float64 `json:"top_p,omitempty"`
	DoSample     bool    `json:"do_sample,omitempty"`
}

// GenerateResponse is the text produced for a GenerateRequest.
type GenerateResponse struct {
	GeneratedText string `json:"generated_text"`
	Endpoint      string `json:"endpoint,omitempty"`
	LatencyMS     int64  `json:"latency_ms,omitempty"`
}

// EndpointStatus is a point-in-time view of a hosted endpoint.
type EndpointStatus struct {
	Name          string `json:"name"`
	Status        string `json:"status"`
	ConfigName    string `json:"config_name,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// InService reports whether the endpoint accepts invocations.
func (s EndpointStatus) InService() bool {
	return s.Status == "InService"
}

// ServiceStatus is a point-in-time view of an ECS service.
type ServiceStatus struct {
	Cluster      string `json:"cluster"`
	Service      string `json:"service"`
	Status       string `json:"status"`
	DesiredCount int32  `json:"desired_count"`
	RunningCount int32  `json:"running_count"`
	PendingCount int32  `json:"pending_count"`
	Deployments  int    `json:"deployments"`
}

// Stable reports whether the service has settled at its desired count.
func (s ServiceStatus) Stable() bool {
	return s.Deployments <= 1 && s.RunningCount == s.DesiredCount && s.PendingCount == 0
}

// LogEvent is a single log line from a hosted endpoint.
type LogEvent struct {
	Timestamp int64  `json:"timestamp"`
	Stream    string `json:"stream"`
	Message   string `json:"message"`
}

// HealthResponse is returned by the gateway health check.
type HealthResponse struct {
	Status   string         `json:"status"`
	Endpoint EndpointStatus `json:"endpoint"`
}
