package stage

// Health summarizes the readiness of a stage service as seen by the orchestrator.
type Health struct {
	Name   Name   `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// Healthy constructs a ready Health record.
func Healthy(name Name) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name Name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}
