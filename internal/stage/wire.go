package stage

import "encoding/json"

// Request is the JSON body the orchestrator POSTs to a Stage Service.
type Request struct {
	TaskID   string  `json:"task_id"`
	InputRef string  `json:"input_ref,omitempty"`
	Text     string  `json:"text,omitempty"`
	Options  Options `json:"options"`
}

// Output names an artifact written by a stage.
type Output struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256,omitempty"`
}

// Result is the success body of a stage call.
type Result struct {
	Status         string   `json:"status"`
	TaskID         string   `json:"task_id"`
	Stage          Name     `json:"stage"`
	Output         Output   `json:"output"`
	Extra          []Output `json:"extra,omitempty"`
	ProcessingTime float64  `json:"processing_time"`
	Model          string   `json:"model,omitempty"`
	Device         string   `json:"device,omitempty"`
	Text           string   `json:"text,omitempty"`
}

// ErrorBody is the failure body of any Stage Service endpoint.
type ErrorBody struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind"`
}

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status     string `json:"status"`
	Service    Name   `json:"service"`
	Device     string `json:"device,omitempty"`
	Model      string `json:"model,omitempty"`
	GuardState string `json:"guard_state,omitempty"`
	Ready      bool   `json:"ready"`
	Detail     string `json:"detail,omitempty"`
}

// UnmarshalJSON reads reports from services that predate the ready field:
// without it a report is ready unless its status is unhealthy, busy or
// error. model_size is accepted in place of model.
func (r *HealthReport) UnmarshalJSON(data []byte) error {
	type plain HealthReport
	var raw struct {
		plain
		Ready     *bool  `json:"ready"`
		ModelSize string `json:"model_size"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = HealthReport(raw.plain)
	if raw.Ready != nil {
		r.Ready = *raw.Ready
	} else {
		switch r.Status {
		case StatusDown, StatusBusy, StatusError:
			r.Ready = false
		default:
			r.Ready = true
		}
	}
	if r.Model == "" {
		r.Model = raw.ModelSize
	}
	return nil
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusHealthy = "healthy"
	StatusBusy    = "busy"
	StatusDown    = "unhealthy"
)
