package models

// PipelineStatus is the status event recorded whenever a job instance
// changes state.
type PipelineStatus struct {
	Pipeline  string     `json:"pipeline"`
	Job       string     `json:"job"`
	Name      string     `json:"name,omitempty"`
	Status    StatusKind `json:"status"`
	Error     *string    `json:"error,omitempty"`
	ExitCode  *int64     `json:"exit_code,omitempty"`
	CreatedAt string     `json:"created_at"`
}
