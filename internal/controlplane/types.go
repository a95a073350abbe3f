package controlplane

// PublishRequest is the body of POST /events.
type PublishRequest struct {
	Topic   string                 `json:"topic"`
	Payload map[string]interface{} `json:"payload"`
}

// EnqueueRequest is the body of POST /jobs.
type EnqueueRequest struct {
	Kind  string `json:"kind"`
	Scope string `json:"scope"`
	Note  string `json:"note"`
}

// FailRequest is the optional body of POST /jobs/{id}/fail.
type FailRequest struct {
	Note string `json:"note"`
}

// ApproveRequest is the optional body of POST /stages/{id}/approve.
type ApproveRequest struct {
	ApprovedBy string `json:"approved_by"`
}
