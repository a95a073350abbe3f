package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrJobNotFound      = errors.New("job not found")
	ErrStageNotFound    = errors.New("stage request not found")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrAlreadyApproved  = errors.New("stage request already approved")
	ErrInvalidStatus    = errors.New("invalid job status for this operation")
	ErrTopicNotAllowed  = errors.New("only ui.* topics may be published")
	ErrInvalidRequest   = errors.New("invalid request")
)
