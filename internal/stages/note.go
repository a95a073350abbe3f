package stages

import (
	"fmt"
	"strconv"
	"strings"
)

// Marker returns the value of the last "key:value" token in note.
func Marker(note, key string) string {
	prefix := key + ":"
	var val string
	for _, tok := range strings.Fields(note) {
		if strings.HasPrefix(tok, prefix) {
			val = strings.TrimPrefix(tok, prefix)
		}
	}
	return val
}

// ResumeFrom returns the resume_from step index in note, or 0.
func ResumeFrom(note string) int {
	n, err := strconv.Atoi(Marker(note, "resume_from"))
	if err != nil || n < 1 {
		return 0
	}
	return n
}

// RequestID returns the req:<id> run request marker.
func RequestID(note string) string {
	return Marker(note, "req")
}

// StageRequestID returns the stage_req:<id> marker.
func StageRequestID(note string) string {
	return Marker(note, "stage_req")
}

// ResumeNote is the note appended when an approved job is requeued.
func ResumeNote(step int, requestID string) string {
	return fmt.Sprintf("approval granted resume_from:%d stage_req:%s", step, requestID)
}

// PlanID returns the plan:<artifact> marker pinning the plan a staged job
// resumes.
func PlanID(note string) string {
	return Marker(note, "plan")
}

// BlockedNote is the note appended when a job stops at a staged step.
func BlockedNote(step int, requestID, planArtifactID string) string {
	note := fmt.Sprintf("awaiting approval stage_req:%s step:%d", requestID, step)
	if planArtifactID != "" {
		note += " plan:" + planArtifactID
	}
	return note
}
