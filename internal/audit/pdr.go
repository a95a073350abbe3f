// Package audit provides PDR (Process Decision Record) writing for reconpi.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/reconpi/internal/models"
)

// Sink persists decision records.
type Sink interface {
	WritePDR(action, inputsHash, outcome, jobID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink Sink
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s Sink) *PDRWriter {
	return &PDRWriter{sink: s}
}

// Record writes a PDR entry for a gate decision or state-mutating action.
func (w *PDRWriter) Record(action string, inputs interface{}, outcome, jobID, details string) (*models.PDREntry, error) {
	return w.sink.WritePDR(action, HashInputs(inputs), outcome, jobID, details)
}

// HashInputs creates a SHA256 hash of the inputs for reproducibility.
// encoding/json sorts map keys, so equal maps hash equally.
func HashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
