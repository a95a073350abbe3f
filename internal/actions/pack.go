package actions

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fentz26/reconpi/internal/models"
	"gopkg.in/yaml.v3"
)

type packFile struct {
	Actions []yaml.Node `yaml:"actions"`
}

// ParsePack decodes an action pack. Entries that are not mappings, fail to
// decode or fail validation are skipped and counted.
func ParsePack(data []byte) ([]models.ActionSpec, int, error) {
	var pf packFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, 0, fmt.Errorf("parsing action pack: %w", err)
	}

	var specs []models.ActionSpec
	skipped := 0
	for i := range pf.Actions {
		node := &pf.Actions[i]
		if node.Kind != yaml.MappingNode {
			skipped++
			continue
		}
		var spec models.ActionSpec
		if err := node.Decode(&spec); err != nil {
			skipped++
			continue
		}
		if err := ValidateSpec(&spec); err != nil {
			skipped++
			continue
		}
		specs = append(specs, spec)
	}
	return specs, skipped, nil
}

// ValidateSpec checks required fields and fills defaults.
func ValidateSpec(spec *models.ActionSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("action id is required")
	}
	if spec.Name == "" {
		spec.Name = spec.ID
	}
	if spec.Driver == "" {
		spec.Driver = models.DriverExternalStub
	}
	switch spec.Driver {
	case models.DriverBuiltin, models.DriverExternalStub:
	case models.DriverCommand:
		if len(spec.Command) == 0 {
			return fmt.Errorf("action %s: command driver needs a command", spec.ID)
		}
	default:
		return fmt.Errorf("action %s: unknown driver %q", spec.ID, spec.Driver)
	}
	if spec.Risk == "" {
		spec.Risk = models.RiskSafe
	}
	switch spec.Risk {
	case models.RiskSafe, models.RiskCaution, models.RiskDanger:
	default:
		return fmt.Errorf("action %s: unknown risk %q", spec.ID, spec.Risk)
	}
	if spec.TimeoutSec <= 0 {
		spec.TimeoutSec = models.DefaultTimeoutSec
	}
	return nil
}

// LoadPack reads one pack file into the registry and returns how many
// actions were registered.
func (r *Registry) LoadPack(path string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading action pack: %w", err)
	}
	specs, skipped, err := ParsePack(data)
	if err != nil {
		return 0, err
	}
	if skipped > 0 {
		logger.Warn("skipped malformed actions", "pack", path, "skipped", skipped)
	}
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			return 0, err
		}
	}
	return len(specs), nil
}

// LoadPacks expands each pattern (doublestar syntax, so "**" recurses) and
// loads every matching file. Unreadable packs are logged and skipped.
func (r *Registry) LoadPacks(patterns []string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	total := 0
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return total, fmt.Errorf("glob error: %w", err)
		}
		for _, path := range matches {
			n, err := r.LoadPack(path, logger)
			if err != nil {
				logger.Warn("action pack not loaded", "pack", path, "error", err)
				continue
			}
			total += n
		}
	}
	return total, nil
}

//go:embed default_pack.yaml
var defaultPack []byte

// LoadDefaultPack registers the actions shipped with the binary.
func (r *Registry) LoadDefaultPack() (int, error) {
	specs, _, err := ParsePack(defaultPack)
	if err != nil {
		return 0, err
	}
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			return 0, err
		}
	}
	return len(specs), nil
}
