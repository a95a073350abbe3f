package actions

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/fentz26/reconpi/internal/connectors/localexec"
	"github.com/fentz26/reconpi/internal/models"
	"github.com/fentz26/reconpi/internal/policy"
)

var placeholder = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

func (r *Runner) dispatch(ctx context.Context, spec models.ActionSpec, req Request) models.ActionResult {
	switch spec.Driver {
	case models.DriverExternalStub:
		return r.runStub(spec, req)
	case models.DriverCommand:
		return r.runCommand(ctx, spec, req)
	case models.DriverBuiltin:
		return r.runBuiltin(ctx, spec, req)
	}
	r.publish("action.finished", map[string]interface{}{"id": spec.ID, "ok": false, "reason": ReasonUnknownDriver})
	return failed("unknown driver "+string(spec.Driver), ReasonUnknownDriver)
}

func (r *Runner) runStub(spec models.ActionSpec, req Request) models.ActionResult {
	id := r.putArtifact(KindActionStub, spec.Name+" (stub)", map[string]interface{}{
		"note":    "external_stub: capability not built into this binary",
		"payload": req.Payload,
	})
	r.publish("action.finished", map[string]interface{}{"id": spec.ID, "ok": true, "artifact_id": id, "stub": true})
	return models.ActionResult{OK: true, ArtifactID: id, Summary: "stub recorded", Meta: map[string]interface{}{"stub": true}}
}

func (r *Runner) runCommand(ctx context.Context, spec models.ActionSpec, req Request) models.ActionResult {
	if len(spec.Command) == 0 {
		r.publish("action.finished", map[string]interface{}{"id": spec.ID, "ok": false, "reason": ReasonBadTemplate})
		return failed("no command configured", ReasonBadTemplate)
	}
	tool := spec.Command[0]
	if !r.currentPolicy().ToolAllowed(tool) || r.connector == nil || !r.connector.IsAllowed(tool, nil) {
		r.publish("action.blocked", map[string]interface{}{"id": spec.ID, "reason": ReasonToolNotAllowed, "tool": tool})
		r.audit(spec, req, "blocked", ReasonToolNotAllowed)
		res := failed("tool not allowed", ReasonToolNotAllowed)
		res.Meta["tool"] = tool
		res.ArtifactID = r.putArtifact(KindActionBlocked, spec.Name+" (blocked)", map[string]interface{}{
			"id": spec.ID, "reason": ReasonToolNotAllowed, "tool": tool, "mode": string(req.Mode), "payload": req.Payload,
		})
		return res
	}

	args, err := FormatArgs(spec.Command[1:], req.Payload)
	if err != nil {
		r.publish("action.finished", map[string]interface{}{"id": spec.ID, "ok": false, "reason": ReasonBadTemplate, "error": err.Error()})
		return failed(err.Error(), ReasonBadTemplate)
	}

	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout())
	defer cancel()

	exec, err := r.connector.Execute(runCtx, tool, args)
	if err != nil {
		reason := ReasonExecError
		if errors.Is(err, localexec.ErrNotAllowed) {
			reason = ReasonToolNotAllowed
		}
		r.publish("action.finished", map[string]interface{}{"id": spec.ID, "ok": false, "reason": reason, "error": err.Error()})
		return failed(err.Error(), reason)
	}

	cmd := append([]string{tool}, args...)
	if exec.TimedOut {
		artifactID := r.putArtifact(KindActionRun, spec.Name, commandArtifact(spec, req, cmd, exec.ExitCode, exec.Stdout, exec.Stderr, exec.Duration, true))
		r.publish("action.finished", map[string]interface{}{"id": spec.ID, "ok": false, "timeout": true, "artifact_id": artifactID})
		return models.ActionResult{
			OK:         false,
			ArtifactID: artifactID,
			Summary:    "timeout",
			Meta:       map[string]interface{}{"timeout": true, "reason": ReasonTimeout},
		}
	}

	artifactID := r.putArtifact(KindActionRun, spec.Name, commandArtifact(spec, req, cmd, exec.ExitCode, exec.Stdout, exec.Stderr, exec.Duration, false))
	ok := exec.ExitCode == 0
	r.publish("action.finished", map[string]interface{}{"id": spec.ID, "ok": ok, "artifact_id": artifactID, "rc": exec.ExitCode})
	return models.ActionResult{
		OK:         ok,
		ArtifactID: artifactID,
		Summary:    "done",
		Meta:       map[string]interface{}{"rc": exec.ExitCode, "duration_s": exec.Duration.Seconds()},
	}
}

func commandArtifact(spec models.ActionSpec, req Request, cmd []string, rc int, stdout, stderr string, dur time.Duration, timedOut bool) map[string]interface{} {
	return map[string]interface{}{
		"spec":       map[string]interface{}{"id": spec.ID, "name": spec.Name, "category": spec.Category},
		"payload":    req.Payload,
		"cmd":        cmd,
		"returncode": rc,
		"stdout":     stdout,
		"stderr":     stderr,
		"duration_s": dur.Seconds(),
		"timeout":    timedOut,
	}
}

func (r *Runner) runBuiltin(ctx context.Context, spec models.ActionSpec, req Request) (res models.ActionResult) {
	fn, ok := r.registry.builtin(spec.ID)
	if !ok {
		id := r.putArtifact(KindActionBuiltin, spec.Name, map[string]interface{}{"payload": req.Payload})
		r.publish("action.finished", map[string]interface{}{"id": spec.ID, "ok": true, "artifact_id": id})
		return models.ActionResult{OK: true, ArtifactID: id, Summary: "builtin placeholder", Meta: map[string]interface{}{}}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("builtin panicked", "action", spec.ID, "panic", p)
			res = failed(fmt.Sprintf("builtin panic: %v", p), ReasonBuiltinError)
			r.publish("action.finished", map[string]interface{}{"id": spec.ID, "ok": false, "reason": ReasonBuiltinError})
		}
	}()

	res, err := fn(ctx, req.Payload)
	if err != nil {
		res = failed(err.Error(), ReasonBuiltinError)
	}
	if res.Meta == nil {
		res.Meta = map[string]interface{}{}
	}
	if res.ArtifactID == "" {
		res.ArtifactID = r.putArtifact(KindActionBuiltin, spec.Name, map[string]interface{}{
			"payload": req.Payload, "ok": res.OK, "summary": res.Summary, "meta": res.Meta,
		})
	}
	r.publish("action.finished", map[string]interface{}{"id": spec.ID, "ok": res.OK, "artifact_id": res.ArtifactID})
	return res
}

// FormatArgs substitutes {key} placeholders with payload values. A
// placeholder without a payload value is an error.
func FormatArgs(tokens []string, payload map[string]interface{}) ([]string, error) {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		var missing string
		formatted := placeholder.ReplaceAllStringFunc(tok, func(m string) string {
			key := m[1 : len(m)-1]
			v, ok := payload[key]
			if !ok || v == nil {
				if missing == "" {
					missing = key
				}
				return m
			}
			return fmt.Sprint(v)
		})
		if missing != "" {
			return nil, fmt.Errorf("template %q: missing payload key %q", tok, missing)
		}
		out = append(out, formatted)
	}
	return out, nil
}

func scopeWithin(target string, scopes []string) bool {
	return policy.Contained(target, policy.ParseScopes(scopes))
}
