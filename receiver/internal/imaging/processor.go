package imaging

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"imaging-edge-proxy/receiver/internal/models"
	"imaging-edge-proxy/receiver/internal/phi"
	"imaging-edge-proxy/shared/workflow"
)

// AnonymizeProcessor rewrites patient identifiers in a file set with
// deterministic anonymized ids, recording reverse mappings as it goes.
type AnonymizeProcessor struct {
	anon *phi.Anonymizer
}

func NewAnonymizeProcessor(anon *phi.Anonymizer) *AnonymizeProcessor {
	return &AnonymizeProcessor{anon: anon}
}

func (p *AnonymizeProcessor) State() string {
	return workflow.StateAnonymizing
}

func (p *AnonymizeProcessor) Process(ctx context.Context, workspaceID string, files []string) error {
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		name, patientID, err := ReadPatientIdentity(path)
		if err != nil {
			return fmt.Errorf("read identity: %w", err)
		}
		if name == "" && patientID == "" {
			continue
		}
		anonID, err := p.anon.Anonymize(ctx, workspaceID, models.PatientIdentity{
			PatientName: name,
			PatientID:   patientID,
		})
		if err != nil {
			return err
		}
		if err := RewriteFile(path, anonID); err != nil {
			return fmt.Errorf("rewrite %s: %w", path, err)
		}
	}
	return nil
}

// ToggleProcessor gates a processor behind a runtime switch, flipped by
// proxy.config_changed.
type ToggleProcessor struct {
	inner   *AnonymizeProcessor
	enabled atomic.Bool
}

func NewToggleProcessor(inner *AnonymizeProcessor, enabled bool) *ToggleProcessor {
	t := &ToggleProcessor{inner: inner}
	t.enabled.Store(enabled)
	return t
}

func (t *ToggleProcessor) SetEnabled(v bool) {
	t.enabled.Store(v)
}

func (t *ToggleProcessor) Enabled() bool {
	return t.enabled.Load()
}

func (t *ToggleProcessor) State() string {
	return t.inner.State()
}

func (t *ToggleProcessor) Process(ctx context.Context, workspaceID string, files []string) error {
	if !t.enabled.Load() {
		return nil
	}
	return t.inner.Process(ctx, workspaceID, files)
}

// DeanonymizeProcessor restores original identifiers for transfers to
// trusted nodes, using the proxy's own service token for the phi:read
// capability check.
type DeanonymizeProcessor struct {
	anon         *phi.Anonymizer
	serviceToken string
}

func NewDeanonymizeProcessor(anon *phi.Anonymizer, serviceToken string) *DeanonymizeProcessor {
	return &DeanonymizeProcessor{anon: anon, serviceToken: serviceToken}
}

func (p *DeanonymizeProcessor) State() string {
	return workflow.StateDeanonymizing
}

func (p *DeanonymizeProcessor) Process(ctx context.Context, workspaceID string, files []string) error {
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		name, _, err := ReadPatientIdentity(path)
		if err != nil {
			return fmt.Errorf("read identity: %w", err)
		}
		if !strings.HasPrefix(name, "ANON-") {
			continue
		}
		identity, err := p.anon.Deanonymize(ctx, workspaceID, name, p.serviceToken)
		if err != nil {
			return err
		}
		if err := RewriteIdentity(path, identity); err != nil {
			return fmt.Errorf("rewrite %s: %w", path, err)
		}
	}
	return nil
}
