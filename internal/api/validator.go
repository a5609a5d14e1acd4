package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"

	"timerd/internal/job"
)

// ErrValidation marks request payloads rejected before reaching storage.
var ErrValidation = errors.New("api: invalid job payload")

// Validator checks job payloads against the dispatch capabilities of this
// deployment. Fire-time validation lives in the scheduler; this layer only
// rejects shapes that could never dispatch.
type Validator struct {
	// MaxTimeout caps the per-job execution timeout override.
	MaxTimeout time.Duration
}

func NewValidator(maxTimeout time.Duration) *Validator {
	return &Validator{MaxTimeout: maxTimeout}
}

// ValidateCreate vets a new job before scheduling.
func (v *Validator) ValidateCreate(d *job.Details) error {
	if d.Trigger == nil {
		return errors.Wrap(ErrValidation, "trigger is required")
	}
	if err := v.validateRecipient(d.Recipient); err != nil {
		return err
	}
	return v.validateTimeout(d)
}

func (v *Validator) validateRecipient(r job.Recipient) error {
	if r.IsZero() {
		return errors.Wrap(ErrValidation, "recipient is required")
	}
	switch r.Kind {
	case job.RecipientKindHTTP:
		if r.HTTP == nil || r.HTTP.URL == "" {
			return errors.Wrap(ErrValidation, "http recipient requires a url")
		}
		u, err := url.Parse(r.HTTP.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return errors.Wrapf(ErrValidation, "malformed recipient url %q", r.HTTP.URL)
		}
		if r.HTTP.Method != "" && !validMethod(r.HTTP.Method) {
			return errors.Wrapf(ErrValidation, "unsupported http method %q", r.HTTP.Method)
		}
	case job.RecipientKindShell:
		if r.Shell == nil || r.Shell.Command == "" {
			return errors.Wrap(ErrValidation, "shell recipient requires a command")
		}
	default:
		return errors.Wrapf(ErrValidation, "unknown recipient kind %q", r.Kind)
	}
	return nil
}

func (v *Validator) validateTimeout(d *job.Details) error {
	if d.ExecutionTimeout == nil {
		return nil
	}
	if *d.ExecutionTimeout <= 0 {
		return errors.Wrap(ErrValidation, "executionTimeout must be positive")
	}
	switch d.TimeoutUnit {
	case "", job.UnitMilliseconds, job.UnitSeconds, job.UnitMinutes, job.UnitHours:
	default:
		return errors.Wrapf(ErrValidation, "unknown timeout unit %q", d.TimeoutUnit)
	}
	if v.MaxTimeout > 0 && d.EffectiveTimeout(0, 0) > v.MaxTimeout {
		return errors.Wrapf(ErrValidation, "executionTimeout exceeds the %s ceiling", v.MaxTimeout)
	}
	return nil
}

// ValidatePatch enforces that a job update touches the trigger and nothing
// else; any other field in the body fails the request.
func (v *Validator) ValidatePatch(body []byte) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, errors.Wrap(ErrValidation, "malformed json body")
	}
	for key := range fields {
		if key != "trigger" {
			return nil, errors.Wrapf(ErrValidation, "field %q is not patchable", key)
		}
	}
	raw, ok := fields["trigger"]
	if !ok || len(raw) == 0 {
		return nil, errors.Wrap(ErrValidation, "trigger is required")
	}
	return raw, nil
}

func validMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodHead:
		return true
	}
	return false
}
