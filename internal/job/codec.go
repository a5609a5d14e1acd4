package job

import (
	"encoding/json"

	"github.com/cockroachdb/errors"

	"timerd/internal/trigger"
)

// detailsWire mirrors Details with the trigger flattened into its
// tagged-union encoding. Details cannot embed trigger.Trigger directly in
// JSON because the interface carries no discriminant of its own.
type detailsWire struct {
	Details
	Trigger json.RawMessage `json:"trigger,omitempty"`
}

// MarshalDetails encodes a job, trigger included, for storage and transport.
func MarshalDetails(d *Details) ([]byte, error) {
	wire := detailsWire{Details: *d}
	if d.Trigger != nil {
		raw, err := trigger.Marshal(d.Trigger)
		if err != nil {
			return nil, errors.Wrapf(err, "job %s: encode trigger", d.ID)
		}
		wire.Trigger = raw
	}
	return json.Marshal(wire)
}

// UnmarshalDetails decodes a stored job snapshot.
func UnmarshalDetails(data []byte) (*Details, error) {
	var wire detailsWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errors.Wrap(err, "job: decode details")
	}
	d := wire.Details
	if len(wire.Trigger) > 0 {
		tr, err := trigger.Unmarshal(wire.Trigger)
		if err != nil {
			return nil, errors.Wrapf(err, "job %s: decode trigger", d.ID)
		}
		d.Trigger = tr
	}
	return &d, nil
}
