package job

import "encoding/json"

// RecipientKind discriminates recipient payload shapes.
type RecipientKind string

const (
	// RecipientKindHTTP is the reference recipient kind.
	RecipientKindHTTP RecipientKind = "http"
	// RecipientKindShell runs a local command, for host-maintenance jobs.
	RecipientKindShell RecipientKind = "shell"
)

// Recipient describes the external target a dispatch invokes. It is a
// tagged union: Kind selects which payload pointer is populated. The
// descriptor is immutable after job creation.
type Recipient struct {
	Kind  RecipientKind   `json:"kind"`
	HTTP  *HTTPRecipient  `json:"http,omitempty"`
	Shell *ShellRecipient `json:"shell,omitempty"`
}

// HTTPRecipient configures the outbound HTTP call for the reference kind.
type HTTPRecipient struct {
	URL         string            `json:"url"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	QueryParams map[string]string `json:"queryParams,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
}

// ShellRecipient runs Command through /bin/sh -c on the dispatching host.
type ShellRecipient struct {
	Command string `json:"command"`
}

// IsZero reports whether no recipient was supplied.
func (r Recipient) IsZero() bool {
	return r.Kind == "" && r.HTTP == nil && r.Shell == nil
}
