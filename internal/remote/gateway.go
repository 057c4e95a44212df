package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/agentworkforce/relaystate/internal/workspacedoc"
)

// Revision is an opaque server-issued token compared only for equality.
// The zero value means no remote copy exists and travels as JSON null.
type Revision string

func (r Revision) IsZero() bool { return strings.TrimSpace(string(r)) == "" }

func (r Revision) String() string { return string(r) }

func (r Revision) display() string {
	if r.IsZero() {
		return "<none>"
	}
	return string(r)
}

func (r Revision) MarshalJSON() ([]byte, error) {
	if r.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(string(r))
}

func (r *Revision) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*r = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = Revision(s)
	return nil
}

// RemoteState is the bootstrap read of the authoritative copy.
type RemoteState struct {
	Exists    bool                  `json:"exists"`
	Rev       Revision              `json:"rev"`
	UpdatedAt string                `json:"updatedAt,omitempty"`
	UpdatedBy string                `json:"updatedBy,omitempty"`
	Data      workspacedoc.Document `json:"data"`
}

type PushRequest struct {
	IfMatchRev Revision              `json:"ifMatchRev"`
	UpdatedBy  string                `json:"updatedBy,omitempty"`
	Data       workspacedoc.Document `json:"data"`
}

type PushResult struct {
	Rev       Revision `json:"rev"`
	UpdatedAt string   `json:"updatedAt,omitempty"`
}

// Gateway is the conditional-write contract with the authoritative store.
type Gateway interface {
	FetchRemoteState(ctx context.Context) (RemoteState, error)
	PushRemoteState(ctx context.Context, req PushRequest) (PushResult, error)
}
