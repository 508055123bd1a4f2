// Package transform maps raw upstream payloads to domain snapshots.
//
// Everything here is pure: no I/O, no shared state, and the reference time
// is always the AsOf of the input. Malformed payloads are Fatal failures;
// retrying cannot fix them.
package transform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/eng-health-collector/pkg/failure"
)

// Kind tags a raw payload with the upstream record shape it carries.
type Kind string

const (
	KindWorkItem    Kind = "work_item"
	KindPullRequest Kind = "pull_request"
	KindBuild       Kind = "build"
	KindFinding     Kind = "finding"
)

// Work-item fields requested from the batch endpoint.
const (
	FieldType     = "System.WorkItemType"
	FieldState    = "System.State"
	FieldCreated  = "System.CreatedDate"
	FieldPriority = "Microsoft.VSTS.Common.Priority"
)

// WorkItemFields is the projection the Transformer needs.
var WorkItemFields = []string{"System.Id", FieldType, FieldState, FieldCreated, FieldPriority}

// RawPayload is one upstream record tagged with its shape.
type RawPayload struct {
	Kind Kind
	Body json.RawMessage
}

// Tag wraps bodies of one kind.
func Tag(kind Kind, bodies []json.RawMessage) []RawPayload {
	out := make([]RawPayload, len(bodies))
	for i, b := range bodies {
		out[i] = RawPayload{Kind: kind, Body: b}
	}
	return out
}

// WorkItem is a decoded work-item record.
type WorkItem struct {
	ID        int64
	Type      string
	State     string
	Priority  int
	CreatedAt time.Time
}

// PullRequest is a decoded pull-request record.
type PullRequest struct {
	ID        int64
	CreatedAt time.Time
	IsDraft   bool
}

// Build is a decoded build record.
type Build struct {
	ID     int64
	Status string
	Result string
}

// Finding is a decoded vulnerability finding.
type Finding struct {
	ID       string
	Severity string
	State    string
}

type workItemWire struct {
	ID     *int64 `json:"id"`
	Fields struct {
		Type     *string    `json:"System.WorkItemType"`
		State    *string    `json:"System.State"`
		Created  *time.Time `json:"System.CreatedDate"`
		Priority *int       `json:"Microsoft.VSTS.Common.Priority"`
	} `json:"fields"`
}

type pullRequestWire struct {
	ID      *int64     `json:"pullRequestId"`
	Created *time.Time `json:"creationDate"`
	IsDraft bool       `json:"isDraft"`
	Status  string     `json:"status"`
}

type buildWire struct {
	ID     *int64 `json:"id"`
	Status string `json:"status"`
	Result string `json:"result"`
}

type findingWire struct {
	ID       *string `json:"id"`
	Severity *string `json:"severity"`
	State    string  `json:"state"`
}

// Decode parses p into the typed record for its kind: WorkItem,
// PullRequest, Build or Finding.
func Decode(p RawPayload) (any, error) {
	switch p.Kind {
	case KindWorkItem:
		var w workItemWire
		if err := unmarshal(p, &w); err != nil {
			return nil, err
		}
		if w.ID == nil || w.Fields.Type == nil || w.Fields.State == nil {
			return nil, malformed(p.Kind, "id, type and state are required")
		}
		item := WorkItem{ID: *w.ID, Type: *w.Fields.Type, State: *w.Fields.State}
		if w.Fields.Priority != nil {
			item.Priority = *w.Fields.Priority
		}
		if w.Fields.Created != nil {
			item.CreatedAt = *w.Fields.Created
		}
		return item, nil

	case KindPullRequest:
		var w pullRequestWire
		if err := unmarshal(p, &w); err != nil {
			return nil, err
		}
		if w.ID == nil || w.Created == nil {
			return nil, malformed(p.Kind, "pullRequestId and creationDate are required")
		}
		return PullRequest{ID: *w.ID, CreatedAt: *w.Created, IsDraft: w.IsDraft}, nil

	case KindBuild:
		var w buildWire
		if err := unmarshal(p, &w); err != nil {
			return nil, err
		}
		if w.ID == nil {
			return nil, malformed(p.Kind, "id is required")
		}
		return Build{ID: *w.ID, Status: strings.ToLower(w.Status), Result: strings.ToLower(w.Result)}, nil

	case KindFinding:
		var w findingWire
		if err := unmarshal(p, &w); err != nil {
			return nil, err
		}
		if w.ID == nil || w.Severity == nil || *w.Severity == "" {
			return nil, malformed(p.Kind, "id and severity are required")
		}
		return Finding{ID: *w.ID, Severity: strings.ToLower(*w.Severity), State: strings.ToLower(w.State)}, nil
	}

	return nil, failure.New(failure.Fatal, "transform", fmt.Sprintf("unknown payload kind %q", p.Kind))
}

func unmarshal(p RawPayload, v any) error {
	if err := json.Unmarshal(p.Body, v); err != nil {
		return &failure.Error{
			Kind:    failure.Fatal,
			Op:      "transform",
			Message: fmt.Sprintf("decode %s", p.Kind),
			Err:     err,
		}
	}
	return nil
}

func malformed(kind Kind, msg string) error {
	return failure.New(failure.Fatal, "transform", fmt.Sprintf("malformed %s: %s", kind, msg))
}
