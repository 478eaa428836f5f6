// Package notification holds the Notification record shared by the ledger,
// the classifier and both presentation channels.
package notification

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind is the closed-set category of a Notification. It maps 1:1 to an
// inbound frame's type.
type Kind string

const (
	KindNewProposalCreated       Kind = "new_proposal_created"
	KindProposalSigned           Kind = "proposal_signed"
	KindProposalExecuted         Kind = "proposal_executed"
	KindProposalExecutionSuccess Kind = "proposal_execution_success"
	KindProposalExecutionFailed  Kind = "proposal_execution_failed"
	KindSafeCreated              Kind = "safe_created"
	KindInfo                     Kind = "info"
	KindWarning                  Kind = "warning"
	KindError                    Kind = "error"
)

// Kinds lists every known kind in declaration order.
var Kinds = []Kind{
	KindNewProposalCreated,
	KindProposalSigned,
	KindProposalExecuted,
	KindProposalExecutionSuccess,
	KindProposalExecutionFailed,
	KindSafeCreated,
	KindInfo,
	KindWarning,
	KindError,
}

func (k Kind) Valid() bool {
	for _, x := range Kinds {
		if x == k {
			return true
		}
	}
	return false
}

// IsProposal reports whether the kind refers to a proposal lifecycle event.
func (k Kind) IsProposal() bool {
	return strings.HasPrefix(string(k), "proposal_") || k == KindNewProposalCreated
}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSpace(s))
	if !k.Valid() {
		return "", fmt.Errorf("unknown notification kind %q", s)
	}
	return k, nil
}

// Payload is the opaque structured map carried unchanged from the server event.
type Payload map[string]any

// String returns the value at key rendered as text, if present and non-empty.
func (p Payload) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", false
	}
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case json.Number:
		s = x.String()
	case fmt.Stringer:
		s = x.String()
	default:
		s = fmt.Sprint(x)
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// First returns the first non-empty value among keys.
func (p Payload) First(keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := p.String(k); ok {
			return s, true
		}
	}
	return "", false
}

// Candidate is what the classifier produces: everything but identity and state.
type Candidate struct {
	Kind    Kind
	Title   string
	Message string
	Payload Payload
}

type Notification struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Payload   Payload   `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}
