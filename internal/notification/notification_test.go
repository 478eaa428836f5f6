package notification

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" proposal_signed ")
	require.NoError(t, err)
	require.Equal(t, KindProposalSigned, k)

	_, err = ParseKind("unsupported_future_kind")
	require.Error(t, err)
}

func TestIsProposal(t *testing.T) {
	require.True(t, KindNewProposalCreated.IsProposal())
	require.True(t, KindProposalExecutionFailed.IsProposal())
	require.False(t, KindSafeCreated.IsProposal())
	require.False(t, KindWarning.IsProposal())
}

func TestPayloadString(t *testing.T) {
	p := Payload{"id": "p1", "n": json.Number("42"), "f": 1.5, "blank": "  ", "nil": nil}
	s, ok := p.String("n")
	require.True(t, ok)
	require.Equal(t, "42", s)

	s, _ = p.String("f")
	require.Equal(t, "1.5", s)

	_, ok = p.String("blank")
	require.False(t, ok)
	_, ok = p.String("nil")
	require.False(t, ok)

	s, ok = p.First("missing", "blank", "id")
	require.True(t, ok)
	require.Equal(t, "p1", s)
}
