package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw, err := Encode(TypeSessionInput, "", "sess-1", Input{Data: "ls\n"})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, TypeSessionInput, env.Type)
	require.Equal(t, "sess-1", env.SessionID)
	require.Nil(t, env.Sequence)

	var in Input
	require.NoError(t, env.DecodePayload(&in))
	require.Equal(t, "ls\n", in.Data)
}

func TestEncodeSeqAttachesSequence(t *testing.T) {
	raw, err := EncodeSeq(TypeSessionOutput, "", "sess-1", 42, Output{IsComplete: true})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, env.Sequence)
	require.Equal(t, int64(42), *env.Sequence)
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"id":"x"}`))
	require.Error(t, err)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	require.Error(t, err)
}

func TestKnownType(t *testing.T) {
	require.True(t, KnownType(TypeSessionResize))
	require.False(t, KnownType("bogus.type"))
}

func TestVersionCompatible(t *testing.T) {
	require.True(t, VersionCompatible("1.0"))
	require.True(t, VersionCompatible("1.10"))
	require.False(t, VersionCompatible("2.0"))
	require.False(t, VersionCompatible(""))
}
