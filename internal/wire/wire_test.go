package wire

import (
	"bytes"
	"testing"
)

func TestEnvelopeWrapEncodeDecodeRoundtrip(t *testing.T) {
	payload := NonceCommitment{
		SessionID:      "abc123",
		SignerIndex:    2,
		SequenceNumber: 7,
		Commitment:     "deadbeef",
	}

	env, err := Wrap(TypeNonceCommitment, "abc123", "peer-1", payload)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if env.MessageID == "" {
		t.Fatal("Wrap did not assign a messageId")
	}
	if env.Timestamp == 0 {
		t.Fatal("Wrap did not assign a timestamp")
	}

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if decoded.Type != TypeNonceCommitment {
		t.Fatalf("Type = %s, want %s", decoded.Type, TypeNonceCommitment)
	}
	if decoded.SessionID != "abc123" {
		t.Fatalf("SessionID = %s, want abc123", decoded.SessionID)
	}
	if decoded.From != "peer-1" {
		t.Fatalf("From = %s, want peer-1", decoded.From)
	}
	if decoded.MessageID != env.MessageID {
		t.Fatalf("MessageID mismatch after roundtrip")
	}

	var gotPayload NonceCommitment
	if err := decodePayload(decoded, &gotPayload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if gotPayload != payload {
		t.Fatalf("payload mismatch: got %+v, want %+v", gotPayload, payload)
	}
}

func TestDecodeRejectsMalformedEnvelope(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatal("expected error decoding malformed envelope")
	}
}

func TestLengthPrefixedFramingRoundtrip(t *testing.T) {
	messages := [][]byte{
		[]byte("hello"),
		[]byte(""),
		bytes.Repeat([]byte{0xab}, 4096),
	}

	var buf bytes.Buffer
	for _, m := range messages {
		if err := WriteLengthPrefixed(&buf, m); err != nil {
			t.Fatalf("WriteLengthPrefixed: %v", err)
		}
	}

	for i, want := range messages {
		got, err := ReadLengthPrefixed(&buf)
		if err != nil {
			t.Fatalf("ReadLengthPrefixed message %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("message %d: got %v, want %v", i, got, want)
		}
	}
}

func TestWriteLengthPrefixedRejectsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer
	oversized := make([]byte, MaxMessageSize+1)
	if err := WriteLengthPrefixed(&buf, oversized); err == nil {
		t.Fatal("expected error writing an oversized message")
	}
}

func TestReadLengthPrefixedRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff}) // length far exceeding MaxMessageSize
	if _, err := ReadLengthPrefixed(&buf); err == nil {
		t.Fatal("expected error reading a length prefix exceeding MaxMessageSize")
	}
}
