package replication

import (
	"bytes"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	req := &BackfillRequest{
		ReplicaID:      "0e0f8e7a-1f2b-4c3d-8e9f-0a1b2c3d4e5f",
		Shard:          3,
		BeginTimestamp: 100,
		EndTimestamp:   200,
	}
	msg, err := NewMessage(MsgBackfillRequest, req)
	if err != nil {
		t.Fatal(err)
	}
	frame, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := DecodeMessage(frame)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Type != MsgBackfillRequest {
		t.Errorf("type = %d, want %d", decoded.Type, MsgBackfillRequest)
	}

	var got BackfillRequest
	if err := decoded.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got != *req {
		t.Errorf("got %+v, want %+v", got, *req)
	}
}

func TestCompressedMessageRoundTrip(t *testing.T) {
	resp := &BackfillResponse{
		PrimaryID: "primary-1",
		Shard:     1,
		Keys:      [][]byte{[]byte("alice"), []byte("bob"), []byte("carol")},
		KeyCount:  3,
		Done:      true,
	}
	msg, err := NewCompressedMessage(MsgBackfillResponse, resp)
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Compressed {
		t.Fatal("message not marked compressed")
	}

	frame, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeMessage(frame)
	if err != nil {
		t.Fatal(err)
	}

	var got BackfillResponse
	if err := decoded.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.KeyCount != 3 || !got.Done {
		t.Errorf("got %+v", got)
	}
	for i, want := range resp.Keys {
		if !bytes.Equal(got.Keys[i], want) {
			t.Errorf("key[%d] = %q, want %q", i, got.Keys[i], want)
		}
	}
}

func TestCompressionShrinksRepetitiveKeys(t *testing.T) {
	keys := make([][]byte, 500)
	for i := range keys {
		keys[i] = []byte("user:profile:0000000000")
	}
	resp := &BackfillResponse{Keys: keys, KeyCount: len(keys), Done: true}

	plain, err := NewMessage(MsgBackfillResponse, resp)
	if err != nil {
		t.Fatal(err)
	}
	compressed, err := NewCompressedMessage(MsgBackfillResponse, resp)
	if err != nil {
		t.Fatal(err)
	}
	if len(compressed.Data) >= len(plain.Data) {
		t.Errorf("compressed payload %d bytes, plain %d", len(compressed.Data), len(plain.Data))
	}
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	if _, err := DecodeMessage([]byte("not json")); err == nil {
		t.Fatal("expected error for garbage frame")
	}
}

func TestBackfillRequestValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     BackfillRequest
		wantErr bool
	}{
		{
			name: "valid",
			req: BackfillRequest{
				ReplicaID:      "0e0f8e7a-1f2b-4c3d-8e9f-0a1b2c3d4e5f",
				BeginTimestamp: 1,
				EndTimestamp:   2,
			},
			wantErr: false,
		},
		{
			name:    "missing replica id",
			req:     BackfillRequest{BeginTimestamp: 1, EndTimestamp: 2},
			wantErr: true,
		},
		{
			name: "replica id not a uuid",
			req: BackfillRequest{
				ReplicaID:      "primary-1",
				BeginTimestamp: 1,
				EndTimestamp:   2,
			},
			wantErr: true,
		},
		{
			name: "end before begin",
			req: BackfillRequest{
				ReplicaID:      "0e0f8e7a-1f2b-4c3d-8e9f-0a1b2c3d4e5f",
				BeginTimestamp: 10,
				EndTimestamp:   5,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
