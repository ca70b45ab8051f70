package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"pairchat/replica"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"ping","timestamp":1}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(buffer); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeMessageType(t *testing.T) {
	msgType, err := DecodeMessageType([]byte(`{"type":"get","request_id":"r1"}`))
	if err != nil {
		t.Fatalf("DecodeMessageType failed: %v", err)
	}
	if msgType != TypeGet {
		t.Fatalf("expected %q, got %q", TypeGet, msgType)
	}

	if _, err := DecodeMessageType([]byte(`{"request_id":"r1"}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}
}

func TestErrorCodesRoundTrip(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("write: %w", replica.ErrRecordTooLarge), CodeRecordTooLarge},
		{fmt.Errorf("write: %w", replica.ErrInvalidPath), CodeInvalidPath},
		{context.DeadlineExceeded, CodeTimeout},
		{errors.New("disk on fire"), CodeInternal},
	}

	for _, tc := range cases {
		msg := newErrorMessage("r1", tc.err)
		if msg.Code != tc.code {
			t.Fatalf("errorCode(%v) = %q, want %q", tc.err, msg.Code, tc.code)
		}

		remote := &RemoteError{Code: msg.Code, Message: msg.Message}
		if tc.code != CodeInternal && !errors.Is(remote, codeErrors[tc.code]) {
			t.Fatalf("RemoteError %q does not unwrap to its local error", tc.code)
		}
	}
}
