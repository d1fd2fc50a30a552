package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestRequestStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	input := []byte{0x00, 0xff, 'h', 'i'}
	reqs := []Request{
		&InitRequest{ID: "a", Payload: InitPayload{EnginePath: "/engines/lo", Verbose: true}},
		&ConvertRequest{ID: "b", Payload: ConvertPayload{
			Input:        input,
			SourceExt:    "docx",
			TargetFormat: "pdf",
			TargetExt:    "pdf",
		}},
		&DestroyRequest{ID: "c"},
	}
	for _, r := range reqs {
		if err := enc.WriteRequest(r); err != nil {
			t.Fatalf("WriteRequest(%T) failed: %v", r, err)
		}
	}

	dec := NewDecoder(&buf)

	got, err := dec.ReadRequest()
	if err != nil {
		t.Fatalf("ReadRequest() failed: %v", err)
	}
	init, ok := got.(*InitRequest)
	if !ok {
		t.Fatalf("expected *InitRequest, got %T", got)
	}
	if init.Payload.EnginePath != "/engines/lo" || !init.Payload.Verbose {
		t.Errorf("init payload mismatch: %+v", init.Payload)
	}

	got, err = dec.ReadRequest()
	if err != nil {
		t.Fatalf("ReadRequest() failed: %v", err)
	}
	conv, ok := got.(*ConvertRequest)
	if !ok {
		t.Fatalf("expected *ConvertRequest, got %T", got)
	}
	if conv.ID != "b" || !bytes.Equal(conv.Payload.Input, input) {
		t.Errorf("convert request mismatch: id=%s input=%v", conv.ID, conv.Payload.Input)
	}

	got, err = dec.ReadRequest()
	if err != nil {
		t.Fatalf("ReadRequest() failed: %v", err)
	}
	if d, ok := got.(*DestroyRequest); !ok || d.ID != "c" {
		t.Errorf("expected destroy request 'c', got %#v", got)
	}

	if _, err := dec.ReadRequest(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestEventStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	events := []Event{
		&Ready{},
		&Response{ID: "x", Success: true, Result: &ConvertResult{Data: []byte("%PDF-1.7")}},
		&Response{ID: "y", Err: &Error{Kind: KindDocumentLoadFailed, Message: "bad file", Stage: "loading"}},
		&Fault{Reason: "wasm error: unreachable"},
	}
	for _, ev := range events {
		if err := enc.WriteEvent(ev); err != nil {
			t.Fatalf("WriteEvent(%T) failed: %v", ev, err)
		}
	}

	dec := NewDecoder(&buf)

	if ev, err := dec.ReadEvent(); err != nil {
		t.Fatal(err)
	} else if _, ok := ev.(*Ready); !ok {
		t.Errorf("expected *Ready, got %T", ev)
	}

	ev, err := dec.ReadEvent()
	if err != nil {
		t.Fatal(err)
	}
	success := ev.(*Response)
	if !success.Success || string(success.Result.Data) != "%PDF-1.7" {
		t.Errorf("success response mismatch: %+v", success)
	}

	ev, err = dec.ReadEvent()
	if err != nil {
		t.Fatal(err)
	}
	failed := ev.(*Response)
	if failed.Success {
		t.Error("failed response decoded as success")
	}
	if !errors.Is(failed.Err, ErrDocumentLoadFailed) {
		t.Errorf("expected document_load_failed, got %v", failed.Err)
	}
	if failed.Err.Stage != "loading" {
		t.Errorf("stage = %s, want loading", failed.Err.Stage)
	}

	ev, err = dec.ReadEvent()
	if err != nil {
		t.Fatal(err)
	}
	if f, ok := ev.(*Fault); !ok || !strings.Contains(f.Reason, "unreachable") {
		t.Errorf("fault mismatch: %#v", ev)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"type":"resize","id":"1"}`))

	_, err := dec.ReadRequest()
	var unknown *UnknownMessageError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownMessageError, got %v", err)
	}
	if unknown.Type != "resize" {
		t.Errorf("Type = %s, want resize", unknown.Type)
	}
}

func TestDecodeMissingPayload(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"type":"convert","id":"1"}`))

	if _, err := dec.ReadRequest(); err == nil {
		t.Fatal("expected error for convert without payload")
	}
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("convert: %w", NewError(KindInvalidInput, "input is empty"))

	if !errors.Is(err, ErrInvalidInput) {
		t.Error("wrapped error should match ErrInvalidInput")
	}
	if errors.Is(err, ErrHostCrashed) {
		t.Error("invalid input should not match ErrHostCrashed")
	}
	if errors.Is(err, &Error{Kind: KindInvalidInput, Message: "other"}) {
		t.Error("message-bearing target should only match the same message")
	}
	if KindOf(err) != KindInvalidInput {
		t.Errorf("KindOf = %s, want invalid_input", KindOf(err))
	}
	if KindOf(io.EOF) != KindInternal {
		t.Errorf("KindOf(io.EOF) = %s, want internal", KindOf(io.EOF))
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: KindDocumentSaveFailed, Message: "filter rejected", Stage: "saving"}

	expected := "document_save_failed (stage: saving): filter rejected"
	if err.Error() != expected {
		t.Errorf("Error message = %s, want %s", err.Error(), expected)
	}
}
