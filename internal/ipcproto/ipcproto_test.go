package ipcproto

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestEncodeDecodeRequestRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	req := Request{Kind: ReqRun, Run: &RunOptions{ID: "ns/api", WaitReady: true}}
	if err := Encode(w, req); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(&buf)
	frame, err := ReadFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeRequest(frame)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != ReqRun || got.Run == nil || got.Run.ID != "ns/api" || !got.Run.WaitReady {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestReadFrameHandlesMultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	_ = Encode(w, Request{Kind: ReqStop, ID: "a"})
	_ = Encode(w, Request{Kind: ReqStop, ID: "b"})

	r := bufio.NewReader(&buf)
	f1, err := ReadFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	r1, err := DecodeRequest(f1)
	if err != nil || r1.ID != "a" {
		t.Fatalf("expected first frame id=a, got %+v err=%v", r1, err)
	}
	f2, err := ReadFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := DecodeRequest(f2)
	if err != nil || r2.ID != "b" {
		t.Fatalf("expected second frame id=b, got %+v err=%v", r2, err)
	}
}

func TestReadFrameRejectsOversizedFrame(t *testing.T) {
	huge := strings.Repeat("x", maxFrameSize+1000)
	r := bufio.NewReader(strings.NewReader(huge + "\x00"))
	_, err := ReadFrame(r)
	if err == nil {
		t.Fatal("expected oversized frame to be rejected")
	}
}

func TestDecodeResponseRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	pid := 1234
	resp := Response{Kind: RespDaemonStart, PID: &pid}
	if err := Encode(w, resp); err != nil {
		t.Fatal(err)
	}
	r := bufio.NewReader(&buf)
	frame, err := ReadFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeResponse(frame)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != RespDaemonStart || got.PID == nil || *got.PID != 1234 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
