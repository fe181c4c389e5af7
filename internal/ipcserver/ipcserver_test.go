package ipcserver

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/ipcclient"
	"github.com/wardenhq/warden/internal/ipcproto"
)

func TestServerRoundTripsOneRequest(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "main.sock")

	srv := &Server{
		SocketPath: sockPath,
		Handler: func(ctx context.Context, req ipcproto.Request) ipcproto.Response {
			if req.Kind != ipcproto.ReqGetActiveDaemons {
				return ipcproto.Response{Kind: ipcproto.RespError, ErrorKind: "Protocol"}
			}
			return ipcproto.Response{Kind: ipcproto.RespActiveDaemons, Daemons: []ipcproto.DaemonInfo{{ID: "ns/api", Status: "Running"}}}
		},
	}
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)

	client, err := ipcclient.Dial(sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	resp, err := client.Call(ipcproto.Request{Kind: ipcproto.ReqGetActiveDaemons})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Kind != ipcproto.RespActiveDaemons || len(resp.Daemons) != 1 || resp.Daemons[0].ID != "ns/api" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	cancel()
	select {
	case <-serveDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
}

func TestServerHandlesMultipleConnectionsIndependently(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "main.sock")

	srv := &Server{
		SocketPath: sockPath,
		Handler: func(ctx context.Context, req ipcproto.Request) ipcproto.Response {
			return ipcproto.Response{Kind: ipcproto.RespOk}
		},
	}
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 3; i++ {
		client, err := ipcclient.Dial(sockPath)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := client.Call(ipcproto.Request{Kind: ipcproto.ReqClean})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Kind != ipcproto.RespOk {
			t.Fatalf("unexpected response on connection %d: %+v", i, resp)
		}
		client.Close()
	}
}

func TestRateLimiterAllowsUpToMaxPerWindow(t *testing.T) {
	l := newRateLimiter(3)
	for i := 0; i < 3; i++ {
		if !l.allow() {
			t.Fatalf("expected request %d to be allowed", i)
		}
	}
	if l.allow() {
		t.Fatal("expected 4th request in the same window to be rejected")
	}
}
