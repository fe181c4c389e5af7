// Package ipcproto defines the wire messages for the control socket from
// spec.md §4.9: tagged-union Request/Response records, msgpack-encoded,
// each message followed by a single 0x00 frame delimiter. Go has no
// native sum type, so each message is an envelope struct carrying a Kind
// discriminant plus every variant's payload as an optional field — the
// same flattened-envelope shape vmihailenco/msgpack's struct tag
// encoding handles cleanly without a custom MarshalMsgpack per variant.
package ipcproto

import (
	"bufio"
	"fmt"

	"github.com/vmihailenco/msgpack"
)

// FrameDelimiter terminates every encoded message on the wire.
const FrameDelimiter = 0x00

// RequestKind discriminates Request payloads (spec.md §4.9).
type RequestKind string

const (
	ReqRun              RequestKind = "Run"
	ReqStop             RequestKind = "Stop"
	ReqRestart          RequestKind = "Restart"
	ReqGetActiveDaemons RequestKind = "GetActiveDaemons"
	ReqGetDaemon        RequestKind = "GetDaemon"
	ReqEnable           RequestKind = "Enable"
	ReqDisable          RequestKind = "Disable"
	ReqUpdateShellDir   RequestKind = "UpdateShellDir"
	ReqClean            RequestKind = "Clean"
	ReqShutdown         RequestKind = "Shutdown"
	// ReqGetNotifications is a SPEC_FULL.md addition: clients can poll for
	// pending async notifications (retry fired, cron fired, autostop
	// fired) without holding a long-lived connection open.
	ReqGetNotifications RequestKind = "GetNotifications"
)

// RunOptions mirrors the orchestrator's run() parameters.
type RunOptions struct {
	ID        string `msgpack:"id"`
	WaitReady bool   `msgpack:"wait_ready"`
	Force     bool   `msgpack:"force"`
}

// Request is the envelope for every client->server message.
type Request struct {
	Kind RequestKind `msgpack:"kind"`

	Run            *RunOptions `msgpack:"run,omitempty"`
	ID             string      `msgpack:"id,omitempty"`
	ShellPID       uint32      `msgpack:"shell_pid,omitempty"`
	Dir            *string     `msgpack:"dir,omitempty"`
	NotificationID uint64      `msgpack:"notification_id,omitempty"`
}

// ResponseKind discriminates Response payloads (spec.md §4.9).
type ResponseKind string

const (
	RespDaemonReady          ResponseKind = "DaemonReady"
	RespDaemonStart          ResponseKind = "DaemonStart"
	RespDaemonAlreadyRunning ResponseKind = "DaemonAlreadyRunning"
	RespDaemonFailedWithCode ResponseKind = "DaemonFailedWithCode"
	RespActiveDaemons        ResponseKind = "ActiveDaemons"
	RespDaemonInfo           ResponseKind = "DaemonInfo"
	RespOk                   ResponseKind = "Ok"
	RespError                ResponseKind = "Error"
	RespPortConflict         ResponseKind = "PortConflict"
	RespNoAvailablePort      ResponseKind = "NoAvailablePort"
	RespNotifications        ResponseKind = "Notifications"
)

// DaemonInfo is the wire shape of a DaemonRecord snapshot entry.
type DaemonInfo struct {
	ID              string `msgpack:"id"`
	Status          string `msgpack:"status"`
	PID             *int   `msgpack:"pid,omitempty"`
	RetryCount      uint32 `msgpack:"retry_count"`
	LastExitCode    *int   `msgpack:"last_exit_code,omitempty"`
	LastExitSuccess *bool  `msgpack:"last_exit_success,omitempty"`
	LogPath         string `msgpack:"log_path"`
	Title           string `msgpack:"title,omitempty"`
}

// Notification is a SPEC_FULL.md addition (§4 "pending notifications"):
// a record of an asynchronous event (retry, cron fire, autostop) a
// client can poll for instead of maintaining a streaming connection.
type Notification struct {
	ID       uint64 `msgpack:"id"`
	DaemonID string `msgpack:"daemon_id"`
	Kind     string `msgpack:"kind"`
	Message  string `msgpack:"message"`
}

// Response is the envelope for every server->client message.
type Response struct {
	Kind ResponseKind `msgpack:"kind"`

	PID           *int           `msgpack:"pid,omitempty"`
	ExitCode      *int           `msgpack:"exit_code,omitempty"`
	Daemons       []DaemonInfo   `msgpack:"daemons,omitempty"`
	Daemon        *DaemonInfo    `msgpack:"daemon,omitempty"`
	ErrorKind     string         `msgpack:"error_kind,omitempty"`
	ErrorMessage  string         `msgpack:"error_message,omitempty"`
	Port          uint16         `msgpack:"port,omitempty"`
	ProcessName   string         `msgpack:"process_name,omitempty"`
	ConflictPID   int            `msgpack:"conflict_pid,omitempty"`
	StartPort     uint16         `msgpack:"start_port,omitempty"`
	Attempts      int            `msgpack:"attempts,omitempty"`
	Notifications []Notification `msgpack:"notifications,omitempty"`
}

// Encode writes msg msgpack-encoded, followed by the frame delimiter.
func Encode(w *bufio.Writer, msg any) error {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte(FrameDelimiter); err != nil {
		return err
	}
	return w.Flush()
}

// maxFrameSize bounds a single frame, per spec.md §4.9 "drops oversized
// frames".
const maxFrameSize = 1 << 20 // 1 MiB

// ReadFrame reads up to the next FrameDelimiter byte and returns the
// bytes before it (not including the delimiter). Returns an error if the
// frame would exceed maxFrameSize, so a single misbehaving client cannot
// exhaust server memory.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice(FrameDelimiter)
		buf = append(buf, chunk...)
		if err == nil {
			frame := buf[:len(buf)-1] // drop the trailing delimiter
			if len(frame) > maxFrameSize {
				return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameSize)
			}
			return frame, nil
		}
		if len(buf) > maxFrameSize {
			return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameSize)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return nil, err
	}
}

// DecodeRequest parses a single frame's bytes as a Request.
func DecodeRequest(frame []byte) (Request, error) {
	var req Request
	err := msgpack.Unmarshal(frame, &req)
	return req, err
}

// DecodeResponse parses a single frame's bytes as a Response.
func DecodeResponse(frame []byte) (Response, error) {
	var resp Response
	err := msgpack.Unmarshal(frame, &resp)
	return resp, err
}
