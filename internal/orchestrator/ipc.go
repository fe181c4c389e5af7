package orchestrator

import (
	"context"

	"github.com/wardenhq/warden/internal/daemonid"
	"github.com/wardenhq/warden/internal/ipcproto"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/wardenerr"
)

// NewHandler builds the ipcserver.Handler that routes every spec.md
// §4.9 Request kind onto this Orchestrator. shutdownFn is invoked (in a
// new goroutine, after the Ok response is written) for ReqShutdown, so
// the caller gets its response before the process actually tears down.
func NewHandler(o *Orchestrator, shutdownFn func()) func(ctx context.Context, req ipcproto.Request) ipcproto.Response {
	return func(ctx context.Context, req ipcproto.Request) ipcproto.Response {
		switch req.Kind {
		case ipcproto.ReqRun:
			return o.handleRun(ctx, req)
		case ipcproto.ReqStop:
			return o.handleStop(ctx, req)
		case ipcproto.ReqRestart:
			return o.handleRestart(ctx, req)
		case ipcproto.ReqGetActiveDaemons:
			return o.handleGetActiveDaemons()
		case ipcproto.ReqGetDaemon:
			return o.handleGetDaemon(req)
		case ipcproto.ReqEnable:
			return o.handleToggle(req, o.Enable)
		case ipcproto.ReqDisable:
			return o.handleToggle(req, o.Disable)
		case ipcproto.ReqUpdateShellDir:
			return o.handleUpdateShellDir(ctx, req)
		case ipcproto.ReqClean:
			return o.handleClean(req)
		case ipcproto.ReqShutdown:
			go func() {
				o.Shutdown(context.Background())
				if shutdownFn != nil {
					shutdownFn()
				}
			}()
			return ipcproto.Response{Kind: ipcproto.RespOk}
		case ipcproto.ReqGetNotifications:
			return o.handleGetNotifications(req)
		default:
			return errResponse(wardenerr.New(wardenerr.Protocol, "unknown request kind"))
		}
	}
}

func errResponse(err error) ipcproto.Response {
	if e, ok := wardenerr.AsError(err); ok {
		switch e.Kind {
		case wardenerr.PortConflict:
			return ipcproto.Response{
				Kind:         ipcproto.RespPortConflict,
				Port:         e.Port,
				ConflictPID:  e.ConflictPID,
				ProcessName:  e.ProcessName,
				ErrorKind:    string(e.Kind),
				ErrorMessage: e.Error(),
			}
		case wardenerr.NoAvailablePort:
			return ipcproto.Response{
				Kind:         ipcproto.RespNoAvailablePort,
				StartPort:    e.StartPort,
				Attempts:     e.Attempts,
				ErrorKind:    string(e.Kind),
				ErrorMessage: e.Error(),
			}
		}
	}
	return ipcproto.Response{
		Kind:         ipcproto.RespError,
		ErrorKind:    string(wardenerr.KindOf(err)),
		ErrorMessage: err.Error(),
	}
}

func parseID(s string) (daemonid.ID, error) {
	return daemonid.ParseOrDefault(s, daemonid.Global)
}

func (o *Orchestrator) handleRun(ctx context.Context, req ipcproto.Request) ipcproto.Response {
	if req.Run == nil {
		return errResponse(wardenerr.New(wardenerr.Protocol, "Run request missing options"))
	}
	id, err := parseID(req.Run.ID)
	if err != nil {
		return errResponse(err)
	}
	spec, err := o.specFor(id)
	if err != nil {
		return errResponse(err)
	}
	res, err := o.Run(ctx, spec, req.Run.WaitReady, req.Run.Force)
	return runResultResponse(res, err)
}

func (o *Orchestrator) handleRestart(ctx context.Context, req ipcproto.Request) ipcproto.Response {
	id, err := parseID(req.ID)
	if err != nil {
		return errResponse(err)
	}
	res, err := o.Restart(ctx, id)
	return runResultResponse(res, err)
}

func runResultResponse(res RunResult, err error) ipcproto.Response {
	if err != nil {
		switch wardenerr.KindOf(err) {
		case wardenerr.AlreadyRunning:
			return ipcproto.Response{Kind: ipcproto.RespDaemonAlreadyRunning}
		case wardenerr.ChildFailed:
			return ipcproto.Response{Kind: ipcproto.RespDaemonFailedWithCode, ExitCode: res.ExitCode}
		default:
			return errResponse(err)
		}
	}
	switch res.Kind {
	case "Ready":
		pid := res.PID
		return ipcproto.Response{Kind: ipcproto.RespDaemonReady, PID: &pid}
	case "Start":
		pid := res.PID
		return ipcproto.Response{Kind: ipcproto.RespDaemonStart, PID: &pid}
	case "FailedWithCode":
		return ipcproto.Response{Kind: ipcproto.RespDaemonFailedWithCode, ExitCode: res.ExitCode}
	default:
		return ipcproto.Response{Kind: ipcproto.RespOk}
	}
}

func (o *Orchestrator) handleStop(ctx context.Context, req ipcproto.Request) ipcproto.Response {
	id, err := parseID(req.ID)
	if err != nil {
		return errResponse(err)
	}
	if err := o.Stop(ctx, id); err != nil {
		return errResponse(err)
	}
	return ipcproto.Response{Kind: ipcproto.RespOk}
}

func (o *Orchestrator) handleGetActiveDaemons() ipcproto.Response {
	snap := o.List()
	out := make([]ipcproto.DaemonInfo, 0, len(snap))
	for id, rec := range snap {
		out = append(out, daemonInfoFor(id, rec))
	}
	return ipcproto.Response{Kind: ipcproto.RespActiveDaemons, Daemons: out}
}

func (o *Orchestrator) handleGetDaemon(req ipcproto.Request) ipcproto.Response {
	id, err := parseID(req.ID)
	if err != nil {
		return errResponse(err)
	}
	rec, ok := o.Registry.Get(id)
	if !ok {
		return errResponse(wardenerr.NotFoundf("daemon %s not found", id))
	}
	info := daemonInfoFor(id, rec)
	return ipcproto.Response{Kind: ipcproto.RespDaemonInfo, Daemon: &info}
}

func daemonInfoFor(id daemonid.ID, rec registry.Record) ipcproto.DaemonInfo {
	return ipcproto.DaemonInfo{
		ID:              id.Qualified(),
		Status:          rec.Status.String(),
		PID:             rec.PID,
		RetryCount:      rec.RetryCount,
		LastExitCode:    rec.LastExitCode,
		LastExitSuccess: rec.LastExitSuccess,
		LogPath:         rec.LogPath,
		Title:           rec.Title,
	}
}

func (o *Orchestrator) handleToggle(req ipcproto.Request, fn func(daemonid.ID)) ipcproto.Response {
	id, err := parseID(req.ID)
	if err != nil {
		return errResponse(err)
	}
	fn(id)
	return ipcproto.Response{Kind: ipcproto.RespOk}
}

func (o *Orchestrator) handleUpdateShellDir(ctx context.Context, req ipcproto.Request) ipcproto.Response {
	dir := ""
	if req.Dir != nil {
		dir = *req.Dir
	}
	o.UpdateShellDir(ctx, req.ShellPID, dir)
	return ipcproto.Response{Kind: ipcproto.RespOk}
}

func (o *Orchestrator) handleClean(req ipcproto.Request) ipcproto.Response {
	if req.ID == "" {
		o.CleanAll()
		return ipcproto.Response{Kind: ipcproto.RespOk}
	}
	id, err := parseID(req.ID)
	if err != nil {
		return errResponse(err)
	}
	if err := o.Clean(id); err != nil {
		return errResponse(err)
	}
	return ipcproto.Response{Kind: ipcproto.RespOk}
}

func (o *Orchestrator) handleGetNotifications(req ipcproto.Request) ipcproto.Response {
	notes := o.Notifications(req.NotificationID)
	out := make([]ipcproto.Notification, len(notes))
	for i, n := range notes {
		out[i] = ipcproto.Notification{ID: n.ID, DaemonID: n.DaemonID.Qualified(), Kind: n.Kind, Message: n.Message}
	}
	return ipcproto.Response{Kind: ipcproto.RespNotifications, Notifications: out}
}
