// Command wardenctl is a minimal control-socket client: enough to drive
// run, stop, restart, list, get, enable, disable, clean and shutdown from
// a shell for manual testing and for exercising the IPC path end to end.
// It has no command for UpdateShellDir or GetNotifications requests. Rich argument parsing/rendering is
// an out-of-scope external collaborator (spec.md §1); this is the thin
// reference client, not the final CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/wardenhq/warden/internal/ipcclient"
	"github.com/wardenhq/warden/internal/ipcproto"
)

func main() {
	stateDir := pflag.String("state-dir", defaultStateDir(), "root directory matching the running wardend's --state-dir")
	waitReady := pflag.Bool("wait-ready", true, "for run: block until the daemon reports ready")
	force := pflag.Bool("force", false, "for run: restart if already running")
	pflag.Parse()

	args := pflag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	sockPath := filepath.Join(*stateDir, "ipc", "main.sock")
	client, err := ipcclient.Dial(sockPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connecting to %s: %v\n", sockPath, err)
		os.Exit(1)
	}
	defer client.Close()

	req, err := buildRequest(args, *waitReady, *force)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(2)
	}

	resp, err := client.Call(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	printResponse(resp)
	if resp.Kind == ipcproto.RespError {
		os.Exit(1)
	}
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "state", "warden")
	}
	return filepath.Join(os.TempDir(), "warden")
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: wardenctl [flags] <command> [id]

commands:
  run <id>       start id (and its dependencies) and report readiness
  stop <id>       stop id gracefully
  restart <id>    stop then run id
  list            list every known daemon
  get <id>        show one daemon's record
  enable <id>     clear id from the disabled set
  disable <id>    add id to the disabled set
  clean [id]      purge id's record once terminal, or every terminal record if omitted
  shutdown        stop every running daemon and terminate wardend`)
}

func buildRequest(args []string, waitReady, force bool) (ipcproto.Request, error) {
	cmd := args[0]
	id := ""
	if len(args) > 1 {
		id = args[1]
	}
	needsID := map[string]bool{"run": true, "stop": true, "restart": true, "get": true, "enable": true, "disable": true}
	if needsID[cmd] && id == "" {
		return ipcproto.Request{}, fmt.Errorf("%q requires a daemon id", cmd)
	}

	switch cmd {
	case "run":
		return ipcproto.Request{Kind: ipcproto.ReqRun, Run: &ipcproto.RunOptions{ID: id, WaitReady: waitReady, Force: force}}, nil
	case "stop":
		return ipcproto.Request{Kind: ipcproto.ReqStop, ID: id}, nil
	case "restart":
		return ipcproto.Request{Kind: ipcproto.ReqRestart, ID: id}, nil
	case "list":
		return ipcproto.Request{Kind: ipcproto.ReqGetActiveDaemons}, nil
	case "get":
		return ipcproto.Request{Kind: ipcproto.ReqGetDaemon, ID: id}, nil
	case "enable":
		return ipcproto.Request{Kind: ipcproto.ReqEnable, ID: id}, nil
	case "disable":
		return ipcproto.Request{Kind: ipcproto.ReqDisable, ID: id}, nil
	case "clean":
		return ipcproto.Request{Kind: ipcproto.ReqClean, ID: id}, nil
	case "shutdown":
		return ipcproto.Request{Kind: ipcproto.ReqShutdown}, nil
	default:
		return ipcproto.Request{}, fmt.Errorf("unknown command %q", cmd)
	}
}

func printResponse(resp ipcproto.Response) {
	switch resp.Kind {
	case ipcproto.RespDaemonReady:
		fmt.Printf("ready (pid %d)\n", derefInt(resp.PID))
	case ipcproto.RespDaemonStart:
		fmt.Printf("started (pid %d)\n", derefInt(resp.PID))
	case ipcproto.RespDaemonAlreadyRunning:
		fmt.Println("already running")
	case ipcproto.RespDaemonFailedWithCode:
		fmt.Printf("failed, exit code %d\n", derefInt(resp.ExitCode))
	case ipcproto.RespActiveDaemons:
		for _, d := range resp.Daemons {
			fmt.Printf("%-30s %-10s pid=%d\n", d.ID, d.Status, derefInt(d.PID))
		}
	case ipcproto.RespDaemonInfo:
		d := resp.Daemon
		fmt.Printf("%s: status=%s pid=%d retries=%d log=%s\n", d.ID, d.Status, derefInt(d.PID), d.RetryCount, d.LogPath)
	case ipcproto.RespOk:
		fmt.Println("ok")
	case ipcproto.RespError:
		fmt.Fprintf(os.Stderr, "error (%s): %s\n", resp.ErrorKind, resp.ErrorMessage)
	case ipcproto.RespNotifications:
		for _, n := range resp.Notifications {
			fmt.Printf("#%d %s %s: %s\n", n.ID, n.DaemonID, n.Kind, n.Message)
		}
	default:
		fmt.Printf("%+v\n", resp)
	}
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
