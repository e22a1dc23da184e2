// Command netcamctl talks to the per-camera control channels of a running
// netcam: query status, terminate workers, or watch them live.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dj-oyu/netcam/internal/config"
	"github.com/dj-oyu/netcam/internal/control"
)

const usage = `Usage: netcamctl [flags] <command> [args]

Commands:
  status [idx...]      print worker status (default: every configured camera)
  terminate <idx>      stop the worker of camera idx
  send <idx> <cmd>     send a raw control command
  watch [idx...]       live status view

Flags:
`

type options struct {
	cfg     *config.Config
	secret  string
	timeout time.Duration
}

func main() {
	fs := flag.NewFlagSet("netcamctl", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file (default $XDG_CONFIG_HOME/netcam/config.yaml)")
	envFile := fs.String("env", ".env", "Environment file loaded before the config")
	secret := fs.String("secret", "", "Control secret (overrides config)")
	timeout := fs.Duration("timeout", 3*time.Second, "Per-request timeout")
	interval := fs.Duration("interval", time.Second, "Refresh interval for watch")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	if err := config.LoadEnv(*envFile); err != nil {
		fatal(err)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	opts := options{cfg: cfg, secret: cfg.Control.Secret, timeout: *timeout}
	if *secret != "" {
		opts.secret = *secret
	}

	args := fs.Args()
	switch args[0] {
	case "status":
		err = runStatus(opts, args[1:])
	case "terminate":
		err = runTerminate(opts, args[1:])
	case "send":
		err = runSend(opts, args[1:])
	case "watch":
		err = runWatch(opts, args[1:], *interval)
	default:
		fs.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
	os.Exit(1)
}

// loadConfig reads the daemon config; without one the defaults are used so
// the control ports still resolve.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		d := config.Default()
		return &d, nil
	}
	return cfg, err
}

func parseIndexes(args []string, cfg *config.Config) ([]int, error) {
	if len(args) == 0 {
		out := make([]int, len(cfg.Cameras))
		for i := range out {
			out[i] = i
		}
		if len(out) == 0 {
			return nil, errors.New("no cameras configured, pass camera indexes")
		}
		return out, nil
	}
	out := make([]int, 0, len(args))
	for _, a := range args {
		idx, err := strconv.Atoi(a)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("bad camera index %q", a)
		}
		out = append(out, idx)
	}
	return out, nil
}

func (o options) dial(ctx context.Context, idx int) (*control.Client, error) {
	return control.Dial(ctx, o.cfg.ControlAddr(idx), o.secret, idx)
}

// fetchStatus queries one worker. Unreachable workers are reported, not fatal.
func (o options) fetchStatus(idx int) cameraResult {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	c, err := o.dial(ctx, idx)
	if err != nil {
		return cameraResult{Index: idx, Err: err}
	}
	defer c.Close()

	st, err := c.Status(ctx)
	if err != nil {
		return cameraResult{Index: idx, Err: err}
	}
	return cameraResult{Index: idx, Status: st}
}

func runStatus(o options, args []string) error {
	idxs, err := parseIndexes(args, o.cfg)
	if err != nil {
		return err
	}
	results := make([]cameraResult, len(idxs))
	for i, idx := range idxs {
		results[i] = o.fetchStatus(idx)
	}
	fmt.Println(renderTable(results))
	return nil
}

func runTerminate(o options, args []string) error {
	if len(args) != 1 {
		return errors.New("terminate takes exactly one camera index")
	}
	idxs, err := parseIndexes(args, o.cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	c, err := o.dial(ctx, idxs[0])
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Terminate(ctx); err != nil {
		return err
	}
	fmt.Println(okStyle.Render(fmt.Sprintf("camera %d: terminating", idxs[0])))
	return nil
}

func runSend(o options, args []string) error {
	if len(args) != 2 {
		return errors.New("send takes a camera index and a command")
	}
	idxs, err := parseIndexes(args[:1], o.cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	c, err := o.dial(ctx, idxs[0])
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.Send(ctx, args[1])
	if err != nil && !errors.Is(err, control.ErrUnknownCommand) {
		return err
	}
	fmt.Println(resp.Reply)
	if resp.Status != nil {
		fmt.Println(renderTable([]cameraResult{{Index: idxs[0], Status: *resp.Status}}))
	}
	return nil
}

func runWatch(o options, args []string, interval time.Duration) error {
	idxs, err := parseIndexes(args, o.cfg)
	if err != nil {
		return err
	}
	m := newWatchModel(idxs, interval, o.fetchStatus)
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}
