// Package oamctl is the command-and-control surface spec §6 describes: a
// line-oriented CLI reading start/stop/update/quit from standard input,
// plus the SIGINT/SIGTERM/SIGHUP signal handling that lets the same
// commands be driven by the process's environment instead of a terminal.
//
// Grounded on Protei_Monitoring/bin/main.go's top-level signal loop
// (SIGHUP reloads configuration without shutting down; SIGINT/SIGTERM
// shut down gracefully) and pkg/oam/app_control.go's status bookkeeping,
// narrowed from "control an external OS process" to "control the Session
// Manager living in this same process".
package oamctl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/protei/lwm2mclient/internal/logger"
	"github.com/protei/lwm2mclient/internal/session"
)

// Controller drives a session.Manager from line commands and OS signals.
type Controller struct {
	mgr *session.Manager
	log *logger.Logger

	reloadFn func() error

	mu        sync.Mutex
	startedAt time.Time
	running   bool
}

// New builds a Controller for mgr. reloadFn is invoked on SIGHUP (config
// reload without shutdown); it may be nil.
func New(mgr *session.Manager, reloadFn func() error) *Controller {
	return &Controller{
		mgr:      mgr,
		log:      logger.Get().WithComponent("oamctl"),
		reloadFn: reloadFn,
	}
}

// Run reads commands from r until EOF, "quit", a shutdown signal, or ctx is
// cancelled, and returns the process exit code: 1 when Free fails during
// shutdown, 0 otherwise. A failing start/stop/update command (including a
// socket failure inside Connect) is logged and the loop keeps reading; it
// does not end Run or make the exit code non-zero.
func (c *Controller) Run(ctx context.Context, r io.Reader) int {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return 0
		case sig, ok := <-sigChan:
			if !ok {
				continue
			}
			if sig == syscall.SIGHUP {
				c.log.Info("received SIGHUP, reloading configuration")
				if c.reloadFn != nil {
					if err := c.reloadFn(); err != nil {
						c.log.Error("configuration reload failed", err)
					}
				}
				continue
			}
			c.log.Info("received shutdown signal", "signal", sig.String())
			return c.shutdown(ctx)
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			if code, done := c.dispatch(ctx, line); done {
				return code
			}
		}
	}
}

func (c *Controller) dispatch(ctx context.Context, line string) (code int, done bool) {
	cmd := strings.ToLower(strings.TrimSpace(line))
	switch cmd {
	case "":
		return 0, false
	case "start":
		if err := c.mgr.Connect(ctx); err != nil {
			c.log.Error("start failed", err)
			return 1, false
		}
		c.mu.Lock()
		c.running = true
		c.startedAt = time.Now()
		c.mu.Unlock()
		return 0, false
	case "stop":
		if err := c.mgr.Disconnect(ctx); err != nil {
			c.log.Error("stop failed", err)
			return 1, false
		}
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return 0, false
	case "update":
		if err := c.mgr.Update(ctx); err != nil {
			c.log.Error("update failed", err)
			return 1, false
		}
		return 0, false
	case "quit":
		return c.shutdown(ctx), true
	default:
		fmt.Fprintf(os.Stderr, "oamctl: unrecognized command %q\n", line)
		return 0, false
	}
}

func (c *Controller) shutdown(ctx context.Context) int {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running {
		if err := c.mgr.Disconnect(ctx); err != nil {
			c.log.Error("shutdown: deregister failed", err)
		}
	}
	if err := c.mgr.Free(); err != nil {
		c.log.Error("shutdown: free failed", err)
		return 1
	}
	return 0
}
