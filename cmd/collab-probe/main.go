// Command collab-probe joins a relay room from a terminal and prints the
// room's remote edits and presence changes as JSON lines.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/lorrc/collab-relay/internal/client"
	"github.com/lorrc/collab-relay/internal/core/domain"
	"github.com/lorrc/collab-relay/internal/core/presence"
	"github.com/lorrc/collab-relay/internal/infrastructure/logging"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type probeFlags struct {
	endpoint  string
	room      string
	user      string
	name      string
	token     string
	edit      string
	heartbeat time.Duration
	duration  time.Duration
	logLevel  string
}

func run(args []string, out io.Writer) error {
	var f probeFlags

	flagSet := pflag.NewFlagSet("collab-probe", pflag.ContinueOnError)
	flagSet.StringVar(&f.endpoint, "endpoint", "ws://localhost:8080/api/v1/ws", "relay websocket URL")
	flagSet.StringVarP(&f.room, "room", "r", "", "room to join (required)")
	flagSet.StringVarP(&f.user, "user", "u", "", "user id to join as (required)")
	flagSet.StringVar(&f.name, "name", "", "display name")
	flagSet.StringVar(&f.token, "token", "", "relay token")
	flagSet.StringVar(&f.edit, "edit", "", "JSON payload to send once joined")
	flagSet.DurationVar(&f.heartbeat, "heartbeat", 0, "send presence active at this interval (0 disables)")
	flagSet.DurationVar(&f.duration, "duration", 0, "leave after this long (0 waits for a signal)")
	flagSet.StringVar(&f.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintln(os.Stderr, "Usage: collab-probe --room ROOM --user USER [flags]")
		flagSet.PrintDefaults()
		return nil
	}
	if f.room == "" || f.user == "" {
		return errors.New("--room and --user are required")
	}
	if f.edit != "" && !json.Valid([]byte(f.edit)) {
		return fmt.Errorf("--edit is not valid JSON: %s", f.edit)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = f.logLevel
	logCfg.Format = "text"
	logCfg.Output = os.Stderr
	logCfg.ServiceName = "collab-probe"
	logger := logging.NewLogger(logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	printer := &linePrinter{enc: json.NewEncoder(out)}
	controller := client.NewController(printer, client.Options{
		Endpoint:  f.endpoint,
		Transport: client.TransportOptions{Token: f.token},
		Logger:    logger,
		OnStateChange: func(from, to client.State) {
			printer.print(map[string]any{"event": "state", "from": from, "to": to})
		},
	})

	identity := domain.Identity{UserID: f.user, DisplayName: f.name}
	if err := controller.Join(context.WithoutCancel(ctx), f.room, identity); err != nil {
		return err
	}

	state, err := controller.AwaitState(ctx, client.StateJoined)
	if err != nil {
		return leave(controller, describeFailure(controller, state, err))
	}

	if f.edit != "" {
		if err := controller.SendEdit(json.RawMessage(f.edit)); err != nil {
			logger.Warn("edit not sent", "error", err)
		}
	}

	var tick <-chan time.Time
	if f.heartbeat > 0 {
		ticker := time.NewTicker(f.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return leave(controller, nil)
		case <-controller.Done():
			return describeFailure(controller, controller.State(), controller.Err())
		case <-tick:
			if err := controller.SetPresence(domain.PresenceActive); err != nil {
				logger.Debug("heartbeat skipped", "error", err)
			}
		}
	}
}

func leave(c *client.Controller, result error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Leave(ctx); err != nil && result == nil {
		return fmt.Errorf("leave: %w", err)
	}
	return result
}

func describeFailure(c *client.Controller, state client.State, err error) error {
	switch state {
	case client.StateRejected:
		return fmt.Errorf("join rejected: %s", c.RejectCode())
	case client.StateLost:
		return fmt.Errorf("relay unreachable: %w", err)
	case client.StateLeft:
		return nil
	}
	return err
}

// linePrinter is the probe's view: every callback becomes one JSON line.
type linePrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *linePrinter) print(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(v)
}

func (p *linePrinter) ApplyRemoteEdit(edit client.RemoteEdit) error {
	p.print(map[string]any{
		"event":     "edit",
		"from":      edit.OriginUserID,
		"timestamp": edit.Timestamp.Format(time.RFC3339Nano),
		"payload":   edit.Payload,
	})
	return nil
}

func (p *linePrinter) RenderPresence(snapshot presence.Snapshot) {
	p.print(map[string]any{
		"event":   "presence",
		"members": snapshot.States(),
	})
}
