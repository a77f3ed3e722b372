package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/astromechza/roomsync/pkg/engine"
	"github.com/astromechza/roomsync/pkg/roomerr"
	"github.com/astromechza/roomsync/pkg/suggest"
)

const editHelp = `Each line typed is appended to the room's code. Commands:
  :show            print the current code
  :who             print how many people are connected
  :suggest PREFIX  list completions for PREFIX
  :clear           empty the code
  :rejoin          reconnect after the relay connection is lost
  :quit            leave the room
`

// terminalView prints what other people do in the room.
type terminalView struct {
	mu  sync.Mutex
	out io.Writer
}

func (v *terminalView) printf(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, _ = fmt.Fprintf(v.out, format, args...)
}

func (v *terminalView) Buffer(roomID, code string, origin engine.Origin) {
	switch origin {
	case engine.OriginDurable:
		v.printf("joined %s (%d lines)\n", roomID, lineCount(code))
	case engine.OriginRemote:
		v.printf("<< %s\n", quote(code))
	}
}

func (v *terminalView) Presence(string, int) {}

func (v *terminalView) Suggestions(string, suggest.Result) {}

func (v *terminalView) Notice(roomID string, err error) {
	v.printf("!! not saved: %v\n", err)
}

func (v *terminalView) Disconnected(roomID string, err error) {
	v.printf("!! relay connection lost: %v (type :rejoin to reconnect)\n", err)
}

func newEditCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "edit ROOM",
		Short: "Join a room and edit its code line by line",
		Long:  "Join a room and edit its code line by line.\n\n" + editHelp,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, release, err := cfg.directory(cmd)
			if err != nil {
				return err
			}
			defer release()
			adapter, err := cfg.transport(cmd)
			if err != nil {
				return err
			}

			view := &terminalView{out: cmd.OutOrStdout()}
			e := engine.New(client, engine.Relay(adapter),
				engine.WithObserver(view),
				engine.WithLogger(cfg.logger(cmd)),
				engine.WithWriteTimeout(cfg.timeout()),
				engine.WithQueryTimeout(cfg.timeout()),
			)
			defer e.Close()

			if _, err := e.Join(cmd.Context(), args[0]); err != nil {
				var te *roomerr.TransportError
				if !errors.As(err, &te) {
					return err
				}
				view.printf("!! relay unavailable, edits are only saved: %v\n", err)
			}
			return editLoop(cmd, e, view, args[0], cfg.timeout())
		},
	}
}

func editLoop(cmd *cobra.Command, e *engine.Engine, view *terminalView, roomID string, timeout time.Duration) error {
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == ":quit":
			return nil
		case line == ":show":
			view.printf("%s\n", e.Code())
		case line == ":who":
			if n, known := e.Presence(); known {
				view.printf("%d connected\n", n)
			} else {
				view.printf("connections unknown\n")
			}
		case line == ":clear":
			if err := e.Edit(""); err != nil {
				return err
			}
		case line == ":rejoin":
			if _, err := e.Join(cmd.Context(), roomID); err != nil {
				view.printf("!! %v\n", err)
			}
		case strings.HasPrefix(line, ":suggest "):
			printSuggestions(e, view, strings.TrimSpace(strings.TrimPrefix(line, ":suggest ")), timeout)
		default:
			code := e.Code()
			if code != "" && !strings.HasSuffix(code, "\n") {
				code += "\n"
			}
			if err := e.Edit(code + line); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

func printSuggestions(e *engine.Engine, view *terminalView, prefix string, timeout time.Duration) {
	cancel, results, err := e.Suggest(prefix)
	if err != nil {
		view.printf("!! %v\n", err)
		return
	}
	defer cancel()
	select {
	case res, ok := <-results:
		switch {
		case !ok:
			view.printf("no suggestions\n")
		case res.Err != nil:
			view.printf("!! %v\n", res.Err)
		case len(res.Suggestions) == 0:
			view.printf("no suggestions\n")
		default:
			for _, s := range res.Suggestions {
				view.printf("  %-12s %s\n", s.Label, s.Detail)
			}
		}
	case <-time.After(suggest.DefaultDebounce + timeout):
		view.printf("!! suggestions timed out\n")
	}
}
