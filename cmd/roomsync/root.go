package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/astromechza/roomsync/pkg/directory"
	"github.com/astromechza/roomsync/pkg/transport"
)

const (
	defaultAddr    = "http://localhost:8080/api"
	defaultTimeout = 5 * time.Second
)

// config resolves settings from flags first, then ROOMSYNC_* environment
// variables, then defaults.
type config struct {
	v   *viper.Viper
	log *slog.Logger
}

func (c config) baseURL() (*url.URL, error) {
	raw := c.v.GetString("addr")
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid addr %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid addr %q: expected scheme and host", raw)
	}
	return u, nil
}

func (c config) timeout() time.Duration {
	if d := c.v.GetDuration("timeout"); d > 0 {
		return d
	}
	return defaultTimeout
}

// logger is shared by everything a command builds so they write to stderr
// through one handler.
func (c *config) logger(cmd *cobra.Command) *slog.Logger {
	if c.log == nil {
		level := slog.LevelWarn
		if c.v.GetBool("verbose") {
			level = slog.LevelDebug
		}
		c.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	}
	return c.log
}

// directory builds a client for the room directory. The returned func
// releases its idle connections.
func (c *config) directory(cmd *cobra.Command) (*directory.Client, func(), error) {
	u, err := c.baseURL()
	if err != nil {
		return nil, nil, err
	}
	hc := &http.Client{Timeout: c.timeout()}
	return directory.New(u, directory.WithHTTPClient(hc), directory.WithLogger(c.logger(cmd))), hc.CloseIdleConnections, nil
}

func (c *config) transport(cmd *cobra.Command) (*transport.Adapter, error) {
	u, err := c.baseURL()
	if err != nil {
		return nil, err
	}
	return transport.New(u, transport.WithLogger(c.logger(cmd))), nil
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("roomsync")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	cfg := &config{v: v}

	rootCmd := &cobra.Command{
		Use:           "roomsync",
		Short:         "Edit shared code rooms from the terminal",
		Long:          "roomsync lists, creates and edits rooms on a roomsync relay. Edits show up for everyone in the room as they are made.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("addr", defaultAddr, "Base URL of the relay API (env ROOMSYNC_ADDR)")
	flags.Duration("timeout", defaultTimeout, "Timeout for each request to the relay (env ROOMSYNC_TIMEOUT)")
	flags.BoolP("verbose", "v", false, "Log at debug level")
	for _, name := range []string{"addr", "timeout", "verbose"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(
		newRoomsCmd(cfg),
		newCreateCmd(cfg),
		newDeleteCmd(cfg),
		newEditCmd(cfg),
		newHistoryCmd(cfg),
	)
	return rootCmd
}
