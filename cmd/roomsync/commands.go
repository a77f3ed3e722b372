package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/astromechza/roomsync/pkg/viz"
)

func newRoomsCmd(cfg *config) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List rooms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, release, err := cfg.directory(cmd)
			if err != nil {
				return err
			}
			defer release()
			rooms, err := client.ListRooms(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rooms)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ROOM\tNAME\tLANGUAGE\tLINES")
			for _, r := range rooms {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.RoomID, r.RoomName, r.Language, lineCount(r.CodeContent))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	return cmd
}

func newCreateCmd(cfg *config) *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a room and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, release, err := cfg.directory(cmd)
			if err != nil {
				return err
			}
			defer release()
			room, err := client.CreateRoom(cmd.Context(), args[0], language)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), room.RoomID)
			return err
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "", "Language of the room (default javascript)")
	return cmd
}

func newDeleteCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ROOM",
		Short: "Delete a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, release, err := cfg.directory(cmd)
			if err != nil {
				return err
			}
			defer release()
			return client.DeleteRoom(cmd.Context(), args[0])
		},
	}
}

func newHistoryCmd(cfg *config) *cobra.Command {
	var svgPath string
	cmd := &cobra.Command{
		Use:   "history ROOM",
		Short: "Show every durable revision of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, release, err := cfg.directory(cmd)
			if err != nil {
				return err
			}
			defer release()
			raw, err := client.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if svgPath != "" {
				if err := viz.RenderToFile(raw, svgPath); err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "rendered", svgPath)
				return err
			}
			revisions, err := viz.Timeline(raw)
			if err != nil {
				return err
			}
			for i, rev := range revisions {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%4d %s\n", i, rev.Label()); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&svgPath, "svg", "", "Render the history graph to this SVG file instead")
	return cmd
}

func lineCount(code string) int {
	if code == "" {
		return 0
	}
	n := 1
	for _, r := range code {
		if r == '\n' {
			n++
		}
	}
	return n
}

func quote(s string) string { return strconv.Quote(s) }
