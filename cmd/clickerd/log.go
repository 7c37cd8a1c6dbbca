package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/chaz8081/clickerd/internal/eventlog"
)

func newLogCmd() *cobra.Command {
	var kinds []string

	cmd := &cobra.Command{
		Use:   "log <file>",
		Short: "Print a recorded session event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]eventlog.Kind, 0, len(kinds))
			for _, name := range kinds {
				k, err := eventlog.ParseKind(name)
				if err != nil {
					return err
				}
				filter = append(filter, k)
			}
			return printLog(cmd.OutOrStdout(), args[0], filter)
		},
	}

	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "only show these kinds (e.g. write,rssi)")
	return cmd
}

func printLog(w io.Writer, path string, kinds []eventlog.Kind) error {
	r, err := eventlog.Open(path, kinds...)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(w, rec.String())
	}
}
