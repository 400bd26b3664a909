package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/admin"
)

// newStreamsCommand constructs the `streams` command group and subcommands.
func newStreamsCommand(load LoadFunc) *cobra.Command {
	streamsCmd := &cobra.Command{Use: "streams", Short: "Inspect and repair per-stream consumption"}
	streamsCmd.PersistentFlags().Bool("json", false, "print JSON instead of text")

	streamsCmd.AddCommand(
		newStreamsStatusCommand(load),
		newStreamsErroredCommand(load),
		newStreamsErrorsCommand(load),
		newStreamsFixCommand(load),
	)
	return streamsCmd
}

func newStreamsStatusCommand(load LoadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the consumption status of a stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			streamID, err := uuidFlag(cmd, "stream")
			if err != nil {
				return err
			}
			source, _ := cmd.Flags().GetString("source")
			component, _ := cmd.Flags().GetString("component")

			return withAdmin(cmd.Context(), load, cmd.ErrOrStderr(), func(svc *admin.Service) error {
				var statuses []es.StreamStatus
				if source != "" && component != "" {
					status, err := svc.StreamStatus(cmd.Context(), es.StreamKey{Source: source, Component: component, StreamID: streamID})
					if err != nil {
						return err
					}
					statuses = []es.StreamStatus{status}
				} else {
					statuses, err = svc.StatusesByStream(cmd.Context(), streamID)
					if err != nil {
						return err
					}
				}
				return printStatuses(cmd, statuses)
			})
		},
	}
	cmd.Flags().String("stream", "", "stream id (required)")
	cmd.Flags().String("source", "", "event source")
	cmd.Flags().String("component", "", "consuming component")
	return cmd
}

func newStreamsErroredCommand(load LoadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "errored",
		Short: "List streams blocked by an error",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAdmin(cmd.Context(), load, cmd.ErrOrStderr(), func(svc *admin.Service) error {
				statuses, err := svc.ErroredStreams(cmd.Context())
				if err != nil {
					return err
				}
				return printStatuses(cmd, statuses)
			})
		},
	}
}

func newStreamsErrorsCommand(load LoadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "List stream errors by stream or by classification hash",
		RunE: func(cmd *cobra.Command, _ []string) error {
			hash, _ := cmd.Flags().GetString("hash")
			raw, _ := cmd.Flags().GetString("stream")
			if (hash == "") == (raw == "") {
				return errors.New("exactly one of --stream and --hash is required")
			}

			return withAdmin(cmd.Context(), load, cmd.ErrOrStderr(), func(svc *admin.Service) error {
				var streamErrors []es.StreamError
				if hash != "" {
					found, err := svc.ErrorsByHash(cmd.Context(), hash)
					if err != nil {
						return err
					}
					streamErrors = found
				} else {
					streamID, err := uuid.Parse(raw)
					if err != nil {
						return fmt.Errorf("invalid --stream: %w", err)
					}
					found, err := svc.ErrorsByStream(cmd.Context(), streamID)
					if err != nil {
						return err
					}
					streamErrors = found
				}
				return printErrors(cmd, streamErrors)
			})
		},
	}
	cmd.Flags().String("stream", "", "stream id")
	cmd.Flags().String("hash", "", "error classification hash")
	return cmd
}

func newStreamsFixCommand(load LoadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fix",
		Short: "Mark a stream error fixed and unblock its stream",
		Long:  "Deletes the stream error and unblocks the stream. Held events are delivered by the next catch-up run.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			errorID, err := uuidFlag(cmd, "error-id")
			if err != nil {
				return err
			}
			streamID, err := uuidFlag(cmd, "stream")
			if err != nil {
				return err
			}
			source, _ := cmd.Flags().GetString("source")
			component, _ := cmd.Flags().GetString("component")
			if source == "" || component == "" {
				return errors.New("--source and --component are required")
			}
			key := es.StreamKey{Source: source, Component: component, StreamID: streamID}

			return withAdmin(cmd.Context(), load, cmd.ErrOrStderr(), func(svc *admin.Service) error {
				if err := svc.MarkFixed(cmd.Context(), errorID, key); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stream error %s fixed, %s unblocked\n", errorID, key)
				return nil
			})
		},
	}
	cmd.Flags().String("error-id", "", "stream error id (required)")
	cmd.Flags().String("stream", "", "stream id (required)")
	cmd.Flags().String("source", "", "event source (required)")
	cmd.Flags().String("component", "", "consuming component (required)")
	return cmd
}

func uuidFlag(cmd *cobra.Command, name string) (uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("--%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return id, nil
}

func wantJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatuses(cmd *cobra.Command, statuses []es.StreamStatus) error {
	w := cmd.OutOrStdout()
	if wantJSON(cmd) {
		if statuses == nil {
			statuses = []es.StreamStatus{}
		}
		return printJSON(w, statuses)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(w, "No stream status found")
		return nil
	}
	for _, s := range statuses {
		state := "ok"
		if s.IsBlocked() {
			state = "blocked by " + s.StreamErrorID.UUID.String()
		}
		fmt.Fprintf(w, "%s position=%d latest_known=%d up_to_date=%t %s\n",
			s.Key, s.Position, s.LatestKnownPosition, s.UpToDate, state)
	}
	return nil
}

func printErrors(cmd *cobra.Command, streamErrors []es.StreamError) error {
	w := cmd.OutOrStdout()
	if wantJSON(cmd) {
		if streamErrors == nil {
			streamErrors = []es.StreamError{}
		}
		return printJSON(w, streamErrors)
	}
	if len(streamErrors) == 0 {
		fmt.Fprintln(w, "No stream errors found")
		return nil
	}
	for _, e := range streamErrors {
		fmt.Fprintf(w, "%s %s position=%d hash=%s event=%d %s\n",
			e.ID, e.Key, e.Position, e.Hash, e.Details.EventNumber, e.Details.Message)
	}
	return nil
}
