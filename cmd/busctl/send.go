package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	servicebus "github.com/glimte/servicebus-go"
	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/messaging"
)

func newSendCommand(a *app) *cobra.Command {
	var (
		file  string
		ttl   time.Duration
		delay time.Duration
		props map[string]string
		batch bool
	)

	cmd := &cobra.Command{
		Use:   "send [json...]",
		Short: "Send JSON documents",
		Long: `Send each argument, or each non-empty line of --file, as one message.
Use --file - to read from stdin. With --batch all documents go out in one call.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			docs, err := readDocuments(args, file != "", in)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			cfg := a.settings.SenderConfig()
			sender, err := servicebus.NewSender[json.RawMessage](ctx, a.factory, a.cred, a.settings.EntityReference(), &cfg)
			if err != nil {
				return err
			}
			defer sender.Close(ctx)

			var opts []messaging.SendOption
			if ttl > 0 {
				opts = append(opts, messaging.WithTimeToLive(ttl))
			}
			if delay > 0 {
				opts = append(opts, messaging.WithEnqueueAfter(delay))
			}
			if len(props) > 0 {
				opts = append(opts, messaging.WithProperties(props))
			}

			if batch {
				err = sender.SendBatchAsJSON(ctx, docs, opts...)
			} else {
				for _, doc := range docs {
					if err = sender.SendAsJSON(ctx, doc, opts...); err != nil {
						break
					}
				}
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sent %d message(s) to %s\n", len(docs), sender.Entity())
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read newline-delimited JSON from a file, - for stdin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Time to live of each message")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Schedule messages this far in the future")
	cmd.Flags().StringToStringVarP(&props, "property", "p", nil, "Application property key=value")
	cmd.Flags().BoolVar(&batch, "batch", false, "Send all documents in one call")
	return cmd
}

// readDocuments collects JSON documents from args, or one per line of in
// when fromInput is set
func readDocuments(args []string, fromInput bool, in io.Reader) ([]json.RawMessage, error) {
	var docs []json.RawMessage
	for i, arg := range args {
		if !json.Valid([]byte(arg)) {
			return nil, &contracts.ArgumentError{Argument: fmt.Sprintf("args[%d]", i), Reason: "is not valid JSON"}
		}
		docs = append(docs, json.RawMessage(arg))
	}

	if fromInput {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for line := 1; scanner.Scan(); line++ {
			text := bytes.TrimSpace(scanner.Bytes())
			if len(text) == 0 {
				continue
			}
			if !json.Valid(text) {
				return nil, &contracts.ArgumentError{Argument: fmt.Sprintf("line %d", line), Reason: "is not valid JSON"}
			}
			docs = append(docs, json.RawMessage(bytes.Clone(text)))
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}

	if len(docs) == 0 {
		return nil, &contracts.ArgumentError{Argument: "documents", Reason: "at least one JSON document is required"}
	}
	return docs, nil
}
