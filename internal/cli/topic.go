package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/hcsagent/internal/transport/localtopic"
	"github.com/roach88/hcsagent/internal/wire"
)

// TopicOptions holds flags shared by the topic commands.
type TopicOptions struct {
	*RootOptions
	Database string
}

// NewTopicCommand creates the topic command group for the local topic log,
// the development stand-in for a consensus topic service.
func NewTopicCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TopicOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "topic",
		Short: "Create, publish to and read local topics",
		Long: `Work with the SQLite topic log used by the "local" transport.

Example:
  hcsagent topic create --db ./topics.db
  hcsagent topic send 0.0.1 --connection-request 0.0.2@0.0.9 --db ./topics.db
  hcsagent topic send 0.0.1 '{"protocol":"hcs-10","operation":"message","data":"..."}'
  hcsagent topic read 0.0.2 --after 0`,
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "./topics.db", "path to the topic log")

	cmd.AddCommand(newTopicCreateCommand(opts))
	cmd.AddCommand(newTopicSendCommand(opts))
	cmd.AddCommand(newTopicReadCommand(opts))
	cmd.AddCommand(newTopicListCommand(opts))
	return cmd
}

func (o *TopicOptions) open() (*localtopic.Log, error) {
	log, err := localtopic.Open(o.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open topic log", err)
	}
	return log, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newTopicCreateCommand(opts *TopicOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "create",
		Short:         "Create a topic and print its id",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := opts.open()
			if err != nil {
				return err
			}
			defer log.Close()

			id, err := log.CreateTopic(commandContext(cmd))
			if err != nil {
				return WrapExitError(ExitFailure, "failed to create topic", err)
			}
			f := opts.formatter(cmd)
			if f.Format == "json" {
				return f.Success(map[string]string{"topic_id": id})
			}
			return f.Success(id)
		},
	}
}

type sendFlags struct {
	file              string
	connectionRequest string
}

func newTopicSendCommand(opts *TopicOptions) *cobra.Command {
	flags := &sendFlags{}
	cmd := &cobra.Command{
		Use:           "send <topic> [message]",
		Short:         "Publish a message to a topic",
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := flags.payload(args[1:])
			if err != nil {
				return err
			}

			log, err := opts.open()
			if err != nil {
				return err
			}
			defer log.Close()

			seq, err := log.SendMessage(commandContext(cmd), args[0], payload)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to send message", err)
			}
			f := opts.formatter(cmd)
			f.VerboseLog("sent %d bytes to %s", len(payload), args[0])
			if f.Format == "json" {
				return f.Success(map[string]any{"topic_id": args[0], "sequence_number": seq})
			}
			return f.Success(fmt.Sprintf("%s#%d", args[0], seq))
		},
	}
	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "read the message from a file")
	cmd.Flags().StringVar(&flags.connectionRequest, "connection-request", "", "send a connection_request for peer <topic>@<account>")
	return cmd
}

// payload resolves the message body from exactly one of the positional
// argument, --file and --connection-request.
func (s *sendFlags) payload(args []string) ([]byte, error) {
	sources := 0
	for _, set := range []bool{len(args) > 0, s.file != "", s.connectionRequest != ""} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return nil, NewExitError(ExitCommandError, "exactly one of [message], --file or --connection-request is required")
	}

	switch {
	case len(args) > 0:
		return []byte(args[0]), nil
	case s.file != "":
		b, err := os.ReadFile(s.file)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to read message file", err)
		}
		return b, nil
	default:
		peer, err := wire.ParsePeerLocator(s.connectionRequest)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid peer locator", err)
		}
		b, err := wire.Marshal(wire.NewConnectionRequest(peer, time.Now()))
		if err != nil {
			return nil, WrapExitError(ExitFailure, "failed to encode connection request", err)
		}
		return b, nil
	}
}

type topicMessage struct {
	TopicID        string    `json:"topic_id"`
	SequenceNumber int64     `json:"sequence_number"`
	ConsensusAt    time.Time `json:"consensus_at"`
	Contents       string    `json:"contents"`
}

func newTopicReadCommand(opts *TopicOptions) *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:           "read <topic>",
		Short:         "Print the messages on a topic",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := opts.open()
			if err != nil {
				return err
			}
			defer log.Close()

			msgs, err := log.PollMessages(commandContext(cmd), args[0], after)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read topic", err)
			}
			out := make([]topicMessage, 0, len(msgs))
			rows := make([][]string, 0, len(msgs))
			for _, m := range msgs {
				out = append(out, topicMessage{
					TopicID:        m.TopicID,
					SequenceNumber: m.SequenceNumber,
					ConsensusAt:    m.ConsensusAt,
					Contents:       string(m.Contents),
				})
				rows = append(rows, []string{fmt.Sprint(m.SequenceNumber), formatTime(m.ConsensusAt), string(m.Contents)})
			}
			return opts.formatter(cmd).Table(out, []string{"SEQ", "CONSENSUS", "CONTENTS"}, rows)
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only print messages after this sequence number")
	return cmd
}

func newTopicListCommand(opts *TopicOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List topics in creation order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := opts.open()
			if err != nil {
				return err
			}
			defer log.Close()

			topics, err := log.Topics(commandContext(cmd))
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list topics", err)
			}
			rows := make([][]string, 0, len(topics))
			for _, t := range topics {
				rows = append(rows, []string{t})
			}
			return opts.formatter(cmd).Table(topics, []string{"TOPIC"}, rows)
		},
	}
}
