package commands

import (
	"context"
	"encoding/json"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/spf13/cobra"

	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/core"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
)

func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: recovery, callback dispatch and retention",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	directory, err := loadDirectory()
	if err != nil {
		return err
	}
	eng, err := approvalflow.New(ctx, approvalflow.Options{
		Directory: directory,
		Callbacks: map[string]core.CallbackFactory{approvalflow.AnyOperation: newLoggingCallback},
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	for _, topic := range []string{
		approvalflow.TopicRequestCreated,
		approvalflow.TopicStepAdvanced,
		approvalflow.TopicRequestCompleted,
		approvalflow.TopicCallbackDispatched,
	} {
		msgs, err := eng.Subscribe(ctx, topic)
		if err != nil {
			return err
		}
		go logEvents(topic, msgs)
	}

	return eng.Start(ctx)
}

func logEvents(topic string, msgs <-chan *message.Message) {
	for msg := range msgs {
		var evt approvalflow.RequestEvent
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			slog.Warn("Unreadable request event", "topic", topic, "error", err)
		} else {
			slog.Info("Request event", "topic", topic, "request_id", evt.RequestID, "status", evt.Status, "step", evt.Step)
		}
		msg.Ack()
	}
}

// loggingCallback stands in for the guarded operation of requests whose
// submitter is an operator at the command line.
type loggingCallback struct {
	req domain.Request
}

func newLoggingCallback(req domain.Request) (core.Callback, error) {
	return loggingCallback{req: req}, nil
}

func (l loggingCallback) Proceed(ctx context.Context) error {
	slog.InfoContext(ctx, "Operation proceeds without approval", "operation", l.req.OperationType)
	return nil
}

func (l loggingCallback) Commit(ctx context.Context) error {
	slog.InfoContext(ctx, "Committing approved operation", "request_id", l.req.ID, "operation", l.req.OperationType, "parameters", l.req.Parameters)
	return nil
}

func (l loggingCallback) Abort(ctx context.Context, reason string) error {
	slog.InfoContext(ctx, "Aborting operation", "request_id", l.req.ID, "operation", l.req.OperationType, "reason", reason)
	return nil
}
