package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/models"
)

func NewRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Submit guarded operations and decide on approval requests",
	}

	cmd.AddCommand(
		newRequestSubmitCmd(),
		newRequestStatusCmd(),
		newRequestActionsCmd(),
		newRequestDecisionCmd("approve", models.DecisionApprove),
		newRequestDecisionCmd("reject", models.DecisionReject),
		newRequestCancelCmd(),
	)

	return cmd
}

func newRequestSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <operation>",
		Short: "Submit a guarded operation",
		Args:  cobra.ExactArgs(1),
		RunE:  runRequestSubmit,
	}
	cmd.Flags().StringArrayP("param", "p", nil, "Operation parameter key=value, repeatable; values are read as YAML scalars")
	return cmd
}

func newRequestStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id|external-id>",
		Short: "Show the status and decisions of a request",
		Args:  cobra.ExactArgs(1),
		RunE:  runRequestStatus,
	}
}

func newRequestActionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions <id>",
		Short: "Show the audit trail of a request",
		Args:  cobra.ExactArgs(1),
		RunE:  runRequestActions,
	}
}

func newRequestDecisionCmd(use string, decision models.Decision) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: fmt.Sprintf("Record %s decision on a request", strings.ToLower(string(decision))),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequestDecision(cmd, args[0], decision)
		},
	}
	cmd.Flags().String("by", "", "Approver user id")
	cmd.Flags().Int("step", 0, "Step the decision is meant for (0 = current step)")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func newRequestCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Abort a pending request",
		Args:  cobra.ExactArgs(1),
		RunE:  runRequestCancel,
	}
	cmd.Flags().String("reason", "cancelled by operator", "Reason passed to the aborted operation")
	return cmd
}

// parseParams turns key=value pairs into operation parameters.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("parameter %q is not key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		params[key] = value
	}
	return params, nil
}

func runRequestSubmit(cmd *cobra.Command, args []string) error {
	pairs, _ := cmd.Flags().GetStringArray("param")
	params, err := parseParams(pairs)
	if err != nil {
		return err
	}
	eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	cb, _ := newLoggingCallback(domain.Request{OperationType: args[0], Parameters: params})
	handle, err := eng.Submit(cmd.Context(), args[0], params, cb)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), handle)
}

func runRequestStatus(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	var view any
	if id, perr := parseID(args[0]); perr == nil {
		view, err = eng.GetRequestStatus(cmd.Context(), id)
	} else {
		view, err = eng.GetRequestStatusByExternalID(cmd.Context(), args[0])
	}
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), view)
}

func runRequestActions(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	actions, err := eng.RequestActions(cmd.Context(), id)
	if err != nil {
		return err
	}
	for _, a := range actions {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %-15s %s %s\n", a.DateTime.Format("2006-01-02T15:04:05Z07:00"), a.Type, a.Name, a.Text)
	}
	return nil
}

func runRequestDecision(cmd *cobra.Command, rawID string, decision models.Decision) error {
	id, err := parseID(rawID)
	if err != nil {
		return err
	}
	by, _ := cmd.Flags().GetString("by")
	stepOrdinal, _ := cmd.Flags().GetInt("step")
	eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	res, err := eng.RecordDecision(cmd.Context(), id, models.DecisionInput{
		Approver: strings.TrimSpace(by),
		Decision: decision,
		Step:     stepOrdinal,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runRequestCancel(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	reason, _ := cmd.Flags().GetString("reason")
	eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Cancel(cmd.Context(), id, reason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Request %d cancelled.\n", id)
	return nil
}
