package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/models"
)

func NewAssociationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "association",
		Short: "Bind workflows to guarded operations",
	}

	cmd.AddCommand(
		newAssociationAddCmd(),
		newAssociationListCmd(),
		newAssociationToggleCmd("enable", true),
		newAssociationToggleCmd("disable", false),
		newAssociationRemoveCmd(),
	)

	return cmd
}

func newAssociationAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Bind a workflow to an operation type",
		Args:  cobra.NoArgs,
		RunE:  runAssociationAdd,
	}
	cmd.Flags().String("name", "", "Association name")
	cmd.Flags().Int64("workflow", 0, "Workflow id")
	cmd.Flags().String("operation", "", "Guarded operation type, e.g. user.delete")
	cmd.Flags().String("condition", "", `JSON condition over the operation parameters, e.g. {"op":"eq","field":"tenant","value":"acme"}`)
	cmd.Flags().Bool("disabled", false, "Create the association disabled")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("workflow")
	_ = cmd.MarkFlagRequired("operation")
	return cmd
}

func newAssociationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List associations in evaluation order",
		Args:  cobra.NoArgs,
		RunE:  runAssociationList,
	}
}

func newAssociationToggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: fmt.Sprintf("%s an association", map[bool]string{true: "Enable", false: "Disable"}[enabled]),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssociationToggle(cmd, args[0], enabled)
		},
	}
}

func newAssociationRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete an association",
		Args:  cobra.ExactArgs(1),
		RunE:  runAssociationRemove,
	}
}

func runAssociationAdd(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	workflowID, _ := cmd.Flags().GetInt64("workflow")
	operation, _ := cmd.Flags().GetString("operation")
	condition, _ := cmd.Flags().GetString("condition")
	disabled, _ := cmd.Flags().GetBool("disabled")

	eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	a, err := eng.Resolver.CreateAssociation(cmd.Context(), models.CreateAssociationRequest{
		Name:          name,
		WorkflowID:    workflowID,
		OperationType: operation,
		Condition:     condition,
		Enabled:       !disabled,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), a)
}

func runAssociationList(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	assocs, err := eng.Resolver.ListAssociations(cmd.Context())
	if err != nil {
		return err
	}
	if len(assocs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No associations.")
		return nil
	}
	for _, a := range assocs {
		state := "enabled"
		if !a.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d %s %s -> workflow %d %s\n", a.ID, a.Name, a.OperationType, a.WorkflowID, state)
	}
	return nil
}

func runAssociationToggle(cmd *cobra.Command, rawID string, enabled bool) error {
	id, err := parseID(rawID)
	if err != nil {
		return err
	}
	eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	if _, err := eng.Resolver.GetAssociation(cmd.Context(), id); err != nil {
		return err
	}
	if err := eng.Resolver.SetAssociationEnabled(cmd.Context(), id, enabled); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Association %d %s.\n", id, map[bool]string{true: "enabled", false: "disabled"}[enabled])
	return nil
}

func runAssociationRemove(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Resolver.DeleteAssociation(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Association %d removed.\n", id)
	return nil
}
