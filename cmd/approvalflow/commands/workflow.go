package commands

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
)

func NewWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflow definitions",
	}

	cmd.AddCommand(
		newWorkflowDefineCmd(),
		newWorkflowListCmd(),
		newWorkflowGetCmd(),
		newWorkflowUpdateCmd(),
		newWorkflowDeprecateCmd(),
		newWorkflowRemoveCmd(),
	)

	return cmd
}

func newWorkflowDefineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "define",
		Short: "Define a workflow from a YAML file",
		Args:  cobra.NoArgs,
		RunE:  runWorkflowDefine,
	}
	cmd.Flags().StringP("file", "f", "", "Workflow definition file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newWorkflowListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflow definitions",
		Args:  cobra.NoArgs,
		RunE:  runWorkflowList,
	}
}

func newWorkflowGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflowGet,
	}
}

func newWorkflowUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace name, description and, while unreferenced, steps of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflowUpdate,
	}
	cmd.Flags().StringP("file", "f", "", "Workflow definition file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newWorkflowDeprecateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deprecate <id>",
		Short: "Stop new associations from using a workflow",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflowDeprecate,
	}
}

func newWorkflowRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete an unreferenced workflow",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflowRemove,
	}
}

// readDefinition decodes a workflow file:
//
//	name: payments
//	description: large payments
//	steps:
//	  - ordinal: 1
//	    policy: {type: QUORUM, quorum: 2}
//	    approvers:
//	      - {type: USER, id: alice}
//	      - {type: GROUP, id: finance}
func readDefinition(cmd *cobra.Command) (*domain.WorkflowDefinition, error) {
	path, _ := cmd.Flags().GetString("file")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	var def domain.WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parse workflow file %s: %w", path, err)
	}
	return &def, nil
}

func runWorkflowDefine(cmd *cobra.Command, args []string) error {
	in, err := readDefinition(cmd)
	if err != nil {
		return err
	}
	eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	def, err := eng.Definitions.Define(cmd.Context(), in.Name, in.Description, in.Steps)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), def)
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	defs, err := eng.Definitions.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No workflows defined.")
		return nil
	}
	for _, def := range defs {
		state := "active"
		if def.Deprecated {
			state = "deprecated"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d %s %d steps %s\n", def.ID, def.Name, len(def.Steps), state)
	}
	return nil
}

func runWorkflowGet(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	def, err := eng.Definitions.Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), def)
}

func runWorkflowUpdate(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	in, err := readDefinition(cmd)
	if err != nil {
		return err
	}
	eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	def, err := eng.Definitions.Update(cmd.Context(), id, in.Name, in.Description, in.Steps)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), def)
}

func runWorkflowDeprecate(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Definitions.Deprecate(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Workflow %d deprecated.\n", id)
	return nil
}

func runWorkflowRemove(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Definitions.Remove(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Workflow %d removed.\n", id)
	return nil
}
