package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"flow-studio/backend/internal/flowdoc"
	"flow-studio/backend/internal/patch"
	"flow-studio/backend/pkg/models"
)

// FlowPatchOptions holds flags for flow patch.
type FlowPatchOptions struct {
	*RootOptions
	ETag   string
	Set    []string
	Add    []string
	Remove []string
}

// FlowReplaceOptions holds flags for flow replace.
type FlowReplaceOptions struct {
	*RootOptions
	ETag string
	File string
}

type flowOutput struct {
	ETag string           `json:"etag"`
	Flow models.FlowGraph `json:"flow"`
}

// NewFlowCommand creates the flow command group.
func NewFlowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Read and edit shared flow graphs",
	}
	cmd.AddCommand(newFlowListCommand(rootOpts))
	cmd.AddCommand(newFlowGetCommand(rootOpts))
	cmd.AddCommand(newFlowPatchCommand(rootOpts))
	cmd.AddCommand(newFlowReplaceCommand(rootOpts))
	return cmd
}

func newFlowListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List flow graphs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Read(cmd.Context(), models.FlowsPath())
			if err != nil {
				return requestError(opts, cmd.OutOrStdout(), cmd.ErrOrStderr(), "list flows", err)
			}
			var flows []models.FlowSummary
			if err := res.Decode(&flows); err != nil {
				return WrapExitError(ExitFailure, "list flows", err)
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), flows)
			}
			for _, f := range flows {
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-28s %s\n", f.ID, f.Title, f.ETag)
			}
			return nil
		},
	}
}

func newFlowGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <flow-id>",
		Short: "Show a flow graph and its concurrency token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := flowdoc.NewSession(opts.client()).Get(cmd.Context(), args[0])
			if err != nil {
				return requestError(opts, cmd.OutOrStdout(), cmd.ErrOrStderr(), "get flow "+args[0], err)
			}
			return printFlow(opts, cmd.OutOrStdout(), doc)
		},
	}
}

func newFlowPatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FlowPatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "patch <flow-id>",
		Short: "Apply a JSON Patch to a flow graph",
		Long: `Apply replace, add and remove operations to a flow graph.

Values are parsed as JSON when possible and used as strings otherwise.
Operations apply in flag order within each kind: every --set, then every
--add, then every --remove. Without --etag the graph is read first and the
patch is written against the token just read.

If the graph changed since the token was issued, nothing is written and the
command exits with code 3.

Example:
  flowstudio flow patch signal --set /title="Signal intake"
  flowstudio flow patch build --etag build-v4 --add /nodes/-='{"id":"lint","kind":"step","label":"Lint"}'
  flowstudio flow patch build --etag build-v5 --remove /edges/2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlowPatch(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.ETag, "etag", "", "concurrency token the patch is based on")
	cmd.Flags().StringArrayVar(&opts.Set, "set", nil, "replace: <path>=<value>")
	cmd.Flags().StringArrayVar(&opts.Add, "add", nil, "add: <path>=<value>")
	cmd.Flags().StringArrayVar(&opts.Remove, "remove", nil, "remove: <path>")

	return cmd
}

func runFlowPatch(opts *FlowPatchOptions, cmd *cobra.Command, id string) error {
	ops, err := buildOps(opts.Set, opts.Add, opts.Remove)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid patch", err)
	}
	if len(ops) == 0 {
		return NewExitError(ExitCommandError, "nothing to patch: use --set, --add or --remove")
	}

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	session := flowdoc.NewSession(opts.client())

	var doc *flowdoc.Document
	if opts.ETag != "" {
		doc, err = session.Update(cmd.Context(), id, ops, opts.ETag)
	} else {
		var edit *flowdoc.Edit
		edit, err = session.Begin(cmd.Context(), id)
		if err == nil {
			opts.logger.Debug("patching flow", "flow_id", id, "token", edit.Document().Token, "ops", len(ops))
			doc, err = edit.Apply(cmd.Context(), ops)
		}
	}
	if err != nil {
		return requestError(opts.RootOptions, out, errOut, "flow "+id, err)
	}
	return printFlow(opts.RootOptions, out, doc)
}

func newFlowReplaceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FlowReplaceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replace <flow-id>",
		Short: "Replace a flow graph's nodes and edges from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlowReplace(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "YAML file with nodes and edges (required)")
	cmd.Flags().StringVar(&opts.ETag, "etag", "", "concurrency token the replacement is based on")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runFlowReplace(opts *FlowReplaceOptions, cmd *cobra.Command, id string) error {
	graph, err := readGraphFile(opts.File)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read "+opts.File, err)
	}

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	session := flowdoc.NewSession(opts.client())

	token := opts.ETag
	if token == "" {
		current, err := session.Get(cmd.Context(), id)
		if err != nil {
			return requestError(opts.RootOptions, out, errOut, "flow "+id, err)
		}
		token = current.Token
	}
	doc, err := session.Replace(cmd.Context(), id, graph, token)
	if err != nil {
		return requestError(opts.RootOptions, out, errOut, "flow "+id, err)
	}
	return printFlow(opts.RootOptions, out, doc)
}

// readGraphFile decodes a flow graph from YAML.
func readGraphFile(path string) (models.FlowGraph, error) {
	var graph models.FlowGraph
	data, err := os.ReadFile(path)
	if err != nil {
		return graph, err
	}
	if err := yaml.Unmarshal(data, &graph); err != nil {
		return graph, err
	}
	return graph, nil
}

// buildOps turns path=value flag values into patch operations.
func buildOps(set, add, remove []string) ([]patch.Op, error) {
	var ops []patch.Op
	for _, s := range set {
		path, value, err := splitAssignment(s)
		if err != nil {
			return nil, err
		}
		ops = append(ops, patch.ReplaceOp(path, value))
	}
	for _, s := range add {
		path, value, err := splitAssignment(s)
		if err != nil {
			return nil, err
		}
		ops = append(ops, patch.AddOp(path, value))
	}
	for _, path := range remove {
		ops = append(ops, patch.RemoveOp(path))
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return ops, patch.Validate(ops)
}

func splitAssignment(s string) (string, any, error) {
	path, raw, ok := strings.Cut(s, "=")
	if !ok || path == "" {
		return "", nil, fmt.Errorf("expected <path>=<value>, got %q", s)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}
	return path, value, nil
}

func printFlow(opts *RootOptions, out io.Writer, doc *flowdoc.Document) error {
	if opts.Format == "json" {
		return writeJSON(out, flowOutput{ETag: doc.Token, Flow: doc.Graph})
	}
	g := doc.Graph
	fmt.Fprintf(out, "%s  %s  (etag %s)\n", g.ID, g.Title, doc.Token)
	if g.Description != "" {
		fmt.Fprintln(out, g.Description)
	}
	fmt.Fprintf(out, "nodes (%d):\n", len(g.Nodes))
	for _, n := range g.Nodes {
		fmt.Fprintf(out, "  %-16s %-10s %s\n", n.ID, n.Kind, n.Label)
	}
	fmt.Fprintf(out, "edges (%d):\n", len(g.Edges))
	for _, e := range g.Edges {
		fmt.Fprintf(out, "  %s -> %s\n", e.From, e.To)
	}
	return nil
}
