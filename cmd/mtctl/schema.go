package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vango-dev/mtproto"
	"github.com/vango-dev/mtproto/pkg/tl"
)

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Validate TL schema files",
	}
	cmd.AddCommand(schemaCheckCmd(), schemaIDsCmd())
	return cmd
}

func schemaCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file>",
		Short: "Parse and compile a TL schema",
		Long: `Parse and compile a TL schema file.

Syntax errors, bad flag predicates, unresolved bare types and literal
constructor ids that differ from their CRC32 are reported with the
offending line.

Examples:
  mtctl schema check api.tl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := mtproto.CheckSchemaFile(args[0])
			if err != nil {
				return err
			}
			constructors, methods := countKinds(entries)
			success("%s: %d constructors, %d methods", args[0], constructors, methods)
			return nil
		},
	}
}

func countKinds(entries []*tl.Entry) (constructors, methods int) {
	for _, e := range entries {
		if e.Kind == tl.KindMethod {
			methods++
		} else {
			constructors++
		}
	}
	return constructors, methods
}

func schemaIDsCmd() *cobra.Command {
	var sorted bool

	cmd := &cobra.Command{
		Use:   "ids <file>",
		Short: "Print the constructor id of every declaration",
		Long: `Print the computed constructor id and canonical signature of every
declaration in a TL schema file.

Examples:
  mtctl schema ids api.tl
  mtctl schema ids api.tl --sort`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := mtproto.CheckSchemaFile(args[0])
			if err != nil {
				return err
			}
			return printIDs(cmd.OutOrStdout(), entries, sorted)
		},
	}

	cmd.Flags().BoolVar(&sorted, "sort", false, "Sort by name instead of file order")

	return cmd
}

func printIDs(w io.Writer, entries []*tl.Entry, sorted bool) error {
	if sorted {
		entries = append([]*tl.Entry(nil), entries...)
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(tw, "%08x\t%s\t%s\n", tl.ComputeConstructorID(e), e.Name, tl.CanonicalSignature(e))
	}
	return tw.Flush()
}
