package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"decision-cache/internal/scope"
)

func init() {
	scopeCmd := &cobra.Command{
		Use:   "scope",
		Short: "Encode or inspect decision scope names",
	}

	encode := &cobra.Command{
		Use:   "encode",
		Short: "Build a scope name from an activity and placement",
		RunE:  runScopeEncode,
	}
	encode.Flags().StringP("activity", "a", "", "Activity id (required)")
	encode.Flags().StringP("placement", "p", "", "Placement id (required)")
	encode.Flags().IntP("items", "n", 0, "Item count; omitted when 0")
	encode.MarkFlagRequired("activity")
	encode.MarkFlagRequired("placement")

	decode := &cobra.Command{
		Use:   "decode <name>",
		Short: "Show the activity and placement behind a scope name",
		Args:  cobra.ExactArgs(1),
		RunE:  runScopeDecode,
	}

	scopeCmd.AddCommand(encode, decode)
	RootCmd.AddCommand(scopeCmd)
}

func runScopeEncode(cmd *cobra.Command, args []string) error {
	activity, _ := cmd.Flags().GetString("activity")
	placement, _ := cmd.Flags().GetString("placement")
	items, _ := cmd.Flags().GetInt("items")

	s, err := scope.FromActivity(activity, placement, items)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), s.Name)
	return nil
}

func runScopeDecode(cmd *cobra.Command, args []string) error {
	st, ok := scope.New(args[0]).Decode()
	if !ok {
		return fmt.Errorf("%q is not an activity/placement scope", args[0])
	}
	return printJSON(cmd.OutOrStdout(), st)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
