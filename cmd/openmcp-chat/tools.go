package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(toolsCmd)
	toolsCmd.AddCommand(toolsListCmd, toolsCallCmd)
	toolsCallCmd.Flags().String("args", "{}", "JSON 对象形式的工具参数")
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect and call tools from the configured MCP endpoints",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered tools",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := toolsOnly(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		list := a.registry.All()
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tools discovered.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tENDPOINT\tDESCRIPTION")
		for _, d := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, d.Endpoint, d.Description)
		}
		return w.Flush()
	},
}

var toolsCallCmd = &cobra.Command{
	Use:   "call NAME",
	Short: "Call a tool once through the invoker's retry policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("args")
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("--args 不是合法的 JSON: %s", raw)
		}
		a, err := toolsOnly(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.invoker.Invoke(cmd.Context(), args[0], json.RawMessage(raw))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result)
		return nil
	},
}

// toolsOnly 只装配工具注册表与调用器，不需要模型凭据。
func toolsOnly(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}
	if err := a.initTools(cmd.Context()); err != nil {
		return nil, err
	}
	return a, nil
}
