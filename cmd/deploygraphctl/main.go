// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command deploygraphctl is a thin operator CLI over a running
// deploygraphd instance. It speaks the same JSON-RPC/MCP protocol a tool-
// calling client would (spec.md §6.1) rather than a bespoke admin API,
// mirroring the teacher's cmd/conductor: a cobra root command whose
// subcommands are adapters around one shared client connection.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tombee/deploygraph/internal/mcpclient"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	styleBad  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleName = lipgloss.NewStyle().Bold(true)
)

func main() {
	var addr string
	var timeout time.Duration

	root := &cobra.Command{
		Use:   "deploygraphctl",
		Short: "Submit, track and cancel codegen/plan jobs on a deploygraphd instance",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "ws://localhost:8780/operator", "deploygraphd MCP WebSocket address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "per-call timeout")

	root.AddCommand(newVersionCommand())
	root.AddCommand(newHealthCommand(&addr, &timeout))
	root.AddCommand(newSubmitCommand(&addr, &timeout))
	root.AddCommand(newStatusCommand(&addr, &timeout))
	root.AddCommand(newCancelCommand(&addr, &timeout))
	root.AddCommand(newWaitCommand(&addr, &timeout))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styleBad.Render("error:"), err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print deploygraphctl version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("deploygraphctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

// dial opens an MCP connection and completes the initialize handshake,
// the precondition every other verb in this CLI shares.
func dial(ctx context.Context, addr string) (*mcpclient.Client, error) {
	c, err := mcpclient.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	if _, err := c.Initialize(ctx, "deploygraphctl", version); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func newHealthCommand(addr *string, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Confirm the daemon accepts an MCP connection and initializes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), *timeout)
			defer cancel()
			c, err := dial(ctx, *addr)
			if err != nil {
				fmt.Println(styleBad.Render("unreachable"), styleDim.Render(err.Error()))
				os.Exit(1)
			}
			defer c.Close()
			fmt.Println(styleOK.Render("ok"), styleDim.Render(*addr))
			return nil
		},
	}
}

func newSubmitCommand(addr *string, timeout *time.Duration) *cobra.Command {
	var graphFile string
	var enableCache bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a graph for code generation (generate_code tool call)",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(graphFile)
			if err != nil {
				return fmt.Errorf("reading %s: %w", graphFile, err)
			}
			var graphInput map[string]interface{}
			if err := json.Unmarshal(raw, &graphInput); err != nil {
				return fmt.Errorf("parsing %s: %w", graphFile, err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), *timeout)
			defer cancel()
			c, err := dial(ctx, *addr)
			if err != nil {
				return err
			}
			defer c.Close()

			result, err := c.CallTool(ctx, "generate_code", map[string]interface{}{
				"graph":        graphInput,
				"enable_cache": enableCache,
			})
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&graphFile, "graph", "", "path to a JSON graph document")
	cmd.Flags().BoolVar(&enableCache, "cache", true, "allow a content-addressed cache hit to short-circuit the LLM call")
	_ = cmd.MarkFlagRequired("graph")
	return cmd
}

func newStatusCommand(addr *string, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print the current status of a codegen job (get_codegen_status tool call)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), *timeout)
			defer cancel()
			c, err := dial(ctx, *addr)
			if err != nil {
				return err
			}
			defer c.Close()
			result, err := c.CallTool(ctx, "get_codegen_status", map[string]interface{}{"job_id": args[0]})
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
}

func newCancelCommand(addr *string, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running codegen job (cancel_codegen tool call)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), *timeout)
			defer cancel()
			c, err := dial(ctx, *addr)
			if err != nil {
				return err
			}
			defer c.Close()
			result, err := c.CallTool(ctx, "cancel_codegen", map[string]interface{}{"job_id": args[0]})
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
}

func newWaitCommand(addr *string, timeout *time.Duration) *cobra.Command {
	var pollEvery time.Duration

	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Poll get_codegen_status until the job reaches a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), *timeout)
			defer cancel()
			c, err := dial(ctx, *addr)
			if err != nil {
				return err
			}
			defer c.Close()

			ticker := time.NewTicker(pollEvery)
			defer ticker.Stop()
			for {
				result, err := c.CallTool(ctx, "get_codegen_status", map[string]interface{}{"job_id": args[0]})
				if err != nil {
					return err
				}
				status, _ := result["status"].(string)
				switch status {
				case "completed", "failed", "cancelled":
					printResult(result)
					return nil
				}
				select {
				case <-ctx.Done():
					return fmt.Errorf("timed out waiting for job %s (last status %q)", args[0], status)
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&pollEvery, "poll", 2*time.Second, "polling interval")
	return cmd
}

func printResult(result map[string]interface{}) {
	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Println(styleBad.Render("error encoding result:"), err)
		return
	}
	fmt.Println(styleName.Render("result"))
	fmt.Println(string(raw))
}
