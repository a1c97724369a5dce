// Command fatectl is FATE's admin CLI: a thin grpc client over pkg/api,
// with a root command carrying persistent logging flags and one
// subcommand group per resource, each RunE dialing the daemon fresh.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/fate/pkg/api"
	"github.com/cuemby/fate/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "fatectl",
	Short:   "fatectl - admin CLI for a FATE transaction engine daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fatectl version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("addr", "127.0.0.1:9190", "Address of the fated admin grpc surface")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(txCmd)
	rootCmd.AddCommand(healthCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func dial(cmd *cobra.Command) (*api.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	c, err := api.NewClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return c, nil
}

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "Inspect and manage transactions",
}

var txListCmd = &cobra.Command{
	Use:   "list",
	Short: "List transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses, _ := cmd.Flags().GetStringSlice("status")
		tag, _ := cmd.Flags().GetString("operation-tag")

		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		resp, err := c.ListTransactions(ctx, &api.ListRequest{Statuses: statuses, OperationTag: tag})
		if err != nil {
			return fmt.Errorf("failed to list transactions: %w", err)
		}

		if len(resp.Transactions) == 0 {
			fmt.Println("No transactions found")
			return nil
		}

		fmt.Printf("%-20s %-20s %-20s %s\n", "ID", "STATUS", "OPERATION", "STEP")
		for _, tx := range resp.Transactions {
			step := ""
			if len(tx.Stack) > 0 {
				step = tx.Stack[len(tx.Stack)-1]
			}
			fmt.Printf("%-20s %-20s %-20s %s\n", tx.ID, tx.Status, tx.OperationTag, step)
		}
		return nil
	},
}

var txShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show full detail for one transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		resp, err := c.GetTransaction(ctx, &api.GetRequest{ID: args[0]})
		if err != nil {
			return fmt.Errorf("failed to get transaction: %w", err)
		}

		tx := resp.Transaction
		fmt.Printf("Transaction: %s\n", tx.ID)
		fmt.Printf("  Status: %s\n", tx.Status)
		fmt.Printf("  Operation: %s\n", tx.OperationTag)
		fmt.Printf("  Stack: %v\n", tx.Stack)
		if tx.ExceptionMsg != "" {
			fmt.Printf("  Exception: %s\n", tx.ExceptionMsg)
		}
		if !tx.DeferDeadline.IsZero() {
			fmt.Printf("  Deferred until: %s\n", tx.DeferDeadline.Format(time.RFC3339))
		}
		for k, v := range tx.Info {
			fmt.Printf("  Info[%s]: %s\n", k, v)
		}
		return nil
	},
}

var txCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a transaction before it has been reserved for execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		resp, err := c.CancelTransaction(ctx, &api.CancelRequest{ID: args[0]})
		if err != nil {
			return fmt.Errorf("failed to cancel transaction: %w", err)
		}

		if resp.Cancelled {
			fmt.Printf("✓ Transaction cancelled: %s\n", args[0])
		} else {
			fmt.Printf("Transaction %s is already reserved for execution; it will run to completion\n", args[0])
		}
		return nil
	},
}

var txDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a terminal transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if _, err := c.DeleteTransaction(ctx, &api.DeleteRequest{ID: args[0]}); err != nil {
			return fmt.Errorf("failed to delete transaction: %w", err)
		}

		fmt.Printf("✓ Transaction deleted: %s\n", args[0])
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		resp, err := c.Health(ctx, &api.HealthRequest{})
		if err != nil {
			return fmt.Errorf("failed to check health: %w", err)
		}

		if resp.Healthy {
			fmt.Println("healthy")
		} else {
			fmt.Println("unhealthy")
		}
		for name, status := range resp.Components {
			fmt.Printf("  %s: %s\n", name, status)
		}
		return nil
	},
}

func init() {
	txListCmd.Flags().StringSlice("status", nil, "Filter by status (repeatable)")
	txListCmd.Flags().String("operation-tag", "", "Filter by operation tag")

	txCmd.AddCommand(txListCmd)
	txCmd.AddCommand(txShowCmd)
	txCmd.AddCommand(txCancelCmd)
	txCmd.AddCommand(txDeleteCmd)
}
