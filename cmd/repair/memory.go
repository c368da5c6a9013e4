package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/easeaico/adk-repair-agent/internal/memory"
	"github.com/spf13/cobra"
)

func newMemoryCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and extend the repair memory",
	}
	cmd.AddCommand(newMemorySearchCommand(root))
	cmd.AddCommand(newMemoryAddCommand(root))
	return cmd
}

func newMemorySearchCommand(root *rootOptions) *cobra.Command {
	var topK int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Print the memory items ranked for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, nil)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if !cmd.Flags().Changed("top-k") {
				topK = cfg.Memory.TopK
			}
			results, err := store.Search(cmd.Context(), memory.Query{Text: strings.Join(args, " "), TopK: topK})
			if err != nil {
				return err
			}
			printResults(cmd.OutOrStdout(), results)
			return nil
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 5, "number of items to print")
	return cmd
}

func printResults(w io.Writer, results []memory.RankedResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "no memory items")
		return
	}
	for i, r := range results {
		fmt.Fprintf(w, "%d. [%s] %s (score %.3f)\n", i+1, r.Item.Outcome, r.Item.Title, r.Score)
		if r.Item.Description != "" {
			fmt.Fprintf(w, "   %s\n", r.Item.Description)
		}
		fmt.Fprintf(w, "   %s\n", strings.ReplaceAll(strings.TrimSpace(r.Item.Content), "\n", "\n   "))
	}
}

func newMemoryAddCommand(root *rootOptions) *cobra.Command {
	var item memory.Item
	var outcome string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append an item to the memory ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, nil)
			if err != nil {
				return err
			}
			item.Outcome = memory.Outcome(outcome)
			item.Source = map[string]any{"type": "manual"}
			if err := item.Validate(); err != nil {
				return &configError{err: err}
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.AddItems(cmd.Context(), []memory.Item{item}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %q\n", item.Title)
			return nil
		},
	}
	cmd.Flags().StringVar(&item.Title, "title", "", "item title")
	cmd.Flags().StringVar(&item.Description, "description", "", "one-line description")
	cmd.Flags().StringVar(&item.Content, "content", "", "strategy or pitfall")
	cmd.Flags().StringVar(&outcome, "outcome", string(memory.OutcomeSuccess), "success or failure")
	return cmd
}
