package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

func bindingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bindings",
		Short: "Inspect and remove bridged room pairs",
	}
	cmd.AddCommand(bindingsListCmd())
	cmd.AddCommand(bindingsRemoveCmd())
	return cmd
}

func pendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect pairing requests awaiting an invitation",
	}
	cmd.AddCommand(pendingListCmd())
	return cmd
}

// withStores opens the configured store for a one-shot CLI command.
func withStores(fn func(ctx context.Context, s *store.Stores) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	s, err := openStores(ctx, cfg.StoreConfig())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func bindingsListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bound room pairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(ctx context.Context, s *store.Stores) error {
				bindings, err := s.Bindings.ListBindings(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(bindings)
				}
				if len(bindings) == 0 {
					fmt.Println("No bindings.")
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTELEGRAM CHAT\tXMPP ROOM\tCREATED")
				for _, b := range bindings {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.ID, b.ChatID, b.RoomAddress, b.CreatedAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func bindingsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id | telegram chat id | room address>",
		Short: "Remove a binding and its message history",
		Long: "Remove a binding and its message history. A running bridge keeps " +
			"relaying the pair until it is restarted.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(ctx context.Context, s *store.Stores) error {
				b, err := findBinding(ctx, s.Bindings, args[0])
				if err != nil {
					return err
				}
				if err := s.Bindings.DeleteBinding(ctx, b.ID); err != nil {
					return err
				}
				if err := s.Correlations.DeleteCorrelations(ctx, b.ID); err != nil {
					return err
				}
				fmt.Printf("Removed binding %s (%s <-> %s).\n", b.ID, b.ChatID, b.RoomAddress)
				return nil
			})
		},
	}
}

func findBinding(ctx context.Context, bs store.BindingStore, ref string) (*store.Binding, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return bs.GetBinding(ctx, id)
	}
	for _, n := range []store.Network{store.NetworkTelegram, store.NetworkXMPP} {
		b, err := bs.FindBinding(ctx, n, ref)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no binding matches %q", ref)
}

func pendingListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending pairing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(ctx context.Context, s *store.Stores) error {
				pending, err := s.Bindings.ListPending(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(pending)
				}
				if len(pending) == 0 {
					fmt.Println("No pending pairing requests.")
					return nil
				}
				now := time.Now()
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "TELEGRAM CHAT\tXMPP ROOM\tEXPIRES IN")
				for _, p := range pending {
					left := "expired"
					if !p.Expired(now) {
						left = p.ExpiresAt.Sub(now).Truncate(time.Second).String()
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ChatID, p.RoomAddress, left)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
