package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/cuemby/labvm/pkg/allocator"
	"github.com/cuemby/labvm/pkg/config"
	"github.com/cuemby/labvm/pkg/storage"
	"github.com/cuemby/labvm/pkg/types"
	"github.com/spf13/cobra"
)

// withStore loads the configuration, opens the store and runs fn
func withStore(fn func(ctx context.Context, cfg *config.Config, store storage.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, cfg, store)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

// Migrate

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the record store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, cfg *config.Config, store storage.Store) error {
			switch cfg.Store.Driver {
			case "postgres":
				fmt.Println("✓ Postgres schema is up to date")
			default:
				fmt.Printf("✓ Bolt store ready in %s\n", cfg.Store.DataDir)
			}
			return nil
		})
	},
}

// IP pool

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Manage the IP address pool",
}

var poolSeedCmd = &cobra.Command{
	Use:   "seed [FIRST LAST]",
	Short: "Add an address range to the pool",
	Long: `Add every address from FIRST to LAST (inclusive) to the pool as free.
Without arguments the configured network.pool_start and network.pool_end are used.
Addresses already in the pool keep their state.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return fmt.Errorf("expected FIRST and LAST or no arguments")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, cfg *config.Config, store storage.Store) error {
			first, last := cfg.Network.PoolStart, cfg.Network.PoolEnd
			if len(args) == 2 {
				first, last = args[0], args[1]
			}
			added, err := allocator.New(store, cfg.VM.VMIDStart).SeedRange(ctx, first, last)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Added %d addresses from %s to %s\n", added, first, last)
			return nil
		})
	},
}

var poolReserveCmd = &cobra.Command{
	Use:   "reserve ADDRESS",
	Short: "Take an address out of circulation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		release, _ := cmd.Flags().GetBool("release")
		return withStore(func(ctx context.Context, cfg *config.Config, store storage.Store) error {
			if err := allocator.New(store, cfg.VM.VMIDStart).SetReserved(ctx, args[0], !release); err != nil {
				return err
			}
			if release {
				fmt.Printf("✓ %s returned to the pool\n", args[0])
			} else {
				fmt.Printf("✓ %s reserved\n", args[0])
			}
			return nil
		})
	},
}

var poolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pool addresses",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		asJSON, _ := cmd.Flags().GetBool("json")
		return withStore(func(ctx context.Context, cfg *config.Config, store storage.Store) error {
			var ips []*types.AllocatedIP
			if err := store.View(ctx, func(tx storage.Tx) error {
				var err error
				ips, err = tx.ListIPs()
				return err
			}); err != nil {
				return err
			}

			filtered := ips[:0]
			for _, ip := range ips {
				if status == "" || string(ip.Status) == status {
					filtered = append(filtered, ip)
				}
			}
			if asJSON {
				return printJSON(filtered)
			}

			w := newTable(os.Stdout)
			fmt.Fprintln(w, "ADDRESS\tSTATUS\tVM RECORD\tALLOCATED")
			for _, ip := range filtered {
				record := "-"
				if ip.VMRecordID != nil {
					record = strconv.FormatUint(*ip.VMRecordID, 10)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ip.Address, ip.Status, record, formatTime(ip.AllocatedAt))
			}
			return w.Flush()
		})
	},
}

func init() {
	poolCmd.AddCommand(poolSeedCmd)
	poolCmd.AddCommand(poolReserveCmd)
	poolCmd.AddCommand(poolListCmd)

	poolReserveCmd.Flags().Bool("release", false, "Return a reserved address to the pool")
	poolListCmd.Flags().String("status", "", "Only show addresses in this state (free, allocated, reserved)")
	poolListCmd.Flags().Bool("json", false, "Print JSON")
}

// SSH keys

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the SSH keys injected into new VMs",
}

var keyAddCmd = &cobra.Command{
	Use:   "add NAME FILE",
	Short: "Register a public key and make it active",
	Long: `Register the authorized_keys line in FILE under NAME. New VMs receive the
most recently added active, unexpired key through cloud-init.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		expires, _ := cmd.Flags().GetDuration("expires")

		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read key file: %w", err)
		}
		key, err := types.ParseSSHKey(args[0], data)
		if err != nil {
			return err
		}
		if expires > 0 {
			at := key.CreatedAt.Add(expires)
			key.ExpiresAt = &at
		}

		return withStore(func(ctx context.Context, cfg *config.Config, store storage.Store) error {
			if err := store.Update(ctx, func(tx storage.Tx) error {
				return tx.CreateSSHKey(key)
			}); err != nil {
				return err
			}
			fmt.Printf("✓ Added %s key %s (%s)\n", key.Type, key.Name, key.Fingerprint)
			return nil
		})
	},
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List SSH keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, cfg *config.Config, store storage.Store) error {
			var keys []*types.SSHKey
			if err := store.View(ctx, func(tx storage.Tx) error {
				var err error
				keys, err = tx.ListSSHKeys()
				return err
			}); err != nil {
				return err
			}

			now := time.Now()
			w := newTable(os.Stdout)
			fmt.Fprintln(w, "NAME\tTYPE\tFINGERPRINT\tUSABLE\tEXPIRES")
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", k.Name, k.Type, k.Fingerprint, k.Usable(now), formatTime(k.ExpiresAt))
			}
			return w.Flush()
		})
	},
}

var keyDisableCmd = &cobra.Command{
	Use:   "disable NAME",
	Short: "Stop injecting a key into new VMs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, cfg *config.Config, store storage.Store) error {
			if err := store.Update(ctx, func(tx storage.Tx) error {
				return tx.SetSSHKeyActive(args[0], false)
			}); err != nil {
				return err
			}
			fmt.Printf("✓ Disabled key %s\n", args[0])
			return nil
		})
	},
}

func init() {
	keyCmd.AddCommand(keyAddCmd)
	keyCmd.AddCommand(keyListCmd)
	keyCmd.AddCommand(keyDisableCmd)

	keyAddCmd.Flags().Duration("expires", 0, "Expire the key after this duration (0 never expires)")
}

// VM records

var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Inspect VM records",
}

var vmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List VM records",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetUint64("user")
		all, _ := cmd.Flags().GetBool("all")
		asJSON, _ := cmd.Flags().GetBool("json")

		filter := storage.VMFilter{IncludeDeleted: all}
		if user != 0 {
			filter.UserID = &user
		}

		return withStore(func(ctx context.Context, cfg *config.Config, store storage.Store) error {
			var vms []*types.VM
			if err := store.View(ctx, func(tx storage.Tx) error {
				var err error
				vms, err = tx.ListVMs(filter)
				return err
			}); err != nil {
				return err
			}
			sort.Slice(vms, func(i, j int) bool { return vms[i].ID < vms[j].ID })

			if asJSON {
				return printJSON(vms)
			}
			w := newTable(os.Stdout)
			fmt.Fprintln(w, "ID\tUSER\tVMID\tNAME\tNODE\tSTATUS\tIP\tEXPIRES")
			for _, vm := range vms {
				fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
					vm.ID, vm.UserID, vm.VMID, vm.Name, vm.Node, vm.Status, vm.IPAddress, formatTime(vm.RuntimeExpiresAt))
			}
			return w.Flush()
		})
	},
}

var vmHistoryCmd = &cobra.Command{
	Use:   "history USER",
	Short: "Show the audit log of one user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		user, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}

		return withStore(func(ctx context.Context, cfg *config.Config, store storage.Store) error {
			var entries []*types.AuditEntry
			if err := store.View(ctx, func(tx storage.Tx) error {
				var err error
				entries, err = tx.ListAudit(user, limit)
				return err
			}); err != nil {
				return err
			}

			w := newTable(os.Stdout)
			fmt.Fprintln(w, "TIME\tACTION\tVMID\tSTATUS\tDETAIL")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.Timestamp.Local().Format(time.RFC3339), e.Action, e.VMID, e.Status, e.Detail)
			}
			return w.Flush()
		})
	},
}

func init() {
	vmCmd.AddCommand(vmListCmd)
	vmCmd.AddCommand(vmHistoryCmd)

	vmListCmd.Flags().Uint64("user", 0, "Only show this user's VMs")
	vmListCmd.Flags().Bool("all", false, "Include deleted records")
	vmListCmd.Flags().Bool("json", false, "Print JSON")
	vmHistoryCmd.Flags().Int("limit", 50, "Maximum number of entries")
}
