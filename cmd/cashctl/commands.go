package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/0gfoundation/cashdesk/internal/devicesvc"
	"github.com/0gfoundation/cashdesk/internal/money"
	"github.com/0gfoundation/cashdesk/internal/safety"
)

// ── status ────────────────────────────────────────────────────────────────────

func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the device state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := opts.device()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			st, out := opts.client().GetDeviceStatus(ctx, id)
			if err := check(out); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), map[string]string{"device": id, "state": string(st)}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s: %s\n", id, st)
				return err
			})
		},
	}
}

// ── levels / assignment ───────────────────────────────────────────────────────

func NewLevelsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "levels",
		Short: "Show recycler levels per denomination",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := opts.device()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			levels, out := opts.client().GetAllLevels(ctx, id)
			if err := check(out); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), levels, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VALUE\tCC\tSTORED")
				var total money.Cents
				for _, l := range levels {
					fmt.Fprintf(tw, "%s\t%s\t%d\n", money.Cents(l.Value), l.CountryCode, l.Stored)
					total += money.Cents(l.Value) * money.Cents(l.Stored)
				}
				fmt.Fprintf(tw, "TOTAL\t\t%s\n", total)
				return tw.Flush()
			})
		},
	}
}

func NewAssignmentCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "assignment",
		Short: "Show the currency assignment per channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := opts.device()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			snap, out := opts.client().Assignment(ctx, id)
			if err := check(out); err != nil {
				return err
			}
			entries := snap.Entries()
			return opts.emit(cmd.OutOrStdout(), entries, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CH\tVALUE\tCC\tRECYCLER\tCASHBOX\tINHIBITED\tROUTE")
				for _, e := range entries {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%v\t%s\n",
						e.Channel, e.Value, e.CountryCode, e.StoredInRecycler, e.StoredInCashbox, e.Inhibited, routeName(e.Route))
				}
				fmt.Fprintf(tw, "TOTAL\t%s\n", snap.Total())
				return tw.Flush()
			})
		},
	}
}

// ── dispense / route ──────────────────────────────────────────────────────────

func NewDispenseCommand(opts *RootOptions) *cobra.Command {
	var cc string
	cmd := &cobra.Command{
		Use:   "dispense <value-cents>",
		Short: "Pay out one denomination, retrying while the device is busy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := opts.device()
			if err != nil {
				return err
			}
			value, err := parseCents(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			out := opts.serializer(opts.client()).Dispense(ctx, id, value, cc)
			if err := check(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dispensed %s %s from %s\n", value, cc, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&cc, "cc", "EUR", "country code")
	return cmd
}

func NewRouteCommand(opts *RootOptions) *cobra.Command {
	var cc string
	cmd := &cobra.Command{
		Use:   "route <value-cents> <cashbox|recycler>",
		Short: "Route a denomination to the cashbox or the recycler",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := opts.device()
			if err != nil {
				return err
			}
			value, err := parseCents(args[0])
			if err != nil {
				return err
			}
			route, err := parseRoute(args[1])
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			c := opts.client()
			out := opts.serializer(c).Do(ctx, id, "SetDenominationRoute", func(ctx context.Context) devicesvc.Outcome {
				return c.SetDenominationRoute(ctx, id, value, cc, route)
			})
			if err := check(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s on %s now goes to the %s\n", value, cc, id, routeName(route))
			return nil
		},
	}
	cmd.Flags().StringVar(&cc, "cc", "EUR", "country code")
	return cmd
}

// ── counters ──────────────────────────────────────────────────────────────────

func NewCountersCommand(opts *RootOptions) *cobra.Command {
	var role, policy string
	cmd := &cobra.Command{
		Use:   "counters",
		Short: "Show lifetime counters where the device role allows it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := opts.device()
			if err != nil {
				return err
			}
			r, err := money.ParseRole(role)
			if err != nil {
				return err
			}
			caps := defaultCaps(r)
			if policy != "" {
				caps.Counters = money.CounterPolicy(strings.ToLower(policy))
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			counters, out := opts.client().GetCounters(ctx, money.DeviceHandle{DeviceID: id, Role: r, Caps: caps})
			if err := check(out); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), counters, func(w io.Writer) error {
				if caps.Counters == money.CounterAdvisory {
					fmt.Fprintln(w, "# advisory only, not used for accounting")
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				for _, k := range sortedKeys(counters) {
					fmt.Fprintf(tw, "%s\t%d\n", k, counters[k])
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "bill", "device role (bill|coin)")
	cmd.Flags().StringVar(&policy, "counters", "", "override the role's counter policy (forbidden|advisory|allowed)")
	return cmd
}

// defaultCaps mirrors cashd's default per-role capabilities.
func defaultCaps(r money.DeviceRole) money.Capabilities {
	if r == money.RoleCoin {
		return money.Capabilities{Counters: money.CounterForbidden}
	}
	return money.Capabilities{Counters: money.CounterAdvisory}
}

// ── unsafe ────────────────────────────────────────────────────────────────────

func NewUnsafeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unsafe <target-cents> [device...]",
		Short: "Show which denominations would be inhibited for a payment of target",
		Long: `Reads the current assignment of every listed device (default: --device),
pools their recyclable stock and prints the denominations whose change
could not be paid back for a payment of target.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseCents(args[0])
			if err != nil {
				return err
			}
			ids := args[1:]
			if len(ids) == 0 {
				id, err := opts.device()
				if err != nil {
					return err
				}
				ids = []string{id}
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			c := opts.client()
			stock := safety.Stock{}
			var all []money.Cents
			seen := map[money.Cents]bool{}
			for _, id := range ids {
				snap, out := c.Assignment(ctx, id)
				if err := check(out); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				for v, n := range safety.BuildStock(snap.Entries(), nil) {
					stock[v] += n
				}
				for _, v := range snap.Denominations() {
					if !seen[v] {
						seen[v] = true
						all = append(all, v)
					}
				}
			}
			unsafe := safety.UnsafeDenominations(target, all, stock).Sorted()

			report := struct {
				Target money.Cents   `json:"target_cents"`
				Stock  money.Cents   `json:"stock_cents"`
				Unsafe []money.Cents `json:"unsafe"`
			}{target, stock.Total(), unsafe}
			return opts.emit(cmd.OutOrStdout(), report, func(w io.Writer) error {
				if len(unsafe) == 0 {
					_, err := fmt.Fprintf(w, "all denominations safe for %s (change stock %s)\n", target, stock.Total())
					return err
				}
				names := make([]string, len(unsafe))
				for i, v := range unsafe {
					names[i] = v.String()
				}
				_, err := fmt.Fprintf(w, "unsafe for %s (change stock %s): %s\n", target, stock.Total(), strings.Join(names, " "))
				return err
			})
		},
	}
}

// ── parsing ───────────────────────────────────────────────────────────────────

func parseCents(s string) (money.Cents, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid amount %q: want positive cents", s)
	}
	return money.Cents(n), nil
}

func parseRoute(s string) (money.Route, error) {
	switch strings.ToLower(s) {
	case "cashbox":
		return money.RouteCashbox, nil
	case "recycler", "payout":
		return money.RouteRecycler, nil
	}
	return 0, fmt.Errorf("invalid route %q: want cashbox or recycler", s)
}

func routeName(r money.Route) string {
	if r == money.RouteRecycler {
		return "recycler"
	}
	return "cashbox"
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
