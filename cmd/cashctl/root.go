package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/0gfoundation/cashdesk/internal/devicesvc"
	"github.com/0gfoundation/cashdesk/internal/dispense"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	APIURL  string
	APIKey  string
	Device  string
	Timeout time.Duration
	Format  string // "json" | "text"
	Verbose bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the cashctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cashctl",
		Short: "Inspect and service the cash acceptors",
		Long: `cashctl talks directly to the hardware-control service.

Do not run it while cashd holds a session: it bypasses the session engine
and its per-device serialization.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.APIURL == "" {
				return fmt.Errorf("--api-url or DEVICE_API_URL is required")
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.APIURL, "api-url", os.Getenv("DEVICE_API_URL"), "hardware-control service URL")
	cmd.PersistentFlags().StringVar(&opts.APIKey, "api-key", os.Getenv("DEVICE_API_KEY"), "hardware-control service key")
	cmd.PersistentFlags().StringVarP(&opts.Device, "device", "d", "", "device id")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "per-call timeout")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log retries")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewLevelsCommand(opts))
	cmd.AddCommand(NewAssignmentCommand(opts))
	cmd.AddCommand(NewDispenseCommand(opts))
	cmd.AddCommand(NewRouteCommand(opts))
	cmd.AddCommand(NewCountersCommand(opts))
	cmd.AddCommand(NewUnsafeCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) client() *devicesvc.Client {
	return devicesvc.NewClient(o.APIURL, o.APIKey, devicesvc.Timeouts{Probe: o.Timeout, Poll: o.Timeout})
}

func (o *RootOptions) logger() *zap.Logger {
	if !o.Verbose {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// serializer wraps the client with the production retry policy.
func (o *RootOptions) serializer(c *devicesvc.Client) *dispense.Serializer {
	return dispense.NewSerializer(c, dispense.DefaultPolicy, o.logger())
}

func (o *RootOptions) device() (string, error) {
	if o.Device == "" {
		return "", fmt.Errorf("--device is required")
	}
	return o.Device, nil
}

func (o *RootOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, 4*o.Timeout)
}

// emit prints v as JSON, or calls text for the text format.
func (o *RootOptions) emit(w io.Writer, v any, text func(io.Writer) error) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}

// check turns a failed outcome into a command error.
func check(out devicesvc.Outcome) error {
	if out.OK() {
		return nil
	}
	return out.Err()
}
