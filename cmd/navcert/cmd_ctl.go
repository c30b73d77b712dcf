package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/codec"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/healing"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/scorer"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/validation"
)

var (
	ctlAddr    string
	ctlTimeout time.Duration
	ctlJSON    bool
)

var errReleaseRefused = errors.New("release refused: latest certificate is not safe")

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Operate a running controller over gRPC",
}

// statusView is the ctl status report.
type statusView struct {
	Certificate scorer.SafetyCertificate `json:"certificate"`
	LockedDown  bool                     `json:"locked_down"`
	Margin      float64                  `json:"margin"`
	Estimate    validation.Estimate      `json:"estimate"`
}

var ctlStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest certificate, lockdown state and failure estimate",
	RunE: withClient(func(ctx context.Context, w io.Writer, c *codec.Client, _ []string) error {
		var v statusView
		var err error
		if v.Certificate, err = c.GetCertificate(ctx); err != nil {
			return err
		}
		if v.LockedDown, err = c.IsLockedDown(ctx); err != nil {
			return err
		}
		if v.Margin, err = c.GetCurrentMargin(ctx); err != nil {
			return err
		}
		if v.Estimate, err = c.GetEstimate(ctx); err != nil {
			return err
		}
		if ctlJSON {
			return printJSON(w, v)
		}

		verdict := okColor("SAFE")
		if !v.Certificate.IsSafe {
			verdict = badColor(string(v.Certificate.BreachReason))
		}
		lock := okColor("no")
		if v.LockedDown {
			lock = badColor("yes")
		}
		fmt.Fprintf(w, "certificate  %s  p=%.3f threshold=%.3f clearance=%.2f\n",
			verdict, v.Certificate.PScore, v.Certificate.Threshold, v.Certificate.Clearance)
		fmt.Fprintf(w, "locked down  %s\n", lock)
		fmt.Fprintf(w, "margin       %.2f\n", v.Margin)
		fmt.Fprintf(w, "failure rate %.4f  confidence %.2f  samples %d\n",
			v.Estimate.EstimatedFailureRate, v.Estimate.Confidence, v.Estimate.Samples)
		return nil
	}),
}

var ctlLockdownCmd = &cobra.Command{
	Use:   "lockdown",
	Short: "Stop all motion immediately",
	RunE: withClient(func(ctx context.Context, w io.Writer, c *codec.Client, _ []string) error {
		if err := c.TriggerLockdown(ctx); err != nil {
			return err
		}
		fmt.Fprintln(w, badColor("locked down"))
		return nil
	}),
}

var ctlReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Request release from lockdown",
	RunE: withClient(func(ctx context.Context, w io.Writer, c *codec.Client, _ []string) error {
		ok, err := c.ReleaseLockdown(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errReleaseRefused
		}
		fmt.Fprintln(w, okColor("released"))
		return nil
	}),
}

var ctlCollideCmd = &cobra.Command{
	Use:   "collide",
	Short: "Report a collision so the controller can adapt",
	RunE: withClient(func(ctx context.Context, w io.Writer, c *codec.Client, _ []string) error {
		reply, err := c.ReportCollision(ctx, healing.CollisionEvent{At: time.Now(), Source: "ctl"})
		if err != nil {
			return err
		}
		if ctlJSON {
			return printJSON(w, reply)
		}
		if !reply.Accepted {
			fmt.Fprintln(w, dimColor("collision ignored (cooldown)"))
			return nil
		}
		inc := reply.Incident
		fmt.Fprintf(w, "%s  %s  margin %+.2f -> %.2f  speed %.2f\n",
			shortID(inc.ID), causeColor(string(inc.Cause)), inc.MarginDelta, inc.MarginAfter, inc.SpeedLimit)
		fmt.Fprintf(w, "    %s\n", dimColor(inc.Justification))
		return nil
	}),
}

var ctlResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore the configured rigor parameters",
	RunE: withClient(func(ctx context.Context, w io.Writer, c *codec.Client, _ []string) error {
		p, err := c.ResetRigor(ctx)
		if err != nil {
			return err
		}
		if ctlJSON {
			return printJSON(w, p)
		}
		fmt.Fprintf(w, "rigor reset: margin %.2f threshold %.3f\n", p.CurrentMargin, p.SafetyThreshold)
		return nil
	}),
}

func init() {
	ctlCmd.PersistentFlags().StringVar(&ctlAddr, "addr", "", "Controller gRPC address (default: server.grpc_addr from config)")
	ctlCmd.PersistentFlags().DurationVar(&ctlTimeout, "timeout", 5*time.Second, "Per-command deadline")
	ctlCmd.PersistentFlags().BoolVar(&ctlJSON, "json", false, "Output as JSON")
	ctlCmd.AddCommand(ctlStatusCmd, ctlLockdownCmd, ctlReleaseCmd, ctlCollideCmd, ctlResetCmd)
	rootCmd.AddCommand(ctlCmd)
}

func withClient(fn func(ctx context.Context, w io.Writer, c *codec.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		addr := ctlAddr
		if addr == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			addr = cfg.Server.GRPCAddr
		}
		client, err := codec.NewClient(addr)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), ctlTimeout)
		defer cancel()
		return fn(ctx, cmd.OutOrStdout(), client, args)
	}
}
