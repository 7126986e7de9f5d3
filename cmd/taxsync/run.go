package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourorg/taxsync/internal/auth"
	"github.com/yourorg/taxsync/internal/report"
	"github.com/yourorg/taxsync/internal/runner"
)

type credentialFlags struct {
	tenant    string
	taxID     string
	secretEnv string
}

func (f *credentialFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&f.taxID, "tax-id", "", "tenant tax id (RUT)")
	cmd.Flags().StringVar(&f.secretEnv, "secret-env", "TAXSYNC_SECRET", "environment variable holding the portal secret")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("tax-id")
}

func (f *credentialFlags) credentials() (auth.Credentials, error) {
	secret := os.Getenv(f.secretEnv)
	if secret == "" {
		return auth.Credentials{}, fmt.Errorf("%s is not set", f.secretEnv)
	}
	return auth.Credentials{TenantID: f.tenant, TaxID: f.taxID, Secret: secret}, nil
}

func newRunCmd(g *globals) *cobra.Command {
	var (
		creds   credentialFlags
		months  int
		offset  int
		resume  bool
		timeout time.Duration
		format  string
		outDir  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync the last N months of documents for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := creds.credentials()
			if err != nil {
				return err
			}
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			res, err := a.Sync(ctx, runner.Request{Credentials: c, Months: months, MonthOffset: offset, Resume: resume})
			if err != nil {
				return err
			}
			if outDir != "" {
				path, err := report.WriteFile(res, format, outDir)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "report written", path)
			}
			if format == "" {
				fmt.Fprint(cmd.OutOrStdout(), renderSummary(res))
				return nil
			}
			data, err := report.Render(res, format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(data, '\n'))
			return err
		},
	}
	creds.register(cmd)
	cmd.Flags().IntVar(&months, "months", 3, "number of months to sync")
	cmd.Flags().IntVar(&offset, "month-offset", 0, "months to skip back from the current one")
	cmd.Flags().BoolVar(&resume, "resume", false, "skip periods whose last sync succeeded (the current month is always synced)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort after this long, persisting what was extracted")
	cmd.Flags().StringVar(&format, "format", "", "output format: json, yaml or markdown (default: styled summary)")
	cmd.Flags().StringVar(&outDir, "report-dir", "", "also write the report to this directory")
	return cmd
}

func newLoginCmd(g *globals) *cobra.Command {
	var creds credentialFlags
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Force a fresh portal login and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := creds.credentials()
			if err != nil {
				return err
			}
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			sess, err := a.Auth.Login(ctx, c)
			if err != nil {
				return err
			}
			info := sess.Info()
			fmt.Fprintf(cmd.OutOrStdout(), "%s logged in as %s (%d cookies)\n",
				okStyle.Render("✓"), info.CredentialRef, info.CookieCount)
			return nil
		},
	}
	creds.register(cmd)
	return cmd
}

func newLogoutCmd(g *globals) *cobra.Command {
	var (
		tenant string
		purge  bool
	)
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Invalidate a tenant's stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			if purge {
				if err := a.Purge(cmd.Context(), tenant); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "session deleted for", tenant)
				return nil
			}
			if err := a.Logout(cmd.Context(), tenant); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session invalidated for", tenant)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().BoolVar(&purge, "purge", false, "delete the stored session and its cookies instead of invalidating it")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newSessionsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			sessions, err := a.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderSessions(sessions))
			return nil
		},
	}
}
