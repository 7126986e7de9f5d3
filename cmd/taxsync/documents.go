package main

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/yourorg/taxsync/internal/server"
	"github.com/yourorg/taxsync/pkg/types"
)

type filterFlags struct {
	tenant    string
	direction string
	period    string
	limit     int
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&f.direction, "direction", "", "purchase or sale (default both)")
	cmd.Flags().StringVar(&f.period, "period", "", "period YYYY-MM")
	_ = cmd.MarkFlagRequired("tenant")
}

func (f *filterFlags) filter() (types.DocumentFilter, error) {
	out := types.DocumentFilter{TenantID: f.tenant, Direction: types.Direction(f.direction), Limit: f.limit}
	switch out.Direction {
	case "", types.DirectionPurchase, types.DirectionSale:
	default:
		return out, fmt.Errorf("%w: direction must be purchase or sale", types.ErrInvalidInput)
	}
	if f.period != "" {
		p, err := types.ParsePeriod(f.period)
		if err != nil {
			return out, err
		}
		out.Period = &p
	}
	return out, nil
}

func newDocumentsCmd(g *globals) *cobra.Command {
	var (
		flags  filterFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "List persisted documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := flags.filter()
			if err != nil {
				return err
			}
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			docs, err := a.Documents(cmd.Context(), f)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(docs)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderDocuments(docs))
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&flags.limit, "limit", 50, "maximum rows (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newExportCmd(g *globals) *cobra.Command {
	var (
		flags filterFlags
		out   string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export persisted documents to an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := flags.filter()
			if err != nil {
				return err
			}
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.Export(cmd.Context(), f, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s exported %d documents to %s\n", okStyle.Render("✓"), n, out)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "documents.xlsx", "output file")
	return cmd
}

func newServeCmd(g *globals) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the job trigger HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			if host == "" {
				host = a.Config.Server.Host
			}
			if port == 0 {
				port = a.Config.Server.Port
			}
			srv, err := server.New(a.Config, a, a.Logger.With("component", "server"))
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			addr := net.JoinHostPort(host, strconv.Itoa(port))
			a.Logger.Info("listening", "addr", addr)
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "server host (default from config)")
	cmd.Flags().IntVar(&port, "port", 0, "server port (default from config)")
	return cmd
}
