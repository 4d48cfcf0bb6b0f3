package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"

	"report-dispatch/dispatch/application"
	"report-dispatch/dispatch/domain"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func newStatusCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Mostra contagens por estado (do store ou de um servidor em execução)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if server != "" {
				st, err := fetchStatus(cmd.Context(), server)
				if err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), st)
			}
			cfg, err := readConfig()
			if err != nil {
				return err
			}
			counts, err := countFromStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), application.Status{Tasks: counts})
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "URL base do servidor (ex.: http://localhost:8080)")
	return cmd
}

func countFromStore(ctx context.Context, cfg config) (counts map[domain.State]int, err error) {
	var rdb *redis.Client
	if cfg.store == "redis" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.redisAddr, Password: cfg.redisPassword, DB: cfg.redisDB})
	}
	st, err := openStore(cfg, rdb)
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()
	return st.CountByState(ctx)
}

func fetchStatus(ctx context.Context, server string) (application.Status, error) {
	var st application.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+"/status", nil)
	if err != nil {
		return st, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return st, fmt.Errorf("status: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func printStatus(w io.Writer, st application.Status) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range domain.States {
		fmt.Fprintf(tw, "%s\t%d\n", s, st.Tasks[s])
	}
	if len(st.Services) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "SERVICE\tQUEUE\tBUSY\tDAILY")
		for _, svc := range st.Services {
			daily := "-"
			if svc.Disabled {
				daily = "disabled"
			} else if svc.Daily.Limited {
				daily = fmt.Sprintf("%d/%d", svc.Daily.Used, svc.Daily.Limit)
			}
			fmt.Fprintf(tw, "%s\t%d\t%d/%d\t%s\n", svc.Service, svc.QueueDepth, svc.BusyWorkers, svc.MaxWorkers, daily)
		}
	}
	return tw.Flush()
}
