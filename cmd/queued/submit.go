package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

func newSubmitCmd() *cobra.Command {
	var server, apiKey string
	cmd := &cobra.Command{
		Use:   "submit SERVICE [PAYLOAD]",
		Short: "Envia uma tarefa; sem PAYLOAD o corpo é lido da entrada padrão",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			if len(args) == 2 {
				body = []byte(args[1])
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				body = b
			}

			target := strings.TrimRight(server, "/") + "/tasks/" + url.PathEscape(args[0])
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, target, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if apiKey != "" {
				req.Header.Set("X-API-Key", apiKey)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			var out struct {
				ID    int64  `json:"id"`
				Error string `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return fmt.Errorf("submit: %s: %w", resp.Status, err)
			}
			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("submit: %s: %s", resp.Status, out.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "URL base do servidor")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "valor do header X-API-Key (chave do throttle por cliente)")
	return cmd
}
