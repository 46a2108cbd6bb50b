// tunectl es el CLI de operación: consulta el server de status de un
// trainerd corriendo y valida archivos de configuración sin arrancar nada.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ebsmothers/ebs-torchtune/internal/config"
)

type client struct {
	BaseURL   string
	OutFormat string // "json" | "text"
	HTTP      *http.Client
}

func (c *client) get(path string) (int, []byte, error) {
	url := strings.TrimRight(c.BaseURL, "/") + path
	resp, err := c.HTTP.Get(url)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

func (c *client) print(status int, body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(p))
			return
		}
	}
	if len(body) > 0 {
		fmt.Println(string(body))
	} else {
		fmt.Printf("status=%d\n", status)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	var (
		baseURL = envOr("TUNE_STATUS_URL", "http://localhost:8090")
		out     = envOr("TUNE_OUT", "text")
		timeout = 10 * time.Second
	)

	root := &cobra.Command{
		Use:   "tunectl",
		Short: "CLI de operación del orquestador de entrenamiento",
	}
	root.PersistentFlags().StringVar(&baseURL, "url", baseURL, "URL base del server de status (env TUNE_STATUS_URL)")
	root.PersistentFlags().StringVar(&out, "out", out, "formato de salida: text | json (env TUNE_OUT)")

	newClient := func() *client {
		return &client{BaseURL: baseURL, OutFormat: out, HTTP: &http.Client{Timeout: timeout}}
	}

	ping := &cobra.Command{
		Use:   "ping",
		Short: "Chequea que el daemon responda",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			status, body, err := c.get("/healthz")
			if err != nil {
				return err
			}
			c.print(status, body)
			if status != http.StatusOK {
				return fmt.Errorf("healthz respondió %d", status)
			}
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Muestra el estado de la corrida en curso",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			status, body, err := c.get("/status")
			if err != nil {
				return err
			}
			c.print(status, body)
			return nil
		},
	}

	validate := &cobra.Command{
		Use:   "validate-config <archivo>",
		Short: "Valida un yaml de configuración sin arrancar el daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ok: num_steps=%d group_size=%d batch_total=%d buffer=%d\n",
				cfg.Orchestration.NumSteps.Value(),
				cfg.Inference.GroupSize.Value(),
				cfg.TotalBatchSize(),
				cfg.Orchestration.ReplayBufferSize.Value())
			return nil
		},
	}

	root.AddCommand(ping, statusCmd, validate)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
