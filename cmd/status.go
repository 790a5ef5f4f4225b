package cmd

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"grimm.is/warden/internal/config"
)

// RunStatus queries the running daemon's status endpoint and prints a
// summary. The password, when auth is enabled, comes from the
// WARDEN_PASSWORD environment variable.
func RunStatus(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	addr := config.DefaultAPIListen
	if cfg.API != nil && cfg.API.ListenAddr != "" {
		addr = cfg.API.ListenAddr
	}
	if host, port, err := net.SplitHostPort(addr); err == nil && host == "" {
		addr = net.JoinHostPort("127.0.0.1", port)
	}

	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/api/status", nil)
	if err != nil {
		return err
	}
	if pw := os.Getenv("WARDEN_PASSWORD"); pw != "" {
		req.SetBasicAuth("admin", pw)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return fmt.Errorf("authentication required: set WARDEN_PASSWORD")
	default:
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("bad status payload: %w", err)
	}

	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
