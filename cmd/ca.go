package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/pki"
	"grimm.is/warden/internal/stealth"
)

// RunExportCA prints the root certificate in PEM form, generating it
// first if this host has never run. The output is what gets installed
// into each monitored device's trust store.
func RunExportCA(configFile, outPath string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = config.DefaultStateDir
	}

	profile := stealth.Lookup(profileName(cfg))
	ca, err := pki.EnsureCA(filepath.Join(stateDir, "ca"), caProfileName(cfg, profile), logging.Default())
	if err != nil {
		return err
	}

	if outPath == "" {
		os.Stdout.Write(ca.CertPEM())
		return nil
	}
	if err := os.WriteFile(outPath, ca.CertPEM(), 0644); err != nil {
		return err
	}
	fmt.Printf("Wrote %s (%s)\n", outPath, ca.Subject())
	return nil
}
