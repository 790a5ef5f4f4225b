package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"grimm.is/warden/internal/config"
)

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(configFile string, verbose bool) error {
	if configFile == "" {
		return fmt.Errorf("usage: warden check [-v] <config-file>")
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	fmt.Println("Configuration valid!")
	fmt.Printf("Interface:  %s\n", cfg.Interface)
	fmt.Printf("Devices:    %d\n", len(cfg.Devices))
	fmt.Printf("Rules:      %d\n", len(cfg.Rules))
	fmt.Printf("Schedules:  %d\n", len(cfg.Schedules))
	fmt.Printf("Keywords:   %d\n", len(cfg.Keywords))
	fmt.Printf("Categories: %d\n", len(cfg.Categories))

	if verbose {
		fmt.Println()
		printSummary(cfg)
	}
	return nil
}

func printSummary(cfg *config.Config) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if len(cfg.Rules) > 0 {
		fmt.Fprintln(w, "KIND\tVALUE\tDEVICE\tSCHEDULE\tENABLED")
		for _, r := range cfg.Rules {
			dev := r.Device
			if dev == "" {
				dev = "(global)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", r.Kind, r.Value, dev, r.Schedule, r.RuleEnabled())
		}
		fmt.Fprintln(w)
	}

	if len(cfg.Schedules) > 0 {
		fmt.Fprintln(w, "SCHEDULE\tDAYS\tWINDOW\tCATEGORIES")
		for _, s := range cfg.Schedules {
			fmt.Fprintf(w, "%s\t%v\t%s-%s\t%v\n", s.Name, s.Days, s.Start, s.End, s.Categories)
		}
		fmt.Fprintln(w)
	}

	if len(cfg.Keywords) > 0 {
		fmt.Fprintln(w, "KEYWORD\tCATEGORY\tSEVERITY\tVARIANTS")
		for _, k := range cfg.Keywords {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", k.Word, k.Category, k.Severity, k.Variants)
		}
	}
}
