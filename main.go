package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/warden/cmd"
)

const defaultConfigFile = "/etc/warden/warden.hcl"

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", defaultConfigFile, "Configuration file")
		startFlags.StringVar(configFile, "c", defaultConfigFile, "Configuration file (short)")
		startFlags.Parse(os.Args[2:])

		if err := cmd.RunStart(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Start failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		configFile := defaultConfigFile
		if len(checkFlags.Args()) > 0 {
			configFile = checkFlags.Arg(0)
		}
		if err := cmd.RunCheck(configFile, *verbose); err != nil {
			fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
		configFile := statusFlags.String("config", defaultConfigFile, "Configuration file")
		statusFlags.StringVar(configFile, "c", defaultConfigFile, "Configuration file (short)")
		statusFlags.Parse(os.Args[2:])

		if err := cmd.RunStatus(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}

	case "export-ca":
		caFlags := flag.NewFlagSet("export-ca", flag.ExitOnError)
		configFile := caFlags.String("config", defaultConfigFile, "Configuration file")
		caFlags.StringVar(configFile, "c", defaultConfigFile, "Configuration file (short)")
		outPath := caFlags.String("out", "", "Write the certificate to this path instead of stdout")
		caFlags.StringVar(outPath, "o", "", "Output path (short)")
		caFlags.Parse(os.Args[2:])

		if err := cmd.RunExportCA(*configFile, *outPath); err != nil {
			fmt.Fprintf(os.Stderr, "Export failed: %v\n", err)
			os.Exit(1)
		}

	case "passwd":
		if err := cmd.RunHashPassword(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	case "version":
		fmt.Printf("warden version %s\n", version)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`warden - LAN traffic visibility and policy enforcement

Usage:
  warden <command> [options]

Commands:
  start      Start the interception daemon (foreground)
             Options: --config (-c) <file>
  check      Validate a configuration file
             Options: --verbose (-v)
  status     Query the running daemon
             Options: --config (-c) <file>
  export-ca  Print or save the root certificate for device installation
             Options: --out (-o) <path>
  passwd     Generate a password hash for the api block
  version    Print version information

Examples:
  warden start -c /etc/warden/warden.hcl
  warden check -v warden.hcl
  warden export-ca -o warden-ca.pem
  warden passwd
`)
}
