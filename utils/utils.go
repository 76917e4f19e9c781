package utils

import (
	"fmt"
	"os"
	"strings"
)

// ParseArguments converts command-line arguments into a map of flags and
// values. Both --key=value and --key value forms are accepted; a flag with
// no value is recorded as "true".
func ParseArguments() map[string]string {
	args := make(map[string]string)

	for i := 1; i < len(os.Args); i++ {
		arg := os.Args[i]

		// Handle flags with equals sign (--key=value)
		if strings.HasPrefix(arg, "--") && strings.Contains(arg, "=") {
			parts := strings.SplitN(arg, "=", 2)
			flagName := strings.TrimPrefix(parts[0], "--")
			args[flagName] = parts[1]
			continue
		}

		// Handle flags without equals sign (--key value)
		if strings.HasPrefix(arg, "--") {
			flagName := strings.TrimPrefix(arg, "--")

			if i+1 >= len(os.Args) || strings.HasPrefix(os.Args[i+1], "--") {
				args[flagName] = "true"
			} else {
				args[flagName] = os.Args[i+1]
				i++ // Skip the value in the next iteration
			}
		}
	}

	return args
}

// PrintUsage outputs the command-line usage instructions.
func PrintUsage() {
	fmt.Printf("Usage:\n")
	fmt.Printf("  %s [--config=PATH] [--listen=ADDR] [--database=PATH] [--logfile=PATH] [--debug]\n", os.Args[0])
	fmt.Printf("\nParameters:\n")
	fmt.Printf("  --config      : Path to TOML configuration file\n")
	fmt.Printf("  --listen      : HTTP listen address (default: :8001)\n")
	fmt.Printf("  --database    : Path to SQLite template store (default: fingerid.db)\n")
	fmt.Printf("  --logfile     : Log file path (default: fingerid.log)\n")
	fmt.Printf("  --debug       : Enable debug logging\n")
	fmt.Printf("\nMatching thresholds are tuned through FP_* environment variables;\n")
	fmt.Printf("see GET /params for the effective values.\n")
}
