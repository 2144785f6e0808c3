package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harpyharpoon/MJOLNIR/internal/agent"
	"github.com/harpyharpoon/MJOLNIR/internal/audit"
	"github.com/harpyharpoon/MJOLNIR/internal/auth"
	"github.com/harpyharpoon/MJOLNIR/internal/config"
	"github.com/harpyharpoon/MJOLNIR/internal/logging"
	"github.com/harpyharpoon/MJOLNIR/internal/monitor"
)

const usage = `usage: mjolnir [command] [flags]

commands:
  run              start the guardian (default)
  ports            list attached USB devices and their port ids
  hash-credential  hash a recovery credential read from stdin
  verify-audit     check the audit log hash chain
`

func main() {
	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runGuardian()
	case "ports":
		err = listPorts(args)
	case "hash-credential":
		err = hashCredential(args)
	case "verify-audit":
		err = verifyAudit()
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mjolnir %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func runGuardian() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.NewLogger(cfg)

	logger.LogSystemEvent("config_loaded",
		"host_id", cfg.HostID,
		"trusted_port", cfg.TrustedPort,
		"challenge_window", cfg.ChallengeWindow,
		"escalation_policy", cfg.EscalationPolicy,
		"audit_backend", cfg.AuditBackend,
		"nats_url", cfg.NATSURL,
		"http_address", cfg.HTTPAddress,
		"artifacts", len(cfg.Artifacts),
		"lockdown_actions", len(cfg.LockdownActions))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	guardian, err := agent.New(ctx, logger, cfg)
	if err != nil {
		logger.Error("Failed to create guardian", "error", err)
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := guardian.Run(ctx); err != nil {
		logger.Error("Guardian run failed", "error", err)
		return err
	}

	logger.Info("Guardian shutdown complete")
	return nil
}

func listPorts(args []string) error {
	fs := flag.NewFlagSet("ports", flag.ExitOnError)
	sysfs := fs.String("sysfs", "/sys", "sysfs mount point")
	trusted := fs.String("trusted", os.Getenv("MJOLNIR_TRUSTED_PORT"), "trusted port id to classify against")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ports, err := monitor.ListPorts(*sysfs)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ports)
	}

	if len(ports) == 0 {
		fmt.Println("no USB devices attached")
		return nil
	}
	for _, p := range ports {
		class := "-"
		if *trusted != "" {
			class = string(monitor.Classify(p.PortID, *trusted))
		}
		fmt.Printf("%-12s %-10s %-24s %s\n", p.PortID, class, p.Fingerprint(), strings.TrimSpace(p.Manufacturer+" "+p.Product))
	}
	return nil
}

func hashCredential(args []string) error {
	fs := flag.NewFlagSet("hash-credential", flag.ExitOnError)
	out := fs.String("out", "", "write the hash to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	secret, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && secret == "" {
		return fmt.Errorf("failed to read credential from stdin: %w", err)
	}
	secret = strings.TrimRight(secret, "\r\n")

	encoded, err := auth.HashCredential(secret, auth.DefaultCredentialParams)
	if err != nil {
		return err
	}
	if *out == "" {
		fmt.Println(encoded)
		return nil
	}
	return os.WriteFile(*out, []byte(encoded+"\n"), 0600)
}

func verifyAudit() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx := context.Background()
	log, err := audit.Open(ctx, cfg.AuditBackend, cfg.AuditPath)
	if err != nil {
		return err
	}
	defer log.Close()

	if err := log.Verify(ctx); err != nil {
		return err
	}
	fmt.Printf("audit chain intact, %d records\n", log.Head())
	return nil
}
