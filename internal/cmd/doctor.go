package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftbox/driftbox/internal/config"
	"github.com/driftbox/driftbox/internal/registry"
	"github.com/driftbox/driftbox/pkg/store"
	"github.com/driftbox/driftbox/pkg/vault"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on configuration, key material, the database,
and the spool directory, and suggest fixes for common issues.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Println("=== driftbox doctor ===")
	fmt.Println()

	allOK := true
	check := func(n int, name string, err error) {
		if err != nil {
			fmt.Printf("[%d/6] %s... FAIL: %v\n", n, name, err)
			allOK = false
			return
		}
		fmt.Printf("[%d/6] %s... ok\n", n, name)
	}

	check(1, "Go runtime", checkGoVersion())

	cfg, err := config.Load(configPath)
	check(2, "Configuration", err)
	if err != nil {
		return fmt.Errorf("cannot continue without a valid configuration")
	}

	check(3, "Vault key material", checkVault(cfg))
	check(4, "Database", checkDatabase(cfg))
	check(5, "Spool directory", checkSpoolDir(cfg))
	check(6, "Provider registry", checkRegistry())

	fmt.Println()
	if !allOK {
		return fmt.Errorf("some checks failed")
	}
	fmt.Println("All checks passed.")
	return nil
}

func checkGoVersion() error {
	v := runtime.Version()
	if v < "go1.23" {
		return fmt.Errorf("built with %s, go1.23+ recommended", v)
	}
	return nil
}

func checkVault(cfg *config.Config) error {
	key, err := loadMasterKey(cfg.Vault)
	if err != nil {
		return err
	}
	codec, err := vault.New(key)
	if err != nil {
		return err
	}

	// Round-trip a probe value to confirm the key actually works.
	blob, err := codec.Encrypt(map[string]any{"probe": "ok"}, []string{"probe"})
	if err != nil {
		return err
	}
	if _, err := codec.Decrypt(blob, []string{"probe"}); err != nil {
		return err
	}
	return nil
}

func checkDatabase(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := store.Open(ctx, store.Config{Path: cfg.Database.Path})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if _, err := st.ListAllActiveSessions(ctx); err != nil {
		return fmt.Errorf("query sessions: %w", err)
	}
	return nil
}

func checkSpoolDir(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Transfer.SpoolDir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(cfg.Transfer.SpoolDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		return fmt.Errorf("spool dir not writable: %w", err)
	}
	return os.Remove(probe)
}

func checkRegistry() error {
	reg := registry.Default()
	regs := reg.List()
	if len(regs) == 0 {
		return fmt.Errorf("no provider types registered")
	}
	for _, r := range regs {
		if r.NewDriver == nil {
			return fmt.Errorf("provider type %s has no driver factory", r.Type)
		}
	}
	return nil
}
