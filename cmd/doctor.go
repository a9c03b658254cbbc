package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mfukushim/avatar-shell-sub000/internal/config"
	"github.com/mfukushim/avatar-shell-sub000/internal/daemon"
	"github.com/mfukushim/avatar-shell-sub000/internal/store/pg"
	"github.com/mfukushim/avatar-shell-sub000/internal/upgrade"
	"github.com/mfukushim/avatar-shell-sub000/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, storage and avatar rule sets",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("avatar-shell doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Database:")
	checkDatabase(cfg.Database)

	fmt.Println()
	fmt.Println("  Generators:")
	for name, g := range cfg.Generators {
		checkGenerator(name, g)
	}

	fmt.Println()
	fmt.Println("  Avatars:")
	avatars := cfg.AvatarList()
	if len(avatars) == 0 {
		fmt.Println("    (none configured)")
	}
	for _, a := range avatars {
		checkAvatar(cfg, a)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkDatabase(db config.DatabaseConfig) {
	fmt.Printf("    %-12s %s\n", "Driver:", db.Driver)
	switch db.Driver {
	case "memory":
		fmt.Printf("    %-12s history is lost on restart\n", "Note:")
	case "postgres":
		s, err := pg.NewPGStore(storeConfig(db))
		if err != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
			return
		}
		defer s.Close()
		status, err := upgrade.CheckSchema(context.Background(), s.DB())
		var schemaErr *upgrade.SchemaError
		switch {
		case err != nil:
			fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
		case errors.As(status.Err(), &schemaErr):
			fmt.Printf("    %-12s v%d: %s\n", "Schema:", status.Version, schemaErr.Unwrap())
			fmt.Printf("    %-12s %s\n", "Fix:", schemaErr.Fix())
		default:
			fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", status.Version)
		}
		if pending, err := upgrade.PendingHooks(context.Background(), s.DB()); err == nil {
			fmt.Printf("    %-12s %d pending\n", "Data hooks:", len(pending))
		}
	default:
		path := config.ExpandHome(db.SQLitePath)
		fmt.Printf("    %-12s %s", "Path:", path)
		if _, err := os.Stat(path); err != nil {
			fmt.Println(" (will be created)")
		} else {
			fmt.Println(" (OK)")
		}
	}
}

func checkGenerator(name string, g config.GeneratorConfig) {
	switch g.Kind {
	case "openai":
		fmt.Printf("    %-12s %s %s key=%s\n", name+":", g.Kind, g.Model, maskKey(g.APIKey))
	default:
		fmt.Printf("    %-12s %s\n", name+":", g.Kind)
	}
}

// checkAvatar validates an avatar's rule set the same way the gateway does
// when it starts the avatar.
func checkAvatar(cfg *config.Config, a config.AvatarConfig) {
	label := a.ID
	if a.Name != "" {
		label += " (" + a.Name + ")"
	}
	problems := 0
	if _, ok := cfg.Generators[a.Generator]; !ok {
		fmt.Printf("    %s: main generator %q is not configured\n", label, a.Generator)
		problems++
	}
	if _, err := daemon.Build(a.ID, a.Daemons, &daemon.Counters{}); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Printf("    %s: %s\n", label, line)
		}
		problems++
	}
	for _, d := range a.Daemons {
		if g := d.Action.Generator; g != "" {
			if _, ok := cfg.Generators[g]; !ok {
				fmt.Printf("    %s: daemon %s uses unknown generator %q\n", label, d.ID, g)
				problems++
			}
		}
	}
	if problems == 0 {
		fmt.Printf("    %s: %d daemons OK\n", label, len(a.Daemons))
	}
}

func maskKey(key string) string {
	if key == "" {
		return "(not configured)"
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
