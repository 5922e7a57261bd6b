package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"mellium.im/xmpp/jid"

	"github.com/nextlevelbuilder/mucbridge/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and storage health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("mucbridge doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
		return
	}
	fmt.Println(" (OK)")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
	}

	fmt.Println()
	fmt.Println("  Networks:")
	checkSetting("Telegram token", cfg.Telegram.Token != "")
	_, jidErr := jid.Parse(cfg.XMPP.JID)
	checkSetting("XMPP JID", cfg.XMPP.JID != "" && jidErr == nil)
	checkSetting("XMPP password", cfg.XMPP.Password != "")
	checkSetting("Pairing secret", cfg.Bridge.Secret != "")
	fmt.Printf("    %-16s /%s\n", "Command", cfg.Telegram.Command)
	fmt.Printf("    %-16s %s\n", "Nick", cfg.XMPP.Nick)

	fmt.Println()
	fmt.Println("  Features:")
	checkFeature("Media relay", cfg.Media.Enabled())
	checkFeature("Telemetry", cfg.Telemetry.Enabled)
	checkFeature("Health endpoint", cfg.Health.Listen != "")

	fmt.Println()
	sc := cfg.StoreConfig()
	fmt.Printf("  Database: %s", sc.Driver)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stores, err := openStores(ctx, sc)
	if err != nil {
		fmt.Printf(" (ERROR: %s)\n", err)
		return
	}
	defer stores.Close()
	bindings, err := stores.Bindings.ListBindings(ctx)
	if err != nil {
		fmt.Printf(" (ERROR: %s)\n", err)
		return
	}
	pending, _ := stores.Bindings.ListPending(ctx)
	fmt.Printf(" (OK, %d bindings, %d pending)\n", len(bindings), len(pending))
}

func checkSetting(name string, ok bool) {
	status := "MISSING"
	if ok {
		status = "OK"
	}
	fmt.Printf("    %-16s %s\n", name, status)
}

func checkFeature(name string, enabled bool) {
	status := "disabled"
	if enabled {
		status = "enabled"
	}
	fmt.Printf("    %-16s %s\n", name, status)
}
