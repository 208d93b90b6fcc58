package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/dowhiz/internal/config"
	"github.com/nextlevelbuilder/dowhiz/internal/upgrade"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("dowhiz doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Webhook secrets:")
	checkSecret("Postmark", cfg.WebhookSecrets.PostmarkToken)
	checkSecret("Slack signing", cfg.WebhookSecrets.SlackSigningSecret)
	checkSecret("Slack bot token", cfg.WebhookSecrets.SlackBotToken)
	checkSecret("Twilio", cfg.WebhookSecrets.TwilioAuthToken)
	checkSecret("WhatsApp verify", cfg.WebhookSecrets.WhatsAppVerifyToken)
	checkSecret("SendGrid", cfg.WebhookSecrets.SendGridAPIKey)
	checkSecret("Telegram bot token", cfg.WebhookSecrets.TelegramBotToken)
	checkSecret("Discord bot token", cfg.WebhookSecrets.DiscordBotToken)

	isManaged := cfg.IsManagedMode()
	fmt.Println()
	fmt.Println("  Database:")
	if !isManaged {
		fmt.Printf("    %-16s standalone (no queue/scheduler database)\n", "Mode:")
	} else {
		fmt.Printf("    %-16s managed\n", "Mode:")
		db, dbErr := sql.Open("pgx", cfg.Database.PostgresDSN)
		if dbErr != nil {
			fmt.Printf("    %-16s CONNECT FAILED (%s)\n", "Status:", dbErr)
		} else if pingErr := db.Ping(); pingErr != nil {
			fmt.Printf("    %-16s CONNECT FAILED (%s)\n", "Status:", pingErr)
			db.Close()
		} else {
			defer db.Close()
			reportSchema(db)
			reportQueueDepth(db)
			reportSchedulerIndex(db)
		}
	}

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("docker")
	checkBinary("curl")
	checkBinary("git")

	fmt.Println()
	ws := config.ExpandHome(cfg.Agents.Defaults.Workspace)
	fmt.Printf("  Workspace: %s", ws)
	if _, err := os.Stat(ws); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func reportSchema(db *sql.DB) {
	s, err := upgrade.CheckSchema(db)
	if err != nil {
		fmt.Printf("    %-16s CHECK FAILED (%s)\n", "Schema:", err)
		return
	}
	switch {
	case s.Dirty:
		fmt.Printf("    %-16s v%d (DIRTY — run: dowhiz migrate force %d)\n", "Schema:", s.CurrentVersion, s.CurrentVersion-1)
	case s.Compatible:
		fmt.Printf("    %-16s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-16s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	default:
		fmt.Printf("    %-16s v%d (upgrade needed — run: dowhiz upgrade)\n", "Schema:", s.CurrentVersion)
	}

	pending, hookErr := upgrade.PendingHooks(context.Background(), db)
	if hookErr == nil && len(pending) > 0 {
		fmt.Printf("    %-16s %d pending\n", "Data hooks:", len(pending))
	} else if hookErr == nil {
		fmt.Printf("    %-16s all applied\n", "Data hooks:")
	}
}

// reportQueueDepth shows how many ingestion envelopes are waiting or
// leased, grouped by status — the same table internal/queue.PostgresQueue
// claims from with FOR UPDATE SKIP LOCKED.
func reportQueueDepth(db *sql.DB) {
	fmt.Println()
	fmt.Println("  Ingestion queue:")
	rows, err := db.QueryContext(context.Background(),
		"SELECT status, count(*) FROM ingestion_envelopes GROUP BY status ORDER BY status")
	if err != nil {
		fmt.Printf("    (could not query queue: %s)\n", err)
		return
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			continue
		}
		found = true
		fmt.Printf("    %-16s %d\n", status+":", n)
	}
	if !found {
		fmt.Println("    (empty)")
	}

	var stuck int
	if err := db.QueryRowContext(context.Background(),
		"SELECT count(*) FROM ingestion_envelopes WHERE status = 'leased' AND lease_expires_at < now()",
	).Scan(&stuck); err == nil && stuck > 0 {
		fmt.Printf("    %-16s %d (will be reclaimed by the next watchdog pass)\n", "Expired leases:", stuck)
	}
}

// reportSchedulerIndex shows how many tasks are overdue against
// task_index, the cross-user due-task projection PostgresIndexStore polls.
func reportSchedulerIndex(db *sql.DB) {
	fmt.Println()
	fmt.Println("  Scheduler index:")
	var total, due int
	if err := db.QueryRowContext(context.Background(),
		"SELECT count(*) FROM task_index WHERE enabled").Scan(&total); err != nil {
		fmt.Printf("    (could not query task index: %s)\n", err)
		return
	}
	if err := db.QueryRowContext(context.Background(),
		"SELECT count(*) FROM task_index WHERE enabled AND next_run <= now()").Scan(&due); err != nil {
		fmt.Printf("    (could not query due tasks: %s)\n", err)
		return
	}
	fmt.Printf("    %-16s %d\n", "Enabled tasks:", total)
	fmt.Printf("    %-16s %d\n", "Due now:", due)
}

func checkSecret(name, value string) {
	if value != "" {
		fmt.Printf("    %-16s configured\n", name+":")
	} else {
		fmt.Printf("    %-16s (not configured)\n", name+":")
	}
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
