// Command archiver runs the email archive core.
//
//	archiver serve                      consume index jobs
//	archiver import -source <id>        import one ingestion source
//	archiver check -email <id>          verify stored content of one email
//	archiver delete -email <id>         delete one email (needs ENABLE_DELETION)
//	archiver verify-audit               verify the audit hash chain
//	archiver audit-log [-page -limit]   list audit entries
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/dmitrijs2005/mailarchiver/internal/app"
	"github.com/dmitrijs2005/mailarchiver/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: archiver <serve|import|check|delete|verify-audit|audit-log> [flags]")
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	ctx := context.Background()
	cfg, err := config.Load(args)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	a, err := app.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	runErr := a.Run(ctx, cmd, args)
	if err := a.Close(); err != nil {
		log.Printf("close: %v", err)
	}
	if runErr != nil {
		log.Fatalf("%s: %v", cmd, runErr)
	}
}
