// Package main is a command line tool for managing Monzo webhooks
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/baely/monzo/internal/auth"
	"github.com/baely/monzo/internal/common/logger"
	"github.com/baely/monzo/internal/config"
	"github.com/baely/monzo/internal/monzo"
)

const usage = `usage: webhooks <command> [arguments]

commands:
  list [account_id]               list webhooks, on every account by default
  register <account_id> <url>     register url on an account
  unregister <webhook_id>         remove a webhook
`

// api is the part of the Monzo client the commands use
type api interface {
	Accounts(ctx context.Context) ([]monzo.Account, error)
	Webhooks(ctx context.Context, accountID string) ([]monzo.Webhook, error)
	RegisterWebhook(ctx context.Context, accountID, url string) (monzo.Webhook, error)
	UnregisterWebhook(ctx context.Context, webhookID string)
}

func main() {
	_ = godotenv.Load()

	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logger.New(
		logger.WithLevel(logger.ParseLevel(cfg.LogLevel)),
		logger.WithFormat(logger.FormatText),
		logger.WithOutput(os.Stderr),
	)
	slog.SetDefault(log)

	client := monzo.NewClient(&monzo.ClientConfig{
		BaseURL: cfg.MonzoAPIURL,
		Auth:    auth.FromConfig(cfg, log),
		Logger:  log,
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, client, os.Stdout, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, client api, out io.Writer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command\n\n%s", usage)
	}

	switch cmd, rest := args[0], args[1:]; {
	case cmd == "list" && len(rest) <= 1:
		return list(ctx, client, out, rest)
	case cmd == "register" && len(rest) == 2:
		hook, err := client.RegisterWebhook(ctx, rest[0], rest[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "registered %s on %s\n", hook.ID, hook.AccountID)
		return nil
	case cmd == "unregister" && len(rest) == 1:
		client.UnregisterWebhook(ctx, rest[0])
		fmt.Fprintf(out, "unregistered %s\n", rest[0])
		return nil
	default:
		return fmt.Errorf("invalid command %q\n\n%s", cmd, usage)
	}
}

func list(ctx context.Context, client api, out io.Writer, args []string) error {
	var accountIDs []string
	if len(args) == 1 {
		accountIDs = args
	} else {
		accounts, err := client.Accounts(ctx)
		if err != nil {
			return err
		}
		for _, acc := range accounts {
			accountIDs = append(accountIDs, acc.ID)
		}
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tWEBHOOK\tURL")
	for _, accountID := range accountIDs {
		hooks, err := client.Webhooks(ctx, accountID)
		if err != nil {
			return err
		}
		for _, hook := range hooks {
			fmt.Fprintf(w, "%s\t%s\t%s\n", accountID, hook.ID, hook.URL)
		}
	}
	return w.Flush()
}
