package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/openfit-tools/fitcloud-cli/api"
	"github.com/openfit-tools/fitcloud-cli/credentials"
	"github.com/openfit-tools/fitcloud-cli/exchange"
	"github.com/openfit-tools/fitcloud-cli/internal/config"
	interrors "github.com/openfit-tools/fitcloud-cli/internal/errors"
	"github.com/openfit-tools/fitcloud-cli/sessions"
	"github.com/openfit-tools/fitcloud-cli/sso"
)

type command struct {
	summary string
	run     func(cfg *config.Settings, args []string) error
}

var commandOrder = []string{"login", "mfa", "logout", "status", "get", "download", "graphql"}

var commands = map[string]command{
	"login":    {"sign in and cache a session", cmdLogin},
	"mfa":      {"resume a suspended login with a second-factor code", cmdMFA},
	"logout":   {"remove the cached session", cmdLogout},
	"status":   {"show the cached session", cmdStatus},
	"get":      {"perform an authenticated GET and print the JSON", cmdGet},
	"download": {"fetch a binary resource", cmdDownload},
	"graphql":  {"run a GraphQL query", cmdGraphQL},
}

// newManager wires the session manager from configuration: the fetched
// consumer pair (builtin fallback), both SSO flows, and the file store.
func newManager(cfg *config.Settings) (*sessions.Manager, *sessions.Store, error) {
	consumers := exchange.NewFetchedConsumerSource(
		exchange.WithConsumerFallback(exchange.BuiltinConsumer),
	)
	exchanger := exchange.NewExchanger(cfg.GetDomain(), consumers,
		exchange.WithHTTPClient(&http.Client{Timeout: cfg.GetSSOTimeout()}),
	)
	flows := sso.NewFlows(cfg.GetDomain(), cfg.GetClientID(), cfg.GetSSOTimeout())
	store := sessions.NewStore(cfg.GetCacheDir())

	var options []sessions.ManagerOption
	if isTerminal() {
		options = append(options, sessions.WithPromptFunc(promptMFACode))
	}
	manager, err := sessions.NewManager(cfg, store, flows, exchanger, options...)
	if err != nil {
		return nil, nil, err
	}
	return manager, store, nil
}

// newClient ensures a session and wraps it in the request client, with
// the manager's forced refresh behind the 401 path.
func newClient(ctx context.Context, cfg *config.Settings) (*api.Client, error) {
	manager, _, err := newManager(cfg)
	if err != nil {
		return nil, err
	}
	out, err := manager.EnsureSession(ctx, sessions.LoginOptions{})
	if err != nil {
		return nil, err
	}
	if out.Pending != nil {
		return nil, interrors.ErrMFARequired
	}
	return api.NewClient(out.Session, manager.Refresh,
		api.WithTimeout(cfg.GetAPITimeout()),
		api.WithRetryPolicy(api.RetryPolicy{
			GatewayRetries: cfg.GetGatewayRetries(),
			GatewayDelay:   cfg.GetGatewayDelay(),
			ConnectRetries: cfg.GetConnectRetries(),
			ConnectDelay:   cfg.GetConnectDelay(),
		}),
	), nil
}

func cmdLogin(cfg *config.Settings, args []string) error {
	flags := pflag.NewFlagSet("login", pflag.ContinueOnError)
	mfaCode := flags.String("mfa-code", "", "second-factor code to submit if challenged")
	suspend := flags.Bool("suspend", false, "suspend on an MFA challenge instead of prompting")
	email := flags.String("email", "", "account email")
	password := flags.String("password", "", "account password")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *email != "" {
		cfg.Email = *email
	}
	if *password != "" {
		cfg.Password = *password
	}
	if err := fillCredentials(cfg); err != nil {
		return err
	}

	manager, _, err := newManager(cfg)
	if err != nil {
		return err
	}
	out, err := manager.EnsureSession(context.Background(), sessions.LoginOptions{
		MFACode: *mfaCode,
		Suspend: *suspend,
	})
	if err != nil {
		return err
	}
	if out.Pending != nil {
		fmt.Printf("MFA required (%s). Run: fitcloud mfa <code>\n", out.Pending.MFAMethod)
		return nil
	}
	fmt.Printf("Signed in to %s\n", out.Session.Domain)
	return nil
}

func cmdMFA(cfg *config.Settings, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: fitcloud mfa <code>")
	}
	manager, store, err := newManager(cfg)
	if err != nil {
		return err
	}
	state := store.LoadMFAState()
	if state == nil {
		return interrors.ErrNoMFAState
	}
	session, err := manager.ResumeLogin(context.Background(), state, args[0])
	if err != nil {
		return err
	}
	// The bundle is single-use; drop it now that the login completed.
	if err := store.ClearMFAState(); err != nil {
		return err
	}
	fmt.Printf("Signed in to %s\n", session.Domain)
	return nil
}

func cmdLogout(cfg *config.Settings, args []string) error {
	manager, _, err := newManager(cfg)
	if err != nil {
		return err
	}
	if err := manager.Logout(); err != nil {
		return err
	}
	fmt.Println("Signed out")
	return nil
}

func cmdStatus(cfg *config.Settings, args []string) error {
	store := sessions.NewStore(cfg.GetCacheDir())
	session := store.Load(cfg.GetDomain())
	if session == nil {
		if store.LoadMFAState() != nil {
			fmt.Println("Login suspended on MFA. Run: fitcloud mfa <code>")
			return nil
		}
		return interrors.ErrNoSession
	}

	fmt.Printf("Domain:          %s\n", session.Domain)
	fmt.Printf("Access expires:  %s\n", formatExpiry(session.OAuth2.ExpiresAt))
	fmt.Printf("Refresh expires: %s\n", formatExpiry(session.OAuth2.RefreshTokenExpiresAt))
	if info, _ := credentials.Introspect(session.OAuth2.AccessToken); info != nil {
		fmt.Printf("Scope:           %s\n", info.Scope)
		fmt.Printf("Session ID:      %s\n", info.JTI)
	}
	return nil
}

func cmdGet(cfg *config.Settings, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: fitcloud get <path>")
	}
	ctx := context.Background()
	client, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	body, err := client.Request(ctx, "GET", args[0], nil)
	if err != nil {
		return err
	}
	return printJSON(body)
}

func cmdDownload(cfg *config.Settings, args []string) error {
	flags := pflag.NewFlagSet("download", pflag.ContinueOnError)
	output := flags.StringP("output", "o", "", "output file (defaults to stdout)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: fitcloud download <path> [-o file]")
	}

	ctx := context.Background()
	client, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	data, err := client.Download(ctx, flags.Arg(0))
	if err != nil {
		return err
	}
	if *output == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(*output, data, 0o644)
}

func cmdGraphQL(cfg *config.Settings, args []string) error {
	flags := pflag.NewFlagSet("graphql", pflag.ContinueOnError)
	rawVars := flags.String("variables", "", "query variables as a JSON object")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: fitcloud graphql <query> [--variables json]")
	}
	var variables map[string]any
	if *rawVars != "" {
		if err := json.Unmarshal([]byte(*rawVars), &variables); err != nil {
			return fmt.Errorf("parsing --variables: %w", err)
		}
	}

	ctx := context.Background()
	client, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	body, err := client.GraphQL(ctx, flags.Arg(0), variables)
	if err != nil {
		return err
	}
	return printJSON(body)
}

func printJSON(body []byte) error {
	if len(body) == 0 {
		return nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		// Not JSON; print as-is.
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(out.String())
	return nil
}

func formatExpiry(unix int64) string {
	t := time.Unix(unix, 0)
	if time.Now().After(t) {
		return fmt.Sprintf("%s (expired)", t.Format(time.RFC3339))
	}
	return t.Format(time.RFC3339)
}
