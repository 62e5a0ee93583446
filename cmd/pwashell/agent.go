package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pwashell/internal/channel"
	"pwashell/internal/logging"
	"pwashell/internal/page"
	"pwashell/internal/rpc"
	"pwashell/internal/shell"
)

type agentOptions struct {
	url          string
	user         string
	stateDir     string
	endpointBase string
	answer       string
	userAgent    string
	brand        string
	once         bool
}

func newAgentCmd(configPath *string) *cobra.Command {
	var o agentOptions
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Act as a page: register for push and follow notification clicks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := "info"
			userHeader := rpc.DefaultUserHeader
			if cfg, err := shell.LoadConfig(*configPath); err == nil {
				level = cfg.Logging.Level
				userHeader = cfg.Auth.UserHeader
				if o.url == "" {
					o.url = cfg.Server.PublicURL
				}
			}
			if o.url == "" {
				return fmt.Errorf("--url is required without a config file")
			}
			if o.endpointBase == "" {
				return fmt.Errorf("--endpoint-base is required")
			}
			log := logging.New(level, "pwashell-agent")
			defer func() { _ = log.Sync() }()
			return runAgent(cmd.Context(), o, userHeader, log)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.url, "url", "", "public URL of the shell (defaults to server.publicURL)")
	f.StringVar(&o.user, "user", os.Getenv("PWASHELL_USER"), "session user")
	f.StringVar(&o.stateDir, "state", getenvDefault("PWASHELL_AGENT_STATE", "./pwashell-agent"), "directory of the agent's local store")
	f.StringVar(&o.endpointBase, "endpoint-base", "", "push service URL new subscriptions are issued under")
	f.StringVar(&o.answer, "permission", string(page.PermissionGranted), "answer to the notification permission prompt (granted, denied, default)")
	f.StringVar(&o.userAgent, "user-agent", "pwashell-agent ("+runtime.GOOS+"; "+runtime.GOARCH+")", "device reported with the subscription")
	f.StringVar(&o.brand, "browser", "", "browser brand reported with the subscription")
	f.BoolVar(&o.once, "once", false, "register the subscription and exit without listening")
	return cmd
}

func runAgent(parent context.Context, o agentOptions, userHeader string, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := page.OpenLevelStore(o.stateDir)
	if err != nil {
		return fmt.Errorf("open agent store: %w", err)
	}
	defer store.Close()

	client := rpc.New(rpc.Config{BaseURL: o.url, User: o.user, UserHeader: userHeader}, nil, nil)
	coord := page.NewCoordinator(page.Env{
		Registration: page.NewLocalPushManager(store, o.endpointBase),
		Capabilities: page.Capabilities{Push: true, Notifications: true},
		Session:      page.Session{User: o.user},
		Permissions:  page.StoredPermissions{Store: store, Answer: page.PermissionState(o.answer)},
		Store:        store,
		RPC:          client,
		UserAgent:    o.userAgent,
		BrandHint:    o.brand,
	}, log)
	coord.Run(ctx)
	if o.once {
		return nil
	}

	history := page.NewHistory(log)
	header := http.Header{}
	if o.user != "" {
		header.Set(userHeader, o.user)
	}
	hello := channel.Hello{URL: o.url + shell.DefaultAppRoot, Focusable: true, Visibility: "visible"}
	err = page.NewListener(history, log).Connect(ctx, o.url+"/shell/clients", header, hello)
	log.Info("agent stopped", zap.String("location", history.Current()))
	return err
}
