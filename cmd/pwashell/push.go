package main

import (
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"pwashell/internal/logging"
	"pwashell/internal/pushapi"
	"pwashell/internal/shell"
	"pwashell/internal/worker"
)

func newVAPIDKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid-keys",
		Short: "Generate a VAPID key pair for push.vapid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, priv, err := pushapi.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "PWASHELL_VAPID_PUBLIC_KEY=%s\n", pub)
			fmt.Fprintf(out, "PWASHELL_VAPID_PRIVATE_KEY=%s\n", priv)
			return nil
		},
	}
}

func newSendCmd(configPath *string) *cobra.Command {
	var (
		user string
		p    worker.Payload
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a push notification to every active subscription of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := shell.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := logging.New(cfg.Logging.Level, "pwashell")
			defer func() { _ = log.Sync() }()

			rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			defer rdb.Close()

			sender := pushapi.NewSender(pushapi.SenderConfig{
				PublicKey:  cfg.Push.VAPID.PublicKey,
				PrivateKey: cfg.Push.VAPID.PrivateKey,
				Subject:    cfg.Push.Subject,
				TTL:        cfg.Push.TTL,
			}, pushapi.NewStore(rdb), log, nil)
			if !sender.Enabled() {
				return pushapi.ErrPushDisabled
			}

			rep, err := sender.SendToUser(cmd.Context(), user, p)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(rep)
		},
	}
	f := cmd.Flags()
	f.StringVar(&user, "user", "", "recipient")
	f.StringVar(&p.Title, "title", "", "notification title")
	f.StringVar(&p.Body, "body", "", "notification body")
	f.StringVar(&p.ReferenceDoctype, "doctype", "", "document type opened on click")
	f.StringVar(&p.ReferenceName, "name", "", "document name opened on click")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
