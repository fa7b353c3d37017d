// Command mediate is a terminal client for mediation sessions.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/suPer8Hu/mediation/internal/api"
	"github.com/suPer8Hu/mediation/internal/config"
	"github.com/suPer8Hu/mediation/internal/logger"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

// app holds the flags shared by every subcommand.
type app struct {
	configPath string
	baseURL    string
	email      string
	password   string

	registry prometheus.Registerer
}

func newRootCmd() *cobra.Command {
	a := &app{registry: prometheus.NewRegistry()}

	cmd := &cobra.Command{
		Use:          "mediate",
		Short:        "Mediation session client",
		Long:         "mediate talks to the mediation backend from a terminal.",
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	pf.StringVar(&a.baseURL, "base-url", "", "backend URL (overrides API_BASE_URL)")
	pf.StringVar(&a.email, "email", os.Getenv("MEDIATE_EMAIL"), "account email")
	pf.StringVar(&a.password, "password", os.Getenv("MEDIATE_PASSWORD"), "account password")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newTimelineCmd(a))
	cmd.AddCommand(newSendCmd(a))
	cmd.AddCommand(newStreamCmd(a))
	cmd.AddCommand(newWatchCmd(a))
	cmd.AddCommand(newPushRegisterCmd(a))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mediate %s (commit: %s)\n", Version, Commit)
		},
	}
}

func (a *app) config() (config.Config, error) {
	var cfg config.Config
	if a.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(a.configPath); err != nil {
			return config.Config{}, err
		}
	} else {
		cfg = config.Load()
	}
	if a.baseURL != "" {
		cfg.APIBaseURL = a.baseURL
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (a *app) logger(cmd *cobra.Command, cfg config.Config) zerolog.Logger {
	return logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true, Output: cmd.ErrOrStderr()})
}

// session is what every authenticated command starts from.
type session struct {
	cfg    config.Config
	log    zerolog.Logger
	client *api.Client
	user   api.User
}

func (a *app) login(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(a.email) == "" || a.password == "" {
		return nil, errors.New("--email and --password (or MEDIATE_EMAIL and MEDIATE_PASSWORD) are required")
	}
	log := a.logger(cmd, cfg)
	c := api.New(api.Options{
		BaseURL:    cfg.APIBaseURL,
		Logger:     log,
		Registerer: a.registry,
		OnSignOut: func() {
			log.Warn().Msg("signed out, credentials rejected")
		},
	})
	u, err := c.Login(ctx, a.email, a.password)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return &session{cfg: cfg, log: log, client: c, user: u}, nil
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
