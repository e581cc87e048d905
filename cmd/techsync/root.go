package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"techsync/internal/config"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/config.yaml"

type commandContext struct {
	configFlag *string
	addrFlag   *string
	apiKeyFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, addrFlag, apiKeyFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag, addrFlag: addrFlag, apiKeyFlag: apiKeyFlag}
}

func (c *commandContext) configPath() string {
	if c.configFlag != nil {
		if p := strings.TrimSpace(*c.configFlag); p != "" {
			return p
		}
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return defaultConfigPath
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.Load(c.configPath())
	})
	return c.config, c.configErr
}

// client resolves the control API address from --addr or the config file.
func (c *commandContext) client() (*controlClient, error) {
	addr := strings.TrimSpace(deref(c.addrFlag))
	key := strings.TrimSpace(deref(c.apiKeyFlag))
	header := ""

	if addr == "" || key == "" {
		cfg, err := c.ensureConfig()
		if err != nil && addr == "" {
			return nil, err
		}
		if cfg != nil {
			header = cfg.API.Auth.HeaderAPIKey
			if addr == "" {
				if !cfg.API.Enabled {
					return nil, errors.New("control API is disabled in config")
				}
				addr = fmt.Sprintf("http://%s:%d", cfg.API.Host, cfg.API.Port)
			}
			if key == "" && cfg.API.Auth.Enabled && len(cfg.API.Auth.APIKeys) > 0 {
				key = cfg.API.Auth.APIKeys[0].Key
			}
		}
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return newControlClient(addr, key, header), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func newRootCommand() *cobra.Command {
	var configFlag, addrFlag, apiKeyFlag string

	ctx := newCommandContext(&configFlag, &addrFlag, &apiKeyFlag)

	rootCmd := &cobra.Command{
		Use:           "techsync",
		Short:         "Offline action queue and sync agent for technician devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (default $CONFIG_PATH or "+defaultConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "Control API address, overrides the config file")
	rootCmd.PersistentFlags().StringVar(&apiKeyFlag, "api-key", "", "Control API key, overrides the config file")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newQueueCommand(ctx))
	rootCmd.AddCommand(newPullCommand(ctx))
	rootCmd.AddCommand(newAgendaCommand(ctx))
	rootCmd.AddCommand(newOrderCommand(ctx))
	rootCmd.AddCommand(newConnectivityCommand(ctx, "online", true))
	rootCmd.AddCommand(newConnectivityCommand(ctx, "offline", false))
	rootCmd.AddCommand(newEventsCommand(ctx))

	return rootCmd
}
