package main

import (
	"errors"
	"fmt"
	"os/user"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"accession/internal/api"
	"accession/internal/config"
)

type globalFlags struct {
	config string
	api    string
	token  string
	user   string
	json   bool
}

type commandContext struct {
	flags *globalFlags

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, path, _, err := config.Load(strings.TrimSpace(c.flags.config))
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = path
	})
	return c.config, c.configErr
}

func (c *commandContext) client() (*api.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	addr := strings.TrimSpace(c.flags.api)
	if addr == "" {
		addr = cfg.Paths.APIBind
	}
	if addr == "" {
		return nil, errors.New("no daemon address: set paths.api_bind or pass --api")
	}
	token := strings.TrimSpace(c.flags.token)
	if token == "" {
		token = cfg.Paths.APIToken
	}
	return api.NewClient(addr, token, c.operator()), nil
}

// operator is the name sent with every request, falling back to the login
// name of the invoking user.
func (c *commandContext) operator() string {
	if name := strings.TrimSpace(c.flags.user); name != "" {
		return name
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cli"
}

func (c *commandContext) jsonOutput() bool {
	return c.flags != nil && c.flags.json
}

func wrapDaemonError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, api.ErrNotFound):
		return err
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("connect to daemon: connection refused; start it with `accession daemon`")
	default:
		return err
	}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
