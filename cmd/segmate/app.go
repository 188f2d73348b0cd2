package main

import (
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/HayatoShiba/segmate/config"
)

const (
	metaConfig = "config"
	metaLoader = "loader"
	metaLogger = "logger"
)

// App creates the CLI application
func App() *cli.App {
	return &cli.App{
		Name:  "segmate",
		Usage: "share the writer's snapshot with the readers of a segmate process group",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				EnvVars: []string{"SEGMATE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "overrides log.level (trace, debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			simulateCommand(),
			configCommand(),
		},
		Before: func(c *cli.Context) error {
			var opts []config.Option
			if path := c.String("config"); path != "" {
				opts = append(opts, config.WithConfigFile(path))
			}
			loader := config.NewLoader(opts...)
			cfg, err := loader.Load()
			if err != nil {
				return errors.Wrap(err, "loader.Load failed")
			}
			if level := c.String("log-level"); level != "" {
				cfg.Log.Level = level
			}
			c.App.Metadata[metaConfig] = cfg
			c.App.Metadata[metaLoader] = loader
			c.App.Metadata[metaLogger] = newLogger(cfg)
			return nil
		},
	}
}

func newLogger(cfg config.Config) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "segmate",
		Level:      hclog.LevelFromString(cfg.Log.Level),
		JSONFormat: cfg.Log.Format == "json",
		Output:     os.Stderr,
	})
}

func configFrom(c *cli.Context) config.Config {
	cfg, _ := c.App.Metadata[metaConfig].(config.Config)
	return cfg
}

func loggerFrom(c *cli.Context) hclog.Logger {
	if logger, ok := c.App.Metadata[metaLogger].(hclog.Logger); ok {
		return logger
	}
	return hclog.NewNullLogger()
}
