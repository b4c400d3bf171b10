// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	relay "github.com/relaysys/relay"
	"github.com/relaysys/relay/core/queue"
	"github.com/relaysys/relay/core/store"
)

// configFile is the on-disk daemon configuration. Durations are
// rendered in Go syntax, e.g. "250ms" or "1m30s".
type configFile struct {
	Stores  []storeConfig     `yaml:"stores"`
	Routing map[string]string `yaml:"routing"`

	OutboxInterval    duration `yaml:"outbox-interval"`
	InboxInterval     duration `yaml:"inbox-interval"`
	ReapInterval      duration `yaml:"reap-interval"`
	SchedulerMaxSleep duration `yaml:"scheduler-max-sleep"`
	ClaimLease        duration `yaml:"claim-lease"`

	OutboxBatch    int `yaml:"outbox-batch"`
	InboxBatch     int `yaml:"inbox-batch"`
	SchedulerBatch int `yaml:"scheduler-batch"`
	MaxAttempts    int `yaml:"max-attempts"`

	BackoffInitial duration `yaml:"backoff-initial"`
	BackoffMax     duration `yaml:"backoff-max"`

	// MetricsAddr, when set, serves prometheus metrics on the address.
	MetricsAddr string `yaml:"metrics-addr"`
}

type storeConfig struct {
	ID                     string            `yaml:"id"`
	DSN                    string            `yaml:"dsn"`
	TablePrefix            string            `yaml:"table-prefix"`
	TableOverrides         map[string]string `yaml:"table-overrides"`
	EnableSchemaDeployment bool              `yaml:"enable-schema-deployment"`
}

type duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return errors.Trace(err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Annotatef(err, "parsing duration %q", raw)
	}
	*d = duration(parsed)
	return nil
}

// readConfig loads and parses the daemon configuration file.
func readConfig(path string) (configFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return configFile{}, errors.Annotatef(err, "reading config %q", path)
	}

	var cfg configFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return configFile{}, errors.Annotatef(err, "parsing config %q", path)
	}
	if len(cfg.Stores) == 0 {
		return configFile{}, errors.NotValidf("config %q with no stores", path)
	}
	return cfg, nil
}

// relayConfig converts the file form into the library config.
func (c configFile) relayConfig() relay.Config {
	stores := make([]store.Config, 0, len(c.Stores))
	for _, s := range c.Stores {
		stores = append(stores, store.Config{
			ID:                     s.ID,
			DSN:                    s.DSN,
			TablePrefix:            s.TablePrefix,
			TableOverrides:         s.TableOverrides,
			EnableSchemaDeployment: s.EnableSchemaDeployment,
		})
	}

	return relay.Config{
		Stores:             stores,
		RoutingAssignments: c.Routing,
		OutboxInterval:     time.Duration(c.OutboxInterval),
		InboxInterval:      time.Duration(c.InboxInterval),
		ReapInterval:       time.Duration(c.ReapInterval),
		SchedulerMaxSleep:  time.Duration(c.SchedulerMaxSleep),
		ClaimLease:         time.Duration(c.ClaimLease),
		OutboxBatch:        c.OutboxBatch,
		InboxBatch:         c.InboxBatch,
		SchedulerBatch:     c.SchedulerBatch,
		MaxAttempts:        c.MaxAttempts,
		Backoff: queue.BackoffPolicy{
			Initial: time.Duration(c.BackoffInitial),
			Max:     time.Duration(c.BackoffMax),
		},
	}
}
