package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MAILBUS_"

// ApplyEnv overrides c with the MAILBUS_* variables found by lookup:
//
//	MAILBUS_BUS_NAME               bus.name
//	MAILBUS_REDIS_ADDRS            redis.addrs, comma separated
//	MAILBUS_REDIS_MASTER_NAME      redis.master_name
//	MAILBUS_REDIS_USERNAME         redis.username
//	MAILBUS_REDIS_PASSWORD         redis.password
//	MAILBUS_REDIS_DB               redis.db
//	MAILBUS_AMQP_URL               amqp.url
//	MAILBUS_KEYS_FAILURE_IGNORE    keys.failure_ignore
//	MAILBUS_KEYS_TIMEOUT           keys.timeout
//	MAILBUS_DEAD_LETTER_BACKEND    dead_letter.backend
//	MAILBUS_DEAD_LETTER_DSN        dead_letter.dsn
//	MAILBUS_DEAD_LETTER_URI        dead_letter.uri
//	MAILBUS_SWEEP_INTERVAL         sweep.interval
//	MAILBUS_LOG_LEVEL              log.level
//	MAILBUS_LOG_FORMAT             log.format
//
// Pass os.LookupEnv to read the process environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("BUS_NAME", &c.Bus.Name)
	if v, ok := lookup(EnvPrefix + "REDIS_ADDRS"); ok {
		c.Redis.Addrs = splitAndTrim(v, ",")
	}
	str("REDIS_MASTER_NAME", &c.Redis.MasterName)
	str("REDIS_USERNAME", &c.Redis.Username)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	str("AMQP_URL", &c.AMQP.URL)
	flag("KEYS_FAILURE_IGNORE", &c.Keys.FailureIgnore)
	duration("KEYS_TIMEOUT", &c.Keys.Timeout)
	str("DEAD_LETTER_BACKEND", &c.DeadLetter.Backend)
	str("DEAD_LETTER_DSN", &c.DeadLetter.DSN)
	str("DEAD_LETTER_URI", &c.DeadLetter.URI)
	duration("SWEEP_INTERVAL", &c.Sweep.Interval)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
