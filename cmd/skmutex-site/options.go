package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

type options struct {
	Config string `long:"config" env:"SKMUTEX_CONFIG" no-ini:"true" description:"INI file with default option values"`

	SiteID int `long:"site-id" env:"SKMUTEX_SITE_ID" default:"-1" description:"Id of this site in [0, sites)"`
	Sites  int `long:"sites" env:"SKMUTEX_SITES" default:"0" description:"Number of sites in the group"`

	Transport        string        `long:"transport" env:"SKMUTEX_TRANSPORT" default:"nats" choice:"nats" choice:"redis" choice:"kafka" description:"Message transport"`
	Prefix           string        `long:"prefix" env:"SKMUTEX_PREFIX" default:"skmutex" description:"Namespace for subjects, keys or topics"`
	Codec            string        `long:"codec" env:"SKMUTEX_CODEC" default:"json" choice:"json" choice:"gob" description:"Wire codec"`
	NatsURL          string        `long:"nats-url" env:"SKMUTEX_NATS_URL" default:"nats://127.0.0.1:4222" description:"NATS server URL"`
	RedisAddr        string        `long:"redis-addr" env:"SKMUTEX_REDIS_ADDR" default:"127.0.0.1:6379" description:"Redis address"`
	KafkaBrokers     []string      `long:"kafka-broker" env:"SKMUTEX_KAFKA_BROKERS" env-delim:"," default:"127.0.0.1:9092" description:"Kafka broker, may be repeated"`
	BreakerThreshold int           `long:"breaker-threshold" env:"SKMUTEX_BREAKER_THRESHOLD" default:"0" description:"Consecutive send failures before sends fail fast, 0 disables"`
	BreakerTimeout   time.Duration `long:"breaker-timeout" env:"SKMUTEX_BREAKER_TIMEOUT" default:"5s" description:"How long sends fail fast once the breaker opened"`
	ReadyInterval    time.Duration `long:"ready-interval" env:"SKMUTEX_READY_INTERVAL" default:"500ms" description:"How often to announce this site until every peer answered"`

	WorkMin    time.Duration `long:"work-min" env:"SKMUTEX_WORK_MIN" default:"2s" description:"Minimum time spent in the critical section"`
	WorkMax    time.Duration `long:"work-max" env:"SKMUTEX_WORK_MAX" default:"5s" description:"Maximum time spent in the critical section"`
	ThinkMin   time.Duration `long:"think-min" env:"SKMUTEX_THINK_MIN" default:"1s" description:"Minimum idle time between critical sections"`
	ThinkMax   time.Duration `long:"think-max" env:"SKMUTEX_THINK_MAX" default:"3s" description:"Maximum idle time between critical sections"`
	Iterations int           `long:"iterations" env:"SKMUTEX_ITERATIONS" default:"0" description:"Stop requesting after this many critical sections, 0 runs forever"`

	StatusAddr string `long:"status-addr" env:"SKMUTEX_STATUS_ADDR" default:":8080" description:"Status server address, empty disables"`
	LogLevel   string `long:"log-level" env:"SKMUTEX_LOG_LEVEL" default:"info" description:"Log level"`
	LogFormat  string `long:"log-format" env:"SKMUTEX_LOG_FORMAT" default:"text" choice:"text" choice:"json" description:"Log format"`
	Trace      bool   `long:"trace" env:"SKMUTEX_TRACE" description:"Print OpenTelemetry spans to stderr"`
}

// parseOptions reads the config file named by --config first. Flags given on
// the command line win over the file.
func parseOptions(args []string) (*options, error) {
	var pre struct {
		Config string `long:"config" env:"SKMUTEX_CONFIG"`
	}
	if _, err := flags.NewParser(&pre, flags.IgnoreUnknown).ParseArgs(args); err != nil {
		return nil, err
	}

	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if pre.Config != "" {
		if err := flags.NewIniParser(parser).ParseFile(pre.Config); err != nil {
			return nil, fmt.Errorf("config %s: %w", pre.Config, err)
		}
	}
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

// Validate checks option consistency.
func (o *options) Validate() error {
	if o.Sites < 1 {
		return errors.New("--sites must be at least 1")
	}
	if o.SiteID < 0 || o.SiteID >= o.Sites {
		return fmt.Errorf("--site-id %d outside [0,%d)", o.SiteID, o.Sites)
	}
	if o.WorkMin < 0 || o.WorkMax < o.WorkMin {
		return fmt.Errorf("invalid work range [%s, %s]", o.WorkMin, o.WorkMax)
	}
	if o.ThinkMin < 0 || o.ThinkMax < o.ThinkMin {
		return fmt.Errorf("invalid think range [%s, %s]", o.ThinkMin, o.ThinkMax)
	}
	if o.ReadyInterval <= 0 {
		return errors.New("--ready-interval must be positive")
	}
	if o.BreakerThreshold < 0 {
		return errors.New("--breaker-threshold must not be negative")
	}
	if o.Iterations < 0 {
		return errors.New("--iterations must not be negative")
	}
	if o.Transport == "kafka" && len(o.KafkaBrokers) == 0 {
		return errors.New("kafka transport needs at least one --kafka-broker")
	}
	return nil
}
