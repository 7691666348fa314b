package config

import (
	"github.com/spf13/pflag"
)

// Flags binds command line flags to a scratch Config. Apply copies only the
// flags that were set, so file and environment values survive otherwise.
type Flags struct {
	fs       *pflag.FlagSet
	vals     Config
	bindings map[string]func(dst *Config, src *Config)
}

func AddFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{
		fs:       fs,
		vals:     Default(),
		bindings: map[string]func(dst *Config, src *Config){},
	}
	v := &f.vals

	fs.StringVar(&v.Listen, "listen", v.Listen, "raw HTTP ingest address")
	f.bind("listen", func(d, s *Config) { d.Listen = s.Listen })
	fs.StringVar(&v.AdminListen, "admin-listen", v.AdminListen, "address for /ws, /healthz and /stats (empty disables)")
	f.bind("admin-listen", func(d, s *Config) { d.AdminListen = s.AdminListen })
	fs.StringVar(&v.CookiePath, "cookie-path", v.CookiePath, "path scope of the affinity cookie")
	f.bind("cookie-path", func(d, s *Config) { d.CookiePath = s.CookiePath })
	fs.StringVar(&v.AckBody, "ack-body", v.AckBody, "acknowledgement body: echo or empty")
	f.bind("ack-body", func(d, s *Config) { d.AckBody = s.AckBody })
	fs.IntVar(&v.MaxReadAttempts, "max-read-attempts", v.MaxReadAttempts, "fragments allowed per message")
	f.bind("max-read-attempts", func(d, s *Config) { d.MaxReadAttempts = s.MaxReadAttempts })
	fs.IntVar(&v.MaxPayloadBytes, "max-payload-bytes", v.MaxPayloadBytes, "largest accepted declared length (0 = unlimited)")
	f.bind("max-payload-bytes", func(d, s *Config) { d.MaxPayloadBytes = s.MaxPayloadBytes })
	fs.IntVar(&v.ChunkSize, "chunk-size", v.ChunkSize, "body read size of the HTTP transport")
	f.bind("chunk-size", func(d, s *Config) { d.ChunkSize = s.ChunkSize })
	fs.DurationVar(&v.IdleTimeout, "idle-timeout", v.IdleTimeout, "close connections idle for this long (0 = never)")
	f.bind("idle-timeout", func(d, s *Config) { d.IdleTimeout = s.IdleTimeout })
	fs.DurationVar(&v.WriteTimeout, "write-timeout", v.WriteTimeout, "per-write deadline")
	f.bind("write-timeout", func(d, s *Config) { d.WriteTimeout = s.WriteTimeout })
	fs.DurationVar(&v.ShutdownTimeout, "shutdown-timeout", v.ShutdownTimeout, "grace period for draining on shutdown")
	f.bind("shutdown-timeout", func(d, s *Config) { d.ShutdownTimeout = s.ShutdownTimeout })
	fs.IntVar(&v.Dispatch.QueueLimit, "queue-limit", v.Dispatch.QueueLimit, "per-consumer queue bound (0 = unbounded)")
	f.bind("queue-limit", func(d, s *Config) { d.Dispatch.QueueLimit = s.Dispatch.QueueLimit })
	fs.IntVar(&v.Dispatch.Workers, "workers", v.Dispatch.Workers, "delivery goroutines per consumer")
	f.bind("workers", func(d, s *Config) { d.Dispatch.Workers = s.Dispatch.Workers })
	fs.StringSliceVar(&v.Consumers, "consumers", v.Consumers, "built-in consumers: log, echo-reply, journal, script")
	f.bind("consumers", func(d, s *Config) { d.Consumers = append([]string(nil), s.Consumers...) })
	fs.StringVar(&v.Journal.Path, "journal-path", v.Journal.Path, "SQLite file of the journal consumer")
	f.bind("journal-path", func(d, s *Config) { d.Journal.Path = s.Journal.Path })
	fs.StringVar(&v.Script.Path, "script", v.Script.Path, "JavaScript file of the script consumer")
	f.bind("script", func(d, s *Config) { d.Script.Path = s.Script.Path })
	fs.StringVar(&v.Bridge.Backend, "bridge", v.Bridge.Backend, "republish contents: none, memory or redis")
	f.bind("bridge", func(d, s *Config) { d.Bridge.Backend = s.Bridge.Backend })
	fs.StringVar(&v.Bridge.TopicPrefix, "topic-prefix", v.Bridge.TopicPrefix, "bridge topic prefix")
	f.bind("topic-prefix", func(d, s *Config) { d.Bridge.TopicPrefix = s.Bridge.TopicPrefix })
	fs.StringVar(&v.Redis.Addr, "redis-addr", v.Redis.Addr, "redis address host:port")
	f.bind("redis-addr", func(d, s *Config) { d.Redis.Addr = s.Redis.Addr })
	fs.StringVar(&v.Log.Level, "log-level", v.Log.Level, "trace, debug, info, warn or error")
	f.bind("log-level", func(d, s *Config) { d.Log.Level = s.Log.Level })
	fs.StringVar(&v.Log.Format, "log-format", v.Log.Format, "auto, console or json")
	f.bind("log-format", func(d, s *Config) { d.Log.Format = s.Log.Format })
	return f
}

func (f *Flags) bind(name string, apply func(dst *Config, src *Config)) {
	f.bindings[name] = apply
}

// Apply copies every changed flag into cfg.
func (f *Flags) Apply(cfg *Config) {
	f.fs.Visit(func(fl *pflag.Flag) {
		if apply, ok := f.bindings[fl.Name]; ok {
			apply(cfg, &f.vals)
		}
	})
}
