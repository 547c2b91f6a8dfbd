package agent

import (
	"github.com/spf13/cobra"

	"github.com/panic80/G7GovAI-sub001/cmd/util"
	"github.com/panic80/G7GovAI-sub001/internal/config"
)

const waitFlag = "wait"

// bindAgentFlags binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindAgentFlags(command *cobra.Command) {
	defaultConfig := config.DefaultConfig()
	flags := command.PersistentFlags()

	flags.String("server-url", defaultConfig.Server.URL, "the base URL of the assistant backend")
	util.MustBindPFlag("server.url", flags.Lookup("server-url"))
	util.MustBindEnv("server.url", "G7GOV_SERVER_URL")

	flags.String("api-key", defaultConfig.Server.APIKey, "the API key sent with every request")
	util.MustBindPFlag("server.apiKey", flags.Lookup("api-key"))
	util.MustBindEnv("server.apiKey", "G7GOV_API_KEY", "G7GOV_SERVER_APIKEY")

	flags.Duration("timeout", defaultConfig.Server.Timeout, "the maximum duration of a streaming session (0 to disable)")
	util.MustBindPFlag("server.timeout", flags.Lookup("timeout"))
	util.MustBindEnv("server.timeout", "G7GOV_SERVER_TIMEOUT")

	flags.String("ready-path", defaultConfig.Server.ReadyPath, "the backend path probed by --wait")
	util.MustBindPFlag("server.readyPath", flags.Lookup("ready-path"))
	util.MustBindEnv("server.readyPath", "G7GOV_SERVER_READY_PATH", "G7GOV_SERVER_READYPATH")

	flags.Duration("ready-timeout", defaultConfig.Server.ReadyTimeout, "how long --wait keeps probing the backend")
	util.MustBindPFlag("server.readyTimeout", flags.Lookup("ready-timeout"))
	util.MustBindEnv("server.readyTimeout", "G7GOV_SERVER_READY_TIMEOUT", "G7GOV_SERVER_READYTIMEOUT")

	flags.Int("buffer-size", defaultConfig.Server.BufferSize, "the number of records queued between the stream reader and the session (a power of two)")
	util.MustBindPFlag("server.bufferSize", flags.Lookup("buffer-size"))
	util.MustBindEnv("server.bufferSize", "G7GOV_SERVER_BUFFER_SIZE", "G7GOV_SERVER_BUFFERSIZE")

	flags.Bool(waitFlag, false, "wait for the backend to report ready before starting")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	util.MustBindPFlag("log.format", flags.Lookup("log-format"))
	util.MustBindEnv("log.format", "G7GOV_LOG_FORMAT")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")
	util.MustBindPFlag("log.level", flags.Lookup("log-level"))
	util.MustBindEnv("log.level", "G7GOV_LOG_LEVEL")

	flags.String("session-scope", defaultConfig.Session.Scope, "the key isolating the persisted state of this session")
	util.MustBindPFlag("session.scope", flags.Lookup("session-scope"))
	util.MustBindEnv("session.scope", "G7GOV_SESSION_SCOPE")

	flags.Int("history-size", defaultConfig.Session.HistorySize, "the number of sessions kept in each pipeline history (0 keeps the pipeline default)")
	util.MustBindPFlag("session.historySize", flags.Lookup("history-size"))
	util.MustBindEnv("session.historySize", "G7GOV_SESSION_HISTORY_SIZE", "G7GOV_SESSION_HISTORYSIZE")

	flags.String("persist-engine", defaultConfig.Persist.Engine, "the session state storage engine ('none', 'memory' or 'sqlite')")
	util.MustBindPFlag("persist.engine", flags.Lookup("persist-engine"))
	util.MustBindEnv("persist.engine", "G7GOV_PERSIST_ENGINE")

	flags.String("persist-uri", defaultConfig.Persist.URI, "the connection uri of the sqlite session state storage")
	util.MustBindPFlag("persist.uri", flags.Lookup("persist-uri"))
	util.MustBindEnv("persist.uri", "G7GOV_PERSIST_URI")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")
	util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
	util.MustBindEnv("trace.enabled", "G7GOV_TRACE_ENABLED")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")
	util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
	util.MustBindEnv("trace.otlp.endpoint", "G7GOV_TRACE_OTLP_ENDPOINT")

	flags.Bool("trace-otlp-tls-enabled", defaultConfig.Trace.OTLP.TLS.Enabled, "use TLS connection for trace collector")
	util.MustBindPFlag("trace.otlp.tls.enabled", flags.Lookup("trace-otlp-tls-enabled"))
	util.MustBindEnv("trace.otlp.tls.enabled", "G7GOV_TRACE_OTLP_TLS_ENABLED")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")
	util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
	util.MustBindEnv("trace.sampleRatio", "G7GOV_TRACE_SAMPLE_RATIO", "G7GOV_TRACE_SAMPLERATIO")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces")
	util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
	util.MustBindEnv("trace.serviceName", "G7GOV_TRACE_SERVICE_NAME", "G7GOV_TRACE_SERVICENAME")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable the prometheus metrics endpoint")
	util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
	util.MustBindEnv("metrics.enabled", "G7GOV_METRICS_ENABLED")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics on")
	util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
	util.MustBindEnv("metrics.addr", "G7GOV_METRICS_ADDR")
}
