package flags

import (
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/neurallog/kek-custody/common"
	"github.com/neurallog/kek-custody/httpserver"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
		Output:  os.Stderr,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		APIPrefix:                cCtx.String(APIPrefixFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		RateLimit:                cCtx.Float64(RateLimitFlag.Name),
		RateBurst:                cCtx.Int(RateBurstFlag.Name),
		TLS:                      cCtx.Bool(TLSFlag.Name),
		TLSCertFile:              cCtx.String(TLSCertFlag.Name),
		TLSKeyFile:               cCtx.String(TLSKeyFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

func ConfigureTracing(cCtx *cli.Context, service string) *common.TracingOpts {
	return &common.TracingOpts{
		Enabled:      cCtx.String(OtlpEndpointFlag.Name) != "",
		Endpoint:     cCtx.String(OtlpEndpointFlag.Name),
		Insecure:     cCtx.Bool(OtlpInsecureFlag.Name),
		ServiceName:  service,
		SamplingRate: cCtx.Float64(TraceSamplingFlag.Name),
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for API",
	EnvVars: []string{"LISTEN_ADDR"},
}

var APIPrefixFlag = &cli.StringFlag{
	Name:  "api-prefix",
	Value: httpserver.DefaultAPIPrefix,
	Usage: "path prefix the directory API is mounted under",
}

var StoreFlag = &cli.StringSliceFlag{
	Name:    "store",
	Value:   cli.NewStringSlice("memory://"),
	Usage:   "record store location URI; repeat to replicate writes (memory://, file://, s3://, vault://, sqlite://, mysql://)",
	EnvVars: []string{"DIRECTORY_STORE"},
}

var TokenSecretFlag = &cli.StringFlag{
	Name:    "token-secret",
	Usage:   "HMAC secret for bearer tokens, at least 32 bytes",
	EnvVars: []string{"TOKEN_SECRET"},
}

var TokenTTLFlag = &cli.DurationFlag{
	Name:  "token-ttl",
	Value: 12 * time.Hour,
	Usage: "lifetime of issued bearer tokens",
}

var TLSFlag = &cli.BoolFlag{
	Name:  "tls",
	Usage: "serve HTTPS; without --tls-cert and --tls-key a self-signed certificate is generated",
}

var TLSCertFlag = &cli.StringFlag{
	Name:  "tls-cert",
	Usage: "PEM certificate file",
}

var TLSKeyFlag = &cli.StringFlag{
	Name:  "tls-key",
	Usage: "PEM private key file",
}

var RateLimitFlag = &cli.Float64Flag{
	Name:  "rate-limit",
	Value: 20,
	Usage: "requests per second allowed per client address, 0 disables",
}

var RateBurstFlag = &cli.IntFlag{
	Name:  "rate-burst",
	Value: 40,
	Usage: "request burst allowed per client address",
}

var OtlpEndpointFlag = &cli.StringFlag{
	Name:    "otlp-endpoint",
	Usage:   "OTLP/gRPC collector endpoint; tracing is off when empty",
	EnvVars: []string{"OTEL_EXPORTER_OTLP_ENDPOINT"},
}

var OtlpInsecureFlag = &cli.BoolFlag{
	Name:  "otlp-insecure",
	Usage: "connect to the OTLP collector without TLS",
}

var TraceSamplingFlag = &cli.Float64Flag{
	Name:  "trace-sampling",
	Value: 1,
	Usage: "fraction of traces to sample",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var ServerFlags = []cli.Flag{
	ListenAddrFlag,
	APIPrefixFlag,
	PprofFlag,
	DrainSecondsFlag,
	TLSFlag,
	TLSCertFlag,
	TLSKeyFlag,
	RateLimitFlag,
	RateBurstFlag,
	OtlpEndpointFlag,
	OtlpInsecureFlag,
	TraceSamplingFlag,
}
