package log

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kafgate/kafgate/pkg/util"
)

var (
	// Logger is a shared go-kit logger.
	// Prefer accepting a non-global logger as an argument.
	Logger = log.NewNopLogger()

	plogger *prometheusLogger
)

// InitLogger initialises the global logger (Logger) and returns it. format
// is one of dslog.LogfmtFormat (the default) or dslog.JSONFormat.
func InitLogger(l dslog.Level, format string, reg prometheus.Registerer) log.Logger {
	logger := newPrometheusLogger(l, format, log.NewSyncWriter(os.Stderr), reg)
	// when using the package-level Logger, skip 5 stack frames.
	logger = log.With(logger, "caller", log.Caller(5))

	Logger = logger
	return logger
}

// newPrometheusLogger creates a logger that exports a counter of log
// messages per level.
func newPrometheusLogger(l dslog.Level, format string, writer io.Writer, reg prometheus.Registerer) log.Logger {
	logMessages := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "kafgate",
		Name:      "log_messages_total",
		Help:      "Total number of log messages.",
	}, []string{"level"})
	// Initialise counters for all supported levels.
	for _, lv := range []level.Value{
		level.DebugValue(),
		level.InfoValue(),
		level.WarnValue(),
		level.ErrorValue(),
	} {
		logMessages.WithLabelValues(lv.String())
	}

	var base log.Logger
	if format == dslog.JSONFormat {
		base = log.NewJSONLogger(writer)
	} else {
		base = log.NewLogfmtLogger(writer)
	}

	plogger = &prometheusLogger{
		baseLogger:  base,
		logMessages: logMessages,
	}
	plogger.setLevel(l.Option)

	// return a Logger without caller information, shouldn't use directly
	return log.With(plogger, "ts", log.DefaultTimestampUTC)
}

// prometheusLogger exposes a Prometheus counter for each of go-kit's log
// levels.
type prometheusLogger struct {
	baseLogger  log.Logger
	leveled     log.SwapLogger
	logMessages *prometheus.CounterVec
}

// setLevel changes the level filter applied on top of baseLogger. Safe to
// call concurrently with Log.
func (pl *prometheusLogger) setLevel(option level.Option) {
	pl.leveled.Swap(level.NewFilter(pl.baseLogger, option))
}

// Log increments the appropriate Prometheus counter depending on the log
// level.
func (pl *prometheusLogger) Log(kv ...interface{}) error {
	if err := pl.leveled.Log(kv...); err != nil {
		return err
	}
	l := "unknown"
	for i := 1; i < len(kv); i += 2 {
		if v, ok := kv[i].(level.Value); ok {
			l = v.String()
			break
		}
	}
	pl.logMessages.WithLabelValues(l).Inc()
	return nil
}

// LevelHandler returns a handler that reports the current log level on GET
// and updates it from the log_level form value on POST.
func LevelHandler(currentLogLevel *dslog.Level) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			util.WriteJSONResponse(w, map[string]string{
				"message": fmt.Sprintf("Current log level is %s", currentLogLevel.String()),
			})
		case http.MethodPost:
			logLevel := r.FormValue("log_level")
			if err := currentLogLevel.Set(logLevel); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				util.WriteJSONResponse(w, map[string]string{
					"status":  "failed",
					"message": err.Error(),
				})
				return
			}

			plogger.setLevel(currentLogLevel.Option)
			msg := fmt.Sprintf("Log level set to %s", logLevel)
			level.Info(Logger).Log("msg", msg)
			util.WriteJSONResponse(w, map[string]string{
				"status":  "success",
				"message": msg,
			})
		}
	}
}

// CheckFatal prints an error and exits with error code 1 if err is non-nil.
func CheckFatal(location string, err error, logger log.Logger) {
	if err == nil {
		return
	}

	errLogger := level.Error(logger)
	if location != "" {
		errLogger = log.With(errLogger, "msg", "error "+location)
	}
	// %+v gets the stack trace from errors using github.com/pkg/errors
	errLogger.Log("err", fmt.Sprintf("%+v", err))
	os.Exit(1)
}
