package log

import (
	"go.uber.org/zap"
)

var Logger *zap.SugaredLogger

func init() {
	config := zap.NewProductionConfig()
	config.DisableStacktrace = true
	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	Logger = logger.Sugar()
}

// SetLogger replaces the module logger, e.g. with a development logger from
// the CLI's --verbose flag.
func SetLogger(l *zap.SugaredLogger) {
	Logger = l
}
