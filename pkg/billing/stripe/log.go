package stripe

import (
	"fmt"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// leveledLogger sends stripe-go's own request logging through an
// entitlement.Logger instead of stderr. Request traces are logged at debug.
type leveledLogger struct {
	logger entitlement.Logger
}

func (l leveledLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), entitlement.Field{Key: "provider", Value: providerName})
}

func (l leveledLogger) Infof(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), entitlement.Field{Key: "provider", Value: providerName})
}

func (l leveledLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...), entitlement.Field{Key: "provider", Value: providerName})
}

func (l leveledLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...), entitlement.Field{Key: "provider", Value: providerName})
}
