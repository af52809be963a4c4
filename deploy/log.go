package deploy

import (
	"fmt"
	"log/slog"

	"github.com/depker/depker/domain"
	"github.com/depker/depker/repository"
)

// deployLog appends lines to the stored log of one deploy and mirrors them to slog
type deployLog struct {
	deployID uint
	service  string
	repo     repository.DeployRepository
	logger   *slog.Logger
}

func (l *deployLog) write(level domain.LogLevel, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if err := l.repo.AppendLog(l.deployID, level, text); err != nil {
		l.logger.Error("Failed to append deploy log",
			"operation", "AppendLog",
			"deploy_id", l.deployID,
			"error", err)
	}

	attrs := []any{"service", l.service, "deploy_id", l.deployID}
	switch level {
	case domain.LogError:
		l.logger.Error(text, attrs...)
	case domain.LogDebug:
		l.logger.Debug(text, attrs...)
	default:
		l.logger.Info(text, attrs...)
	}
}

func (l *deployLog) Debug(format string, args ...any) { l.write(domain.LogDebug, format, args...) }
func (l *deployLog) Info(format string, args ...any)  { l.write(domain.LogInfo, format, args...) }
func (l *deployLog) Step(format string, args ...any)  { l.write(domain.LogStep, format, args...) }
func (l *deployLog) Done(format string, args ...any)  { l.write(domain.LogSuccess, format, args...) }

// Error records the message and the full error chain
func (l *deployLog) Error(err error, format string, args ...any) {
	l.write(domain.LogError, "%s: %+v", fmt.Sprintf(format, args...), err)
}

// Raw appends an engine output line without mirroring it to slog
func (l *deployLog) Raw(text string) {
	if err := l.repo.AppendLog(l.deployID, domain.LogDebug, text); err != nil {
		l.logger.Error("Failed to append deploy log",
			"operation", "AppendLog",
			"deploy_id", l.deployID,
			"error", err)
	}
}
