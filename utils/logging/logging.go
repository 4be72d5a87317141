package logging

import (
	"io"
	"log"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

type LogCode string

const (
	// SYSTEM EVENTS (SYSTEM*)
	SYSTEM LogCode = "SYSTEM"

	// DATA OPERATIONS (DATA*)
	FILE_VALIDATION LogCode = "FILE_VALIDATION"
	DATA_STORAGE    LogCode = "DATA_STORAGE"

	// UPLOAD OPERATIONS (UPLOAD*)
	UPLOAD_DEFINITION LogCode = "UPLOAD_DEFINITION"
	UPLOAD_ARCHIVE    LogCode = "UPLOAD_ARCHIVE"
	UPLOAD_SUBMIT     LogCode = "UPLOAD_SUBMIT"
	UPLOAD_PROCESS    LogCode = "UPLOAD_PROCESS"

	// CATALOG OPERATIONS (CATALOG*)
	CATALOG_RESOURCE   LogCode = "CATALOG_RESOURCE"
	CATALOG_COLLECTION LogCode = "CATALOG_COLLECTION"
	CATALOG_REQUEST    LogCode = "CATALOG_REQUEST"
	CATALOG_SEED       LogCode = "CATALOG_SEED"
)

// VictoriaLogs has fixed field name for time (_time) and message(_msg). This function maps fields msg -> _msg and time -> _time.
func convertKeysToVictoriaLogs(keys []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.Attr{Key: "_time", Value: slog.StringValue(a.Value.Time().Format("2006-01-02 15:04:05"))}
	}
	if a.Key == slog.MessageKey {
		return slog.Attr{Key: "_msg", Value: a.Value}
	}
	return a
}

func GetVictoriaLogsOptions(addSource bool) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		ReplaceAttr: convertKeysToVictoriaLogs,
		AddSource:   addSource,
	}
}

// Init sends JSON logs to logFile and text logs to stderr. The attrs are
// attached to every JSON record and are used for filtering.
func Init(logFile io.Writer, attrs ...slog.Attr) {
	log.SetFlags(log.Lshortfile | log.Ltime | log.Ldate)
	log.SetOutput(io.MultiWriter(logFile, os.Stderr))

	var jsonHandler slog.Handler = slog.NewJSONHandler(logFile, GetVictoriaLogsOptions(true))
	jsonHandler = jsonHandler.WithAttrs(attrs)
	textHandler := slog.NewTextHandler(os.Stderr, nil)

	slog.SetDefault(slog.New(slogmulti.Fanout(jsonHandler, textHandler)))
}
