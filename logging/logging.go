package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
)

var (
	serviceLogger *log.Logger
	logWriter     io.Closer
	mu            sync.Mutex
	debugEnabled  bool
	isSetup       bool
)

// SetupLogger initializes the service logger writing to a rotating log file
// and, when debug is enabled, to stdout as well. Files rotate daily and are
// kept for a week.
func SetupLogger(logPath string, debug bool) error {
	mu.Lock()
	defer mu.Unlock()

	if isSetup {
		return nil
	}

	writer, err := rotatelogs.New(
		logPath+".%Y%m%d",
		rotatelogs.WithLinkName(logPath),
		rotatelogs.WithRotationTime(24*time.Hour),
		rotatelogs.WithMaxAge(7*24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to open rotating log %s: %w", logPath, err)
	}

	out := io.Writer(writer)
	if debug {
		out = io.MultiWriter(os.Stdout, writer)
	}

	serviceLogger = log.New(out, "", log.LstdFlags)
	serviceLogger.Printf("--- fingerid log started at %s ---", time.Now().Format(time.RFC3339))

	logWriter = writer
	debugEnabled = debug
	isSetup = true
	return nil
}

// CloseLogger flushes and closes the underlying log file.
func CloseLogger() {
	mu.Lock()
	defer mu.Unlock()

	if logWriter != nil {
		serviceLogger.Printf("--- fingerid log closed at %s ---", time.Now().Format(time.RFC3339))
		logWriter.Close()
		logWriter = nil
		isSetup = false
	}
}

// LogInfo logs an information message.
func LogInfo(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()

	if serviceLogger != nil {
		serviceLogger.Printf("INFO: "+format, args...)
	} else {
		log.Printf("INFO: "+format, args...)
	}
}

// DebugLog logs a message only when debug mode is enabled.
func DebugLog(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()

	if serviceLogger != nil && debugEnabled {
		serviceLogger.Printf("DEBUG: "+format, args...)
	}
}

// LogError logs an error message.
func LogError(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()

	if serviceLogger != nil {
		serviceLogger.Printf("ERROR: "+format, args...)
	} else {
		log.Printf("ERROR: "+format, args...)
	}
}

// LogWarning logs a warning message.
func LogWarning(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()

	if serviceLogger != nil {
		serviceLogger.Printf("WARNING: "+format, args...)
	} else {
		log.Printf("WARNING: "+format, args...)
	}
}

// LogDecision logs the outcome of one identification request.
func LogDecision(matched bool, employeeID int64, score, margin int, reason string, elapsed time.Duration) {
	mu.Lock()
	defer mu.Unlock()

	if serviceLogger == nil {
		return
	}
	if matched {
		serviceLogger.Printf("IDENTIFY: matched employee=%d score=%d margin=%d time=%s", employeeID, score, margin, elapsed)
	} else {
		serviceLogger.Printf("IDENTIFY: rejected reason=%s score=%d margin=%d time=%s", reason, score, margin, elapsed)
	}
}
