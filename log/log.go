package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog       zerolog.Logger
	diagFile      *os.File
	interviewFile *os.File
	logMu         sync.Mutex
	logReady      bool
	pid           int
	dir           string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		if !filepath.IsAbs(flagPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, flagPath), nil
		}
		return flagPath, nil
	}

	// Priority 2: KRACK_LOG_PATH environment variable
	envPath := os.Getenv("KRACK_LOG_PATH")
	if envPath != "" {
		if !filepath.IsAbs(envPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, envPath), nil
		}
		return envPath, nil
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	interviewPath := filepath.Join(dir, "interview_log.txt")
	interviewFile, err = os.OpenFile(interviewPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if interviewFile != nil {
		interviewFile.Close()
		interviewFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// InterviewText appends a transcript fragment or generated answer to the
// interview log. Kept separate from diagnostics so a session can be reviewed
// without wading through structured events.
func InterviewText(kind, text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	line := fmt.Sprintf("%s\t[%d]\t%s\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, kind, text)
	interviewFile.WriteString(line)
}

func SessionStart(backend string, loopback bool) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("backend", backend).
		Bool("loopback", loopback).
		Msg("session_start")
}

func SessionEnd(questions int, elapsedS uint64) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("questions", questions).
		Uint64("elapsed_s", elapsedS).
		Msg("session_end")
}

func HeartbeatResult(remaining, consumed float64) {
	if !logReady {
		return
	}
	diagLog.Info().
		Float64("remaining_min", remaining).
		Float64("consumed_min", consumed).
		Msg("heartbeat")
}

func AnswerMetrics(latency time.Duration, questionChars, answerChars int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Float64("latency_ms", float64(latency.Milliseconds())).
		Int("question_chars", questionChars).
		Int("answer_chars", answerChars).
		Msg("answer_generated")
}

type StreamMetricsData struct {
	SentFrames   int
	SentKB       float64
	RecvMessages int
	RecvDeltas   int
	AudioS       float64
	TotalMs      float64
}

func StreamMetrics(m StreamMetricsData) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("sent_frames", m.SentFrames).
		Float64("sent_kb", m.SentKB).
		Int("recv_messages", m.RecvMessages).
		Int("recv_deltas", m.RecvDeltas).
		Float64("audio_s", m.AudioS).
		Float64("total_ms", m.TotalMs).
		Msg("stream_session")
}
