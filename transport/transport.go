// Package transport maintains the bidirectional streaming connection to the
// transcription backend: context and audio frames out, transcript and error
// events in.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"krack/audio"
	"krack/log"
)

var ErrUnavailable = errors.New("transport unavailable")

// Backend hiccups matching these substrings are transient; they are logged
// but never interrupt the user.
var recoverableErrors = []string{
	"temporarily unavailable",
	"rate limit",
	"please retry",
	"overloaded",
}

func isRecoverable(message string) bool {
	lower := strings.ToLower(message)
	for _, s := range recoverableErrors {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

type Config struct {
	URL            string
	Token          string
	ResumeText     string
	JobDescription string
}

type Stats struct {
	SentFrames   int
	SentBytes    uint64
	RecvMessages int
	RecvDeltas   int
	StartedAt    time.Time
}

type Session struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	frames chan []byte
	events chan Event

	sendDone chan struct{}
	recvDone chan struct{}

	mu      sync.Mutex
	closing bool
	stats   Stats

	closeOnce sync.Once
}

// Dial opens the stream and sends the set-context control message before
// returning. The session owns its own lifetime after a successful dial; ctx
// bounds only the handshake.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	headers := http.Header{}
	if cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+cfg.Token)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	conn, _, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &Session{
		conn:     conn,
		ctx:      streamCtx,
		cancel:   cancel,
		frames:   make(chan []byte, 256),
		events:   make(chan Event, 32),
		sendDone: make(chan struct{}),
		recvDone: make(chan struct{}),
	}
	s.stats.StartedAt = time.Now()

	if err := s.write(outboundMsg{
		Type:           msgSetContext,
		ResumeText:     cfg.ResumeText,
		JobDescription: cfg.JobDescription,
	}); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "set-context failed")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	go s.runSender()
	go s.runReceiver()
	return s, nil
}

func (s *Session) write(msg outboundMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// SendFrame queues one PCM16 frame. Frames leave in queue order, which is
// capture order. The call never blocks the audio thread: when the socket
// cannot drain fast enough the frame is dropped with a warning rather than
// stalling capture.
func (s *Session) SendFrame(pcm []byte) error {
	select {
	case <-s.ctx.Done():
		return ErrUnavailable
	default:
	}
	select {
	case s.frames <- pcm:
		return nil
	default:
		log.Warn("audio frame dropped: send queue full")
		return nil
	}
}

// Events delivers inbound transcript and error events in receipt order. The
// channel closes when the stream is gone; a disconnect mid-session surfaces
// exactly one EventDisconnected first.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) runSender() {
	defer close(s.sendDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case pcm := <-s.frames:
			if err := s.write(outboundMsg{Type: msgAudioChunk, Audio: pcm, MimeType: pcmMimeType}); err != nil {
				s.mu.Lock()
				closing := s.closing
				s.mu.Unlock()
				if !closing {
					log.Warnf("frame send failed: %v", err)
				}
				return
			}
			s.mu.Lock()
			s.stats.SentFrames++
			s.stats.SentBytes += uint64(len(pcm))
			s.mu.Unlock()
		}
	}
}

func (s *Session) runReceiver() {
	defer close(s.recvDone)
	defer close(s.events)
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if !closing {
				log.Warnf("stream closed: %v", err)
				s.emit(Event{Type: EventDisconnected, Message: "transcription stream disconnected"})
			}
			return
		}

		var msg inboundMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warnf("unparseable stream message: %v", err)
			continue
		}

		s.mu.Lock()
		s.stats.RecvMessages++
		if msg.Type == EventDelta {
			s.stats.RecvDeltas++
		}
		s.mu.Unlock()

		switch msg.Type {
		case EventTranscription, EventDelta:
			if !s.emit(Event{Type: msg.Type, Text: msg.Text}) {
				return
			}
		case EventError:
			if isRecoverable(msg.Message) {
				log.Warnf("recoverable backend error: %s", msg.Message)
				continue
			}
			if !s.emit(Event{Type: EventError, Message: msg.Message}) {
				return
			}
		default:
			// info | context-set | chunk-received: informational only.
			log.Infof("stream info: %s", msg.Type)
		}
	}
}

// emit delivers an event unless the session is being torn down; blocking on a
// full channel must never outlive the session.
func (s *Session) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Close tears the stream down. Idempotent; outstanding sends fail silently
// afterwards.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		s.conn.Close(websocket.StatusNormalClosure, "")
		s.cancel()

		select {
		case <-s.recvDone:
		case <-time.After(2 * time.Second):
			log.Warn("stream receiver drain timeout")
		}
		<-s.sendDone

		st := s.Stats()
		log.StreamMetrics(log.StreamMetricsData{
			SentFrames:   st.SentFrames,
			SentKB:       float64(st.SentBytes) / 1024,
			RecvMessages: st.RecvMessages,
			RecvDeltas:   st.RecvDeltas,
			AudioS:       float64(st.SentBytes) / 2 / float64(audio.SampleRate),
			TotalMs:      float64(time.Since(st.StartedAt).Milliseconds()),
		})
	})
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
