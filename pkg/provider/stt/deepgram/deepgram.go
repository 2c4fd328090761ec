// Package deepgram provides an STT provider backed by the Deepgram streaming
// websocket API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchline/internal/resilience"
	"github.com/MrWong99/switchline/pkg/provider/stt"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 8000
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the Deepgram model, e.g. "nova-3" or "nova-2-phonecall".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language used when a session does not
// specify one.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate sets the default sample rate.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithEndpoint overrides the websocket endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements stt.Provider.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
}

// New creates a Deepgram provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials Deepgram and returns a live session. The session's
// lifetime is bound to ctx as well as to Close.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("deepgram: build URL: %w", err))
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		err = fmt.Errorf("deepgram: dial: %w", err)
		if resp != nil {
			// A refused handshake, e.g. a bad key or unsupported model.
			return nil, resilience.PermanentStatus(resp.StatusCode, err)
		}
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		conn:     conn,
		cancel:   cancel,
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		outbox:   make(chan outMsg, 256),
		done:     make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop(sctx)
	go s.writeLoop(sctx)
	context.AfterFunc(ctx, func() { _ = s.Close() })
	return s, nil
}

func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	for _, kw := range cfg.Keywords {
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// response is a Deepgram "Results" message. Other message types are
// ignored.
type response struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type outMsg struct {
	typ  websocket.MessageType
	data []byte
}

var (
	msgFinalize    = outMsg{typ: websocket.MessageText, data: []byte(`{"type":"Finalize"}`)}
	msgCloseStream = outMsg{typ: websocket.MessageText, data: []byte(`{"type":"CloseStream"}`)}
)

type session struct {
	conn     *websocket.Conn
	cancel   context.CancelFunc
	partials chan stt.Transcript
	finals   chan stt.Transcript
	outbox   chan outMsg

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *session) send(m outMsg) error {
	select {
	case <-s.done:
		return stt.ErrClosed
	default:
	}
	select {
	case s.outbox <- m:
		return nil
	case <-s.done:
		return stt.ErrClosed
	}
}

// SendAudio queues a PCM chunk.
func (s *session) SendAudio(chunk []byte) error {
	return s.send(outMsg{typ: websocket.MessageBinary, data: chunk})
}

// Finalize asks Deepgram to flush its buffer into a final result.
func (s *session) Finalize() error { return s.send(msgFinalize) }

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

// Close flushes queued audio, tells Deepgram to close the stream and waits
// briefly for the server to finish.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		wait := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(wait)
		}()
		select {
		case <-wait:
		case <-time.After(2 * time.Second):
		}
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		<-wait
	})
	return nil
}

func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case m := <-s.outbox:
			if err := s.conn.Write(ctx, m.typ, m.data); err != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case m := <-s.outbox:
					_ = s.conn.Write(ctx, m.typ, m.data)
				default:
					_ = s.conn.Write(ctx, msgCloseStream.typ, msgCloseStream.data)
					return
				}
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		t, ok := parseResponse(msg)
		if !ok {
			continue
		}
		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-ctx.Done():
			return
		}
	}
}

// parseResponse converts a Deepgram message into a transcript. Messages that
// carry no transcript report false.
func parseResponse(data []byte) (stt.Transcript, bool) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}
	alt := resp.Channel.Alternatives[0]
	return stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Duration:   time.Duration(resp.Duration * float64(time.Second)),
	}, true
}
