package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchline/internal/resilience"
	"github.com/MrWong99/switchline/pkg/provider/tts"
)

func TestNew(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		key     string
		opts    []Option
		rate    int
		wantErr bool
	}{
		{name: "defaults", key: "k", rate: 16000},
		{name: "24k", key: "k", opts: []Option{WithOutputFormat("pcm_24000")}, rate: 24000},
		{name: "empty key", key: "", wantErr: true},
		{name: "mp3 rejected", key: "k", opts: []Option{WithOutputFormat("mp3_44100_128")}, wantErr: true},
		{name: "bad rate", key: "k", opts: []Option{WithOutputFormat("pcm_fast")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(tt.key, tt.opts...)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if p.SampleRate() != tt.rate {
				t.Errorf("SampleRate = %d, want %d", p.SampleRate(), tt.rate)
			}
		})
	}
}

func TestStreamURL(t *testing.T) {
	t.Parallel()
	p, _ := New("k", WithModel("eleven_turbo_v2_5"))
	u, err := url.Parse(p.streamURL("voice 1"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(u.Path, "/v1/text-to-speech/voice 1/stream-input") {
		t.Errorf("path = %q", u.Path)
	}
	if u.Query().Get("model_id") != "eleven_turbo_v2_5" || u.Query().Get("output_format") != "pcm_16000" {
		t.Errorf("query = %v", u.Query())
	}
}

func TestDecodeAudio(t *testing.T) {
	t.Parallel()
	pcm, final, err := decodeAudio([]byte(`{"audio":"` + base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}) + `","isFinal":false}`))
	if err != nil || final || len(pcm) != 4 {
		t.Errorf("audio chunk: pcm=%v final=%v err=%v", pcm, final, err)
	}
	if _, final, err := decodeAudio([]byte(`{"isFinal":true}`)); err != nil || !final {
		t.Errorf("final marker: final=%v err=%v", final, err)
	}
	if _, _, err := decodeAudio([]byte(`{"error":"quota_exceeded","message":"out of credits"}`)); err == nil {
		t.Error("expected error for error message")
	}
}

func TestSentenceHelpers(t *testing.T) {
	t.Parallel()
	if !endsSentence("Your table is booked. ") || endsSentence("Let me check") || endsSentence("  ") {
		t.Error("endsSentence mismatch")
	}
	if ensureTrailingSpace("Hi") != "Hi " || ensureTrailingSpace("Hi ") != "Hi " {
		t.Error("ensureTrailingSpace mismatch")
	}
}

func TestSynthesizeStream(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var received []textMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var msg textMessage
			_ = json.Unmarshal(data, &msg)
			mu.Lock()
			received = append(received, msg)
			mu.Unlock()
			switch {
			case msg.Text == "":
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"isFinal":true}`))
				c.Close(websocket.StatusNormalClosure, "")
				return
			case msg.Text != " ":
				audio := base64.StdEncoding.EncodeToString(make([]byte, 320))
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"audio":"`+audio+`"}`))
			}
		}
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL("ws"+strings.TrimPrefix(srv.URL, "http")))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text := make(chan string, 4)
	text <- "Thank you for calling."
	text <- "How can I help?"
	close(text)

	audio, err := p.SynthesizeStream(ctx, text, tts.Voice{ID: "rachel"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	chunks := 0
	for range audio {
		chunks++
	}
	if chunks != 2 {
		t.Errorf("chunks = %d, want 2", chunks)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 4 {
		t.Fatalf("server received %d messages, want 4", len(received))
	}
	if received[0].XiAPIKey != "key" || received[0].VoiceSettings == nil {
		t.Errorf("init message = %+v", received[0])
	}
	if received[1].Text != "Thank you for calling. " || !received[1].Flush {
		t.Errorf("first fragment = %+v", received[1])
	}
}

func TestSynthesizeStream_RequiresVoice(t *testing.T) {
	t.Parallel()
	p, _ := New("key")
	attempts := 0
	_, err := resilience.Retry(context.Background(), resilience.RetryPolicy{MaxAttempts: 3}, func(ctx context.Context) (<-chan []byte, error) {
		attempts++
		return p.SynthesizeStream(ctx, make(chan string), tts.Voice{})
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, a missing voice is not retried", attempts)
	}
}

func TestSynthesizeStream_HandshakeFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		wantHits int32
	}{
		{name: "bad key", status: http.StatusUnauthorized, wantHits: 1},
		{name: "unknown voice", status: http.StatusNotFound, wantHits: 1},
		{name: "overloaded", status: http.StatusTooManyRequests, wantHits: 3},
		{name: "server error", status: http.StatusInternalServerError, wantHits: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				http.Error(w, http.StatusText(tt.status), tt.status)
			}))
			defer srv.Close()

			p, _ := New("key", WithBaseURL("ws"+strings.TrimPrefix(srv.URL, "http")))
			policy := resilience.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
			_, err := resilience.Retry(context.Background(), policy, func(ctx context.Context) (<-chan []byte, error) {
				text := make(chan string)
				close(text)
				return p.SynthesizeStream(ctx, text, tts.Voice{ID: "rachel"})
			})
			if err == nil {
				t.Fatal("expected dial error")
			}
			if got := hits.Load(); got != tt.wantHits {
				t.Errorf("handshakes = %d, want %d", got, tt.wantHits)
			}
		})
	}
}
