package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/ent0n29/consultd/internal/audio"
	"github.com/ent0n29/consultd/internal/protocol"
)

type options struct {
	baseURL     string
	patientID   string
	mode        string
	language    string
	texts       []string
	wavPath     string
	turnTimeout time.Duration
	verbose     bool
}

type createSessionRequest struct {
	PatientID string `json:"patient_id"`
	Mode      string `json:"mode,omitempty"`
	Language  string `json:"language,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type string `json:"type"`
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`
	Code string `json:"code,omitempty"`
	Data struct {
		Status string `json:"status"`
	} `json:"data"`
}

var defaultUtterances = []string{
	"I've had a headache for three days.",
	"It gets worse in the evening and I feel a bit dizzy.",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "consultcheck: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "consultcheck: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	flagSet := pflag.NewFlagSet("consultcheck", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "consultd base URL")
	flagSet.StringVar(&cfg.patientID, "patient-id", "check-patient", "patient_id for the session")
	flagSet.StringVar(&cfg.mode, "mode", "", "session mode: voice, text or scribe (default voice, or text when only texts are sent)")
	flagSet.StringVar(&cfg.language, "language", "en", "preferred session language")
	flagSet.StringArrayVarP(&cfg.texts, "text", "t", nil, "patient message to send (repeatable)")
	flagSet.StringVar(&cfg.wavPath, "wav", "", "16-bit PCM WAV file sent as one utterance")
	flagSet.DurationVar(&cfg.turnTimeout, "turn-timeout", 30*time.Second, "timeout waiting for each reply")
	flagSet.BoolVarP(&cfg.verbose, "verbose", "v", false, "print every envelope")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.patientID) == "" {
		return options{}, fmt.Errorf("patient-id is required")
	}
	if cfg.turnTimeout < time.Second {
		cfg.turnTimeout = time.Second
	}
	if len(cfg.texts) == 0 && cfg.wavPath == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	}
	if cfg.mode == "" {
		cfg.mode = "voice"
		if cfg.wavPath == "" {
			cfg.mode = "text"
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var utterance []byte
	if cfg.wavPath != "" {
		raw, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return err
		}
		pcm, err := audio.DecodeWAVPCM16LE(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", cfg.wavPath, err)
		}
		fmt.Printf("consultcheck: wav sample_rate=%dHz channels=%d duration=%s\n", pcm.SampleRate, pcm.Channels, pcm.Duration())
		utterance = raw
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()
	fmt.Printf("consultcheck: session=%s mode=%s\n", sessionID, cfg.mode)

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	started := time.Now()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan wsEnvelope, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh, cfg.verbose)

	if _, err := await(events, readErrCh, cfg.turnTimeout, isReady); err != nil {
		return fmt.Errorf("await ready: %w", err)
	}
	fmt.Printf("consultcheck: ready after %s\n", time.Since(started).Round(time.Millisecond))

	for i, text := range cfg.texts {
		turnStart := time.Now()
		if err := conn.WriteJSON(protocol.ClientText{Type: protocol.TypeText, Text: text}); err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		reply, err := await(events, readErrCh, cfg.turnTimeout, isAssistantTranscript)
		if err != nil {
			return fmt.Errorf("turn %d await reply: %w", i+1, err)
		}
		fmt.Printf("consultcheck: turn %d latency=%s\n  patient: %s\n  assistant: %s\n", i+1, time.Since(turnStart).Round(time.Millisecond), text, reply.Text)
	}

	if utterance != nil {
		turnStart := time.Now()
		if err := conn.WriteJSON(protocol.ClientAudioMeta{Type: protocol.TypeAudioMeta, MimeType: "audio/wav"}); err != nil {
			return fmt.Errorf("send audio meta: %w", err)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, utterance); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		match := isAssistantTranscript
		if cfg.mode == "scribe" {
			match = isUserTranscript
		}
		reply, err := await(events, readErrCh, cfg.turnTimeout, match)
		if err != nil {
			return fmt.Errorf("audio turn: %w", err)
		}
		fmt.Printf("consultcheck: audio turn latency=%s %s: %s\n", time.Since(turnStart).Round(time.Millisecond), reply.Role, reply.Text)
	}

	if err := conn.WriteJSON(protocol.ClientEnd{Type: protocol.TypeEnd}); err != nil {
		return fmt.Errorf("send end: %w", err)
	}
	if _, err := await(events, readErrCh, cfg.turnTimeout, isEnded); err != nil {
		return fmt.Errorf("await end: %w", err)
	}
	fmt.Println("consultcheck: session ended")
	return nil
}

func isReady(env wsEnvelope) bool {
	return env.Type == string(protocol.TypeStatus) && env.Data.Status == protocol.StatusReady
}

func isEnded(env wsEnvelope) bool {
	return env.Type == string(protocol.TypeStatus) && env.Data.Status == protocol.StatusEnded
}

func isAssistantTranscript(env wsEnvelope) bool {
	return env.Type == string(protocol.TypeTranscript) && env.Role == "assistant"
}

func isUserTranscript(env wsEnvelope) bool {
	return env.Type == string(protocol.TypeTranscript) && env.Role == "user"
}

// await returns the first envelope matching match. Error envelopes and a
// failed status end the wait.
func await(events <-chan wsEnvelope, readErrCh <-chan error, timeout time.Duration, match func(wsEnvelope) bool) (wsEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-events:
			if match(env) {
				return env, nil
			}
			if env.Type == string(protocol.TypeError) {
				return env, fmt.Errorf("server error code=%s: %s", env.Code, env.Text)
			}
			if env.Type == string(protocol.TypeStatus) && env.Data.Status == protocol.StatusFailed {
				return env, fmt.Errorf("session failed")
			}
		case err := <-readErrCh:
			return wsEnvelope{}, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return wsEnvelope{}, fmt.Errorf("timed out after %s", timeout)
		}
	}
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createSessionRequest{
		PatientID: cfg.patientID,
		Mode:      cfg.mode,
		Language:  cfg.language,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/consult/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/consult/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/consult/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "consultcheck: <- %s\n", preview(data))
		}
		events <- env
	}
}

func preview(data []byte) string {
	const limit = 200
	if len(data) <= limit {
		return string(data)
	}
	return string(data[:limit]) + "..."
}
