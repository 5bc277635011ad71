package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/comigor/supportdesk/internal/config"
	"github.com/comigor/supportdesk/internal/history"
	"github.com/comigor/supportdesk/internal/llm"
	"github.com/comigor/supportdesk/internal/logger"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownSession is returned for ids that were never started.
	ErrUnknownSession = history.ErrUnknownSession
	// ErrEmptyInput is returned when a message has no text.
	ErrEmptyInput = errors.New("empty input")
	// ErrInvalidSessionID is returned for ids unusable as identifiers.
	ErrInvalidSessionID = errors.New("invalid session id")
)

// Source tells where a reply came from.
type Source string

const (
	SourceModel    Source = "model"
	SourceFallback Source = "fallback"
)

// Reply is the assistant's answer to one user message.
type Reply struct {
	Text   string
	Source Source
	// FallbackReason explains why the mock responder answered. Empty for model replies.
	FallbackReason string
}

// SaveResult describes a written transcript.
type SaveResult struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Turns     int    `json:"turns"`
}

const defaultSystemPrompt = "You are a helpful customer support assistant. Answer the customer's request accurately, politely and concisely."

// Agent is the support agent: it owns the conversation flow for every session.
type Agent struct {
	store      history.Store
	capability llm.Capability
	cfg        config.LLMConfig
	saveDir    string
	saveFormat string
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

// New creates a new agent. The capability is probed by the caller once and never re-checked.
func New(store history.Store, capability llm.Capability, appCfg config.Config) *Agent {
	cfg := appCfg.LLM
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	return &Agent{
		store:      store,
		capability: capability,
		cfg:        cfg,
		saveDir:    appCfg.History.SaveDir,
		saveFormat: strings.ToLower(appCfg.History.SaveFormat),
		now:        time.Now,
		sessions:   make(map[string]*sessionEntry),
	}
}

// ModelAvailable reports whether real inference is possible and, if not, why.
func (a *Agent) ModelAvailable() (bool, string) {
	return a.capability.Available(), a.capability.Reason()
}

// StartSession registers an empty history under id. An existing session is reset.
func (a *Agent) StartSession(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	e := a.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return a.start(ctx, id, e)
}

// EnsureSession starts id unless it already exists. The check and the start happen
// under the session lock, so concurrent callers never reset each other's turns.
func (a *Agent) EnsureSession(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	e, err := a.lookup(ctx, id)
	if errors.Is(err, ErrUnknownSession) {
		e, err = a.entry(id), nil
	}
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.canExchange() {
		return nil
	}
	return a.start(ctx, id, e)
}

// start resets id in the store and fires the start trigger. e.mu must be held.
func (a *Agent) start(ctx context.Context, id string, e *sessionEntry) error {
	if err := a.store.Reset(ctx, id, a.now()); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	if err := e.fsm.Fire(TriggerStart); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	logger.Session(id).Info("session started")
	return nil
}

// AddUserMessage runs one exchange: it records text, asks the model for a reply and
// records the reply. Provider failures never surface here; the mock responder answers
// instead and the Reply says so.
func (a *Agent) AddUserMessage(ctx context.Context, id, text string) (Reply, error) {
	e, err := a.lookup(ctx, id)
	if err != nil {
		return Reply{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.canExchange() {
		return Reply{}, ErrUnknownSession
	}
	if strings.TrimSpace(text) == "" {
		return Reply{}, ErrEmptyInput
	}

	log := logger.Session(id)
	if err := a.store.Append(ctx, id, history.Turn{Role: history.RoleUser, Content: text, CreatedAt: a.now()}); err != nil {
		return Reply{}, fmt.Errorf("append user turn: %w", err)
	}
	sess, err := a.store.Load(ctx, id)
	if err != nil {
		return Reply{}, fmt.Errorf("load session: %w", err)
	}

	reply := a.generate(ctx, a.buildRequest(sess.Turns))
	if reply.Source == SourceFallback {
		log.Warn("serving mock response", "reason", reply.FallbackReason)
	} else {
		log.Debug("model reply generated", "chars", len(reply.Text))
	}

	// The user turn is already stored; finish the exchange even if the caller went away.
	wctx := context.WithoutCancel(ctx)
	if err := a.store.Append(wctx, id, history.Turn{Role: history.RoleAssistant, Content: reply.Text, CreatedAt: a.now()}); err != nil {
		return Reply{}, fmt.Errorf("append assistant turn: %w", err)
	}
	if err := e.fsm.FireCtx(wctx, TriggerExchange); err != nil {
		return Reply{}, fmt.Errorf("advance session: %w", err)
	}
	return reply, nil
}

// Session returns a snapshot of the session's history.
func (a *Agent) Session(ctx context.Context, id string) (*history.Session, error) {
	if _, err := a.lookup(ctx, id); err != nil {
		return nil, err
	}
	return a.store.Load(ctx, id)
}

// State returns the lifecycle state of id; StateNone for unknown sessions.
func (a *Agent) State(ctx context.Context, id string) SessionState {
	e, err := a.lookup(ctx, id)
	if err != nil {
		return StateNone
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state()
}

// SaveChat writes the session transcript to the save directory as JSON or YAML.
func (a *Agent) SaveChat(ctx context.Context, id string) (SaveResult, error) {
	e, err := a.lookup(ctx, id)
	if err != nil {
		return SaveResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, err := a.store.Load(ctx, id)
	if err != nil {
		return SaveResult{}, err
	}

	var (
		data []byte
		ext  string
	)
	switch a.saveFormat {
	case "yaml", "yml":
		data, err = yaml.Marshal(sess)
		ext = ".yaml"
	default:
		data, err = json.MarshalIndent(sess, "", "  ")
		ext = ".json"
	}
	if err != nil {
		return SaveResult{}, fmt.Errorf("encode transcript: %w", err)
	}

	dir := a.saveDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return SaveResult{}, fmt.Errorf("create save dir: %w", err)
	}
	path := filepath.Join(dir, id+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return SaveResult{}, fmt.Errorf("write transcript: %w", err)
	}

	logger.Session(id).Info("chat saved", "path", path, "turns", len(sess.Turns))
	return SaveResult{SessionID: id, Path: path, Turns: len(sess.Turns)}, nil
}

// generate asks the provider for a reply and falls back to the mock responder.
func (a *Agent) generate(ctx context.Context, req llm.Request) Reply {
	provider, ok := a.capability.Get()
	if !ok {
		return Reply{Text: llm.MockResponse(req.Prompt), Source: SourceFallback, FallbackReason: a.capability.Reason()}
	}
	text, err := provider.Generate(ctx, req)
	if err != nil {
		logger.L.Error("LLM call failed", "error", err)
		return Reply{Text: llm.MockResponse(req.Prompt), Source: SourceFallback, FallbackReason: err.Error()}
	}
	return Reply{Text: text, Source: SourceModel}
}

func (a *Agent) buildRequest(turns []history.Turn) llm.Request {
	messages := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	return llm.Request{
		Prompt:      renderPrompt(a.cfg.SystemPrompt, turns),
		System:      a.cfg.SystemPrompt,
		Messages:    messages,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
	}
}

// renderPrompt flattens the system prompt and history into a completion prompt
// ending with an open assistant line.
func renderPrompt(system string, turns []history.Turn) string {
	var b strings.Builder
	if system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}
	for _, t := range turns {
		switch t.Role {
		case history.RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	b.WriteString("Assistant:")
	return b.String()
}

// entry returns the in-memory entry for id, creating it in StateNone.
func (a *Agent) entry(id string) *sessionEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.sessions[id]
	if !ok {
		e = newSessionEntry(id, StateNone)
		a.sessions[id] = e
	}
	return e
}

// lookup finds a started session. Sessions that exist only in a persistent store,
// for example after a restart, are adopted as started or active.
func (a *Agent) lookup(ctx context.Context, id string) (*sessionEntry, error) {
	a.mu.Lock()
	e, ok := a.sessions[id]
	a.mu.Unlock()
	if ok {
		return e, nil
	}

	sess, err := a.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	initial := StateStarted
	if len(sess.Turns) > 0 {
		initial = StateActive
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.sessions[id]; ok {
		return e, nil
	}
	e = newSessionEntry(id, initial)
	a.sessions[id] = e
	return e, nil
}

func validateID(id string) error {
	if id == "" || len(id) > 128 || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}
