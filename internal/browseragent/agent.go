// Package browseragent drives a visible browser from a vision model: the
// model sees screenshots and replies with structured commands, and can pause
// the session to ask the user a question through the event stream.
package browseragent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"taskweave/internal/events"
	"taskweave/internal/gateway"
	"taskweave/internal/logging"
	"taskweave/internal/session"
)

// ChatModel is the model surface the agent needs.
type ChatModel interface {
	Chat(ctx context.Context, history []gateway.Message, model string, opts *gateway.ChatOptions) (string, error)
}

// Command is the structured reply the vision model produces each turn.
// Either Action is set (with its coordinates or payload) or Message carries
// a question for the user.
type Command struct {
	Action  string   `json:"action"` // click, scroll, keypress, type, double_click, wait
	X       float64  `json:"x"`
	Y       float64  `json:"y"`
	Keys    []string `json:"keys"`
	Text    string   `json:"text"`
	Message string   `json:"message"`
}

// Agent runs the screenshot/act loop.
type Agent struct {
	driver  Driver
	model   ChatModel
	vision  string // vision-capable model
	small   string // cheap stop/continue classifier
	store   session.Store
	emitter events.Emitter

	CommandTimeout  time.Duration // per browser command
	FollowUpTimeout time.Duration // wall clock for the user's reply
	PollInterval    time.Duration
	MaxTurns        int
	WaitPause       time.Duration // duration of the wait action
}

// New builds a browser agent with default timing.
func New(driver Driver, model ChatModel, visionModel, smallModel string, store session.Store, emitter events.Emitter) *Agent {
	return &Agent{
		driver:          driver,
		model:           model,
		vision:          visionModel,
		small:           smallModel,
		store:           store,
		emitter:         emitter,
		CommandTimeout:  5 * time.Second,
		FollowUpTimeout: 60 * time.Second,
		PollInterval:    time.Second,
		MaxTurns:        30,
		WaitPause:       time.Second,
	}
}

const systemPrompt = `You control a web browser by looking at screenshots.
Each turn, reply with a JSON object in one of two forms:
1. An action: {"action": "click|scroll|keypress|type|double_click|wait", "x": <px>, "y": <px>, "keys": ["enter"], "text": "..."}
   - click/double_click use x,y; scroll uses x,y as horizontal/vertical deltas; type inserts text at the focus; keypress presses the named keys; wait pauses briefly.
2. A question for the user: {"message": "..."}
Ask a question only when you cannot proceed without the user. When the task is complete, send a message summarizing the outcome.`

// Run executes the task and returns the model's closing message.
func (a *Agent) Run(ctx context.Context, task, sessionID string) (string, error) {
	timer := logging.StartTimer(logging.CategoryBrowser, "Run "+sessionID)
	defer timer.Stop()

	url, err := a.chooseStartURL(ctx, task)
	if err != nil {
		return "", err
	}
	logging.Browser("session %s: starting at %s", sessionID, url)
	if err := a.command(ctx, func(c context.Context) error { return a.driver.Navigate(c, url) }); err != nil {
		return "", err
	}

	history := []gateway.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: "Task: " + task},
	}
	lastMessage := ""

	for turn := 1; turn <= a.MaxTurns; turn++ {
		shot, err := a.driver.Screenshot(ctx)
		if err != nil {
			return "", fmt.Errorf("screenshot: %w", err)
		}

		reply, err := a.model.Chat(ctx, history, a.vision, &gateway.ChatOptions{
			ImageBase64:    base64.StdEncoding.EncodeToString(shot),
			ImageExt:       "png",
			ResponseFormat: "json_object",
		})
		if err != nil {
			return "", fmt.Errorf("vision model: %w", err)
		}
		history = append(history, gateway.Message{Role: "assistant", Content: reply})

		var cmd Command
		if err := json.Unmarshal([]byte(gateway.SanitizeResponse(reply)), &cmd); err != nil {
			history = append(history, gateway.Message{Role: "user", Content: "Your reply was not valid JSON. Send one JSON object as instructed."})
			continue
		}

		if cmd.Action == "" && cmd.Message != "" {
			lastMessage = cmd.Message
			answer, stop := a.askUser(ctx, sessionID, cmd.Message)
			if stop {
				logging.Browser("session %s: user ended the session", sessionID)
				return cmd.Message, nil
			}
			history = append(history, gateway.Message{Role: "user", Content: "User reply: " + answer})
			continue
		}

		logging.BrowserDebug("session %s turn %d: %s", sessionID, turn, cmd.Action)
		if err := a.apply(ctx, cmd); err != nil {
			// Let the model see the failure and route around it.
			logging.BrowserError("session %s: %s failed: %v", sessionID, cmd.Action, err)
			history = append(history, gateway.Message{Role: "user", Content: fmt.Sprintf("Action %s failed: %v", cmd.Action, err)})
			continue
		}
		history = append(history, gateway.Message{Role: "user", Content: "Action applied. Next screenshot attached."})
	}

	if lastMessage != "" {
		return lastMessage, nil
	}
	return "", fmt.Errorf("browser session %s hit the %d-turn ceiling", sessionID, a.MaxTurns)
}

// chooseStartURL asks the model for an https:// starting point, with 3
// attempts before giving up.
func (a *Agent) chooseStartURL(ctx context.Context, task string) (string, error) {
	prompt := "Reply with a single https:// URL that is the best starting page for this task. URL only, nothing else.\n\nTask: " + task
	for attempt := 1; attempt <= 3; attempt++ {
		reply, err := a.model.Chat(ctx, []gateway.Message{{Role: "user", Content: prompt}}, a.vision, nil)
		if err != nil {
			return "", err
		}
		url := strings.TrimSpace(reply)
		if strings.HasPrefix(url, "https://") {
			return url, nil
		}
		logging.BrowserDebug("start URL attempt %d rejected: %q", attempt, url)
	}
	return "", fmt.Errorf("model failed to produce an https:// start URL")
}

// askUser forwards the question and waits for the out-of-band reply under
// followup:<session_id>. Returns the reply (or "timeout") and whether the
// user wants to stop.
func (a *Agent) askUser(ctx context.Context, sessionID, question string) (string, bool) {
	a.emitter.Emit(events.FollowUpRequest, map[string]interface{}{
		"session_id": sessionID,
		"message":    question,
	})

	key := session.FollowUpKey(sessionID)
	deadline := time.Now().Add(a.FollowUpTimeout)
	reply := "timeout"
	for time.Now().Before(deadline) {
		v, ok, err := a.store.Get(ctx, key)
		if err != nil {
			logging.BrowserError("follow-up poll: %v", err)
			break
		}
		if ok {
			reply = v
			if err := a.store.Delete(ctx, key); err != nil {
				logging.Get(logging.CategoryBrowser).Warn("follow-up key cleanup: %v", err)
			}
			break
		}
		select {
		case <-ctx.Done():
			return "timeout", true
		case <-time.After(a.PollInterval):
		}
	}
	if reply == "timeout" {
		logging.Browser("session %s: follow-up timed out", sessionID)
		return reply, false
	}
	return reply, a.classifyStop(ctx, reply)
}

// classifyStop asks the small model whether the reply ends the session.
func (a *Agent) classifyStop(ctx context.Context, reply string) bool {
	prompt := "Does this user reply mean the browsing session should stop, or continue? " +
		"Answer with the single word stop or continue.\n\nReply: " + reply
	out, err := a.model.Chat(ctx, []gateway.Message{{Role: "user", Content: prompt}}, a.small, nil)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(out), "stop")
}

// apply runs one browser command under the per-command timeout.
func (a *Agent) apply(ctx context.Context, cmd Command) error {
	switch cmd.Action {
	case "click":
		return a.command(ctx, func(c context.Context) error { return a.driver.Click(c, cmd.X, cmd.Y) })
	case "double_click":
		return a.command(ctx, func(c context.Context) error { return a.driver.DoubleClick(c, cmd.X, cmd.Y) })
	case "scroll":
		return a.command(ctx, func(c context.Context) error { return a.driver.Scroll(c, cmd.X, cmd.Y) })
	case "type":
		return a.command(ctx, func(c context.Context) error { return a.driver.Type(c, cmd.Text) })
	case "keypress":
		return a.command(ctx, func(c context.Context) error { return a.driver.Keypress(c, cmd.Keys) })
	case "wait":
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.WaitPause):
			return nil
		}
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}

func (a *Agent) command(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, a.CommandTimeout)
	defer cancel()
	return fn(cctx)
}
