package rl

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	"taskweave/internal/config"
	"taskweave/internal/events"
	"taskweave/internal/gateway"
	"taskweave/internal/logging"
	"taskweave/internal/rag"
	"taskweave/internal/session"
)

// Record is the deferred-reward payload persisted between retrieval and the
// human rating that rewards it.
type Record struct {
	State  []float64 `json:"state_features"`
	Action int       `json:"action"`
	Query  string    `json:"query"`
}

// Selector picks a retrieval strategy per query and learns from ratings.
type Selector struct {
	est       Estimator
	extractor *Extractor
	retriever *rag.Retriever
	model     ChatModel
	modelName string
	store     session.Store
	emitter   events.Emitter
	cfg       *config.RLConfig

	mu       sync.Mutex
	errors   []float64 // ring of recent |TD error|
	episodes int
	rng      *rand.Rand
}

// NewSelector builds the meta-selector, loading any persisted estimator
// state from cfg.StatePath.
func NewSelector(cfg *config.RLConfig, extractor *Extractor, retriever *rag.Retriever, model ChatModel, modelName string, store session.Store, emitter events.Emitter) (*Selector, error) {
	s := &Selector{
		extractor: extractor,
		retriever: retriever,
		model:     model,
		modelName: modelName,
		store:     store,
		emitter:   emitter,
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(rand.Int63())),
	}

	p, found, err := loadPersisted(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	switch {
	case found && p.Mode == "neural" && p.Network != nil && cfg.Mode == "neural":
		s.est = p.Network
	case found && p.Mode == "simple" && p.Tabular != nil && cfg.Mode != "neural":
		s.est = p.Tabular
	case cfg.Mode == "neural":
		s.est = NewNetwork(StateDim(), rag.NumStrategies, cfg.Alpha, cfg.Gamma, nil)
	default:
		s.est = NewTabular(rag.NumStrategies, cfg.Alpha, cfg.Gamma)
	}
	if found {
		s.errors = p.Errors
		s.episodes = p.Episodes
		logging.RL("restored learner state: %d episodes, %d recent errors", p.Episodes, len(p.Errors))
	}
	return s, nil
}

// errorCap is the ring capacity: at least 100, never below N.
func (s *Selector) errorCap() int {
	n := s.cfg.RecentErrors
	if n < 100 {
		return 100
	}
	return n
}

func (s *Selector) pushError(e float64) {
	if e < 0 {
		e = -e
	}
	s.errors = append(s.errors, e)
	if over := len(s.errors) - s.errorCap(); over > 0 {
		s.errors = s.errors[over:]
	}
}

func (s *Selector) meanError() float64 {
	if len(s.errors) == 0 {
		return 0
	}
	var sum float64
	for _, e := range s.errors {
		sum += e
	}
	return sum / float64(len(s.errors))
}

// ChooseAction applies the warm-up / ε-greedy policy. During warm-up (the
// error ring is short, or its mean is still above threshold) the model
// suggests a strategy; once the estimator has settled, ε-greedy takes over.
func (s *Selector) ChooseAction(ctx context.Context, f Features) int {
	s.mu.Lock()
	warmup := len(s.errors) < s.cfg.RecentErrors || s.meanError() >= s.cfg.ErrorThreshold
	s.mu.Unlock()

	if warmup {
		a := s.suggestAction(ctx, f)
		logging.RLDebug("warm-up suggestion: action=%d", a)
		return a
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng.Float64() < s.cfg.Epsilon {
		a := s.rng.Intn(rag.NumStrategies)
		logging.RLDebug("exploring: action=%d", a)
		return a
	}
	q := s.est.QValues(f.Vector())
	best := 0
	for i, v := range q {
		if v > q[best] {
			best = i
		}
	}
	logging.RLDebug("exploiting: action=%d q=%v", best, q)
	return best
}

// suggestAction asks the model for a strategy index; any failure defaults
// to strategy 0.
func (s *Selector) suggestAction(ctx context.Context, f Features) int {
	prompt := fmt.Sprintf(
		"Given a %s query in the %s domain, choose the best retrieval strategy:\n"+
			"0 = plain vector search\n1 = hypothetical-document search\n2 = adaptive query-aware search\n"+
			"Reply with the single digit only.",
		f.QuestionType, f.Domain)
	reply, err := s.model.Chat(ctx, []gateway.Message{{Role: "user", Content: prompt}}, s.modelName, nil)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil || n < 0 || n >= rag.NumStrategies {
		return 0
	}
	return n
}

// Retrieve answers the query: feature-extract, pick a strategy, retrieve,
// synthesise. With human rating enabled, the pending record is stored and a
// rating request emitted.
func (s *Selector) Retrieve(ctx context.Context, query, sessionID string) (string, error) {
	timer := logging.StartTimer(logging.CategoryRL, "Retrieve")
	defer timer.Stop()

	f := s.extractor.Extract(ctx, query)
	action := s.ChooseAction(ctx, f)
	logging.RL("session %s: strategy %d for %q", sessionID, action, query)

	docs, err := s.retriever.Retrieve(ctx, query, rag.Strategy(action))
	if err != nil {
		return "", fmt.Errorf("strategy %d retrieval: %w", action, err)
	}

	answer, err := s.model.Chat(ctx, []gateway.Message{
		{Role: "system", Content: "Answer the question using only the retrieved context. Say so when the context is insufficient."},
		{Role: "user", Content: "Context:\n" + docs + "\n\nQuestion: " + query},
	}, s.modelName, nil)
	if err != nil {
		return "", fmt.Errorf("answer synthesis: %w", err)
	}

	if s.cfg.HumanRating {
		rec := Record{State: f.Vector(), Action: action, Query: query}
		blob, _ := json.Marshal(rec)
		if err := s.store.Set(ctx, session.RLUpdateKey(sessionID), string(blob)); err != nil {
			logging.Get(logging.CategoryRL).Warn("could not persist pending reward for %s: %v", sessionID, err)
		} else {
			s.emitter.Emit(events.RequestEvaluation, map[string]interface{}{
				"session_id": sessionID,
				"query":      query,
			})
		}
	}
	return answer, nil
}

// ApplyRating consumes a pending record for the session and folds the
// rating r∈[1,5] into the estimator as a terminal reward.
func (s *Selector) ApplyRating(ctx context.Context, sessionID string, rating int) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("rating %d out of range [1,5]", rating)
	}
	key := session.RLUpdateKey(sessionID)
	blob, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no pending evaluation for session %s", sessionID)
	}
	var rec Record
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return fmt.Errorf("corrupt pending record for %s: %w", sessionID, err)
	}

	s.mu.Lock()
	tdErr := s.est.Update(rec.State, rec.Action, float64(rating), nil, false)
	s.pushError(tdErr)
	s.episodes++
	saveErr := s.save()
	s.mu.Unlock()
	if saveErr != nil {
		logging.Get(logging.CategoryRL).Warn("could not persist learner state: %v", saveErr)
	}

	if err := s.store.Delete(ctx, key); err != nil {
		logging.Get(logging.CategoryRL).Warn("could not clear pending record for %s: %v", sessionID, err)
	}
	logging.RL("session %s rated %d (td_error=%.3f, episodes=%d)", sessionID, rating, tdErr, s.episodes)
	return nil
}

// save snapshots the estimator under cfg.StatePath. Caller holds s.mu.
func (s *Selector) save() error {
	p := persisted{Errors: s.errors, Episodes: s.episodes}
	switch est := s.est.(type) {
	case *Network:
		p.Mode = "neural"
		p.Network = est
	case *Tabular:
		p.Mode = "simple"
		p.Tabular = est
	}
	return savePersisted(s.cfg.StatePath, p)
}

// Episodes reports how many rating events have been folded in.
func (s *Selector) Episodes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.episodes
}

// SetSeed makes action exploration deterministic; tests only.
func (s *Selector) SetSeed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rand.New(rand.NewSource(seed))
}
