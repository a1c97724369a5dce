package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/fate/pkg/fateid"
)

// fakeStep is a test double implementing Step with injectable behavior,
// counted invocations, and a latch used to gate call() entry/exit by
// blocking a goroutine on a channel rather than a process-global.
type fakeStep struct {
	StepName     string
	IsReadyDelay time.Duration
	IsReadyErr   bool
	CallErr      bool
	UndoErr      bool
	Next         string // name of the next registered step, or "" to pop
	registry     *fakeRegistry

	callCount    int
	undoCount    int
	isReadyCount int
	mu           sync.Mutex
	enteredCall  chan struct{}
	releaseCall  chan struct{}
	blockOnCall  bool
}

func (s *fakeStep) IsReady(ctx context.Context, id fateid.ID, env Env) (time.Duration, error) {
	s.mu.Lock()
	s.isReadyCount++
	s.mu.Unlock()
	if s.IsReadyErr {
		return 0, fmt.Errorf("isReady() failed: injected")
	}
	return s.IsReadyDelay, nil
}

func (s *fakeStep) Call(ctx context.Context, id fateid.ID, env Env) (Step, error) {
	s.mu.Lock()
	s.callCount++
	blocking := s.blockOnCall
	s.mu.Unlock()

	if blocking {
		close(s.enteredCall)
		<-s.releaseCall
	}

	if s.CallErr {
		return nil, fmt.Errorf("call() failed: injected")
	}
	if s.Next == "" {
		return nil, nil
	}
	return s.registry.mustGet(s.Next), nil
}

func (s *fakeStep) Undo(ctx context.Context, id fateid.ID, env Env) error {
	s.mu.Lock()
	s.undoCount++
	s.mu.Unlock()
	if s.registry != nil {
		s.registry.recordUndo(s.StepName)
	}
	if s.UndoErr {
		return fmt.Errorf("undo() failed: injected")
	}
	return nil
}

func (s *fakeStep) ReturnValue() []byte { return []byte(s.StepName) }
func (s *fakeStep) Name() string        { return s.StepName }

func (s *fakeStep) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *fakeStep) undos() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.undoCount
}

// fakeRegistry is a Registry backed by a plain name->step map, used only
// in tests where the step set is known in advance and never needs real
// byte-level serialization.
type fakeRegistry struct {
	mu    sync.Mutex
	steps map[string]*fakeStep
	undos []string // step names in the order their Undo ran
}

func (r *fakeRegistry) recordUndo(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.undos = append(r.undos, name)
}

func (r *fakeRegistry) undoLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.undos...)
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{steps: make(map[string]*fakeStep)}
}

func (r *fakeRegistry) register(s *fakeStep) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.registry = r
	r.steps[s.StepName] = s
}

func (r *fakeRegistry) mustGet(name string) *fakeStep {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.steps[name]
	if !ok {
		panic("test registry: unknown step " + name)
	}
	return s
}

func (r *fakeRegistry) Decode(name string, payload []byte) (Step, error) {
	return r.mustGet(name), nil
}

func (r *fakeRegistry) Encode(s Step) (string, []byte, error) {
	fs, ok := s.(*fakeStep)
	if !ok {
		return "", nil, fmt.Errorf("not a fakeStep")
	}
	r.register(fs)
	payload, _ := json.Marshal(struct{}{})
	return fs.StepName, payload, nil
}
