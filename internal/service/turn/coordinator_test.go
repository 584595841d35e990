package turn

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/voicebridge/backend/internal/analysis/turnend"
)

type fakeActions struct {
	mu    sync.Mutex
	calls []string
}

func (a *fakeActions) record(format string, args ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, fmt.Sprintf(format, args...))
}

func (a *fakeActions) StartTurn(turnID uint64)   { a.record("start:%d", turnID) }
func (a *fakeActions) FinishAudio(turnID uint64) { a.record("finish:%d", turnID) }
func (a *fakeActions) Announce(turnID uint64)    { a.record("announce:%d", turnID) }
func (a *fakeActions) Interrupt(turnID uint64)   { a.record("interrupt:%d", turnID) }
func (a *fakeActions) Idle(turnID uint64)        { a.record("idle:%d", turnID) }
func (a *fakeActions) StateChanged(Transition)   {}

func (a *fakeActions) CommitTurn(turnID uint64, utterance string) {
	a.record("commit:%d:%s", turnID, utterance)
}

func (a *fakeActions) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *fakeActions) has(call string) bool {
	return slices.Contains(a.snapshot(), call)
}

type classifierFunc func(ctx context.Context, text string) (turnend.Decision, error)

func (f classifierFunc) Classify(ctx context.Context, text string) (turnend.Decision, error) {
	return f(ctx, text)
}

func fixedClassifier(p float32) Classifier {
	return classifierFunc(func(context.Context, string) (turnend.Decision, error) {
		return turnend.Decision{Probability: p}, nil
	})
}

func fastOptions() Options {
	return Options{
		MaxSilence:       300 * time.Millisecond,
		MinEndpointDelay: 20 * time.Millisecond,
		Confidence:       0.6,
		FinalizeTimeout:  100 * time.Millisecond,
		ThinkingTimeout:  2 * time.Second,
	}
}

func startCoordinator(t *testing.T, classifier Classifier, opts Options) (*Coordinator, *fakeActions) {
	t.Helper()
	actions := &fakeActions{}
	c := NewCoordinator(actions, classifier, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})

	c.Resume()
	waitState(t, c, Listening)
	return c, actions
}

func waitState(t *testing.T, c *Coordinator, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 2*time.Second, 5*time.Millisecond,
		"expected state %s, still %s", want, c.State())
}

func waitCall(t *testing.T, a *fakeActions, call string) {
	t.Helper()
	require.Eventually(t, func() bool { return a.has(call) }, 2*time.Second, 5*time.Millisecond,
		"expected call %q, got %v", call, a.snapshot())
}

func speakTurn(t *testing.T, c *Coordinator, a *fakeActions, text string) uint64 {
	t.Helper()
	c.VoiceStart()
	waitState(t, c, UserSpeaking)
	turnID := c.TurnID()
	c.Partial(turnID, text)
	c.VoiceEnd()
	waitCall(t, a, fmt.Sprintf("finish:%d", turnID))
	c.Final(turnID, text)
	waitState(t, c, Thinking)
	return turnID
}

func TestCoordinatorFullTurn(t *testing.T) {
	c, actions := startCoordinator(t, fixedClassifier(0.95), fastOptions())

	turnID := speakTurn(t, c, actions, "What time is it?")
	assert.Equal(t, uint64(1), turnID)
	waitCall(t, actions, "commit:1:What time is it?")

	c.FirstAudio(1)
	waitState(t, c, Speaking)
	c.PlaybackDone(1)
	waitState(t, c, Listening)

	require.NoError(t, ValidPath(c.Observed()))
	assert.Equal(t, []string{"start:1", "finish:1", "commit:1:What time is it?"}, actions.snapshot())
}

func TestCoordinatorBargeIn(t *testing.T) {
	c, actions := startCoordinator(t, fixedClassifier(0.95), fastOptions())

	speakTurn(t, c, actions, "Tell me a story.")
	c.FirstAudio(1)
	waitState(t, c, Speaking)

	c.VoiceStart()
	waitState(t, c, UserSpeaking)
	assert.Equal(t, uint64(2), c.TurnID())

	calls := actions.snapshot()
	interrupt := slices.Index(calls, "interrupt:1")
	start := slices.Index(calls, "start:2")
	require.NotEqual(t, -1, interrupt)
	require.Greater(t, start, interrupt, "new turn must start after the interrupt was acknowledged")

	// 被打断轮次的迟到事件被忽略。
	c.PlaybackDone(1)
	c.FirstAudio(1)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, UserSpeaking, c.State())

	observed := c.Observed()
	require.NoError(t, ValidPath(observed))
	var sawInterrupted bool
	for i, tr := range observed {
		if tr.To == Interrupted {
			sawInterrupted = true
			require.Less(t, i+1, len(observed))
			assert.Equal(t, UserSpeaking, observed[i+1].To)
		}
	}
	assert.True(t, sawInterrupted)
}

func TestCoordinatorBargeInWhileThinking(t *testing.T) {
	c, actions := startCoordinator(t, fixedClassifier(0.95), fastOptions())

	speakTurn(t, c, actions, "Book a table.")
	c.VoiceStart()
	waitState(t, c, UserSpeaking)
	waitCall(t, actions, "interrupt:1")
	waitCall(t, actions, "start:2")
}

func TestCoordinatorMaxSilenceForcesEnd(t *testing.T) {
	opts := fastOptions()
	opts.MaxSilence = 80 * time.Millisecond
	c, actions := startCoordinator(t, fixedClassifier(0.1), opts)

	c.VoiceStart()
	waitState(t, c, UserSpeaking)
	c.Partial(1, "so I was thinking about")
	c.VoiceEnd()

	time.Sleep(40 * time.Millisecond)
	assert.False(t, actions.has("finish:1"), "low confidence must not end the turn before max silence")

	waitCall(t, actions, "finish:1")
	c.Final(1, "so I was thinking about")
	waitCall(t, actions, "commit:1:so I was thinking about")
}

func TestCoordinatorWaitsForVoiceOffset(t *testing.T) {
	c, actions := startCoordinator(t, fixedClassifier(0.95), fastOptions())

	c.VoiceStart()
	waitState(t, c, UserSpeaking)
	c.Partial(1, "Turn on the lights.")

	time.Sleep(60 * time.Millisecond)
	assert.False(t, actions.has("finish:1"), "classifier alone must not end the turn while voice is active")

	c.VoiceEnd()
	waitCall(t, actions, "finish:1")
}

func TestCoordinatorVoiceResumesBeforeEndpoint(t *testing.T) {
	opts := fastOptions()
	opts.MinEndpointDelay = 80 * time.Millisecond
	c, actions := startCoordinator(t, fixedClassifier(0.95), opts)

	c.VoiceStart()
	waitState(t, c, UserSpeaking)
	c.Partial(1, "Call my mother.")
	c.VoiceEnd()
	time.Sleep(20 * time.Millisecond)
	c.VoiceStart()

	time.Sleep(120 * time.Millisecond)
	assert.False(t, actions.has("finish:1"))
	assert.Equal(t, uint64(1), c.TurnID())
}

func TestCoordinatorTranscriptionFailure(t *testing.T) {
	c, actions := startCoordinator(t, nil, fastOptions())

	c.VoiceStart()
	waitState(t, c, UserSpeaking)
	c.TranscriptFailed(1, errors.New("asr down"))

	waitState(t, c, Thinking)
	waitCall(t, actions, "commit:1:")
}

func TestCoordinatorEmptyFinalReturnsToListening(t *testing.T) {
	c, actions := startCoordinator(t, nil, fastOptions())

	c.VoiceStart()
	waitState(t, c, UserSpeaking)
	c.VoiceEnd()
	c.Final(1, "   ")

	waitCall(t, actions, "idle:1")
	assert.Equal(t, Listening, c.State())
	assert.False(t, actions.has("commit:1:"))
}

func TestCoordinatorFinalizeTimeoutUsesPartial(t *testing.T) {
	c, actions := startCoordinator(t, fixedClassifier(0.9), fastOptions())

	c.VoiceStart()
	waitState(t, c, UserSpeaking)
	c.Partial(1, "play some jazz")
	c.VoiceEnd()
	waitCall(t, actions, "finish:1")

	waitCall(t, actions, "commit:1:play some jazz")
	assert.Equal(t, Thinking, c.State())
}

func TestCoordinatorThinkingTimeout(t *testing.T) {
	opts := fastOptions()
	opts.ThinkingTimeout = 50 * time.Millisecond
	c, actions := startCoordinator(t, fixedClassifier(0.9), opts)

	speakTurn(t, c, actions, "Hello?")
	waitState(t, c, Listening)
	assert.True(t, actions.has("interrupt:1"))
}

func TestCoordinatorPlaybackWithoutAudio(t *testing.T) {
	c, actions := startCoordinator(t, fixedClassifier(0.9), fastOptions())

	speakTurn(t, c, actions, "Show me the menu.")
	c.PlaybackDone(1)
	waitState(t, c, Listening)
}

func TestCoordinatorPauseAndResume(t *testing.T) {
	c, actions := startCoordinator(t, fixedClassifier(0.9), fastOptions())

	speakTurn(t, c, actions, "Read my email.")
	c.FirstAudio(1)
	waitState(t, c, Speaking)

	c.Pause()
	waitState(t, c, Idle)
	assert.True(t, actions.has("interrupt:1"))
	assert.True(t, actions.has("idle:1"))

	c.VoiceStart()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Idle, c.State(), "voice activity is ignored while paused")

	c.Resume()
	waitState(t, c, Listening)
	require.NoError(t, ValidPath(c.Observed()))
}

func TestCoordinatorGreetingIsTurnZero(t *testing.T) {
	c, actions := startCoordinator(t, fixedClassifier(0.9), fastOptions())

	c.Greet()
	waitState(t, c, Thinking)
	waitCall(t, actions, "announce:0")
	c.FirstAudio(0)
	waitState(t, c, Speaking)

	c.VoiceStart()
	waitState(t, c, UserSpeaking)
	assert.Equal(t, uint64(1), c.TurnID())
	assert.True(t, actions.has("interrupt:0"))
}

func TestCoordinatorShutdownReleasesTurn(t *testing.T) {
	actions := &fakeActions{}
	c := NewCoordinator(actions, nil, fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	c.Resume()
	c.VoiceStart()
	waitState(t, c, UserSpeaking)

	cancel()
	<-c.Done()
	assert.Equal(t, Idle, c.State())
	assert.True(t, actions.has("idle:1"))
}

func TestCoordinatorRandomEventsStayOnValidPath(t *testing.T) {
	opts := Options{
		MaxSilence:       15 * time.Millisecond,
		MinEndpointDelay: 2 * time.Millisecond,
		FinalizeTimeout:  5 * time.Millisecond,
		ThinkingTimeout:  20 * time.Millisecond,
	}
	actions := &fakeActions{}
	c := NewCoordinator(actions, HeuristicClassifier{}, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	rng := rand.New(rand.NewSource(7))
	texts := []string{"", "hello", "What now?", "and then", "好的。"}
	for i := 0; i < 400; i++ {
		turnID := c.TurnID()
		if rng.Intn(4) == 0 && turnID > 0 {
			turnID--
		}
		switch rng.Intn(11) {
		case 0, 1:
			c.VoiceStart()
		case 2, 3:
			c.VoiceEnd()
		case 4:
			c.Partial(turnID, texts[rng.Intn(len(texts))])
		case 5:
			c.Final(turnID, texts[rng.Intn(len(texts))])
		case 6:
			c.TranscriptFailed(turnID, errors.New("boom"))
		case 7:
			c.FirstAudio(turnID)
		case 8:
			c.PlaybackDone(turnID)
		case 9:
			if rng.Intn(5) == 0 {
				c.Pause()
			} else {
				c.Resume()
			}
		case 10:
			c.Greet()
		}
		if i%20 == 0 {
			time.Sleep(3 * time.Millisecond)
		}
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-c.Done()

	observed := c.Observed()
	require.NoError(t, ValidPath(observed))
	require.NotEmpty(t, observed)

	var last uint64
	for _, tr := range observed {
		require.GreaterOrEqual(t, tr.TurnID, last, "turn ids never decrease")
		if tr.To == UserSpeaking {
			require.Greater(t, tr.TurnID, last, "each USER_SPEAKING entry starts a new turn")
		}
		last = tr.TurnID
	}
	assert.Equal(t, Idle, observed[len(observed)-1].To)
}
