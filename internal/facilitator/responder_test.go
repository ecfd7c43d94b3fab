package facilitator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/sage/internal/conversation"
	"github.com/Veraticus/sage/internal/facilitator"
	"github.com/Veraticus/sage/internal/llm"
	"github.com/Veraticus/sage/internal/trigger"
)

const basePrompt = "You are Sage."

var start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	avery = conversation.Participant{ConnID: "conn-a", Name: "Avery"}
	blair = conversation.Participant{ConnID: "conn-b", Name: "Blair"}
)

// history builds a log with ids 1..n alternating participants, with a
// facilitator line and a system line mixed in.
func history(n int) []conversation.Message {
	log := conversation.NewLog()
	log.Append(conversation.NewFacilitatorMessage("welcome", "", start))
	log.Append(conversation.NewSystemMessage("Blair has joined the session.", start))
	for i := range n {
		p := avery
		if i%2 == 1 {
			p = blair
		}
		log.Append(conversation.NewParticipantMessage(p, "line "+string(rune('a'+i)), start))
	}
	return log.Messages()
}

func newResponder(t *testing.T, gen llm.Generator, opts ...facilitator.Option) *facilitator.Responder {
	t.Helper()
	r, err := facilitator.NewResponder(gen, basePrompt, opts...)
	require.NoError(t, err)
	return r
}

func echo(text string) llm.Generator {
	return llm.GeneratorFunc(func(context.Context, llm.Request) (string, error) {
		return text, nil
	})
}

func TestNewResponder_Validation(t *testing.T) {
	_, err := facilitator.NewResponder(nil, basePrompt)
	require.Error(t, err)

	_, err = facilitator.NewResponder(echo("x"), "   ")
	require.Error(t, err)

	_, err = facilitator.NewResponder(echo("x"), basePrompt, facilitator.WithTimeout(0))
	require.Error(t, err)

	_, err = facilitator.NewResponder(echo("x"), basePrompt, facilitator.WithDelays(facilitator.Delays{
		StrategicMin: 4 * time.Second,
		StrategicMax: 2 * time.Second,
	}))
	require.Error(t, err)
}

func TestBuildRequest_Strategic(t *testing.T) {
	r := newResponder(t, echo("x"), facilitator.WithModel("gpt-4o-mini"))
	msgs := history(8)

	req := r.BuildRequest(facilitator.Turn{
		Type:         trigger.ResponseRedirect,
		Trigger:      msgs[len(msgs)-1],
		History:      msgs,
		Participants: 2,
		StartedAt:    start,
		Now:          start.Add(10 * time.Minute),
	})

	assert.Equal(t, "gpt-4o-mini", req.Model)
	assert.Equal(t, facilitator.StrategicMaxTokens, req.MaxTokens)
	assert.InDelta(t, 0.7, req.Temperature, 1e-9)
	assert.Equal(t, basePrompt+"\n\n"+facilitator.Addendum(trigger.ResponseRedirect), req.System)

	require.Len(t, req.Messages, 1+facilitator.StrategicWindow)
	assert.Equal(t, llm.ChatMessage{
		Role:    llm.RoleSystem,
		Content: "Session context: 2 participants. Response type: redirect",
	}, req.Messages[0])
	assert.Equal(t, "Avery: line c", req.Messages[1].Content)
	assert.Equal(t, "Blair: line h", req.Messages[len(req.Messages)-1].Content)
	for _, m := range req.Messages[1:] {
		assert.Equal(t, llm.RoleUser, m.Role)
	}
}

func TestBuildRequest_StrategicExcludesFacilitatorAndSystem(t *testing.T) {
	r := newResponder(t, echo("x"))
	msgs := history(2)

	req := r.BuildRequest(facilitator.Turn{
		Type:         trigger.ResponseSupport,
		Trigger:      msgs[len(msgs)-1],
		History:      msgs,
		Participants: 2,
	})

	require.Len(t, req.Messages, 3)
	assert.Equal(t, "Avery: line a", req.Messages[1].Content)
	assert.Equal(t, "Blair: line b", req.Messages[2].Content)
	assert.Contains(t, req.System, "Someone just shared something emotional.")
}

func TestBuildRequest_Normal(t *testing.T) {
	r := newResponder(t, echo("x"))
	msgs := history(12)

	req := r.BuildRequest(facilitator.Turn{
		Type:         trigger.ResponseNormal,
		Trigger:      msgs[len(msgs)-1],
		History:      msgs,
		Participants: 2,
		StartedAt:    start,
		Now:          start.Add(17*time.Minute + 40*time.Second),
	})

	assert.Equal(t, basePrompt, req.System)
	assert.Equal(t, facilitator.NormalMaxTokens, req.MaxTokens)
	require.Len(t, req.Messages, 1+facilitator.NormalWindow)
	assert.Equal(t, "Current session context: 2 participants, session duration: 17 minutes", req.Messages[0].Content)
	assert.Equal(t, "Blair: line l", req.Messages[len(req.Messages)-1].Content)
}

func TestBuildRequest_NormalAppendsTriggerMissingFromHistory(t *testing.T) {
	r := newResponder(t, echo("x"))
	msgs := history(3)
	trig := msgs[len(msgs)-1]

	req := r.BuildRequest(facilitator.Turn{
		Type:         trigger.ResponseNormal,
		Trigger:      trig,
		History:      msgs[:len(msgs)-1],
		Participants: 1,
	})

	require.Len(t, req.Messages, 4)
	assert.Equal(t, "Avery: line c", req.Messages[3].Content)
}

func TestRespond_Intervention(t *testing.T) {
	gen := llm.GeneratorFunc(func(context.Context, llm.Request) (string, error) {
		t.Fatal("intervention must not call the backend")
		return "", nil
	})
	r := newResponder(t, gen)

	got := r.Respond(context.Background(), facilitator.Turn{Type: trigger.ResponseIntervention})
	assert.Equal(t, facilitator.InterventionText, got)
	assert.Equal(t, conversation.AnnotationInterruption, facilitator.Annotation(trigger.ResponseIntervention))
	assert.Empty(t, facilitator.Annotation(trigger.ResponseCheckin))
}

func TestRespond_Success(t *testing.T) {
	r := newResponder(t, echo("  Let's slow down together.  "))
	msgs := history(3)

	got := r.Respond(context.Background(), facilitator.Turn{
		Type:    trigger.ResponseDeescalate,
		Trigger: msgs[len(msgs)-1],
		History: msgs,
	})
	assert.Equal(t, "Let's slow down together.", got)
}

func TestRespond_Fallbacks(t *testing.T) {
	tests := []struct {
		name  string
		gen   llm.Generator
		rtype trigger.ResponseType
		want  string
	}{
		{
			name: "strategic provider error",
			gen: llm.GeneratorFunc(func(context.Context, llm.Request) (string, error) {
				return "", &llm.ProviderError{Provider: "openai", Type: "rate_limit_exceeded", StatusCode: 429}
			}),
			rtype: trigger.ResponseCheckin,
			want:  facilitator.StrategicFallback,
		},
		{
			name: "normal provider error",
			gen: llm.GeneratorFunc(func(context.Context, llm.Request) (string, error) {
				return "", errors.New("connection refused")
			}),
			rtype: trigger.ResponseNormal,
			want:  facilitator.NormalFallback,
		},
		{
			name:  "empty reply",
			gen:   echo("   "),
			rtype: trigger.ResponseRedirect,
			want:  facilitator.StrategicFallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newResponder(t, tt.gen)
			msgs := history(2)
			got := r.Respond(context.Background(), facilitator.Turn{
				Type:    tt.rtype,
				Trigger: msgs[len(msgs)-1],
				History: msgs,
			})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRespond_TimeoutYieldsFallback(t *testing.T) {
	gen := llm.GeneratorFunc(func(ctx context.Context, _ llm.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	r := newResponder(t, gen, facilitator.WithTimeout(20*time.Millisecond))

	got := r.Respond(context.Background(), facilitator.Turn{Type: trigger.ResponseSupport})
	assert.Equal(t, facilitator.StrategicFallback, got)
}

func TestDelay(t *testing.T) {
	var bounds []int64
	random := func(n int64) int64 {
		bounds = append(bounds, n)
		return n / 2
	}
	r := newResponder(t, echo("x"), facilitator.WithRandom(random))

	assert.Equal(t, time.Second, r.Delay(trigger.ResponseIntervention))
	assert.Equal(t, 3*time.Second, r.Delay(trigger.ResponseRedirect))
	assert.Equal(t, 3500*time.Millisecond, r.Delay(trigger.ResponseNormal))
	assert.Equal(t, []int64{int64(2 * time.Second), int64(3 * time.Second)}, bounds)
}

func TestDelay_DefaultRandomStaysInRange(t *testing.T) {
	r := newResponder(t, echo("x"))
	for range 200 {
		d := r.Delay(trigger.ResponseSupport)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 4*time.Second)

		d = r.Delay(trigger.ResponseNormal)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 5*time.Second)
	}
}

func TestFallback(t *testing.T) {
	for _, rt := range []trigger.ResponseType{
		trigger.ResponseRedirect, trigger.ResponseCheckin, trigger.ResponseDeescalate, trigger.ResponseSupport,
	} {
		assert.Equal(t, facilitator.StrategicFallback, facilitator.Fallback(rt))
		assert.NotEmpty(t, facilitator.Addendum(rt))
	}
	assert.Equal(t, facilitator.NormalFallback, facilitator.Fallback(trigger.ResponseNormal))
	assert.Empty(t, facilitator.Addendum(trigger.ResponseNormal))
}
