package proctor

import (
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestMonitor_ThirdStrikeForcesSubmit(t *testing.T) {
	m := NewMonitor(0)

	decisions := []Decision{}
	for _, kind := range []SignalKind{SignalVisibilityLost, SignalLockLost, SignalVisibilityLost} {
		decisions = append(decisions, m.Record(m.Classify(Signal{Kind: kind}, t0)))
	}

	assert.Equal(t, []Decision{DecisionWarn, DecisionWarn, DecisionForceSubmit}, decisions)
	assert.Equal(t, 3, m.Strikes())
	assert.Equal(t, 3, m.Total())
}

func TestMonitor_ClipboardNeverCounts(t *testing.T) {
	m := NewMonitor(3)

	for i := 0; i < 10; i++ {
		v := m.Classify(Signal{Kind: SignalClipboard}, t0)
		assert.False(t, v.Counted)
		assert.Equal(t, DecisionLog, m.Record(v))
	}

	assert.Equal(t, 0, m.Strikes())
	assert.Equal(t, 10, m.Total())
}

func TestMonitor_Classify(t *testing.T) {
	at := t0.Add(-time.Minute)
	tests := []struct {
		sig     Signal
		typ     model.ViolationType
		counted bool
		ts      time.Time
	}{
		{sig: Signal{Kind: SignalLockLost}, typ: model.ViolationFullscreenExit, counted: true, ts: t0},
		{sig: Signal{Kind: SignalVisibilityLost, At: at}, typ: model.ViolationTabSwitch, counted: true, ts: at},
		{sig: Signal{Kind: SignalClipboard, Detail: "paste"}, typ: model.ViolationCopyPasteAttempt, ts: t0},
	}
	for _, tt := range tests {
		t.Run(string(tt.sig.Kind), func(t *testing.T) {
			v := NewMonitor(3).Classify(tt.sig, t0)
			assert.Equal(t, tt.typ, v.Entry.Type)
			assert.Equal(t, tt.counted, v.Counted)
			assert.Equal(t, tt.ts, v.Entry.Timestamp)
			assert.NotEmpty(t, v.Entry.Description)
		})
	}
	assert.Equal(t, "paste", NewMonitor(3).Classify(Signal{Kind: SignalClipboard, Detail: "paste"}, t0).Entry.Description)
}

func TestMonitor_RestoreSeedsCounters(t *testing.T) {
	m := NewMonitor(3)
	m.Restore(&model.Attempt{CheatingLogs: []model.CheatingLogEntry{
		{Type: model.ViolationCopyPasteAttempt},
		{Type: model.ViolationTabSwitch},
		{Type: model.ViolationCopyPasteAttempt},
		{Type: model.ViolationFullscreenExit},
	}})

	assert.Equal(t, 2, m.Strikes())
	assert.Equal(t, 4, m.Total())
	assert.Equal(t, DecisionForceSubmit, m.Record(m.Classify(Signal{Kind: SignalVisibilityLost}, t0)))
}

func TestMonitor_RestorePrefersDurableCounters(t *testing.T) {
	tests := []struct {
		name        string
		attempt     model.Attempt
		wantStrikes int
		wantTotal   int
	}{
		{
			name:        "log rows not yet written",
			attempt:     model.Attempt{CheatingAttemptsCount: 2, StrikeCount: 2},
			wantStrikes: 2,
			wantTotal:   2,
		},
		{
			name: "log rows partially written",
			attempt: model.Attempt{
				CheatingAttemptsCount: 3,
				StrikeCount:           2,
				CheatingLogs:          []model.CheatingLogEntry{{Type: model.ViolationTabSwitch}},
			},
			wantStrikes: 2,
			wantTotal:   3,
		},
		{
			name: "clipboard only",
			attempt: model.Attempt{
				CheatingAttemptsCount: 2,
				CheatingLogs:          []model.CheatingLogEntry{{Type: model.ViolationCopyPasteAttempt}},
			},
			wantStrikes: 0,
			wantTotal:   2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(3)
			m.Restore(&tt.attempt)
			assert.Equal(t, tt.wantStrikes, m.Strikes())
			assert.Equal(t, tt.wantTotal, m.Total())
		})
	}
}

func TestMonitor_CustomThreshold(t *testing.T) {
	m := NewMonitor(1)
	assert.Equal(t, 1, m.Threshold())
	assert.Equal(t, DecisionForceSubmit, m.Record(m.Classify(Signal{Kind: SignalLockLost}, t0)))
	assert.Equal(t, "force_submit", DecisionForceSubmit.String())
}
