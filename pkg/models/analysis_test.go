package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComprehensiveAnalysisValid(t *testing.T) {
	a := &ComprehensiveAnalysis{
		ConfidenceScore: 0.9,
		ExecutionSteps: []ExecutionStep{
			{StepNumber: 1},
			{StepNumber: 2, Dependencies: []int{1}},
		},
	}
	assert.True(t, a.Valid())
}

func TestComprehensiveAnalysisRejectsOutOfRangeConfidence(t *testing.T) {
	a := &ComprehensiveAnalysis{ConfidenceScore: 1.5}
	assert.False(t, a.Valid())
}

func TestComprehensiveAnalysisRejectsForwardDependency(t *testing.T) {
	a := &ComprehensiveAnalysis{
		ConfidenceScore: 0.5,
		ExecutionSteps: []ExecutionStep{
			{StepNumber: 1, Dependencies: []int{2}},
			{StepNumber: 2},
		},
	}
	assert.False(t, a.Valid())
}

func TestFallbackAnalysisIsValid(t *testing.T) {
	a := FallbackAnalysis()
	assert.True(t, a.Valid())
	assert.Equal(t, 0.1, a.ConfidenceScore)
	assert.False(t, a.RequiresToolExecution)
}

func TestConnectionStatusTransitions(t *testing.T) {
	assert.True(t, ConnectionInitiated.CanTransitionTo(ConnectionActive))
	assert.True(t, ConnectionInitiated.CanTransitionTo(ConnectionFailed))
	assert.True(t, ConnectionActive.CanTransitionTo(ConnectionInactive))
	assert.True(t, ConnectionActive.CanTransitionTo(ConnectionExpired))
	assert.True(t, ConnectionExpired.CanTransitionTo(ConnectionInitiated))
	assert.False(t, ConnectionInitiated.CanTransitionTo(ConnectionInactive))
	assert.True(t, ConnectionActive.CanTransitionTo(ConnectionActive))
}

func TestConnectionStatusUsable(t *testing.T) {
	assert.True(t, ConnectionInitiated.Usable())
	assert.True(t, ConnectionActive.Usable())
	assert.False(t, ConnectionInactive.Usable())
	assert.False(t, ConnectionExpired.Usable())
	assert.False(t, ConnectionFailed.Usable())
}
