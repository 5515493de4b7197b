package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalCondition(t *testing.T) {
	ok := conditionState{event: Event{Kind: EventPush, Branch: "main", SHA: "abc"}, job: "test"}
	failed := ok
	failed.failed = true

	tests := []struct {
		expr string
		st   conditionState
		want bool
	}{
		{"", ok, true},
		{"", failed, false},
		{"success()", failed, false},
		{"failure()", failed, true},
		{"failure()", ok, false},
		{"always()", failed, true},
		{"${{ always() }}", failed, true},
		{"event == 'push'", ok, true},
		{"event == 'push'", failed, false},
		{"always() && branch == 'main'", failed, true},
		{"startsWith(branch, 'ma')", ok, true},
		{"contains(job, 'es')", ok, true},
		{"event == 'pull_request'", ok, false},
	}
	for _, tt := range tests {
		got, err := evalCondition(tt.expr, tt.st)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, "%q failed=%v", tt.expr, tt.st.failed)
	}
}

func TestEvalConditionErrors(t *testing.T) {
	_, err := evalCondition("branch", conditionState{event: Event{Branch: "main"}})
	assert.Error(t, err)

	_, err = evalCondition("startsWith(branch)", conditionState{event: Event{Branch: "main"}})
	assert.Error(t, err)

	assert.Error(t, checkCondition("(("))
	assert.NoError(t, checkCondition("failure() || always()"))
}
