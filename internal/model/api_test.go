package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func mustDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestCreateConnectionRequestValidate(t *testing.T) {
	valid := CreateConnectionRequest{
		Provider:    "amazon",
		Credentials: CredentialBundle{AccessToken: "tok"},
	}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.Provider = ""
	assert.Error(t, missing.Validate())

	long := valid
	long.Provider = strings.Repeat("x", MaxProviderLen+1)
	assert.Error(t, long.Validate())

	noToken := valid
	noToken.Credentials = CredentialBundle{}
	assert.Error(t, noToken.Validate())
}

func TestStartSyncRequestValidate(t *testing.T) {
	assert.NoError(t, StartSyncRequest{}.Validate())

	p := 5
	w := 18
	assert.NoError(t, StartSyncRequest{Priority: &p, WindowMonths: &w}.Validate())

	bad := -1
	assert.Error(t, StartSyncRequest{Priority: &bad}.Validate())

	zero := 0
	assert.Error(t, StartSyncRequest{WindowMonths: &zero}.Validate())

	assert.Error(t, StartSyncRequest{ReportTypes: []ReportType{"bogus"}}.Validate())
	assert.NoError(t, StartSyncRequest{ReportTypes: []ReportType{ReportOrders, ReportReturns}}.Validate())
}

func TestAnswerPromptRequestValidate(t *testing.T) {
	for _, answer := range DefaultPromptOptions() {
		assert.NoError(t, AnswerPromptRequest{Answer: answer}.Validate())
	}
	assert.Error(t, AnswerPromptRequest{Answer: "maybe"}.Validate())
	assert.Error(t, AnswerPromptRequest{}.Validate())
}

func TestJobStateTerminal(t *testing.T) {
	assert.False(t, JobQueued.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.True(t, JobCancelled.Terminal())
}

func TestWindowContains(t *testing.T) {
	w := Window{
		Start: mustDate("2025-01-01"),
		End:   mustDate("2025-04-01"),
	}

	assert.True(t, w.Contains(mustDate("2025-01-01")), "start is inclusive")
	assert.True(t, w.Contains(mustDate("2025-03-31")))
	assert.False(t, w.Contains(mustDate("2025-04-01")), "end is exclusive")
	assert.False(t, w.Contains(mustDate("2024-12-31")))
	assert.Equal(t, "2025-01-01..2025-04-01", w.String())
}

func TestMaskConnection(t *testing.T) {
	conn := SourceConnection{
		Provider:    "gmail",
		Credentials: []byte("ciphertext"),
		Scopes:      []string{"read"},
		Status:      ConnectionActive,
	}

	masked := MaskConnection(conn)
	assert.Equal(t, "gmail", masked.Provider)
	assert.Equal(t, []string{"read"}, masked.Scopes)
}
