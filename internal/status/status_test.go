package status

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_RecordPush(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return at }

	tr.RecordPush("h1|aws", "aws", Success, nil)
	tr.RecordPush("h1|gcp", "gcp", Failure, errors.New("cannot reach secretmanager.googleapis.com"))
	tr.RecordPush("h2|aws", "aws", Skipped, nil)

	m, ok := tr.Mapping("h1|gcp")
	require.True(t, ok)
	assert.Equal(t, Failure, m.LastPush.Status)
	assert.Contains(t, m.LastPush.Message, "secretmanager")
	assert.Equal(t, at, m.LastPush.At)

	aws, ok := tr.Plugin("aws")
	require.True(t, ok)
	assert.Equal(t, Success, aws.LastPush.Status, "a skipped push does not overwrite the plugin's last real push")

	assert.Len(t, tr.Mappings(), 3)
	assert.Equal(t, "h1|aws", tr.Mappings()[0].Key)
}

func TestTracker_PluginResults(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.RecordLoad("gcp", errors.New("manifest invalid"))
	tr.RecordConnectionTest("gcp", true)
	tr.RecordPull("gcp", Unchanged, nil)

	p, ok := tr.Plugin("gcp")
	require.True(t, ok)
	assert.Equal(t, Failure, p.LastLoad.Status)
	assert.Equal(t, "manifest invalid", p.LastLoad.Message)
	assert.Equal(t, Success, p.LastConnection.Status)
	assert.Equal(t, Unchanged, p.LastPull.Status)
	assert.Nil(t, p.LastPush)

	_, ok = tr.Plugin("missing")
	assert.False(t, ok)
}

func TestTracker_Forget(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.RecordPush("h1|aws", "aws", Success, nil)
	tr.RecordPush("h1|gcp", "gcp", Success, nil)
	tr.RecordPush("h2|gcp", "gcp", Success, nil)

	tr.ForgetPlugin("gcp")
	assert.Len(t, tr.Mappings(), 1)
	assert.Len(t, tr.Plugins(), 1)

	tr.ForgetMapping("h1|aws")
	assert.Empty(t, tr.Mappings())

	tr.RecordPush("h3|aws", "aws", Success, nil)
	tr.ForgetMappings()
	assert.Empty(t, tr.Mappings())
}
