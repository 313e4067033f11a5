package testutil

import (
	"testing"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/logging"
	"github.com/mongodb/grip/send"
	"github.com/stretchr/testify/require"
)

// NewTestLogger returns a journaler whose messages, at or above
// threshold, can be read back from the returned sender.
func NewTestLogger(t *testing.T, threshold level.Priority) (grip.Journaler, *send.InternalSender) {
	sender := send.MakeInternalLogger()
	require.NoError(t, sender.SetLevel(send.LevelInfo{Default: level.Info, Threshold: threshold}))
	t.Cleanup(func() { _ = sender.Close() })

	return logging.MakeGrip(sender), sender
}

// Messages drains the sender and returns the rendered messages that
// passed its threshold, in the order they were logged. The sender keeps
// messages below the threshold too, marked as not logged.
func Messages(sender *send.InternalSender) []string {
	var out []string
	for sender.HasMessage() {
		if msg := sender.GetMessage(); msg.Logged {
			out = append(out, msg.Rendered)
		}
	}
	return out
}
