package telegram

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basket/media-orchestrator/internal/uichannel"
)

func TestEscapeMarkdownV2EscapesSpecialCharacters(t *testing.T) {
	got := EscapeMarkdownV2("100% done [file.mkv] (a-b)")
	require.NotContains(t, got, "[file")
	require.Contains(t, got, "\\[file")
	require.Contains(t, got, "\\(a\\-b\\)")
	require.Contains(t, got, "100% done")
}

func TestEscapeMarkdownV2IsIdempotentOnPlainText(t *testing.T) {
	got := EscapeMarkdownV2("hello world")
	require.Equal(t, "hello world", got)
}

func TestParsePeerRejectsNonNumeric(t *testing.T) {
	_, err := parsePeer("not-a-chat-id")
	require.Error(t, err)
}

func TestParsePeerAcceptsNumeric(t *testing.T) {
	id, err := parsePeer("-100123456")
	require.NoError(t, err)
	require.Equal(t, int64(-100123456), id)
}

func TestInlineKeyboardBuildsOneRowPerButtonSet(t *testing.T) {
	markup := inlineKeyboard([]uichannel.Button{
		{Text: "Cancel", Data: "cancel:t1"},
		{Text: "Retry", Data: "retry:t1"},
	})
	require.Len(t, markup.InlineKeyboard, 1)
	require.Len(t, markup.InlineKeyboard[0], 2)
	require.Equal(t, "Cancel", markup.InlineKeyboard[0][0].Text)
	require.Equal(t, "cancel:t1", *markup.InlineKeyboard[0][0].CallbackData)
}
