package generate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildMessages_ColdForbidsQuestions(t *testing.T) {
	system, _ := BuildMessages(Request{Kind: "followup", Policy: "cold", Step: 2})
	require.Contains(t, system, "Do NOT ask")
	require.Contains(t, system, "follow-up number 2")
}

func TestBuildMessages_ReplyCarriesIntent(t *testing.T) {
	_, user := BuildMessages(Request{Kind: "reply", UserText: "how much is whitening?", LastIntent: "whitening"})
	require.Contains(t, user, "whitening")
	require.Contains(t, user, "how much is whitening?")
}

func TestCheckPolicy(t *testing.T) {
	require.NoError(t, CheckPolicy("cold", "We are here whenever you are ready."))
	require.Error(t, CheckPolicy("cold", "Ready to book?"))
	require.NoError(t, CheckPolicy("warm", "Hi! Would Tuesday work for you?"))
	require.Error(t, CheckPolicy("warm", "How are you? Want to book? Tomorrow?"))
	require.NoError(t, CheckPolicy("hot", "Shall we lock in your slot?"))
}

func TestCheckPolicy_SpanishQuestionMarks(t *testing.T) {
	// One Spanish question carries both marks and still counts as one.
	require.NoError(t, CheckPolicy("warm", "¡Hola! ¿Te gustaría reservar tu cita esta semana?"))
	require.NoError(t, CheckPolicy("hot", "¿Te reservo el hueco del martes?"))
	require.Error(t, CheckPolicy("cold", "¿Sigues interesado?"))
	require.Error(t, CheckPolicy("warm", "¿Cómo estás? ¿Quieres venir mañana?"))
	// An unpaired opening mark alone still counts.
	require.Error(t, CheckPolicy("cold", "¿Vienes"))
}

func TestClean(t *testing.T) {
	out, err := Clean("  \"Hi there!\"  ")
	require.NoError(t, err)
	require.Equal(t, "Hi there!", out)

	out, err = Clean("First paragraph.\n\nAlternative you did not ask for.")
	require.NoError(t, err)
	require.Equal(t, "First paragraph.", out)
	require.False(t, strings.Contains(out, "Alternative"))

	_, err = Clean("   \n\n  ")
	require.ErrorIs(t, err, ErrEmptyReply)
}
