package distillation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intelligencedev/memoryd/internal/model"
)

func TestKnowledgeIDForStableAndDistinct(t *testing.T) {
	a := knowledgeIDFor("Users prefer concise replies", model.KnowledgePattern)
	b := knowledgeIDFor("Users prefer concise replies", model.KnowledgePattern)
	require.Equal(t, a, b)
	require.NotEqual(t, a, knowledgeIDFor("Users prefer concise replies", model.KnowledgeRule))
	require.NotEqual(t, a, knowledgeIDFor("Different title", model.KnowledgePattern))
}
