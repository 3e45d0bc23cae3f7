package tokenizer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var vocabContent = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
	"hello", "world", "hi", "how", "are", "you",
	"##lo", "##ld", "##i", "!",
}

func newTestTokenizer(t *testing.T) *WordPieceTokenizer {
	t.Helper()
	vocabPath := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(vocabPath, []byte(strings.Join(vocabContent, "\n")+"\n"), 0o644))

	tk, err := NewWordPieceTokenizer(vocabPath)
	require.NoError(t, err)
	return tk
}

func TestTokenizer(t *testing.T) {
	tk := newTestTokenizer(t)
	assert.Equal(t, len(vocabContent), tk.VocabSize())

	t.Run("BasicTokenize", func(t *testing.T) {
		tokens, ids := tk.Tokenize("Hello world")
		require.Equal(t, []string{"hello", "world"}, tokens)
		require.Equal(t, []int{5, 6}, ids)
	})

	t.Run("WordPieceSplit", func(t *testing.T) {
		tokens, ids := tk.Tokenize("hellold")
		require.Equal(t, []string{"hello", "##ld"}, tokens)
		require.Equal(t, []int{5, 12}, ids)
	})

	t.Run("UNKHandling", func(t *testing.T) {
		tokens, ids := tk.Tokenize("unknownword")
		require.Equal(t, []string{"[UNK]"}, tokens)
		require.Equal(t, []int{1}, ids)
	})

	t.Run("Normalization", func(t *testing.T) {
		tokens, ids := tk.Tokenize("Héllo")
		require.Equal(t, []string{"hello"}, tokens)
		require.Equal(t, []int{5}, ids)
	})

	t.Run("PunctuationAndSpecials", func(t *testing.T) {
		tokens, _ := tk.Tokenize("hi![SEP]how are you")
		require.Equal(t, []string{"hi", "!", "[SEP]", "how", "are", "you"}, tokens)
	})
}

func TestEncodeBatch(t *testing.T) {
	tk := newTestTokenizer(t)

	ids, mask, err := tk.EncodeBatch([]string{"hello world", "how are you hi hi"}, 6)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 5, 6, 3, 0, 0}, ids[0])
	assert.Equal(t, []int{1, 1, 1, 1, 0, 0}, mask[0])

	// Truncated to seqLen-2 body tokens
	assert.Equal(t, []int{2, 8, 9, 10, 7, 3}, ids[1])
	assert.Equal(t, []int{1, 1, 1, 1, 1, 1}, mask[1])

	_, _, err = tk.EncodeBatch([]string{"hi"}, 1)
	assert.Error(t, err)
}

func TestNewFromVocab_MissingSpecials(t *testing.T) {
	_, err := NewFromVocab(map[string]int{"[PAD]": 0, "hello": 1})
	assert.Error(t, err)

	_, err = NewFromReader(strings.NewReader("[PAD]\n[UNK]\n[CLS]\n[SEP]\n"))
	assert.NoError(t, err)
}
