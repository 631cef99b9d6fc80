package tokenizer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
	"hello", "world", "hi", "how", "are", "you",
	"##lo", "##ld", "##i", ",", "!",
}

func newTestTokenizer(t *testing.T) *WordPiece {
	t.Helper()
	tk, err := NewWordPiece(strings.NewReader(strings.Join(testVocab, "\n")))
	require.NoError(t, err)
	return tk
}

func TestTokenizer(t *testing.T) {
	tk := newTestTokenizer(t)
	assert.Equal(t, len(testVocab), tk.VocabSize())

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
		tokens, _ := tk.Tokenize("[CLS]hi,how are you![SEP]")
		require.Equal(t, []string{"[CLS]", "hi", ",", "how", "are", "you", "!", "[SEP]"}, tokens)
	})

	t.Run("Decode", func(t *testing.T) {
		assert.Equal(t, "hellold world", tk.Decode([]int{5, 12, 6}))
		assert.Equal(t, "hi [UNK]", tk.Decode([]int{7, 99}))
		assert.Equal(t, "", tk.Decode(nil))
	})
}

func TestNewWordPieceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(testVocab, "\n")+"\n"), 0o644))
	tk, err := NewWordPieceFile(path)
	require.NoError(t, err)
	assert.Equal(t, []int{8, 9, 10}, tk.Encode("how are you"))

	_, err = NewWordPieceFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)

	_, err = NewWordPiece(strings.NewReader("\n\n"))
	assert.Error(t, err)
}

func TestBytes(t *testing.T) {
	var b Tokenizer = Bytes{}
	ids := b.Encode("hé")
	assert.Equal(t, []int{104, 0xc3, 0xa9}, ids)
	assert.Equal(t, "hé", b.Decode(ids))
	assert.Equal(t, "h", b.Decode([]int{104, 300, -1}))
}

func TestIsPunctuation(t *testing.T) {
	tests := []struct {
		r    rune
		want bool
	}{
		{'!', true}, {'[', true}, {'~', true}, {'a', false}, {'0', false}, {' ', false}, {'¿', true}, {'é', false},
	}
	for _, tt := range tests {
		if got := isPunctuation(tt.r); got != tt.want {
			t.Errorf("isPunctuation(%q) = %v, want %v", tt.r, got, tt.want)
		}
	}
}
