package bootstrap

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/neurallog/kek-custody/directory/directorytest"
	"github.com/neurallog/kek-custody/interfaces"
	"github.com/neurallog/kek-custody/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const phrase = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestGenerateMnemonic(t *testing.T) {
	crypto := kms.NewPrimitives()

	p, err := GenerateMnemonic(crypto, 0)
	require.NoError(t, err)
	assert.Len(t, strings.Fields(p), 12)
	assert.True(t, crypto.ValidateMnemonic(p))

	p, err = GenerateMnemonic(crypto, 256)
	require.NoError(t, err)
	assert.Len(t, strings.Fields(p), 24)

	_, err = GenerateMnemonic(crypto, 100)
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	_, err = GenerateMnemonic(nil, 128)
	assert.ErrorIs(t, err, interfaces.ErrNoClient)
}

func TestGenerateQuiz(t *testing.T) {
	words := strings.Fields(phrase)
	for range 20 {
		quiz, err := GenerateQuiz(phrase, DefaultQuestions)
		require.NoError(t, err)
		require.Len(t, quiz, DefaultQuestions)

		seen := map[int]bool{}
		for _, q := range quiz {
			assert.False(t, seen[q.Index], "index %d asked twice", q.Index)
			seen[q.Index] = true
			assert.Equal(t, words[q.Index], q.ExpectedWord)
		}
	}

	all, err := GenerateQuiz(phrase, 12)
	require.NoError(t, err)
	assert.Len(t, all, 12)

	_, err = GenerateQuiz(phrase, 13)
	assert.ErrorIs(t, err, interfaces.ErrValidation)
	_, err = GenerateQuiz(phrase, 0)
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestVerifyQuiz(t *testing.T) {
	quiz := []Question{{Index: 0, ExpectedWord: "abandon"}, {Index: 5, ExpectedWord: "abandon"}, {Index: 11, ExpectedWord: "about"}}
	tests := []struct {
		name    string
		answers []Answer
		want    bool
	}{
		{"all correct", []Answer{{0, "abandon"}, {5, "abandon"}, {11, "about"}}, true},
		{"any order, case and space", []Answer{{11, "  ABOUT "}, {0, "Abandon"}, {5, "abandon"}}, true},
		{"one wrong", []Answer{{0, "abandon"}, {5, "abandon"}, {11, "abandon"}}, false},
		{"single answer", []Answer{{11, "about"}}, false},
		{"question skipped", []Answer{{0, "abandon"}, {5, "abandon"}}, false},
		{"repeated index", []Answer{{0, "abandon"}, {0, "abandon"}, {11, "about"}}, false},
		{"unasked index", []Answer{{0, "abandon"}, {1, "abandon"}, {11, "about"}}, false},
		{"no answers", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyQuiz(phrase, quiz, tt.answers))
		})
	}

	assert.False(t, VerifyQuiz(phrase, nil, nil))
	assert.False(t, VerifyQuiz(phrase, []Question{{Index: 12}}, []Answer{{12, "about"}}))
}

func TestVerifyGeneratedQuiz(t *testing.T) {
	quiz, err := GenerateQuiz(phrase, 3)
	require.NoError(t, err)

	answers := make([]Answer, 0, len(quiz))
	for _, q := range quiz {
		answers = append(answers, Answer{Index: q.Index, Word: q.ExpectedWord})
	}
	assert.True(t, VerifyQuiz(phrase, quiz, answers))
	assert.False(t, VerifyQuiz(phrase, quiz, answers[:1]))
}

func TestSetup(t *testing.T) {
	env := directorytest.New(t)
	env.AddUser(t, "founder", false)
	ctx := context.Background()
	tc := env.Tenant("founder")

	_, _, err := Setup(ctx, tc, directorytest.Password("founder"), "not a valid phrase at all")
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	auth, v, err := Setup(ctx, tc, directorytest.Password("founder"), phrase)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KEKStatusActive, v.Status)
	assert.Equal(t, "founder", v.CreatedBy)

	me, err := tc.Directory.WhoAmI(ctx)
	require.NoError(t, err)
	assert.True(t, me.IsAdmin)

	kek, err := auth.KEK(v.ID)
	require.NoError(t, err)

	// The master blob opens with the secret derived from the phrase.
	blob, err := tc.Directory.GetMasterBlob(ctx, v.ID)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	secret, err := kms.DeriveMasterSecret(directorytest.TenantID, phrase)
	require.NoError(t, err)
	opened, err := env.Crypto.DecryptKEK(raw, secret)
	require.NoError(t, err)
	assert.Equal(t, kek, opened)

	held, ok := auth.MasterSecret()
	require.True(t, ok)
	assert.Equal(t, secret, held)

	assert.True(t, env.Unlock(t, "founder").HasKEK(v.ID))

	_, _, err = Setup(ctx, tc, directorytest.Password("founder"), phrase)
	assert.ErrorIs(t, err, interfaces.ErrConflict)
}
