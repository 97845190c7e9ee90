// Package bootstrap performs first-time tenant setup: a recovery phrase is
// generated and confirmed by the operator, the tenant master secret is
// derived from it, and the first KEK version is created sealed to both the
// operator and the master secret.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/neurallog/kek-custody/cryptoutils"
	"github.com/neurallog/kek-custody/interfaces"
	"github.com/neurallog/kek-custody/kekstore"
	"github.com/neurallog/kek-custody/kms"
	"github.com/neurallog/kek-custody/tenant"
)

const (
	DefaultStrength  = 128
	DefaultQuestions = 3
	setupReason      = "initial tenant setup"
)

// Question asks for the word at Index (zero-based) of the phrase.
type Question struct {
	Index        int    `json:"index"`
	ExpectedWord string `json:"expectedWord"`
}

type Answer struct {
	Index int    `json:"index"`
	Word  string `json:"word"`
}

// GenerateMnemonic returns a fresh recovery phrase. 128 bits give 12 words.
func GenerateMnemonic(crypto interfaces.CryptoPrimitives, bits int) (string, error) {
	if crypto == nil {
		return "", interfaces.ErrNoClient
	}
	if bits == 0 {
		bits = DefaultStrength
	}
	return crypto.GenerateMnemonic(bits)
}

// GenerateQuiz picks n distinct word positions of phrase to confirm the
// operator wrote it down.
func GenerateQuiz(phrase string, n int) ([]Question, error) {
	words := strings.Fields(kms.NormalizeMnemonic(phrase))
	if n < 1 || n > len(words) {
		return nil, fmt.Errorf("%w: cannot ask %d questions about %d words", interfaces.ErrValidation, n, len(words))
	}
	quiz := make([]Question, 0, n)
	for _, i := range rand.Perm(len(words))[:n] {
		quiz = append(quiz, Question{Index: i, ExpectedWord: words[i]})
	}
	return quiz, nil
}

// VerifyQuiz reports whether answers cover exactly the questions of quiz,
// one answer per question, each naming the right word of phrase. Case and
// surrounding space are ignored. An empty quiz never verifies.
func VerifyQuiz(phrase string, quiz []Question, answers []Answer) bool {
	words := strings.Fields(kms.NormalizeMnemonic(phrase))
	if len(quiz) == 0 || len(answers) != len(quiz) {
		return false
	}
	asked := make(map[int]bool, len(quiz))
	for _, q := range quiz {
		if q.Index < 0 || q.Index >= len(words) || asked[q.Index] {
			return false
		}
		asked[q.Index] = true
	}
	for _, a := range answers {
		if !asked[a.Index] {
			return false
		}
		delete(asked, a.Index)
		if !strings.EqualFold(strings.TrimSpace(a.Word), words[a.Index]) {
			return false
		}
	}
	return len(asked) == 0
}

// Setup bootstraps a tenant that has no KEK version yet. The caller must be
// a registered member; the directory makes them admin on this first
// creation. The returned authority holds the KEK and the master secret.
func Setup(ctx context.Context, tc *tenant.Context, password, phrase string) (*tenant.Authority, interfaces.KEKVersion, error) {
	if err := tc.Validate(); err != nil {
		return nil, interfaces.KEKVersion{}, err
	}
	if !tc.Crypto.ValidateMnemonic(phrase) {
		return nil, interfaces.KEKVersion{}, fmt.Errorf("%w: invalid recovery phrase", interfaces.ErrValidation)
	}

	store := kekstore.NewStore(tc)
	history, err := store.List(ctx)
	if err != nil {
		return nil, interfaces.KEKVersion{}, err
	}
	if len(history) > 0 {
		return nil, interfaces.KEKVersion{}, fmt.Errorf("%w: tenant %s is already set up", interfaces.ErrConflict, tc.TenantID)
	}

	secret, err := tc.Crypto.DeriveMasterSecret(tc.TenantID, phrase)
	if err != nil {
		return nil, interfaces.KEKVersion{}, interfaces.NewOpError("derive master secret", tc.TenantID, err)
	}
	defer cryptoutils.Wipe(secret)

	auth, err := tenant.Enroll(ctx, tc, password)
	if err != nil {
		return nil, interfaces.KEKVersion{}, err
	}
	auth.SetMasterSecret(secret)

	v, err := store.Create(ctx, auth, setupReason)
	if err != nil {
		auth.Discard()
		return nil, interfaces.KEKVersion{}, err
	}

	tc.Logger().Info("Tenant set up", slog.String("user", auth.UserID()), slog.String("version", v.ID))
	return auth, v, nil
}
