package playback

import (
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Failure is what the UI shows when a session is exhausted: a short message
// plus labels for the retry and go-back affordances. Error codes stay in logs.
type Failure struct {
	Message string `json:"message"`
	Retry   string `json:"retry"`
	Back    string `json:"back"`
}

const (
	msgExhausted = "playback.exhausted"
	msgRetry     = "playback.retry"
	msgBack      = "playback.back"
)

var supportedLanguages = []language.Tag{
	language.English,
	language.BrazilianPortuguese,
}

var languageMatcher = language.NewMatcher(supportedLanguages)

type catalogEntry struct {
	tag       language.Tag
	key, text string
}

var catalog = []catalogEntry{
	{language.English, msgExhausted, "This stream could not be played."},
	{language.English, msgRetry, "Try again"},
	{language.English, msgBack, "Go back"},
	{language.BrazilianPortuguese, msgExhausted, "Não foi possível reproduzir este canal."},
	{language.BrazilianPortuguese, msgRetry, "Tentar novamente"},
	{language.BrazilianPortuguese, msgBack, "Voltar"},
}

func init() {
	if err := registerCatalog(catalog); err != nil {
		panic(err)
	}
}

func registerCatalog(entries []catalogEntry) error {
	for _, e := range entries {
		if err := message.SetString(e.tag, e.key, e.text); err != nil {
			return fmt.Errorf("register message %q for %s: %w", e.key, e.tag, err)
		}
	}
	return nil
}

// FailureFor returns the localized failure text for an Accept-Language style
// preference list ("pt-BR,pt;q=0.9,en;q=0.8"). Unknown languages get English.
func FailureFor(preferences ...string) Failure {
	_, idx := language.MatchStrings(languageMatcher, preferences...)
	p := message.NewPrinter(supportedLanguages[idx])
	return Failure{
		Message: p.Sprintf(msgExhausted),
		Retry:   p.Sprintf(msgRetry),
		Back:    p.Sprintf(msgBack),
	}
}
