package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizeCodeSplitsIdentifiers(t *testing.T) {
	tokens := TokenizeCode("func getUserById(userID string)")
	assert.Contains(t, tokens, "user")
	assert.Contains(t, tokens, "by")
	assert.Contains(t, tokens, "id")
	assert.Contains(t, tokens, "string")
}

func TestSplitCamelCaseAcronyms(t *testing.T) {
	assert.Equal(t, []string{"parse", "HTTP", "Request"}, SplitCamelCase("parseHTTPRequest"))
	assert.Equal(t, []string{"HTTP", "Handler"}, SplitCamelCase("HTTPHandler"))
	assert.Equal(t, []string{}, SplitCamelCase(""))
}

func TestSplitCodeTokenSnakeCase(t *testing.T) {
	assert.Equal(t, []string{"fetch", "remote", "config"}, SplitCodeToken("fetch_remote_config"))
}

func TestTokenizeDropsShortTokens(t *testing.T) {
	tokens := TokenizeCode("a x9 ok")
	assert.NotContains(t, tokens, "a")
	assert.Contains(t, tokens, "x9")
	assert.Contains(t, tokens, "ok")
}

func TestFilterStopWords(t *testing.T) {
	stop := BuildStopWordMap([]string{"func", "err"})
	out := FilterStopWords([]string{"func", "serve", "err", "listener"}, stop)
	assert.Equal(t, []string{"serve", "listener"}, out)
}
