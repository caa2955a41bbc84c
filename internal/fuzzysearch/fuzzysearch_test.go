package fuzzysearch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchTextFindsNonInteractiveValue(t *testing.T) {
	doc := `<html><body>
		<div id="detail"><span class="price-tag">$129.00</span></div>
	</body></html>`
	matches := SearchText(doc, "$129.00", 0.8)
	require.NotEmpty(t, matches)
	assert.Equal(t, "$129.00", matches[0].Text)
	assert.Equal(t, "span", matches[0].Tag)
	require.NotEmpty(t, matches[0].Candidates)
	assert.Contains(t, matches[0].XPath(), "price-tag")
}

func TestSearchTextSkipsScriptAndStyleNodes(t *testing.T) {
	doc := `<html><body><script>var price = "129.00";</script><p>no match here</p></body></html>`
	matches := SearchText(doc, "129.00", 0.8)
	assert.Empty(t, matches)
}

func TestSearchTextRanksClosestMatchFirst(t *testing.T) {
	doc := `<html><body>
		<p id="a">Annual Report 2026</p>
		<p id="b">Annual Report 2026 Draft</p>
	</body></html>`
	matches := SearchText(doc, "Annual Report 2026", 0.7)
	require.Len(t, matches, 2)
	assert.GreaterOrEqual(t, matches[0].Similarity, matches[1].Similarity)
	assert.Contains(t, matches[0].XPath(), `@id="a"`)
}

func TestSearchURLMatchesHrefAttribute(t *testing.T) {
	doc := `<html><body><a id="more" href="/listing/42?utm=1">Details</a></body></html>`
	matches := SearchURL(doc, "https://example.com/listing/42")
	require.NotEmpty(t, matches)
	assert.Equal(t, "/listing/42?utm=1", matches[0].Text)
	assert.Equal(t, "a", matches[0].Tag)
}

func TestSimilarityExactAndContainment(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("Hello World", "hello   world"))
	assert.Equal(t, 0.95, Similarity("Hello", "Hello World"))
	assert.Less(t, Similarity("abc", "xyz"), 0.5)
}

func TestXpathLiteralEscapesMixedQuotes(t *testing.T) {
	lit := xpathLiteral(`He said "hi", it's fine`)
	assert.Contains(t, lit, "concat(")
}

func TestXpathLiteralPlainValueIsDoubleQuoted(t *testing.T) {
	assert.Equal(t, `"plain"`, xpathLiteral("plain"))
}
